package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/cocoon/pkg/protocol"
)

// RawFrame is an arbitrary JSON frame, forwarded without knowing its schema
type RawFrame struct {
	typ    string
	fields map[string]json.RawMessage
}

// ParseRawFrame validates that raw is a typed JSON object
func ParseRawFrame(raw []byte) (RawFrame, error) {
	env, err := protocol.Peek(raw)
	if err != nil {
		return RawFrame{}, err
	}

	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return RawFrame{}, fmt.Errorf("%w: %v", protocol.ErrMalformedFrame, err)
	}
	delete(fields, "type")
	return RawFrame{typ: env.Type, fields: fields}, nil
}

func (f RawFrame) FrameType() string { return f.typ }

// MarshalJSON encodes the frame body; the type is added by protocol.Encode
func (f RawFrame) MarshalJSON() ([]byte, error) {
	if f.fields == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(f.fields)
}
