package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/cocoon/pkg/protocol"
	"github.com/cuemby/cocoon/pkg/secret"
	"github.com/cuemby/cocoon/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSalt = []byte("signaling-test-salt")

type harness struct {
	srv  *Server
	http *httptest.Server
	url  string
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	if cfg.Salt == nil {
		cfg.Salt = testSalt
	}
	srv := NewServer(cfg)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		hs.Close()
	})
	return &harness{
		srv:  srv,
		http: hs,
		url:  "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws",
	}
}

func (h *harness) dial(t *testing.T) *transport.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := transport.Dial(ctx, h.url, time.Second, transport.ConnOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func receive(t *testing.T, conn *transport.Conn) ([]byte, protocol.Envelope) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := conn.Receive(ctx)
	require.NoError(t, err)
	env, err := protocol.Peek(raw)
	require.NoError(t, err)
	return raw, env
}

func register(t *testing.T, conn *transport.Conn, frame protocol.Frame) protocol.RegistrationResult {
	t.Helper()
	require.NoError(t, conn.Send(context.Background(), frame))
	raw, env := receive(t, conn)
	require.Equal(t, protocol.TypeRegistrationResult, env.Type)

	var result protocol.RegistrationResult
	require.NoError(t, protocol.Decode(raw, &result))
	return result
}

func strongSecret(t *testing.T) string {
	t.Helper()
	s, err := secret.Generate()
	require.NoError(t, err)
	return s
}

func TestFirstRegistrationDerivesDeviceID(t *testing.T) {
	h := newHarness(t, Config{})
	sec := strongSecret(t)

	result := register(t, h.dial(t), protocol.Register{Secret: sec, Name: "lab-1", Version: "1.0.0"})

	require.True(t, result.Accepted)
	assert.Equal(t, h.srv.deriver.Derive(sec), result.DeviceID)
	assert.Len(t, result.DeviceID, 32)

	require.Eventually(t, func() bool { return len(h.srv.Devices()) == 1 }, time.Second, 10*time.Millisecond)
	dev := h.srv.Devices()[0]
	assert.Equal(t, result.DeviceID, dev.ID)
	assert.Equal(t, "lab-1", dev.Name)
	assert.Equal(t, "1.0.0", dev.Version)
}

func TestReconnectVerification(t *testing.T) {
	h := newHarness(t, Config{})
	sec := strongSecret(t)
	deviceID := h.srv.deriver.Derive(sec)

	tests := []struct {
		name     string
		secret   string
		deviceID string
		accepted bool
		reason   string
	}{
		{"matching secret is verified", sec, deviceID, true, ""},
		{"stolen device id is rejected", strongSecret(t), deviceID, false, "device id does not match secret"},
		{"weak secret is rejected", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", deviceID, false, "secret rejected"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := register(t, h.dial(t), protocol.Register{Secret: tt.secret, DeviceID: tt.deviceID})

			assert.Equal(t, tt.accepted, result.Accepted)
			if tt.accepted {
				assert.Equal(t, deviceID, result.DeviceID)
			} else {
				assert.Empty(t, result.DeviceID)
				assert.Contains(t, result.Reason, tt.reason)
			}
		})
	}
}

func TestRegisterWithSetupToken(t *testing.T) {
	h := newHarness(t, Config{SetupTokens: map[string]string{"tok-1": "owner-42"}})

	t.Run("known token sets owner", func(t *testing.T) {
		result := register(t, h.dial(t), protocol.RegisterWithSetupToken{
			Secret:     strongSecret(t),
			SetupToken: "tok-1",
			Name:       "bench",
		})
		require.True(t, result.Accepted)
		assert.Equal(t, "owner-42", result.OwnerID)
		assert.Equal(t, "bench", result.Name)
	})

	t.Run("unknown token is rejected", func(t *testing.T) {
		result := register(t, h.dial(t), protocol.RegisterWithSetupToken{
			Secret:     strongSecret(t),
			SetupToken: "nope",
		})
		assert.False(t, result.Accepted)
		assert.Contains(t, result.Reason, "setup token")
	})
}

func TestFrameBeforeRegistrationIsRefused(t *testing.T) {
	h := newHarness(t, Config{})
	conn := h.dial(t)

	require.NoError(t, conn.Send(context.Background(), protocol.Execute{Command: "id"}))
	raw, env := receive(t, conn)
	require.Equal(t, protocol.TypeError, env.Type)

	var frame protocol.Error
	require.NoError(t, protocol.Decode(raw, &frame))
	assert.Equal(t, "registration required", frame.Message)

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not closed")
	}
}

func TestSendAndSubscribe(t *testing.T) {
	h := newHarness(t, Config{})
	sec := strongSecret(t)
	deviceID := h.srv.deriver.Derive(sec)

	inbound, cancel := h.srv.Subscribe(deviceID)
	defer cancel()

	conn := h.dial(t)
	require.True(t, register(t, conn, protocol.Register{Secret: sec}).Accepted)

	ctx := context.Background()
	require.NoError(t, h.srv.Send(ctx, deviceID, protocol.Execute{RequestID: "r1", Command: "echo hi"}))

	raw, env := receive(t, conn)
	require.Equal(t, protocol.TypeExecute, env.Type)
	var exec protocol.Execute
	require.NoError(t, protocol.Decode(raw, &exec))
	assert.Equal(t, "echo hi", exec.Command)

	require.NoError(t, conn.Send(ctx, protocol.ExecuteResult{RequestID: "r1", Success: true, Stdout: "hi\n"}))
	select {
	case raw := <-inbound:
		env, err := protocol.Peek(raw)
		require.NoError(t, err)
		assert.Equal(t, protocol.TypeExecuteResult, env.Type)
		assert.Equal(t, "r1", env.RequestID)
	case <-time.After(2 * time.Second):
		t.Fatal("no frame delivered to subscriber")
	}
}

func TestSendToUnknownDevice(t *testing.T) {
	h := newHarness(t, Config{})

	err := h.srv.Send(context.Background(), "missing", protocol.PTYClose{SessionID: "s"})
	assert.ErrorIs(t, err, ErrDeviceNotConnected)
}

func TestDeregister(t *testing.T) {
	h := newHarness(t, Config{})
	sec := strongSecret(t)
	conn := h.dial(t)
	result := register(t, conn, protocol.Register{Secret: sec})
	require.True(t, result.Accepted)

	require.NoError(t, conn.Send(context.Background(), protocol.Deregister{DeviceID: result.DeviceID, Reason: "shutdown"}))

	raw, env := receive(t, conn)
	require.Equal(t, protocol.TypeDeregistered, env.Type)
	var ack protocol.Deregistered
	require.NoError(t, protocol.Decode(raw, &ack))
	assert.Equal(t, result.DeviceID, ack.DeviceID)

	assert.Eventually(t, func() bool { return len(h.srv.Devices()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestReplacesPreviousConnection(t *testing.T) {
	h := newHarness(t, Config{})
	sec := strongSecret(t)

	first := h.dial(t)
	require.True(t, register(t, first, protocol.Register{Secret: sec}).Accepted)

	second := h.dial(t)
	require.True(t, register(t, second, protocol.Register{Secret: sec}).Accepted)

	select {
	case <-first.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("previous connection was not closed")
	}
	assert.Len(t, h.srv.Devices(), 1)
}

func TestHTTPRoutes(t *testing.T) {
	h := newHarness(t, Config{})
	sec := strongSecret(t)
	conn := h.dial(t)
	result := register(t, conn, protocol.Register{Secret: sec, Name: "api"})
	require.True(t, result.Accepted)

	t.Run("list devices", func(t *testing.T) {
		resp, err := http.Get(h.http.URL + "/api/devices")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body struct {
			Devices []DeviceInfo `json:"devices"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		require.Len(t, body.Devices, 1)
		assert.Equal(t, result.DeviceID, body.Devices[0].ID)
		assert.Equal(t, "api", body.Devices[0].Name)
	})

	t.Run("inject frame", func(t *testing.T) {
		payload := `{"type":"query_local","query_id":"q1","query_type":"get_task_stats"}`
		resp, err := http.Post(h.http.URL+"/api/devices/"+result.DeviceID+"/frames", "application/json", bytes.NewBufferString(payload))
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusAccepted, resp.StatusCode)

		raw, env := receive(t, conn)
		assert.Equal(t, protocol.TypeQueryLocal, env.Type)
		var q protocol.QueryLocal
		require.NoError(t, protocol.Decode(raw, &q))
		assert.Equal(t, "q1", q.QueryID)
		assert.Equal(t, protocol.QueryTaskStats, q.QueryType)
	})

	t.Run("inject to unknown device", func(t *testing.T) {
		resp, err := http.Post(h.http.URL+"/api/devices/unknown/frames", "application/json", bytes.NewBufferString(`{"type":"pty_close","session_id":"x"}`))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("inject malformed frame", func(t *testing.T) {
		resp, err := http.Post(h.http.URL+"/api/devices/"+result.DeviceID+"/frames", "application/json", bytes.NewBufferString(`{"session_id":"x"}`))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestParseRawFrame(t *testing.T) {
	frame, err := ParseRawFrame([]byte(`{"type":"pty_input","session_id":"s1","data":"ls\r"}`))
	require.NoError(t, err)
	assert.Equal(t, protocol.TypePTYInput, frame.FrameType())

	encoded, err := protocol.Encode(frame)
	require.NoError(t, err)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	assert.Equal(t, map[string]string{"type": "pty_input", "session_id": "s1", "data": "ls\r"}, decoded)

	_, err = ParseRawFrame([]byte(`[1,2]`))
	assert.ErrorIs(t, err, protocol.ErrMalformedFrame)
}
