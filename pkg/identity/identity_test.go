package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cuemby/cocoon/pkg/protocol"
	"github.com/cuemby/cocoon/pkg/secret"
	"github.com/cuemby/cocoon/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const strongSecret = "Xk9#mP2$vL5nQ8@wR3&jT6*yB4!cF7^h"

// fakeCoordinator answers registrations in-process using a Deriver
type fakeCoordinator struct {
	deriver  *Deriver
	sent     []protocol.Frame
	preamble [][]byte
	silent   bool
	inbox    chan []byte
}

func newFakeCoordinator(salt string) *fakeCoordinator {
	return &fakeCoordinator{
		deriver: NewDeriver([]byte(salt)),
		inbox:   make(chan []byte, 16),
	}
}

func (c *fakeCoordinator) Send(ctx context.Context, f protocol.Frame) error {
	c.sent = append(c.sent, f)
	for _, raw := range c.preamble {
		c.inbox <- raw
	}
	if c.silent {
		return nil
	}

	var result protocol.RegistrationResult
	switch fr := f.(type) {
	case protocol.Register:
		id, err := c.deriver.Verify(fr.Secret, fr.DeviceID)
		if err != nil {
			result = protocol.RegistrationResult{Reason: err.Error()}
		} else {
			result = protocol.RegistrationResult{Accepted: true, DeviceID: id}
		}
	case protocol.RegisterWithSetupToken:
		id := c.deriver.Derive(fr.Secret)
		result = protocol.RegistrationResult{Accepted: true, DeviceID: id, OwnerID: "owner-" + fr.SetupToken, Name: fr.Name}
	}
	data, err := protocol.Encode(result)
	if err != nil {
		return err
	}
	c.inbox <- data
	return nil
}

func (c *fakeCoordinator) Receive(ctx context.Context) ([]byte, error) {
	select {
	case raw := <-c.inbox:
		return raw, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// tamper flips the last character of an id
func tamper(id string) string {
	last := byte('0')
	if id[len(id)-1] == '0' {
		last = '1'
	}
	return id[:len(id)-1] + string(last)
}

type memStore struct {
	saved []string
	err   error
}

func (m *memStore) SaveDeviceID(id string) error {
	m.saved = append(m.saved, id)
	return m.err
}

func TestDeriverDeterministic(t *testing.T) {
	d := NewDeriver([]byte("salt-a"))

	first := d.Derive(strongSecret)
	second := d.Derive(strongSecret)
	assert.Equal(t, first, second)
	assert.Len(t, first, DeviceIDLength)

	other := NewDeriver([]byte("salt-b"))
	assert.NotEqual(t, first, other.Derive(strongSecret), "a different salt yields a different id")
}

func TestDeriverVerify(t *testing.T) {
	d := NewDeriver([]byte("salt"))
	id := d.Derive(strongSecret)

	tests := []struct {
		name    string
		secret  string
		claimed string
		wantErr error
	}{
		{"first registration", strongSecret, "", nil},
		{"matching id", strongSecret, id, nil},
		{"tampered id", strongSecret, tamper(id), ErrDeviceMismatch},
		{"stolen id wrong secret", "q8Zr-M1v_Kx3LpT0aYw7NcB2dHs9FjE4gUo6", id, ErrDeviceMismatch},
		{"weak secret", "password", "", secret.ErrWeakSecret},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := d.Verify(tt.secret, tt.claimed)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, d.Derive(tt.secret), got)
		})
	}
}

func TestRegisterFirstTimeIsIdempotent(t *testing.T) {
	coord := newFakeCoordinator("salt")

	var ids []string
	for i := 0; i < 2; i++ {
		store := &memStore{}
		p := NewProtocol(Config{Version: "test-version"}, store)

		outcome, err := p.Register(context.Background(), coord, types.DeviceIdentity{Secret: strongSecret})
		require.NoError(t, err)
		assert.True(t, outcome.Verified)
		assert.Equal(t, []string{outcome.DeviceID}, store.saved)
		ids = append(ids, outcome.DeviceID)
	}

	assert.Equal(t, ids[0], ids[1])

	first, ok := coord.sent[0].(protocol.Register)
	require.True(t, ok)
	assert.Empty(t, first.DeviceID)
	assert.Equal(t, "test-version", first.Version)
}

func TestRegisterReconnect(t *testing.T) {
	coord := newFakeCoordinator("salt")
	deviceID := coord.deriver.Derive(strongSecret)

	t.Run("correct pair verifies", func(t *testing.T) {
		store := &memStore{}
		p := NewProtocol(Config{}, store)

		outcome, err := p.Register(context.Background(), coord, types.DeviceIdentity{Secret: strongSecret, DeviceID: deviceID})
		require.NoError(t, err)
		assert.True(t, outcome.Verified)
		assert.Equal(t, deviceID, outcome.DeviceID)
		assert.Empty(t, store.saved, "a known id is not persisted again")
	})

	t.Run("tampered id is rejected", func(t *testing.T) {
		p := NewProtocol(Config{}, &memStore{})

		outcome, err := p.Register(context.Background(), coord, types.DeviceIdentity{Secret: strongSecret, DeviceID: tamper(deviceID)})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrRejected))
		assert.False(t, outcome.Verified)
		assert.Contains(t, outcome.Reason, "mismatch")
	})
}

func TestRegisterRejectsDifferentEchoedID(t *testing.T) {
	coord := &echoingCoordinator{fakeCoordinator: newFakeCoordinator("salt"), echo: "ffffffffffffffffffffffffffffffff"}
	p := NewProtocol(Config{}, &memStore{})

	// Accepted, but for a different device than the one we hold
	known := coord.deriver.Derive(strongSecret)
	outcome, err := p.Register(context.Background(), coord, types.DeviceIdentity{Secret: strongSecret, DeviceID: known})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRejected))
	assert.False(t, outcome.Verified)
}

// echoingCoordinator accepts every registration with a fixed device id
type echoingCoordinator struct {
	*fakeCoordinator
	echo string
}

func (c *echoingCoordinator) Send(ctx context.Context, f protocol.Frame) error {
	data, err := protocol.Encode(protocol.RegistrationResult{Accepted: true, DeviceID: c.echo})
	if err != nil {
		return err
	}
	c.inbox <- data
	return nil
}

func TestRegisterWeakSecretNeverSent(t *testing.T) {
	coord := newFakeCoordinator("salt")
	p := NewProtocol(Config{}, &memStore{})

	_, err := p.Register(context.Background(), coord, types.DeviceIdentity{Secret: "password123"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, secret.ErrWeakSecret))
	assert.Empty(t, coord.sent)
}

func TestRegisterDiscardsFramesBeforeResult(t *testing.T) {
	coord := newFakeCoordinator("salt")
	execute, err := protocol.Encode(protocol.Execute{Command: "rm -rf /"})
	require.NoError(t, err)
	coord.preamble = [][]byte{execute, []byte("garbage")}

	p := NewProtocol(Config{}, &memStore{})
	outcome, err := p.Register(context.Background(), coord, types.DeviceIdentity{Secret: strongSecret})
	require.NoError(t, err)
	assert.True(t, outcome.Verified)
}

func TestRegisterWithSetupToken(t *testing.T) {
	coord := newFakeCoordinator("salt")
	store := &memStore{}
	p := NewProtocol(Config{SetupToken: "tok", Name: "lab-box"}, store)

	outcome, err := p.Register(context.Background(), coord, types.DeviceIdentity{Secret: strongSecret})
	require.NoError(t, err)
	assert.True(t, outcome.Verified)
	assert.Equal(t, "owner-tok", outcome.OwnerID)
	assert.Equal(t, "lab-box", outcome.Name)

	frame, ok := coord.sent[0].(protocol.RegisterWithSetupToken)
	require.True(t, ok)
	assert.Equal(t, "tok", frame.SetupToken)

	// Once the device id is known the setup token is no longer used
	_, err = p.Register(context.Background(), coord, types.DeviceIdentity{Secret: strongSecret, DeviceID: outcome.DeviceID})
	require.NoError(t, err)
	_, ok = coord.sent[1].(protocol.Register)
	assert.True(t, ok)
}

func TestRegisterServerError(t *testing.T) {
	coord := newFakeCoordinator("salt")
	coord.silent = true
	errFrame, err := protocol.Encode(protocol.Error{Message: "registration disabled"})
	require.NoError(t, err)
	coord.preamble = [][]byte{errFrame}

	p := NewProtocol(Config{}, &memStore{})
	outcome, err := p.Register(context.Background(), coord, types.DeviceIdentity{Secret: strongSecret})
	assert.True(t, errors.Is(err, ErrRejected))
	assert.Equal(t, "registration disabled", outcome.Reason)
}

func TestRegisterTimeout(t *testing.T) {
	coord := newFakeCoordinator("salt")
	coord.silent = true

	p := NewProtocol(Config{Timeout: 50 * time.Millisecond}, &memStore{})
	start := time.Now()
	_, err := p.Register(context.Background(), coord, types.DeviceIdentity{Secret: strongSecret})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}
