package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/cocoon/pkg/log"
	"github.com/cuemby/cocoon/pkg/metrics"
	"github.com/cuemby/cocoon/pkg/protocol"
	"github.com/cuemby/cocoon/pkg/secret"
	"github.com/cuemby/cocoon/pkg/types"
	"github.com/rs/zerolog"
)

// ErrRejected is returned when the coordinator refuses the registration
var ErrRejected = errors.New("registration rejected")

// Conn is the part of a transport connection the handshake needs
type Conn interface {
	protocol.Sender
	Receive(ctx context.Context) ([]byte, error)
}

// DeviceIDStore persists the id assigned on first registration
type DeviceIDStore interface {
	SaveDeviceID(id string) error
}

// Config holds handshake settings
type Config struct {
	Version    string
	Name       string
	SetupToken string
	Timeout    time.Duration
}

// Outcome is the result of one handshake
type Outcome struct {
	Verified bool
	DeviceID string
	OwnerID  string
	Name     string
	Reason   string
}

// Protocol drives the registration handshake on a fresh connection
type Protocol struct {
	cfg    Config
	store  DeviceIDStore
	logger zerolog.Logger
}

// NewProtocol creates a handshake driver
func NewProtocol(cfg Config, store DeviceIDStore) *Protocol {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Protocol{
		cfg:    cfg,
		store:  store,
		logger: log.WithComponent("identity"),
	}
}

// Register performs the handshake. It returns a Verified outcome, or an
// error wrapping ErrRejected with the Rejected outcome. The secret is
// validated locally and never sent when weak.
func (p *Protocol) Register(ctx context.Context, conn Conn, identity types.DeviceIdentity) (Outcome, error) {
	if err := secret.Validate(identity.Secret); err != nil {
		return Outcome{}, fmt.Errorf("refusing to register: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	if err := conn.Send(ctx, p.registrationFrame(identity)); err != nil {
		return Outcome{}, fmt.Errorf("failed to send registration: %w", err)
	}

	for {
		raw, err := conn.Receive(ctx)
		if err != nil {
			return Outcome{}, fmt.Errorf("failed to receive registration result: %w", err)
		}

		env, err := protocol.Peek(raw)
		if err != nil {
			p.logger.Warn().Err(err).Msg("Discarding malformed frame during registration")
			metrics.FramesDropped.WithLabelValues("malformed").Inc()
			continue
		}

		switch env.Type {
		case protocol.TypeRegistrationResult:
			var result protocol.RegistrationResult
			if err := protocol.Decode(raw, &result); err != nil {
				return Outcome{}, err
			}
			return p.complete(identity, result)

		case protocol.TypeError:
			var serverErr protocol.Error
			if err := protocol.Decode(raw, &serverErr); err != nil {
				return Outcome{}, err
			}
			return p.reject(serverErr.Message)

		default:
			p.logger.Warn().Str("type", env.Type).Msg("Discarding frame received before verification")
			metrics.FramesDropped.WithLabelValues("unverified").Inc()
		}
	}
}

func (p *Protocol) registrationFrame(identity types.DeviceIdentity) protocol.Frame {
	if !identity.Known() && p.cfg.SetupToken != "" {
		return protocol.RegisterWithSetupToken{
			Secret:     identity.Secret,
			SetupToken: p.cfg.SetupToken,
			Name:       p.cfg.Name,
			Version:    p.cfg.Version,
		}
	}
	return protocol.Register{
		Secret:   identity.Secret,
		DeviceID: identity.DeviceID,
		Version:  p.cfg.Version,
		Name:     p.cfg.Name,
	}
}

func (p *Protocol) complete(identity types.DeviceIdentity, result protocol.RegistrationResult) (Outcome, error) {
	if !result.Accepted {
		reason := result.Reason
		if reason == "" {
			reason = "no reason given"
		}
		return p.reject(reason)
	}

	deviceID := result.DeviceID
	if identity.Known() {
		if deviceID != "" && deviceID != identity.DeviceID {
			return p.reject(fmt.Sprintf("coordinator returned device id %s, expected %s", deviceID, identity.DeviceID))
		}
		deviceID = identity.DeviceID
	}
	if deviceID == "" {
		return Outcome{}, fmt.Errorf("registration accepted without a device id")
	}

	if !identity.Known() {
		if err := p.store.SaveDeviceID(deviceID); err != nil {
			p.logger.Warn().Err(err).Msg("Failed to persist device id, next start will register again")
		}
	}

	metrics.IdentityResults.WithLabelValues("verified").Inc()
	p.logger.Info().
		Str("device_id", deviceID).
		Bool("first_registration", !identity.Known()).
		Msg("Device verified")

	return Outcome{
		Verified: true,
		DeviceID: deviceID,
		OwnerID:  result.OwnerID,
		Name:     result.Name,
	}, nil
}

func (p *Protocol) reject(reason string) (Outcome, error) {
	metrics.IdentityResults.WithLabelValues("rejected").Inc()
	p.logger.Error().Str("reason", reason).Msg("Registration rejected")
	return Outcome{Reason: reason}, fmt.Errorf("%w: %s", ErrRejected, reason)
}
