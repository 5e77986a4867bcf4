package secret

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuemby/cocoon/pkg/log"
	"github.com/cuemby/cocoon/pkg/types"
	"github.com/rs/zerolog"
)

// ErrOverrideRejected is returned when an explicit override secret is weak.
// The process cannot recover from it.
var ErrOverrideRejected = errors.New("override secret rejected")

// Options configures a Store
type Options struct {
	// SecretPath is where the generated secret is persisted
	SecretPath string

	// DeviceIDPath is where the coordinator-assigned device id is persisted
	DeviceIDPath string

	// Override, when non-empty, takes precedence over the persisted secret
	Override string
}

// Store loads, generates and persists the device secret and device id
type Store struct {
	opts   Options
	logger zerolog.Logger
}

// NewStore creates a secret store
func NewStore(opts Options) *Store {
	return &Store{
		opts:   opts,
		logger: log.WithComponent("secret"),
	}
}

// Load resolves the device identity. The secret comes from the override,
// then the secret file, and is generated when neither yields a usable one.
// A weak override is fatal. A weak file secret is discarded together with
// its device id.
func (s *Store) Load() (types.DeviceIdentity, error) {
	if s.opts.Override != "" {
		identity, err := s.accept(s.opts.Override, types.SecretSourceEnvironmentOverride)
		if err == nil {
			return identity, nil
		}
		if !errors.Is(err, ErrWeakSecret) {
			return types.DeviceIdentity{}, err
		}
		if !types.SecretSourceEnvironmentOverride.Regenerable() {
			return types.DeviceIdentity{}, fmt.Errorf("%w: %v", ErrOverrideRejected, err)
		}
	}

	data, err := os.ReadFile(s.opts.SecretPath)
	switch {
	case err == nil:
		identity, verr := s.accept(strings.TrimSpace(string(data)), types.SecretSourceFile)
		if verr == nil {
			return identity, nil
		}
		s.logger.Warn().Err(verr).Str("path", s.opts.SecretPath).Msg("Persisted secret is weak, regenerating")
		if rmErr := os.Remove(s.opts.SecretPath); rmErr != nil && !os.IsNotExist(rmErr) {
			s.logger.Warn().Err(rmErr).Msg("Failed to remove weak secret file")
		}
	case os.IsNotExist(err):
		s.logger.Info().Msg("No persisted secret, generating a new one")
	default:
		s.logger.Warn().Err(err).Str("path", s.opts.SecretPath).Msg("Failed to read secret file, generating a new one")
	}

	return s.regenerate()
}

func (s *Store) accept(secret string, source types.SecretSource) (types.DeviceIdentity, error) {
	if err := Validate(secret); err != nil {
		return types.DeviceIdentity{}, err
	}

	deviceID, err := s.DeviceID()
	if err != nil {
		return types.DeviceIdentity{}, err
	}

	s.logger.Info().
		Str("source", string(source)).
		Int("length", len(secret)).
		Bool("device_known", deviceID != "").
		Msg("Loaded device secret")

	return types.DeviceIdentity{Secret: secret, DeviceID: deviceID, Source: source}, nil
}

// regenerate creates a new secret. A new secret always starts without a
// device id, since any persisted id was derived from the old one.
func (s *Store) regenerate() (types.DeviceIdentity, error) {
	if err := s.ClearDeviceID(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to remove stale device id")
	}

	secret, err := Generate()
	if err != nil {
		return types.DeviceIdentity{}, fmt.Errorf("failed to generate secret: %w", err)
	}

	source := types.SecretSourceFile
	if err := writeFile(s.opts.SecretPath, secret); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to persist secret, continuing with an ephemeral secret")
		source = types.SecretSourceEphemeral
	}

	s.logger.Info().Str("source", string(source)).Int("length", len(secret)).Msg("Generated device secret")
	return types.DeviceIdentity{Secret: secret, Source: source}, nil
}

// DeviceID returns the persisted device id, or "" when none is stored
func (s *Store) DeviceID() (string, error) {
	data, err := os.ReadFile(s.opts.DeviceIDPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read device id: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// SaveDeviceID persists the id assigned by the coordinator
func (s *Store) SaveDeviceID(id string) error {
	if err := writeFile(s.opts.DeviceIDPath, id); err != nil {
		return fmt.Errorf("failed to save device id: %w", err)
	}
	return nil
}

// ClearDeviceID removes the persisted device id
func (s *Store) ClearDeviceID() error {
	if err := os.Remove(s.opts.DeviceIDPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove device id: %w", err)
	}
	return nil
}

func writeFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return os.WriteFile(path, []byte(content), 0600)
}
