package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/cuemby/cocoon/pkg/secret"
)

// DeviceIDLength is the number of hex characters in a derived device id
const DeviceIDLength = 32

// ErrDeviceMismatch is returned when a presented device id does not match
// the one derived from the presented secret
var ErrDeviceMismatch = errors.New("device id mismatch")

// Deriver computes device ids on the coordinating side. The id is a keyed
// hash of the secret, so the coordinator stores neither the secret nor
// anything that can be replayed without it.
type Deriver struct {
	salt []byte
}

// NewDeriver creates a deriver keyed with salt
func NewDeriver(salt []byte) *Deriver {
	s := make([]byte, len(salt))
	copy(s, salt)
	return &Deriver{salt: s}
}

// Derive returns the device id for secret. It is deterministic for a given
// salt.
func (d *Deriver) Derive(secretValue string) string {
	mac := hmac.New(sha256.New, d.salt)
	mac.Write([]byte(secretValue))
	return hex.EncodeToString(mac.Sum(nil))[:DeviceIDLength]
}

// Verify re-validates the secret and checks the claimed device id against
// the derived one. An empty claim is a first registration and yields the
// derived id.
func (d *Deriver) Verify(secretValue, claimedID string) (string, error) {
	if err := secret.Validate(secretValue); err != nil {
		return "", fmt.Errorf("secret rejected: %w", err)
	}

	derived := d.Derive(secretValue)
	if claimedID == "" {
		return derived, nil
	}
	if !hmac.Equal([]byte(derived), []byte(claimedID)) {
		return "", ErrDeviceMismatch
	}
	return derived, nil
}
