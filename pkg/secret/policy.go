package secret

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"unicode"
)

const (
	// MinLength is the shortest secret the policy accepts
	MinLength = 32
	// MinDistinct is the minimum number of distinct characters
	MinDistinct = 10
	// MaxRun is the longest allowed run of one repeated character
	MaxRun = 5
	// GeneratedLength is the length of generated secrets (48 * 6 bits = 288 bits)
	GeneratedLength = 48

	charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"
)

// ErrWeakSecret is returned for secrets that fail the strength policy
var ErrWeakSecret = errors.New("weak secret")

var weakPatterns = []string{"password", "secret", "admin", "12345", "qwerty", "test"}

// Validate checks a secret against the strength policy. The returned error
// wraps ErrWeakSecret and names the violated rule, never the secret.
func Validate(s string) error {
	if len(s) < MinLength {
		return fmt.Errorf("%w: must be at least %d characters (got %d)", ErrWeakSecret, MinLength, len(s))
	}

	distinct := make(map[rune]struct{})
	allDigits := true
	allLower := true
	run, longest := 0, 0
	var prev rune = -1
	for _, r := range s {
		distinct[r] = struct{}{}
		if !unicode.IsDigit(r) {
			allDigits = false
		}
		if !unicode.IsLower(r) {
			allLower = false
		}
		if r == prev {
			run++
		} else {
			run = 1
			prev = r
		}
		if run > longest {
			longest = run
		}
	}

	switch {
	case len(distinct) == 1:
		return fmt.Errorf("%w: all characters are the same", ErrWeakSecret)
	case allDigits:
		return fmt.Errorf("%w: numeric only", ErrWeakSecret)
	case allLower:
		return fmt.Errorf("%w: lowercase letters only", ErrWeakSecret)
	case len(distinct) < MinDistinct:
		return fmt.Errorf("%w: needs at least %d distinct characters (got %d)", ErrWeakSecret, MinDistinct, len(distinct))
	case longest > MaxRun:
		return fmt.Errorf("%w: contains a run of %d repeated characters", ErrWeakSecret, longest)
	}

	lower := strings.ToLower(s)
	for _, pattern := range weakPatterns {
		if strings.Contains(lower, pattern) {
			return fmt.Errorf("%w: contains common pattern %q", ErrWeakSecret, pattern)
		}
	}

	return nil
}

// Generate returns a new random secret that satisfies Validate
func Generate() (string, error) {
	max := big.NewInt(int64(len(charset)))
	for {
		buf := make([]byte, GeneratedLength)
		for i := range buf {
			n, err := rand.Int(rand.Reader, max)
			if err != nil {
				return "", fmt.Errorf("failed to read random bytes: %w", err)
			}
			buf[i] = charset[n.Int64()]
		}
		s := string(buf)
		if Validate(s) == nil {
			return s, nil
		}
	}
}
