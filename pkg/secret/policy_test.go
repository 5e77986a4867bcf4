package secret

import (
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		secret  string
		wantErr bool
		reason  string
	}{
		{"strong mixed", "Xk9#mP2$vL5nQ8@wR3&jT6*yB4!cF7^h", false, ""},
		{"strong generated style", "q8Zr-M1v_Kx3LpT0aYw7NcB2dHs9FjE4gUo6", false, ""},
		{"too short", "Xk9#mP2$vL5nQ8@w", true, "at least 32"},
		{"numeric only", strings.Repeat("1234567890", 4), true, "numeric"},
		{"lowercase only", "abcdefghijklmnopqrstuvwxyzabcdefgh", true, "lowercase"},
		{"single char", strings.Repeat("A", 40), true, "same"},
		{"few distinct", strings.Repeat("AbCdEfGh", 5), true, "distinct"},
		{"long run", "Xk9#mP2$vL5nQ8@wR3&jT6*yB4!cFFFFFFh", true, "run"},
		{"contains password", "Xk9#mP2$vL5nQ8@wR3&PassWord6*yB4!cF7", true, "password"},
		{"contains qwerty", "Xk9#mP2$vL5nQ8@wR3&jT6*yB4!QWERTY7^h", true, "qwerty"},
		{"contains digits run", "Xk9#mP2$vL5nQ8@wR3&jT6*yB4!c12345h", true, "12345"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.secret)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrWeakSecret))
			assert.Contains(t, err.Error(), tt.reason)
			assert.NotContains(t, err.Error(), tt.secret, "error must not echo the secret")
		})
	}
}

func TestGenerate(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		s, err := Generate()
		require.NoError(t, err)
		assert.Len(t, s, GeneratedLength)
		assert.NoError(t, Validate(s))
		for _, r := range s {
			assert.True(t, strings.ContainsRune(charset, r))
		}
		assert.False(t, seen[s], "generated secrets must not repeat")
		seen[s] = true
	}
}

// Randomized check of the policy: compliant strings are accepted and strings
// that break one rule are rejected.
func TestValidateProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	randomFrom := func(alphabet string, n int) string {
		var b strings.Builder
		for i := 0; i < n; i++ {
			b.WriteByte(alphabet[rng.Intn(len(alphabet))])
		}
		return b.String()
	}

	t.Run("generated secrets accepted", func(t *testing.T) {
		for i := 0; i < 200; i++ {
			s, err := Generate()
			require.NoError(t, err)
			assert.NoError(t, Validate(s))
		}
	})

	t.Run("short strings rejected", func(t *testing.T) {
		for i := 0; i < 200; i++ {
			s := randomFrom(charset, rng.Intn(MinLength))
			assert.Error(t, Validate(s), "length %d", len(s))
		}
	})

	t.Run("low diversity rejected", func(t *testing.T) {
		for i := 0; i < 200; i++ {
			s := randomFrom("AbCdEfGh1", MinLength+rng.Intn(32))
			assert.Error(t, Validate(s))
		}
	})

	t.Run("digits only rejected", func(t *testing.T) {
		for i := 0; i < 200; i++ {
			s := randomFrom("0123456789", MinLength+rng.Intn(32))
			assert.Error(t, Validate(s))
		}
	})

	t.Run("lowercase only rejected", func(t *testing.T) {
		for i := 0; i < 200; i++ {
			s := randomFrom("abcdefghijklmnopqrstuvwxyz", MinLength+rng.Intn(32))
			assert.Error(t, Validate(s))
		}
	})

	t.Run("denylisted words rejected", func(t *testing.T) {
		for i := 0; i < 200; i++ {
			base, err := Generate()
			require.NoError(t, err)
			word := weakPatterns[rng.Intn(len(weakPatterns))]
			if rng.Intn(2) == 0 {
				word = strings.ToUpper(word)
			}
			pos := rng.Intn(len(base))
			s := base[:pos] + word + base[pos:]
			assert.Error(t, Validate(s))
		}
	})
}
