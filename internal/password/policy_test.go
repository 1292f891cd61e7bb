package password

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"session-service/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Hashing: config.HashingConfig{
			Argon2MemoryCost:  8192,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
		},
		Password: config.PasswordConfig{
			MinLength: 10,
			MinScore:  3,
		},
	}
}

func TestHashVerifyRoundTrip(t *testing.T) {
	policy := NewPolicy(testConfig())

	hash, err := policy.Hash("Vault!Mint9Quartz")
	require.NoError(t, err)
	assert.Contains(t, hash, "$argon2id$")

	ok, err := policy.Verify("Vault!Mint9Quartz", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = policy.Verify("Vault!Mint9Quarts", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashProducesUniqueSalts(t *testing.T) {
	policy := NewPolicy(testConfig())

	first, err := policy.Hash("Vault!Mint9Quartz")
	require.NoError(t, err)
	second, err := policy.Hash("Vault!Mint9Quartz")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestVerifyRejectsMalformedHash(t *testing.T) {
	policy := NewPolicy(testConfig())

	_, err := policy.Verify("anything", "not-a-phc-string")
	assert.ErrorIs(t, err, ErrInvalidHash)
}

func TestVerifyHonorsEmbeddedParams(t *testing.T) {
	policy := NewPolicy(testConfig())

	hash, err := policy.Hash("Vault!Mint9Quartz")
	require.NoError(t, err)

	// A policy built with different cost parameters must still verify a
	// hash produced under the old ones.
	heavier := testConfig()
	heavier.Hashing.Argon2MemoryCost = 16384
	heavier.Hashing.Argon2TimeCost = 2

	ok, err := NewPolicy(heavier).Verify("Vault!Mint9Quartz", hash)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEnforceRejectsWeakPasswords(t *testing.T) {
	policy := NewPolicy(testConfig())

	tests := []struct {
		name      string
		plaintext string
		violation string
	}{
		{"too short", "Sh0r!t", "at least 10 characters"},
		{"no digit", "NoDigitsWhatever!", "must contain a digit"},
		{"no special", "NoSpecial9Whatever", "must contain a special character"},
		{"sequential run", "Ordered!Vwxyz7890", "sequential characters"},
		{"common term", "MyPassword!77Zulu", "common or brand-related"},
		{"brand term", "SuperPibank!9Vault", "common or brand-related"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := policy.Enforce(tt.plaintext)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrWeakPassword)

			var weak *WeakPasswordError
			require.True(t, errors.As(err, &weak))
			found := false
			for _, v := range weak.Violations {
				if strings.Contains(v, tt.violation) {
					found = true
				}
			}
			assert.True(t, found, "violations %v should mention %q", weak.Violations, tt.violation)
		})
	}
}

func TestEnforceAcceptsStrongPassword(t *testing.T) {
	policy := NewPolicy(testConfig())
	assert.NoError(t, policy.Enforce("Vault!Mint9Quartz"))
}

func TestScoreStrength(t *testing.T) {
	policy := NewPolicy(testConfig())

	weak := policy.ScoreStrength("password")
	strong := policy.ScoreStrength("Vault!Mint9QuartzTulip")

	assert.Equal(t, 0, weak.Score)
	assert.NotEmpty(t, weak.Feedback)
	assert.GreaterOrEqual(t, strong.Score, 3)
	assert.Empty(t, strong.Feedback)
	assert.Greater(t, strong.Score, weak.Score)
}
