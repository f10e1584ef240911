package cipher

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCipher(t *testing.T) *Cipher {
	t.Helper()
	// low iteration count keeps the suite fast
	c, err := New("test-secret", "test-salt", 1000)
	require.NoError(t, err)
	return c
}

func TestRoundTrip(t *testing.T) {
	c := newTestCipher(t)

	for _, plaintext := range []string{"", "hunter2", "päss:wörd", strings.Repeat("x", 4096)} {
		encoded, err := c.Encrypt(plaintext)
		require.NoError(t, err)
		assert.Len(t, strings.Split(encoded, ":"), 3)

		decoded, err := c.Decrypt(encoded)
		require.NoError(t, err)
		assert.Equal(t, plaintext, decoded)
	}
}

func TestEncrypt_FreshIV(t *testing.T) {
	c := newTestCipher(t)

	a, err := c.Encrypt("same")
	require.NoError(t, err)
	b, err := c.Encrypt("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestEncrypt_Format(t *testing.T) {
	c := newTestCipher(t)

	encoded, err := c.Encrypt("abc")
	require.NoError(t, err)
	parts := strings.Split(encoded, ":")
	assert.Len(t, parts[0], ivLength*2)
	assert.Len(t, parts[1], tagLength*2)
	assert.Len(t, parts[2], 3*2)
}

func flipHexByte(s string, i int) string {
	b := []byte(s)
	if b[i] == '0' {
		b[i] = '1'
	} else {
		b[i] = '0'
	}
	return string(b)
}

func TestDecrypt_CorruptionAlwaysFails(t *testing.T) {
	c := newTestCipher(t)
	encoded, err := c.Encrypt("connection-password")
	require.NoError(t, err)
	parts := strings.Split(encoded, ":")

	for i := range parts[2] {
		corrupted := parts[0] + ":" + parts[1] + ":" + flipHexByte(parts[2], i)
		_, err := c.Decrypt(corrupted)
		assert.ErrorIs(t, err, ErrDecryptionFailed, "position %d", i)
	}

	_, err = c.Decrypt(parts[0] + ":" + flipHexByte(parts[1], 0) + ":" + parts[2])
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = c.Decrypt(flipHexByte(parts[0], 0) + ":" + parts[1] + ":" + parts[2])
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestDecrypt_Malformed(t *testing.T) {
	c := newTestCipher(t)
	encoded, err := c.Encrypt("x")
	require.NoError(t, err)
	parts := strings.Split(encoded, ":")

	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"two parts", parts[0] + ":" + parts[1]},
		{"four parts", encoded + ":00"},
		{"bad hex iv", "zz:" + parts[1] + ":" + parts[2]},
		{"bad hex tag", parts[0] + ":zz:" + parts[2]},
		{"bad hex body", parts[0] + ":" + parts[1] + ":zz"},
		{"short iv", parts[0][:22] + ":" + parts[1] + ":" + parts[2]},
		{"short tag", parts[0] + ":" + parts[1][:30] + ":" + parts[2]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Decrypt(tt.input)
			assert.ErrorIs(t, err, ErrMalformedCiphertext)
		})
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	a := newTestCipher(t)
	b, err := New("other-secret", "test-salt", 1000)
	require.NoError(t, err)

	encoded, err := a.Encrypt("secret")
	require.NoError(t, err)

	_, err = b.Decrypt(encoded)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestFromConfig(t *testing.T) {
	t.Run("production requires key material", func(t *testing.T) {
		_, _, err := FromConfig(Config{Secret: "s", Production: true})
		assert.ErrorIs(t, err, ErrMissingKeyMaterial)

		_, _, err = FromConfig(Config{Salt: "s", Production: true})
		assert.ErrorIs(t, err, ErrMissingKeyMaterial)
	})

	t.Run("development falls back", func(t *testing.T) {
		c, fallback, err := FromConfig(Config{Iterations: 1000})
		require.NoError(t, err)
		assert.True(t, fallback)
		require.NotNil(t, c)
	})

	t.Run("configured", func(t *testing.T) {
		c, fallback, err := FromConfig(Config{Secret: "s", Salt: "t", Iterations: 1000, Production: true})
		require.NoError(t, err)
		assert.False(t, fallback)
		require.NotNil(t, c)
	})
}

func TestNew_RequiresKeyMaterial(t *testing.T) {
	_, err := New("", "salt", 1)
	assert.ErrorIs(t, err, ErrMissingKeyMaterial)
}
