package crypto

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() string {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestNewEncryptor(t *testing.T) {
	t.Run("valid 32-byte key", func(t *testing.T) {
		enc, err := NewEncryptor(testKey())
		require.NoError(t, err)
		assert.NotNil(t, enc)
	})

	t.Run("invalid base64", func(t *testing.T) {
		_, err := NewEncryptor("not base64!!")
		assert.ErrorContains(t, err, "failed to decode encryption key")
	})

	t.Run("wrong key length", func(t *testing.T) {
		_, err := NewEncryptor(base64.StdEncoding.EncodeToString([]byte("short")))
		assert.ErrorContains(t, err, "must be 32 bytes")
	})
}

func TestEncryptDecrypt(t *testing.T) {
	enc, err := NewEncryptor(testKey())
	require.NoError(t, err)

	tests := []struct {
		name      string
		plaintext string
	}{
		{"simple password", "hunter2"},
		{"empty", ""},
		{"unicode", "pässwörd-密码"},
		{"long", string(make([]byte, 4096))},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ciphertext, err := enc.Encrypt(tc.plaintext)
			require.NoError(t, err)

			got, err := enc.Decrypt(ciphertext)
			require.NoError(t, err)
			assert.Equal(t, tc.plaintext, got)
		})
	}
}

func TestEncryptProducesDifferentCiphertext(t *testing.T) {
	enc, err := NewEncryptor(testKey())
	require.NoError(t, err)

	a, err := enc.Encrypt("same")
	require.NoError(t, err)
	b, err := enc.Encrypt("same")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestDecryptInvalidCiphertext(t *testing.T) {
	enc, err := NewEncryptor(testKey())
	require.NoError(t, err)

	t.Run("too short", func(t *testing.T) {
		_, err := enc.Decrypt([]byte{1, 2, 3})
		assert.ErrorContains(t, err, "too short")
	})

	t.Run("corrupted data", func(t *testing.T) {
		ciphertext, err := enc.Encrypt("secret")
		require.NoError(t, err)
		ciphertext[len(ciphertext)-1] ^= 0xff

		_, err = enc.Decrypt(ciphertext)
		assert.ErrorContains(t, err, "failed to decrypt")
	})

	t.Run("different key", func(t *testing.T) {
		other, err := NewEncryptor(base64.StdEncoding.EncodeToString(make([]byte, 32)))
		require.NoError(t, err)
		ciphertext, err := other.Encrypt("secret")
		require.NoError(t, err)

		_, err = enc.Decrypt(ciphertext)
		assert.Error(t, err)
	})
}

func TestEncryptJSONRoundTrip(t *testing.T) {
	enc, err := NewEncryptor(testKey())
	require.NoError(t, err)

	type token struct {
		AccessToken  string    `json:"access_token"`
		RefreshToken string    `json:"refresh_token"`
		Expiry       time.Time `json:"expiry"`
	}
	in := token{AccessToken: "at", RefreshToken: "rt", Expiry: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)}

	sealed, err := enc.EncryptJSON(in)
	require.NoError(t, err)

	var out token
	require.NoError(t, enc.DecryptJSON(sealed, &out))
	assert.Equal(t, in, out)
}
