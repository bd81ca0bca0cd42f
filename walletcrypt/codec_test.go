package walletcrypt

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var testPassword = []byte("correct horse battery staple")

// TestEncryptDecryptBlob tests that a blob decrypts under the right key and
// that tampering or a wrong key is rejected with a typed error.
func TestEncryptDecryptBlob(t *testing.T) {
	t.Parallel()

	salt := bytes.Repeat([]byte{0x42}, SaltLen)
	key, err := DeriveKey(testPassword, salt, FastScryptParams)
	require.NoError(t, err)
	require.Len(t, key, KeyLen)

	otherKey, err := DeriveKey([]byte("hunter2"), salt, FastScryptParams)
	require.NoError(t, err)

	testCases := []struct {
		name    string
		mutator func(*Blob)
		key     []byte
		valid   bool
	}{
		{
			name:  "valid",
			key:   key,
			valid: true,
		},
		{
			name: "flipped ciphertext byte",
			mutator: func(b *Blob) {
				b.Ciphertext[0] ^= 1
			},
			key: key,
		},
		{
			name: "flipped iv byte",
			mutator: func(b *Blob) {
				b.IV[3] ^= 0x80
			},
			key: key,
		},
		{
			name: "truncated ciphertext",
			mutator: func(b *Blob) {
				b.Ciphertext = b.Ciphertext[:len(b.Ciphertext)-1]
			},
			key: key,
		},
		{
			name: "empty ciphertext",
			mutator: func(b *Blob) {
				b.Ciphertext = nil
			},
			key: key,
		},
		{
			name: "wrong key",
			key:  otherKey,
		},
	}

	plaintext := []byte("payload test plain text")
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			blob, err := Encrypt(plaintext, key)
			require.NoError(t, err)

			if tc.mutator != nil {
				tc.mutator(blob)
			}

			got, err := Decrypt(blob, tc.key)
			if tc.valid {
				require.NoError(t, err)
				require.Equal(t, plaintext, got)
				return
			}

			require.ErrorIs(t, err, ErrDecrypt)

			var cryptoErr *CryptoError
			require.True(t, errors.As(err, &cryptoErr))
		})
	}
}

// TestEncryptFreshIV ensures two encryptions of the same plaintext never
// share an IV or ciphertext.
func TestEncryptFreshIV(t *testing.T) {
	t.Parallel()

	key := bytes.Repeat([]byte{1}, KeyLen)

	a, err := Encrypt([]byte("same"), key)
	require.NoError(t, err)
	b, err := Encrypt([]byte("same"), key)
	require.NoError(t, err)

	require.NotEqual(t, a.IV, b.IV)
	require.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

// TestInvalidKeyLength checks that keys of the wrong size are refused.
func TestInvalidKeyLength(t *testing.T) {
	t.Parallel()

	_, err := Encrypt([]byte("x"), []byte("short"))
	require.ErrorIs(t, err, ErrInvalidKey)

	_, err = Decrypt(&Blob{Ciphertext: make([]byte, 16)}, []byte("short"))
	require.ErrorIs(t, err, ErrInvalidKey)
}

// TestScryptParamsValidate covers the accepted parameter shapes.
func TestScryptParamsValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultScryptParams.Validate())
	require.NoError(t, FastScryptParams.Validate())
	require.Error(t, ScryptParams{N: 1000, R: 8, P: 1}.Validate())
	require.Error(t, ScryptParams{N: 1024, R: 0, P: 1}.Validate())
	require.Error(t, ScryptParams{N: 1024, R: 8, P: 0}.Validate())
}

// TestPasswordRoundTripProperty checks decrypt(encrypt(P, W), W) == P for
// arbitrary plaintexts and passwords.
func TestPasswordRoundTripProperty(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		plaintext := rapid.SliceOf(rapid.Byte()).Draw(t, "plaintext")
		password := rapid.SliceOf(rapid.Byte()).Draw(t, "password")
		salt := rapid.SliceOfN(rapid.Byte(), SaltLen, SaltLen).Draw(
			t, "salt",
		)

		key, err := DeriveKey(password, salt, FastScryptParams)
		require.NoError(t, err)

		blob, err := Encrypt(plaintext, key)
		require.NoError(t, err)

		got, err := Decrypt(blob, key)
		require.NoError(t, err)
		require.True(t, bytes.Equal(plaintext, got))
	})
}
