package walletcrypt

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestEncryptedBlobLayout checks the exact byte layout of the wire format.
func TestEncryptedBlobLayout(t *testing.T) {
	t.Parallel()

	data, err := EncryptWithPassword([]byte("hello"), testPassword)
	require.NoError(t, err)

	require.Equal(t, []byte("mendoza"), data[:7])
	require.Equal(t, Version1, data[7])
	require.Equal(t, 7+1+8+16, HeaderLen)

	// plaintext(5) + digest(32) padded to 48 bytes.
	require.Len(t, data, HeaderLen+48)

	blob, err := ParseEncryptedBlob(data)
	require.NoError(t, err)
	require.Equal(t, data[8:16], blob.Salt[:])
	require.Equal(t, data[16:32], blob.IV[:])
	require.Equal(t, data[32:], blob.Ciphertext)
	require.Equal(t, data, blob.Marshal())
}

// TestParseEncryptedBlobErrors checks that malformed blobs are rejected with
// the matching sentinel before any offsets are trusted.
func TestParseEncryptedBlobErrors(t *testing.T) {
	t.Parallel()

	valid, err := EncryptWithPassword([]byte("hello"), testPassword)
	require.NoError(t, err)

	badVersion := append([]byte(nil), valid...)
	badVersion[7] = 9

	testCases := []struct {
		name string
		data []byte
		err  error
	}{
		{
			name: "empty",
			data: nil,
			err:  ErrBadMagic,
		},
		{
			name: "wrong magic",
			data: append([]byte("mendozb"), valid[7:]...),
			err:  ErrBadMagic,
		},
		{
			name: "magic only",
			data: []byte(Magic),
			err:  ErrBlobTooShort,
		},
		{
			name: "unknown version",
			data: badVersion,
			err:  ErrUnsupportedVersion,
		},
		{
			name: "header only",
			data: valid[:HeaderLen],
			err:  ErrBlobTooShort,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := ParseEncryptedBlob(tc.data)
			require.ErrorIs(t, err, tc.err)

			var cryptoErr *CryptoError
			require.ErrorAs(t, err, &cryptoErr)
		})
	}
}

// TestDecryptWrongPassword makes sure a wrong password is always detected.
func TestDecryptWrongPassword(t *testing.T) {
	t.Parallel()

	plaintext := bytes.Repeat([]byte("wallet"), 100)

	data, err := EncryptWithPassword(plaintext, testPassword)
	require.NoError(t, err)

	got, err := DecryptWithPassword(data, testPassword)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)

	for i := 0; i < 5; i++ {
		_, err := DecryptWithPassword(data, []byte{byte(i), 'x'})
		require.ErrorIs(t, err, ErrDecrypt)
	}
}

// TestBlobParamsFixedPerVersion checks that a blob is decrypted with the
// parameters of its version, whatever parameters the caller uses for other
// encryption.
func TestBlobParamsFixedPerVersion(t *testing.T) {
	t.Parallel()

	params, err := blobParams(Version1)
	require.NoError(t, err)
	require.Equal(t, ScryptParams{N: 1 << 14, R: 8, P: 1}, params)

	_, err = blobParams(2)
	require.ErrorIs(t, err, ErrUnsupportedVersion)

	// A Version1 blob built by hand with the fixed parameters decrypts.
	e := &EncryptedBlob{Version: Version1}
	copy(e.Salt[:], "saltsalt")
	key, err := DeriveKey(testPassword, e.Salt[:], Version1Params)
	require.NoError(t, err)
	blob, err := Encrypt([]byte("keys"), key)
	require.NoError(t, err)
	e.Blob = *blob

	got, err := DecryptWithPassword(e.Marshal(), testPassword)
	require.NoError(t, err)
	require.Equal(t, []byte("keys"), got)
}
