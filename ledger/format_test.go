package ledger

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/mendozawallet/mendoza/walletcrypt"
	"github.com/stretchr/testify/require"
)

// TestClassify checks format detection from the leading bytes.
func TestClassify(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		header []byte
		format Format
		valid  bool
	}{
		{
			name:   "legacy stream",
			header: []byte{0xac, 0xed, 0x00, 0x05},
			format: FormatLegacySerialized,
			valid:  true,
		},
		{
			name:   "container",
			header: []byte{0x0a, 0x16},
			format: FormatPlainContainer,
			valid:  true,
		},
		{
			name:   "too short",
			header: []byte{0xac},
		},
		{
			name:   "garbage",
			header: []byte("PK\x03\x04"),
		},
	}

	for _, tc := range testCases {
		format, err := Classify(tc.header)
		if !tc.valid {
			require.ErrorIs(t, err, ErrUnrecognizedFormat, tc.name)
			continue
		}

		require.NoError(t, err, tc.name)
		require.Equal(t, tc.format, format, tc.name)
	}
}

// TestParseFormat checks the metadata tags of each format.
func TestParseFormat(t *testing.T) {
	t.Parallel()

	for _, f := range []Format{
		FormatLegacySerialized, FormatPlainContainer,
		FormatEncryptedContainer,
	} {
		got, err := ParseFormat(f.String())
		require.NoError(t, err)
		require.Equal(t, f, got)
	}

	_, err := ParseFormat("UNKNOWN")
	require.Error(t, err)
}

// TestProbeEncrypted covers containers, blobs and foreign data.
func TestProbeEncrypted(t *testing.T) {
	t.Parallel()

	var plain bytes.Buffer
	require.NoError(t, NewKeyWallet(&chaincfg.MainNetParams).Serialize(
		&plain,
	))
	require.False(t, ProbeEncrypted(plain.Bytes()))

	blob, err := walletcrypt.EncryptWithPassword(
		plain.Bytes(), testPassword,
	)
	require.NoError(t, err)
	require.True(t, ProbeEncrypted(blob))

	require.False(t, ProbeEncrypted([]byte{0xac, 0xed, 0, 5}))
	require.False(t, ProbeEncrypted(nil))
}

// TestLoaderRejects covers legacy streams and malformed containers.
func TestLoaderRejects(t *testing.T) {
	t.Parallel()

	loader := ContainerLoader{}

	_, err := loader.LoadWallet(
		bytes.NewReader([]byte{0xac, 0xed, 0, 5}),
		FormatLegacySerialized,
	)
	require.ErrorIs(t, err, ErrLegacyFormat)

	// Truncated length prefix.
	_, err = loader.LoadWallet(
		bytes.NewReader([]byte{0x0a, 0x40, 'o'}), FormatPlainContainer,
	)
	require.ErrorIs(t, err, ErrMalformedContainer)

	// Unknown network id.
	_, err = loader.LoadWallet(
		bytes.NewReader([]byte{0x0a, 0x01, 'x'}), FormatPlainContainer,
	)
	require.ErrorIs(t, err, ErrMalformedContainer)
}
