package ledger

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/mendozawallet/mendoza/walletcrypt"
	"google.golang.org/protobuf/encoding/protowire"
)

// Format tags how a wallet file is encoded on disk.
type Format uint8

const (
	// FormatUnknown is the zero value and never valid on disk.
	FormatUnknown Format = iota

	// FormatLegacySerialized is the old object serialization stream.
	FormatLegacySerialized

	// FormatPlainContainer is a structured container with unencrypted
	// keys.
	FormatPlainContainer

	// FormatEncryptedContainer is a structured container with password
	// encrypted keys.
	FormatEncryptedContainer
)

// String returns the tag used for the format in wallet metadata.
func (f Format) String() string {
	switch f {
	case FormatLegacySerialized:
		return "LEGACY_SERIALIZED"
	case FormatPlainContainer:
		return "PLAIN_CONTAINER"
	case FormatEncryptedContainer:
		return "ENCRYPTED_CONTAINER"
	default:
		return "UNKNOWN"
	}
}

// IsContainer reports whether the format is one of the container formats.
func (f Format) IsContainer() bool {
	return f == FormatPlainContainer || f == FormatEncryptedContainer
}

// ParseFormat is the inverse of Format.String.
func ParseFormat(s string) (Format, error) {
	for _, f := range []Format{
		FormatLegacySerialized, FormatPlainContainer,
		FormatEncryptedContainer,
	} {
		if f.String() == s {
			return f, nil
		}
	}

	return FormatUnknown, fmt.Errorf("unknown wallet format %q", s)
}

// HeaderLen is the number of leading bytes needed by Classify.
const HeaderLen = 2

var (
	// legacyStreamMagic starts an object serialization stream.
	legacyStreamMagic = []byte{0xac, 0xed}

	// containerFirstByte is the tag of the network id field that every
	// container starts with.
	containerFirstByte = byte(protowire.EncodeTag(
		fieldNetworkID, protowire.BytesType,
	))

	// ErrUnrecognizedFormat is returned when the leading bytes match no
	// known wallet format.
	ErrUnrecognizedFormat = errors.New("unrecognized wallet file format")
)

// Classify looks at the first HeaderLen bytes of a wallet file and tells a
// legacy stream from a container. Containers are reported as
// FormatPlainContainer; whether the keys are encrypted is only known once the
// container has been decoded.
func Classify(header []byte) (Format, error) {
	switch {
	case len(header) < HeaderLen:
		return FormatUnknown, ErrUnrecognizedFormat

	case bytes.HasPrefix(header, legacyStreamMagic):
		return FormatLegacySerialized, nil

	case header[0] == containerFirstByte:
		return FormatPlainContainer, nil
	}

	return FormatUnknown, ErrUnrecognizedFormat
}

// ProbeEncrypted reports whether the raw contents of a wallet file hold
// encrypted key material: either a file-level encrypted blob or a container
// whose keys are encrypted.
func ProbeEncrypted(data []byte) bool {
	if walletcrypt.HasMagic(data) {
		return true
	}

	format, err := Classify(data)
	if err != nil || !format.IsContainer() {
		return false
	}

	encType, err := scanEncryptionType(data)
	if err != nil {
		return false
	}

	return encType == encryptionScryptAES
}
