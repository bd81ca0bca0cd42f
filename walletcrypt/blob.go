package walletcrypt

import (
	"crypto/rand"
	"fmt"
	"io"
)

const (
	// Magic starts every password encrypted blob.
	Magic = "mendoza"

	// Version1 is the only blob version: scrypt with Version1Params,
	// AES-256-CBC, PKCS#7.
	Version1 byte = 1

	// SaltLen is the length of the scrypt salt stored in a blob.
	SaltLen = 8

	// HeaderLen is the length of magic, version, salt and IV.
	HeaderLen = len(Magic) + 1 + SaltLen + IVLen
)

// Version1Params are the key derivation parameters of every Version1 blob.
// The blob does not carry them, so they must never change.
var Version1Params = ScryptParams{N: 1 << 14, R: 8, P: 1}

// blobParams returns the key derivation parameters of a blob version.
func blobParams(version byte) (ScryptParams, error) {
	switch version {
	case Version1:
		return Version1Params, nil

	default:
		return ScryptParams{}, fmt.Errorf("%w: %d",
			ErrUnsupportedVersion, version)
	}
}

// EncryptedBlob is the on-disk form of password encrypted data:
//
//	MAGIC(7, "mendoza") | VERSION(1) | SALT(8) | IV(16) | CIPHERTEXT(rest)
type EncryptedBlob struct {
	Version byte
	Salt    [SaltLen]byte
	Blob
}

// Marshal serialises the blob in its wire format.
func (e *EncryptedBlob) Marshal() []byte {
	out := make([]byte, 0, HeaderLen+len(e.Ciphertext))
	out = append(out, Magic...)
	out = append(out, e.Version)
	out = append(out, e.Salt[:]...)
	out = append(out, e.IV[:]...)

	return append(out, e.Ciphertext...)
}

// HasMagic reports whether data starts with the blob magic.
func HasMagic(data []byte) bool {
	return len(data) >= len(Magic) && string(data[:len(Magic)]) == Magic
}

// ParseEncryptedBlob validates the magic and version of data before trusting
// the offsets of salt, IV and ciphertext.
func ParseEncryptedBlob(data []byte) (*EncryptedBlob, error) {
	if !HasMagic(data) {
		return nil, cryptoErr("parse blob", ErrBadMagic)
	}

	if len(data) <= len(Magic) {
		return nil, cryptoErr("parse blob", ErrBlobTooShort)
	}

	version := data[len(Magic)]
	if version != Version1 {
		return nil, cryptoErr("parse blob", fmt.Errorf("%w: %d",
			ErrUnsupportedVersion, version))
	}

	if len(data) < HeaderLen+IVLen {
		return nil, cryptoErr("parse blob", ErrBlobTooShort)
	}

	e := &EncryptedBlob{Version: version}
	off := len(Magic) + 1
	off += copy(e.Salt[:], data[off:off+SaltLen])
	off += copy(e.IV[:], data[off:off+IVLen])
	e.Ciphertext = append([]byte(nil), data[off:]...)

	return e, nil
}

// EncryptWithPassword derives a key from password and a fresh salt and
// returns plaintext encrypted in the EncryptedBlob wire format.
func EncryptWithPassword(plaintext, password []byte) ([]byte, error) {
	e := &EncryptedBlob{Version: Version1}
	if _, err := io.ReadFull(rand.Reader, e.Salt[:]); err != nil {
		return nil, fmt.Errorf("unable to read salt: %w", err)
	}

	key, err := e.deriveKey(password)
	if err != nil {
		return nil, err
	}
	defer wipe(key)

	blob, err := Encrypt(plaintext, key)
	if err != nil {
		return nil, err
	}
	e.Blob = *blob

	return e.Marshal(), nil
}

// DecryptWithPassword parses data as an EncryptedBlob and decrypts it.
func DecryptWithPassword(data, password []byte) ([]byte, error) {
	e, err := ParseEncryptedBlob(data)
	if err != nil {
		return nil, err
	}

	key, err := e.deriveKey(password)
	if err != nil {
		return nil, err
	}
	defer wipe(key)

	return Decrypt(&e.Blob, key)
}

// deriveKey derives the blob key with the parameters of the blob's version.
func (e *EncryptedBlob) deriveKey(password []byte) ([]byte, error) {
	params, err := blobParams(e.Version)
	if err != nil {
		return nil, cryptoErr("derive key", err)
	}

	return DeriveKey(password, e.Salt[:], params)
}
