package walletcrypt

import (
	"errors"
	"fmt"
)

var (
	// ErrBadMagic is returned when an encrypted blob does not start with
	// the mendoza magic bytes.
	ErrBadMagic = errors.New("encrypted blob has bad magic bytes")

	// ErrUnsupportedVersion is returned when an encrypted blob carries a
	// format version this codec does not know.
	ErrUnsupportedVersion = errors.New("unsupported encrypted blob version")

	// ErrBlobTooShort is returned when the input cannot hold the header
	// plus at least one cipher block.
	ErrBlobTooShort = errors.New("encrypted blob too short")

	// ErrDecrypt is returned when the ciphertext does not decrypt under
	// the given key: a wrong password or corrupted ciphertext.
	ErrDecrypt = errors.New("unable to decrypt: wrong password or " +
		"corrupt ciphertext")

	// ErrVerifyMismatch is returned when a freshly written encrypted file
	// does not decrypt back to the original plaintext.
	ErrVerifyMismatch = errors.New("encrypted file does not decrypt to " +
		"the original plaintext")

	// ErrInvalidKey is returned when a key of the wrong length is used.
	ErrInvalidKey = errors.New("invalid key length")
)

// CryptoError is returned by every operation of this package that fails
// because of bad input, a wrong password or a failed verification.
type CryptoError struct {
	// Op is the operation that failed.
	Op string

	// Path is the file involved, if any.
	Path string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *CryptoError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *CryptoError) Unwrap() error {
	return e.Err
}

// cryptoErr builds a CryptoError for op.
func cryptoErr(op string, err error) error {
	return &CryptoError{Op: op, Err: err}
}
