// Package walletcrypt implements the password based symmetric encryption
// shared by per-key wallet encryption and whole-file backup encryption.
//
// Keys are derived with scrypt and data is encrypted with AES-256 in CBC
// mode with PKCS#7 padding. A SHA-256 digest of the plaintext is sealed
// together with it so that a wrong key is always detected.
package walletcrypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

const (
	// KeyLen is the length of a derived AES-256 key.
	KeyLen = 32

	// IVLen is the length of the CBC initialisation vector.
	IVLen = aes.BlockSize

	// digestLen is the length of the plaintext digest sealed with the
	// data.
	digestLen = sha256.Size
)

// ScryptParams are the cost parameters of the key derivation.
type ScryptParams struct {
	// N is the CPU/memory cost, a power of two.
	N int

	// R is the block size.
	R int

	// P is the parallelisation factor.
	P int
}

var (
	// DefaultScryptParams are used for everything written to disk.
	DefaultScryptParams = ScryptParams{N: 1 << 14, R: 8, P: 1}

	// FastScryptParams are cheap parameters for tests only.
	FastScryptParams = ScryptParams{N: 16, R: 8, P: 1}
)

// Validate checks that the parameters are acceptable to scrypt.
func (p ScryptParams) Validate() error {
	if p.N <= 1 || p.N&(p.N-1) != 0 {
		return fmt.Errorf("scrypt N must be a power of two > 1, got %d",
			p.N)
	}
	if p.R <= 0 || p.P <= 0 {
		return fmt.Errorf("scrypt r and p must be positive, got r=%d "+
			"p=%d", p.R, p.P)
	}

	return nil
}

// DeriveKey stretches password with salt into a KeyLen byte key. The
// derivation is deliberately slow and memory hard.
func DeriveKey(password, salt []byte, params ScryptParams) ([]byte, error) {
	key, err := scrypt.Key(
		password, salt, params.N, params.R, params.P, KeyLen,
	)
	if err != nil {
		return nil, cryptoErr("derive key", err)
	}

	return key, nil
}

// Blob is a ciphertext together with the IV it was produced with.
type Blob struct {
	IV         [IVLen]byte
	Ciphertext []byte
}

// Encrypt encrypts plaintext under key with a fresh random IV.
func Encrypt(plaintext, key []byte) (*Blob, error) {
	block, err := newBlockCipher(key)
	if err != nil {
		return nil, cryptoErr("encrypt", err)
	}

	blob := &Blob{}
	if _, err := io.ReadFull(rand.Reader, blob.IV[:]); err != nil {
		return nil, fmt.Errorf("unable to read iv: %w", err)
	}

	digest := sha256.Sum256(plaintext)
	sealed := make([]byte, 0, len(plaintext)+digestLen+aes.BlockSize)
	sealed = append(sealed, plaintext...)
	sealed = append(sealed, digest[:]...)
	sealed = pad(sealed)
	defer wipe(sealed)

	blob.Ciphertext = make([]byte, len(sealed))
	cipher.NewCBCEncrypter(block, blob.IV[:]).CryptBlocks(
		blob.Ciphertext, sealed,
	)

	return blob, nil
}

// Decrypt reverses Encrypt. Any failure, including a wrong key, is reported
// as a *CryptoError wrapping ErrDecrypt.
func Decrypt(blob *Blob, key []byte) ([]byte, error) {
	block, err := newBlockCipher(key)
	if err != nil {
		return nil, cryptoErr("decrypt", err)
	}

	ct := blob.Ciphertext
	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return nil, cryptoErr("decrypt", ErrDecrypt)
	}

	sealed := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, blob.IV[:]).CryptBlocks(sealed, ct)

	sealed, ok := unpad(sealed)
	if !ok || len(sealed) < digestLen {
		return nil, cryptoErr("decrypt", ErrDecrypt)
	}

	plaintext := sealed[:len(sealed)-digestLen]
	digest := sha256.Sum256(plaintext)
	if !bytes.Equal(digest[:], sealed[len(plaintext):]) {
		wipe(sealed)
		return nil, cryptoErr("decrypt", ErrDecrypt)
	}

	return plaintext, nil
}

func newBlockCipher(key []byte) (cipher.Block, error) {
	if len(key) != KeyLen {
		return nil, ErrInvalidKey
	}

	return aes.NewCipher(key)
}

// pad applies PKCS#7 padding.
func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

// unpad strips PKCS#7 padding, checking every padding byte.
func unpad(b []byte) ([]byte, bool) {
	if len(b) == 0 {
		return nil, false
	}

	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, false
	}
	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return nil, false
		}
	}

	return b[:len(b)-n], true
}

// wipe zeroes b. Copies made by the runtime are not covered.
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
