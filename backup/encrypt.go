package backup

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/mendozawallet/mendoza/fileutil"
	"github.com/mendozawallet/mendoza/ledger"
	"github.com/mendozawallet/mendoza/walletcrypt"
)

// FileLevelEncrypt encrypts the whole of source with a key derived from
// password and a fresh salt and writes the blob to destination, which must
// not exist yet. The written file is read back and decrypted; if it does not
// reproduce source exactly it is removed and a *walletcrypt.CryptoError
// wrapping walletcrypt.ErrVerifyMismatch is returned. Only after a nil return
// may the caller discard source.
func (m *Manager) FileLevelEncrypt(source, destination string,
	password []byte) error {

	plaintext, err := os.ReadFile(source)
	if err != nil {
		return &walletcrypt.CryptoError{
			Op: "encrypt file", Path: source, Err: err,
		}
	}
	defer wipe(plaintext)

	return m.writeEncrypted(destination, plaintext, password)
}

// writeEncrypted writes plaintext encrypted to the new file destination and
// verifies the result.
func (m *Manager) writeEncrypted(destination string, plaintext,
	password []byte) error {

	blob, err := walletcrypt.EncryptWithPassword(plaintext, password)
	if err != nil {
		return err
	}

	err = fileutil.CreateExclusive(destination, 0600,
		func(w io.Writer) error {
			_, err := w.Write(blob)
			return err
		},
	)
	if err != nil {
		return &walletcrypt.CryptoError{
			Op: "encrypt file", Path: destination, Err: err,
		}
	}

	written, err := os.ReadFile(destination)
	if err == nil {
		var roundTrip []byte
		roundTrip, err = walletcrypt.DecryptWithPassword(
			written, password,
		)
		if err == nil && !bytes.Equal(roundTrip, plaintext) {
			err = walletcrypt.ErrVerifyMismatch
		}
		wipe(roundTrip)
	}
	if err != nil {
		_ = os.Remove(destination)

		return &walletcrypt.CryptoError{
			Op: "verify encrypted file", Path: destination,
			Err: err,
		}
	}

	return nil
}

// FileLevelDecrypt returns the plaintext of a file written by
// FileLevelEncrypt. Magic and version are checked before the salt, IV and
// ciphertext are used. Every failure is a *walletcrypt.CryptoError.
func (m *Manager) FileLevelDecrypt(source string, password []byte) ([]byte,
	error) {

	data, err := os.ReadFile(source)
	if err != nil {
		return nil, &walletcrypt.CryptoError{
			Op: "decrypt file", Path: source, Err: err,
		}
	}

	plaintext, err := walletcrypt.DecryptWithPassword(data, password)
	if err != nil {
		var cryptoErr *walletcrypt.CryptoError
		if errors.As(err, &cryptoErr) {
			cryptoErr.Path = source
		}

		return nil, err
	}

	return plaintext, nil
}

// EncryptUnencryptedBackups file level encrypts every backup of walletFile
// that still holds plain key material, in the unencrypted wallet backups and
// the rolling backups. Each becomes <name>.cipher and the original is
// securely erased once the encrypted copy has been verified. It returns the
// number of backups encrypted.
func (m *Manager) EncryptUnencryptedBackups(walletFile string,
	password []byte) (int, error) {

	stem, _ := splitName(walletFile)

	var count int
	for _, c := range []Category{CategoryWalletUnencrypted, CategoryRolling} {
		dir := CategoryDir(walletFile, c)
		entries, err := listEntries(dir, stem)
		if err != nil {
			return count, err
		}

		for _, e := range entries {
			if e.Ext != WalletExt || e.Cipher {
				continue
			}

			name := filepath.Join(dir, e.Name())
			done, err := m.encryptBackup(name, password)
			if err != nil {
				return count, err
			}
			if done {
				count++
			}
		}
	}

	if count > 0 {
		log.Infof("Encrypted %d unencrypted backups of %v", count,
			walletFile)
	}

	return count, nil
}

// encryptBackup encrypts a single plain wallet backup and erases it.
func (m *Manager) encryptBackup(name string, password []byte) (bool, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return false, err
	}
	plain := !ledger.ProbeEncrypted(data)
	wipe(data)
	if !plain {
		return false, nil
	}

	err = m.FileLevelEncrypt(name, name+CipherExt, password)
	switch {
	case errors.Is(err, fs.ErrExist):
		log.Warnf("Not encrypting %v: %v already exists", name,
			name+CipherExt)
		return false, nil

	case err != nil:
		return false, err
	}

	if err := fileutil.SecureErase(name); err != nil {
		return false, fmt.Errorf("unable to erase %v: %w", name, err)
	}

	return true, nil
}
