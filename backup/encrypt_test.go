package backup

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/mendozawallet/mendoza/walletcrypt"
	"github.com/stretchr/testify/require"
)

// TestFileLevelEncryptDecrypt checks the round trip and the wire layout of
// an encrypted file.
func TestFileLevelEncryptDecrypt(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, 0)
	dir := filepath.Dir(h.walletFile)
	source := filepath.Join(dir, "plain")
	destination := filepath.Join(dir, "plain"+CipherExt)

	plaintext := bytes.Repeat([]byte{0x42}, 1000)
	require.NoError(t, os.WriteFile(source, plaintext, 0600))

	require.NoError(t, h.manager.FileLevelEncrypt(
		source, destination, testPassword,
	))

	data, err := os.ReadFile(destination)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(data, []byte("mendoza\x01")))

	got, err := h.manager.FileLevelDecrypt(destination, testPassword)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)

	// The destination is never overwritten.
	err = h.manager.FileLevelEncrypt(source, destination, testPassword)
	var cryptoErr *walletcrypt.CryptoError
	require.ErrorAs(t, err, &cryptoErr)
}

// TestFileLevelDecryptErrors checks that every failure is typed.
func TestFileLevelDecryptErrors(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, 0)
	dir := filepath.Dir(h.walletFile)
	source := filepath.Join(dir, "plain")
	encrypted := filepath.Join(dir, "plain"+CipherExt)

	require.NoError(t, os.WriteFile(source, []byte("secret"), 0600))
	require.NoError(t, h.manager.FileLevelEncrypt(
		source, encrypted, testPassword,
	))

	testCases := []struct {
		name     string
		file     string
		password []byte
		expected error
	}{
		{
			name:     "wrong password",
			file:     encrypted,
			password: []byte("wrong"),
			expected: walletcrypt.ErrDecrypt,
		},
		{
			name:     "not encrypted",
			file:     source,
			password: testPassword,
			expected: walletcrypt.ErrBadMagic,
		},
		{
			name:     "missing",
			file:     filepath.Join(dir, "missing"),
			password: testPassword,
			expected: os.ErrNotExist,
		},
	}

	for _, tc := range testCases {
		_, err := h.manager.FileLevelDecrypt(tc.file, tc.password)

		var cryptoErr *walletcrypt.CryptoError
		require.True(t, errors.As(err, &cryptoErr), tc.name)
		require.Equal(t, tc.file, cryptoErr.Path, tc.name)
		require.ErrorIs(t, err, tc.expected, tc.name)
	}
}

// TestEncryptUnencryptedBackups checks that plain wallet backups are
// replaced by verified encrypted copies while everything else is left alone.
func TestEncryptUnencryptedBackups(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, 0)
	plain := plainWallet(t)
	protected := encryptedWallet(t)

	write := func(c Category, name string, data []byte) string {
		dir := CategoryDir(h.walletFile, c)
		require.NoError(t, os.MkdirAll(dir, 0700))

		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, data, 0600))

		return path
	}

	unencWallet := write(CategoryWalletUnencrypted,
		"wallet-20240101000000.wallet", plain)
	unencInfo := write(CategoryWalletUnencrypted,
		"wallet-20240101000000.info", []byte("mendoza.info,1\n"))
	rollingPlain := write(CategoryRolling,
		"wallet-20240102000000.wallet", plain)
	rollingProtected := write(CategoryRolling,
		"wallet-20240103000000.wallet", protected)

	count, err := h.manager.EncryptUnencryptedBackups(
		h.walletFile, testPassword,
	)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	for _, name := range []string{unencWallet, rollingPlain} {
		require.NoFileExists(t, name)

		got, err := h.manager.FileLevelDecrypt(
			name+CipherExt, testPassword,
		)
		require.NoError(t, err)
		require.Equal(t, plain, got)
	}
	require.FileExists(t, unencInfo)
	require.FileExists(t, rollingProtected)
	require.NoFileExists(t, rollingProtected+CipherExt)

	// Running again finds nothing left to do.
	count, err = h.manager.EncryptUnencryptedBackups(
		h.walletFile, testPassword,
	)
	require.NoError(t, err)
	require.Zero(t, count)
}
