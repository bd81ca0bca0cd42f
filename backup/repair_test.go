package backup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestMoveSiblingBackups checks that loose backups are filed by contents and
// timestamp, and that unrelated or colliding files stay put.
func TestMoveSiblingBackups(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, 0)
	dir := filepath.Dir(h.walletFile)

	files := map[string][]byte{
		"wallet.wallet":                       plainWallet(t),
		"wallet.info":                         []byte("live"),
		"wallet-20240101000000.wallet":        plainWallet(t),
		"wallet-20240101000000.info":          []byte("a"),
		"wallet-20240102000000.wallet":        encryptedWallet(t),
		"wallet-20240102000000.info":          []byte("b"),
		"wallet-20240103000000.wallet.cipher": []byte("mendoza\x01"),
		"wallet-20240104000000.info":          []byte("orphan"),
		"wallet-20240105000000.key":           []byte("keys"),
		"wallet-2024010500000.wallet":         []byte("short"),
		"wallet-20240106000000.wallet.old":    []byte("suffix"),
		"other-20240101000000.wallet":         []byte("other"),
	}
	for name, data := range files {
		require.NoError(t, os.WriteFile(
			filepath.Join(dir, name), data, 0600,
		))
	}

	// A colliding backup already filed is never overwritten.
	keyDir := CategoryDir(h.walletFile, CategoryKey)
	require.NoError(t, os.MkdirAll(keyDir, 0700))
	require.NoError(t, os.WriteFile(
		filepath.Join(keyDir, "wallet-20240105000000.key"),
		[]byte("filed"), 0600,
	))

	moved, err := h.manager.MoveSiblingBackups(h.walletFile)
	require.NoError(t, err)
	require.Equal(t, 6, moved)

	expected := map[Category][]string{
		CategoryWalletUnencrypted: {
			"wallet-20240101000000.info",
			"wallet-20240101000000.wallet",
			"wallet-20240104000000.info",
		},
		CategoryWalletEncrypted: {
			"wallet-20240102000000.info",
			"wallet-20240102000000.wallet",
			"wallet-20240103000000.wallet.cipher",
		},
		CategoryKey: {
			"wallet-20240105000000.key",
		},
	}
	for c, names := range expected {
		entries, err := os.ReadDir(CategoryDir(h.walletFile, c))
		require.NoError(t, err)

		var got []string
		for _, e := range entries {
			got = append(got, e.Name())
		}
		require.Equal(t, names, got, c.String())
	}

	filed, err := os.ReadFile(
		filepath.Join(keyDir, "wallet-20240105000000.key"),
	)
	require.NoError(t, err)
	require.Equal(t, "filed", string(filed))

	for _, name := range []string{
		"wallet.wallet", "wallet.info", "wallet-20240105000000.key",
		"wallet-2024010500000.wallet",
		"wallet-20240106000000.wallet.old",
		"other-20240101000000.wallet",
	} {
		require.FileExists(t, filepath.Join(dir, name))
	}
}
