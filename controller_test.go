package mendoza

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/mendozawallet/mendoza/backup"
	"github.com/mendozawallet/mendoza/ledger"
	"github.com/mendozawallet/mendoza/walletcrypt"
	"github.com/mendozawallet/mendoza/walletinfo"
	"github.com/mendozawallet/mendoza/walletstore"
	"github.com/stretchr/testify/require"
)

var testPassword = []byte("hunter2")

type mockChain struct {
	sync.Mutex

	pending   []chainhash.Hash
	processed []chainhash.Hash
	downloads []chainhash.Hash

	// onProcess is called after each processed block.
	onProcess func(chainhash.Hash)
}

func (m *mockChain) PendingBlocks() []chainhash.Hash {
	m.Lock()
	defer m.Unlock()

	return append([]chainhash.Hash(nil), m.pending...)
}

func (m *mockChain) ProcessBlock(block *wire.MsgBlock) error {
	hash := block.BlockHash()

	m.Lock()
	m.processed = append(m.processed, hash)
	onProcess := m.onProcess
	m.Unlock()

	if onProcess != nil {
		onProcess(hash)
	}

	return nil
}

func (m *mockChain) DownloadFrom(hash chainhash.Hash) error {
	m.Lock()
	defer m.Unlock()

	m.downloads = append(m.downloads, hash)

	return nil
}

type mockStatus struct {
	sync.Mutex
	keys []string
}

func (m *mockStatus) Status(key string, _ ...interface{}) {
	m.Lock()
	defer m.Unlock()

	m.keys = append(m.keys, key)
}

func (m *mockStatus) has(key string) bool {
	m.Lock()
	defer m.Unlock()

	for _, k := range m.keys {
		if k == key {
			return true
		}
	}

	return false
}

type testContext struct {
	ctrl   *Controller
	chain  *mockChain
	status *mockStatus
}

func newTestContext(t *testing.T) *testContext {
	t.Helper()

	cfg := DefaultConfig()
	cfg.AppDir = t.TempDir()
	cfg.Network = "regtest"
	cfg.ScryptN = walletcrypt.FastScryptParams.N
	cfg.ScryptR = walletcrypt.FastScryptParams.R
	cfg.ScryptP = walletcrypt.FastScryptParams.P

	clean, err := ValidateConfig(cfg)
	require.NoError(t, err)

	tc := &testContext{
		chain:  &mockChain{},
		status: &mockStatus{},
	}
	tc.ctrl, err = NewController(clean, &Deps{
		Chain:  tc.chain,
		Status: tc.status,
		Clock: clock.NewTestClock(
			time.Date(2024, 3, 9, 17, 30, 0, 0, time.UTC),
		),
	})
	require.NoError(t, err)
	t.Cleanup(tc.ctrl.Stop)

	return tc
}

// createWallet writes a new wallet with one plain key.
func (tc *testContext) createWallet(t *testing.T) *walletstore.Record {
	t.Helper()

	w := ledger.NewKeyWallet(tc.ctrl.cfg.ActiveNetParams)
	_, err := w.GenerateKey(nil)
	require.NoError(t, err)

	r, err := tc.ctrl.CreateWallet(w)
	require.NoError(t, err)

	return r
}

// cacheBlocks stores n blocks in the cache and returns their hashes oldest
// first.
func (tc *testContext) cacheBlocks(t *testing.T, n int) []chainhash.Hash {
	t.Helper()

	var hashes []chainhash.Hash
	for i := 0; i < n; i++ {
		block := &wire.MsgBlock{
			Header: wire.BlockHeader{
				Version:   1,
				Nonce:     uint32(i),
				Timestamp: time.Unix(1231006505+int64(i), 0),
			},
		}
		_, err := tc.ctrl.Cache().Store(block)
		require.NoError(t, err)

		hashes = append(hashes, block.BlockHash())
	}

	return hashes
}

func waitErr(t *testing.T, errChan <-chan error) error {
	t.Helper()

	select {
	case err := <-errChan:
		return err
	case <-time.After(10 * time.Second):
		t.Fatalf("operation did not finish")
		return nil
	}
}

// TestImportKeysReplays checks that an import saves the wallet, replays the
// cached blocks oldest first and downloads from the first missing one.
func TestImportKeysReplays(t *testing.T) {
	t.Parallel()

	tc := newTestContext(t)
	r := tc.createWallet(t)

	cached := tc.cacheBlocks(t, 2)
	missing := chainhash.Hash{0x01}
	tc.chain.pending = []chainhash.Hash{missing, cached[1], cached[0]}

	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	err = waitErr(t, tc.ctrl.ImportKeys(
		r, []*btcec.PrivateKey{key}, time.Now(), nil,
	))
	require.NoError(t, err)

	require.Equal(t, cached, tc.chain.processed)
	require.Equal(t, []chainhash.Hash{missing}, tc.chain.downloads)
	require.False(t, r.Dirty())
	require.True(t, tc.status.has(StatusKeysImported))
	require.True(t, tc.status.has(StatusDownloading))

	r.View(func(w ledger.Wallet, _ *walletinfo.Info) {
		require.Equal(t, 2, w.(*ledger.KeyWallet).NumKeys())
	})
}

// TestResetTransactions checks that a reset is saved and followed by a full
// replay.
func TestResetTransactions(t *testing.T) {
	t.Parallel()

	tc := newTestContext(t)
	r := tc.createWallet(t)

	cached := tc.cacheBlocks(t, 3)
	tc.chain.pending = []chainhash.Hash{cached[2], cached[1], cached[0]}

	err := r.Mutate(func(w ledger.Wallet, _ *walletinfo.Info) error {
		w.(*ledger.KeyWallet).ConnectBlock(cached[0], 0, 4)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, waitErr(t, tc.ctrl.ResetTransactions(r)))
	require.Equal(t, cached, tc.chain.processed)
	require.Empty(t, tc.chain.downloads)
	require.True(t, tc.status.has(StatusReplayed))

	r.View(func(w ledger.Wallet, _ *walletinfo.Info) {
		require.Zero(t, w.(*ledger.KeyWallet).TxCount())
	})
}

// TestEncryptWallet checks that encrypting a wallet also encrypts the
// backups that still hold its plain keys.
func TestEncryptWallet(t *testing.T) {
	t.Parallel()

	tc := newTestContext(t)
	r := tc.createWallet(t)

	// Produce a plain rolling backup.
	require.NoError(t, tc.ctrl.Store().Save(r, true))

	require.NoError(t, waitErr(t, tc.ctrl.EncryptWallet(r, testPassword)))
	require.Equal(t, ledger.FormatEncryptedContainer, r.Format())
	require.True(t, tc.status.has(StatusBackupsEncrypted))

	live, err := os.ReadFile(r.Path())
	require.NoError(t, err)
	require.True(t, ledger.ProbeEncrypted(live))

	rollingDir := backup.CategoryDir(r.Path(), backup.CategoryRolling)
	entries, err := os.ReadDir(rollingDir)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(rollingDir, e.Name()))
		require.NoError(t, err)
		require.True(t, ledger.ProbeEncrypted(data), e.Name())
	}

	// Encrypting twice is refused by the wallet.
	err = waitErr(t, tc.ctrl.EncryptWallet(r, testPassword))
	require.ErrorIs(t, err, ledger.ErrAlreadyEncrypted)
	require.True(t, tc.status.has(StatusOperationFailed))
}

// TestBackupKeys checks that the key export can be decrypted with the export
// password.
func TestBackupKeys(t *testing.T) {
	t.Parallel()

	tc := newTestContext(t)
	r := tc.createWallet(t)

	exportPassword := []byte("export")
	name, err := tc.ctrl.BackupKeys(r, nil, exportPassword)
	require.NoError(t, err)
	require.True(t, r.Dirty())

	plaintext, err := tc.ctrl.Backups().FileLevelDecrypt(
		name, exportPassword,
	)
	require.NoError(t, err)

	keys, err := backup.DecodeKeys(bytes.NewReader(plaintext))
	require.NoError(t, err)
	require.Len(t, keys, 1)
}

// TestResyncSuperseded checks that cancelling a resync stops it before its
// next block.
func TestResyncSuperseded(t *testing.T) {
	t.Parallel()

	tc := newTestContext(t)
	r := tc.createWallet(t)

	cached := tc.cacheBlocks(t, 3)
	tc.chain.pending = []chainhash.Hash{cached[2], cached[1], cached[0]}

	ctx, cancel := context.WithCancel(context.Background())
	entered := make(chan struct{})
	release := make(chan struct{})
	tc.chain.onProcess = func(hash chainhash.Hash) {
		if hash == cached[0] {
			close(entered)
			<-release
		}
	}

	resultChan := tc.ctrl.Resync(ctx, r)

	<-entered
	cancel()
	close(release)

	result := <-resultChan
	require.NoError(t, result.Err)
	require.True(t, result.Replay.Superseded)
	require.Equal(t, 1, result.Replay.Replayed)
	require.Empty(t, tc.chain.downloads)
	require.True(t, tc.status.has(StatusResyncSuperseded))

	// A fresh resync replays everything.
	tc.chain.Lock()
	tc.chain.onProcess = nil
	tc.chain.processed = nil
	tc.chain.Unlock()

	result = <-tc.ctrl.Resync(context.Background(), r)
	require.NoError(t, result.Err)
	require.False(t, result.Replay.Superseded)
	require.Equal(t, 3, result.Replay.Replayed)
	require.Equal(t, cached, tc.chain.processed)
}

// TestResyncCancelledContext checks that a resync asked for with an already
// cancelled context is reported as superseded without touching the chain.
func TestResyncCancelledContext(t *testing.T) {
	t.Parallel()

	tc := newTestContext(t)
	r := tc.createWallet(t)

	cached := tc.cacheBlocks(t, 2)
	tc.chain.pending = []chainhash.Hash{cached[1], cached[0]}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := <-tc.ctrl.Resync(ctx, r)
	require.NoError(t, result.Err)
	require.True(t, result.Replay.Superseded)
	require.Zero(t, result.Replay.Replayed)
	require.Empty(t, tc.chain.processed)
	require.True(t, tc.status.has(StatusResyncSuperseded))

	// The same holds once the controller is stopped.
	tc.ctrl.Stop()

	result = <-tc.ctrl.Resync(ctx, r)
	require.NoError(t, result.Err)
	require.True(t, result.Replay.Superseded)
}

// TestStop checks that no operation starts after Stop.
func TestStop(t *testing.T) {
	t.Parallel()

	tc := newTestContext(t)
	r := tc.createWallet(t)

	tc.ctrl.Stop()

	err := waitErr(t, tc.ctrl.ResetTransactions(r))
	require.ErrorIs(t, err, ErrShuttingDown)

	result := <-tc.ctrl.Resync(context.Background(), r)
	require.ErrorIs(t, result.Err, ErrShuttingDown)
}

// TestFileEncryptionAcrossScryptConfig checks that a file encrypted under one
// configuration still decrypts after the scrypt options were changed.
func TestFileEncryptionAcrossScryptConfig(t *testing.T) {
	t.Parallel()

	newManager := func(n int) *backup.Manager {
		cfg := DefaultConfig()
		cfg.AppDir = t.TempDir()
		cfg.Network = "regtest"
		cfg.ScryptN = n

		clean, err := ValidateConfig(cfg)
		require.NoError(t, err)

		return NewBackupManager(clean, nil)
	}

	dir := t.TempDir()
	source := filepath.Join(dir, "keys")
	encrypted := filepath.Join(dir, "keys"+backup.CipherExt)
	require.NoError(t, os.WriteFile(source, []byte("secret"), 0600))

	require.NoError(t, newManager(16).FileLevelEncrypt(
		source, encrypted, testPassword,
	))

	plaintext, err := newManager(32).FileLevelDecrypt(
		encrypted, testPassword,
	)
	require.NoError(t, err)
	require.Equal(t, []byte("secret"), plaintext)
}
