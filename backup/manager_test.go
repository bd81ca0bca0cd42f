package backup

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/mendozawallet/mendoza/ledger"
	"github.com/mendozawallet/mendoza/walletcrypt"
	"github.com/mendozawallet/mendoza/walletinfo"
	"github.com/stretchr/testify/require"
)

var (
	testTime = time.Date(2024, 3, 9, 17, 30, 0, 0, time.UTC)

	testPassword = []byte("hunter2")
)

type testHarness struct {
	clock      *clock.TestClock
	manager    *Manager
	walletFile string
}

func newTestHarness(t *testing.T, maxRolling int) *testHarness {
	t.Helper()

	testClock := clock.NewTestClock(testTime)

	return &testHarness{
		clock: testClock,
		manager: NewManager(&Config{
			Clock:             testClock,
			MaxRollingBackups: maxRolling,
		}),
		walletFile: filepath.Join(t.TempDir(), "wallet"+WalletExt),
	}
}

// tick advances the test clock by d.
func (h *testHarness) tick(d time.Duration) {
	h.clock.SetTime(h.clock.Now().Add(d))
}

// plainWallet returns the serialised bytes of a wallet with one plain key.
func plainWallet(t *testing.T) []byte {
	t.Helper()

	w := ledger.NewKeyWallet(&chaincfg.RegressionNetParams)
	_, err := w.GenerateKey(nil)
	require.NoError(t, err)

	var b bytes.Buffer
	require.NoError(t, w.Serialize(&b))

	return b.Bytes()
}

// encryptedWallet returns the serialised bytes of a wallet whose key is
// encrypted.
func encryptedWallet(t *testing.T) []byte {
	t.Helper()

	w := ledger.NewKeyWallet(&chaincfg.RegressionNetParams)
	_, err := w.GenerateKey(nil)
	require.NoError(t, err)
	require.NoError(t, w.EncryptKeys(
		testPassword, walletcrypt.FastScryptParams,
	))

	var b bytes.Buffer
	require.NoError(t, w.Serialize(&b))

	return b.Bytes()
}

type testSource struct {
	walletFile string
	format     ledger.Format
	data       []byte
	info       *walletinfo.Info
}

func (s *testSource) WalletFile() string { return s.walletFile }

func (s *testSource) Format() ledger.Format { return s.format }

func (s *testSource) SerializeWallet(w io.Writer) error {
	_, err := w.Write(s.data)
	return err
}

func (s *testSource) Info() *walletinfo.Info { return s.info }

// TestBackupFilenamePairing checks the layout of backup names and that a
// reused timestamp pairs a wallet with its metadata.
func TestBackupFilenamePairing(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, 0)
	dir := filepath.Dir(h.walletFile)

	walletName, err := h.manager.BackupFilename(
		h.walletFile, CategoryWalletEncrypted, false,
	)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(
		dir, "wallet-data", "wallet-backup",
		"wallet-20240309173000.wallet",
	), walletName)
	require.DirExists(t, filepath.Dir(walletName))

	h.tick(5 * time.Second)
	infoName, err := h.manager.BackupFilename(
		InfoFile(h.walletFile), CategoryWalletEncrypted, true,
	)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(
		dir, "wallet-data", "wallet-backup",
		"wallet-20240309173000.info",
	), infoName)

	pair, err := h.manager.PairFilenames(
		h.walletFile, CategoryWalletUnencrypted,
	)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(
		dir, "wallet-data", "wallet-unenc-backup",
		"wallet-20240309173005.wallet",
	), pair.Wallet)
	require.Equal(t, filepath.Join(
		dir, "wallet-data", "wallet-unenc-backup",
		"wallet-20240309173005.info",
	), pair.Info)
}

// TestBackupRecord checks that a backup pair is written once, honours
// reserved names and never overwrites.
func TestBackupRecord(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, 0)
	src := &testSource{
		walletFile: h.walletFile,
		format:     ledger.FormatPlainContainer,
		data:       plainWallet(t),
		info:       walletinfo.New(ledger.FormatPlainContainer),
	}

	reserved, err := h.manager.PairFilenames(
		h.walletFile, CategoryWalletUnencrypted,
	)
	require.NoError(t, err)

	pair, err := h.manager.BackupRecord(src, fn.Some(reserved))
	require.NoError(t, err)
	require.Equal(t, reserved, pair)

	content, err := os.ReadFile(pair.Wallet)
	require.NoError(t, err)
	require.Equal(t, src.data, content)

	f, err := os.Open(pair.Info)
	require.NoError(t, err)
	info, err := walletinfo.Decode(f)
	require.NoError(t, f.Close())
	require.NoError(t, err)
	require.Equal(t, pair.Wallet,
		info.Property(walletinfo.PropWalletBackup))
	require.Equal(t, pair.Info, src.info.Property(walletinfo.PropInfoBackup))

	// The reserved names are taken now, so a second backup in the same
	// second gets fresh ones.
	second, err := h.manager.BackupRecord(src, fn.Some(reserved))
	require.NoError(t, err)
	require.NotEqual(t, pair, second)
	require.Greater(t, filepath.Base(second.Wallet),
		filepath.Base(pair.Wallet))

	// Reserved names in the wrong category are not used either.
	src.format = ledger.FormatEncryptedContainer
	third, err := h.manager.BackupRecord(src, fn.None[Pair]())
	require.NoError(t, err)
	require.Equal(t, CategoryDir(h.walletFile, CategoryWalletEncrypted),
		filepath.Dir(third.Wallet))
}

// TestWritePairIncomplete checks that a wallet backup is removed again when
// its info file cannot be written.
func TestWritePairIncomplete(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, 0)
	pair, err := h.manager.PairFilenames(
		h.walletFile, CategoryWalletUnencrypted,
	)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(pair.Wallet), 0700))

	errInfo := errors.New("info write failed")
	err = h.manager.writePair(pair,
		func(w io.Writer) error {
			_, err := w.Write(plainWallet(t))
			return err
		},
		func(io.Writer) error {
			return errInfo
		},
	)
	require.ErrorIs(t, err, errInfo)
	require.NoFileExists(t, pair.Wallet)
	require.NoFileExists(t, pair.Info)
}

// TestRollingBackupPrunes checks that rolling backups copy the live wallet,
// are recorded in the metadata and are pruned oldest first.
func TestRollingBackupPrunes(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, 2)
	info := walletinfo.New(ledger.FormatPlainContainer)

	name, err := h.manager.RollingBackup(h.walletFile, info)
	require.NoError(t, err)
	require.Empty(t, name)

	var names []string
	for i := 0; i < 4; i++ {
		data := []byte{byte(i)}
		require.NoError(t, os.WriteFile(h.walletFile, data, 0600))

		name, err := h.manager.RollingBackup(h.walletFile, info)
		require.NoError(t, err)
		require.Equal(t, name, info.RollingBackup())
		names = append(names, name)

		h.tick(time.Minute)
	}

	require.NoFileExists(t, names[0])
	require.NoFileExists(t, names[1])

	content, err := os.ReadFile(names[3])
	require.NoError(t, err)
	require.Equal(t, []byte{3}, content)

	entries, err := os.ReadDir(CategoryDir(h.walletFile, CategoryRolling))
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

// TestBackupPrivateKeys checks that a key export can be decrypted and parsed
// again.
func TestBackupPrivateKeys(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t, 0)
	info := walletinfo.New(ledger.FormatPlainContainer)

	w := ledger.NewKeyWallet(&chaincfg.RegressionNetParams)
	_, err := w.GenerateKey(nil)
	require.NoError(t, err)
	_, err = w.GenerateKey(nil)
	require.NoError(t, err)

	keys, err := w.ExportKeys(nil)
	require.NoError(t, err)
	require.Len(t, keys, 2)

	name, err := h.manager.BackupPrivateKeys(
		h.walletFile, info, keys, testPassword,
	)
	require.NoError(t, err)
	require.Equal(t, CategoryDir(h.walletFile, CategoryKey),
		filepath.Dir(name))
	require.Equal(t, "wallet-20240309173000.key", filepath.Base(name))
	require.Equal(t, name, info.Property(walletinfo.PropKeyBackup))

	plaintext, err := h.manager.FileLevelDecrypt(name, testPassword)
	require.NoError(t, err)

	decoded, err := DecodeKeys(bytes.NewReader(plaintext))
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	for i := range keys {
		require.Equal(t, keys[i].WIF, decoded[i].WIF)
		require.True(t, keys[i].CreatedAt.Truncate(time.Second).Equal(
			decoded[i].CreatedAt,
		))
	}
}
