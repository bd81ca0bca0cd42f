// Package backup writes categorised, timestamped backups of wallets and their
// metadata, keeps the rolling backup history short, and chooses the backups a
// damaged wallet is recovered from.
package backup

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/mendozawallet/mendoza/fileutil"
	"github.com/mendozawallet/mendoza/ledger"
	"github.com/mendozawallet/mendoza/walletinfo"
)

const (
	// DefaultMaxRollingBackups is the number of rolling backups kept per
	// wallet unless configured otherwise.
	DefaultMaxRollingBackups = 4

	// maxNameAttempts bounds the timestamps tried when a backup name is
	// already taken, for instance by another process.
	maxNameAttempts = 5
)

// Config holds the dependencies of a Manager.
type Config struct {
	// Clock supplies backup timestamps.
	Clock clock.Clock

	// MaxRollingBackups is the number of rolling backups kept per wallet.
	// Zero or less keeps all of them.
	MaxRollingBackups int
}

// Manager creates and locates wallet backups. A single Manager should be used
// per data directory for the lifetime of the application; it serialises
// timestamp issuance so that no two backups ever share a name.
type Manager struct {
	cfg Config

	mu sync.Mutex

	// lastStamp is the most recently issued timestamp.
	lastStamp time.Time
}

// NewManager creates a Manager.
func NewManager(cfg *Config) *Manager {
	return &Manager{cfg: *cfg}
}

// stamp returns the timestamp for the next backup. Fresh timestamps are
// strictly increasing with a resolution of one second, so they sort in
// issuance order even when the clock stands still or goes backwards. The
// caller must hold m.mu.
func (m *Manager) stamp(reuse bool) time.Time {
	if reuse && !m.lastStamp.IsZero() {
		return m.lastStamp
	}

	now := m.cfg.Clock.Now().UTC().Truncate(time.Second)
	if !now.After(m.lastStamp) {
		now = m.lastStamp.Add(time.Second)
	}
	m.lastStamp = now

	return now
}

// BackupFilename returns the path of a new backup of file in category c:
// <dir>/<stem>-data/<category>/<stem>-<timestamp><ext>. The category
// directory is created if needed. With reuseTimestamp the timestamp of the
// previous call is used, which pairs a wallet backup with its metadata.
func (m *Manager) BackupFilename(file string, c Category,
	reuseTimestamp bool) (string, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.backupFilename(file, c, m.stamp(reuseTimestamp))
}

func (m *Manager) backupFilename(file string, c Category,
	ts time.Time) (string, error) {

	dir := CategoryDir(file, c)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return "", fmt.Errorf("unable to create backup directory: %w",
			err)
	}

	stem, ext := splitName(file)
	entry := Entry{
		Stem:      stem,
		Timestamp: ts.Format(TimestampLayout),
		Ext:       ext,
	}

	return filepath.Join(dir, entry.Name()), nil
}

// Pair names a wallet backup and the metadata backup taken with it.
type Pair struct {
	Wallet string
	Info   string
}

// PairFilenames returns the names of a new wallet and metadata backup of
// walletFile sharing one timestamp.
func (m *Manager) PairFilenames(walletFile string, c Category) (Pair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := m.stamp(false)

	walletName, err := m.backupFilename(walletFile, c, ts)
	if err != nil {
		return Pair{}, err
	}
	infoName, err := m.backupFilename(InfoFile(walletFile), c, ts)
	if err != nil {
		return Pair{}, err
	}

	return Pair{Wallet: walletName, Info: infoName}, nil
}

// BackupSource is a wallet that can be written to a backup.
type BackupSource interface {
	// WalletFile is the path of the live wallet file.
	WalletFile() string

	// Format is the format the wallet is written in.
	Format() ledger.Format

	// SerializeWallet writes the in-memory wallet.
	SerializeWallet(w io.Writer) error

	// Info returns the wallet's metadata. BackupRecord records the new
	// backup names in it.
	Info() *walletinfo.Info
}

// BackupRecord writes the in-memory wallet and its metadata to a new backup
// pair in the category matching the wallet's format. Names reserved earlier
// with PairFilenames are used when they still fit the category and are
// unused. Existing files are never overwritten; a taken name is retried with
// a later timestamp.
func (m *Manager) BackupRecord(src BackupSource,
	reserved fn.Option[Pair]) (Pair, error) {

	walletFile := src.WalletFile()
	category := CategoryFor(src.Format())
	dir := CategoryDir(walletFile, category)

	pair := reserved.UnwrapOr(Pair{})
	usable := filepath.Dir(pair.Wallet) == dir &&
		filepath.Dir(pair.Info) == dir

	info := src.Info()
	for attempt := 1; ; attempt++ {
		if !usable {
			var err error
			pair, err = m.PairFilenames(walletFile, category)
			if err != nil {
				return Pair{}, err
			}
		}
		usable = false

		info.SetProperty(walletinfo.PropWalletBackup, pair.Wallet)
		info.SetProperty(walletinfo.PropInfoBackup, pair.Info)

		err := m.writePair(pair, src.SerializeWallet, info.Encode)
		if errors.Is(err, fs.ErrExist) && attempt < maxNameAttempts {
			log.Debugf("Backup %v exists, trying a later "+
				"timestamp", pair.Wallet)
			continue
		}
		if err != nil {
			return Pair{}, err
		}

		break
	}

	log.Infof("Backed up wallet %v to %v", walletFile, pair.Wallet)

	return pair, nil
}

// writePair creates both files of pair. If either name is taken an error
// matching fs.ErrExist is returned.
func (m *Manager) writePair(pair Pair, writeWallet,
	writeInfo func(io.Writer) error) error {

	if fileutil.FileExists(pair.Info) {
		return fmt.Errorf("info backup %v: %w", pair.Info, fs.ErrExist)
	}

	err := fileutil.CreateExclusive(pair.Wallet, 0600, writeWallet)
	if err != nil {
		return fmt.Errorf("unable to write wallet backup: %w", err)
	}
	err = fileutil.CreateExclusive(pair.Info, 0600, writeInfo)
	if err != nil {
		// A wallet backup without its info file is not a pair.
		if rmErr := os.Remove(pair.Wallet); rmErr != nil {
			log.Errorf("Unable to remove wallet backup %v: %v",
				pair.Wallet, rmErr)
		}

		return fmt.Errorf("unable to write info backup: %w", err)
	}

	return nil
}

// RollingBackup copies the live wallet file into the rolling backups,
// records the copy in info and prunes the oldest rolling backups beyond the
// configured limit. It returns "" if there is no live wallet file yet.
func (m *Manager) RollingBackup(walletFile string,
	info *walletinfo.Info) (string, error) {

	if !fileutil.FileExists(walletFile) {
		return "", nil
	}

	var (
		name string
		err  error
	)
	for attempt := 1; ; attempt++ {
		name, err = m.BackupFilename(walletFile, CategoryRolling, false)
		if err != nil {
			return "", err
		}

		err = fileutil.CopyFile(walletFile, name, true)
		if !errors.Is(err, fs.ErrExist) || attempt == maxNameAttempts {
			break
		}
		log.Debugf("Backup %v exists, trying a later timestamp", name)
	}
	if err != nil {
		return "", fmt.Errorf("unable to write rolling backup: %w", err)
	}
	info.SetRollingBackup(name)

	log.Debugf("Rolling backup of %v written to %v", walletFile, name)

	if err := m.pruneRolling(walletFile); err != nil {
		log.Warnf("Unable to prune rolling backups of %v: %v",
			walletFile, err)
	}

	return name, nil
}

// pruneRolling securely erases the oldest rolling backups of walletFile
// until at most MaxRollingBackups remain.
func (m *Manager) pruneRolling(walletFile string) error {
	limit := m.cfg.MaxRollingBackups
	if limit <= 0 {
		return nil
	}

	stem, _ := splitName(walletFile)
	dir := CategoryDir(walletFile, CategoryRolling)
	entries, err := listEntries(dir, stem)
	if err != nil {
		return err
	}

	var wallets []string
	for _, e := range entries {
		if e.Ext == WalletExt {
			wallets = append(wallets, e.Name())
		}
	}
	sort.Strings(wallets)

	for len(wallets) > limit {
		name := filepath.Join(dir, wallets[0])
		if err := fileutil.SecureErase(name); err != nil {
			return err
		}
		log.Debugf("Pruned rolling backup %v", name)

		wallets = wallets[1:]
	}

	return nil
}

// BackupPrivateKeys writes keys, encrypted with exportPassword, to a new
// file in the key backups of walletFile and records it in info, which may be
// nil.
func (m *Manager) BackupPrivateKeys(walletFile string, info *walletinfo.Info,
	keys []ledger.ExportedKey, exportPassword []byte) (string, error) {

	stem, _ := splitName(walletFile)
	keyFile := filepath.Join(filepath.Dir(walletFile), stem+KeyExt)

	name, err := m.BackupFilename(keyFile, CategoryKey, false)
	if err != nil {
		return "", err
	}

	plaintext := encodeKeys(keys)
	defer wipe(plaintext)

	if err := m.writeEncrypted(name, plaintext, exportPassword); err != nil {
		return "", err
	}
	if info != nil {
		info.SetProperty(walletinfo.PropKeyBackup, name)
	}

	log.Infof("Exported %d private keys of %v to %v", len(keys),
		walletFile, name)

	return name, nil
}

// encodeKeys formats keys one per line as "<wif> <created-at>".
func encodeKeys(keys []ledger.ExportedKey) []byte {
	var b []byte
	for _, k := range keys {
		b = append(b, k.WIF...)
		b = append(b, ' ')
		b = k.CreatedAt.UTC().AppendFormat(b, time.RFC3339)
		b = append(b, '\n')
	}

	return b
}

// DecodeKeys parses a decrypted key export.
func DecodeKeys(r io.Reader) ([]ledger.ExportedKey, error) {
	var keys []ledger.ExportedKey

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		var wif, createdAt string
		if _, err := fmt.Sscan(scanner.Text(), &wif, &createdAt); err != nil {
			return nil, fmt.Errorf("malformed key line: %w", err)
		}

		ts, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("malformed key time: %w", err)
		}
		keys = append(keys, ledger.ExportedKey{WIF: wif, CreatedAt: ts})
	}

	return keys, scanner.Err()
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
