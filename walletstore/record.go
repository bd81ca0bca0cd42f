package walletstore

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/mendozawallet/mendoza/backup"
	"github.com/mendozawallet/mendoza/ledger"
	"github.com/mendozawallet/mendoza/walletinfo"
)

// fingerprint identifies the version of a file on disk without reading it.
type fingerprint struct {
	exists  bool
	size    int64
	modTime time.Time
}

// statFingerprint returns the current fingerprint of name.
func statFingerprint(name string) (fingerprint, error) {
	info, err := os.Stat(name)
	switch {
	case os.IsNotExist(err):
		return fingerprint{}, nil

	case err != nil:
		return fingerprint{}, err
	}

	return fingerprint{
		exists:  true,
		size:    info.Size(),
		modTime: info.ModTime(),
	}, nil
}

// equal reports whether two fingerprints describe the same file version.
func (f fingerprint) equal(o fingerprint) bool {
	return f.exists == o.exists && f.size == o.size &&
		f.modTime.Equal(o.modTime)
}

// Record is an open wallet: the in-memory wallet and metadata together with
// what the store knows about the files they were loaded from. All state is
// guarded by the record's mutex, so a record may be used from the
// interactive and background goroutines alike.
type Record struct {
	path     string
	infoPath string

	mu sync.Mutex

	wallet ledger.Wallet
	info   *walletinfo.Info
	format ledger.Format

	// walletPrint and infoPrint are the fingerprints of the files as this
	// record last read or wrote them.
	walletPrint fingerprint
	infoPrint   fingerprint

	// dirty is set from the first mutation until the next persist.
	dirty bool

	// pending holds backup names reserved for this session.
	pending fn.Option[backup.Pair]

	// externallyModified is set once a save found the files changed by
	// someone else. It stays set until Reload.
	externallyModified bool

	deleted bool
}

// Path returns the absolute path of the wallet file.
func (r *Record) Path() string {
	return r.path
}

// InfoPath returns the absolute path of the metadata file.
func (r *Record) InfoPath() string {
	return r.infoPath
}

// Format returns the format the wallet is written in.
func (r *Record) Format() ledger.Format {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.format
}

// Dirty reports whether the record has unsaved changes.
func (r *Record) Dirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.dirty
}

// ExternallyModified reports whether a save found the wallet files changed
// by another process.
func (r *Record) ExternallyModified() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.externallyModified
}

// Deleted reports whether the wallet files have been erased.
func (r *Record) Deleted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.deleted
}

// SessionBackup returns the backup names reserved by HaveFilesChanged, if
// any are outstanding.
func (r *Record) SessionBackup() fn.Option[backup.Pair] {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.pending
}

// View calls f with the wallet and a copy of its metadata.
func (r *Record) View(f func(ledger.Wallet, *walletinfo.Info)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f(r.wallet, r.info.Clone())
}

// Mutate calls f with the wallet and its metadata. Unless f fails the record
// becomes dirty and its format follows the wallet's encryption state.
func (r *Record) Mutate(f func(ledger.Wallet, *walletinfo.Info) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.deleted {
		return ErrDeleted
	}

	if err := f(r.wallet, r.info); err != nil {
		return err
	}

	r.format = containerFormat(r.format, r.wallet)
	r.info.Format = r.format
	r.dirty = true

	return nil
}

// containerFormat returns the container format matching the wallet's
// encryption state, or format unchanged for non container formats.
func containerFormat(format ledger.Format, w ledger.Wallet) ledger.Format {
	if !format.IsContainer() {
		return format
	}
	if w.Encrypted() {
		return ledger.FormatEncryptedContainer
	}

	return ledger.FormatPlainContainer
}

// filesChanged compares the files on disk against the remembered
// fingerprints. The caller must hold r.mu.
func (r *Record) filesChanged() (bool, error) {
	walletPrint, err := statFingerprint(r.path)
	if err != nil {
		return false, err
	}
	infoPrint, err := statFingerprint(r.infoPath)
	if err != nil {
		return false, err
	}

	return !walletPrint.equal(r.walletPrint) ||
		!infoPrint.equal(r.infoPrint), nil
}

// refreshFingerprints remembers the current state of both files. The caller
// must hold r.mu.
func (r *Record) refreshFingerprints() error {
	var err error
	r.walletPrint, err = statFingerprint(r.path)
	if err != nil {
		return err
	}
	r.infoPrint, err = statFingerprint(r.infoPath)

	return err
}

// recordSource exposes a locked record to the backup manager.
type recordSource struct {
	r *Record
}

var _ backup.BackupSource = (*recordSource)(nil)

func (s *recordSource) WalletFile() string {
	return s.r.path
}

func (s *recordSource) Format() ledger.Format {
	return s.r.format
}

func (s *recordSource) SerializeWallet(w io.Writer) error {
	return s.r.wallet.Serialize(w)
}

func (s *recordSource) Info() *walletinfo.Info {
	return s.r.info
}
