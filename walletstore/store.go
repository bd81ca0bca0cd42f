// Package walletstore loads and saves wallets together with their metadata
// and keeps them from being clobbered by another process using the same
// files. A save that finds the files changed since this process last wrote
// them is diverted to a backup instead of overwriting them.
package walletstore

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/mendozawallet/mendoza/backup"
	"github.com/mendozawallet/mendoza/fileutil"
	"github.com/mendozawallet/mendoza/ledger"
	"github.com/mendozawallet/mendoza/walletinfo"
)

// Status keys reported during recovery.
const (
	StatusRecovering     = "walletstore.recovering"
	StatusRecovered      = "walletstore.recovered"
	StatusRecoveryFailed = "walletstore.recoveryFailed"
)

// StatusSink receives progress messages as lookup keys for user facing
// text. It must not block.
type StatusSink interface {
	Status(key string, args ...interface{})
}

// Config holds the dependencies of a Store.
type Config struct {
	// Loader decodes wallet files.
	Loader ledger.Loader

	// Backups writes and locates wallet backups.
	Backups *backup.Manager
}

// Store keeps the open wallet records of the application, at most one per
// wallet path.
type Store struct {
	cfg Config

	mu      sync.Mutex
	records map[string]*Record
}

// New creates an empty Store.
func New(cfg *Config) *Store {
	return &Store{
		cfg:     *cfg,
		records: make(map[string]*Record),
	}
}

// Backups returns the backup manager used by the store.
func (s *Store) Backups() *backup.Manager {
	return s.cfg.Backups
}

// absPath returns the cleaned absolute form of path.
func absPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	return filepath.Clean(abs), nil
}

// register adds r to the open records unless its path is taken.
func (s *Store) register(r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[r.path]; ok {
		return ErrAlreadyOpen
	}
	s.records[r.path] = r

	return nil
}

// isOpen reports whether path has an open record.
func (s *Store) isOpen(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.records[path]
	return ok
}

// Close forgets the record. Unsaved changes are lost.
func (s *Store) Close(r *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.records[r.path] == r {
		delete(s.records, r.path)
	}
}

// loadWallet reads and decodes the wallet file name.
func (s *Store) loadWallet(name string) (ledger.Wallet, ledger.Format,
	error) {

	data, err := os.ReadFile(name)
	if err != nil {
		return nil, ledger.FormatUnknown, err
	}

	format, err := ledger.Classify(data)
	if err != nil {
		return nil, ledger.FormatUnknown, fmt.Errorf("%w: %v",
			ErrUnsupportedFormat, err)
	}

	w, err := s.cfg.Loader.LoadWallet(bytes.NewReader(data), format)
	if err != nil {
		return nil, format, err
	}

	return w, containerFormat(format, w), nil
}

// loadInfo reads the metadata file name. A missing file yields fresh
// metadata for format.
func loadInfo(name string, format ledger.Format) (*walletinfo.Info, error) {
	f, err := os.Open(name)
	if os.IsNotExist(err) {
		return walletinfo.New(format), nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := walletinfo.Decode(f)
	if err != nil {
		return nil, err
	}
	info.Format = format

	return info, nil
}

// Load opens the wallet at path and its metadata. It fails with a
// *LoadError if the files cannot be read or decoded, or if the path is
// already open in this store.
func (s *Store) Load(path string) (*Record, error) {
	abs, err := absPath(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	if s.isOpen(abs) {
		return nil, &LoadError{Path: abs, Err: ErrAlreadyOpen}
	}

	r := &Record{
		path:     abs,
		infoPath: backup.InfoFile(abs),
	}
	if err := s.read(r); err != nil {
		return nil, err
	}

	if err := s.register(r); err != nil {
		return nil, &LoadError{Path: abs, Err: err}
	}

	log.Infof("Loaded wallet %v (%v)", abs, r.format)

	return r, nil
}

// read loads wallet, metadata and fingerprints of r from disk. The caller
// must hold r.mu or own r exclusively.
func (s *Store) read(r *Record) error {
	// Fingerprints are taken first so that a concurrent writer is noticed
	// on the next save rather than missed.
	walletPrint, err := statFingerprint(r.path)
	if err != nil {
		return &LoadError{Path: r.path, Err: err}
	}
	infoPrint, err := statFingerprint(r.infoPath)
	if err != nil {
		return &LoadError{Path: r.infoPath, Err: err}
	}

	w, format, err := s.loadWallet(r.path)
	if err != nil {
		return &LoadError{Path: r.path, Err: err}
	}
	info, err := loadInfo(r.infoPath, format)
	if err != nil {
		return &LoadError{Path: r.infoPath, Err: err}
	}

	r.wallet = w
	r.info = info
	r.format = format
	r.walletPrint = walletPrint
	r.infoPrint = infoPrint

	return nil
}

// Create registers a new wallet to be stored at path and writes it. The
// wallet file must not exist yet.
func (s *Store) Create(path string, w ledger.Wallet) (*Record, error) {
	abs, err := absPath(path)
	if err != nil {
		return nil, &SaveError{Path: path, Err: err}
	}
	if fileutil.FileExists(abs) {
		return nil, &SaveError{Path: abs, Err: ErrWalletExists}
	}

	format := containerFormat(ledger.FormatPlainContainer, w)
	r := &Record{
		path:     abs,
		infoPath: backup.InfoFile(abs),
		wallet:   w,
		info:     walletinfo.New(format),
		format:   format,
		dirty:    true,
	}
	if err := s.register(r); err != nil {
		return nil, &SaveError{Path: abs, Err: err}
	}

	if err := s.Save(r, true); err != nil {
		s.Close(r)
		return nil, err
	}

	return r, nil
}

// HaveFilesChanged reports whether the wallet or metadata file differs from
// what the record last read or wrote. It also reserves the names of the
// backup pair the next diverted save writes, so they stay the same for the
// rest of the session.
func (s *Store) HaveFilesChanged(r *Record) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s.reserveBackup(r)

	return r.filesChanged()
}

// reserveBackup reserves session backup names if none are outstanding. The
// caller must hold r.mu.
func (s *Store) reserveBackup(r *Record) {
	if r.pending.IsSome() {
		return
	}

	pair, err := s.cfg.Backups.PairFilenames(
		r.path, backup.CategoryFor(r.format),
	)
	if err != nil {
		log.Warnf("Unable to reserve backup names for %v: %v",
			r.path, err)
		return
	}
	r.pending = fn.Some(pair)
}

// Save persists the record if it is dirty or force is set. If the files on
// disk are unchanged since the record last read or wrote them, or force is
// set, the live wallet is archived as a rolling backup and both files are
// replaced. Otherwise the live files are left alone, the record is written
// to a new backup pair and flagged as externally modified. Either way the
// record is clean afterwards.
func (s *Store) Save(r *Record, force bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.deleted:
		return &SaveError{Path: r.path, Err: ErrDeleted}

	case !r.dirty && !force:
		return nil

	case !r.format.IsContainer():
		return &SaveError{Path: r.path, Err: fmt.Errorf("%w: %v",
			ErrUnsupportedFormat, r.format)}
	}

	r.info.Format = r.format

	changed, err := r.filesChanged()
	if err != nil {
		return &SaveError{Path: r.path, Err: err}
	}

	if !force && (changed || r.externallyModified) {
		return s.divert(r)
	}

	return s.writeLive(r)
}

// divert writes the record to a backup pair instead of the live files. The
// caller must hold r.mu.
func (s *Store) divert(r *Record) error {
	pair, err := s.cfg.Backups.BackupRecord(&recordSource{r}, r.pending)
	if err != nil {
		return &SaveError{Path: r.path, Err: err}
	}

	r.pending = fn.None[backup.Pair]()
	r.externallyModified = true
	r.dirty = false

	log.Warnf("Wallet %v was modified by another process, saved to "+
		"%v instead", r.path, pair.Wallet)

	return nil
}

// writeLive archives the live wallet and replaces both live files. The
// caller must hold r.mu.
func (s *Store) writeLive(r *Record) error {
	_, err := s.cfg.Backups.RollingBackup(r.path, r.info)
	if err != nil {
		return &SaveError{Path: r.path, Err: err}
	}

	err = fileutil.AtomicWrite(r.path, 0600, r.wallet.Serialize)
	if err != nil {
		return &SaveError{Path: r.path, Err: err}
	}

	// The wallet file is ours now even if the info write below fails, so
	// the next save must not mistake it for an external change.
	r.walletPrint, err = statFingerprint(r.path)
	if err != nil {
		return &SaveError{Path: r.path, Err: err}
	}

	err = fileutil.AtomicWrite(r.infoPath, 0600, r.info.Encode)
	if err != nil {
		return &SaveError{Path: r.infoPath, Err: err}
	}

	if err := r.refreshFingerprints(); err != nil {
		return &SaveError{Path: r.path, Err: err}
	}
	r.dirty = false

	log.Debugf("Saved wallet %v", r.path)

	return nil
}

// Backup writes the record to a new backup pair in the category matching its
// format. The live files are not touched.
func (s *Store) Backup(r *Record) (backup.Pair, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.deleted {
		return backup.Pair{}, ErrDeleted
	}
	if !r.format.IsContainer() {
		return backup.Pair{}, fmt.Errorf("%w: %v", ErrUnsupportedFormat,
			r.format)
	}

	return s.cfg.Backups.BackupRecord(
		&recordSource{r}, fn.None[backup.Pair](),
	)
}

// Reload replaces the in-memory wallet and metadata with the files on disk
// and clears the dirty and externally modified flags. Unsaved changes are
// discarded.
func (s *Store) Reload(r *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.deleted {
		return &LoadError{Path: r.path, Err: ErrDeleted}
	}

	if err := s.read(r); err != nil {
		return err
	}
	r.dirty = false
	r.externallyModified = false
	r.pending = fn.None[backup.Pair]()

	log.Infof("Reloaded wallet %v", r.path)

	return nil
}

// DeleteWalletAndInfo securely erases the metadata file and then the wallet
// file. Nothing is erased unless both files are writable, and the wallet is
// only erased once its metadata is gone. The record is closed on success.
func (s *Store) DeleteWalletAndInfo(r *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.deleted {
		return &DeleteError{Path: r.path, Err: ErrDeleted}
	}

	for _, name := range []string{r.infoPath, r.path} {
		if err := fileutil.CheckWritable(name); err != nil {
			return &DeleteError{Path: name, Err: fmt.Errorf(
				"%w: %v", ErrNotWritable, err,
			)}
		}
	}

	if err := fileutil.SecureErase(r.infoPath); err != nil {
		return &DeleteError{Path: r.infoPath, Err: err}
	}
	if err := fileutil.SecureErase(r.path); err != nil {
		return &DeleteError{Path: r.path, Err: err}
	}

	r.deleted = true
	r.dirty = false
	s.Close(r)

	log.Infof("Deleted wallet %v", r.path)

	return nil
}

// LoadWithRecovery loads the wallet at path. If that fails it tries the best
// backups in order and returns the first that loads, bound to path and
// dirty, so that the next save archives the damaged file as a rolling backup
// and replaces it. If no backup loads the original error is returned.
func (s *Store) LoadWithRecovery(path string, status StatusSink) (*Record,
	error) {

	r, err := s.Load(path)
	if err == nil {
		return r, nil
	}

	var loadErr *LoadError
	if !errors.As(err, &loadErr) || errors.Is(err, ErrAlreadyOpen) {
		return nil, err
	}

	abs, absErr := absPath(path)
	if absErr != nil {
		return nil, err
	}

	log.Warnf("Unable to load %v, trying backups: %v", abs, err)
	status.Status(StatusRecovering, abs)

	info, infoErr := loadInfo(backup.InfoFile(abs), ledger.FormatUnknown)
	if infoErr != nil {
		log.Warnf("Metadata of %v is unreadable too: %v", abs, infoErr)
		info = walletinfo.New(ledger.FormatUnknown)
	}

	candidates, candErr := s.cfg.Backups.CalculateBestBackups(abs, info)
	if candErr != nil {
		log.Errorf("Unable to list backups of %v: %v", abs, candErr)
	}

	for _, candidate := range candidates {
		r, recErr := s.recoverFrom(abs, candidate, info)
		if recErr != nil {
			log.Warnf("Backup %v did not load: %v", candidate,
				recErr)
			continue
		}

		log.Infof("Recovered wallet %v from %v", abs, candidate)
		status.Status(StatusRecovered, abs, candidate)

		return r, nil
	}

	status.Status(StatusRecoveryFailed, abs)

	return nil, err
}

// recoverFrom builds a record for path from the wallet backup candidate.
// The metadata backup taken alongside it is preferred over fallback.
func (s *Store) recoverFrom(path, candidate string,
	fallback *walletinfo.Info) (*Record, error) {

	w, format, err := s.loadWallet(candidate)
	if err != nil {
		return nil, err
	}

	infoBackup := backup.InfoFile(candidate)
	info, err := loadInfo(infoBackup, format)
	if err != nil || !fileutil.FileExists(infoBackup) {
		info = fallback.Clone()
		info.Format = format
	}

	r := &Record{
		path:     path,
		infoPath: backup.InfoFile(path),
		wallet:   w,
		info:     info,
		format:   format,
		dirty:    true,
	}

	// The damaged live files are taken as the current state, so the next
	// save replaces them instead of diverting.
	if err := r.refreshFingerprints(); err != nil {
		return nil, err
	}

	if err := s.register(r); err != nil {
		return nil, err
	}

	return r, nil
}

