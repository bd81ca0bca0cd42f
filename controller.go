// Package mendoza wires the wallet store, the backup manager and the block
// cache into a session controller that runs the long wallet operations in
// the background.
package mendoza

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/mendozawallet/mendoza/backup"
	"github.com/mendozawallet/mendoza/blockcache"
	"github.com/mendozawallet/mendoza/ledger"
	"github.com/mendozawallet/mendoza/walletcrypt"
	"github.com/mendozawallet/mendoza/walletinfo"
	"github.com/mendozawallet/mendoza/walletstore"
)

// Status keys sent to the StatusSink.
const (
	StatusImportingKeys     = "controller.importingKeys"
	StatusKeysImported      = "controller.keysImported"
	StatusResetting         = "controller.resettingTransactions"
	StatusEncrypting        = "controller.encryptingWallet"
	StatusEncrypted         = "controller.walletEncrypted"
	StatusReplaying         = "controller.replayingBlocks"
	StatusReplayed          = "controller.blocksReplayed"
	StatusDownloading       = "controller.downloadingBlocks"
	StatusResyncSuperseded  = "controller.resyncSuperseded"
	StatusKeyBackupWritten  = "controller.keyBackupWritten"
	StatusBackupsEncrypted  = "controller.backupsEncrypted"
	StatusBackupsMoved      = "controller.backupsMoved"
	StatusOperationFailed   = "controller.operationFailed"
	StatusControllerStopped = "controller.stopped"
)

var (
	// ErrShuttingDown is returned for operations requested after Stop.
	ErrShuttingDown = errors.New("controller is shutting down")

	// ErrUnsupportedWallet is returned when the wallet implementation
	// lacks the capability an operation needs.
	ErrUnsupportedWallet = errors.New("operation not supported by wallet")
)

// Chain supplies the blocks a wallet still has to connect and accepts the
// ones replayed from the cache.
type Chain interface {
	blockcache.BlockProcessor

	// PendingBlocks returns the hashes of the blocks still to be
	// connected, newest first.
	PendingBlocks() []chainhash.Hash

	// DownloadFrom fetches blocks from the network starting at hash.
	DownloadFrom(hash chainhash.Hash) error
}

// The wallet capabilities used by the long operations.
type (
	keyImporter interface {
		ImportKeys(keys []*btcec.PrivateKey, createdAt time.Time,
			password []byte) (int, error)
	}

	transactionResetter interface {
		ResetTransactions()
	}

	keyEncrypter interface {
		EncryptKeys(password []byte, params walletcrypt.ScryptParams) error
	}
)

// Deps are the collaborators of a Controller.
type Deps struct {
	// Chain feeds replayed blocks into the wallet.
	Chain Chain

	// Status receives progress messages.
	Status walletstore.StatusSink

	// Loader decodes wallet files. It defaults to ledger.ContainerLoader.
	Loader ledger.Loader

	// Clock defaults to the system clock.
	Clock clock.Clock
}

// ResyncResult is the outcome of a resync.
type ResyncResult struct {
	// Replay describes the cached blocks that were replayed.
	Replay *blockcache.ReplayResult

	// Err is set when the network download could not be started or the
	// wallet could not be saved afterwards.
	Err error
}

// Controller owns the wallet store, backup manager and block cache of one
// session.
type Controller struct {
	cfg *Config

	store   *walletstore.Store
	backups *backup.Manager
	cache   *blockcache.Cache
	chain   Chain
	status  walletstore.StatusSink

	gm *fn.GoroutineManager

	// resyncMtx serialises resyncs. cancelResync and resyncDone belong to
	// the resync in flight.
	resyncMtx    sync.Mutex
	cancelResync context.CancelFunc
	resyncDone   chan struct{}
}

// NewController creates a Controller for cfg.
func NewController(cfg *Config, deps *Deps) (*Controller, error) {
	if deps.Chain == nil || deps.Status == nil {
		return nil, errors.New("chain and status sink are required")
	}

	loader := deps.Loader
	if loader == nil {
		loader = ledger.ContainerLoader{}
	}

	cache, err := blockcache.New(blockcache.Config{
		Dir:         cfg.BlockCacheDir,
		MemCapacity: cfg.BlockCacheMemSize,
	})
	if err != nil {
		return nil, err
	}

	backups := NewBackupManager(cfg, deps.Clock)

	return &Controller{
		cfg: cfg,
		store: walletstore.New(&walletstore.Config{
			Loader:  loader,
			Backups: backups,
		}),
		backups: backups,
		cache:   cache,
		chain:   deps.Chain,
		status:  deps.Status,
		gm:      fn.NewGoroutineManager(),
	}, nil
}

// NewBackupManager creates the backup manager described by cfg. A nil clk
// uses the system clock.
func NewBackupManager(cfg *Config, clk clock.Clock) *backup.Manager {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}

	return backup.NewManager(&backup.Config{
		Clock:             clk,
		MaxRollingBackups: cfg.MaxRollingBackups,
	})
}

// Store returns the session's wallet store.
func (c *Controller) Store() *walletstore.Store {
	return c.store
}

// Backups returns the session's backup manager.
func (c *Controller) Backups() *backup.Manager {
	return c.backups
}

// Cache returns the session's block cache.
func (c *Controller) Cache() *blockcache.Cache {
	return c.cache
}

// OpenWallet loads the configured wallet, recovering it from backups if it
// is damaged. Loose backups next to the wallet are filed first so that they
// take part in the recovery.
func (c *Controller) OpenWallet() (*walletstore.Record, error) {
	moved, err := c.backups.MoveSiblingBackups(c.cfg.WalletFile)
	if err != nil {
		log.Warnf("Unable to file loose backups: %v", err)
	}
	if moved > 0 {
		c.status.Status(StatusBackupsMoved, moved)
	}

	return c.store.LoadWithRecovery(c.cfg.WalletFile, c.status)
}

// CreateWallet creates and writes a new wallet at the configured path.
func (c *Controller) CreateWallet(w ledger.Wallet) (*walletstore.Record,
	error) {

	return c.store.Create(c.cfg.WalletFile, w)
}

// runAsync runs op on the goroutine manager and delivers its error on the
// returned channel. Once started op runs to completion.
func (c *Controller) runAsync(name string, op func() error) <-chan error {
	errChan := make(chan error, 1)

	ok := c.gm.Go(context.Background(), func(context.Context) {
		err := op()
		if err != nil {
			log.Errorf("%v failed: %v", name, err)
			c.status.Status(StatusOperationFailed, name, err)
		}
		errChan <- err
	})
	if !ok {
		errChan <- ErrShuttingDown
	}

	return errChan
}

// ImportKeys imports keys into the wallet in the background, saves it and
// replays the cached blocks so the new keys see their history.
func (c *Controller) ImportKeys(r *walletstore.Record,
	keys []*btcec.PrivateKey, createdAt time.Time,
	password []byte) <-chan error {

	return c.runAsync("import keys", func() error {
		c.status.Status(StatusImportingKeys, len(keys))

		var imported int
		err := r.Mutate(func(w ledger.Wallet, _ *walletinfo.Info) error {
			importer, ok := w.(keyImporter)
			if !ok {
				return ErrUnsupportedWallet
			}

			var err error
			imported, err = importer.ImportKeys(
				keys, createdAt, password,
			)

			return err
		})
		if err != nil {
			return err
		}
		c.status.Status(StatusKeysImported, imported)

		return c.saveAndResync(r)
	})
}

// ResetTransactions drops the wallet's transactions in the background, saves
// it and replays the chain from the cache.
func (c *Controller) ResetTransactions(r *walletstore.Record) <-chan error {
	return c.runAsync("reset transactions", func() error {
		c.status.Status(StatusResetting)

		err := r.Mutate(func(w ledger.Wallet, _ *walletinfo.Info) error {
			resetter, ok := w.(transactionResetter)
			if !ok {
				return ErrUnsupportedWallet
			}
			resetter.ResetTransactions()

			return nil
		})
		if err != nil {
			return err
		}

		return c.saveAndResync(r)
	})
}

// saveAndResync saves r and waits for a resync to finish.
func (c *Controller) saveAndResync(r *walletstore.Record) error {
	if err := c.store.Save(r, false); err != nil {
		return err
	}

	result := <-c.Resync(context.Background(), r)

	return result.Err
}

// EncryptWallet encrypts the wallet's keys in the background, saves it and
// then encrypts every backup that still holds plain keys.
func (c *Controller) EncryptWallet(r *walletstore.Record,
	password []byte) <-chan error {

	return c.runAsync("encrypt wallet", func() error {
		c.status.Status(StatusEncrypting)

		err := r.Mutate(func(w ledger.Wallet, _ *walletinfo.Info) error {
			encrypter, ok := w.(keyEncrypter)
			if !ok {
				return ErrUnsupportedWallet
			}

			return encrypter.EncryptKeys(
				password, c.cfg.ScryptParams(),
			)
		})
		if err != nil {
			return err
		}

		if err := c.store.Save(r, false); err != nil {
			return err
		}
		c.status.Status(StatusEncrypted)

		count, err := c.backups.EncryptUnencryptedBackups(
			r.Path(), password,
		)
		if err != nil {
			return fmt.Errorf("wallet encrypted but old backups "+
				"are not: %w", err)
		}
		c.status.Status(StatusBackupsEncrypted, count)

		return nil
	})
}

// BackupKeys exports the wallet's private keys, encrypted with
// exportPassword, to a new key backup.
func (c *Controller) BackupKeys(r *walletstore.Record, password,
	exportPassword []byte) (string, error) {

	var name string
	err := r.Mutate(func(w ledger.Wallet, info *walletinfo.Info) error {
		exporter, ok := w.(ledger.KeyExporter)
		if !ok {
			return ErrUnsupportedWallet
		}

		keys, err := exporter.ExportKeys(password)
		if err != nil {
			return err
		}

		name, err = c.backups.BackupPrivateKeys(
			r.Path(), info, keys, exportPassword,
		)

		return err
	})
	if err != nil {
		return "", err
	}
	c.status.Status(StatusKeyBackupWritten, name)

	return name, nil
}

// Resync replays the cached pending blocks into the wallet and hands the
// first block that is not cached to the chain for download. A resync in
// flight is superseded: it stops before its next block and this one starts
// once it has. Cancelling ctx supersedes this resync in the same way.
func (c *Controller) Resync(ctx context.Context,
	r *walletstore.Record) <-chan *ResyncResult {

	c.resyncMtx.Lock()
	defer c.resyncMtx.Unlock()

	if c.cancelResync != nil {
		c.cancelResync()
		<-c.resyncDone
	}

	resultChan := make(chan *ResyncResult, 1)
	done := make(chan struct{})

	ctx, cancel := context.WithCancel(ctx)
	c.cancelResync = cancel
	c.resyncDone = done

	// A caller that gave up before the resync started only supersedes it.
	if ctx.Err() != nil {
		close(done)
		cancel()
		c.status.Status(StatusResyncSuperseded, 0)
		resultChan <- &ResyncResult{
			Replay: &blockcache.ReplayResult{Superseded: true},
		}

		return resultChan
	}

	ok := c.gm.Go(ctx, func(ctx context.Context) {
		defer close(done)
		resultChan <- c.resync(ctx, r)
	})
	if !ok {
		close(done)
		cancel()
		resultChan <- &ResyncResult{
			Replay: &blockcache.ReplayResult{Superseded: true},
			Err:    ErrShuttingDown,
		}
	}

	return resultChan
}

// resync runs a single replay.
func (c *Controller) resync(ctx context.Context,
	r *walletstore.Record) *ResyncResult {

	pending := c.chain.PendingBlocks()
	c.status.Status(StatusReplaying, len(pending))

	replay := c.cache.Replay(ctx, pending, c.chain)
	result := &ResyncResult{Replay: replay}

	if replay.Superseded {
		c.status.Status(StatusResyncSuperseded, replay.Replayed)
		return result
	}
	c.status.Status(StatusReplayed, replay.Replayed)

	replay.Resume.WhenSome(func(hash chainhash.Hash) {
		c.status.Status(StatusDownloading, hash.String())
		if err := c.chain.DownloadFrom(hash); err != nil {
			result.Err = fmt.Errorf("unable to download from "+
				"%v: %w", hash, err)
		}
	})
	if result.Err != nil {
		return result
	}

	if err := c.store.Save(r, false); err != nil {
		result.Err = err
	}

	return result
}

// Stop supersedes any resync and waits for the background operations to
// finish.
func (c *Controller) Stop() {
	c.gm.Stop()
	c.status.Status(StatusControllerStopped)
}
