package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/mendozawallet/mendoza"
	"github.com/mendozawallet/mendoza/build"
	"github.com/mendozawallet/mendoza/fileutil"
	"github.com/mendozawallet/mendoza/ledger"
	"github.com/mendozawallet/mendoza/walletinfo"
	"github.com/mendozawallet/mendoza/walletstore"
	"github.com/urfave/cli"
)

// walletResponse is the summary printed for a wallet.
type walletResponse struct {
	Path               string   `json:"path"`
	Format             string   `json:"format"`
	Description        string   `json:"description,omitempty"`
	NumKeys            int      `json:"num_keys"`
	ChainTip           string   `json:"chain_tip,omitempty"`
	Height             int32    `json:"height"`
	ExternallyModified bool     `json:"externally_modified"`
	LastRollingBackup  string   `json:"last_rolling_backup,omitempty"`
	BestBackups        []string `json:"best_backups"`
}

func (s *session) commands() []cli.Command {
	return []cli.Command{
		{
			Name:   "create",
			Usage:  "Create a new wallet holding one fresh key.",
			Action: s.create,
			Flags: []cli.Flag{
				cli.BoolFlag{
					Name:  "encrypt",
					Usage: "encrypt the new wallet's keys",
				},
			},
		},
		{
			Name:   "info",
			Usage:  "Show the wallet and its best backups.",
			Action: s.info,
		},
		{
			Name:      "describe",
			Usage:     "Set the wallet description and save it.",
			ArgsUsage: "description",
			Action:    s.describe,
			Flags: []cli.Flag{
				cli.BoolFlag{
					Name: "force",
					Usage: "overwrite the live files even " +
						"if another process changed them",
				},
			},
		},
		{
			Name:   "backup",
			Usage:  "Write the wallet to a new backup pair.",
			Action: s.backup,
		},
		{
			Name:   "repair",
			Usage:  "File loose backups next to the wallet.",
			Action: s.repair,
		},
		{
			Name:   "encrypt",
			Usage:  "Encrypt the wallet's keys and its plain backups.",
			Action: s.encrypt,
		},
		{
			Name:      "importkeys",
			Usage:     "Import private keys and replay cached blocks.",
			ArgsUsage: "wif [wif...]",
			Action:    s.importKeys,
			Flags: []cli.Flag{
				cli.StringSliceFlag{
					Name: "pending",
					Usage: "hash of a block still to be " +
						"connected, newest first",
				},
			},
		},
		{
			Name:   "resettx",
			Usage:  "Forget all transactions and replay cached blocks.",
			Action: s.resetTransactions,
			Flags: []cli.Flag{
				cli.StringSliceFlag{
					Name: "pending",
					Usage: "hash of a block still to be " +
						"connected, newest first",
				},
			},
		},
		{
			Name:      "replay",
			Usage:     "Connect cached blocks to the wallet.",
			ArgsUsage: "hash [hash...]",
			Description: "Blocks are given newest first. Replay " +
				"stops at the first block that is not cached.",
			Action: s.replay,
		},
		{
			Name:   "exportkeys",
			Usage:  "Write an encrypted backup of the private keys.",
			Action: s.exportKeys,
		},
		{
			Name:      "encryptfile",
			Usage:     "Encrypt a file with a password.",
			ArgsUsage: "source destination",
			Action:    s.encryptFile,
		},
		{
			Name:      "decryptfile",
			Usage:     "Decrypt a file encrypted with encryptfile.",
			ArgsUsage: "source destination",
			Action:    s.decryptFile,
		},
		{
			Name:   "delete",
			Usage:  "Securely erase the wallet and its metadata.",
			Action: s.delete,
			Flags: []cli.Flag{
				cli.BoolFlag{
					Name:  "yes",
					Usage: "confirm the deletion",
				},
			},
		},
		{
			Name:   "version",
			Usage:  "Display mendoza's version info.",
			Action: s.version,
		},
	}
}

// open creates a controller and opens the configured wallet.
func (s *session) open(pending []chainhash.Hash) (*mendoza.Controller,
	*walletstore.Record, error) {

	chain := &offlineChain{pending: pending}
	ctrl, err := mendoza.NewController(s.cfg, &mendoza.Deps{
		Chain:  chain,
		Status: statusPrinter{},
	})
	if err != nil {
		return nil, nil, err
	}

	r, err := ctrl.OpenWallet()
	if err != nil {
		ctrl.Stop()
		return nil, nil, err
	}
	chain.record = r

	return ctrl, r, nil
}

func parseHashes(args []string) ([]chainhash.Hash, error) {
	hashes := make([]chainhash.Hash, 0, len(args))
	for _, arg := range args {
		hash, err := chainhash.NewHashFromStr(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid block hash %v: %w",
				arg, err)
		}
		hashes = append(hashes, *hash)
	}

	return hashes, nil
}

func (s *session) create(ctx *cli.Context) error {
	ctrl, err := mendoza.NewController(s.cfg, &mendoza.Deps{
		Chain:  &offlineChain{},
		Status: statusPrinter{},
	})
	if err != nil {
		return err
	}
	defer ctrl.Stop()

	w := ledger.NewKeyWallet(s.cfg.ActiveNetParams)
	if _, err := w.GenerateKey(nil); err != nil {
		return err
	}

	r, err := ctrl.CreateWallet(w)
	if err != nil {
		return err
	}

	if ctx.Bool("encrypt") {
		password, err := s.walletPassword()
		if err != nil {
			return err
		}
		err = s.wait(ctrl, ctrl.EncryptWallet(r, password))
		if err != nil {
			return err
		}
	}

	printJSON(summarize(ctrl, r))

	return nil
}

// summarize describes r.
func summarize(ctrl *mendoza.Controller,
	r *walletstore.Record) *walletResponse {

	resp := &walletResponse{
		Path:               r.Path(),
		Format:             r.Format().String(),
		ExternallyModified: r.ExternallyModified(),
	}

	var info *walletinfo.Info
	r.View(func(w ledger.Wallet, i *walletinfo.Info) {
		info = i.Clone()
		resp.LastRollingBackup = i.RollingBackup()

		kw, ok := w.(*ledger.KeyWallet)
		if !ok {
			return
		}
		resp.Description = kw.Description()
		resp.NumKeys = kw.NumKeys()

		tip, height := kw.ChainTip()
		resp.Height = height
		if height >= 0 {
			resp.ChainTip = tip.String()
		}
	})

	best, err := ctrl.Backups().CalculateBestBackups(r.Path(), info)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to list backups: %v\n", err)
	}
	resp.BestBackups = best

	return resp
}

func (s *session) info(_ *cli.Context) error {
	ctrl, r, err := s.open(nil)
	if err != nil {
		return err
	}
	defer ctrl.Stop()

	printJSON(summarize(ctrl, r))

	return nil
}

func (s *session) describe(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "describe")
	}

	ctrl, r, err := s.open(nil)
	if err != nil {
		return err
	}
	defer ctrl.Stop()

	changed, err := ctrl.Store().HaveFilesChanged(r)
	if err != nil {
		return err
	}
	if changed {
		fmt.Println("Wallet files changed on disk since they were read")
	}

	err = r.Mutate(func(w ledger.Wallet, _ *walletinfo.Info) error {
		kw, ok := w.(*ledger.KeyWallet)
		if !ok {
			return mendoza.ErrUnsupportedWallet
		}
		kw.SetDescription(ctx.Args().First())

		return nil
	})
	if err != nil {
		return err
	}

	if err := ctrl.Store().Save(r, ctx.Bool("force")); err != nil {
		return err
	}

	printJSON(summarize(ctrl, r))

	return nil
}

func (s *session) backup(_ *cli.Context) error {
	ctrl, r, err := s.open(nil)
	if err != nil {
		return err
	}
	defer ctrl.Stop()

	pair, err := ctrl.Store().Backup(r)
	if err != nil {
		return err
	}

	printJSON(pair)

	return nil
}

func (s *session) repair(_ *cli.Context) error {
	backups := mendoza.NewBackupManager(s.cfg, nil)

	moved, err := backups.MoveSiblingBackups(s.cfg.WalletFile)
	if err != nil {
		return err
	}

	fmt.Printf("Moved %d backups\n", moved)

	return nil
}

func (s *session) encrypt(_ *cli.Context) error {
	ctrl, r, err := s.open(nil)
	if err != nil {
		return err
	}
	defer ctrl.Stop()

	password, err := s.walletPassword()
	if err != nil {
		return err
	}

	return s.wait(ctrl, ctrl.EncryptWallet(r, password))
}

func (s *session) importKeys(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return cli.ShowCommandHelp(ctx, "importkeys")
	}

	keys := make([]*btcec.PrivateKey, 0, ctx.NArg())
	for _, arg := range ctx.Args() {
		wif, err := btcutil.DecodeWIF(arg)
		if err != nil {
			return fmt.Errorf("invalid key: %w", err)
		}
		if !wif.IsForNet(s.cfg.ActiveNetParams) {
			return fmt.Errorf("key is not for %v",
				s.cfg.ActiveNetParams.Name)
		}
		keys = append(keys, wif.PrivKey)
	}

	pending, err := parseHashes(ctx.StringSlice("pending"))
	if err != nil {
		return err
	}

	ctrl, r, err := s.open(pending)
	if err != nil {
		return err
	}
	defer ctrl.Stop()

	var password []byte
	if r.Format() == ledger.FormatEncryptedContainer {
		password, err = s.walletPassword()
		if err != nil {
			return err
		}
	}

	return s.wait(
		ctrl, ctrl.ImportKeys(r, keys, time.Now(), password),
	)
}

func (s *session) resetTransactions(ctx *cli.Context) error {
	pending, err := parseHashes(ctx.StringSlice("pending"))
	if err != nil {
		return err
	}

	ctrl, r, err := s.open(pending)
	if err != nil {
		return err
	}
	defer ctrl.Stop()

	return s.wait(ctrl, ctrl.ResetTransactions(r))
}

func (s *session) replay(ctx *cli.Context) error {
	pending, err := parseHashes(ctx.Args())
	if err != nil {
		return err
	}

	ctrl, r, err := s.open(pending)
	if err != nil {
		return err
	}
	defer ctrl.Stop()

	result := <-ctrl.Resync(s.interceptor.Context(), r)
	if result.Err != nil {
		return result.Err
	}

	fmt.Printf("Replayed %d blocks\n", result.Replay.Replayed)

	return nil
}

func (s *session) exportKeys(_ *cli.Context) error {
	ctrl, r, err := s.open(nil)
	if err != nil {
		return err
	}
	defer ctrl.Stop()

	var password []byte
	if r.Format() == ledger.FormatEncryptedContainer {
		password, err = s.walletPassword()
		if err != nil {
			return err
		}
	}

	exportPassword, err := s.exportPassword()
	if err != nil {
		return err
	}

	name, err := ctrl.BackupKeys(r, password, exportPassword)
	if err != nil {
		return err
	}

	// The key backup's name is recorded in the metadata.
	if err := ctrl.Store().Save(r, false); err != nil {
		return err
	}

	fmt.Printf("Keys written to %v\n", name)

	return nil
}

func (s *session) encryptFile(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return cli.ShowCommandHelp(ctx, "encryptfile")
	}

	password, err := s.exportPassword()
	if err != nil {
		return err
	}

	backups := mendoza.NewBackupManager(s.cfg, nil)

	return backups.FileLevelEncrypt(
		ctx.Args().Get(0), ctx.Args().Get(1), password,
	)
}

func (s *session) decryptFile(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return cli.ShowCommandHelp(ctx, "decryptfile")
	}

	password, err := s.exportPassword()
	if err != nil {
		return err
	}

	backups := mendoza.NewBackupManager(s.cfg, nil)
	plaintext, err := backups.FileLevelDecrypt(ctx.Args().Get(0), password)
	if err != nil {
		return err
	}

	return fileutil.CreateExclusive(ctx.Args().Get(1), 0600,
		func(w io.Writer) error {
			_, err := w.Write(plaintext)
			return err
		},
	)
}

func (s *session) delete(ctx *cli.Context) error {
	if !ctx.Bool("yes") {
		return fmt.Errorf("refusing to delete %v without --yes",
			s.cfg.WalletFile)
	}

	ctrl, r, err := s.open(nil)
	if err != nil {
		return err
	}
	defer ctrl.Stop()

	return ctrl.Store().DeleteWalletAndInfo(r)
}

func (s *session) version(_ *cli.Context) error {
	fmt.Printf("mendoza version %v commit=%v build=%v\n",
		build.Version(), build.Commit, build.Deployment)

	return nil
}
