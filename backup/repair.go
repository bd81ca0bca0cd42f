package backup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/mendozawallet/mendoza/ledger"
)

// MoveSiblingBackups moves loose backups of walletFile that sit next to it
// into their category directories. Wallet backups go to the encrypted or
// unencrypted category depending on their contents, metadata backups follow
// the wallet backup with the same timestamp and key exports go to the key
// backups. Nothing is overwritten: a file whose destination exists stays
// where it is. It returns the number of files moved.
func (m *Manager) MoveSiblingBackups(walletFile string) (int, error) {
	dir := filepath.Dir(walletFile)
	stem, _ := splitName(walletFile)

	entries, err := listEntries(dir, stem)
	if err != nil {
		return 0, err
	}

	// Wallets first so that metadata can follow them.
	walletCategory := make(map[string]Category)
	var moved int
	for _, e := range entries {
		if e.Ext != WalletExt {
			continue
		}

		c, err := probeCategory(filepath.Join(dir, e.Name()), e)
		if err != nil {
			return moved, err
		}
		walletCategory[e.Timestamp] = c

		ok, err := moveInto(walletFile, e, c)
		if err != nil {
			return moved, err
		}
		if ok {
			moved++
		}
	}

	for _, e := range entries {
		var c Category
		switch e.Ext {
		case InfoExt:
			var ok bool
			c, ok = walletCategory[e.Timestamp]
			if !ok {
				c = CategoryWalletUnencrypted
			}

		case KeyExt:
			c = CategoryKey

		default:
			continue
		}

		ok, err := moveInto(walletFile, e, c)
		if err != nil {
			return moved, err
		}
		if ok {
			moved++
		}
	}

	if moved > 0 {
		log.Infof("Moved %d loose backups of %v into %v", moved,
			walletFile, DataDir(walletFile))
	}

	return moved, nil
}

// probeCategory decides where a loose wallet backup belongs.
func probeCategory(name string, e Entry) (Category, error) {
	if e.Cipher {
		return CategoryWalletEncrypted, nil
	}

	data, err := os.ReadFile(name)
	if err != nil {
		return 0, fmt.Errorf("unable to read %v: %w", name, err)
	}
	encrypted := ledger.ProbeEncrypted(data)
	wipe(data)

	if encrypted {
		return CategoryWalletEncrypted, nil
	}

	return CategoryWalletUnencrypted, nil
}

// moveInto moves the loose entry next to walletFile into category c without
// overwriting. It reports whether the file was moved.
func moveInto(walletFile string, e Entry, c Category) (bool, error) {
	dir := CategoryDir(walletFile, c)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return false, err
	}

	src := filepath.Join(filepath.Dir(walletFile), e.Name())
	dst := filepath.Join(dir, e.Name())

	// A hard link fails if dst exists, which a rename would not.
	err := os.Link(src, dst)
	switch {
	case errors.Is(err, fs.ErrExist):
		log.Warnf("Leaving %v in place: %v already exists", src, dst)
		return false, nil

	case err != nil:
		return false, fmt.Errorf("unable to move %v: %w", src, err)
	}

	if err := os.Remove(src); err != nil {
		return false, err
	}

	log.Debugf("Moved %v to %v", src, dst)

	return true, nil
}
