package backup

import (
	"path/filepath"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/mendozawallet/mendoza/fileutil"
	"github.com/mendozawallet/mendoza/walletinfo"
)

// CalculateBestBackups returns the backups walletFile should be recovered
// from, best first. Callers try them in order until one loads.
//
// The rolling candidate is the rolling backup recorded in info if that file
// still exists, otherwise the newest file in the rolling backups. The
// categorised candidate is the newest wallet backup across the encrypted and
// unencrypted categories, where the encrypted copy wins a name tie. If both
// exist the rolling candidate comes first only if its name is strictly
// greater. Names sort chronologically, so this is newest first.
func (m *Manager) CalculateBestBackups(walletFile string,
	info *walletinfo.Info) ([]string, error) {

	rolling, err := bestRolling(walletFile, info)
	if err != nil {
		return nil, err
	}
	categorised, err := bestCategorised(walletFile)
	if err != nil {
		return nil, err
	}

	var candidates []string
	switch {
	case rolling.IsSome() && categorised.IsSome():
		a := rolling.UnsafeFromSome()
		b := categorised.UnsafeFromSome()
		if filepath.Base(a) > filepath.Base(b) {
			candidates = []string{a, b}
		} else {
			candidates = []string{b, a}
		}

	case rolling.IsSome():
		candidates = []string{rolling.UnsafeFromSome()}

	case categorised.IsSome():
		candidates = []string{categorised.UnsafeFromSome()}
	}

	log.Debugf("Best backups of %v: %v", walletFile, candidates)

	return candidates, nil
}

// bestRolling returns the rolling recovery candidate.
func bestRolling(walletFile string,
	info *walletinfo.Info) (fn.Option[string], error) {

	if info != nil {
		recorded := info.RollingBackup()
		if recorded != "" && fileutil.FileExists(recorded) {
			return fn.Some(recorded), nil
		}
	}

	dir := CategoryDir(walletFile, CategoryRolling)
	name, err := newestWallet(dir, walletFile)
	if err != nil {
		return fn.None[string](), err
	}

	return fn.MapOption(func(n string) string {
		return filepath.Join(dir, n)
	})(name), nil
}

// bestCategorised returns the categorised recovery candidate.
func bestCategorised(walletFile string) (fn.Option[string], error) {
	encDir := CategoryDir(walletFile, CategoryWalletEncrypted)
	enc, err := newestWallet(encDir, walletFile)
	if err != nil {
		return fn.None[string](), err
	}

	unencDir := CategoryDir(walletFile, CategoryWalletUnencrypted)
	unenc, err := newestWallet(unencDir, walletFile)
	if err != nil {
		return fn.None[string](), err
	}

	switch {
	case enc.IsSome() && unenc.IsSome():
		e, u := enc.UnsafeFromSome(), unenc.UnsafeFromSome()
		if u > e {
			return fn.Some(filepath.Join(unencDir, u)), nil
		}

		return fn.Some(filepath.Join(encDir, e)), nil

	case enc.IsSome():
		return fn.Some(filepath.Join(encDir, enc.UnsafeFromSome())), nil

	case unenc.IsSome():
		return fn.Some(
			filepath.Join(unencDir, unenc.UnsafeFromSome()),
		), nil
	}

	return fn.None[string](), nil
}

// newestWallet returns the greatest wallet backup name of walletFile in dir.
// File level encrypted backups are skipped since they cannot be loaded
// directly.
func newestWallet(dir, walletFile string) (fn.Option[string], error) {
	stem, _ := splitName(walletFile)
	entries, err := listEntries(dir, stem)
	if err != nil {
		return fn.None[string](), err
	}

	newest := fn.None[string]()
	for _, e := range entries {
		if e.Ext != WalletExt || e.Cipher {
			continue
		}
		if name := e.Name(); name > newest.UnwrapOr("") {
			newest = fn.Some(name)
		}
	}

	return newest, nil
}
