package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mendozawallet/mendoza/ledger"
	"github.com/mendozawallet/mendoza/walletinfo"
)

const (
	// WalletExt is the extension of wallet files.
	WalletExt = ".wallet"

	// InfoExt is the extension of wallet metadata files.
	InfoExt = walletinfo.Ext

	// KeyExt is the extension of private key exports.
	KeyExt = ".key"

	// CipherExt is appended to a backup once it has been file level
	// encrypted.
	CipherExt = ".cipher"

	// DataDirSuffix is appended to a wallet's stem to name the directory
	// holding its backups.
	DataDirSuffix = "-data"

	// TimestampLayout is the layout of the timestamp embedded in backup
	// names. It sorts lexically in chronological order.
	TimestampLayout = "20060102150405"

	// timestampLen is the fixed width of a formatted timestamp.
	timestampLen = len(TimestampLayout)

	// separator joins a stem and a timestamp.
	separator = "-"

	dirPerm = 0700
)

// Category is the purpose a backup was taken for. Every category is kept in
// its own directory below the wallet's data directory.
type Category uint8

const (
	// CategoryKey holds exported private keys.
	CategoryKey Category = iota

	// CategoryRolling holds copies of the live wallet taken before it is
	// replaced.
	CategoryRolling

	// CategoryWalletEncrypted holds wallet and metadata backups of wallets
	// whose keys are protected.
	CategoryWalletEncrypted

	// CategoryWalletUnencrypted holds wallet and metadata backups of
	// plain wallets.
	CategoryWalletUnencrypted
)

// String returns the name of the category.
func (c Category) String() string {
	switch c {
	case CategoryKey:
		return "key-backup"
	case CategoryRolling:
		return "rolling-backup"
	case CategoryWalletEncrypted:
		return "wallet-backup-encrypted"
	case CategoryWalletUnencrypted:
		return "wallet-backup-unencrypted"
	default:
		return fmt.Sprintf("Category(%d)", uint8(c))
	}
}

// Dir returns the name of the directory the category is stored in.
func (c Category) Dir() string {
	switch c {
	case CategoryKey:
		return "key-backup"
	case CategoryRolling:
		return "rolling-backup"
	case CategoryWalletEncrypted:
		return "wallet-backup"
	default:
		return "wallet-unenc-backup"
	}
}

// CategoryFor returns the category a wallet in format is backed up under.
func CategoryFor(format ledger.Format) Category {
	if format == ledger.FormatPlainContainer {
		return CategoryWalletUnencrypted
	}

	return CategoryWalletEncrypted
}

// splitName returns the stem and the extension of a file name.
func splitName(file string) (string, string) {
	base := filepath.Base(file)
	ext := filepath.Ext(base)

	return strings.TrimSuffix(base, ext), ext
}

// DataDir returns the directory that holds every backup of walletFile.
func DataDir(walletFile string) string {
	stem, _ := splitName(walletFile)
	return filepath.Join(filepath.Dir(walletFile), stem+DataDirSuffix)
}

// CategoryDir returns the directory holding backups of walletFile in c.
func CategoryDir(walletFile string, c Category) string {
	return filepath.Join(DataDir(walletFile), c.Dir())
}

// InfoFile returns the metadata file belonging to walletFile.
func InfoFile(walletFile string) string {
	stem, _ := splitName(walletFile)
	return filepath.Join(filepath.Dir(walletFile), stem+InfoExt)
}

// Entry is a parsed backup file name.
type Entry struct {
	// Stem is the wallet stem the backup belongs to.
	Stem string

	// Timestamp is the fixed width timestamp of the backup.
	Timestamp string

	// Ext is one of WalletExt, InfoExt or KeyExt.
	Ext string

	// Cipher is set when the name carries CipherExt.
	Cipher bool
}

// Name formats the entry as a file name.
func (e Entry) Name() string {
	name := e.Stem + separator + e.Timestamp + e.Ext
	if e.Cipher {
		name += CipherExt
	}

	return name
}

// Time returns the entry's timestamp.
func (e Entry) Time() (time.Time, error) {
	return time.Parse(TimestampLayout, e.Timestamp)
}

// ParseName parses name as a backup of a wallet with the given stem:
//
//	stem "-" 14*DIGIT (".wallet" | ".info" | ".key") [".cipher"]
//
// The total length must match exactly, so names that merely contain a
// timestamp-like run are rejected.
func ParseName(stem, name string) (Entry, bool) {
	entry := Entry{Stem: stem}

	rest, ok := strings.CutPrefix(name, stem+separator)
	if !ok || len(rest) < timestampLen {
		return entry, false
	}

	entry.Timestamp = rest[:timestampLen]
	for _, c := range []byte(entry.Timestamp) {
		if c < '0' || c > '9' {
			return entry, false
		}
	}

	suffix := rest[timestampLen:]
	if s, ok := strings.CutSuffix(suffix, CipherExt); ok {
		entry.Cipher = true
		suffix = s
	}

	switch suffix {
	case WalletExt, InfoExt, KeyExt:
		entry.Ext = suffix
	default:
		return entry, false
	}

	if len(name) != len(entry.Name()) {
		return entry, false
	}
	if _, err := entry.Time(); err != nil {
		return entry, false
	}

	return entry, true
}

// listEntries returns the parsed backups of stem found in dir. A missing
// directory yields no entries.
func listEntries(dir, stem string) ([]Entry, error) {
	files, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var entries []Entry
	for _, f := range files {
		if !f.Type().IsRegular() {
			continue
		}
		if e, ok := ParseName(stem, f.Name()); ok {
			entries = append(entries, e)
		}
	}

	return entries, nil
}
