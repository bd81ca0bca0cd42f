package backup

import (
	"sort"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/mendozawallet/mendoza/ledger"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestParseName checks the backup name grammar.
func TestParseName(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		valid bool
		entry Entry
	}{
		{
			name:  "wallet-20240309173000.wallet",
			valid: true,
			entry: Entry{
				Stem: "wallet", Timestamp: "20240309173000",
				Ext: WalletExt,
			},
		},
		{
			name:  "wallet-20240309173000.info",
			valid: true,
			entry: Entry{
				Stem: "wallet", Timestamp: "20240309173000",
				Ext: InfoExt,
			},
		},
		{
			name:  "wallet-20240309173000.wallet.cipher",
			valid: true,
			entry: Entry{
				Stem: "wallet", Timestamp: "20240309173000",
				Ext: WalletExt, Cipher: true,
			},
		},
		{
			name:  "wallet-20240309173000.key",
			valid: true,
			entry: Entry{
				Stem: "wallet", Timestamp: "20240309173000",
				Ext: KeyExt,
			},
		},
		{name: "wallet.wallet"},
		{name: "wallet-2024030917300.wallet"},
		{name: "wallet-202403091730000.wallet"},
		{name: "wallet-2024030917300a.wallet"},
		{name: "wallet-20241309173000.wallet"},
		{name: "wallet-20240309173000.wallet.bak"},
		{name: "wallet-20240309173000.txt"},
		{name: "wallet-20240309173000-1.wallet"},
		{name: "other-20240309173000.wallet"},
		{name: "wallet-x-20240309173000.wallet"},
		{name: "wallet-20240309173000.cipher"},
	}

	for _, tc := range testCases {
		entry, ok := ParseName("wallet", tc.name)
		require.Equal(t, tc.valid, ok, tc.name)
		if tc.valid {
			require.Equal(t, tc.entry, entry)
			require.Equal(t, tc.name, entry.Name())
		}
	}
}

// TestChronologicalNamingProperty checks that backup names sort in the order
// they were issued, whatever the clock does in between.
func TestChronologicalNamingProperty(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		testClock := clock.NewTestClock(testTime)
		m := NewManager(&Config{
			Clock: testClock,
		})
		walletFile := "w.wallet"

		steps := rapid.SliceOfN(
			rapid.IntRange(-5, 5), 1, 30,
		).Draw(t, "steps")

		var names []string
		for _, step := range steps {
			testClock.SetTime(
				testClock.Now().Add(
					time.Duration(step) * time.Second,
				),
			)

			m.mu.Lock()
			ts := m.stamp(false)
			m.mu.Unlock()

			stem, ext := splitName(walletFile)
			names = append(names, Entry{
				Stem:      stem,
				Timestamp: ts.Format(TimestampLayout),
				Ext:       ext,
			}.Name())
		}

		require.True(t, sort.StringsAreSorted(names))
		for i := 1; i < len(names); i++ {
			require.NotEqual(t, names[i-1], names[i])
		}
	})
}

// TestCategoryFor checks the category a format is backed up under.
func TestCategoryFor(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		format ledger.Format
		dir    string
		name   string
	}{
		{
			format: ledger.FormatPlainContainer,
			dir:    "wallet-unenc-backup",
			name:   "wallet-backup-unencrypted",
		},
		{
			format: ledger.FormatEncryptedContainer,
			dir:    "wallet-backup",
			name:   "wallet-backup-encrypted",
		},
		{
			format: ledger.FormatLegacySerialized,
			dir:    "wallet-backup",
			name:   "wallet-backup-encrypted",
		},
	}

	for _, tc := range testCases {
		c := CategoryFor(tc.format)
		require.Equal(t, tc.dir, c.Dir())
		require.Equal(t, tc.name, c.String())
	}
}
