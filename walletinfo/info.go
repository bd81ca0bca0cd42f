// Package walletinfo reads and writes the metadata sidecar that accompanies
// every wallet file: its format tag, the address book and a set of
// properties, among them the backup bookkeeping used during recovery.
package walletinfo

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/mendozawallet/mendoza/ledger"
)

const (
	// Ext is the extension of a metadata file.
	Ext = ".info"

	// headerTag and headerVersion form the first line of every file.
	headerTag     = "mendoza.info"
	headerVersion = "1"

	rowReceive  = "receive"
	rowSend     = "send"
	rowProperty = "property"
)

// Property names understood by the persistence core.
const (
	PropFormat        = "walletFormat"
	PropDescription   = "walletDescription"
	PropRollingBackup = "lastRollingBackup"
	PropWalletBackup  = "lastWalletBackup"
	PropInfoBackup    = "lastInfoBackup"
	PropKeyBackup     = "lastKeyBackup"
)

// ErrMalformedInfo is returned when a metadata file cannot be decoded.
var ErrMalformedInfo = errors.New("malformed wallet info file")

// AddressBookEntry is a labelled address.
type AddressBookEntry struct {
	Address string
	Label   string
}

// Info is the in-memory metadata of a wallet. It is not safe for concurrent
// use; the wallet record that owns it serialises access.
type Info struct {
	// Format is the encoding of the wallet file.
	Format ledger.Format

	// Receiving are the wallet's own labelled addresses.
	Receiving []AddressBookEntry

	// Sending are the labelled addresses the user pays to.
	Sending []AddressBookEntry

	props map[string]string

	// extra holds rows of unknown kinds, written back unchanged.
	extra [][]string
}

// New returns empty metadata for a wallet in format.
func New(format ledger.Format) *Info {
	return &Info{
		Format: format,
		props:  make(map[string]string),
	}
}

// Clone returns a deep copy of the metadata.
func (i *Info) Clone() *Info {
	c := &Info{
		Format:    i.Format,
		Receiving: append([]AddressBookEntry(nil), i.Receiving...),
		Sending:   append([]AddressBookEntry(nil), i.Sending...),
		props:     make(map[string]string, len(i.props)),
	}
	for k, v := range i.props {
		c.props[k] = v
	}
	for _, row := range i.extra {
		c.extra = append(c.extra, append([]string(nil), row...))
	}

	return c
}

// Property returns the value of a property, or "" if unset.
func (i *Info) Property(key string) string {
	return i.props[key]
}

// SetProperty sets a property. An empty value removes it.
func (i *Info) SetProperty(key, value string) {
	if value == "" {
		delete(i.props, key)
		return
	}

	i.props[key] = value
}

// RollingBackup returns the path of the most recent rolling backup.
func (i *Info) RollingBackup() string {
	return i.Property(PropRollingBackup)
}

// SetRollingBackup records the path of the most recent rolling backup.
func (i *Info) SetRollingBackup(path string) {
	i.SetProperty(PropRollingBackup, path)
}

// Description returns the user's description of the wallet.
func (i *Info) Description() string {
	return i.Property(PropDescription)
}

// SetReceivingLabel adds or relabels one of the wallet's own addresses.
func (i *Info) SetReceivingLabel(address, label string) {
	i.Receiving = setLabel(i.Receiving, address, label)
}

// SetSendingLabel adds or relabels an address the user pays to.
func (i *Info) SetSendingLabel(address, label string) {
	i.Sending = setLabel(i.Sending, address, label)
}

// RemoveSending deletes an address from the sending address book and
// reports whether it was present.
func (i *Info) RemoveSending(address string) bool {
	for n, e := range i.Sending {
		if e.Address == address {
			i.Sending = append(i.Sending[:n], i.Sending[n+1:]...)
			return true
		}
	}

	return false
}

func setLabel(book []AddressBookEntry, address,
	label string) []AddressBookEntry {

	for n := range book {
		if book[n].Address == address {
			book[n].Label = label
			return book
		}
	}

	return append(book, AddressBookEntry{Address: address, Label: label})
}

// Encode writes the metadata in its CSV based file format.
func (i *Info) Encode(w io.Writer) error {
	cw := csv.NewWriter(w)

	rows := [][]string{{headerTag, headerVersion}}
	for _, e := range i.Receiving {
		rows = append(rows, []string{rowReceive, e.Address, e.Label})
	}
	for _, e := range i.Sending {
		rows = append(rows, []string{rowSend, e.Address, e.Label})
	}

	props := make(map[string]string, len(i.props)+1)
	for k, v := range i.props {
		props[k] = v
	}
	props[PropFormat] = i.Format.String()

	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		rows = append(rows, []string{rowProperty, k, props[k]})
	}

	rows = append(rows, i.extra...)

	if err := cw.WriteAll(rows); err != nil {
		return fmt.Errorf("unable to write wallet info: %w", err)
	}

	return nil
}

// Decode reads metadata written by Encode.
func Decode(r io.Reader) (*Info, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInfo, err)
	}

	if len(rows) == 0 || len(rows[0]) != 2 || rows[0][0] != headerTag {
		return nil, fmt.Errorf("%w: missing header", ErrMalformedInfo)
	}
	if rows[0][1] != headerVersion {
		return nil, fmt.Errorf("%w: unsupported version %q",
			ErrMalformedInfo, rows[0][1])
	}

	info := New(ledger.FormatUnknown)
	for n, row := range rows[1:] {
		switch row[0] {
		case rowReceive, rowSend, rowProperty:
			if len(row) != 3 {
				return nil, fmt.Errorf("%w: line %d has %d "+
					"fields", ErrMalformedInfo, n+2,
					len(row))
			}

		default:
			info.extra = append(info.extra, row)
			continue
		}

		switch row[0] {
		case rowReceive:
			info.SetReceivingLabel(row[1], row[2])

		case rowSend:
			info.SetSendingLabel(row[1], row[2])

		case rowProperty:
			info.SetProperty(row[1], row[2])
		}
	}

	if value := info.Property(PropFormat); value != "" {
		info.Format, err = ledger.ParseFormat(value)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedInfo, err)
		}
		delete(info.props, PropFormat)
	}

	return info, nil
}
