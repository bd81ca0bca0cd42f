package walletstore

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyOpen is returned when a wallet path is loaded twice into
	// the same store.
	ErrAlreadyOpen = errors.New("wallet is already open")

	// ErrNotWritable is returned when a wallet or its metadata cannot be
	// written by this process.
	ErrNotWritable = errors.New("file is not writable")

	// ErrUnsupportedFormat is returned for wallets in a format that can be
	// read but not written, or not read at all.
	ErrUnsupportedFormat = errors.New("unsupported wallet format")

	// ErrDeleted is returned for operations on a deleted record.
	ErrDeleted = errors.New("wallet has been deleted")

	// ErrWalletExists is returned when creating a wallet over an existing
	// file.
	ErrWalletExists = errors.New("wallet file already exists")
)

// LoadError is returned when a wallet or its metadata cannot be loaded.
type LoadError struct {
	Path string
	Err  error
}

// Error implements the error interface.
func (e *LoadError) Error() string {
	return fmt.Sprintf("unable to load wallet %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying cause.
func (e *LoadError) Unwrap() error {
	return e.Err
}

// SaveError is returned when a wallet cannot be persisted, either live or
// to a backup.
type SaveError struct {
	Path string
	Err  error
}

// Error implements the error interface.
func (e *SaveError) Error() string {
	return fmt.Sprintf("unable to save wallet %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying cause.
func (e *SaveError) Unwrap() error {
	return e.Err
}

// DeleteError is returned when a wallet cannot be deleted. Path names the
// file that could not be checked or erased.
type DeleteError struct {
	Path string
	Err  error
}

// Error implements the error interface.
func (e *DeleteError) Error() string {
	return fmt.Sprintf("unable to delete %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying cause.
func (e *DeleteError) Unwrap() error {
	return e.Err
}
