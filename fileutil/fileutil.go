// Package fileutil contains the small set of file primitives the wallet
// persistence layer is built on: atomic swaps, synced exclusive creation,
// copies and secure erasure.
package fileutil

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	// eraseChunkSize is the size of the buffer used when overwriting a
	// file's contents during secure erasure.
	eraseChunkSize = 64 * 1024

	// tempSuffix is appended to a file name to build the staging file used
	// by AtomicWrite.
	tempSuffix = ".tmp-swap"
)

// ErrNotRegular is returned when an operation expects a regular file.
var ErrNotRegular = errors.New("not a regular file")

// FileExists reports whether the named file or directory exists.
func FileExists(name string) bool {
	if _, err := os.Stat(name); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}

	return true
}

// CreateExclusive synchronously writes the output of write into a new file
// called name. It fails with an error matching fs.ErrExist if the file is
// already present, so an existing file is never overwritten. A partially
// written file is removed again.
func CreateExclusive(name string, perm os.FileMode,
	write func(io.Writer) error) error {

	f, err := os.OpenFile(
		name, os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_SYNC, perm,
	)
	if err != nil {
		return err
	}

	err = write(f)
	if err1 := f.Close(); err1 != nil && err == nil {
		err = err1
	}
	if err != nil {
		_ = os.Remove(name)
	}

	return err
}

// AtomicWrite stages the output of write in a temporary file next to name and
// then renames it over name. Readers observe either the old or the new
// contents, never a partially written file.
func AtomicWrite(name string, perm os.FileMode,
	write func(io.Writer) error) error {

	tempName := name + tempSuffix

	// A stale staging file from an interrupted swap is removed first.
	if FileExists(tempName) {
		if err := os.Remove(tempName); err != nil {
			return fmt.Errorf("unable to remove stale temp file: "+
				"%w", err)
		}
	}

	tempFile, err := os.OpenFile(
		tempName, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm,
	)
	if err != nil {
		return fmt.Errorf("unable to create temp file: %w", err)
	}
	defer os.Remove(tempName)

	if err := write(tempFile); err != nil {
		_ = tempFile.Close()
		return err
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("unable to sync temp file: %w", err)
	}

	// Some OSes refuse to rename a file that is still open.
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("unable to close temp file: %w", err)
	}

	return os.Rename(tempName, name)
}

// CopyFile copies src into a newly created dst. When exclusive is set the copy
// fails if dst already exists.
func CopyFile(src, dst string, exclusive bool) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("unable to open %v: %w", src, err)
	}
	defer in.Close()

	write := func(w io.Writer) error {
		_, err := io.Copy(w, in)
		return err
	}

	if exclusive {
		return CreateExclusive(dst, 0600, write)
	}

	return AtomicWrite(dst, 0600, write)
}

// CheckWritable returns nil if name is an existing regular file that the
// current process may open for writing.
func CheckWritable(name string) error {
	info, err := os.Stat(name)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%v: %w", name, ErrNotRegular)
	}

	f, err := os.OpenFile(name, os.O_WRONLY, 0)
	if err != nil {
		return err
	}

	return f.Close()
}

// SecureErase overwrites the contents of name in place with random bytes,
// flushes them to disk, renames the file to a random name and finally removes
// it. The overwrite happens on the file's own inode so the previous contents
// are gone even for other links to it.
func SecureErase(name string) error {
	info, err := os.Stat(name)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%v: %w", name, ErrNotRegular)
	}

	f, err := os.OpenFile(name, os.O_WRONLY, 0)
	if err != nil {
		return err
	}

	if err := overwrite(f, info.Size()); err != nil {
		_ = f.Close()
		return fmt.Errorf("unable to overwrite %v: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	// Hide the original name before unlinking.
	var nameBytes [8]byte
	if _, err := rand.Read(nameBytes[:]); err != nil {
		return err
	}
	scrambled := filepath.Join(
		filepath.Dir(name), hex.EncodeToString(nameBytes[:]),
	)
	if err := os.Rename(name, scrambled); err != nil {
		return err
	}

	return os.Remove(scrambled)
}

// overwrite replaces size bytes at the start of f with random data and syncs.
func overwrite(f *os.File, size int64) error {
	buf := make([]byte, eraseChunkSize)

	var written int64
	for written < size {
		chunk := buf
		if remaining := size - written; remaining < int64(len(chunk)) {
			chunk = chunk[:remaining]
		}
		if _, err := rand.Read(chunk); err != nil {
			return err
		}

		n, err := f.WriteAt(chunk, written)
		if err != nil {
			return err
		}
		written += int64(n)
	}

	return f.Sync()
}

// IsNotExist reports whether err says a file is missing. It unwraps, unlike
// os.IsNotExist.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
