// Package blockcache keeps a content addressed on-disk copy of every block
// the wallet has seen, so a resync can replay those blocks locally and only
// fall back to the network from the first one that is missing.
package blockcache

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/neutrino/cache"
	"github.com/lightninglabs/neutrino/cache/lru"
	"github.com/mendozawallet/mendoza/fileutil"
)

const (
	// BlockFileExt is the extension of every cached block file.
	BlockFileExt = ".block"

	// DefaultMemCapacity is the default size in bytes of the in-memory
	// cache kept in front of the disk.
	DefaultMemCapacity = 20 * 1024 * 1024
)

// Config holds the parameters of a Cache.
type Config struct {
	// Dir is the directory holding the cached block files.
	Dir string

	// MemCapacity is the size in bytes of the in-memory LRU kept in front
	// of the disk. Zero disables it.
	MemCapacity uint64
}

// rawBlock is a serialized block held in the in-memory cache.
type rawBlock []byte

// Size returns the number of bytes the block occupies in the cache.
//
// NOTE: Part of the cache.Value interface.
func (r rawBlock) Size() (uint64, error) {
	return uint64(len(r)), nil
}

// Cache is a content addressed block cache. The file of a block is named
// after its hash and is never overwritten once written.
type Cache struct {
	dir string

	// mem is nil when the in-memory layer is disabled.
	mem *lru.Cache[chainhash.Hash, rawBlock]
}

// New creates the cache directory if needed and returns a Cache over it.
func New(cfg Config) (*Cache, error) {
	if cfg.Dir == "" {
		return nil, errors.New("block cache directory not set")
	}
	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("unable to create block cache "+
			"directory: %w", err)
	}

	c := &Cache{dir: cfg.Dir}
	if cfg.MemCapacity > 0 {
		c.mem = lru.NewCache[chainhash.Hash, rawBlock](cfg.MemCapacity)
	}

	return c, nil
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

// CacheFile returns the path of the file holding the block with the given
// hash: the lowercase hex hash followed by BlockFileExt.
func (c *Cache) CacheFile(hash chainhash.Hash) string {
	return filepath.Join(c.dir, hash.String()+BlockFileExt)
}

// Has reports whether the block is cached on disk.
func (c *Cache) Has(hash chainhash.Hash) bool {
	return fileutil.FileExists(c.CacheFile(hash))
}

// Store writes the serialized block to its cache file unless the file already
// exists. It reports whether a file was written.
func (c *Cache) Store(block *wire.MsgBlock) (bool, error) {
	hash := block.BlockHash()
	path := c.CacheFile(hash)

	if fileutil.FileExists(path) {
		log.Tracef("Block %v already cached", hash)
		return false, nil
	}

	var buf bytes.Buffer
	if err := block.Serialize(&buf); err != nil {
		return false, fmt.Errorf("unable to serialize block %v: %w",
			hash, err)
	}
	raw := buf.Bytes()

	stored, err := c.writeOnce(path, raw)
	if err != nil {
		return false, fmt.Errorf("unable to cache block %v: %w", hash,
			err)
	}

	if stored {
		log.Debugf("Cached block %v (%d bytes)", hash, len(raw))
		c.remember(hash, raw)
	}

	return stored, nil
}

// writeOnce stages data in a temporary file and links it into place. A link
// refuses to replace an existing file, so a concurrent writer of the same
// block wins and this call reports false.
func (c *Cache) writeOnce(path string, data []byte) (bool, error) {
	tmp, err := os.CreateTemp(c.dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return false, err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return false, err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return false, err
	}
	if err := tmp.Close(); err != nil {
		return false, err
	}

	err = os.Link(tmpName, path)
	switch {
	case err == nil:
		return true, nil

	case errors.Is(err, fs.ErrExist):
		return false, nil
	}

	// Some file systems have no hard links. Fall back to a rename.
	log.Debugf("Hard link into cache failed, renaming instead: %v", err)
	if fileutil.FileExists(path) {
		return false, nil
	}
	if err := os.Rename(tmpName, path); err != nil {
		return false, err
	}

	return true, nil
}

// Fetch returns the cached block with the given hash. It fails with
// ErrCacheMiss if the block is not cached and with ErrMalformedBlock if the
// cached bytes do not decode to a block with that hash.
func (c *Cache) Fetch(hash chainhash.Hash) (*wire.MsgBlock, error) {
	raw, fromMem := c.recall(hash)
	if !fromMem {
		var err error
		raw, err = os.ReadFile(c.CacheFile(hash))
		switch {
		case fileutil.IsNotExist(err):
			return nil, ErrCacheMiss

		case err != nil:
			return nil, fmt.Errorf("%w: %v", ErrMalformedBlock, err)
		}
	}

	block, err := btcutil.NewBlockFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBlock, err)
	}
	if !block.Hash().IsEqual(&hash) {
		return nil, fmt.Errorf("%w: contents hash to %v",
			ErrMalformedBlock, block.Hash())
	}

	if !fromMem {
		c.remember(hash, raw)
	}

	return block.MsgBlock(), nil
}

// remember puts a block into the in-memory cache, if enabled.
func (c *Cache) remember(hash chainhash.Hash, raw []byte) {
	if c.mem == nil {
		return
	}

	if _, err := c.mem.Put(hash, rawBlock(raw)); err != nil {
		log.Debugf("Unable to keep block %v in memory: %v", hash, err)
	}
}

// recall returns a block from the in-memory cache, if present.
func (c *Cache) recall(hash chainhash.Hash) ([]byte, bool) {
	if c.mem == nil {
		return nil, false
	}

	raw, err := c.mem.Get(hash)
	if err != nil {
		if !errors.Is(err, cache.ErrElementNotFound) {
			log.Debugf("In-memory lookup of %v failed: %v", hash,
				err)
		}

		return nil, false
	}

	return raw, true
}
