package main

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/mendozawallet/mendoza"
	"github.com/mendozawallet/mendoza/ledger"
	"github.com/mendozawallet/mendoza/walletinfo"
	"github.com/mendozawallet/mendoza/walletstore"
)

// offlineChain is the chain used by the command line tool. It has no network
// backend: the blocks to connect are named on the command line, and a
// download request is only reported.
type offlineChain struct {
	record  *walletstore.Record
	pending []chainhash.Hash
}

var _ mendoza.Chain = (*offlineChain)(nil)

func (c *offlineChain) PendingBlocks() []chainhash.Hash {
	return c.pending
}

// ProcessBlock connects block on top of the wallet's chain tip.
func (c *offlineChain) ProcessBlock(block *wire.MsgBlock) error {
	if c.record == nil {
		return fmt.Errorf("no wallet open")
	}

	return c.record.Mutate(func(w ledger.Wallet, _ *walletinfo.Info) error {
		kw, ok := w.(*ledger.KeyWallet)
		if !ok {
			return mendoza.ErrUnsupportedWallet
		}

		_, height := kw.ChainTip()
		kw.ConnectBlock(block.BlockHash(), height+1, 0)

		return nil
	})
}

func (c *offlineChain) DownloadFrom(hash chainhash.Hash) error {
	fmt.Printf("Block %v is not cached, download the chain from "+
		"there to continue\n", hash)

	return nil
}

// statusPrinter writes status messages to stdout.
type statusPrinter struct{}

func (statusPrinter) Status(key string, args ...interface{}) {
	if len(args) == 0 {
		fmt.Println(key)
		return
	}

	fmt.Println(append([]interface{}{key}, args...)...)
}
