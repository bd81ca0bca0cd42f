package ledger

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
)

// networkIDs maps chain parameters to the network id stored in containers.
var networkIDs = map[string]string{
	chaincfg.MainNetParams.Name:       "org.bitcoin.production",
	chaincfg.TestNet3Params.Name:      "org.bitcoin.test",
	chaincfg.RegressionNetParams.Name: "org.bitcoin.regtest",
	chaincfg.SimNetParams.Name:        "org.bitcoin.simnet",
}

// NetworkID returns the container network id of net.
func NetworkID(net *chaincfg.Params) string {
	return networkIDs[net.Name]
}

// ParseNetworkID returns the chain parameters of a container network id.
func ParseNetworkID(id string) (*chaincfg.Params, error) {
	for _, net := range []*chaincfg.Params{
		&chaincfg.MainNetParams, &chaincfg.TestNet3Params,
		&chaincfg.RegressionNetParams, &chaincfg.SimNetParams,
	} {
		if networkIDs[net.Name] == id {
			return net, nil
		}
	}

	return nil, fmt.Errorf("unknown network id %q", id)
}

// ParseNetwork returns the chain parameters for a network name as used on the
// command line: mainnet, testnet, regtest or simnet.
func ParseNetwork(name string) (*chaincfg.Params, error) {
	switch name {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	}

	return nil, fmt.Errorf("unknown network %q", name)
}
