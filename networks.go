// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package btcspv

import (
	"fmt"

	"github.com/blinklabs-io/btcspv/protocol"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Network definitions
var (
	NetworkMainnet = Network{
		Name:   "mainnet",
		Magic:  wire.MainNet,
		Params: &chaincfg.MainNetParams,
	}
	NetworkTestnet = Network{
		Name:   "testnet",
		Magic:  wire.TestNet3,
		Params: &chaincfg.TestNet3Params,
	}
	NetworkRegtest = Network{
		Name:   "regtest",
		Magic:  wire.TestNet,
		Params: &chaincfg.RegressionNetParams,
	}

	NetworkInvalid = Network{
		Name: "invalid",
	} // NetworkInvalid is used as a return value for lookup functions when a network isn't found
)

// List of valid networks for use in lookup functions
var networks = []Network{
	NetworkMainnet,
	NetworkTestnet,
	NetworkRegtest,
}

// Network represents a Bitcoin network that the indexer can follow
type Network struct {
	Name   string
	Magic  wire.BitcoinNet
	Params *chaincfg.Params
}

// NetworkByName returns a predefined network by name
func NetworkByName(name string) Network {
	for _, network := range networks {
		if network.Name == name {
			return network
		}
	}
	return NetworkInvalid
}

// NetworkByMagic returns a predefined network by its message start bytes
func NetworkByMagic(magic wire.BitcoinNet) (Network, bool) {
	for _, network := range networks {
		if network.Magic == magic {
			return network, true
		}
	}
	return NetworkInvalid, false
}

// SelectNetwork resolves a network name. Unknown names fail with
// protocol.ErrUnrecognizedNetwork.
func SelectNetwork(name string) (Network, error) {
	network := NetworkByName(name)
	if !network.Valid() {
		return NetworkInvalid, fmt.Errorf("%w: %q", protocol.ErrUnrecognizedNetwork, name)
	}
	return network, nil
}

// Valid reports whether the network is one of the predefined networks
func (n Network) Valid() bool {
	return n.Params != nil
}

// GenesisHash returns the hash of the first block of the network
func (n Network) GenesisHash() chainhash.Hash {
	if n.Params == nil {
		return chainhash.Hash{}
	}
	return *n.Params.GenesisHash
}

func (n Network) String() string {
	return n.Name
}
