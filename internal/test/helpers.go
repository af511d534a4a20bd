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

package test

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	// Serialized mainnet block 1 header
	MainnetBlock1HeaderHex = "010000006fe28c0ab6f1b372c1a6a246ae63f74f931e8365e15a089c68d6190000000000982051fd1e4ba744bbbe680e1fee14677ba1a3c3540bf7b1cdb606e857233e0e61bc6649ffff001d01e36299"
	MainnetBlock1Hash      = "00000000839a8e6886ab5951d76f411475428afc90947ee320161bbf18eb6048"
)

// DecodeHexString is a helper function for tests that decodes hex strings. It doesn't return
// an error value, which makes it usable inline.
func DecodeHexString(hexData string) []byte {
	// Strip off any leading/trailing whitespace in hex string
	hexData = strings.TrimSpace(hexData)
	decoded, err := hex.DecodeString(hexData)
	if err != nil {
		panic(fmt.Sprintf("error decoding hex: %s", err))
	}
	return decoded
}

// MakeHeaderChain returns n block headers where the first builds on prev and
// each following header builds on the one before it. The headers are not
// valid proof of work, which the store does not check.
func MakeHeaderChain(prev chainhash.Hash, n int) []*wire.BlockHeader {
	ret := make([]*wire.BlockHeader, 0, n)
	for i := range n {
		var seed [8]byte
		binary.LittleEndian.PutUint64(seed[:], uint64(i))
		merkleRoot := chainhash.DoubleHashH(append(prev[:], seed[:]...))
		header := wire.NewBlockHeader(
			1,
			&prev,
			&merkleRoot,
			0x207fffff,
			uint32(i),
		)
		header.Timestamp = time.Unix(1296688602+int64(i)*600, 0)
		ret = append(ret, header)
		prev = header.BlockHash()
	}
	return ret
}
