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

package spv

import (
	"bytes"
	"fmt"
	"io"

	"github.com/blinklabs-io/btcspv/protocol"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// RecordSize is the on-disk size of a header record: the 80-byte serialized
// block header followed by a one-byte transaction count, which is always zero
const RecordSize = wire.MaxBlockHeaderPayload + 1

// Record is a single stored block header
type Record struct {
	Header wire.BlockHeader
}

// NewRecord returns a Record for a copy of header
func NewRecord(header *wire.BlockHeader) Record {
	return Record{Header: *header}
}

// NewRecordsFromHeaders converts a headers message batch into records,
// preserving order
func NewRecordsFromHeaders(headers []*wire.BlockHeader) []Record {
	ret := make([]Record, 0, len(headers))
	for _, header := range headers {
		ret = append(ret, NewRecord(header))
	}
	return ret
}

// Hash returns the block hash of the header
func (r Record) Hash() chainhash.Hash {
	return r.Header.BlockHash()
}

// PrevHash returns the hash of the block this header builds on
func (r Record) PrevHash() chainhash.Hash {
	return r.Header.PrevBlock
}

// Encode writes the fixed-size record to w
func (r Record) Encode(w io.Writer) error {
	if err := r.Header.Serialize(w); err != nil {
		return fmt.Errorf("%w: %w", protocol.ErrSerialization, err)
	}
	if _, err := w.Write([]byte{0}); err != nil {
		return err
	}
	return nil
}

// Bytes returns the encoded record
func (r Record) Bytes() ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, RecordSize))
	if err := r.Encode(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeRecord parses a record produced by Encode
func DecodeRecord(data []byte) (Record, error) {
	var r Record
	if len(data) != RecordSize {
		return r, fmt.Errorf(
			"%w: header record is %d bytes, expected %d",
			protocol.ErrSerialization,
			len(data),
			RecordSize,
		)
	}
	if err := r.Header.Deserialize(bytes.NewReader(data[:RecordSize-1])); err != nil {
		return r, fmt.Errorf("%w: %w", protocol.ErrSerialization, err)
	}
	if data[RecordSize-1] != 0 {
		return r, fmt.Errorf(
			"%w: header record has non-zero transaction count %d",
			protocol.ErrSerialization,
			data[RecordSize-1],
		)
	}
	return r, nil
}
