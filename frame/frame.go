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

// Package frame implements the Bitcoin P2P message framing: a fixed 24-byte
// header carrying the network magic, command name, payload length and
// checksum, followed by the payload.
package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/blinklabs-io/btcspv/protocol"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	CommandSize  = wire.CommandSize
	ChecksumSize = 4
	HeaderSize   = 4 + CommandSize + 4 + ChecksumSize

	// MaxPayloadLength is the largest payload of any frame
	MaxPayloadLength = wire.MaxMessagePayload

	// Payload buffer capacity reserved before any payload bytes arrive
	initialPayloadBuffer = 64 * 1024
)

type Header struct {
	Magic         uint32
	Command       [CommandSize]byte
	PayloadLength uint32
	Checksum      [ChecksumSize]byte
}

type Frame struct {
	Header
	Payload []byte
}

// New returns a frame for the given network, command and payload with the
// length and checksum filled in
func New(magic wire.BitcoinNet, command string, payload []byte) (*Frame, error) {
	if len(command) > CommandSize {
		return nil, fmt.Errorf(
			"%w: command %q exceeds %d bytes",
			protocol.ErrInvalidMessage,
			command,
			CommandSize,
		)
	}
	if len(payload) > MaxPayloadLength {
		return nil, fmt.Errorf(
			"%w: payload of %d bytes exceeds max of %d",
			protocol.ErrInvalidMessage,
			len(payload),
			MaxPayloadLength,
		)
	}
	header := Header{
		Magic:         uint32(magic),
		PayloadLength: uint32(len(payload)),
		Checksum:      Checksum(payload),
	}
	copy(header.Command[:], command)
	return &Frame{
		Header:  header,
		Payload: payload,
	}, nil
}

// Checksum returns the first four bytes of the double-SHA256 of payload
func Checksum(payload []byte) [ChecksumSize]byte {
	var ret [ChecksumSize]byte
	copy(ret[:], chainhash.DoubleHashB(payload))
	return ret
}

// CommandName returns the command with its NUL padding removed
func (h *Header) CommandName() string {
	return string(bytes.TrimRight(h.Command[:], "\x00"))
}

func (h *Header) validateCommand() error {
	name := h.CommandName()
	if name == "" {
		return fmt.Errorf("%w: empty command", protocol.ErrInvalidMessage)
	}
	for i := len(name); i < CommandSize; i++ {
		if h.Command[i] != 0 {
			return fmt.Errorf(
				"%w: command %q is not NUL padded",
				protocol.ErrInvalidMessage,
				name,
			)
		}
	}
	for _, c := range []byte(name) {
		if c < 0x20 || c > 0x7e {
			return fmt.Errorf(
				"%w: command contains non-printable byte 0x%02x",
				protocol.ErrInvalidMessage,
				c,
			)
		}
	}
	return nil
}

// Read reads one complete frame from r. Transport errors are returned as-is
// for the caller to classify. A frame for another network is rejected with
// ErrInvalidMagic before its payload is read, and a malformed header, a
// declared length above the limit for its command, or a checksum mismatch is
// rejected with ErrInvalidMessage.
func Read(r io.Reader, magic wire.BitcoinNet) (*Frame, error) {
	header := Header{}
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, err
	}
	if header.Magic != uint32(magic) {
		return nil, fmt.Errorf(
			"%w: received %s, expected %s",
			protocol.ErrInvalidMagic,
			wire.BitcoinNet(header.Magic),
			magic,
		)
	}
	if err := header.validateCommand(); err != nil {
		return nil, err
	}
	command := header.CommandName()
	maxLen := min(protocol.MaxPayloadLength(command), MaxPayloadLength)
	if header.PayloadLength > maxLen {
		return nil, fmt.Errorf(
			"%w: %s payload length %d exceeds max of %d",
			protocol.ErrInvalidMessage,
			command,
			header.PayloadLength,
			maxLen,
		)
	}
	// The buffer grows with the bytes actually received, not the declared length
	var payload bytes.Buffer
	payload.Grow(int(min(header.PayloadLength, initialPayloadBuffer)))
	if _, err := io.CopyN(&payload, r, int64(header.PayloadLength)); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	f := &Frame{
		Header:  header,
		Payload: payload.Bytes(),
	}
	if Checksum(f.Payload) != header.Checksum {
		return nil, fmt.Errorf(
			"%w: %s checksum mismatch",
			protocol.ErrInvalidMessage,
			command,
		)
	}
	return f, nil
}

// Write writes the frame to w with a single call so that concurrent writers
// holding the same lock never interleave partial frames
func Write(w io.Writer, f *Frame) error {
	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize+len(f.Payload)))
	if err := binary.Write(buf, binary.LittleEndian, f.Header); err != nil {
		return err
	}
	buf.Write(f.Payload)
	_, err := w.Write(buf.Bytes())
	return err
}
