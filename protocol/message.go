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

package protocol

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/wire"
)

// Commands that peers send while negotiating features before their verack.
// They carry no state this client cares about.
const (
	CmdWtxidRelay = "wtxidrelay"
	CmdSendAddrV2 = "sendaddrv2"
	CmdSendCmpct  = "sendcmpct"
)

// NegotiationCommands lists the commands tolerated during the handshake
var NegotiationCommands = map[string]bool{
	CmdWtxidRelay:       true,
	CmdSendAddrV2:       true,
	CmdSendCmpct:        true,
	wire.CmdSendHeaders: true,
	wire.CmdFeeFilter:   true,
	wire.CmdPing:        true,
}

// MessageFromPayloadFunc returns an empty message ready to be decoded
type MessageFromPayloadFunc func() wire.Message

// Payload decoders for the commands this client acts on. Anything else is
// carried as raw bytes and left to the dispatcher to reject.
var messageTypes = map[string]MessageFromPayloadFunc{
	wire.CmdVersion:    func() wire.Message { return &wire.MsgVersion{} },
	wire.CmdVerAck:     func() wire.Message { return &wire.MsgVerAck{} },
	wire.CmdPing:       func() wire.Message { return &wire.MsgPing{} },
	wire.CmdPong:       func() wire.Message { return &wire.MsgPong{} },
	wire.CmdHeaders:    func() wire.Message { return &wire.MsgHeaders{} },
	wire.CmdInv:        func() wire.Message { return &wire.MsgInv{} },
	wire.CmdGetHeaders: func() wire.Message { return &wire.MsgGetHeaders{} },
}

// MaxRawPayloadLength bounds the payload of commands that are not decoded.
// No message a peer may legitimately send exceeds a block.
const MaxRawPayloadLength = wire.MaxBlockPayload

// MaxPayloadLength returns the largest payload accepted from a peer for
// command, using the limits of the newest protocol version
func MaxPayloadLength(command string) uint32 {
	newFunc, ok := messageTypes[command]
	if !ok {
		return MaxRawPayloadLength
	}
	return newFunc().MaxPayloadLength(wire.ProtocolVersion)
}

// Message is a single protocol message received from a peer
type Message struct {
	Command string
	Payload []byte
	// Msg holds the decoded payload, or nil if the command is not one we decode
	Msg wire.Message
}

// IsKnownCommand reports whether payloads for command are decoded
func IsKnownCommand(command string) bool {
	_, ok := messageTypes[command]
	return ok
}

// NewMessage decodes payload according to command using the negotiated
// protocol version. Unknown commands are returned undecoded.
func NewMessage(
	command string,
	payload []byte,
	protocolVersion uint32,
) (*Message, error) {
	m := &Message{
		Command: command,
		Payload: payload,
	}
	newFunc, ok := messageTypes[command]
	if !ok {
		return m, nil
	}
	msg := newFunc()
	// Some decoders, such as MsgVersion, require a *bytes.Buffer
	buf := bytes.NewBuffer(payload)
	if err := msg.BtcDecode(buf, protocolVersion, wire.BaseEncoding); err != nil {
		return nil, fmt.Errorf(
			"%w: decode %s payload: %w",
			ErrSerialization,
			command,
			err,
		)
	}
	if buf.Len() > 0 && command != wire.CmdVersion {
		return nil, fmt.Errorf(
			"%w: %d trailing bytes after %s payload",
			ErrSerialization,
			buf.Len(),
			command,
		)
	}
	m.Msg = msg
	return m, nil
}

// EncodeMessage serializes the payload of msg for the given protocol version
func EncodeMessage(msg wire.Message, protocolVersion uint32) ([]byte, error) {
	var buf bytes.Buffer
	if err := msg.BtcEncode(&buf, protocolVersion, wire.BaseEncoding); err != nil {
		return nil, fmt.Errorf(
			"%w: encode %s payload: %w",
			ErrSerialization,
			msg.Command(),
			err,
		)
	}
	if maxLen := msg.MaxPayloadLength(protocolVersion); uint32(buf.Len()) > maxLen {
		return nil, fmt.Errorf(
			"%w: %s payload is %d bytes, max is %d",
			ErrSerialization,
			msg.Command(),
			buf.Len(),
			maxLen,
		)
	}
	return buf.Bytes(), nil
}

func (m *Message) String() string {
	return fmt.Sprintf("%s (%d bytes)", m.Command, len(m.Payload))
}
