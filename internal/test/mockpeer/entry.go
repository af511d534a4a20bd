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

package mockpeer

import (
	"net"

	"github.com/btcsuite/btcd/wire"
)

const (
	MockUserAgent = "/mockpeer:0.1.0/"
	// MockNonce is the nonce in the version message sent by the mock peer
	MockNonce uint64 = 0x6d6f636b70656572
	// MockProtocolVersion is used to encode and decode messages on the mock side
	MockProtocolVersion = wire.ProtocolVersion
)

type EntryType int

const (
	EntryTypeNone      EntryType = 0
	EntryTypeInput     EntryType = 1
	EntryTypeOutput    EntryType = 2
	EntryTypeRawOutput EntryType = 3
	EntryTypeClose     EntryType = 4
)

// InputCheckFunc inspects a message received from the client. The message is
// nil for commands that are not decoded.
type InputCheckFunc func(wire.Message) error

type ConversationEntry struct {
	Type EntryType
	// Expected command of an input entry
	InputCommand   string
	InputCheckFunc InputCheckFunc
	OutputMessages []wire.Message
	// Overrides the network magic of output frames when non-zero
	OutputMagic wire.BitcoinNet
	RawOutput   []byte
}

// ConversationEntryVersionRequest is a pre-defined conversation entry that
// matches the version message sent by a client
var ConversationEntryVersionRequest = ConversationEntry{
	Type:         EntryTypeInput,
	InputCommand: wire.CmdVersion,
}

// ConversationEntryVerAckRequest is a pre-defined conversation entry that
// matches the verack sent by a client
var ConversationEntryVerAckRequest = ConversationEntry{
	Type:         EntryTypeInput,
	InputCommand: wire.CmdVerAck,
}

// ConversationEntryVersionResponse is a pre-defined conversation entry that
// sends the mock peer's version
var ConversationEntryVersionResponse = ConversationEntry{
	Type:           EntryTypeOutput,
	OutputMessages: []wire.Message{NewVersionMessage(MockNonce)},
}

// ConversationEntryVerAckResponse is a pre-defined conversation entry that
// sends a verack
var ConversationEntryVerAckResponse = ConversationEntry{
	Type:           EntryTypeOutput,
	OutputMessages: []wire.Message{wire.NewMsgVerAck()},
}

// ConversationEntryClose is a pre-defined conversation entry that drops the
// connection
var ConversationEntryClose = ConversationEntry{
	Type: EntryTypeClose,
}

// NewHandshakeConversation returns the entries of a successful handshake
// followed by extra
func NewHandshakeConversation(extra ...ConversationEntry) []ConversationEntry {
	ret := []ConversationEntry{
		ConversationEntryVersionRequest,
		ConversationEntryVersionResponse,
		ConversationEntryVerAckRequest,
		ConversationEntryVerAckResponse,
	}
	return append(ret, extra...)
}

// NewVersionMessage returns a version message as sent by the mock peer
func NewVersionMessage(nonce uint64) *wire.MsgVersion {
	addr := wire.NewNetAddressIPPort(net.IPv4zero, 0, 0)
	msg := wire.NewMsgVersion(addr, addr, nonce, 0)
	msg.ProtocolVersion = int32(MockProtocolVersion)
	msg.UserAgent = MockUserAgent
	return msg
}

// NewOutputEntry returns a conversation entry that sends msgs
func NewOutputEntry(msgs ...wire.Message) ConversationEntry {
	return ConversationEntry{
		Type:           EntryTypeOutput,
		OutputMessages: msgs,
	}
}

// NewInputEntry returns a conversation entry that expects command, checked
// with checkFunc if it is not nil
func NewInputEntry(command string, checkFunc InputCheckFunc) ConversationEntry {
	return ConversationEntry{
		Type:           EntryTypeInput,
		InputCommand:   command,
		InputCheckFunc: checkFunc,
	}
}
