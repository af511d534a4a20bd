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
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/blinklabs-io/btcspv/protocol"
	"github.com/btcsuite/btcd/wire"
)

const (
	// MinPeerProtocolVersion is the lowest peer protocol version accepted.
	// Earlier versions do not support getheaders.
	MinPeerProtocolVersion = 31800

	// Number of feature negotiation messages tolerated before the verack
	maxHandshakePreamble = 32
)

// handshake sends our version and reads until the peer has sent both its
// version and its verack. The whole exchange shares one deadline.
func (p *PeerManager) handshake(runtime *Runtime) (*wire.MsgVersion, uint32, error) {
	deadline := time.Now().Add(p.config.Timeout())
	msgVersion, err := p.newVersionMessage(runtime)
	if err != nil {
		return nil, 0, err
	}
	if err := p.send(runtime, msgVersion, p.protocolVersion); err != nil {
		return nil, 0, err
	}
	var peerVersion *wire.MsgVersion
	gotVerAck := false
	preamble := 0
	for peerVersion == nil || !gotVerAck {
		msg, err := p.receive(runtime, p.protocolVersion, deadline)
		if err != nil {
			if errors.Is(err, errReadIdle) {
				return nil, 0, fmt.Errorf("%w: handshake timed out: %w", protocol.ErrInvalidReply, err)
			}
			return nil, 0, err
		}
		switch m := msg.Msg.(type) {
		case *wire.MsgVersion:
			if peerVersion != nil {
				return nil, 0, fmt.Errorf("%w: duplicate version message", protocol.ErrInvalidReply)
			}
			if m.Nonce == runtime.VersionNonce {
				return nil, 0, fmt.Errorf("%w: connected to self", protocol.ErrInvalidReply)
			}
			if m.ProtocolVersion < MinPeerProtocolVersion {
				return nil, 0, fmt.Errorf(
					"%w: peer protocol version %d is below minimum %d",
					protocol.ErrInvalidReply,
					m.ProtocolVersion,
					MinPeerProtocolVersion,
				)
			}
			peerVersion = m
			if err := p.send(runtime, wire.NewMsgVerAck(), p.protocolVersion); err != nil {
				return nil, 0, err
			}
		case *wire.MsgVerAck:
			if peerVersion == nil {
				return nil, 0, fmt.Errorf("%w: verack before version", protocol.ErrInvalidReply)
			}
			if gotVerAck {
				return nil, 0, fmt.Errorf("%w: duplicate verack", protocol.ErrInvalidReply)
			}
			gotVerAck = true
		default:
			if !protocol.NegotiationCommands[msg.Command] {
				return nil, 0, fmt.Errorf(
					"%w: unexpected %s during handshake",
					protocol.ErrInvalidReply,
					msg.Command,
				)
			}
			preamble++
			if preamble > maxHandshakePreamble {
				return nil, 0, fmt.Errorf(
					"%w: too many messages before verack",
					protocol.ErrInvalidReply,
				)
			}
			if ping, ok := m.(*wire.MsgPing); ok {
				if err := p.send(runtime, wire.NewMsgPong(ping.Nonce), p.protocolVersion); err != nil {
					return nil, 0, err
				}
			}
		}
	}
	negotiatedVersion := min(p.protocolVersion, uint32(peerVersion.ProtocolVersion))
	return peerVersion, negotiatedVersion, nil
}

func (p *PeerManager) newVersionMessage(runtime *Runtime) (*wire.MsgVersion, error) {
	var remoteAddr net.Addr
	err := p.withSocket(runtime, func(conn net.Conn) error {
		remoteAddr = conn.RemoteAddr()
		return nil
	})
	if err != nil {
		return nil, err
	}
	you := wire.NewNetAddressIPPort(net.IPv4zero, 0, 0)
	if tcpAddr, ok := remoteAddr.(*net.TCPAddr); ok {
		you = wire.NewNetAddressIPPort(tcpAddr.IP, uint16(tcpAddr.Port), 0)
	}
	me := wire.NewNetAddressIPPort(net.IPv4zero, 0, runtime.Services)
	var startHeight int32
	if p.startHeightFunc != nil {
		startHeight = p.startHeightFunc()
	}
	msg := wire.NewMsgVersion(me, you, runtime.VersionNonce, startHeight)
	msg.ProtocolVersion = int32(p.protocolVersion)
	msg.Services = runtime.Services
	msg.UserAgent = runtime.UserAgent
	// Headers only, no transaction relay
	msg.DisableRelayTx = true
	return msg, nil
}
