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
	"log/slog"
	"time"

	"github.com/blinklabs-io/btcspv/protocol"
	"github.com/blinklabs-io/btcspv/spv"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// HeaderStore is the header storage the Dispatcher appends to
type HeaderStore interface {
	Height() (int64, error)
	TipHash() (*chainhash.Hash, error)
	Append([]spv.Record) error
	BlockLocator() ([]chainhash.Hash, error)
}

// Dispatcher receives messages from a Ready peer connection and acts on them
// in the order they arrive. It is driven by a single goroutine.
type Dispatcher struct {
	peer      *PeerManager
	store     HeaderStore
	logger    *slog.Logger
	metrics   *Metrics
	keepAlive bool

	// Per-connection state, reset whenever the peer runtime changes
	runtime            *Runtime
	pingOutstanding    bool
	headersOutstanding bool
	resyncPending      bool
}

// NewDispatcher returns a Dispatcher for peer that stores headers in store
func NewDispatcher(peer *PeerManager, store HeaderStore, optionFuncs ...OptionFunc) *Dispatcher {
	o := newOptions(optionFuncs...)
	return newDispatcher(peer, store, o)
}

func newDispatcher(peer *PeerManager, store HeaderStore, o options) *Dispatcher {
	return &Dispatcher{
		peer:      peer,
		store:     store,
		logger:    o.logger.With("component", "dispatcher"),
		metrics:   o.metrics,
		keepAlive: o.keepAlive,
	}
}

// currentRuntime returns the runtime of a Ready connection
func (d *Dispatcher) currentRuntime() (*Runtime, error) {
	if state := d.peer.State(); state != StateReady {
		return nil, fmt.Errorf("%w: connection is %s", protocol.ErrNotConnected, state)
	}
	runtime := d.peer.Runtime()
	if runtime == nil {
		return nil, protocol.ErrNotConnected
	}
	if runtime != d.runtime {
		d.runtime = runtime
		d.pingOutstanding = false
		d.headersOutstanding = false
		d.resyncPending = false
	}
	return runtime, nil
}

// ReceiveNext blocks until the next message arrives from the peer. A peer
// that stays silent for the configured timeout is probed with a ping when
// keep-alive is enabled; if it stays silent after that the connection is
// broken. Any received message counts as an answer to an outstanding ping.
func (d *Dispatcher) ReceiveNext() (*protocol.Message, error) {
	runtime, err := d.currentRuntime()
	if err != nil {
		return nil, err
	}
	pver := d.peer.NegotiatedVersion()
	for {
		deadline := time.Now().Add(d.peer.Config().Timeout())
		msg, err := d.peer.receive(runtime, pver, deadline)
		if err == nil {
			d.pingOutstanding = false
			return msg, nil
		}
		if !errors.Is(err, errReadIdle) {
			return nil, err
		}
		if !d.keepAlive || d.pingOutstanding {
			d.peer.markBroken(runtime, err)
			return nil, err
		}
		if err := d.sendKeepAlive(runtime, pver); err != nil {
			return nil, err
		}
	}
}

func (d *Dispatcher) sendKeepAlive(runtime *Runtime, pver uint32) error {
	nonce, err := wire.RandomUint64()
	if err != nil {
		return fmt.Errorf("%w: %w", protocol.ErrIo, err)
	}
	if err := d.peer.send(runtime, wire.NewMsgPing(nonce), pver); err != nil {
		return err
	}
	d.pingOutstanding = true
	d.metrics.RecordKeepAlive()
	d.logger.Debug("peer idle, sent keep-alive ping", "nonce", nonce)
	return nil
}

// Handle acts on a single received message. The connection must be Ready,
// otherwise protocol.ErrNotConnected is returned and nothing is dispatched.
// Commands this client does not act on fail with protocol.ErrUnhandledMessage
// and leave the connection state unchanged.
func (d *Dispatcher) Handle(msg *protocol.Message) error {
	if _, err := d.currentRuntime(); err != nil {
		return err
	}
	var err error
	switch m := msg.Msg.(type) {
	case *wire.MsgPing:
		err = d.peer.SendMessage(wire.NewMsgPong(m.Nonce))
	case *wire.MsgPong:
		// Liveness was already recorded by ReceiveNext
	case *wire.MsgHeaders:
		err = d.handleHeaders(m)
	case *wire.MsgInv:
		err = d.handleInv(m)
	case *wire.MsgVersion, *wire.MsgVerAck:
		err = fmt.Errorf("%w: %s after handshake", protocol.ErrInvalidReply, msg.Command)
	default:
		err = fmt.Errorf("%w: %s", protocol.ErrUnhandledMessage, msg.Command)
	}
	d.metrics.RecordHandled(errors.Is(err, protocol.ErrUnhandledMessage))
	return err
}

func (d *Dispatcher) handleHeaders(msg *wire.MsgHeaders) error {
	d.headersOutstanding = false
	if len(msg.Headers) == 0 {
		d.logger.Debug("peer has no more headers")
		return d.resyncIfPending()
	}
	if err := d.store.Append(spv.NewRecordsFromHeaders(msg.Headers)); err != nil {
		if errors.Is(err, spv.ErrChainDiscontinuity) {
			d.logger.Error(
				"received headers do not connect to the stored chain",
				"count", len(msg.Headers),
				"first", msg.Headers[0].BlockHash().String(),
				"error", err,
			)
		}
		return err
	}
	d.metrics.RecordHeaders(len(msg.Headers))
	height, err := d.store.Height()
	if err != nil {
		return err
	}
	d.logger.Info(
		"appended headers",
		"count", len(msg.Headers),
		"height", height,
	)
	// A full batch means the peer has more to send
	if len(msg.Headers) >= wire.MaxBlockHeadersPerMsg {
		d.resyncPending = false
		return d.RequestHeaders()
	}
	return d.resyncIfPending()
}

func (d *Dispatcher) resyncIfPending() error {
	if !d.resyncPending {
		return nil
	}
	d.resyncPending = false
	return d.RequestHeaders()
}

func (d *Dispatcher) handleInv(msg *wire.MsgInv) error {
	announced := false
	for _, inv := range msg.InvList {
		if inv.Type == wire.InvTypeBlock || inv.Type == wire.InvTypeWitnessBlock {
			announced = true
			break
		}
	}
	if !announced {
		return fmt.Errorf("%w: inv without block announcements", protocol.ErrUnhandledMessage)
	}
	if d.headersOutstanding {
		d.resyncPending = true
		return nil
	}
	return d.RequestHeaders()
}

// RequestHeaders asks the peer for the headers following our tip
func (d *Dispatcher) RequestHeaders() error {
	runtime, err := d.currentRuntime()
	if err != nil {
		return err
	}
	locator, err := d.store.BlockLocator()
	if err != nil {
		return err
	}
	// The store does not hold the genesis block, so the locator always
	// ends with it
	genesis := runtime.Network.GenesisHash()
	if len(locator) == 0 || locator[len(locator)-1] != genesis {
		locator = append(locator, genesis)
	}
	pver := d.peer.NegotiatedVersion()
	msg := wire.NewMsgGetHeaders()
	msg.ProtocolVersion = pver
	for i := range locator {
		if err := msg.AddBlockLocatorHash(&locator[i]); err != nil {
			return fmt.Errorf("%w: %w", protocol.ErrSerialization, err)
		}
	}
	if err := d.peer.send(runtime, msg, pver); err != nil {
		return err
	}
	d.headersOutstanding = true
	d.logger.Debug(
		"requested headers",
		"locator_size", len(locator),
		"tip", locator[0].String(),
	)
	return nil
}

// RecvAndHandle receives the next message and handles it
func (d *Dispatcher) RecvAndHandle() error {
	msg, err := d.ReceiveNext()
	if err != nil {
		return err
	}
	return d.Handle(msg)
}
