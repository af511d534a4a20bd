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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/blinklabs-io/btcspv/config"
	"github.com/blinklabs-io/btcspv/frame"
	"github.com/blinklabs-io/btcspv/protocol"
	"github.com/btcsuite/btcd/wire"
)

// errReadIdle marks a receive that timed out before any byte of a frame
// arrived. The stream is still in sync, so the caller may probe the peer
// instead of reconnecting.
var errReadIdle = errors.New("no data received from peer before deadline")

// PeerManager owns the connection to a single peer and drives it through the
// Disconnected, Connecting, Handshaking, Ready and Broken states
type PeerManager struct {
	config          *config.Config
	logger          *slog.Logger
	dialFunc        DialFunc
	backoff         BackoffConfig
	metrics         *Metrics
	services        wire.ServiceFlag
	userAgent       string
	protocolVersion uint32
	startHeightFunc StartHeightFunc

	mutex             sync.Mutex
	state             State
	runtime           *Runtime
	peerVersion       *wire.MsgVersion
	negotiatedVersion uint32
	handshakes        uint64
}

// NewPeerManager returns a disconnected PeerManager
func NewPeerManager(optionFuncs ...OptionFunc) *PeerManager {
	o := newOptions(optionFuncs...)
	return newPeerManager(o)
}

func newPeerManager(o options) *PeerManager {
	return &PeerManager{
		config:          o.config,
		logger:          o.logger.With("component", "peer"),
		dialFunc:        o.dialFunc,
		backoff:         o.backoff,
		metrics:         o.metrics,
		services:        o.services,
		userAgent:       o.userAgent,
		protocolVersion: o.protocolVersion,
		startHeightFunc: o.startHeightFunc,
		state:           StateDisconnected,
	}
}

// State returns the current connection state
func (p *PeerManager) State() State {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.state
}

// Runtime returns the runtime of the current or most recent connection
// attempt, or nil if no attempt has been made
func (p *PeerManager) Runtime() *Runtime {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.runtime
}

// PeerVersion returns the version message received from the peer during the
// last successful handshake
func (p *PeerManager) PeerVersion() *wire.MsgVersion {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.peerVersion
}

// NegotiatedVersion returns the protocol version used with the peer. Before
// a handshake completes this is the version we offer.
func (p *PeerManager) NegotiatedVersion() uint32 {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.currentVersion()
}

func (p *PeerManager) currentVersion() uint32 {
	if p.negotiatedVersion > 0 {
		return p.negotiatedVersion
	}
	return p.protocolVersion
}

// Config returns the connection config
func (p *PeerManager) Config() *config.Config {
	return p.config
}

// setState must be called with the mutex held
func (p *PeerManager) setState(next State) error {
	newState, err := p.state.Transition(next)
	if err != nil {
		return err
	}
	p.logger.Debug(
		"connection state changed",
		"from", p.state.String(),
		"to", newState.String(),
	)
	p.state = newState
	return nil
}

// Connect resolves the network name and opens a stream to the configured
// peer. An unrecognized name fails before any socket activity.
func (p *PeerManager) Connect(ctx context.Context, name string) error {
	network, err := SelectNetwork(name)
	if err != nil {
		return err
	}
	return p.ConnectNetwork(ctx, network)
}

// ConnectNetwork opens a stream to the configured peer for network, replacing
// any previous connection. The manager is left in the Connecting state on
// success and in the Disconnected state on failure.
func (p *PeerManager) ConnectNetwork(ctx context.Context, network Network) error {
	if !network.Valid() {
		return fmt.Errorf("%w: %q", protocol.ErrUnrecognizedNetwork, network.Name)
	}
	runtime := NewRuntime(network, p.services, p.userAgent)
	p.mutex.Lock()
	if p.runtime != nil {
		_ = p.runtime.Socket().Close()
	}
	if p.state != StateDisconnected && p.state != StateBroken {
		if err := p.setState(StateDisconnected); err != nil {
			p.mutex.Unlock()
			return err
		}
	}
	if err := p.setState(StateConnecting); err != nil {
		p.mutex.Unlock()
		return err
	}
	p.runtime = runtime
	p.peerVersion = nil
	p.negotiatedVersion = 0
	p.mutex.Unlock()

	p.metrics.RecordConnectAttempt()
	address := p.config.PeerAddress()
	p.logger.Debug(
		"connecting to peer",
		"address", address,
		"network", network.Name,
	)
	dialCtx, cancel := context.WithTimeout(ctx, p.config.Timeout())
	defer cancel()
	conn, err := p.dialFunc(dialCtx, "tcp", address)
	if err != nil {
		p.abortConnect(runtime)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %s: %w", protocol.ErrPeerUnreachable, address, err)
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()
	// Close may have been called while dialing
	if p.runtime != runtime || p.state != StateConnecting {
		_ = conn.Close()
		return fmt.Errorf("%w: connection closed while dialing", protocol.ErrNotConnected)
	}
	runtime.Socket().Replace(conn)
	p.logger.Info(
		"connected to peer",
		"address", address,
		"network", network.Name,
	)
	return nil
}

func (p *PeerManager) abortConnect(runtime *Runtime) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.runtime == runtime && p.state == StateConnecting {
		_ = p.setState(StateDisconnected)
	}
}

// Handshake exchanges version and verack messages with the peer. It must
// follow a successful connect. A failed handshake leaves the manager Broken.
func (p *PeerManager) Handshake() error {
	p.mutex.Lock()
	runtime := p.runtime
	if p.state != StateConnecting || runtime == nil {
		state := p.state
		p.mutex.Unlock()
		return fmt.Errorf("%w: cannot handshake while %s", protocol.ErrNotConnected, state)
	}
	if err := p.setState(StateHandshaking); err != nil {
		p.mutex.Unlock()
		return err
	}
	p.mutex.Unlock()

	peerVersion, negotiatedVersion, err := p.handshake(runtime)
	if err != nil {
		p.markBroken(runtime, err)
		return err
	}

	p.mutex.Lock()
	if p.runtime != runtime || p.state != StateHandshaking {
		p.mutex.Unlock()
		return fmt.Errorf("%w: connection closed during handshake", protocol.ErrNotConnected)
	}
	p.peerVersion = peerVersion
	p.negotiatedVersion = negotiatedVersion
	if err := p.setState(StateReady); err != nil {
		p.mutex.Unlock()
		return err
	}
	p.handshakes++
	p.mutex.Unlock()
	p.metrics.RecordHandshake()
	p.logger.Info(
		"handshake complete",
		"network", runtime.Network.Name,
		"user_agent", peerVersion.UserAgent,
		"protocol_version", negotiatedVersion,
		"start_height", peerVersion.LastBlock,
	)
	return nil
}

// ConnectWithBackoff connects to the peer on the named network and performs
// the handshake, retrying with exponential backoff until it succeeds, ctx is
// done, or a non-retryable error occurs
func (p *PeerManager) ConnectWithBackoff(ctx context.Context, name string) error {
	network, err := SelectNetwork(name)
	if err != nil {
		return err
	}
	return p.connectWithBackoff(ctx, network)
}

// EnsureConnected returns immediately if the connection is Ready. Otherwise
// it reconnects with backoff.
func (p *PeerManager) EnsureConnected(ctx context.Context, network Network) error {
	p.mutex.Lock()
	state := p.state
	reconnect := p.handshakes > 0
	p.mutex.Unlock()
	if state == StateReady {
		return nil
	}
	if reconnect {
		p.metrics.RecordReconnect()
		p.logger.Info("reconnecting to peer", "state", state.String())
	}
	return p.connectWithBackoff(ctx, network)
}

func (p *PeerManager) connectWithBackoff(ctx context.Context, network Network) error {
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := p.ConnectNetwork(ctx, network)
		if err == nil {
			err = p.Handshake()
		}
		if err == nil {
			return nil
		}
		if !protocol.IsRetryable(err) {
			return err
		}
		failures++
		if p.backoff.MaxAttempts > 0 && failures >= p.backoff.MaxAttempts {
			return fmt.Errorf("giving up after %d attempts: %w", failures, err)
		}
		delay := p.backoff.Delay(failures)
		p.logger.Warn(
			"connection attempt failed, retrying",
			"error", err,
			"attempt", failures,
			"delay", delay,
		)
		if err := sleepContext(ctx, delay); err != nil {
			return err
		}
	}
}

// AcquireSocket runs fn with exclusive access to the peer stream. An unusable
// socket marks the connection Broken.
func (p *PeerManager) AcquireSocket(fn func(net.Conn) error) error {
	p.mutex.Lock()
	runtime := p.runtime
	p.mutex.Unlock()
	if runtime == nil {
		return protocol.ErrNotConnected
	}
	return p.withSocket(runtime, fn)
}

func (p *PeerManager) withSocket(runtime *Runtime, fn func(net.Conn) error) error {
	err := runtime.Socket().With(fn)
	if errors.Is(err, protocol.ErrSocketUnusable) {
		p.markBroken(runtime, err)
	}
	return err
}

// MarkBroken moves a Ready or Handshaking connection to Broken and closes the
// stream. It has no effect in any other state.
func (p *PeerManager) MarkBroken(cause error) {
	p.mutex.Lock()
	runtime := p.runtime
	p.mutex.Unlock()
	if runtime != nil {
		p.markBroken(runtime, cause)
	}
}

func (p *PeerManager) markBroken(runtime *Runtime, cause error) {
	p.mutex.Lock()
	if p.runtime != runtime ||
		(p.state != StateReady && p.state != StateHandshaking) {
		p.mutex.Unlock()
		return
	}
	_ = p.setState(StateBroken)
	p.mutex.Unlock()
	_ = runtime.Socket().Close()
	p.logger.Warn("connection broken", "error", cause)
}

// Close drops the connection and moves to Disconnected. It may be called from
// another goroutine to interrupt a blocked receive.
func (p *PeerManager) Close() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	var err error
	if p.runtime != nil {
		err = p.runtime.Socket().Close()
	}
	if p.state != StateDisconnected {
		_ = p.setState(StateDisconnected)
	}
	return err
}

// SendMessage sends msg to the peer on the current connection
func (p *PeerManager) SendMessage(msg wire.Message) error {
	p.mutex.Lock()
	runtime := p.runtime
	pver := p.currentVersion()
	p.mutex.Unlock()
	if runtime == nil {
		return protocol.ErrNotConnected
	}
	return p.send(runtime, msg, pver)
}

func (p *PeerManager) send(runtime *Runtime, msg wire.Message, pver uint32) error {
	payload, err := protocol.EncodeMessage(msg, pver)
	if err != nil {
		return err
	}
	f, err := frame.New(runtime.Network.Magic, msg.Command(), payload)
	if err != nil {
		return err
	}
	err = p.withSocket(runtime, func(conn net.Conn) error {
		if err := conn.SetWriteDeadline(time.Now().Add(p.config.Timeout())); err != nil {
			return protocol.NewTransportError(err)
		}
		if err := frame.Write(conn, f); err != nil {
			return protocol.NewTransportError(err)
		}
		return nil
	})
	if err != nil {
		if protocol.RequiresReconnect(err) {
			p.markBroken(runtime, err)
		}
		return err
	}
	p.logger.Debug(
		"sent message",
		"command", msg.Command(),
		"length", len(payload),
	)
	return nil
}

// receive reads and decodes one message. A frame that cannot be read or
// decoded breaks the connection, except for an idle timeout, which is
// returned wrapping errReadIdle.
func (p *PeerManager) receive(runtime *Runtime, pver uint32, deadline time.Time) (*protocol.Message, error) {
	var msg *protocol.Message
	err := p.withSocket(runtime, func(conn net.Conn) error {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return protocol.NewTransportError(err)
		}
		r := &countingReader{r: conn}
		f, err := frame.Read(r, runtime.Network.Magic)
		if err != nil {
			if r.n == 0 && isTimeout(err) {
				return fmt.Errorf("%w: %w", protocol.ErrConnectionBroken, errReadIdle)
			}
			return protocol.NewTransportError(err)
		}
		msg, err = protocol.NewMessage(f.CommandName(), f.Payload, pver)
		if err != nil {
			return fmt.Errorf("%w: %w", protocol.ErrInvalidMessage, err)
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, errReadIdle) && protocol.RequiresReconnect(err) {
			p.markBroken(runtime, err)
		}
		return nil, err
	}
	p.metrics.RecordReceived()
	p.logger.Debug(
		"received message",
		"command", msg.Command,
		"length", len(msg.Payload),
	)
	return msg, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// countingReader tracks how many bytes have been consumed from the stream
type countingReader struct {
	r io.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}
