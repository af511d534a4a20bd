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

// Package mockpeer provides a scripted remote Bitcoin peer over net.Pipe for
// tests
package mockpeer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/blinklabs-io/btcspv/frame"
	"github.com/blinklabs-io/btcspv/protocol"
	"github.com/btcsuite/btcd/wire"
)

const recvBufferSize = 64

// Peer plays a conversation against the client end of a net.Pipe
type Peer struct {
	conn         net.Conn
	mockConn     net.Conn
	magic        wire.BitcoinNet
	conversation []ConversationEntry
	recvChan     chan *frame.Frame
	errorChan    chan error
	doneChan     chan struct{}
	closeOnce    sync.Once
	waitGroup    sync.WaitGroup
	mutex        sync.Mutex
	received     []string
}

// New returns a Peer for the network with the given magic that plays the
// provided conversation entries
func New(magic wire.BitcoinNet, conversation []ConversationEntry) *Peer {
	p := &Peer{
		magic:        magic,
		conversation: conversation,
		recvChan:     make(chan *frame.Frame, recvBufferSize),
		errorChan:    make(chan error, 10),
		doneChan:     make(chan struct{}),
	}
	p.conn, p.mockConn = net.Pipe()
	p.waitGroup.Add(2)
	go p.readLoop()
	go p.asyncLoop()
	return p
}

// Conn returns the client end of the connection
func (p *Peer) Conn() net.Conn {
	return p.conn
}

// ErrorChan returns a channel that receives conversation failures
func (p *Peer) ErrorChan() <-chan error {
	return p.errorChan
}

// Done returns a channel that is closed once the conversation has finished
func (p *Peer) Done() <-chan struct{} {
	return p.doneChan
}

// Received returns the commands received from the client so far
func (p *Peer) Received() []string {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	ret := make([]string, len(p.received))
	copy(ret, p.received)
	return ret
}

// Close closes both ends of the connection and waits for the conversation to stop
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = errors.Join(p.conn.Close(), p.mockConn.Close())
		p.waitGroup.Wait()
	})
	return err
}

func (p *Peer) sendError(err error) {
	select {
	case p.errorChan <- err:
	default:
	}
}

// readLoop keeps reading client frames so that client writes never block,
// including after the conversation has finished
func (p *Peer) readLoop() {
	defer p.waitGroup.Done()
	defer close(p.recvChan)
	for {
		f, err := frame.Read(p.mockConn, p.magic)
		if err != nil {
			return
		}
		p.mutex.Lock()
		p.received = append(p.received, f.CommandName())
		p.mutex.Unlock()
		select {
		case p.recvChan <- f:
		default:
		}
	}
}

func (p *Peer) asyncLoop() {
	defer p.waitGroup.Done()
	defer close(p.doneChan)
	for _, entry := range p.conversation {
		var err error
		switch entry.Type {
		case EntryTypeInput:
			err = p.processInputEntry(entry)
		case EntryTypeOutput:
			err = p.processOutputEntry(entry)
		case EntryTypeRawOutput:
			_, err = p.mockConn.Write(entry.RawOutput)
		case EntryTypeClose:
			_ = p.mockConn.Close()
			return
		default:
			err = fmt.Errorf("unknown conversation entry type: %d: %#v", entry.Type, entry)
		}
		if err != nil {
			p.sendError(err)
			return
		}
	}
}

func (p *Peer) processInputEntry(entry ConversationEntry) error {
	f, ok := <-p.recvChan
	if !ok {
		return fmt.Errorf("connection closed while waiting for %s", entry.InputCommand)
	}
	command := f.CommandName()
	if command != entry.InputCommand {
		return fmt.Errorf(
			"input message is not of expected type: expected %s, got %s",
			entry.InputCommand,
			command,
		)
	}
	if entry.InputCheckFunc == nil {
		return nil
	}
	msg, err := protocol.NewMessage(command, f.Payload, MockProtocolVersion)
	if err != nil {
		return fmt.Errorf("decode error: %w", err)
	}
	return entry.InputCheckFunc(msg.Msg)
}

func (p *Peer) processOutputEntry(entry ConversationEntry) error {
	magic := p.magic
	if entry.OutputMagic != 0 {
		magic = entry.OutputMagic
	}
	for _, msg := range entry.OutputMessages {
		payload, err := protocol.EncodeMessage(msg, MockProtocolVersion)
		if err != nil {
			return err
		}
		f, err := frame.New(magic, msg.Command(), payload)
		if err != nil {
			return err
		}
		if err := frame.Write(p.mockConn, f); err != nil {
			return fmt.Errorf("output error: %w", err)
		}
	}
	return nil
}

// ErrDialRefused is returned by a Dialer for a nil peer or once it has run
// out of peers
var ErrDialRefused = errors.New("mock dial refused")

// Dialer hands out the client ends of its peers in order, one per dial
type Dialer struct {
	mutex    sync.Mutex
	peers    []*Peer
	attempts int
}

// NewDialer returns a Dialer for peers. A nil peer makes the matching dial
// attempt fail.
func NewDialer(peers ...*Peer) *Dialer {
	return &Dialer{
		peers: peers,
	}
}

// DialContext has the signature of net.Dialer.DialContext
func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mutex.Lock()
	defer d.mutex.Unlock()
	idx := d.attempts
	d.attempts++
	if idx >= len(d.peers) || d.peers[idx] == nil {
		return nil, fmt.Errorf("%w: %s %s", ErrDialRefused, network, address)
	}
	return d.peers[idx].Conn(), nil
}

// Attempts returns the number of dial attempts made
func (d *Dialer) Attempts() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.attempts
}
