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
	"math/rand/v2"
	"net"
	"sync"

	"github.com/blinklabs-io/btcspv/protocol"
	"github.com/btcsuite/btcd/wire"
)

// DefaultUserAgent is the user agent advertised in version messages
const DefaultUserAgent = "/Blockstack Core:21/"

// SocketSlot holds at most one peer stream and hands it out under exclusive,
// scoped access. A holder that panics poisons the slot, after which every
// acquisition fails with protocol.ErrSocketUnusable.
type SocketSlot struct {
	mutex    sync.Mutex
	conn     net.Conn
	poisoned bool
	// Kept outside the mutex so Close can interrupt a holder blocked on I/O
	rawMutex sync.Mutex
	raw      net.Conn
}

// NewSocketSlot returns a slot holding conn, which may be nil
func NewSocketSlot(conn net.Conn) *SocketSlot {
	return &SocketSlot{
		conn: conn,
		raw:  conn,
	}
}

// With runs fn with exclusive access to the stream. The slot is released on
// every path out of fn.
func (s *SocketSlot) With(fn func(net.Conn) error) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.poisoned {
		return protocol.ErrSocketUnusable
	}
	if s.conn == nil {
		return protocol.ErrNotConnected
	}
	completed := false
	defer func() {
		if !completed {
			s.poisoned = true
		}
	}()
	err := fn(s.conn)
	completed = true
	return err
}

// Replace swaps the held stream for conn and clears any poisoning. The
// previous stream, if any, is closed.
func (s *SocketSlot) Replace(conn net.Conn) {
	s.rawMutex.Lock()
	old := s.raw
	s.raw = conn
	s.rawMutex.Unlock()
	if old != nil && old != conn {
		_ = old.Close()
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.conn = conn
	s.poisoned = false
}

// Close closes the held stream and empties the slot. A holder blocked in a
// read or write is woken up with an error before the slot is emptied.
func (s *SocketSlot) Close() error {
	s.rawMutex.Lock()
	raw := s.raw
	s.raw = nil
	s.rawMutex.Unlock()
	var err error
	if raw != nil {
		err = raw.Close()
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.conn = nil
	return err
}

// Occupied reports whether the slot holds a stream
func (s *SocketSlot) Occupied() bool {
	s.rawMutex.Lock()
	defer s.rawMutex.Unlock()
	return s.raw != nil
}

// Runtime is the per-connection state shared by the peer manager and the
// dispatcher. A new Runtime is created for every connection attempt.
type Runtime struct {
	socket       *SocketSlot
	Network      Network
	Services     wire.ServiceFlag
	UserAgent    string
	VersionNonce uint64
}

// NewRuntime returns a Runtime with an empty socket slot and a fresh random
// version nonce
func NewRuntime(network Network, services wire.ServiceFlag, userAgent string) *Runtime {
	nonce, err := wire.RandomUint64()
	if err != nil {
		nonce = rand.Uint64()
	}
	return &Runtime{
		socket:       NewSocketSlot(nil),
		Network:      network,
		Services:     services,
		UserAgent:    userAgent,
		VersionNonce: nonce,
	}
}

// Socket returns the socket slot of the runtime
func (r *Runtime) Socket() *SocketSlot {
	return r.socket
}
