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
	"log/slog"
	"sync/atomic"
	"time"
)

// Metrics tracks indexer activity.
// Uses atomic counters for thread-safe operation.
type Metrics struct {
	messagesReceived  atomic.Uint64
	messagesHandled   atomic.Uint64
	messagesUnhandled atomic.Uint64
	headersAppended   atomic.Uint64
	connectAttempts   atomic.Uint64
	handshakes        atomic.Uint64
	reconnects        atomic.Uint64
	keepAliveProbes   atomic.Uint64

	startTime time.Time
}

// MetricsSnapshot is a point-in-time copy of Metrics
type MetricsSnapshot struct {
	MessagesReceived  uint64
	MessagesHandled   uint64
	MessagesUnhandled uint64
	HeadersAppended   uint64
	ConnectAttempts   uint64
	Handshakes        uint64
	Reconnects        uint64
	KeepAliveProbes   uint64
	Uptime            time.Duration
}

// NewMetrics creates a new Metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// RecordReceived increments the received message counter.
func (m *Metrics) RecordReceived() {
	m.messagesReceived.Add(1)
}

// RecordHandled records the outcome of handling a message.
func (m *Metrics) RecordHandled(unhandled bool) {
	if unhandled {
		m.messagesUnhandled.Add(1)
		return
	}
	m.messagesHandled.Add(1)
}

// RecordHeaders adds count to the appended header counter.
func (m *Metrics) RecordHeaders(count int) {
	m.headersAppended.Add(uint64(count))
}

// RecordConnectAttempt increments the connect attempt counter.
func (m *Metrics) RecordConnectAttempt() {
	m.connectAttempts.Add(1)
}

// RecordHandshake increments the completed handshake counter.
func (m *Metrics) RecordHandshake() {
	m.handshakes.Add(1)
}

// RecordReconnect increments the counter of reconnects after a broken connection.
func (m *Metrics) RecordReconnect() {
	m.reconnects.Add(1)
}

// RecordKeepAlive increments the keep-alive probe counter.
func (m *Metrics) RecordKeepAlive() {
	m.keepAliveProbes.Add(1)
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		MessagesReceived:  m.messagesReceived.Load(),
		MessagesHandled:   m.messagesHandled.Load(),
		MessagesUnhandled: m.messagesUnhandled.Load(),
		HeadersAppended:   m.headersAppended.Load(),
		ConnectAttempts:   m.connectAttempts.Load(),
		Handshakes:        m.handshakes.Load(),
		Reconnects:        m.reconnects.Load(),
		KeepAliveProbes:   m.keepAliveProbes.Load(),
		Uptime:            time.Since(m.startTime),
	}
}

// LogValue implements slog.LogValuer
func (s MetricsSnapshot) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("messages_received", s.MessagesReceived),
		slog.Uint64("messages_handled", s.MessagesHandled),
		slog.Uint64("messages_unhandled", s.MessagesUnhandled),
		slog.Uint64("headers_appended", s.HeadersAppended),
		slog.Uint64("connect_attempts", s.ConnectAttempts),
		slog.Uint64("handshakes", s.Handshakes),
		slog.Uint64("reconnects", s.Reconnects),
		slog.Uint64("keepalive_probes", s.KeepAliveProbes),
		slog.Duration("uptime", s.Uptime),
	)
}
