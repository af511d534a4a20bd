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
	"log/slog"
	"net"

	"github.com/blinklabs-io/btcspv/config"
	"github.com/blinklabs-io/btcspv/spv"
	"github.com/btcsuite/btcd/wire"
)

// DialFunc opens a stream to the peer at address
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// StartHeightFunc returns the height advertised to the peer in our version message
type StartHeightFunc func() int32

// options is shared by the PeerManager, Dispatcher and Indexer constructors.
// Each constructor only reads the fields that apply to it.
type options struct {
	config          *config.Config
	logger          *slog.Logger
	dialFunc        DialFunc
	backoff         BackoffConfig
	services        wire.ServiceFlag
	userAgent       string
	protocolVersion uint32
	metrics         *Metrics
	startHeightFunc StartHeightFunc
	keepAlive       bool
	store           *spv.Store
}

// OptionFunc is a type that represents functions that modify the PeerManager,
// Dispatcher or Indexer config
type OptionFunc func(*options)

func newOptions(optionFuncs ...OptionFunc) options {
	o := options{
		backoff:         DefaultBackoffConfig(),
		userAgent:       DefaultUserAgent,
		protocolVersion: wire.ProtocolVersion,
		keepAlive:       true,
	}
	for _, optionFunc := range optionFuncs {
		optionFunc(&o)
	}
	if o.config == nil {
		o.config = config.DefaultConfig()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.dialFunc == nil {
		dialer := &net.Dialer{}
		o.dialFunc = dialer.DialContext
	}
	if o.metrics == nil {
		o.metrics = NewMetrics()
	}
	return o
}

// WithConfig specifies the connection config. If none is provided, the defaults are used
func WithConfig(cfg *config.Config) OptionFunc {
	return func(o *options) {
		o.config = cfg
	}
}

// WithLogger specifies the logger. If none is provided, slog.Default() is used
func WithLogger(logger *slog.Logger) OptionFunc {
	return func(o *options) {
		o.logger = logger
	}
}

// WithDialFunc specifies the function used to open connections to the peer
func WithDialFunc(dialFunc DialFunc) OptionFunc {
	return func(o *options) {
		o.dialFunc = dialFunc
	}
}

// WithBackoff specifies the delays between connection attempts
func WithBackoff(backoff BackoffConfig) OptionFunc {
	return func(o *options) {
		o.backoff = backoff
	}
}

// WithServices specifies the service flags advertised in our version message
func WithServices(services wire.ServiceFlag) OptionFunc {
	return func(o *options) {
		o.services = services
	}
}

// WithUserAgent specifies the user agent advertised in our version message
func WithUserAgent(userAgent string) OptionFunc {
	return func(o *options) {
		o.userAgent = userAgent
	}
}

// WithProtocolVersion specifies the highest protocol version we offer
func WithProtocolVersion(protocolVersion uint32) OptionFunc {
	return func(o *options) {
		o.protocolVersion = protocolVersion
	}
}

// WithMetrics specifies the metrics collector. Components sharing one collector
// should all be given the same value
func WithMetrics(metrics *Metrics) OptionFunc {
	return func(o *options) {
		o.metrics = metrics
	}
}

// WithStartHeightFunc specifies how the start height in our version message
// is determined. The default advertises a height of 0
func WithStartHeightFunc(startHeightFunc StartHeightFunc) OptionFunc {
	return func(o *options) {
		o.startHeightFunc = startHeightFunc
	}
}

// WithKeepAlive specifies whether to probe a silent peer with a ping before
// declaring the connection broken. This is enabled by default
func WithKeepAlive(keepAlive bool) OptionFunc {
	return func(o *options) {
		o.keepAlive = keepAlive
	}
}

// WithHeaderStore specifies an already opened header store for the Indexer.
// If none is provided, the store is opened from the configured path
func WithHeaderStore(store *spv.Store) OptionFunc {
	return func(o *options) {
		o.store = store
	}
}
