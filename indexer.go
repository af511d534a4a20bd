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

// Package btcspv implements a Bitcoin SPV header indexer. It connects to a
// single peer, performs the version handshake, and maintains a verified,
// append-only chain of block headers on disk.
//
// The Indexer drives a PeerManager, which owns the connection lifecycle, and
// a Dispatcher, which receives messages and appends headers to an spv.Store.
package btcspv

import (
	"context"
	"errors"
	"log/slog"
	"math"

	"github.com/blinklabs-io/btcspv/config"
	"github.com/blinklabs-io/btcspv/protocol"
	"github.com/blinklabs-io/btcspv/spv"
)

// Indexer runs the receive loop against a single peer
type Indexer struct {
	config     *config.Config
	logger     *slog.Logger
	metrics    *Metrics
	store      *spv.Store
	ownStore   bool
	peer       *PeerManager
	dispatcher *Dispatcher
}

// NewIndexer returns an Indexer. Unless a store is provided with
// WithHeaderStore, the header store is opened at the configured path.
func NewIndexer(optionFuncs ...OptionFunc) (*Indexer, error) {
	o := newOptions(optionFuncs...)
	store := o.store
	ownStore := false
	if store == nil {
		var err error
		store, err = spv.Open(o.config.HeaderStorePath())
		if err != nil {
			return nil, err
		}
		ownStore = true
	}
	if o.startHeightFunc == nil {
		o.startHeightFunc = storeStartHeight(store)
	}
	peer := newPeerManager(o)
	return &Indexer{
		config:     o.config,
		logger:     o.logger.With("component", "indexer"),
		metrics:    o.metrics,
		store:      store,
		ownStore:   ownStore,
		peer:       peer,
		dispatcher: newDispatcher(peer, store, o),
	}, nil
}

// storeStartHeight advertises the chain height of our tip. The store begins
// at block 1, so store height h is chain height h+1.
func storeStartHeight(store *spv.Store) StartHeightFunc {
	return func() int32 {
		height, err := store.Height()
		if err != nil || height < 0 {
			return 0
		}
		return int32(min(height+1, math.MaxInt32))
	}
}

// PeerManager returns the peer manager of the indexer
func (i *Indexer) PeerManager() *PeerManager {
	return i.peer
}

// Dispatcher returns the dispatcher of the indexer
func (i *Indexer) Dispatcher() *Dispatcher {
	return i.dispatcher
}

// Store returns the header store of the indexer
func (i *Indexer) Store() *spv.Store {
	return i.store
}

// Metrics returns the metrics collector of the indexer
func (i *Indexer) Metrics() *Metrics {
	return i.metrics
}

// Run follows the named network until ctx is done or an error occurs that
// cannot be recovered by reconnecting. Unhandled messages are ignored and a
// broken connection is re-established with a fresh handshake.
func (i *Indexer) Run(ctx context.Context, networkName string) error {
	network, err := SelectNetwork(networkName)
	if err != nil {
		return err
	}
	// Unblock a pending receive when ctx is done
	stop := context.AfterFunc(ctx, func() {
		_ = i.peer.Close()
	})
	defer stop()
	defer i.peer.Close()
	i.logger.Info(
		"starting indexer",
		"network", network.Name,
		"config", i.config,
		"header_store", i.store.Path(),
	)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if i.peer.State() != StateReady {
			if err := i.peer.EnsureConnected(ctx, network); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				return err
			}
			if err := i.handleError(ctx, i.dispatcher.RequestHeaders()); err != nil {
				return err
			}
			continue
		}
		if err := i.handleError(ctx, i.dispatcher.RecvAndHandle()); err != nil {
			return err
		}
	}
}

// handleError applies the driver policy to the result of a dispatcher call.
// A nil return means the loop continues.
func (i *Indexer) handleError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, protocol.ErrUnhandledMessage) {
		i.logger.Debug("ignoring message", "error", err)
		return nil
	}
	if !protocol.IsFatal(err) {
		i.logger.Warn("connection lost, reconnecting", "error", err)
		i.peer.MarkBroken(err)
		return nil
	}
	i.logger.Error("indexer stopped", "error", err)
	return err
}

// Close drops the peer connection and closes the header store if the
// indexer opened it
func (i *Indexer) Close() error {
	err := i.peer.Close()
	if i.ownStore {
		if storeErr := i.store.Close(); storeErr != nil && err == nil {
			err = storeErr
		}
	}
	return err
}
