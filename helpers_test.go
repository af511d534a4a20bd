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

package btcspv_test

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/blinklabs-io/btcspv"
	"github.com/blinklabs-io/btcspv/config"
	"github.com/blinklabs-io/btcspv/internal/test/mockpeer"
	"github.com/blinklabs-io/btcspv/spv"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

const mockPeerTimeout = 5 * time.Second

func newTestConfig(t *testing.T, timeoutSeconds uint32) *config.Config {
	t.Helper()
	cfg, err := config.New(
		config.WithPeerHost("127.0.0.1"),
		config.WithPeerPort(18444),
		config.WithTimeout(timeoutSeconds),
		config.WithHeaderStorePath(filepath.Join(t.TempDir(), config.DefaultHeadersFileName)),
	)
	require.NoError(t, err)
	return cfg
}

func newTestStore(t *testing.T) *spv.Store {
	t.Helper()
	store, err := spv.Open(filepath.Join(t.TempDir(), config.DefaultHeadersFileName))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testOptions(t *testing.T, dialer *mockpeer.Dialer, extra ...btcspv.OptionFunc) []btcspv.OptionFunc {
	t.Helper()
	ret := []btcspv.OptionFunc{
		btcspv.WithConfig(newTestConfig(t, 2)),
		btcspv.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		btcspv.WithDialFunc(dialer.DialContext),
		btcspv.WithBackoff(
			btcspv.BackoffConfig{
				Initial: time.Millisecond,
				Max:     5 * time.Millisecond,
			},
		),
	}
	return append(ret, extra...)
}

// waitForConversation waits for the mock peer to finish its conversation and
// fails the test on any conversation error
func waitForConversation(t *testing.T, peer *mockpeer.Peer) {
	t.Helper()
	select {
	case <-peer.Done():
	case <-time.After(mockPeerTimeout):
		t.Fatal("timed out waiting for mock peer conversation to finish")
	}
	select {
	case err := <-peer.ErrorChan():
		t.Fatalf("mock peer conversation error: %s", err)
	default:
	}
}

func newHeadersMessage(headers []*wire.BlockHeader) *wire.MsgHeaders {
	msg := wire.NewMsgHeaders()
	for _, header := range headers {
		_ = msg.AddBlockHeader(header)
	}
	return msg
}
