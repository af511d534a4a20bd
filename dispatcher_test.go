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
	"context"
	"errors"
	"testing"

	"github.com/blinklabs-io/btcspv"
	"github.com/blinklabs-io/btcspv/internal/test"
	"github.com/blinklabs-io/btcspv/internal/test/mockpeer"
	"github.com/blinklabs-io/btcspv/protocol"
	"github.com/blinklabs-io/btcspv/spv"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func newReadyDispatcher(
	t *testing.T,
	mockPeer *mockpeer.Peer,
	store btcspv.HeaderStore,
	extra ...btcspv.OptionFunc,
) (*btcspv.PeerManager, *btcspv.Dispatcher) {
	t.Helper()
	options := testOptions(t, mockpeer.NewDialer(mockPeer), extra...)
	pm := btcspv.NewPeerManager(options...)
	require.NoError(t, pm.ConnectWithBackoff(context.Background(), "mainnet"))
	return pm, btcspv.NewDispatcher(pm, store, options...)
}

func checkGetHeaders(expectedFirst chainhash.Hash) mockpeer.InputCheckFunc {
	return func(msg wire.Message) error {
		getHeaders := msg.(*wire.MsgGetHeaders)
		if len(getHeaders.BlockLocatorHashes) == 0 {
			return errors.New("empty block locator")
		}
		if *getHeaders.BlockLocatorHashes[0] != expectedFirst {
			return errors.New("locator does not start at expected hash " + expectedFirst.String())
		}
		last := getHeaders.BlockLocatorHashes[len(getHeaders.BlockLocatorHashes)-1]
		if *last != *chaincfg.MainNetParams.GenesisHash {
			return errors.New("locator does not end with genesis")
		}
		if getHeaders.HashStop != (chainhash.Hash{}) {
			return errors.New("unexpected stop hash")
		}
		return nil
	}
}

func TestDispatcherNotReady(t *testing.T) {
	pm := btcspv.NewPeerManager(testOptions(t, mockpeer.NewDialer())...)
	d := btcspv.NewDispatcher(pm, newTestStore(t))
	_, err := d.ReceiveNext()
	assert.ErrorIs(t, err, protocol.ErrNotConnected)
	assert.ErrorIs(t, d.RequestHeaders(), protocol.ErrNotConnected)
}

func TestDispatcherHandleNotReady(t *testing.T) {
	pm := btcspv.NewPeerManager(testOptions(t, mockpeer.NewDialer())...)
	store := newTestStore(t)
	metrics := btcspv.NewMetrics()
	d := btcspv.NewDispatcher(pm, store, btcspv.WithMetrics(metrics))
	headers := test.MakeHeaderChain(*chaincfg.MainNetParams.GenesisHash, 3)
	msg := &protocol.Message{
		Command: wire.CmdHeaders,
		Msg:     newHeadersMessage(headers),
	}
	assert.ErrorIs(t, d.Handle(msg), protocol.ErrNotConnected)
	height, err := store.Height()
	require.NoError(t, err)
	assert.Equal(t, int64(-1), height)
	assert.Equal(t, btcspv.StateDisconnected, pm.State())
	assert.Equal(t, uint64(0), metrics.Snapshot().MessagesHandled)
}

func TestDispatcherEndToEndHeaders(t *testing.T) {
	defer goleak.VerifyNone(t)
	genesis := *chaincfg.MainNetParams.GenesisHash
	headers := test.MakeHeaderChain(genesis, 3)
	mockPeer := mockpeer.New(
		wire.MainNet,
		mockpeer.NewHandshakeConversation(
			mockpeer.NewInputEntry(wire.CmdGetHeaders, checkGetHeaders(genesis)),
			mockpeer.NewOutputEntry(newHeadersMessage(headers)),
		),
	)
	defer mockPeer.Close()
	store := newTestStore(t)
	metrics := btcspv.NewMetrics()
	pm, d := newReadyDispatcher(t, mockPeer, store, btcspv.WithMetrics(metrics))
	defer pm.Close()
	require.NoError(t, d.RequestHeaders())
	require.NoError(t, d.RecvAndHandle())
	waitForConversation(t, mockPeer)
	height, err := store.Height()
	require.NoError(t, err)
	assert.Equal(t, int64(2), height)
	tip, err := store.TipHash()
	require.NoError(t, err)
	assert.Equal(t, headers[2].BlockHash(), *tip)
	assert.Equal(t, uint64(3), metrics.Snapshot().HeadersAppended)
	assert.Equal(t, uint64(1), metrics.Snapshot().MessagesHandled)
}

func TestDispatcherFullBatchRequestsMore(t *testing.T) {
	defer goleak.VerifyNone(t)
	genesis := *chaincfg.MainNetParams.GenesisHash
	headers := test.MakeHeaderChain(genesis, wire.MaxBlockHeadersPerMsg)
	mockPeer := mockpeer.New(
		wire.MainNet,
		mockpeer.NewHandshakeConversation(
			mockpeer.NewInputEntry(wire.CmdGetHeaders, checkGetHeaders(genesis)),
			mockpeer.NewOutputEntry(newHeadersMessage(headers)),
			mockpeer.NewInputEntry(
				wire.CmdGetHeaders,
				checkGetHeaders(headers[len(headers)-1].BlockHash()),
			),
		),
	)
	defer mockPeer.Close()
	store := newTestStore(t)
	pm, d := newReadyDispatcher(t, mockPeer, store)
	defer pm.Close()
	require.NoError(t, d.RequestHeaders())
	require.NoError(t, d.RecvAndHandle())
	waitForConversation(t, mockPeer)
	height, err := store.Height()
	require.NoError(t, err)
	assert.Equal(t, int64(wire.MaxBlockHeadersPerMsg-1), height)
}

func TestDispatcherUnknownCommand(t *testing.T) {
	defer goleak.VerifyNone(t)
	mockPeer := mockpeer.New(
		wire.MainNet,
		mockpeer.NewHandshakeConversation(
			mockpeer.NewOutputEntry(wire.NewMsgSendHeaders(), wire.NewMsgGetAddr()),
		),
	)
	defer mockPeer.Close()
	metrics := btcspv.NewMetrics()
	pm, d := newReadyDispatcher(t, mockPeer, newTestStore(t), btcspv.WithMetrics(metrics))
	defer pm.Close()
	for range 2 {
		err := d.RecvAndHandle()
		assert.ErrorIs(t, err, protocol.ErrUnhandledMessage)
		assert.False(t, protocol.IsFatal(err))
		assert.Equal(t, btcspv.StateReady, pm.State())
	}
	waitForConversation(t, mockPeer)
	assert.Equal(t, uint64(2), metrics.Snapshot().MessagesUnhandled)
}

func TestDispatcherWrongMagic(t *testing.T) {
	defer goleak.VerifyNone(t)
	headers := test.MakeHeaderChain(*chaincfg.MainNetParams.GenesisHash, 3)
	entry := mockpeer.NewOutputEntry(newHeadersMessage(headers))
	entry.OutputMagic = wire.TestNet3
	mockPeer := mockpeer.New(wire.MainNet, mockpeer.NewHandshakeConversation(entry))
	defer mockPeer.Close()
	store := newTestStore(t)
	pm, d := newReadyDispatcher(t, mockPeer, store)
	defer pm.Close()
	err := d.RecvAndHandle()
	assert.ErrorIs(t, err, protocol.ErrInvalidMagic)
	assert.Equal(t, btcspv.StateBroken, pm.State())
	height, err := store.Height()
	require.NoError(t, err)
	assert.Equal(t, int64(-1), height)
}

func TestDispatcherPing(t *testing.T) {
	defer goleak.VerifyNone(t)
	mockPeer := mockpeer.New(
		wire.MainNet,
		mockpeer.NewHandshakeConversation(
			mockpeer.NewOutputEntry(wire.NewMsgPing(7)),
			mockpeer.NewInputEntry(
				wire.CmdPong,
				func(msg wire.Message) error {
					if msg.(*wire.MsgPong).Nonce != 7 {
						return errors.New("pong nonce does not match ping")
					}
					return nil
				},
			),
		),
	)
	defer mockPeer.Close()
	pm, d := newReadyDispatcher(t, mockPeer, newTestStore(t))
	defer pm.Close()
	require.NoError(t, d.RecvAndHandle())
	waitForConversation(t, mockPeer)
}

func TestDispatcherInvRequestsHeaders(t *testing.T) {
	defer goleak.VerifyNone(t)
	genesis := *chaincfg.MainNetParams.GenesisHash
	inv := wire.NewMsgInv()
	blockHash := chainhash.Hash{0x01}
	require.NoError(t, inv.AddInvVect(wire.NewInvVect(wire.InvTypeBlock, &blockHash)))
	txInv := wire.NewMsgInv()
	require.NoError(t, txInv.AddInvVect(wire.NewInvVect(wire.InvTypeTx, &blockHash)))
	mockPeer := mockpeer.New(
		wire.MainNet,
		mockpeer.NewHandshakeConversation(
			mockpeer.NewOutputEntry(txInv, inv),
			mockpeer.NewInputEntry(wire.CmdGetHeaders, checkGetHeaders(genesis)),
		),
	)
	defer mockPeer.Close()
	pm, d := newReadyDispatcher(t, mockPeer, newTestStore(t))
	defer pm.Close()
	assert.ErrorIs(t, d.RecvAndHandle(), protocol.ErrUnhandledMessage)
	require.NoError(t, d.RecvAndHandle())
	waitForConversation(t, mockPeer)
}

func TestDispatcherVersionAfterHandshake(t *testing.T) {
	defer goleak.VerifyNone(t)
	mockPeer := mockpeer.New(
		wire.MainNet,
		mockpeer.NewHandshakeConversation(
			mockpeer.NewOutputEntry(wire.NewMsgVerAck()),
		),
	)
	defer mockPeer.Close()
	pm, d := newReadyDispatcher(t, mockPeer, newTestStore(t))
	defer pm.Close()
	err := d.RecvAndHandle()
	assert.ErrorIs(t, err, protocol.ErrInvalidReply)
	assert.True(t, protocol.IsFatal(err))
}

func TestDispatcherDiscontinuity(t *testing.T) {
	defer goleak.VerifyNone(t)
	genesis := *chaincfg.MainNetParams.GenesisHash
	stored := test.MakeHeaderChain(genesis, 2)
	store := newTestStore(t)
	require.NoError(t, store.Append(spv.NewRecordsFromHeaders(stored)))
	// Builds on genesis rather than on the stored tip
	fork := test.MakeHeaderChain(genesis, 3)
	fork[0].Nonce = 1234
	fork[1].PrevBlock = fork[0].BlockHash()
	fork[2].PrevBlock = fork[1].BlockHash()
	mockPeer := mockpeer.New(
		wire.MainNet,
		mockpeer.NewHandshakeConversation(
			mockpeer.NewOutputEntry(newHeadersMessage(fork)),
		),
	)
	defer mockPeer.Close()
	pm, d := newReadyDispatcher(t, mockPeer, store)
	defer pm.Close()
	err := d.RecvAndHandle()
	assert.ErrorIs(t, err, spv.ErrChainDiscontinuity)
	assert.ErrorIs(t, err, protocol.ErrInvalidReply)
	assert.True(t, protocol.IsFatal(err))
	height, err := store.Height()
	require.NoError(t, err)
	assert.Equal(t, int64(1), height)
}

func TestDispatcherConnectionClosed(t *testing.T) {
	defer goleak.VerifyNone(t)
	mockPeer1 := mockpeer.New(
		wire.MainNet,
		mockpeer.NewHandshakeConversation(mockpeer.ConversationEntryClose),
	)
	defer mockPeer1.Close()
	nonceChan := make(chan uint64, 1)
	mockPeer2 := mockpeer.New(
		wire.MainNet,
		[]mockpeer.ConversationEntry{
			mockpeer.NewInputEntry(
				wire.CmdVersion,
				func(msg wire.Message) error {
					nonceChan <- msg.(*wire.MsgVersion).Nonce
					return nil
				},
			),
			mockpeer.ConversationEntryVersionResponse,
			mockpeer.ConversationEntryVerAckRequest,
			mockpeer.ConversationEntryVerAckResponse,
		},
	)
	defer mockPeer2.Close()
	options := testOptions(t, mockpeer.NewDialer(mockPeer1, mockPeer2))
	pm := btcspv.NewPeerManager(options...)
	defer pm.Close()
	d := btcspv.NewDispatcher(pm, newTestStore(t), options...)
	require.NoError(t, pm.ConnectWithBackoff(context.Background(), "mainnet"))
	firstNonce := pm.Runtime().VersionNonce

	err := d.RecvAndHandle()
	assert.ErrorIs(t, err, protocol.ErrConnectionBroken)
	assert.Equal(t, btcspv.StateBroken, pm.State())

	require.NoError(t, pm.EnsureConnected(context.Background(), btcspv.NetworkMainnet))
	assert.Equal(t, btcspv.StateReady, pm.State())
	secondNonce := pm.Runtime().VersionNonce
	assert.NotEqual(t, firstNonce, secondNonce)
	assert.Equal(t, secondNonce, <-nonceChan)
	waitForConversation(t, mockPeer2)
}

func TestDispatcherKeepAlive(t *testing.T) {
	defer goleak.VerifyNone(t)
	pong := wire.NewMsgPong(0)
	mockPeer := mockpeer.New(
		wire.MainNet,
		mockpeer.NewHandshakeConversation(
			mockpeer.NewInputEntry(
				wire.CmdPing,
				func(msg wire.Message) error {
					pong.Nonce = msg.(*wire.MsgPing).Nonce
					return nil
				},
			),
			mockpeer.NewOutputEntry(pong),
		),
	)
	defer mockPeer.Close()
	metrics := btcspv.NewMetrics()
	pm, d := newReadyDispatcher(
		t,
		mockPeer,
		newTestStore(t),
		btcspv.WithConfig(newTestConfig(t, 1)),
		btcspv.WithMetrics(metrics),
	)
	defer pm.Close()
	msg, err := d.ReceiveNext()
	require.NoError(t, err)
	assert.Equal(t, wire.CmdPong, msg.Command)
	require.NoError(t, d.Handle(msg))
	assert.Equal(t, uint64(1), metrics.Snapshot().KeepAliveProbes)
	assert.Equal(t, btcspv.StateReady, pm.State())
	waitForConversation(t, mockPeer)
}

func TestDispatcherSilentPeer(t *testing.T) {
	defer goleak.VerifyNone(t)
	mockPeer := mockpeer.New(wire.MainNet, mockpeer.NewHandshakeConversation())
	defer mockPeer.Close()
	pm, d := newReadyDispatcher(
		t,
		mockPeer,
		newTestStore(t),
		btcspv.WithConfig(newTestConfig(t, 1)),
		btcspv.WithKeepAlive(false),
	)
	defer pm.Close()
	err := d.RecvAndHandle()
	assert.ErrorIs(t, err, protocol.ErrConnectionBroken)
	assert.Equal(t, btcspv.StateBroken, pm.State())
}

func TestDispatcherKeepAliveAfterOtherTraffic(t *testing.T) {
	defer goleak.VerifyNone(t)
	pong := wire.NewMsgPong(0)
	mockPeer := mockpeer.New(
		wire.MainNet,
		mockpeer.NewHandshakeConversation(
			mockpeer.NewInputEntry(wire.CmdPing, nil),
			mockpeer.NewOutputEntry(wire.NewMsgSendHeaders()),
			mockpeer.NewInputEntry(
				wire.CmdPing,
				func(msg wire.Message) error {
					pong.Nonce = msg.(*wire.MsgPing).Nonce
					return nil
				},
			),
			mockpeer.NewOutputEntry(pong),
		),
	)
	defer mockPeer.Close()
	metrics := btcspv.NewMetrics()
	pm, d := newReadyDispatcher(
		t,
		mockPeer,
		newTestStore(t),
		btcspv.WithConfig(newTestConfig(t, 1)),
		btcspv.WithMetrics(metrics),
	)
	defer pm.Close()
	// The first keep-alive ping is answered by unrelated traffic
	msg, err := d.ReceiveNext()
	require.NoError(t, err)
	assert.Equal(t, wire.CmdSendHeaders, msg.Command)
	// The peer goes quiet again and is pinged a second time
	msg, err = d.ReceiveNext()
	require.NoError(t, err)
	assert.Equal(t, wire.CmdPong, msg.Command)
	assert.Equal(t, uint64(2), metrics.Snapshot().KeepAliveProbes)
	assert.Equal(t, btcspv.StateReady, pm.State())
	waitForConversation(t, mockPeer)
}
