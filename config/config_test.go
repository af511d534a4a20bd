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

package config_test

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/blinklabs-io/btcspv/config"
	"github.com/blinklabs-io/btcspv/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := config.DefaultConfig()
	assert.Equal(t, "bitcoin.blockstack.com", cfg.PeerHost())
	assert.Equal(t, uint16(8332), cfg.PeerPort())
	assert.Equal(t, uint16(8333), cfg.RpcPort())
	assert.Equal(t, "blockstack", cfg.Username())
	assert.Equal(t, "blockstacksystem", cfg.Password())
	assert.Equal(t, uint32(30), cfg.TimeoutSeconds())
	assert.Equal(t, 30*time.Second, cfg.Timeout())
	assert.Equal(t, "bitcoin.blockstack.com:8332", cfg.PeerAddress())
	assert.True(t, strings.HasSuffix(cfg.HeaderStorePath(), config.DefaultHeadersFileName))
}

func TestPortRange(t *testing.T) {
	testDefs := []struct {
		port  uint16
		valid bool
	}{
		{port: 0, valid: false},
		{port: 1023, valid: false},
		{port: 1024, valid: false},
		{port: 1025, valid: true},
		{port: 8333, valid: true},
		{port: 65534, valid: true},
		{port: 65535, valid: false},
	}
	for _, testDef := range testDefs {
		_, err := config.New(config.WithPeerPort(testDef.port))
		_, rpcErr := config.New(config.WithRpcPort(testDef.port))
		if testDef.valid {
			assert.NoError(t, err, "p2p port %d", testDef.port)
			assert.NoError(t, rpcErr, "rpc port %d", testDef.port)
		} else {
			assert.ErrorIs(t, err, config.ErrInvalidPort, "p2p port %d", testDef.port)
			assert.ErrorIs(t, rpcErr, config.ErrInvalidPort, "rpc port %d", testDef.port)
			assert.ErrorIs(t, err, protocol.ErrConfiguration)
		}
	}
}

func TestInvalidValues(t *testing.T) {
	_, err := config.New(config.WithTimeout(0))
	assert.ErrorIs(t, err, config.ErrInvalidValue)
	_, err = config.New(config.WithPeerHost(""))
	assert.ErrorIs(t, err, config.ErrInvalidValue)
	_, err = config.New(config.WithHeaderStorePath(""))
	assert.ErrorIs(t, err, config.ErrInvalidValue)
}

func TestLargestTimeout(t *testing.T) {
	cfg, err := config.New(config.WithTimeout(math.MaxUint32))
	require.NoError(t, err)
	assert.Equal(t, time.Duration(math.MaxUint32)*time.Second, cfg.Timeout())
	assert.Positive(t, cfg.Timeout())
}

func TestNewConfigFromReader(t *testing.T) {
	data := `
[bitcoin]
server = 127.0.0.1
p2p_port = 18444
port = 18443
user = alice
password = secret
timeout = 5
spv_headers_path = /tmp/headers.dat
`
	cfg, err := config.NewConfigFromReader(strings.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.PeerHost())
	assert.Equal(t, uint16(18444), cfg.PeerPort())
	assert.Equal(t, uint16(18443), cfg.RpcPort())
	assert.Equal(t, "alice", cfg.Username())
	assert.Equal(t, "secret", cfg.Password())
	assert.Equal(t, 5*time.Second, cfg.Timeout())
	assert.Equal(t, "/tmp/headers.dat", cfg.HeaderStorePath())
	assert.Equal(t, "127.0.0.1:18444", cfg.PeerAddress())
}

func TestNewConfigFromReaderPartial(t *testing.T) {
	cfg, err := config.NewConfigFromReader(strings.NewReader("[bitcoin]\ntimeout = 12\n"))
	require.NoError(t, err)
	assert.Equal(t, uint32(12), cfg.TimeoutSeconds())
	assert.Equal(t, config.DefaultPeerHost, cfg.PeerHost())
	assert.Equal(t, uint16(config.DefaultPeerPort), cfg.PeerPort())
}

func TestNewConfigFromReaderErrors(t *testing.T) {
	testDefs := []struct {
		name        string
		data        string
		expectedErr error
	}{
		{name: "MissingSection", data: "[other]\nserver = x\n", expectedErr: config.ErrMissingSection},
		{name: "PortTooLow", data: "[bitcoin]\np2p_port = 80\n", expectedErr: config.ErrInvalidPort},
		{name: "PortTooHigh", data: "[bitcoin]\nport = 70000\n", expectedErr: config.ErrInvalidPort},
		{name: "PortNotNumeric", data: "[bitcoin]\np2p_port = abc\n", expectedErr: config.ErrInvalidValue},
		{name: "TimeoutNotNumeric", data: "[bitcoin]\ntimeout = soon\n", expectedErr: config.ErrInvalidValue},
		{name: "TimeoutZero", data: "[bitcoin]\ntimeout = 0\n", expectedErr: config.ErrInvalidValue},
		{name: "TimeoutTooLarge", data: "[bitcoin]\ntimeout = 10000000000\n", expectedErr: config.ErrInvalidValue},
		{name: "TimeoutNegative", data: "[bitcoin]\ntimeout = -5\n", expectedErr: config.ErrInvalidValue},
	}
	for _, testDef := range testDefs {
		t.Run(testDef.name, func(t *testing.T) {
			_, err := config.NewConfigFromReader(strings.NewReader(testDef.data))
			assert.ErrorIs(t, err, testDef.expectedErr)
			assert.ErrorIs(t, err, protocol.ErrConfiguration)
		})
	}
}

func TestLoadWorkingDir(t *testing.T) {
	dir := t.TempDir()
	_, err := config.LoadWorkingDir(dir)
	assert.ErrorIs(t, err, config.ErrConfigNotFound)
	require.NoError(
		t,
		os.WriteFile(
			filepath.Join(dir, config.DefaultConfigFileName),
			[]byte("[bitcoin]\nserver = node.example.com\n"),
			0o600,
		),
	)
	cfg, err := config.LoadWorkingDir(dir)
	require.NoError(t, err)
	assert.Equal(t, "node.example.com", cfg.PeerHost())
}

func TestLogValueOmitsPassword(t *testing.T) {
	cfg, err := config.New(config.WithPassword("hunter2"))
	require.NoError(t, err)
	assert.NotContains(t, cfg.LogValue().String(), "hunter2")
}
