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

// Package config provides the immutable configuration record of the indexer
// and its loader for the bitcoin.ini file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/blinklabs-io/btcspv/protocol"
	"github.com/btcsuite/btcd/btcutil"
	"gopkg.in/ini.v1"
)

const (
	DefaultConfigFileName  = "bitcoin.ini"
	SectionName            = "bitcoin"
	DefaultAppName         = "blockstack-core"
	DefaultHeadersFileName = "bitcoin-spv-headers.dat"

	DefaultPeerHost       = "bitcoin.blockstack.com"
	DefaultRpcPort        = 8333
	DefaultPeerPort       = 8332
	DefaultUsername       = "blockstack"
	DefaultPassword       = "blockstacksystem"
	DefaultTimeoutSeconds = 30

	// Ports must be strictly between these bounds
	MinPort = 1024
	MaxPort = 65535
)

// Keys of the [bitcoin] section
const (
	KeyServer          = "server"
	KeyPeerPort        = "p2p_port"
	KeyRpcPort         = "port"
	KeyUsername        = "user"
	KeyPassword        = "password"
	KeyTimeout         = "timeout"
	KeyHeaderStorePath = "spv_headers_path"
)

var (
	ErrConfigNotFound = fmt.Errorf("%w: config file not found", protocol.ErrConfiguration)
	ErrMissingSection = fmt.Errorf(
		"%w: missing [%s] section",
		protocol.ErrConfiguration,
		SectionName,
	)
	ErrInvalidPort = fmt.Errorf(
		"%w: port must be greater than %d and less than %d",
		protocol.ErrConfiguration,
		MinPort,
		MaxPort,
	)
	ErrInvalidValue = fmt.Errorf("%w: invalid value", protocol.ErrConfiguration)
)

// Config holds the connection parameters of the indexer. It cannot be
// modified after construction.
type Config struct {
	peerHost        string
	peerPort        uint16
	rpcPort         uint16
	username        string
	password        string
	timeoutSeconds  uint32
	headerStorePath string
}

// OptionFunc is a type that represents functions that modify the Config
type OptionFunc func(*Config)

// New returns a validated Config built from the defaults and the provided options
func New(options ...OptionFunc) (*Config, error) {
	c := &Config{
		peerHost:        DefaultPeerHost,
		peerPort:        DefaultPeerPort,
		rpcPort:         DefaultRpcPort,
		username:        DefaultUsername,
		password:        DefaultPassword,
		timeoutSeconds:  DefaultTimeoutSeconds,
		headerStorePath: DefaultHeaderStorePath(),
	}
	for _, option := range options {
		option(c)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// DefaultConfig returns the Config used when no config file is present
func DefaultConfig() *Config {
	c, err := New()
	if err != nil {
		// The defaults are constants and always valid
		panic(err)
	}
	return c
}

// DefaultHeaderStorePath returns the header file location under the
// per-user application data directory
func DefaultHeaderStorePath() string {
	return filepath.Join(
		btcutil.AppDataDir(DefaultAppName, false),
		DefaultHeadersFileName,
	)
}

// ValidPort reports whether p is accepted as a peer or RPC port
func ValidPort(p uint64) bool {
	return p > MinPort && p < MaxPort
}

func (c *Config) validate() error {
	if c.peerHost == "" {
		return fmt.Errorf("%w: %s must not be empty", ErrInvalidValue, KeyServer)
	}
	if !ValidPort(uint64(c.peerPort)) {
		return fmt.Errorf("%w: %s = %d", ErrInvalidPort, KeyPeerPort, c.peerPort)
	}
	if !ValidPort(uint64(c.rpcPort)) {
		return fmt.Errorf("%w: %s = %d", ErrInvalidPort, KeyRpcPort, c.rpcPort)
	}
	if c.timeoutSeconds == 0 {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidValue, KeyTimeout)
	}
	if c.headerStorePath == "" {
		return fmt.Errorf("%w: %s must not be empty", ErrInvalidValue, KeyHeaderStorePath)
	}
	return nil
}

// WithPeerHost specifies the host name or address of the peer
func WithPeerHost(host string) OptionFunc {
	return func(c *Config) {
		c.peerHost = host
	}
}

// WithPeerPort specifies the P2P port of the peer
func WithPeerPort(port uint16) OptionFunc {
	return func(c *Config) {
		c.peerPort = port
	}
}

// WithRpcPort specifies the RPC port of the peer
func WithRpcPort(port uint16) OptionFunc {
	return func(c *Config) {
		c.rpcPort = port
	}
}

// WithUsername specifies the RPC user name
func WithUsername(username string) OptionFunc {
	return func(c *Config) {
		c.username = username
	}
}

// WithPassword specifies the RPC password
func WithPassword(password string) OptionFunc {
	return func(c *Config) {
		c.password = password
	}
}

// WithTimeout specifies the timeout for blocking network operations, in seconds
func WithTimeout(seconds uint32) OptionFunc {
	return func(c *Config) {
		c.timeoutSeconds = seconds
	}
}

// WithHeaderStorePath specifies the location of the header store file
func WithHeaderStorePath(path string) OptionFunc {
	return func(c *Config) {
		c.headerStorePath = path
	}
}

func (c *Config) PeerHost() string {
	return c.peerHost
}

func (c *Config) PeerPort() uint16 {
	return c.peerPort
}

func (c *Config) RpcPort() uint16 {
	return c.rpcPort
}

func (c *Config) Username() string {
	return c.username
}

func (c *Config) Password() string {
	return c.password
}

func (c *Config) TimeoutSeconds() uint32 {
	return c.timeoutSeconds
}

// Timeout returns the timeout as a time.Duration
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.timeoutSeconds) * time.Second
}

func (c *Config) HeaderStorePath() string {
	return c.headerStorePath
}

// PeerAddress returns the host:port address used to dial the peer
func (c *Config) PeerAddress() string {
	return net.JoinHostPort(c.peerHost, strconv.Itoa(int(c.peerPort)))
}

// LogValue implements slog.LogValuer and omits the password
func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String(KeyServer, c.peerHost),
		slog.Int(KeyPeerPort, int(c.peerPort)),
		slog.Int(KeyRpcPort, int(c.rpcPort)),
		slog.String(KeyUsername, c.username),
		slog.Uint64(KeyTimeout, uint64(c.timeoutSeconds)),
		slog.String(KeyHeaderStorePath, c.headerStorePath),
	)
}

// LoadWorkingDir loads bitcoin.ini from dir
func LoadWorkingDir(dir string) (*Config, error) {
	return NewConfigFromFile(filepath.Join(dir, DefaultConfigFileName))
}

// NewConfigFromFile loads a Config from an INI file
func NewConfigFromFile(path string) (*Config, error) {
	dataFile, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("%w: %w", protocol.ErrConfiguration, err)
	}
	defer dataFile.Close()
	return NewConfigFromReader(dataFile)
}

// NewConfigFromReader parses a Config from INI data. Every key of the
// [bitcoin] section is optional and falls back to its default.
func NewConfigFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrConfiguration, err)
	}
	iniFile, err := ini.Load(bytes.TrimSpace(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidValue, err)
	}
	section, err := iniFile.GetSection(SectionName)
	if err != nil {
		return nil, ErrMissingSection
	}
	var options []OptionFunc
	if value, ok := sectionValue(section, KeyServer); ok {
		options = append(options, WithPeerHost(value))
	}
	if value, ok := sectionValue(section, KeyPeerPort); ok {
		port, err := parsePort(KeyPeerPort, value)
		if err != nil {
			return nil, err
		}
		options = append(options, WithPeerPort(port))
	}
	if value, ok := sectionValue(section, KeyRpcPort); ok {
		port, err := parsePort(KeyRpcPort, value)
		if err != nil {
			return nil, err
		}
		options = append(options, WithRpcPort(port))
	}
	if value, ok := sectionValue(section, KeyUsername); ok {
		options = append(options, WithUsername(value))
	}
	if value, ok := sectionValue(section, KeyPassword); ok {
		options = append(options, WithPassword(value))
	}
	if value, ok := sectionValue(section, KeyTimeout); ok {
		timeout, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: %s = %q", ErrInvalidValue, KeyTimeout, value)
		}
		options = append(options, WithTimeout(uint32(timeout)))
	}
	if value, ok := sectionValue(section, KeyHeaderStorePath); ok {
		options = append(options, WithHeaderStorePath(value))
	}
	return New(options...)
}

func sectionValue(section *ini.Section, key string) (string, bool) {
	if !section.HasKey(key) {
		return "", false
	}
	return strings.TrimSpace(section.Key(key).String()), true
}

func parsePort(key string, value string) (uint16, error) {
	port, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s = %q", ErrInvalidValue, key, value)
	}
	if !ValidPort(port) {
		return 0, fmt.Errorf("%w: %s = %d", ErrInvalidPort, key, port)
	}
	return uint16(port), nil
}
