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

// Package spv implements the append-only on-disk store of verified block
// headers used for simplified payment verification.
//
// The store is a flat file of fixed-size records with no separators or
// trailer. The record at offset h*RecordSize is the header at height h, so
// the height of the store is derived from the file size alone.
package spv

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/blinklabs-io/btcspv/protocol"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	DefaultCacheSize = 2048

	// Number of most recent headers included one by one in a block locator
	// before the step between entries starts doubling
	locatorDenseCount = 10
)

var (
	// ErrChainDiscontinuity is returned when a batch of headers does not
	// build on itself or on the current tip
	ErrChainDiscontinuity = fmt.Errorf(
		"%w: header chain discontinuity",
		protocol.ErrInvalidReply,
	)
	// ErrCorruptStore is returned when the store file is not a whole number
	// of records
	ErrCorruptStore = fmt.Errorf(
		"%w: header store size is not a multiple of %d bytes",
		protocol.ErrFilesystem,
		RecordSize,
	)
	ErrHeightOutOfRange = errors.New("header height out of range")
)

// Store is an append-only file of block header records
type Store struct {
	path     string
	mutex    sync.Mutex
	cache    *lru.Cache[int64, Record]
	openFile openFileFunc
}

// appendFile is the subset of *os.File used to append records
type appendFile interface {
	io.Writer
	Sync() error
	Truncate(size int64) error
	Close() error
}

type openFileFunc func(path string) (appendFile, error)

func openAppendFile(path string) (appendFile, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
}

type storeOptions struct {
	cacheSize int
	openFile  openFileFunc
}

// StoreOptionFunc is a type that represents functions that modify the Store config
type StoreOptionFunc func(*storeOptions)

// WithCacheSize specifies how many decoded records are kept in memory
func WithCacheSize(size int) StoreOptionFunc {
	return func(o *storeOptions) {
		o.cacheSize = size
	}
}

// Open returns a Store backed by the file at path. The file itself is created
// on the first append, but its parent directory is created immediately.
func Open(path string, options ...StoreOptionFunc) (*Store, error) {
	opts := storeOptions{
		cacheSize: DefaultCacheSize,
		openFile:  openAppendFile,
	}
	for _, option := range options {
		option(&opts)
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty header store path", protocol.ErrConfiguration)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrFilesystem, err)
	}
	cache, err := lru.New[int64, Record](opts.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrConfiguration, err)
	}
	s := &Store{
		path:     path,
		cache:    cache,
		openFile: opts.openFile,
	}
	// Refuse to work with a file that was not written by us
	if _, err := s.height(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the location of the store file
func (s *Store) Path() string {
	return s.path
}

// Height returns the height of the last stored header, or -1 if the store is
// empty or does not exist yet
func (s *Store) Height() (int64, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.height()
}

func (s *Store) height() (int64, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return -1, nil
		}
		return -1, fmt.Errorf("%w: %w", protocol.ErrFilesystem, err)
	}
	size := info.Size()
	if size%RecordSize != 0 {
		return -1, fmt.Errorf("%w: %s is %d bytes", ErrCorruptStore, s.path, size)
	}
	return size/RecordSize - 1, nil
}

// TipHash returns the hash of the last stored header, or nil if the store is
// empty
func (s *Store) TipHash() (*chainhash.Hash, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	height, err := s.height()
	if err != nil {
		return nil, err
	}
	if height < 0 {
		return nil, nil
	}
	tip, err := s.readRecord(height)
	if err != nil {
		return nil, err
	}
	hash := tip.Hash()
	return &hash, nil
}

// ReadRecord returns the header stored at height
func (s *Store) ReadRecord(height int64) (Record, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	tipHeight, err := s.height()
	if err != nil {
		return Record{}, err
	}
	if height < 0 || height > tipHeight {
		return Record{}, fmt.Errorf(
			"%w: %d (store height is %d)",
			ErrHeightOutOfRange,
			height,
			tipHeight,
		)
	}
	return s.readRecord(height)
}

func (s *Store) readRecord(height int64) (Record, error) {
	if record, ok := s.cache.Get(height); ok {
		return record, nil
	}
	f, err := os.Open(s.path)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %w", protocol.ErrFilesystem, err)
	}
	defer f.Close()
	buf := make([]byte, RecordSize)
	if _, err := f.ReadAt(buf, height*RecordSize); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Record{}, fmt.Errorf(
			"%w: read header %d: %w",
			protocol.ErrFilesystem,
			height,
			err,
		)
	}
	record, err := DecodeRecord(buf)
	if err != nil {
		return Record{}, fmt.Errorf("%w: header %d: %w", protocol.ErrFilesystem, height, err)
	}
	s.cache.Add(height, record)
	return record, nil
}

// Append adds records to the end of the store. The batch must be internally
// contiguous and its first header must build on the current tip, unless the
// store is empty. Either the whole batch is written or nothing is.
func (s *Store) Append(records []Record) error {
	if len(records) == 0 {
		return nil
	}
	for i := 1; i < len(records); i++ {
		prevHash := records[i-1].Hash()
		if records[i].PrevHash() != prevHash {
			return fmt.Errorf(
				"%w: header %d (%s) builds on %s, expected %s",
				ErrChainDiscontinuity,
				i,
				records[i].Hash(),
				records[i].PrevHash(),
				prevHash,
			)
		}
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	height, err := s.height()
	if err != nil {
		return err
	}
	if height >= 0 {
		tip, err := s.readRecord(height)
		if err != nil {
			return err
		}
		tipHash := tip.Hash()
		if records[0].PrevHash() != tipHash {
			return fmt.Errorf(
				"%w: first header %s builds on %s, tip at height %d is %s",
				ErrChainDiscontinuity,
				records[0].Hash(),
				records[0].PrevHash(),
				height,
				tipHash,
			)
		}
	}
	buf := bytes.NewBuffer(make([]byte, 0, len(records)*RecordSize))
	for _, record := range records {
		if err := record.Encode(buf); err != nil {
			return err
		}
	}
	if err := s.writeAt((height+1)*RecordSize, buf.Bytes()); err != nil {
		return err
	}
	for i, record := range records {
		s.cache.Add(height+1+int64(i), record)
	}
	return nil
}

// writeAt appends data to a store file of the given size. A failed write is
// rolled back to the previous size.
func (s *Store) writeAt(size int64, data []byte) error {
	f, err := s.openFile(s.path)
	if err != nil {
		return fmt.Errorf("%w: %w", protocol.ErrFilesystem, err)
	}
	_, err = f.Write(data)
	if err == nil {
		err = f.Sync()
	}
	if err != nil {
		_ = f.Truncate(size)
		_ = f.Close()
		return fmt.Errorf("%w: append headers: %w", protocol.ErrFilesystem, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: %w", protocol.ErrFilesystem, err)
	}
	return nil
}

// BlockLocator returns hashes of stored headers for a getheaders request,
// starting at the tip. The most recent headers are listed one by one, after
// which the step between entries doubles back to the first stored header.
func (s *Store) BlockLocator() ([]chainhash.Hash, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	height, err := s.height()
	if err != nil {
		return nil, err
	}
	var ret []chainhash.Hash
	step := int64(1)
	for height >= 0 {
		record, err := s.readRecord(height)
		if err != nil {
			return nil, err
		}
		ret = append(ret, record.Hash())
		if height == 0 {
			break
		}
		if len(ret) >= locatorDenseCount {
			step *= 2
		}
		height = max(height-step, 0)
	}
	return ret, nil
}

// Close drops cached records. The store holds no open file handles between
// calls.
func (s *Store) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.cache.Purge()
	return nil
}
