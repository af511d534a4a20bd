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

package protocol

import (
	"context"
	"errors"
	"fmt"
)

// Error taxonomy shared by the peer manager, dispatcher and header store.
// Callers match against these with errors.Is; the underlying cause is kept
// in the wrap chain.
var (
	ErrIo               = errors.New("i/o error")
	ErrSocketUnusable   = errors.New("socket is unusable")
	ErrNotConnected     = errors.New("not connected to peer")
	ErrPeerUnreachable  = errors.New("peer unreachable")
	ErrSerialization    = errors.New("serialization error")
	ErrInvalidMessage   = errors.New("invalid message")
	ErrInvalidReply     = errors.New("invalid reply for given message")
	ErrInvalidMagic     = errors.New("invalid network magic")
	ErrUnhandledMessage = errors.New("unable to handle message")
	ErrNotImplemented   = errors.New("functionality not implemented")
	ErrConnectionBroken = errors.New("connection to peer node is broken")
	ErrFilesystem       = errors.New("filesystem error")
)

// Caller misuse. These are never retried.
var (
	ErrUnrecognizedNetwork = errors.New("unrecognized network name")
	ErrConfiguration       = errors.New("invalid configuration")
)

// NewTransportError classifies a raw read or write failure on the peer socket
// as a broken connection. Errors that already belong to the taxonomy are
// returned unchanged.
func NewTransportError(err error) error {
	if err == nil {
		return nil
	}
	if IsClassified(err) {
		return err
	}
	return fmt.Errorf("%w: %w: %w", ErrConnectionBroken, ErrIo, err)
}

// IsClassified reports whether err already carries one of the taxonomy errors
func IsClassified(err error) bool {
	for _, target := range []error{
		ErrSocketUnusable,
		ErrNotConnected,
		ErrPeerUnreachable,
		ErrSerialization,
		ErrInvalidMessage,
		ErrInvalidReply,
		ErrInvalidMagic,
		ErrUnhandledMessage,
		ErrNotImplemented,
		ErrConnectionBroken,
		ErrFilesystem,
		ErrUnrecognizedNetwork,
		ErrConfiguration,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsRetryable reports whether a failed connect or handshake attempt may be
// retried after a backoff delay
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrPeerUnreachable):
		return true
	case errors.Is(err, ErrUnrecognizedNetwork),
		errors.Is(err, ErrConfiguration),
		errors.Is(err, ErrFilesystem),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// IsFatal reports whether the driver loop should stop on err. Unhandled
// messages are ignorable, while broken connections and bad frames are
// recovered by reconnecting.
func IsFatal(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrUnhandledMessage),
		errors.Is(err, ErrConnectionBroken),
		errors.Is(err, ErrInvalidMessage):
		return false
	}
	return true
}

// RequiresReconnect reports whether err leaves the peer connection unusable
func RequiresReconnect(err error) bool {
	return errors.Is(err, ErrConnectionBroken) ||
		errors.Is(err, ErrInvalidMessage) ||
		errors.Is(err, ErrInvalidMagic) ||
		errors.Is(err, ErrSocketUnusable)
}
