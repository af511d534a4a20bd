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
	"errors"
	"fmt"
)

// State is the lifecycle state of the peer connection
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateReady
	StateBroken
)

var ErrInvalidStateTransition = errors.New("invalid connection state transition")

var stateNames = map[State]string{
	StateDisconnected: "Disconnected",
	StateConnecting:   "Connecting",
	StateHandshaking:  "Handshaking",
	StateReady:        "Ready",
	StateBroken:       "Broken",
}

// Allowed transitions out of each state
var stateTransitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateHandshaking, StateDisconnected},
	StateHandshaking:  {StateReady, StateBroken, StateDisconnected},
	StateReady:        {StateBroken, StateDisconnected},
	StateBroken:       {StateConnecting, StateDisconnected},
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// CanTransition reports whether the state machine allows moving from s to next
func (s State) CanTransition(next State) bool {
	for _, allowed := range stateTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition returns next if the move from s is allowed
func (s State) Transition(next State) (State, error) {
	if !s.CanTransition(next) {
		return s, fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, s, next)
	}
	return next, nil
}
