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
	"math/rand/v2"
	"time"
)

const (
	DefaultBackoffInitial = 1 * time.Second
	DefaultBackoffMax     = 60 * time.Second
	DefaultBackoffJitter  = 1 * time.Second

	// Largest exponent applied to the initial delay
	maxBackoffShift = 30
)

// BackoffConfig controls the delay between failed connection attempts
type BackoffConfig struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  time.Duration
	// Number of attempts before giving up. Zero retries forever
	MaxAttempts int
}

// DefaultBackoffConfig returns the default BackoffConfig
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial: DefaultBackoffInitial,
		Max:     DefaultBackoffMax,
		Jitter:  DefaultBackoffJitter,
	}
}

// Delay returns how long to wait after the given number of consecutive
// failures. The delay doubles with every failure, plus random jitter, and
// never exceeds Max.
func (b BackoffConfig) Delay(failures int) time.Duration {
	shift := max(failures-1, 0)
	shift = min(shift, maxBackoffShift)
	delay := b.Initial * time.Duration(1<<shift)
	if b.Jitter > 0 {
		delay += rand.N(b.Jitter)
	}
	if b.Max > 0 && (delay > b.Max || delay < 0) {
		return b.Max
	}
	return delay
}

// sleepContext waits for d or until ctx is done
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
