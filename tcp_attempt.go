// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package streampool

import (
	"time"

	"github.com/bufbuild/streampool/internal"
)

// slowAttemptThreshold is how long a connection attempt may run before
// it is marked slow. A slow attempt keeps running but no longer counts
// as covering pending demand, so a parallel attempt to a different
// endpoint may start.
const slowAttemptThreshold = 250 * time.Millisecond

// inFlightAttempt is one racing TCP or TLS connection attempt owned by
// an attemptManager. Mutations happen under the pool mutex; the slow
// timer and the completion callback both take it before touching state.
type inFlightAttempt struct {
	mgr      *attemptManager
	attempt  StreamAttempt
	endpoint IPEndpoint

	slow      bool
	slowTimer internal.Timer
	cancelled bool
}

func (a *inFlightAttempt) start() {
	clock := a.mgr.group.pool.clock
	a.slowTimer = clock.AfterFunc(slowAttemptThreshold, func() {
		pool := a.mgr.group.pool
		pool.mu.Lock()
		defer pool.mu.Unlock()
		if a.cancelled {
			return
		}
		a.onSlowTimerFired()
	})
	a.attempt.Start(func(err error) {
		pool := a.mgr.group.pool
		pool.mu.Lock()
		defer pool.mu.Unlock()
		if a.cancelled {
			// The manager already let go of this attempt. The socket,
			// if any, belongs to nobody.
			if socket := a.attempt.ReleaseStreamSocket(); socket != nil {
				_ = socket.Close()
			}
			return
		}
		a.stopSlowTimer()
		a.mgr.onTCPAttemptComplete(a, err)
	})
}

func (a *inFlightAttempt) onSlowTimerFired() {
	a.slow = true
	a.mgr.onAttemptSlow(a)
}

func (a *inFlightAttempt) stopSlowTimer() {
	if a.slowTimer != nil {
		a.slowTimer.Stop()
		a.slowTimer = nil
	}
}

// cancel abandons the attempt. The underlying connect keeps unwinding
// on its own goroutine but its result is discarded.
func (a *inFlightAttempt) cancel() {
	if a.cancelled {
		return
	}
	a.cancelled = true
	a.stopSlowTimer()
	a.attempt.Cancel()
}
