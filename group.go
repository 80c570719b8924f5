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
)

const (
	// Idle sockets that were never used for a request expire faster
	// than ones that carried at least one request.
	unusedIdleSocketTimeout = 60 * time.Second
	usedIdleSocketTimeout   = 300 * time.Second
)

type idleStreamSocket struct {
	socket StreamSocket
	// idleSince is when the socket entered the idle list, used for
	// timeout-based cleanup.
	idleSince time.Time
}

// group owns the idle sockets and the single in-flight attemptManager
// for one stream key. All methods require the pool mutex.
type group struct {
	pool *Pool
	key  StreamKey

	// idleSockets holds sockets in insertion order. Selection policy
	// is warm-LIFO then cold-FIFO, see getIdleStreamSocket.
	idleSockets    []idleStreamSocket
	handedOutCount int

	// generation increments on refresh. Sockets released under an
	// older generation are discarded instead of going back to the
	// idle list.
	generation int64

	mgr *attemptManager
}

func newGroup(pool *Pool, key StreamKey) *group {
	return &group{pool: pool, key: key}
}

func (g *group) ensureAttemptManager() *attemptManager {
	if g.mgr == nil {
		g.mgr = newAttemptManager(g)
	}
	return g.mgr
}

// startJob routes a job through the attempt manager. An idle socket,
// if present, is claimed synchronously before the manager is even
// consulted so that two concurrent requests cannot both count the
// same capacity.
func (g *group) startJob(job *Job) {
	g.ensureAttemptManager().startJob(job)
}

func (g *group) preconnect(numStreams int, quicVersion QuicVersion, done func(error)) {
	g.ensureAttemptManager().preconnect(numStreams, quicVersion, done)
}

// getIdleStreamSocket removes and returns the best idle socket, if
// any. Previously used sockets are preferred, newest first; among
// never-used sockets the oldest wins. Stale sockets found along the
// way are cleaned up.
func (g *group) getIdleStreamSocket() (StreamSocket, bool) {
	g.cleanupIdleSockets(false)
	usedIdx, unusedIdx := -1, -1
	for i, idle := range g.idleSockets {
		if idle.socket.WasEverUsed() {
			usedIdx = i // keep scanning, newest used wins
		} else if unusedIdx < 0 {
			unusedIdx = i // oldest unused wins
		}
	}
	idx := usedIdx
	if idx < 0 {
		idx = unusedIdx
	}
	if idx < 0 {
		return nil, false
	}
	socket := g.idleSockets[idx].socket
	g.idleSockets = append(g.idleSockets[:idx], g.idleSockets[idx+1:]...)
	g.pool.decrementTotalIdleStreamCount()
	return socket, true
}

func (g *group) addIdleStreamSocket(socket StreamSocket) {
	if socket.NegotiatedProtocol() == ProtocolHTTP2 {
		panic("streampool: HTTP/2 socket must not enter the idle list")
	}
	g.idleSockets = append(g.idleSockets, idleStreamSocket{
		socket:    socket,
		idleSince: g.pool.clock.Now(),
	})
	g.pool.incrementTotalIdleStreamCount()
	g.cleanupIdleSockets(false)
}

// cleanupIdleSockets drops idle sockets that are disconnected or have
// exceeded their idle timeout. With force set, everything goes.
func (g *group) cleanupIdleSockets(force bool) {
	now := g.pool.clock.Now()
	kept := g.idleSockets[:0]
	for _, idle := range g.idleSockets {
		remove := force
		if !remove && !idle.socket.IsConnectedAndIdle() {
			remove = true
		}
		if !remove {
			timeout := unusedIdleSocketTimeout
			if idle.socket.WasEverUsed() {
				timeout = usedIdleSocketTimeout
			}
			if now.Sub(idle.idleSince) >= timeout {
				remove = true
			}
		}
		if remove {
			_ = idle.socket.Close()
			g.pool.decrementTotalIdleStreamCount()
		} else {
			kept = append(kept, idle)
		}
	}
	g.idleSockets = kept
}

func (g *group) idleStreamSocketCount() int {
	return len(g.idleSockets)
}

// detachIdleSockets hands ownership of all idle sockets to the caller
// without closing them, so teardown can close them off the pool mutex.
func (g *group) detachIdleSockets() []StreamSocket {
	sockets := make([]StreamSocket, 0, len(g.idleSockets))
	for _, idle := range g.idleSockets {
		sockets = append(sockets, idle.socket)
		g.pool.decrementTotalIdleStreamCount()
	}
	g.idleSockets = nil
	return sockets
}

// closeOneIdleStreamSocket closes the oldest idle socket. Reports
// whether one was closed.
func (g *group) closeOneIdleStreamSocket() bool {
	if len(g.idleSockets) == 0 {
		return false
	}
	socket := g.idleSockets[0].socket
	g.idleSockets = g.idleSockets[1:]
	g.pool.decrementTotalIdleStreamCount()
	_ = socket.Close()
	return true
}

// createTextBasedStream wraps a non-HTTP/2 socket as a stream the
// caller can use, transferring the socket into the handed-out count.
// The caller is responsible for having checked capacity already.
func (g *group) createTextBasedStream(socket StreamSocket, reuseType ReuseType) *TextStream {
	if socket.NegotiatedProtocol() == ProtocolHTTP2 {
		panic("streampool: HTTP/2 socket must go through the SPDY session pool")
	}
	g.handedOutCount++
	g.pool.incrementTotalHandedOutStreamCount()
	return newTextStream(g.pool, g, socket, g.generation, reuseType)
}

// releaseStreamSocket returns a handed-out socket. A socket released
// under the current generation that is still usable goes back to the
// idle list and may immediately satisfy a pending job in this group;
// anything else is closed. The pool-wide sweep runs afterwards in
// either case.
func (g *group) releaseStreamSocket(socket StreamSocket, generation int64) {
	g.handedOutCount--
	g.pool.decrementTotalHandedOutStreamCount()
	if generation == g.generation && socket.IsConnectedAndIdle() {
		g.addIdleStreamSocket(socket)
		if g.mgr != nil {
			g.mgr.processPendingJob()
		}
	} else {
		_ = socket.Close()
	}
	g.maybeComplete()
}

// refresh invalidates everything the group has cached: the generation
// advances so in-flight handed-out sockets cannot be readmitted, idle
// sockets are closed, and in-flight connection attempts are cancelled.
func (g *group) refresh() {
	g.generation++
	g.cleanupIdleSockets(true)
	if g.mgr != nil {
		g.mgr.cancelInFlightAttempts()
	}
}

func (g *group) cancelJobs(err error) {
	if g.mgr != nil {
		g.mgr.cancelJobs(err)
	}
}

// activeStreamCount is handed-out plus idle plus connecting, the per
// group contribution to the pool-wide total.
func (g *group) activeStreamCount() int {
	count := g.handedOutCount + len(g.idleSockets)
	if g.mgr != nil {
		count += g.mgr.inFlightAttemptCount()
	}
	return count
}

func (g *group) reachedMaxStreamLimit() bool {
	return g.activeStreamCount() >= g.pool.maxStreamsPerGroup
}

// priorityIfStalledByPoolLimit reports the highest pending priority
// when this group has demand that only the pool-wide limit is
// blocking. Groups at their own limit report nothing.
func (g *group) priorityIfStalledByPoolLimit() (Priority, bool) {
	if g.mgr == nil || g.reachedMaxStreamLimit() {
		return 0, false
	}
	return g.mgr.priorityIfStalled()
}

func (g *group) onAttemptManagerComplete(mgr *attemptManager) {
	if g.mgr == mgr {
		g.mgr = nil
	}
	g.maybeComplete()
}

// maybeComplete removes the group from the pool once it holds nothing.
func (g *group) maybeComplete() {
	if g.mgr == nil && g.handedOutCount == 0 && len(g.idleSockets) == 0 {
		g.pool.removeGroup(g)
	}
}
