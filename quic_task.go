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

import "strings"

// quicTask is one attemptManager's interest in obtaining a QUIC
// session. It feeds resolved endpoints to the pool-wide
// quicSessionAttemptManager, which deduplicates actual attempts, and
// reports the first terminal result back to the manager. All methods
// require the pool mutex.
type quicTask struct {
	mgr     *attemptManager
	version QuicVersion
	request *quicSessionRequest

	// attempted tracks which tuples this task already fed downstream,
	// so endpoint updates do not re-submit the same work.
	attempted map[quicAttemptKey]struct{}

	completed bool
	session   QuicSession
	err       error
}

func newQuicTask(mgr *attemptManager, version QuicVersion) *quicTask {
	task := &quicTask{
		mgr:       mgr,
		version:   version,
		attempted: map[quicAttemptKey]struct{}{},
	}
	aliasKey := mgr.group.key.QuicSessionAliasKey()
	task.request = mgr.group.pool.quicAttemptMgr.requestSession(aliasKey, func(session QuicSession, err error) {
		task.completed = true
		task.session = session
		task.err = err
		mgr.onQuicTaskComplete(session, err)
	})
	return task
}

// maybeAttempt submits session attempts for every crypto-ready
// QUIC-capable endpoint not yet fed downstream. Endpoints stream in
// across resolution updates, so this runs on every update.
func (t *quicTask) maybeAttempt() {
	if t.completed {
		return
	}
	resolution := t.mgr.endpointRequest
	if resolution == nil || !resolution.EndpointsCryptoReady() {
		return
	}
	aliasKey := t.mgr.group.key.QuicSessionAliasKey()
	for _, serviceEndpoint := range resolution.EndpointResults() {
		if t.completed {
			return
		}
		if !endpointUsableForQuic(serviceEndpoint) {
			continue
		}
		metadata := serviceEndpoint.metadataKey()
		for _, endpoints := range [][]IPEndpoint{serviceEndpoint.IPv6Endpoints, serviceEndpoint.IPv4Endpoints} {
			for _, endpoint := range endpoints {
				key := quicAttemptKey{version: t.version, endpoint: endpoint, metadata: metadata}
				if _, ok := t.attempted[key]; ok {
					continue
				}
				t.attempted[key] = struct{}{}
				t.mgr.group.pool.quicAttemptMgr.maybeAttempt(aliasKey, endpoint, t.version, metadata)
			}
		}
	}
	// Resolution is done and nothing here can ever speak QUIC: give the
	// manager a terminal answer instead of dangling forever.
	if t.mgr.resolutionFinished && len(t.attempted) == 0 && !t.completed {
		t.completed = true
		t.request.cancel()
		t.mgr.onQuicTaskComplete(nil, ErrNoMatchingALPN)
	}
}

// cancel withdraws this task's demand. Shared attempts keep running if
// another group still wants the session.
func (t *quicTask) cancel() {
	if t.completed {
		return
	}
	t.completed = true
	t.request.cancel()
}

// endpointUsableForQuic reports whether a resolved endpoint advertises
// an HTTP/3 ALPN. Endpoints without metadata are plain A/AAAA results
// and carry no QUIC hint.
func endpointUsableForQuic(endpoint ServiceEndpoint) bool {
	for _, alpn := range endpoint.ALPNs {
		if strings.HasPrefix(alpn, "h3") {
			return true
		}
	}
	return false
}
