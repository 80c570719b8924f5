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

import "fmt"

// JobDelegate receives the outcome of a stream request. Exactly one of
// the four callbacks fires per job, exactly once, and always from the
// pool's notification goroutine, never from inside the caller's own
// call into the pool.
type JobDelegate interface {
	// OnStreamReady delivers a usable stream.
	OnStreamReady(stream Stream, protocol Protocol)
	// OnStreamFailed delivers a terminal failure, with the endpoint
	// attempts made along the way for diagnostics.
	OnStreamFailed(err error, attempts []ConnectionAttempt)
	// OnCertificateError reports a TLS certificate error the caller
	// must decide about before any retry can be useful.
	OnCertificateError(certErr *CertificateError)
	// OnNeedsClientAuth reports that the server demanded a client
	// certificate.
	OnNeedsClientAuth(info *CertRequestInfo)
}

// RequestConfig carries the per-request knobs of RequestStream.
type RequestConfig struct {
	// AllowedBadCertDER lists certificate DER blobs the caller has
	// already chosen to accept despite validation failure.
	AllowedBadCertDER [][]byte
	// DisableIPBasedPooling prevents satisfying this request from an
	// existing session to a different hostname that shares validated
	// addresses.
	DisableIPBasedPooling bool
	// DisableAlternativeServices prevents QUIC attempts for this
	// request.
	DisableAlternativeServices bool
	// QuicVersion pins the QUIC version to attempt, when known.
	QuicVersion QuicVersion
	// ExpectedProtocol, when not ProtocolUnknown, turns a stream that
	// negotiated a different protocol into ErrALPNNegotiationFailed.
	ExpectedProtocol Protocol
	// RequireMultiplexed turns a plain HTTP/1.1 stream into
	// ErrH2OrQuicRequired.
	RequireMultiplexed bool
	// IgnoreLimits exempts this request from pool and group limits.
	// Reserved for callers that must make progress to unblock others.
	IgnoreLimits bool
}

// jobState says where the job currently lives inside its manager.
type jobState int

const (
	// jobStatePending means the job sits in the priority queue.
	jobStatePending jobState = iota
	// jobStateNotified means an outcome has been chosen and posted but
	// the caller has not released the job yet.
	jobStateNotified
	// jobStateDone means the job is fully detached from the manager.
	jobStateDone
)

// Job is one caller's in-flight stream request. Callers interact with
// it only through Cancel and SetPriority; outcomes arrive on the
// delegate.
type Job struct {
	pool     *Pool
	delegate JobDelegate
	key      StreamKey
	config   RequestConfig

	// Guarded by pool.mu.
	mgr       *attemptManager
	priority  Priority
	state     jobState
	delivered bool
	attempts  []ConnectionAttempt
}

// Priority returns the job's current priority.
func (j *Job) Priority() Priority {
	j.pool.mu.Lock()
	defer j.pool.mu.Unlock()
	return j.priority
}

// SetPriority reprioritizes a pending job. The DNS request priority
// follows the highest pending job priority.
func (j *Job) SetPriority(priority Priority) {
	j.pool.mu.Lock()
	defer j.pool.mu.Unlock()
	j.priority = priority
	if j.mgr != nil && j.state == jobStatePending {
		j.mgr.setJobPriority(j, priority)
	}
}

// Cancel withdraws the request. If an outcome was already posted it
// will still be delivered; otherwise no delegate callback ever fires.
// Cancel is idempotent and has no effect on other jobs.
func (j *Job) Cancel() {
	j.pool.mu.Lock()
	defer j.pool.mu.Unlock()
	if j.mgr != nil {
		j.mgr.removeJob(j)
		j.mgr = nil
	}
	j.state = jobStateDone
	j.delivered = true
}

// LoadState describes what the request is currently waiting on.
func (j *Job) LoadState() LoadState {
	j.pool.mu.Lock()
	defer j.pool.mu.Unlock()
	if j.mgr == nil || j.state != jobStatePending {
		return LoadStateIdle
	}
	return j.mgr.loadState()
}

// ConnectionAttempts returns the endpoint attempts recorded for this
// job so far. Diagnostic only.
func (j *Job) ConnectionAttempts() []ConnectionAttempt {
	j.pool.mu.Lock()
	defer j.pool.mu.Unlock()
	out := make([]ConnectionAttempt, len(j.attempts))
	copy(out, j.attempts)
	return out
}

// markNotified moves the job out of the pending queue. Requires
// pool.mu. The job is in exactly one of pending or notified while an
// outcome is outstanding.
func (j *Job) markNotified() {
	j.state = jobStateNotified
}

// deliverStream posts OnStreamReady, converting the success into a
// failure when the negotiated protocol violates the job's declared
// constraints. Requires pool.mu.
func (j *Job) deliverStream(stream Stream, protocol Protocol) {
	if j.config.ExpectedProtocol != ProtocolUnknown && j.config.ExpectedProtocol != protocol {
		// Closing re-enters the pool, so it must happen off the mutex.
		j.pool.post(func() { _ = stream.Close() })
		j.deliverFailure(fmt.Errorf("%w: negotiated %s, expected %s",
			ErrALPNNegotiationFailed, protocol, j.config.ExpectedProtocol))
		return
	}
	if j.config.RequireMultiplexed && protocol == ProtocolHTTP1 {
		j.pool.post(func() { _ = stream.Close() })
		j.deliverFailure(ErrH2OrQuicRequired)
		return
	}
	if j.delivered {
		return
	}
	j.delivered = true
	j.pool.post(func() {
		j.delegate.OnStreamReady(stream, protocol)
	})
}

// deliverFailure posts OnStreamFailed. Requires pool.mu.
func (j *Job) deliverFailure(err error) {
	if j.delivered {
		return
	}
	j.delivered = true
	attempts := make([]ConnectionAttempt, len(j.attempts))
	copy(attempts, j.attempts)
	j.pool.post(func() {
		j.delegate.OnStreamFailed(err, attempts)
	})
}

// deliverCertificateError posts OnCertificateError. Requires pool.mu.
func (j *Job) deliverCertificateError(certErr *CertificateError) {
	if j.delivered {
		return
	}
	j.delivered = true
	j.pool.post(func() {
		j.delegate.OnCertificateError(certErr)
	})
}

// deliverNeedsClientAuth posts OnNeedsClientAuth. Requires pool.mu.
func (j *Job) deliverNeedsClientAuth(info *CertRequestInfo) {
	if j.delivered {
		return
	}
	j.delivered = true
	j.pool.post(func() {
		j.delegate.OnNeedsClientAuth(info)
	})
}

// unsafePorts are ports never allowed for HTTP-ish schemes, to stop
// cross-protocol attacks against well-known services.
var unsafePorts = map[uint16]struct{}{
	1:    {},
	7:    {},
	9:    {},
	11:   {},
	13:   {},
	15:   {},
	17:   {},
	19:   {},
	20:   {},
	21:   {},
	22:   {},
	23:   {},
	25:   {},
	37:   {},
	42:   {},
	43:   {},
	53:   {},
	69:   {},
	77:   {},
	79:   {},
	87:   {},
	95:   {},
	101:  {},
	102:  {},
	103:  {},
	104:  {},
	109:  {},
	110:  {},
	111:  {},
	113:  {},
	115:  {},
	117:  {},
	119:  {},
	123:  {},
	135:  {},
	137:  {},
	139:  {},
	143:  {},
	161:  {},
	179:  {},
	389:  {},
	427:  {},
	465:  {},
	512:  {},
	513:  {},
	514:  {},
	515:  {},
	526:  {},
	530:  {},
	531:  {},
	532:  {},
	540:  {},
	548:  {},
	554:  {},
	556:  {},
	563:  {},
	587:  {},
	601:  {},
	636:  {},
	989:  {},
	990:  {},
	993:  {},
	995:  {},
	1719: {},
	1720: {},
	1723: {},
	2049: {},
	3659: {},
	4045: {},
	5060: {},
	5061: {},
	6000: {},
	6566: {},
	6665: {},
	6666: {},
	6667: {},
	6668: {},
	6669: {},
	6697: {},
}

// portAllowedForScheme reports whether the destination port is safe to
// connect to. Zero is never valid.
func portAllowedForScheme(dest Destination) bool {
	if dest.Port == 0 {
		return false
	}
	_, unsafe := unsafePorts[dest.Port]
	return !unsafe
}
