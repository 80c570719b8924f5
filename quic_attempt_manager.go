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

// quicSessionAttemptManager deduplicates concurrent demand for QUIC
// sessions across the whole pool. There is at most one quicJob per
// alias key, and within a job at most one in-flight attempt per
// distinct (version, endpoint, metadata) tuple, regardless of how many
// groups are waiting. All methods require the pool mutex.
type quicSessionAttemptManager struct {
	pool *Pool
	jobs map[QuicSessionAliasKey]*quicJob
}

// quicSessionRequest is one waiter's registration with a quicJob. The
// done callback fires exactly once, under the pool mutex, with either a
// session or an error.
type quicSessionRequest struct {
	job  *quicJob
	done func(QuicSession, error)
}

// cancel withdraws the request. Safe to call after completion.
func (r *quicSessionRequest) cancel() {
	if r.job == nil {
		return
	}
	r.job.removeRequest(r)
	r.job = nil
}

// quicAttemptKey distinguishes concurrent attempts within one job.
type quicAttemptKey struct {
	version  QuicVersion
	endpoint IPEndpoint
	metadata string
}

type quicInFlightSessionAttempt struct {
	job       *quicJob
	key       quicAttemptKey
	attempt   QuicSessionAttempt
	cancelled bool
}

// quicJob aggregates all demand for one alias key and fans the first
// result out to every waiter.
type quicJob struct {
	mgr      *quicSessionAttemptManager
	aliasKey QuicSessionAliasKey
	requests map[*quicSessionRequest]struct{}
	attempts map[quicAttemptKey]*quicInFlightSessionAttempt
	lastErr  error
}

func newQuicSessionAttemptManager(pool *Pool) *quicSessionAttemptManager {
	return &quicSessionAttemptManager{
		pool: pool,
		jobs: map[QuicSessionAliasKey]*quicJob{},
	}
}

// requestSession registers demand for a session with the given alias
// key. No attempt is started yet; callers feed endpoints in via
// maybeAttempt as resolution produces them.
func (m *quicSessionAttemptManager) requestSession(
	aliasKey QuicSessionAliasKey,
	done func(QuicSession, error),
) *quicSessionRequest {
	job := m.jobs[aliasKey]
	if job == nil {
		job = &quicJob{
			mgr:      m,
			aliasKey: aliasKey,
			requests: map[*quicSessionRequest]struct{}{},
			attempts: map[quicAttemptKey]*quicInFlightSessionAttempt{},
		}
		m.jobs[aliasKey] = job
	}
	request := &quicSessionRequest{job: job, done: done}
	job.requests[request] = struct{}{}
	return request
}

// maybeAttempt starts a session attempt for the tuple unless an
// identical one is already in flight or there is no demand. Reports
// whether an attempt is now running for the tuple.
func (m *quicSessionAttemptManager) maybeAttempt(
	aliasKey QuicSessionAliasKey,
	endpoint IPEndpoint,
	version QuicVersion,
	metadata string,
) bool {
	job := m.jobs[aliasKey]
	if job == nil || len(job.requests) == 0 {
		return false
	}
	key := quicAttemptKey{version: version, endpoint: endpoint, metadata: metadata}
	if _, ok := job.attempts[key]; ok {
		return true
	}
	attempt := m.pool.quicPool.CreateSessionAttempt(aliasKey, endpoint, version)
	inFlight := &quicInFlightSessionAttempt{job: job, key: key, attempt: attempt}
	job.attempts[key] = inFlight
	attempt.Start(func(err error) {
		m.pool.mu.Lock()
		defer m.pool.mu.Unlock()
		if inFlight.cancelled {
			return
		}
		job.onAttemptComplete(inFlight, err)
	})
	return true
}

// onOriginFrame lets an established session retroactively satisfy jobs
// whose alias key it now covers.
func (m *quicSessionAttemptManager) onOriginFrame(session QuicSession) {
	for aliasKey, job := range m.jobs {
		if session.Covers(aliasKey) {
			job.complete(session, nil)
		}
	}
}

// close aborts every pending request.
func (m *quicSessionAttemptManager) close() {
	for _, job := range m.jobs {
		job.complete(nil, ErrAborted)
	}
}

func (j *quicJob) onAttemptComplete(inFlight *quicInFlightSessionAttempt, err error) {
	delete(j.attempts, inFlight.key)
	if err == nil {
		j.complete(inFlight.attempt.Session(), nil)
		return
	}
	j.lastErr = err
	if len(j.attempts) > 0 {
		// Other endpoints are still racing; only the last failure is
		// final.
		return
	}
	j.complete(nil, j.lastErr)
}

// complete resolves every waiting request with the same result, cancels
// any remaining attempts, and removes the job.
func (j *quicJob) complete(session QuicSession, err error) {
	for _, inFlight := range j.attempts {
		inFlight.cancelled = true
		inFlight.attempt.Cancel()
	}
	j.attempts = map[quicAttemptKey]*quicInFlightSessionAttempt{}
	requests := j.requests
	j.requests = map[*quicSessionRequest]struct{}{}
	delete(j.mgr.jobs, j.aliasKey)
	for request := range requests {
		request.job = nil
		request.done(session, err)
	}
}

func (j *quicJob) removeRequest(request *quicSessionRequest) {
	delete(j.requests, request)
	if len(j.requests) == 0 {
		for _, inFlight := range j.attempts {
			inFlight.cancelled = true
			inFlight.attempt.Cancel()
		}
		j.attempts = map[quicAttemptKey]*quicInFlightSessionAttempt{}
		delete(j.mgr.jobs, j.aliasKey)
	}
}
