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
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/bufbuild/streampool/internal"
	"github.com/bufbuild/streampool/internal/priority"
)

// spdyThrottleDelay is how long additional connection attempts are held
// back once one attempt is in flight to a server known to speak HTTP/2.
// The first connection will very likely multiplex everything.
const spdyThrottleDelay = 300 * time.Millisecond

var errNoUsableEndpoints = errors.New("no usable endpoints resolved")

// tcpBasedAttemptState summarizes the TCP/TLS racing arm as a whole,
// independent of individual attempts. It feeds failure reporting and
// the decision whether a QUIC failure should mark QUIC broken.
type tcpBasedAttemptState int

const (
	tcpAttemptsNotStarted tcpBasedAttemptState = iota
	tcpAttemptsInProgress
	tcpAttemptsSucceededAtLeastOnce
	tcpAttemptsAllEndpointsFailed
)

// failureKind selects which job callback a terminal failure uses.
type failureKind int

const (
	failureKindStream failureKind = iota
	failureKindCertificate
	failureKindClientAuth
)

type canAttemptResult int

const (
	canAttempt canAttemptResult = iota
	cannotNoPendingWork
	cannotThrottledForSpdy
	cannotBlockedTCPAttempt
	cannotReachedGroupLimit
	cannotReachedPoolLimit
)

type preconnectEntry struct {
	numStreams int
	done       func(error)
}

// attemptManager orchestrates connection establishment for one group:
// it owns the DNS request, races TCP/TLS attempts across endpoints,
// optionally races a QUIC arm in parallel, and fans results out to the
// waiting jobs and preconnects. It lives from the first request that
// finds no idle socket until everything it owns has unwound. All
// methods require the pool mutex unless noted otherwise.
type attemptManager struct {
	group *group

	jobs                  *priority.Queue[*Job]
	notifiedJobs          map[*Job]struct{}
	preconnects           map[*preconnectEntry]struct{}
	notifyingPreconnects  int
	limitIgnoringJobCount int

	// Sticky per-manager restrictions accumulated from job configs.
	enableIPBasedPooling      bool
	enableAlternativeServices bool
	quicVersion               QuicVersion
	allowedBadCertDER         [][]byte

	endpointRequest    ServiceEndpointRequest
	resolutionFinished bool

	inFlight         map[*inFlightAttempt]struct{}
	slowAttemptCount int
	tracker          *endpointTracker
	tcpState         tcpBasedAttemptState
	mostRecentTCPErr error
	attemptErrs      *multierror.Error
	attemptRecords   []ConnectionAttempt

	spdyThrottleTimer       internal.Timer
	spdyThrottleDelayPassed bool

	quicTask          *quicTask
	quicTaskCompleted bool
	quicTaskErr       error

	tcpDelaySet      bool
	blockTCPAttempts bool
	tcpDelayTimer    internal.Timer

	failing        bool
	cancellingJobs bool
	finalErr       error
	failKind       failureKind
	certErr        *CertificateError
	clientAuthInfo *CertRequestInfo

	completed bool
}

func newAttemptManager(group *group) *attemptManager {
	return &attemptManager{
		group:                     group,
		jobs:                      priority.NewQueue[*Job](numPriorities),
		notifiedJobs:              map[*Job]struct{}{},
		preconnects:               map[*preconnectEntry]struct{}{},
		enableIPBasedPooling:      true,
		enableAlternativeServices: true,
		inFlight:                  map[*inFlightAttempt]struct{}{},
		tracker:                   newEndpointTracker(),
	}
}

// startJob admits one job. An idle socket, if present, is claimed and
// delivered before anything else; otherwise the job queues and the
// racing machinery starts or continues.
func (m *attemptManager) startJob(job *Job) {
	job.mgr = m
	if m.failing {
		m.notifiedJobs[job] = struct{}{}
		job.markNotified()
		job.attempts = m.copyAttemptRecords()
		m.deliverResultToJob(job)
		m.scheduleJobCleanup(job)
		return
	}
	if socket, ok := m.group.getIdleStreamSocket(); ok {
		stream := m.group.createTextBasedStream(socket, reuseTypeForSocket(socket))
		m.notifiedJobs[job] = struct{}{}
		job.markNotified()
		job.deliverStream(stream, socket.NegotiatedProtocol())
		m.scheduleJobCleanup(job)
		return
	}
	if job.config.DisableIPBasedPooling {
		m.enableIPBasedPooling = false
	}
	if job.config.DisableAlternativeServices {
		m.enableAlternativeServices = false
	}
	if job.config.QuicVersion.IsKnown() {
		m.quicVersion = job.config.QuicVersion
	}
	if job.config.IgnoreLimits {
		m.limitIgnoringJobCount++
	}
	m.allowedBadCertDER = append(m.allowedBadCertDER, job.config.AllowedBadCertDER...)
	m.jobs.Insert(job, int(job.priority))
	m.startWork()
}

// preconnect admits a demand for numStreams warm sockets. Demand that
// is already met completes (asynchronously) right away.
func (m *attemptManager) preconnect(numStreams int, quicVersion QuicVersion, done func(error)) {
	if m.failing {
		err := m.finalError()
		m.group.pool.post(func() { done(err) })
		return
	}
	if m.group.handedOutCount+len(m.group.idleSockets) >= numStreams {
		m.group.pool.post(func() { done(nil) })
		m.maybeComplete()
		return
	}
	if quicVersion.IsKnown() && !m.quicVersion.IsKnown() {
		m.quicVersion = quicVersion
	}
	entry := &preconnectEntry{numStreams: numStreams, done: done}
	m.preconnects[entry] = struct{}{}
	m.startWork()
}

// startWork kicks off resolution if needed and processes whatever
// results are already available.
func (m *attemptManager) startWork() {
	m.updateDNSPriority()
	if m.endpointRequest == nil {
		request := m.group.pool.resolver.CreateServiceEndpointRequest(
			m.group.key.Destination,
			m.group.key.AnonymizationKey,
			ResolveParams{
				InitialPriority: m.highestPriority(),
				SecureDNSPolicy: m.group.key.SecureDNSPolicy,
			},
		)
		m.endpointRequest = request
		finished, err := request.Start(resolutionDelegate{mgr: m})
		if finished {
			m.resolutionFinished = true
			if err != nil {
				m.handleFinalError(err, failureKindStream)
				return
			}
		}
	}
	m.processServiceEndpointChanges()
}

// resolutionDelegate adapts ServiceEndpointRequest callbacks, which
// arrive on arbitrary goroutines, onto the pool mutex.
type resolutionDelegate struct {
	mgr *attemptManager
}

func (d resolutionDelegate) OnServiceEndpointsUpdated() {
	pool := d.mgr.group.pool
	pool.mu.Lock()
	defer pool.mu.Unlock()
	if d.mgr.completed || d.mgr.failing {
		return
	}
	d.mgr.processServiceEndpointChanges()
}

func (d resolutionDelegate) OnServiceEndpointRequestFinished(err error) {
	pool := d.mgr.group.pool
	pool.mu.Lock()
	defer pool.mu.Unlock()
	if d.mgr.completed {
		return
	}
	d.mgr.resolutionFinished = true
	if err != nil {
		if !d.mgr.failing {
			d.mgr.handleFinalError(err, failureKindStream)
		}
		return
	}
	if !d.mgr.failing {
		d.mgr.processServiceEndpointChanges()
	}
}

// processServiceEndpointChanges reacts to new resolution results. The
// ordering matters: existing sessions are always preferred over new
// attempts, and QUIC gets its shot before TCP.
func (m *attemptManager) processServiceEndpointChanges() {
	if m.completed || m.failing || m.endpointRequest == nil {
		return
	}
	// Plain destinations must wait for full crypto-readiness: an HTTPS
	// record could still force an upgrade.
	if !m.group.key.Destination.IsCryptographic() && !m.endpointRequest.EndpointsCryptoReady() {
		return
	}
	if m.checkExistingQuicSession() {
		return
	}
	if m.quicTask != nil {
		m.quicTask.maybeAttempt()
	}
	if m.checkExistingSpdySession() {
		return
	}
	m.maybeRunTCPAttemptDelayTimer()
	m.maybeAttemptQuic()
	m.maybeAttemptTcpBased()
	m.maybeExhausted()
}

func (m *attemptManager) checkExistingQuicSession() bool {
	if !m.canUseQuic() {
		return false
	}
	session := m.group.pool.quicPool.FindExistingSession(m.group.key.QuicSessionAliasKey())
	if session == nil || !session.IsAvailable() {
		return false
	}
	m.completeAllJobsWithQuic(session)
	return true
}

func (m *attemptManager) checkExistingSpdySession() bool {
	if !m.group.key.Destination.IsCryptographic() {
		return false
	}
	spdyKey := m.group.key.SpdySessionKey()
	if session := m.group.pool.spdyPool.FindAvailableSession(spdyKey, m.enableIPBasedPooling); session != nil && session.IsAvailable() {
		m.completeAllJobsWithSpdy(session)
		return true
	}
	if !m.enableIPBasedPooling {
		return false
	}
	aliases := m.endpointRequest.DNSAliases()
	for _, serviceEndpoint := range m.endpointRequest.EndpointResults() {
		session := m.group.pool.spdyPool.FindMatchingIPSession(spdyKey, serviceEndpoint, aliases)
		if session != nil && session.IsAvailable() {
			m.completeAllJobsWithSpdy(session)
			return true
		}
	}
	return false
}

func (m *attemptManager) canUseQuic() bool {
	key := m.group.key
	if !key.Destination.IsCryptographic() || !m.enableAlternativeServices {
		return false
	}
	props := m.group.pool.serverProps
	if props.IsQuicBroken(key.Destination, key.AnonymizationKey) {
		return false
	}
	if props.RequiresHTTP11(key.Destination, key.AnonymizationKey) {
		return false
	}
	return true
}

// maybeRunTCPAttemptDelayTimer blocks TCP-based attempts for the head
// start the QUIC layer asks for, computed once per manager.
func (m *attemptManager) maybeRunTCPAttemptDelayTimer() {
	if m.tcpDelaySet {
		return
	}
	m.tcpDelaySet = true
	if !m.canUseQuic() || m.quicTaskCompleted {
		return
	}
	delay := m.group.pool.quicPool.TimeDelayForWaitingJob(m.group.key.QuicSessionKey())
	if delay <= 0 {
		return
	}
	m.blockTCPAttempts = true
	m.tcpDelayTimer = m.group.pool.clock.AfterFunc(delay, func() {
		pool := m.group.pool
		pool.mu.Lock()
		defer pool.mu.Unlock()
		m.blockTCPAttempts = false
		if !m.completed && !m.failing {
			m.maybeAttemptTcpBased()
		}
	})
}

func (m *attemptManager) maybeAttemptQuic() {
	if !m.canUseQuic() || m.quicTaskCompleted {
		return
	}
	if !m.endpointRequest.EndpointsCryptoReady() {
		return
	}
	if m.quicTask == nil {
		m.quicTask = newQuicTask(m, m.quicVersion)
	}
	m.quicTask.maybeAttempt()
}

// pendingCountInternal converts raw demand into demand not covered by
// in-flight attempts. Slow attempts do not cover demand, so a slow
// attempt opens a slot for one more racing attempt; once the SPDY
// throttle delay has passed, slow attempts count as covering again.
// Tuned heuristic, preserved as observed.
func (m *attemptManager) pendingCountInternal(count int) int {
	slow := m.slowAttemptCount
	if m.spdyThrottleDelayPassed {
		slow = 0
	}
	covering := len(m.inFlight) - slow
	if count <= covering {
		return 0
	}
	return count - covering
}

func (m *attemptManager) pendingJobCount() int {
	return m.pendingCountInternal(m.jobs.Len())
}

func (m *attemptManager) pendingPreconnectCount() int {
	demand := 0
	have := m.group.handedOutCount + len(m.group.idleSockets)
	for entry := range m.preconnects {
		if need := entry.numStreams - have; need > demand {
			demand = need
		}
	}
	return m.pendingCountInternal(demand)
}

func (m *attemptManager) canAttemptConnection() canAttemptResult {
	if m.pendingJobCount()+m.pendingPreconnectCount() == 0 {
		return cannotNoPendingWork
	}
	if m.shouldThrottleForSpdy() {
		return cannotThrottledForSpdy
	}
	if m.blockTCPAttempts {
		return cannotBlockedTCPAttempt
	}
	if m.limitIgnoringJobCount > 0 {
		return canAttempt
	}
	if m.group.reachedMaxStreamLimit() {
		return cannotReachedGroupLimit
	}
	if m.group.pool.reachedMaxStreamLimit() {
		return cannotReachedPoolLimit
	}
	return canAttempt
}

// maybeAttemptTcpBased starts as many TCP/TLS attempts as uncovered
// demand and limits permit.
func (m *attemptManager) maybeAttemptTcpBased() {
	if m.failing || m.completed || m.tcpState == tcpAttemptsAllEndpointsFailed {
		return
	}
	if m.endpointRequest == nil {
		return
	}
	if !m.group.key.Destination.IsCryptographic() && !m.endpointRequest.EndpointsCryptoReady() {
		return
	}
	for {
		switch m.canAttemptConnection() {
		case canAttempt:
			if !m.attemptOneConnection() {
				m.maybeExhausted()
				return
			}
		case cannotReachedPoolLimit:
			// Reclaim global capacity from an idle socket elsewhere so
			// this group is not starved by cold sockets.
			if m.group.pool.closeOneIdleStreamSocket(m.group) {
				continue
			}
			if m.pendingJobCount() == 0 {
				m.notifyPreconnectsComplete(ErrPreconnectMaxSocketLimit)
			}
			return
		case cannotReachedGroupLimit:
			if m.pendingJobCount() == 0 {
				m.notifyPreconnectsComplete(ErrPreconnectMaxSocketLimit)
			}
			return
		default:
			return
		}
	}
}

func (m *attemptManager) attemptOneConnection() bool {
	endpoint, ok := m.selectEndpoint()
	if !ok {
		return false
	}
	key := m.group.key
	attempt := &inFlightAttempt{mgr: m, endpoint: endpoint}
	config := &AttemptConfig{
		UsingTLS:                  key.Destination.IsCryptographic(),
		ServerName:                key.Destination.Host,
		ALPNs:                     m.tcpALPNs(),
		AllowedBadCertDER:         m.allowedBadCertDER,
		DisableCertNetworkFetches: key.DisableCertNetworkFetches,
		OnTCPHandshakeComplete: func() {
			pool := m.group.pool
			pool.mu.Lock()
			defer pool.mu.Unlock()
			if !attempt.cancelled && attempt.slow {
				m.tracker.markSlowSucceeded(endpoint)
			}
		},
	}
	attempt.attempt = m.group.pool.attemptFactory.NewStreamAttempt(endpoint, config)
	m.inFlight[attempt] = struct{}{}
	m.group.pool.incrementTotalConnectingStreamCount()
	if m.tcpState == tcpAttemptsNotStarted {
		m.tcpState = tcpAttemptsInProgress
	}
	m.maybeRunSpdyThrottleTimer()
	attempt.start()
	return true
}

func (m *attemptManager) selectEndpoint() (IPEndpoint, bool) {
	return m.tracker.findPreferredEndpoint(
		m.endpointRequest.EndpointResults(),
		IPEndpoint{},
		endpointUsableForTCP,
		func(IPEndpoint) bool { return !m.spdyThrottleDelayPassed },
	)
}

func (m *attemptManager) tcpALPNs() []string {
	key := m.group.key
	if !key.Destination.IsCryptographic() {
		return nil
	}
	if m.group.pool.serverProps.RequiresHTTP11(key.Destination, key.AnonymizationKey) {
		return []string{"http/1.1"}
	}
	return []string{"h2", "http/1.1"}
}

func (m *attemptManager) shouldThrottleForSpdy() bool {
	if m.spdyThrottleDelayPassed || len(m.inFlight) == 0 {
		return false
	}
	key := m.group.key
	return m.group.pool.serverProps.SupportsSpdy(key.Destination, key.AnonymizationKey)
}

func (m *attemptManager) maybeRunSpdyThrottleTimer() {
	if m.spdyThrottleTimer != nil || m.spdyThrottleDelayPassed {
		return
	}
	key := m.group.key
	if !m.group.pool.serverProps.SupportsSpdy(key.Destination, key.AnonymizationKey) {
		return
	}
	m.spdyThrottleTimer = m.group.pool.clock.AfterFunc(spdyThrottleDelay, func() {
		pool := m.group.pool
		pool.mu.Lock()
		defer pool.mu.Unlock()
		m.spdyThrottleDelayPassed = true
		if !m.completed && !m.failing {
			m.maybeAttemptTcpBased()
		}
	})
}

// onAttemptSlow reacts to the 250ms slow timer: the endpoint is noted
// as slow, family preference flips, and a redundant racing attempt may
// start.
func (m *attemptManager) onAttemptSlow(attempt *inFlightAttempt) {
	m.slowAttemptCount++
	m.tracker.markSlowAttempting(attempt.endpoint)
	m.maybeAttemptTcpBased()
}

func (m *attemptManager) onTCPAttemptComplete(attempt *inFlightAttempt, err error) {
	delete(m.inFlight, attempt)
	if attempt.slow {
		m.slowAttemptCount--
	}
	m.group.pool.decrementTotalConnectingStreamCount()
	if err != nil {
		m.handleAttemptFailure(attempt, err)
		return
	}
	if m.spdyThrottleTimer != nil {
		m.spdyThrottleTimer.Stop()
		m.spdyThrottleTimer = nil
	}
	if m.tcpState == tcpAttemptsInProgress {
		m.tcpState = tcpAttemptsSucceededAtLeastOnce
		m.maybeMarkQuicBroken()
	}
	if attempt.slow {
		m.tracker.markSlowSucceeded(attempt.endpoint)
	}
	socket := attempt.attempt.ReleaseStreamSocket()
	if socket.NegotiatedProtocol() == ProtocolHTTP2 {
		m.handleSpdySocket(socket)
		return
	}
	if job, ok := m.jobs.ExtractHighest(); ok {
		if job.config.IgnoreLimits {
			m.limitIgnoringJobCount--
		}
		stream := m.group.createTextBasedStream(socket, ReuseTypeNew)
		m.notifiedJobs[job] = struct{}{}
		job.markNotified()
		job.deliverStream(stream, socket.NegotiatedProtocol())
		m.scheduleJobCleanup(job)
	} else {
		// Preconnect demand, or the requesting job went away. The
		// socket is not wasted.
		m.group.addIdleStreamSocket(socket)
	}
	m.checkPreconnectsSatisfied()
	m.maybeAttemptTcpBased()
	m.maybeComplete()
}

// handleSpdySocket promotes a socket that negotiated h2 into a shared
// session. HTTP/2 sockets never touch the idle list.
func (m *attemptManager) handleSpdySocket(socket StreamSocket) {
	key := m.group.key
	spdyKey := key.SpdySessionKey()
	pool := m.group.pool
	if existing := pool.spdyPool.FindAvailableSession(spdyKey, m.enableIPBasedPooling); existing != nil && existing.IsAvailable() {
		// A session raced ahead of this attempt. Use it instead.
		_ = socket.Close()
		m.completeAllJobsWithSpdy(existing)
		return
	}
	session, err := pool.spdyPool.CreateSessionFromSocket(spdyKey, socket)
	if err != nil {
		m.handleFinalError(err, failureKindStream)
		return
	}
	pool.serverProps.SetSupportsSpdy(key.Destination, key.AnonymizationKey, true)
	// Existing plain sockets are useless now that the destination is
	// known to multiplex.
	m.group.refresh()
	m.completeAllJobsWithSpdy(session)
}

func (m *attemptManager) handleAttemptFailure(attempt *inFlightAttempt, err error) {
	m.attemptRecords = append(m.attemptRecords, ConnectionAttempt{Endpoint: attempt.endpoint, Err: err})
	m.attemptErrs = multierror.Append(m.attemptErrs, fmt.Errorf("%s: %w", attempt.endpoint, err))
	m.tracker.markFailed(attempt.endpoint)
	m.group.pool.logger.WithField("endpoint", attempt.endpoint.String()).
		WithError(err).Debug("connection attempt failed")
	if errors.Is(err, ErrClientAuthCertNeeded) {
		m.clientAuthInfo = attempt.attempt.CertRequestInfo()
		m.handleFinalError(err, failureKindClientAuth)
		return
	}
	var certErr *CertificateError
	if errors.As(err, &certErr) {
		m.certErr = certErr
		m.handleFinalError(err, failureKindCertificate)
		return
	}
	m.mostRecentTCPErr = err
	m.maybeAttemptTcpBased()
	m.maybeExhausted()
	m.maybeComplete()
}

// maybeExhausted declares the TCP arm dead once resolution is done, no
// attempt is in flight, and no endpoint is left to try. The manager as
// a whole fails only if no QUIC task remains either.
func (m *attemptManager) maybeExhausted() {
	if m.failing || m.completed || m.tcpState == tcpAttemptsAllEndpointsFailed {
		return
	}
	if !m.resolutionFinished || len(m.inFlight) > 0 {
		return
	}
	if m.jobs.Len() == 0 && len(m.preconnects) == 0 {
		return
	}
	_, ok := m.tracker.findPreferredEndpoint(
		m.endpointRequest.EndpointResults(),
		IPEndpoint{},
		endpointUsableForTCP,
		func(IPEndpoint) bool { return false },
	)
	if ok {
		return
	}
	m.tcpState = tcpAttemptsAllEndpointsFailed
	if m.quicTask != nil {
		return
	}
	err := m.mostRecentTCPErr
	if err == nil {
		if resolveErr := m.endpointRequest.ResolveError(); resolveErr != nil {
			err = resolveErr
		} else {
			err = errNoUsableEndpoints
		}
	}
	m.handleFinalError(err, failureKindStream)
}

// onQuicTaskComplete receives the QUIC arm's terminal result.
func (m *attemptManager) onQuicTaskComplete(session QuicSession, err error) {
	m.quicTask = nil
	m.quicTaskCompleted = true
	if m.completed {
		return
	}
	if err == nil {
		m.completeAllJobsWithQuic(session)
		return
	}
	m.quicTaskErr = err
	m.maybeMarkQuicBroken()
	m.blockTCPAttempts = false
	if m.tcpDelayTimer != nil {
		m.tcpDelayTimer.Stop()
		m.tcpDelayTimer = nil
	}
	if m.failing {
		m.maybeComplete()
		return
	}
	if m.tcpState == tcpAttemptsAllEndpointsFailed {
		// TCP is the baseline transport, so its error is authoritative
		// when both arms lose.
		final := m.mostRecentTCPErr
		if final == nil {
			final = err
		}
		m.handleFinalError(final, failureKindStream)
		return
	}
	m.maybeAttemptTcpBased()
	m.maybeExhausted()
	m.maybeComplete()
}

// maybeMarkQuicBroken blames QUIC's health for a failure only once TCP
// has actually worked, and never for errors that say nothing about the
// server's QUIC support. While TCP attempts are still in flight the
// verdict waits; onTCPAttemptComplete re-invokes this on the first
// success.
func (m *attemptManager) maybeMarkQuicBroken() {
	if !m.quicTaskCompleted || m.quicTaskErr == nil {
		return
	}
	if errors.Is(m.quicTaskErr, ErrNoMatchingALPN) ||
		errors.Is(m.quicTaskErr, ErrNetworkChanged) ||
		errors.Is(m.quicTaskErr, ErrInternetDisconnected) ||
		errors.Is(m.quicTaskErr, ErrAborted) {
		return
	}
	if m.tcpState != tcpAttemptsSucceededAtLeastOnce {
		return
	}
	key := m.group.key
	m.group.pool.logger.WithField("destination", key.Destination.String()).
		Debug("marking QUIC broken")
	m.group.pool.serverProps.MarkQuicBroken(key.Destination, key.AnonymizationKey)
}

func (m *attemptManager) completeAllJobsWithQuic(session QuicSession) {
	for {
		job, ok := m.jobs.ExtractHighest()
		if !ok {
			break
		}
		if job.config.IgnoreLimits {
			m.limitIgnoringJobCount--
		}
		m.notifiedJobs[job] = struct{}{}
		job.markNotified()
		job.deliverStream(&QuicStream{session: session}, ProtocolHTTP3)
		m.scheduleJobCleanup(job)
	}
	m.notifyPreconnectsComplete(nil)
	m.cancelInFlightAttempts()
	m.cancelQuicTask()
	m.maybeComplete()
}

func (m *attemptManager) completeAllJobsWithSpdy(session SpdySession) {
	for {
		job, ok := m.jobs.ExtractHighest()
		if !ok {
			break
		}
		if job.config.IgnoreLimits {
			m.limitIgnoringJobCount--
		}
		m.notifiedJobs[job] = struct{}{}
		job.markNotified()
		job.deliverStream(&SpdyStream{session: session}, ProtocolHTTP2)
		m.scheduleJobCleanup(job)
	}
	m.notifyPreconnectsComplete(nil)
	m.cancelInFlightAttempts()
	m.cancelQuicTask()
	m.maybeComplete()
}

// handleFinalError moves the manager into its sticky failing state and
// fans the failure out: attempts and the QUIC task are cancelled,
// preconnects complete with the error, and every queued job gets its
// outcome as a separate posted notification.
func (m *attemptManager) handleFinalError(err error, kind failureKind) {
	if m.failing {
		return
	}
	m.failing = true
	m.finalErr = err
	m.failKind = kind
	m.group.pool.logger.WithField("destination", m.group.key.Destination.String()).
		WithError(err).Debug("stream attempts failed")
	m.cancelInFlightAttempts()
	m.cancelQuicTask()
	m.notifyPreconnectsComplete(m.finalError())
	for {
		job, ok := m.jobs.ExtractHighest()
		if !ok {
			break
		}
		if job.config.IgnoreLimits {
			m.limitIgnoringJobCount--
		}
		m.notifiedJobs[job] = struct{}{}
		job.markNotified()
		job.attempts = m.copyAttemptRecords()
		m.deliverResultToJob(job)
		m.scheduleJobCleanup(job)
	}
	m.maybeComplete()
}

// finalError is the representative error handed to callers. When
// multiple endpoints failed, all of them ride along so diagnostics do
// not lose the per-endpoint picture.
func (m *attemptManager) finalError() error {
	if m.cancellingJobs || m.failKind != failureKindStream {
		return m.finalErr
	}
	if m.attemptErrs != nil && len(m.attemptErrs.Errors) > 1 {
		return m.attemptErrs.ErrorOrNil()
	}
	return m.finalErr
}

// deliverResultToJob requires the manager to be failing.
func (m *attemptManager) deliverResultToJob(job *Job) {
	switch m.failKind {
	case failureKindCertificate:
		job.deliverCertificateError(m.certErr)
	case failureKindClientAuth:
		job.deliverNeedsClientAuth(m.clientAuthInfo)
	default:
		job.deliverFailure(m.finalError())
	}
}

// cancelJobs fails everything with the given error. Cancellation
// supersedes diagnosis: the generic failure kind is forced even if a
// more specific condition was recorded earlier.
func (m *attemptManager) cancelJobs(err error) {
	m.cancellingJobs = true
	if m.failing {
		return
	}
	m.handleFinalError(err, failureKindStream)
}

func (m *attemptManager) cancelInFlightAttempts() {
	for attempt := range m.inFlight {
		attempt.cancel()
		m.group.pool.decrementTotalConnectingStreamCount()
	}
	m.inFlight = map[*inFlightAttempt]struct{}{}
	m.slowAttemptCount = 0
	m.tracker.removeSlowAttempting()
}

func (m *attemptManager) cancelQuicTask() {
	if m.quicTask != nil {
		m.quicTask.cancel()
		m.quicTask = nil
	}
}

func (m *attemptManager) inFlightAttemptCount() int {
	return len(m.inFlight)
}

// processPendingJob lets a freed socket in this group satisfy the
// highest-priority pending job right away.
func (m *attemptManager) processPendingJob() {
	if m.failing || m.completed {
		return
	}
	if socket, ok := m.group.getIdleStreamSocket(); ok {
		if job, jobOK := m.jobs.ExtractHighest(); jobOK {
			if job.config.IgnoreLimits {
				m.limitIgnoringJobCount--
			}
			stream := m.group.createTextBasedStream(socket, reuseTypeForSocket(socket))
			m.notifiedJobs[job] = struct{}{}
			job.markNotified()
			job.deliverStream(stream, socket.NegotiatedProtocol())
			m.scheduleJobCleanup(job)
		} else {
			m.group.addIdleStreamSocket(socket)
		}
	}
	m.checkPreconnectsSatisfied()
	m.maybeAttemptTcpBased()
	m.maybeComplete()
}

func (m *attemptManager) checkPreconnectsSatisfied() {
	have := m.group.handedOutCount + len(m.group.idleSockets)
	for entry := range m.preconnects {
		if have >= entry.numStreams {
			m.completePreconnect(entry, nil)
		}
	}
}

func (m *attemptManager) notifyPreconnectsComplete(err error) {
	for entry := range m.preconnects {
		m.completePreconnect(entry, err)
	}
}

func (m *attemptManager) completePreconnect(entry *preconnectEntry, err error) {
	delete(m.preconnects, entry)
	m.notifyingPreconnects++
	done := entry.done
	pool := m.group.pool
	pool.post(func() {
		done(err)
		pool.mu.Lock()
		m.notifyingPreconnects--
		m.maybeComplete()
		pool.mu.Unlock()
	})
}

// scheduleJobCleanup detaches a notified job once its outcome task has
// run. The notification queue is FIFO, so the cleanup always runs after
// the delivery posted just before it.
func (m *attemptManager) scheduleJobCleanup(job *Job) {
	pool := m.group.pool
	pool.post(func() {
		pool.mu.Lock()
		delete(m.notifiedJobs, job)
		if job.mgr == m {
			job.mgr = nil
		}
		job.state = jobStateDone
		m.maybeComplete()
		pool.mu.Unlock()
	})
}

// removeJob detaches a cancelled job. When the last limit-ignoring job
// leaves, attempts started beyond the group limit on its behalf are
// cancelled.
func (m *attemptManager) removeJob(job *Job) {
	if job.state == jobStatePending && m.jobs.Remove(job) && job.config.IgnoreLimits {
		m.limitIgnoringJobCount--
	}
	delete(m.notifiedJobs, job)
	m.updateDNSPriority()
	if m.limitIgnoringJobCount == 0 {
		m.cancelSurplusAttempts()
	}
	m.maybeComplete()
}

func (m *attemptManager) cancelSurplusAttempts() {
	over := m.group.activeStreamCount() - m.group.pool.maxStreamsPerGroup
	for attempt := range m.inFlight {
		if over <= 0 {
			break
		}
		attempt.cancel()
		if attempt.slow {
			m.slowAttemptCount--
		}
		delete(m.inFlight, attempt)
		m.group.pool.decrementTotalConnectingStreamCount()
		over--
	}
}

func (m *attemptManager) setJobPriority(job *Job, priority Priority) {
	m.jobs.ChangePriority(job, int(priority))
	m.updateDNSPriority()
}

func (m *attemptManager) highestPriority() Priority {
	if level, ok := m.jobs.PeekHighestPriority(); ok {
		return Priority(level)
	}
	return PriorityIdle
}

func (m *attemptManager) updateDNSPriority() {
	if m.endpointRequest == nil {
		return
	}
	if level, ok := m.jobs.PeekHighestPriority(); ok {
		m.endpointRequest.ChangePriority(Priority(level))
	}
}

func (m *attemptManager) loadState() LoadState {
	state := LoadStateIdle
	for attempt := range m.inFlight {
		if s := attempt.attempt.LoadState(); s > state {
			state = s
		}
	}
	if state > LoadStateIdle {
		return state
	}
	if m.endpointRequest != nil && !m.resolutionFinished {
		return LoadStateResolvingHost
	}
	if m.jobs.Len() > 0 {
		return LoadStateWaitingForAvailableSocket
	}
	return LoadStateIdle
}

// priorityIfStalled reports pending demand that new capacity could
// serve.
func (m *attemptManager) priorityIfStalled() (Priority, bool) {
	if m.failing || m.tcpState == tcpAttemptsAllEndpointsFailed {
		return 0, false
	}
	if m.pendingJobCount() == 0 {
		return 0, false
	}
	level, ok := m.jobs.PeekHighestPriority()
	if !ok {
		return 0, false
	}
	return Priority(level), true
}

func (m *attemptManager) copyAttemptRecords() []ConnectionAttempt {
	records := make([]ConnectionAttempt, len(m.attemptRecords))
	copy(records, m.attemptRecords)
	return records
}

// maybeComplete tears the manager down once it owns nothing: no queued
// or notified jobs, no preconnects in any stage, no in-flight attempts,
// and no QUIC task.
func (m *attemptManager) maybeComplete() {
	if m.completed {
		return
	}
	if m.jobs.Len() != 0 || len(m.notifiedJobs) != 0 ||
		len(m.preconnects) != 0 || m.notifyingPreconnects != 0 ||
		len(m.inFlight) != 0 || m.quicTask != nil {
		return
	}
	m.completed = true
	if m.endpointRequest != nil {
		m.endpointRequest.Close()
		m.endpointRequest = nil
	}
	if m.spdyThrottleTimer != nil {
		m.spdyThrottleTimer.Stop()
		m.spdyThrottleTimer = nil
	}
	if m.tcpDelayTimer != nil {
		m.tcpDelayTimer.Stop()
		m.tcpDelayTimer = nil
	}
	m.group.onAttemptManagerComplete(m)
}

func reuseTypeForSocket(socket StreamSocket) ReuseType {
	if socket.WasEverUsed() {
		return ReuseTypeReusedIdle
	}
	return ReuseTypeUnusedIdle
}

// endpointUsableForTCP reports whether a resolved endpoint can carry a
// TCP-based protocol. Endpoints advertising only HTTP/3 cannot.
func endpointUsableForTCP(endpoint ServiceEndpoint) bool {
	if len(endpoint.ALPNs) == 0 {
		return true
	}
	for _, alpn := range endpoint.ALPNs {
		if !strings.HasPrefix(alpn, "h3") {
			return true
		}
	}
	return false
}
