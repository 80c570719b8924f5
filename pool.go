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
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	"golang.org/x/sync/errgroup"

	"github.com/bufbuild/streampool/internal"
	"github.com/bufbuild/streampool/internal/taskqueue"
)

// Default limits. Both can be raised or lowered with options.
const (
	DefaultMaxStreamsPerPool  = 256
	DefaultMaxStreamsPerGroup = 6
)

// Pool owns every group and enforces the pool-wide stream limit. It
// hands out streams over plain TCP, TLS, HTTP/2 sessions, and QUIC
// sessions, racing transports per destination as needed.
//
// All delegate and preconnect callbacks are delivered on a single
// notification goroutine owned by the pool, never from inside a
// caller's own call into the pool.
type Pool struct {
	clock          internal.Clock
	logger         logrus.FieldLogger
	resolver       HostResolver
	attemptFactory AttemptFactory
	spdyPool       SpdySessionPool
	quicPool       QuicSessionPool
	serverProps    ServerProperties
	subscription   *ConnChangeSubscription

	maxStreamsPerPool  int
	maxStreamsPerGroup int

	tasks *taskqueue.Queue

	mu sync.Mutex
	// +checklocks:mu
	groups map[StreamKey]*group
	// +checklocks:mu
	quicAttemptMgr *quicSessionAttemptManager
	// +checklocks:mu
	totalHandedOut int
	// +checklocks:mu
	totalIdle int
	// +checklocks:mu
	totalConnecting int
	// +checklocks:mu
	closed bool
}

type poolOptions struct {
	clock              internal.Clock
	logger             logrus.FieldLogger
	resolver           HostResolver
	attemptFactory     AttemptFactory
	spdyPool           SpdySessionPool
	quicPool           QuicSessionPool
	serverProps        ServerProperties
	notifier           *ConnChangeNotifier
	maxStreamsPerPool  int
	maxStreamsPerGroup int
}

func (o *poolOptions) applyDefaults() {
	if o.clock == nil {
		o.clock = internal.NewRealClock()
	}
	if o.logger == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		o.logger = discard
	}
	if o.resolver == nil {
		o.resolver = NewNetHostResolver(nil)
	}
	if o.attemptFactory == nil {
		o.attemptFactory = NewDialerAttemptFactory(nil, nil)
	}
	if o.spdyPool == nil {
		o.spdyPool = NewHTTP2SessionPool(&http2.Transport{})
	}
	if o.quicPool == nil {
		o.quicPool = unavailableQuicPool{}
	}
	if o.serverProps == nil {
		o.serverProps = NewServerProperties()
	}
	if o.maxStreamsPerPool <= 0 {
		o.maxStreamsPerPool = DefaultMaxStreamsPerPool
	}
	if o.maxStreamsPerGroup <= 0 {
		o.maxStreamsPerGroup = DefaultMaxStreamsPerGroup
	}
}

// PoolOption configures a Pool.
type PoolOption interface {
	apply(*poolOptions)
}

type poolOptionFunc func(*poolOptions)

func (f poolOptionFunc) apply(opts *poolOptions) {
	f(opts)
}

// WithMaxStreamsPerPool overrides the pool-wide stream limit.
func WithMaxStreamsPerPool(count int) PoolOption {
	return poolOptionFunc(func(opts *poolOptions) {
		opts.maxStreamsPerPool = count
	})
}

// WithMaxStreamsPerGroup overrides the per-destination stream limit.
func WithMaxStreamsPerGroup(count int) PoolOption {
	return poolOptionFunc(func(opts *poolOptions) {
		opts.maxStreamsPerGroup = count
	})
}

// WithLogger configures event logging. The pool logs at debug level
// only; by default nothing is logged.
func WithLogger(logger logrus.FieldLogger) PoolOption {
	return poolOptionFunc(func(opts *poolOptions) {
		opts.logger = logger
	})
}

// WithHostResolver replaces the name-resolution collaborator.
func WithHostResolver(resolver HostResolver) PoolOption {
	return poolOptionFunc(func(opts *poolOptions) {
		opts.resolver = resolver
	})
}

// WithAttemptFactory replaces how TCP/TLS connections are established.
func WithAttemptFactory(factory AttemptFactory) PoolOption {
	return poolOptionFunc(func(opts *poolOptions) {
		opts.attemptFactory = factory
	})
}

// WithSpdySessionPool replaces the HTTP/2 session collaborator.
func WithSpdySessionPool(pool SpdySessionPool) PoolOption {
	return poolOptionFunc(func(opts *poolOptions) {
		opts.spdyPool = pool
	})
}

// WithQuicSessionPool replaces the QUIC collaborator. Without one, QUIC
// is never attempted.
func WithQuicSessionPool(pool QuicSessionPool) PoolOption {
	return poolOptionFunc(func(opts *poolOptions) {
		opts.quicPool = pool
	})
}

// WithServerProperties replaces the learned-server-properties store.
func WithServerProperties(props ServerProperties) PoolOption {
	return poolOptionFunc(func(opts *poolOptions) {
		opts.serverProps = props
	})
}

// WithConnChangeNotifier subscribes the pool to connection change
// events: IP address changes cancel and refresh every group, SSL
// config changes refresh affected groups.
func WithConnChangeNotifier(notifier *ConnChangeNotifier) PoolOption {
	return poolOptionFunc(func(opts *poolOptions) {
		opts.notifier = notifier
	})
}

// NewPool creates a pool. Close must be called to release it.
func NewPool(options ...PoolOption) *Pool {
	var opts poolOptions
	for _, opt := range options {
		opt.apply(&opts)
	}
	opts.applyDefaults()
	pool := &Pool{
		clock:              opts.clock,
		logger:             opts.logger,
		resolver:           opts.resolver,
		attemptFactory:     opts.attemptFactory,
		spdyPool:           opts.spdyPool,
		quicPool:           opts.quicPool,
		serverProps:        opts.serverProps,
		maxStreamsPerPool:  opts.maxStreamsPerPool,
		maxStreamsPerGroup: opts.maxStreamsPerGroup,
		tasks:              taskqueue.New(),
		groups:             map[StreamKey]*group{},
	}
	pool.quicAttemptMgr = newQuicSessionAttemptManager(pool)
	if opts.notifier != nil {
		pool.subscription = opts.notifier.Subscribe(pool)
	}
	return pool
}

// RequestStream requests a stream to the key's destination. The outcome
// arrives on the delegate; the returned job supports cancellation and
// reprioritization. An idle socket or existing session satisfies the
// request without any new connection.
func (p *Pool) RequestStream(delegate JobDelegate, key StreamKey, priority Priority, config RequestConfig) *Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	job := &Job{
		pool:     p,
		delegate: delegate,
		key:      key,
		config:   config,
		priority: priority,
	}
	if p.closed {
		job.deliverFailure(errPoolClosed)
		job.state = jobStateDone
		return job
	}
	if !portAllowedForScheme(key.Destination) {
		job.deliverFailure(fmt.Errorf("%w: %s port %d", ErrUnsafePort, key.Destination.Scheme, key.Destination.Port))
		job.state = jobStateDone
		return job
	}
	if key.Destination.IsCryptographic() && !config.DisableAlternativeServices {
		if session := p.quicPool.FindExistingSession(key.QuicSessionAliasKey()); session != nil && session.IsAvailable() {
			job.deliverStream(&QuicStream{session: session}, ProtocolHTTP3)
			job.state = jobStateDone
			return job
		}
	}
	if key.Destination.IsCryptographic() {
		if session := p.spdyPool.FindAvailableSession(key.SpdySessionKey(), !config.DisableIPBasedPooling); session != nil && session.IsAvailable() {
			job.deliverStream(&SpdyStream{session: session}, ProtocolHTTP2)
			job.state = jobStateDone
			return job
		}
	}
	p.getOrCreateGroup(key).startJob(job)
	return job
}

// Preconnect asks for at least numStreams warm sockets or sessions for
// the key. done is always invoked asynchronously, with nil on success
// or ErrPreconnectMaxSocketLimit when a limit makes the demand
// unmeetable.
func (p *Pool) Preconnect(key StreamKey, numStreams int, quicVersion QuicVersion, done func(error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.post(func() { done(errPoolClosed) })
		return
	}
	if !portAllowedForScheme(key.Destination) {
		err := fmt.Errorf("%w: %s port %d", ErrUnsafePort, key.Destination.Scheme, key.Destination.Port)
		p.post(func() { done(err) })
		return
	}
	if key.Destination.IsCryptographic() {
		if session := p.quicPool.FindExistingSession(key.QuicSessionAliasKey()); session != nil && session.IsAvailable() {
			p.post(func() { done(nil) })
			return
		}
		if session := p.spdyPool.FindAvailableSession(key.SpdySessionKey(), true); session != nil && session.IsAvailable() {
			p.post(func() { done(nil) })
			return
		}
	}
	p.getOrCreateGroup(key).preconnect(numStreams, quicVersion, done)
}

// OnQuicSessionOriginFrame lets an established QUIC session that
// received an ORIGIN frame retroactively satisfy pending session
// demand its widened coverage now includes.
func (p *Pool) OnQuicSessionOriginFrame(session QuicSession) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quicAttemptMgr.onOriginFrame(session)
}

// CloseIdleStreams closes every idle socket in every group and the idle
// sessions of the SPDY collaborator.
func (p *Pool) CloseIdleStreams(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, group := range p.groupsSnapshot() {
		group.cleanupIdleSockets(true)
		group.maybeComplete()
	}
	p.spdyPool.CloseCurrentIdleSessions(reason)
}

// TotalActiveStreamCount is handed-out plus idle plus connecting
// streams across all groups.
func (p *Pool) TotalActiveStreamCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalActiveStreamCount()
}

// CloseOneIdleStreamSocket closes one idle socket from an arbitrary
// group and reports whether one was closed.
func (p *Pool) CloseOneIdleStreamSocket() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeOneIdleStreamSocket(nil)
}

// Close tears the pool down: jobs fail with a pool-closed error, idle
// sockets are closed in parallel, and all pending notifications drain
// before Close returns.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.subscription != nil {
		p.subscription.Unsubscribe()
		p.subscription = nil
	}
	var sockets []StreamSocket
	for _, group := range p.groupsSnapshot() {
		group.cancelJobs(errPoolClosed)
		sockets = append(sockets, group.detachIdleSockets()...)
		group.generation++
		group.maybeComplete()
	}
	p.quicAttemptMgr.close()
	p.mu.Unlock()
	var grp errgroup.Group
	for _, socket := range sockets {
		socket := socket
		grp.Go(socket.Close)
	}
	err := grp.Wait()
	p.tasks.Close()
	return err
}

// OnIPAddressChanged implements ConnChangeObserver. Nothing established
// under the old configuration can be trusted.
func (p *Pool) OnIPAddressChanged() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logger.Debug("IP address changed, cancelling in-flight work")
	for _, group := range p.groupsSnapshot() {
		group.cancelJobs(ErrNetworkChanged)
		group.refresh()
		group.maybeComplete()
	}
	p.processPendingRequestsInGroups()
}

// OnSSLConfigChanged implements ConnChangeObserver. Existing sockets
// were handshaken under the old config; refresh everything but let
// pending requests continue.
func (p *Pool) OnSSLConfigChanged() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, group := range p.groupsSnapshot() {
		group.refresh()
		group.maybeComplete()
	}
	p.processPendingRequestsInGroups()
}

// OnSSLConfigForServersChanged implements ConnChangeObserver for
// per-server certificate or trust changes.
func (p *Pool) OnSSLConfigForServersChanged(destinations []Destination) {
	p.mu.Lock()
	defer p.mu.Unlock()
	affected := map[Destination]struct{}{}
	for _, destination := range destinations {
		affected[destination] = struct{}{}
	}
	for _, group := range p.groupsSnapshot() {
		if !group.key.Destination.IsCryptographic() {
			continue
		}
		if _, ok := affected[group.key.Destination]; ok {
			group.refresh()
			group.maybeComplete()
		}
	}
	p.processPendingRequestsInGroups()
}

// releaseStreamSocket is the return path for handed-out sockets. The
// socket first gets a chance to satisfy a pending request in its own
// group; then the pool-wide sweep may unstall another group entirely.
func (p *Pool) releaseStreamSocket(owner *group, socket StreamSocket, generation int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	owner.releaseStreamSocket(socket, generation)
	p.processPendingRequestsInGroups()
}

// post schedules a caller-visible notification on the pool's dispatcher
// goroutine. Callable with or without the pool mutex held. Once the
// dispatcher has shut down the task still runs, on its own goroutine,
// so post-close requests learn their fate.
func (p *Pool) post(task func()) {
	if !p.tasks.Post(task) {
		go task()
	}
}

// +checklocks:p.mu
func (p *Pool) getOrCreateGroup(key StreamKey) *group {
	if existing, ok := p.groups[key]; ok {
		return existing
	}
	created := newGroup(p, key)
	p.groups[key] = created
	return created
}

// +checklocks:p.mu
func (p *Pool) removeGroup(toRemove *group) {
	if p.groups[toRemove.key] == toRemove {
		delete(p.groups, toRemove.key)
	}
}

// +checklocks:p.mu
func (p *Pool) groupsSnapshot() []*group {
	snapshot := make([]*group, 0, len(p.groups))
	for _, group := range p.groups {
		snapshot = append(snapshot, group)
	}
	return snapshot
}

// +checklocks:p.mu
func (p *Pool) totalActiveStreamCount() int {
	return p.totalHandedOut + p.totalIdle + p.totalConnecting
}

// +checklocks:p.mu
func (p *Pool) reachedMaxStreamLimit() bool {
	return p.totalActiveStreamCount() >= p.maxStreamsPerPool
}

// closeOneIdleStreamSocket frees global capacity by closing one idle
// socket, preferring groups other than the requester.
// +checklocks:p.mu
func (p *Pool) closeOneIdleStreamSocket(requester *group) bool {
	for _, group := range p.groups {
		if group != requester && group.closeOneIdleStreamSocket() {
			group.maybeComplete()
			return true
		}
	}
	if requester != nil && requester.closeOneIdleStreamSocket() {
		return true
	}
	return false
}

// processPendingRequestsInGroups spends freed global capacity on the
// group with the highest-priority pool-stalled request, repeatedly,
// until no group is stalled or no capacity can be freed. Ties between
// equally prioritized groups resolve by map iteration order, which is
// deliberately unspecified.
// +checklocks:p.mu
func (p *Pool) processPendingRequestsInGroups() {
	for {
		stalled := p.findHighestStalledGroup()
		if stalled == nil {
			return
		}
		if p.reachedMaxStreamLimit() && !p.closeOneIdleStreamSocket(stalled) {
			return
		}
		before := p.totalConnecting + p.totalHandedOut
		stalled.mgr.processPendingJob()
		if p.totalConnecting+p.totalHandedOut == before {
			// No progress; stop rather than spin.
			return
		}
	}
}

// +checklocks:p.mu
func (p *Pool) findHighestStalledGroup() *group {
	var (
		best         *group
		bestPriority Priority
	)
	for _, group := range p.groups {
		priority, ok := group.priorityIfStalledByPoolLimit()
		if !ok {
			continue
		}
		if best == nil || priority > bestPriority {
			best = group
			bestPriority = priority
		}
	}
	return best
}

// incrementTotalHandedOutStreamCount and friends are the only mutators
// of the pool-wide counters. Limits are programming invariants here;
// violations panic rather than propagate.
// +checklocks:p.mu
func (p *Pool) incrementTotalHandedOutStreamCount() {
	p.totalHandedOut++
	p.assertCounters()
}

// +checklocks:p.mu
func (p *Pool) decrementTotalHandedOutStreamCount() {
	p.totalHandedOut--
	p.assertCounters()
}

// +checklocks:p.mu
func (p *Pool) incrementTotalIdleStreamCount() {
	p.totalIdle++
	p.assertCounters()
}

// +checklocks:p.mu
func (p *Pool) decrementTotalIdleStreamCount() {
	p.totalIdle--
	p.assertCounters()
}

// +checklocks:p.mu
func (p *Pool) incrementTotalConnectingStreamCount() {
	p.totalConnecting++
	p.assertCounters()
}

// +checklocks:p.mu
func (p *Pool) decrementTotalConnectingStreamCount() {
	p.totalConnecting--
	p.assertCounters()
}

// +checklocks:p.mu
func (p *Pool) assertCounters() {
	if p.totalHandedOut < 0 || p.totalIdle < 0 || p.totalConnecting < 0 {
		panic(fmt.Sprintf("streampool: negative stream count (handed out %d, idle %d, connecting %d)",
			p.totalHandedOut, p.totalIdle, p.totalConnecting))
	}
	allowance := 0
	for _, group := range p.groups {
		if group.mgr != nil {
			allowance += group.mgr.limitIgnoringJobCount
		}
	}
	if p.totalActiveStreamCount() > p.maxStreamsPerPool+allowance {
		panic(fmt.Sprintf("streampool: stream count %d exceeds pool limit %d",
			p.totalActiveStreamCount(), p.maxStreamsPerPool))
	}
}

// unavailableQuicPool is the default QUIC collaborator: no sessions, no
// attempts, no head start. QUIC support requires a real implementation
// supplied by the caller.
type unavailableQuicPool struct{}

func (unavailableQuicPool) FindExistingSession(QuicSessionAliasKey) QuicSession { return nil }

func (unavailableQuicPool) HasMatchingIPSession(QuicSessionAliasKey, ServiceEndpoint, []string) bool {
	return false
}

func (unavailableQuicPool) CreateSessionAttempt(QuicSessionAliasKey, IPEndpoint, QuicVersion) QuicSessionAttempt {
	return unavailableQuicAttempt{}
}

func (unavailableQuicPool) TimeDelayForWaitingJob(QuicSessionKey) time.Duration { return 0 }

type unavailableQuicAttempt struct{}

func (unavailableQuicAttempt) Start(done func(error)) {
	go done(ErrNoMatchingALPN)
}

func (unavailableQuicAttempt) Session() QuicSession { return nil }

func (unavailableQuicAttempt) Cancel() {}
