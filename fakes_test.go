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
	"crypto/tls"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/bufbuild/streampool/internal"
)

const testWait = 5 * time.Second

func newTestPool(t *testing.T, clock internal.Clock, opts ...PoolOption) *Pool {
	t.Helper()
	pool := NewPool(opts...)
	if clock != nil {
		pool.clock = clock
	}
	t.Cleanup(func() {
		_ = pool.Close()
	})
	return pool
}

// drainNotifications blocks until every notification posted so far has
// been delivered.
func drainNotifications(pool *Pool) {
	done := make(chan struct{})
	pool.post(func() { close(done) })
	<-done
}

func httpsKey(host string) StreamKey {
	return StreamKey{Destination: Destination{Scheme: "https", Host: host, Port: 443}}
}

func httpKey(host string) StreamKey {
	return StreamKey{Destination: Destination{Scheme: "http", Host: host, Port: 80}}
}

func addrPort(s string) IPEndpoint {
	return netip.MustParseAddrPort(s)
}

func v4Endpoint(addrs ...string) ServiceEndpoint {
	var endpoint ServiceEndpoint
	for _, a := range addrs {
		endpoint.IPv4Endpoints = append(endpoint.IPv4Endpoints, addrPort(a))
	}
	return endpoint
}

// fakeSocket

type fakeSocket struct {
	protocol Protocol

	mu           sync.Mutex
	used         bool
	disconnected bool
	closed       bool
}

func newFakeSocket(protocol Protocol) *fakeSocket {
	return &fakeSocket{protocol: protocol}
}

func (s *fakeSocket) Conn() net.Conn { return nil }

func (s *fakeSocket) NegotiatedProtocol() Protocol { return s.protocol }

func (s *fakeSocket) WasEverUsed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

func (s *fakeSocket) IsConnectedAndIdle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && !s.disconnected
}

func (s *fakeSocket) TLSConnectionState() (tls.ConnectionState, bool) {
	return tls.ConnectionState{}, false
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSocket) markUsed() *fakeSocket {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.used = true
	return s
}

// fakeAttemptFactory / fakeAttempt

type fakeAttemptFactory struct {
	started chan *fakeAttempt

	mu       sync.Mutex
	attempts []*fakeAttempt
}

func newFakeAttemptFactory() *fakeAttemptFactory {
	return &fakeAttemptFactory{started: make(chan *fakeAttempt, 32)}
}

func (f *fakeAttemptFactory) NewStreamAttempt(endpoint IPEndpoint, config *AttemptConfig) StreamAttempt {
	attempt := &fakeAttempt{factory: f, endpoint: endpoint, config: config}
	f.mu.Lock()
	f.attempts = append(f.attempts, attempt)
	f.mu.Unlock()
	return attempt
}

func (f *fakeAttemptFactory) next(t *testing.T) *fakeAttempt {
	t.Helper()
	select {
	case attempt := <-f.started:
		return attempt
	case <-time.After(testWait):
		t.Fatal("timed out waiting for a connection attempt to start")
		return nil
	}
}

func (f *fakeAttemptFactory) expectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case attempt := <-f.started:
		t.Fatalf("unexpected connection attempt to %s", attempt.endpoint)
	case <-time.After(wait):
	}
}

func (f *fakeAttemptFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.attempts)
}

type fakeAttempt struct {
	factory  *fakeAttemptFactory
	endpoint IPEndpoint
	config   *AttemptConfig

	mu        sync.Mutex
	done      func(error)
	socket    StreamSocket
	certInfo  *CertRequestInfo
	cancelled bool
}

func (a *fakeAttempt) Start(done func(error)) {
	a.mu.Lock()
	a.done = done
	a.mu.Unlock()
	a.factory.started <- a
}

func (a *fakeAttempt) succeed(socket StreamSocket) {
	a.mu.Lock()
	a.socket = socket
	done := a.done
	a.mu.Unlock()
	done(nil)
}

func (a *fakeAttempt) fail(err error) {
	a.mu.Lock()
	done := a.done
	a.mu.Unlock()
	done(err)
}

func (a *fakeAttempt) IPEndpoint() IPEndpoint { return a.endpoint }

func (a *fakeAttempt) LoadState() LoadState { return LoadStateConnecting }

func (a *fakeAttempt) ReleaseStreamSocket() StreamSocket {
	a.mu.Lock()
	defer a.mu.Unlock()
	socket := a.socket
	a.socket = nil
	return socket
}

func (a *fakeAttempt) CertRequestInfo() *CertRequestInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.certInfo
}

func (a *fakeAttempt) TLSConnectionState() (*tls.ConnectionState, bool) { return nil, false }

func (a *fakeAttempt) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancelled = true
}

func (a *fakeAttempt) isCancelled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancelled
}

// fakeResolver / fakeEndpointRequest

type fakeResolver struct {
	endpoints []ServiceEndpoint
	err       error
	async     bool

	mu       sync.Mutex
	requests []*fakeEndpointRequest
}

func (r *fakeResolver) CreateServiceEndpointRequest(
	destination Destination,
	_ NetworkAnonymizationKey,
	_ ResolveParams,
) ServiceEndpointRequest {
	request := &fakeEndpointRequest{
		endpoints:  r.endpoints,
		resolveErr: r.err,
		async:      r.async,
		aliases:    []string{destination.Host},
	}
	r.mu.Lock()
	r.requests = append(r.requests, request)
	r.mu.Unlock()
	return request
}

func (r *fakeResolver) lastRequest(t *testing.T) *fakeEndpointRequest {
	t.Helper()
	deadline := time.Now().Add(testWait)
	for {
		r.mu.Lock()
		n := len(r.requests)
		var request *fakeEndpointRequest
		if n > 0 {
			request = r.requests[n-1]
		}
		r.mu.Unlock()
		if request != nil {
			return request
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for a resolution request")
		}
		time.Sleep(time.Millisecond)
	}
}

type fakeEndpointRequest struct {
	async   bool
	aliases []string

	mu          sync.Mutex
	endpoints   []ServiceEndpoint
	resolveErr  error
	finished    bool
	cryptoReady bool
	delegate    ServiceEndpointRequestDelegate
	closed      bool
	priority    Priority
}

func (r *fakeEndpointRequest) Start(delegate ServiceEndpointRequestDelegate) (bool, error) {
	r.mu.Lock()
	if !r.async {
		r.finished = true
		r.cryptoReady = true
		err := r.resolveErr
		r.mu.Unlock()
		return true, err
	}
	r.delegate = delegate
	r.mu.Unlock()
	return false, nil
}

func (r *fakeEndpointRequest) update(endpoints []ServiceEndpoint, cryptoReady bool) {
	r.mu.Lock()
	r.endpoints = endpoints
	r.cryptoReady = cryptoReady
	delegate := r.delegate
	r.mu.Unlock()
	delegate.OnServiceEndpointsUpdated()
}

func (r *fakeEndpointRequest) finish(err error) {
	r.mu.Lock()
	r.finished = true
	r.cryptoReady = true
	r.resolveErr = err
	delegate := r.delegate
	r.mu.Unlock()
	delegate.OnServiceEndpointRequestFinished(err)
}

func (r *fakeEndpointRequest) EndpointResults() []ServiceEndpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.endpoints
}

func (r *fakeEndpointRequest) EndpointsCryptoReady() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cryptoReady
}

func (r *fakeEndpointRequest) DNSAliases() []string { return r.aliases }

func (r *fakeEndpointRequest) ResolveError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolveErr
}

func (r *fakeEndpointRequest) ChangePriority(priority Priority) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.priority = priority
}

func (r *fakeEndpointRequest) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// fakeSpdyPool

type fakeSpdySession struct {
	mu        sync.Mutex
	available bool
}

func (s *fakeSpdySession) IsAvailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available
}

func (s *fakeSpdySession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available = false
	return nil
}

type fakeSpdyPool struct {
	mu         sync.Mutex
	available  SpdySession
	matchingIP SpdySession
	created    []*fakeSpdySession
}

func (p *fakeSpdyPool) FindAvailableSession(SpdySessionKey, bool) SpdySession {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available
}

func (p *fakeSpdyPool) FindMatchingIPSession(SpdySessionKey, ServiceEndpoint, []string) SpdySession {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.matchingIP
}

func (p *fakeSpdyPool) CreateSessionFromSocket(SpdySessionKey, StreamSocket) (SpdySession, error) {
	session := &fakeSpdySession{available: true}
	p.mu.Lock()
	p.created = append(p.created, session)
	p.available = session
	p.mu.Unlock()
	return session, nil
}

func (p *fakeSpdyPool) CloseCurrentIdleSessions(string) {}

// fakeQuicPool

type fakeQuicSession struct {
	mu        sync.Mutex
	available bool
	coversAll bool
}

func (s *fakeQuicSession) IsAvailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available
}

func (s *fakeQuicSession) Covers(QuicSessionAliasKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coversAll
}

func (s *fakeQuicSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available = false
	return nil
}

type fakeQuicAttempt struct {
	pool     *fakeQuicPool
	key      QuicSessionAliasKey
	endpoint IPEndpoint
	version  QuicVersion

	mu        sync.Mutex
	done      func(error)
	session   QuicSession
	cancelled bool
}

func (a *fakeQuicAttempt) Start(done func(error)) {
	a.mu.Lock()
	a.done = done
	a.mu.Unlock()
	a.pool.started <- a
}

func (a *fakeQuicAttempt) succeed(session QuicSession) {
	a.mu.Lock()
	a.session = session
	done := a.done
	a.mu.Unlock()
	done(nil)
}

func (a *fakeQuicAttempt) fail(err error) {
	a.mu.Lock()
	done := a.done
	a.mu.Unlock()
	done(err)
}

func (a *fakeQuicAttempt) Session() QuicSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

func (a *fakeQuicAttempt) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancelled = true
}

func (a *fakeQuicAttempt) isCancelled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancelled
}

type fakeQuicPool struct {
	existing QuicSession
	delay    time.Duration
	started  chan *fakeQuicAttempt

	mu       sync.Mutex
	attempts []*fakeQuicAttempt
}

func newFakeQuicPool() *fakeQuicPool {
	return &fakeQuicPool{started: make(chan *fakeQuicAttempt, 32)}
}

func (p *fakeQuicPool) FindExistingSession(QuicSessionAliasKey) QuicSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.existing
}

func (p *fakeQuicPool) HasMatchingIPSession(QuicSessionAliasKey, ServiceEndpoint, []string) bool {
	return false
}

func (p *fakeQuicPool) CreateSessionAttempt(key QuicSessionAliasKey, endpoint IPEndpoint, version QuicVersion) QuicSessionAttempt {
	attempt := &fakeQuicAttempt{pool: p, key: key, endpoint: endpoint, version: version}
	p.mu.Lock()
	p.attempts = append(p.attempts, attempt)
	p.mu.Unlock()
	return attempt
}

func (p *fakeQuicPool) TimeDelayForWaitingJob(QuicSessionKey) time.Duration {
	return p.delay
}

func (p *fakeQuicPool) next(t *testing.T) *fakeQuicAttempt {
	t.Helper()
	select {
	case attempt := <-p.started:
		return attempt
	case <-time.After(testWait):
		t.Fatal("timed out waiting for a QUIC session attempt")
		return nil
	}
}

// captureDelegate

type streamResult struct {
	stream   Stream
	protocol Protocol
}

type failureResult struct {
	err      error
	attempts []ConnectionAttempt
}

type captureDelegate struct {
	ready      chan streamResult
	failed     chan failureResult
	certErrs   chan *CertificateError
	clientAuth chan *CertRequestInfo
}

func newCaptureDelegate() *captureDelegate {
	return &captureDelegate{
		ready:      make(chan streamResult, 8),
		failed:     make(chan failureResult, 8),
		certErrs:   make(chan *CertificateError, 8),
		clientAuth: make(chan *CertRequestInfo, 8),
	}
}

func (d *captureDelegate) OnStreamReady(stream Stream, protocol Protocol) {
	d.ready <- streamResult{stream: stream, protocol: protocol}
}

func (d *captureDelegate) OnStreamFailed(err error, attempts []ConnectionAttempt) {
	d.failed <- failureResult{err: err, attempts: attempts}
}

func (d *captureDelegate) OnCertificateError(certErr *CertificateError) {
	d.certErrs <- certErr
}

func (d *captureDelegate) OnNeedsClientAuth(info *CertRequestInfo) {
	d.clientAuth <- info
}

func (d *captureDelegate) waitReady(t *testing.T) streamResult {
	t.Helper()
	select {
	case result := <-d.ready:
		return result
	case failure := <-d.failed:
		t.Fatalf("stream request failed: %v", failure.err)
	case <-time.After(testWait):
		t.Fatal("timed out waiting for a stream")
	}
	return streamResult{}
}

func (d *captureDelegate) waitFailure(t *testing.T) failureResult {
	t.Helper()
	select {
	case failure := <-d.failed:
		return failure
	case <-d.ready:
		t.Fatal("expected a failure, got a stream")
	case <-time.After(testWait):
		t.Fatal("timed out waiting for a failure")
	}
	return failureResult{}
}

func (d *captureDelegate) waitCertError(t *testing.T) *CertificateError {
	t.Helper()
	select {
	case certErr := <-d.certErrs:
		return certErr
	case <-time.After(testWait):
		t.Fatal("timed out waiting for a certificate error")
		return nil
	}
}

func (d *captureDelegate) waitClientAuth(t *testing.T) *CertRequestInfo {
	t.Helper()
	select {
	case info := <-d.clientAuth:
		return info
	case <-time.After(testWait):
		t.Fatal("timed out waiting for a client auth request")
		return nil
	}
}

func (d *captureDelegate) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case result := <-d.ready:
		t.Fatalf("unexpected stream with protocol %s", result.protocol)
	case failure := <-d.failed:
		t.Fatalf("unexpected failure: %v", failure.err)
	case certErr := <-d.certErrs:
		t.Fatalf("unexpected certificate error: %v", certErr)
	case info := <-d.clientAuth:
		t.Fatalf("unexpected client auth request: %v", info)
	default:
	}
}
