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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bufbuild/streampool/internal/clocktest"
)

func TestRequestStreamSuccess(t *testing.T) {
	t.Parallel()
	factory := newFakeAttemptFactory()
	resolver := &fakeResolver{endpoints: []ServiceEndpoint{v4Endpoint("192.0.2.1:443")}}
	pool := newTestPool(t, nil, WithAttemptFactory(factory), WithHostResolver(resolver))
	delegate := newCaptureDelegate()

	job := pool.RequestStream(delegate, httpsKey("example.com"), PriorityMedium, RequestConfig{})
	require.NotNil(t, job)

	attempt := factory.next(t)
	assert.Equal(t, addrPort("192.0.2.1:443"), attempt.endpoint)
	assert.True(t, attempt.config.UsingTLS)
	assert.Equal(t, "example.com", attempt.config.ServerName)

	attempt.succeed(newFakeSocket(ProtocolHTTP1))
	result := delegate.waitReady(t)
	assert.Equal(t, ProtocolHTTP1, result.protocol)
	assert.Equal(t, 1, pool.TotalActiveStreamCount())

	require.NoError(t, result.stream.Close())
	drainNotifications(pool)
	assert.Equal(t, 1, pool.TotalActiveStreamCount()) // socket went idle
}

func TestHigherPriorityJobServedFirst(t *testing.T) {
	t.Parallel()
	factory := newFakeAttemptFactory()
	resolver := &fakeResolver{endpoints: []ServiceEndpoint{v4Endpoint("192.0.2.1:443")}}
	pool := newTestPool(t, nil, WithAttemptFactory(factory), WithHostResolver(resolver))

	low := newCaptureDelegate()
	high := newCaptureDelegate()
	medium := newCaptureDelegate()
	pool.RequestStream(low, httpsKey("example.com"), PriorityLow, RequestConfig{})
	pool.RequestStream(high, httpsKey("example.com"), PriorityHighest, RequestConfig{})
	pool.RequestStream(medium, httpsKey("example.com"), PriorityMedium, RequestConfig{})

	attempts := []*fakeAttempt{factory.next(t), factory.next(t), factory.next(t)}

	// One socket at a time: completion order follows job priority, not
	// arrival order.
	attempts[0].succeed(newFakeSocket(ProtocolHTTP1))
	high.waitReady(t)
	low.expectNothing(t)
	medium.expectNothing(t)

	attempts[1].succeed(newFakeSocket(ProtocolHTTP1))
	medium.waitReady(t)
	low.expectNothing(t)

	attempts[2].succeed(newFakeSocket(ProtocolHTTP1))
	low.waitReady(t)
}

func TestGroupLimitQueuesExcessJobs(t *testing.T) {
	t.Parallel()
	factory := newFakeAttemptFactory()
	resolver := &fakeResolver{endpoints: []ServiceEndpoint{v4Endpoint("192.0.2.1:443")}}
	pool := newTestPool(t, nil, WithAttemptFactory(factory), WithHostResolver(resolver))

	delegates := make([]*captureDelegate, 8)
	for i := range delegates {
		delegates[i] = newCaptureDelegate()
		pool.RequestStream(delegates[i], httpsKey("example.com"), PriorityMedium, RequestConfig{})
	}

	// The group limit caps concurrent attempts at six.
	attempts := make([]*fakeAttempt, DefaultMaxStreamsPerGroup)
	for i := range attempts {
		attempts[i] = factory.next(t)
	}
	factory.expectNone(t, 50*time.Millisecond)

	streams := make([]Stream, 0, DefaultMaxStreamsPerGroup)
	for _, attempt := range attempts {
		attempt.succeed(newFakeSocket(ProtocolHTTP1))
	}
	served := 0
	for _, delegate := range delegates {
		select {
		case result := <-delegate.ready:
			streams = append(streams, result.stream)
			served++
		case <-time.After(50 * time.Millisecond):
		}
	}
	assert.Equal(t, DefaultMaxStreamsPerGroup, served)
	assert.LessOrEqual(t, pool.TotalActiveStreamCount(), DefaultMaxStreamsPerGroup)

	// Releasing a stream lets a queued job take over the socket without
	// a new connection.
	require.NoError(t, streams[0].Close())
	served = 0
	for _, delegate := range delegates {
		select {
		case result := <-delegate.ready:
			streams = append(streams, result.stream)
			served++
		case <-time.After(50 * time.Millisecond):
		}
	}
	assert.Equal(t, 1, served)
	assert.Equal(t, 0, factory.count()-DefaultMaxStreamsPerGroup)
}

func TestEndpointExhaustionReportsLastError(t *testing.T) {
	t.Parallel()
	factory := newFakeAttemptFactory()
	resolver := &fakeResolver{endpoints: []ServiceEndpoint{v4Endpoint("192.0.2.1:443", "192.0.2.2:443")}}
	pool := newTestPool(t, nil, WithAttemptFactory(factory), WithHostResolver(resolver))
	delegate := newCaptureDelegate()

	pool.RequestStream(delegate, httpsKey("example.com"), PriorityMedium, RequestConfig{})

	errFirst := errors.New("first endpoint refused")
	errSecond := errors.New("second endpoint refused")
	factory.next(t).fail(errFirst)
	factory.next(t).fail(errSecond)

	failure := delegate.waitFailure(t)
	assert.ErrorIs(t, failure.err, errSecond)
	assert.ErrorIs(t, failure.err, errFirst)
	require.Len(t, failure.attempts, 2)
	assert.Equal(t, addrPort("192.0.2.1:443"), failure.attempts[0].Endpoint)
	assert.Equal(t, addrPort("192.0.2.2:443"), failure.attempts[1].Endpoint)

	// Delivery happens exactly once.
	drainNotifications(pool)
	delegate.expectNothing(t)
	assert.Equal(t, 0, pool.TotalActiveStreamCount())
}

func TestCertificateErrorShortCircuits(t *testing.T) {
	t.Parallel()
	factory := newFakeAttemptFactory()
	resolver := &fakeResolver{endpoints: []ServiceEndpoint{v4Endpoint("192.0.2.1:443", "192.0.2.2:443")}}
	pool := newTestPool(t, nil, WithAttemptFactory(factory), WithHostResolver(resolver))
	delegate := newCaptureDelegate()

	pool.RequestStream(delegate, httpsKey("example.com"), PriorityMedium, RequestConfig{})

	certErr := &CertificateError{Reason: errors.New("certificate has expired")}
	factory.next(t).fail(certErr)

	received := delegate.waitCertError(t)
	assert.Equal(t, certErr, received)
	// The second endpoint is never tried: the error is about the server,
	// not the path to it.
	drainNotifications(pool)
	assert.Equal(t, 1, factory.count())
}

func TestClientAuthRequestShortCircuits(t *testing.T) {
	t.Parallel()
	factory := newFakeAttemptFactory()
	resolver := &fakeResolver{endpoints: []ServiceEndpoint{v4Endpoint("192.0.2.1:443", "192.0.2.2:443")}}
	pool := newTestPool(t, nil, WithAttemptFactory(factory), WithHostResolver(resolver))
	delegate := newCaptureDelegate()

	pool.RequestStream(delegate, httpsKey("example.com"), PriorityMedium, RequestConfig{})

	attempt := factory.next(t)
	info := &CertRequestInfo{HostPort: "example.com:443"}
	attempt.mu.Lock()
	attempt.certInfo = info
	attempt.mu.Unlock()
	attempt.fail(ErrClientAuthCertNeeded)

	received := delegate.waitClientAuth(t)
	assert.Equal(t, info, received)
	drainNotifications(pool)
	assert.Equal(t, 1, factory.count())
}

func TestSlowAttemptRacesSecondEndpoint(t *testing.T) {
	t.Parallel()
	clock := clocktest.NewFakeClock()
	factory := newFakeAttemptFactory()
	endpoint := ServiceEndpoint{
		IPv4Endpoints: []IPEndpoint{addrPort("192.0.2.1:443")},
		IPv6Endpoints: []IPEndpoint{addrPort("[2001:db8::1]:443")},
	}
	resolver := &fakeResolver{endpoints: []ServiceEndpoint{endpoint}}
	pool := newTestPool(t, clock, WithAttemptFactory(factory), WithHostResolver(resolver))
	delegate := newCaptureDelegate()

	pool.RequestStream(delegate, httpsKey("example.com"), PriorityMedium, RequestConfig{})

	// IPv6 is preferred for the first attempt.
	first := factory.next(t)
	assert.True(t, first.endpoint.Addr().Is6())
	factory.expectNone(t, 50*time.Millisecond)

	// Once the attempt turns slow a redundant attempt races it, on the
	// other address family.
	clock.Advance(slowAttemptThreshold)
	second := factory.next(t)
	assert.True(t, second.endpoint.Addr().Is4())

	second.succeed(newFakeSocket(ProtocolHTTP1))
	result := delegate.waitReady(t)
	assert.Equal(t, ProtocolHTTP1, result.protocol)

	// The slow attempt eventually lands too; its socket is kept warm
	// rather than wasted.
	first.succeed(newFakeSocket(ProtocolHTTP1))
	drainNotifications(pool)
	assert.Equal(t, 2, pool.TotalActiveStreamCount())
}

func TestSpdySocketSharedAcrossJobs(t *testing.T) {
	t.Parallel()
	factory := newFakeAttemptFactory()
	spdyPool := &fakeSpdyPool{}
	resolver := &fakeResolver{endpoints: []ServiceEndpoint{v4Endpoint("192.0.2.1:443")}}
	props := NewServerProperties()
	pool := newTestPool(t, nil,
		WithAttemptFactory(factory),
		WithHostResolver(resolver),
		WithSpdySessionPool(spdyPool),
		WithServerProperties(props),
	)

	first := newCaptureDelegate()
	second := newCaptureDelegate()
	pool.RequestStream(first, httpsKey("example.com"), PriorityMedium, RequestConfig{})
	pool.RequestStream(second, httpsKey("example.com"), PriorityMedium, RequestConfig{})

	attemptOne := factory.next(t)
	attemptTwo := factory.next(t)
	attemptOne.succeed(newFakeSocket(ProtocolHTTP2))

	resultOne := first.waitReady(t)
	resultTwo := second.waitReady(t)
	assert.Equal(t, ProtocolHTTP2, resultOne.protocol)
	assert.Equal(t, ProtocolHTTP2, resultTwo.protocol)
	spdyOne, ok := resultOne.stream.(*SpdyStream)
	require.True(t, ok)
	spdyTwo, ok := resultTwo.stream.(*SpdyStream)
	require.True(t, ok)
	assert.Same(t, spdyOne.session, spdyTwo.session)

	dest := Destination{Scheme: "https", Host: "example.com", Port: 443}
	assert.True(t, props.SupportsSpdy(dest, NetworkAnonymizationKey("")))
	drainNotifications(pool)
	assert.True(t, attemptTwo.isCancelled())
}

func TestSpdyThrottleDelaysSecondAttempt(t *testing.T) {
	t.Parallel()
	clock := clocktest.NewFakeClock()
	factory := newFakeAttemptFactory()
	resolver := &fakeResolver{endpoints: []ServiceEndpoint{v4Endpoint("192.0.2.1:443")}}
	props := NewServerProperties()
	dest := Destination{Scheme: "https", Host: "example.com", Port: 443}
	props.SetSupportsSpdy(dest, NetworkAnonymizationKey(""), true)
	pool := newTestPool(t, clock,
		WithAttemptFactory(factory),
		WithHostResolver(resolver),
		WithServerProperties(props),
	)

	first := newCaptureDelegate()
	second := newCaptureDelegate()
	pool.RequestStream(first, httpsKey("example.com"), PriorityMedium, RequestConfig{})
	pool.RequestStream(second, httpsKey("example.com"), PriorityMedium, RequestConfig{})

	// The destination is known to multiplex, so only one attempt starts
	// until the throttle delay passes.
	factory.next(t)
	factory.expectNone(t, 50*time.Millisecond)

	clock.Advance(spdyThrottleDelay)
	factory.next(t)
}

func TestSpdyThrottleTimerStopsOnAttemptSuccess(t *testing.T) {
	t.Parallel()
	clock := clocktest.NewFakeClock()
	factory := newFakeAttemptFactory()
	resolver := &fakeResolver{endpoints: []ServiceEndpoint{v4Endpoint("192.0.2.1:443")}}
	props := NewServerProperties()
	dest := Destination{Scheme: "https", Host: "example.com", Port: 443}
	props.SetSupportsSpdy(dest, NetworkAnonymizationKey(""), true)
	pool := newTestPool(t, clock,
		WithAttemptFactory(factory),
		WithHostResolver(resolver),
		WithServerProperties(props),
	)

	first := newCaptureDelegate()
	second := newCaptureDelegate()
	pool.RequestStream(first, httpsKey("example.com"), PriorityMedium, RequestConfig{})
	pool.RequestStream(second, httpsKey("example.com"), PriorityMedium, RequestConfig{})

	attempt := factory.next(t)
	attempt.succeed(newFakeSocket(ProtocolHTTP1))
	first.waitReady(t)

	// The second job gets its own attempt as soon as the first socket
	// lands, and the throttle timer is gone rather than idling until
	// the manager winds down.
	factory.next(t)
	pool.mu.Lock()
	timer := pool.groups[httpsKey("example.com")].mgr.spdyThrottleTimer
	pool.mu.Unlock()
	assert.Nil(t, timer)
}

func TestUnsafePortFailsRequest(t *testing.T) {
	t.Parallel()
	pool := newTestPool(t, nil, WithHostResolver(&fakeResolver{}))
	delegate := newCaptureDelegate()

	key := StreamKey{Destination: Destination{Scheme: "https", Host: "example.com", Port: 25}}
	pool.RequestStream(delegate, key, PriorityMedium, RequestConfig{})

	failure := delegate.waitFailure(t)
	assert.ErrorIs(t, failure.err, ErrUnsafePort)
}

func TestExpectedProtocolMismatch(t *testing.T) {
	t.Parallel()
	factory := newFakeAttemptFactory()
	resolver := &fakeResolver{endpoints: []ServiceEndpoint{v4Endpoint("192.0.2.1:443")}}
	pool := newTestPool(t, nil, WithAttemptFactory(factory), WithHostResolver(resolver))
	delegate := newCaptureDelegate()

	pool.RequestStream(delegate, httpsKey("example.com"), PriorityMedium, RequestConfig{
		ExpectedProtocol: ProtocolHTTP2,
	})

	factory.next(t).succeed(newFakeSocket(ProtocolHTTP1))
	failure := delegate.waitFailure(t)
	assert.ErrorIs(t, failure.err, ErrALPNNegotiationFailed)
}

func TestRequireMultiplexedRejectsHTTP1(t *testing.T) {
	t.Parallel()
	factory := newFakeAttemptFactory()
	resolver := &fakeResolver{endpoints: []ServiceEndpoint{v4Endpoint("192.0.2.1:443")}}
	pool := newTestPool(t, nil, WithAttemptFactory(factory), WithHostResolver(resolver))
	delegate := newCaptureDelegate()

	pool.RequestStream(delegate, httpsKey("example.com"), PriorityMedium, RequestConfig{
		RequireMultiplexed: true,
	})

	factory.next(t).succeed(newFakeSocket(ProtocolHTTP1))
	failure := delegate.waitFailure(t)
	assert.ErrorIs(t, failure.err, ErrH2OrQuicRequired)
}

func TestPreconnectWarmsSockets(t *testing.T) {
	t.Parallel()
	factory := newFakeAttemptFactory()
	resolver := &fakeResolver{endpoints: []ServiceEndpoint{v4Endpoint("192.0.2.1:443")}}
	pool := newTestPool(t, nil, WithAttemptFactory(factory), WithHostResolver(resolver))

	done := make(chan error, 1)
	pool.Preconnect(httpsKey("example.com"), 2, QuicVersion(""), func(err error) { done <- err })

	factory.next(t).succeed(newFakeSocket(ProtocolHTTP1))
	factory.next(t).succeed(newFakeSocket(ProtocolHTTP1))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(testWait):
		t.Fatal("timed out waiting for preconnect completion")
	}
	assert.Equal(t, 2, pool.TotalActiveStreamCount())

	// A later request claims a warm socket with no new attempt.
	delegate := newCaptureDelegate()
	pool.RequestStream(delegate, httpsKey("example.com"), PriorityMedium, RequestConfig{})
	result := delegate.waitReady(t)
	assert.Equal(t, ReuseTypeUnusedIdle, result.stream.(*TextStream).ReuseType())
	assert.Equal(t, 2, factory.count())
}

func TestPreconnectBeyondGroupLimitFails(t *testing.T) {
	t.Parallel()
	factory := newFakeAttemptFactory()
	resolver := &fakeResolver{endpoints: []ServiceEndpoint{v4Endpoint("192.0.2.1:443")}}
	pool := newTestPool(t, nil, WithAttemptFactory(factory), WithHostResolver(resolver))

	done := make(chan error, 1)
	pool.Preconnect(httpsKey("example.com"), DefaultMaxStreamsPerGroup+1, QuicVersion(""), func(err error) { done <- err })

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrPreconnectMaxSocketLimit)
	case <-time.After(testWait):
		t.Fatal("timed out waiting for preconnect completion")
	}
}

func TestCancelledJobReceivesNothing(t *testing.T) {
	t.Parallel()
	factory := newFakeAttemptFactory()
	resolver := &fakeResolver{endpoints: []ServiceEndpoint{v4Endpoint("192.0.2.1:443")}}
	pool := newTestPool(t, nil, WithAttemptFactory(factory), WithHostResolver(resolver))
	delegate := newCaptureDelegate()

	job := pool.RequestStream(delegate, httpsKey("example.com"), PriorityMedium, RequestConfig{})
	attempt := factory.next(t)
	job.Cancel()
	job.Cancel() // idempotent

	attempt.succeed(newFakeSocket(ProtocolHTTP1))
	drainNotifications(pool)
	delegate.expectNothing(t)
	// The socket still counts: it went idle for the next request.
	assert.Equal(t, 1, pool.TotalActiveStreamCount())
}

func TestResolutionFailureFailsJobs(t *testing.T) {
	t.Parallel()
	errResolve := errors.New("no such host")
	resolver := &fakeResolver{err: errResolve}
	pool := newTestPool(t, nil, WithHostResolver(resolver), WithAttemptFactory(newFakeAttemptFactory()))
	delegate := newCaptureDelegate()

	pool.RequestStream(delegate, httpsKey("nowhere.invalid"), PriorityMedium, RequestConfig{})
	failure := delegate.waitFailure(t)
	assert.ErrorIs(t, failure.err, errResolve)
}

func TestAsyncResolutionStartsAttemptsOnUpdate(t *testing.T) {
	t.Parallel()
	factory := newFakeAttemptFactory()
	resolver := &fakeResolver{async: true}
	pool := newTestPool(t, nil, WithAttemptFactory(factory), WithHostResolver(resolver))
	delegate := newCaptureDelegate()

	pool.RequestStream(delegate, httpsKey("example.com"), PriorityMedium, RequestConfig{})
	request := resolver.lastRequest(t)
	factory.expectNone(t, 50*time.Millisecond)

	request.update([]ServiceEndpoint{v4Endpoint("192.0.2.1:443")}, true)
	attempt := factory.next(t)
	request.finish(nil)

	attempt.succeed(newFakeSocket(ProtocolHTTP1))
	delegate.waitReady(t)
}

func TestJobLoadStateAndPriority(t *testing.T) {
	t.Parallel()
	factory := newFakeAttemptFactory()
	resolver := &fakeResolver{endpoints: []ServiceEndpoint{v4Endpoint("192.0.2.1:443")}}
	pool := newTestPool(t, nil, WithAttemptFactory(factory), WithHostResolver(resolver))
	delegate := newCaptureDelegate()

	job := pool.RequestStream(delegate, httpsKey("example.com"), PriorityLow, RequestConfig{})
	factory.next(t)

	assert.Equal(t, PriorityLow, job.Priority())
	job.SetPriority(PriorityHighest)
	assert.Equal(t, PriorityHighest, job.Priority())
	assert.Equal(t, LoadStateConnecting, job.LoadState())
}
