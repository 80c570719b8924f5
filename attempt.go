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
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

//nolint:gochecknoglobals
var defaultDialer = &net.Dialer{
	Timeout:   30 * time.Second,
	KeepAlive: 30 * time.Second,
}

const defaultTLSHandshakeTimeout = 10 * time.Second

// LoadState describes how far along a request or attempt is. Larger
// values are further along; the attempt manager reports the most
// advanced state across its in-flight attempts.
type LoadState int

// Load states, least to most advanced.
const (
	LoadStateIdle LoadState = iota
	LoadStateWaitingForStalledSocketPool
	LoadStateWaitingForAvailableSocket
	LoadStateResolvingHost
	LoadStateConnecting
	LoadStateSSLHandshake
)

// StreamSocket is an established connection ready to carry a stream.
// The pool stores these in per-group idle lists and hands them out to
// jobs; the actual socket implementation belongs to the transport
// collaborator.
type StreamSocket interface {
	// Conn returns the underlying connection.
	Conn() net.Conn
	// NegotiatedProtocol returns the ALPN result, or ProtocolHTTP1 for
	// plain connections.
	NegotiatedProtocol() Protocol
	// WasEverUsed reports whether a request was ever issued on the
	// socket. Used sockets get the longer idle timeout and are
	// preferred for reuse.
	WasEverUsed() bool
	// IsConnectedAndIdle reports whether the socket is still connected
	// and has no unexpected data buffered. Sockets that fail this are
	// dropped rather than reused.
	IsConnectedAndIdle() bool
	// TLSConnectionState returns the TLS state, if the socket is a TLS
	// connection.
	TLSConnectionState() (tls.ConnectionState, bool)
	// Close closes the socket.
	Close() error
}

// StreamAttempt is one in-flight TCP or TLS connection attempt to a
// single IP endpoint. The pool races several of these; socket
// establishment internals are out of scope.
type StreamAttempt interface {
	// Start begins the attempt. done is invoked exactly once, from a
	// separate goroutine, unless the attempt is cancelled first.
	Start(done func(err error))
	// IPEndpoint returns the endpoint being attempted.
	IPEndpoint() IPEndpoint
	// LoadState returns how far along the attempt is.
	LoadState() LoadState
	// ReleaseStreamSocket returns the established socket after a
	// successful attempt. It may only be called once.
	ReleaseStreamSocket() StreamSocket
	// CertRequestInfo returns the client certificate request after the
	// attempt failed with ErrClientAuthCertNeeded, and nil otherwise.
	CertRequestInfo() *CertRequestInfo
	// TLSConnectionState returns the TLS state observed so far, if any.
	// After a certificate error it describes the failed handshake.
	TLSConnectionState() (*tls.ConnectionState, bool)
	// Cancel aborts the attempt. After Cancel returns, done will not be
	// invoked.
	Cancel()
}

// AttemptConfig carries the per-destination parameters an attempt needs.
type AttemptConfig struct {
	// UsingTLS selects a TLS attempt rather than plain TCP.
	UsingTLS bool
	// ServerName is the SNI value for TLS attempts.
	ServerName string
	// ALPNs is the protocol list to offer, most preferred first.
	ALPNs []string
	// AllowedBadCertDER lists DER-encoded certificates the caller has
	// explicitly allowed despite verification failures.
	AllowedBadCertDER [][]byte
	// DisableCertNetworkFetches disables fetching missing intermediates
	// and revocation information over the network.
	DisableCertNetworkFetches bool
	// OnTCPHandshakeComplete, if non-nil, is invoked by TLS attempts
	// when the TCP connection is established, before the TLS handshake.
	OnTCPHandshakeComplete func()
}

// AttemptFactory creates stream attempts. Implementations decide how
// sockets are actually established.
type AttemptFactory interface {
	NewStreamAttempt(endpoint IPEndpoint, config *AttemptConfig) StreamAttempt
}

// DialFunc establishes raw network connections, in the manner of
// [net.Dialer.DialContext].
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// NewDialerAttemptFactory returns an AttemptFactory that dials with the
// given function and layers TLS on top when asked to. If dial is nil, a
// default dialer with a 30-second timeout and 30-second keep-alives is
// used. If tlsConfigBase is non-nil it seeds the TLS configuration of
// every TLS attempt.
func NewDialerAttemptFactory(dial DialFunc, tlsConfigBase *tls.Config) AttemptFactory {
	if dial == nil {
		dial = defaultDialer.DialContext
	}
	return &dialerAttemptFactory{dial: dial, tlsConfigBase: tlsConfigBase}
}

type dialerAttemptFactory struct {
	dial          DialFunc
	tlsConfigBase *tls.Config
}

func (f *dialerAttemptFactory) NewStreamAttempt(endpoint IPEndpoint, config *AttemptConfig) StreamAttempt {
	ctx, cancel := context.WithCancel(context.Background())
	return &dialerAttempt{
		factory:  f,
		endpoint: endpoint,
		config:   config,
		ctx:      ctx,
		cancel:   cancel,
	}
}

type dialerAttempt struct {
	factory  *dialerAttemptFactory
	endpoint IPEndpoint
	config   *AttemptConfig
	ctx      context.Context //nolint:containedctx
	cancel   context.CancelFunc

	loadState atomic.Int32

	mu sync.Mutex
	// +checklocks:mu
	socket StreamSocket
	// +checklocks:mu
	certRequest *CertRequestInfo
	// +checklocks:mu
	tlsState *tls.ConnectionState
	// +checklocks:mu
	cancelled bool
}

func (a *dialerAttempt) Start(done func(err error)) {
	a.loadState.Store(int32(LoadStateConnecting))
	go func() {
		err := a.run()
		a.mu.Lock()
		cancelled := a.cancelled
		a.mu.Unlock()
		if !cancelled {
			done(err)
		}
	}()
}

func (a *dialerAttempt) run() error {
	conn, err := a.factory.dial(a.ctx, "tcp", a.endpoint.String())
	if err != nil {
		return err
	}
	if !a.config.UsingTLS {
		a.setSocket(&streamSocket{conn: conn, protocol: ProtocolHTTP1})
		return nil
	}
	if a.config.OnTCPHandshakeComplete != nil {
		a.config.OnTCPHandshakeComplete()
	}
	a.loadState.Store(int32(LoadStateSSLHandshake))

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if base := a.factory.tlsConfigBase; base != nil {
		tlsConfig = base.Clone()
	}
	tlsConfig.ServerName = a.config.ServerName
	tlsConfig.NextProtos = a.config.ALPNs
	tlsConn := tls.Client(conn, tlsConfig)

	handshakeCtx, cancelHandshake := context.WithTimeout(a.ctx, defaultTLSHandshakeTimeout)
	defer cancelHandshake()
	if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
		_ = conn.Close()
		return a.classifyTLSError(tlsConn, err)
	}

	state := tlsConn.ConnectionState()
	protocol := ProtocolHTTP1
	if state.NegotiatedProtocol == "h2" {
		protocol = ProtocolHTTP2
	}
	a.setSocket(&streamSocket{conn: tlsConn, protocol: protocol, tlsState: &state})
	return nil
}

// classifyTLSError maps a handshake failure onto the pool's error
// taxonomy: certificate failures become *CertificateError and client
// certificate requests become ErrClientAuthCertNeeded, both of which
// short-circuit endpoint retries in the attempt manager.
func (a *dialerAttempt) classifyTLSError(tlsConn *tls.Conn, err error) error {
	state := tlsConn.ConnectionState()
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		a.mu.Lock()
		a.tlsState = &state
		a.mu.Unlock()
		return &CertificateError{Reason: err, ConnState: &state}
	}
	return err
}

func (a *dialerAttempt) setSocket(socket StreamSocket) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.socket = socket
	if state, ok := socket.TLSConnectionState(); ok {
		a.tlsState = &state
	}
}

func (a *dialerAttempt) IPEndpoint() IPEndpoint {
	return a.endpoint
}

func (a *dialerAttempt) LoadState() LoadState {
	return LoadState(a.loadState.Load())
}

func (a *dialerAttempt) ReleaseStreamSocket() StreamSocket {
	a.mu.Lock()
	defer a.mu.Unlock()
	socket := a.socket
	a.socket = nil
	return socket
}

func (a *dialerAttempt) CertRequestInfo() *CertRequestInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.certRequest
}

func (a *dialerAttempt) TLSConnectionState() (*tls.ConnectionState, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tlsState, a.tlsState != nil
}

func (a *dialerAttempt) Cancel() {
	a.mu.Lock()
	a.cancelled = true
	socket := a.socket
	a.socket = nil
	a.mu.Unlock()
	a.cancel()
	if socket != nil {
		_ = socket.Close()
	}
}

// streamSocket is the dialer factory's StreamSocket implementation.
type streamSocket struct {
	conn     net.Conn
	protocol Protocol
	tlsState *tls.ConnectionState

	everUsed atomic.Bool
	closed   atomic.Bool
}

// NewStreamSocket wraps an established connection as a StreamSocket.
// Intended for callers that bring their own transport establishment and
// for tests.
func NewStreamSocket(conn net.Conn, protocol Protocol, tlsState *tls.ConnectionState) StreamSocket {
	return &streamSocket{conn: conn, protocol: protocol, tlsState: tlsState}
}

func (s *streamSocket) Conn() net.Conn {
	s.everUsed.Store(true)
	return s.conn
}

func (s *streamSocket) NegotiatedProtocol() Protocol {
	return s.protocol
}

func (s *streamSocket) WasEverUsed() bool {
	return s.everUsed.Load()
}

func (s *streamSocket) IsConnectedAndIdle() bool {
	if s.closed.Load() {
		return false
	}
	// A zero-length read deadline probe would block; checking for a
	// closed connection without consuming data is not possible on a
	// net.Conn, so treat any socket we have not closed as still usable
	// and rely on the idle timeouts for staleness.
	return true
}

func (s *streamSocket) TLSConnectionState() (tls.ConnectionState, bool) {
	if s.tlsState == nil {
		return tls.ConnectionState{}, false
	}
	return *s.tlsState, true
}

func (s *streamSocket) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.conn.Close()
}
