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
	"errors"
	"fmt"
)

var (
	// ErrUnsafePort is reported when a stream request names a port that
	// is not allowed for its scheme.
	ErrUnsafePort = errors.New("port is not allowed for scheme")

	// ErrNetworkChanged is reported when in-flight work is cancelled
	// because the local IP configuration changed.
	ErrNetworkChanged = errors.New("network changed")

	// ErrInternetDisconnected is reported by transports when the network
	// is down entirely.
	ErrInternetDisconnected = errors.New("internet disconnected")

	// ErrAborted is reported when work is abandoned for reasons other
	// than a transport failure, such as pool shutdown.
	ErrAborted = errors.New("aborted")

	// ErrALPNNegotiationFailed is reported when a stream was established
	// but the negotiated protocol differs from the one the request
	// declared it expects.
	ErrALPNNegotiationFailed = errors.New("negotiated protocol does not match expectation")

	// ErrH2OrQuicRequired is reported when a request that requires a
	// multiplexed protocol would be served a plain HTTP/1.1 stream.
	ErrH2OrQuicRequired = errors.New("HTTP/2 or HTTP/3 required but not negotiated")

	// ErrPreconnectMaxSocketLimit is reported to preconnect callers when
	// the requested socket count cannot be met because a socket limit
	// has been reached.
	ErrPreconnectMaxSocketLimit = errors.New("preconnect hit socket limit")

	// ErrNoMatchingALPN is reported by the QUIC layer when the resolved
	// endpoints advertise no QUIC-compatible ALPN. It is not held
	// against QUIC's health for the destination.
	ErrNoMatchingALPN = errors.New("no matching ALPN for QUIC")

	// ErrClientAuthCertNeeded is reported when the server requested a
	// client certificate during the TLS handshake. The caller must
	// supply one before any further attempt can be useful.
	ErrClientAuthCertNeeded = errors.New("client certificate needed")

	errPoolClosed = errors.New("stream pool is closed")
)

// CertificateError reports a fatal TLS certificate problem encountered
// during an attempt. It carries the connection state observed during the
// failed handshake so the caller can inspect the offending certificate
// chain and decide whether to retry with the certificate allowed.
type CertificateError struct {
	Reason error
	// ConnState is the TLS state of the failed handshake, if available.
	ConnState *tls.ConnectionState
}

func (e *CertificateError) Error() string {
	return fmt.Sprintf("certificate error: %v", e.Reason)
}

func (e *CertificateError) Unwrap() error {
	return e.Reason
}

// isCertificateError reports whether err represents a TLS certificate
// problem that should fail the whole attempt manager rather than drive
// a retry against another endpoint.
func isCertificateError(err error) bool {
	var certErr *CertificateError
	return errors.As(err, &certErr)
}

// CertRequestInfo describes the client certificate the server asked for.
type CertRequestInfo struct {
	// AcceptableCAs lists the distinguished names of acceptable
	// certificate authorities, as sent by the server.
	AcceptableCAs [][]byte
	// HostPort is the server that requested the certificate.
	HostPort string
}

// ConnectionAttempt records the outcome of one endpoint-level connection
// attempt, for diagnostics handed to failed jobs.
type ConnectionAttempt struct {
	Endpoint IPEndpoint
	Err      error
}

func (a ConnectionAttempt) String() string {
	return fmt.Sprintf("%s: %v", a.Endpoint, a.Err)
}
