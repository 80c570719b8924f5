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

import "time"

// QuicVersion names a QUIC version to attempt, e.g. "h3". The empty
// string means the version is unknown and the QUIC layer should pick.
type QuicVersion string

// IsKnown reports whether a specific version was requested.
func (v QuicVersion) IsKnown() bool {
	return v != ""
}

// QuicSession is an established QUIC session. Session internals are out
// of scope; the pool needs availability and alias coverage only.
type QuicSession interface {
	// IsAvailable reports whether the session can take new streams.
	IsAvailable() bool
	// Covers reports whether the session may serve streams for the
	// given alias key. Coverage can widen after establishment when the
	// session receives an HTTP/3 ORIGIN frame.
	Covers(key QuicSessionAliasKey) bool
	// Close tears the session down.
	Close() error
}

// QuicSessionAttempt is one in-flight QUIC session establishment
// against a single endpoint. The crypto/connect state machine behind it
// is out of scope.
type QuicSessionAttempt interface {
	// Start begins the attempt. done is invoked exactly once, from a
	// separate goroutine, unless the attempt is cancelled first.
	Start(done func(err error))
	// Session returns the established session after a successful
	// attempt.
	Session() QuicSession
	// Cancel aborts the attempt. After Cancel returns, done will not be
	// invoked.
	Cancel()
}

// QuicSessionPool is the QUIC collaborator: it tracks established
// sessions and creates low-level session attempts.
type QuicSessionPool interface {
	// FindExistingSession returns an available session matching the
	// alias key, or nil.
	FindExistingSession(key QuicSessionAliasKey) QuicSession
	// HasMatchingIPSession reports whether an established session to a
	// different host shares the endpoint's resolved addresses and
	// covers one of the DNS aliases, making IP-based pooling possible.
	HasMatchingIPSession(key QuicSessionAliasKey, endpoint ServiceEndpoint, dnsAliases []string) bool
	// CreateSessionAttempt creates (but does not start) an attempt to
	// establish a session to the given endpoint.
	CreateSessionAttempt(key QuicSessionAliasKey, endpoint IPEndpoint, version QuicVersion) QuicSessionAttempt
	// TimeDelayForWaitingJob returns how long TCP-based attempts should
	// wait to give QUIC a head start, based on recent QUIC success for
	// the session key. Zero means QUIC gets no head start.
	TimeDelayForWaitingJob(key QuicSessionKey) time.Duration
}
