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
	"strings"
)

// Priority is the scheduling priority of a stream request. Higher values
// are served first. Requests of equal priority are served in the order
// they were issued.
type Priority int

// Priority levels, lowest to highest.
const (
	PriorityIdle Priority = iota
	PriorityLowest
	PriorityLow
	PriorityMedium
	PriorityHigh
	PriorityHighest

	numPriorities = int(PriorityHighest) + 1
)

// Protocol identifies an application protocol negotiated for a stream.
type Protocol int

// Known protocols.
const (
	ProtocolUnknown Protocol = iota
	ProtocolHTTP1
	ProtocolHTTP2
	ProtocolHTTP3
)

func (p Protocol) String() string {
	switch p {
	case ProtocolHTTP1:
		return "http/1.1"
	case ProtocolHTTP2:
		return "h2"
	case ProtocolHTTP3:
		return "h3"
	default:
		return "unknown"
	}
}

// ProtocolSet is a small set of protocols, used to express which
// protocols a request allows.
type ProtocolSet uint8

// NewProtocolSet builds a set from the given protocols.
func NewProtocolSet(protocols ...Protocol) ProtocolSet {
	var s ProtocolSet
	for _, p := range protocols {
		s |= 1 << p
	}
	return s
}

// Has reports whether p is in the set.
func (s ProtocolSet) Has(p Protocol) bool {
	return s&(1<<p) != 0
}

// HasAny reports whether any protocol of other is in the set.
func (s ProtocolSet) HasAny(other ProtocolSet) bool {
	return s&other != 0
}

// Intersect returns the protocols present in both sets.
func (s ProtocolSet) Intersect(other ProtocolSet) ProtocolSet {
	return s & other
}

// IsEmpty reports whether the set has no protocols.
func (s ProtocolSet) IsEmpty() bool {
	return s == 0
}

var (
	tcpBasedProtocols  = NewProtocolSet(ProtocolHTTP1, ProtocolHTTP2)
	quicBasedProtocols = NewProtocolSet(ProtocolHTTP3)
	allProtocols       = NewProtocolSet(ProtocolHTTP1, ProtocolHTTP2, ProtocolHTTP3)
)

// PrivacyMode indicates whether a request is allowed to use stored
// credentials and other persistent state.
type PrivacyMode int

// Privacy modes.
const (
	PrivacyModeDisabled PrivacyMode = iota
	PrivacyModeEnabled
)

// SecureDNSPolicy controls how name resolution interacts with secure
// DNS for a destination.
type SecureDNSPolicy int

// Secure DNS policies.
const (
	SecureDNSPolicyAllow SecureDNSPolicy = iota
	SecureDNSPolicyDisable
)

// NetworkAnonymizationKey partitions connections by the site that
// triggered the request. It is opaque to the pool; two keys partition
// separately iff they compare unequal.
type NetworkAnonymizationKey string

// SocketTag is an opaque per-socket tag applied by the platform. It is
// part of the stream key so differently tagged traffic never shares
// sockets.
type SocketTag string

// Destination is a scheme://host:port triple.
type Destination struct {
	Scheme string
	Host   string
	Port   uint16
}

// IsCryptographic reports whether the destination scheme uses TLS.
func (d Destination) IsCryptographic() bool {
	return d.Scheme == "https" || d.Scheme == "wss"
}

func (d Destination) String() string {
	return fmt.Sprintf("%s://%s:%d", d.Scheme, d.Host, d.Port)
}

// StreamKey identifies a poolable destination. It is an immutable value
// type with a total order, used as a map key by the pool. Requests with
// equal stream keys may share sockets; requests with different keys
// never do.
type StreamKey struct {
	Destination               Destination
	PrivacyMode               PrivacyMode
	SocketTag                 SocketTag
	AnonymizationKey          NetworkAnonymizationKey
	SecureDNSPolicy           SecureDNSPolicy
	DisableCertNetworkFetches bool
}

func (k StreamKey) String() string {
	var sb strings.Builder
	sb.WriteString(k.Destination.String())
	if k.PrivacyMode == PrivacyModeEnabled {
		sb.WriteString(" private")
	}
	if k.SocketTag != "" {
		fmt.Fprintf(&sb, " tag=%s", k.SocketTag)
	}
	if k.AnonymizationKey != "" {
		fmt.Fprintf(&sb, " nak=%s", k.AnonymizationKey)
	}
	if k.SecureDNSPolicy == SecureDNSPolicyDisable {
		sb.WriteString(" no-secure-dns")
	}
	if k.DisableCertNetworkFetches {
		sb.WriteString(" no-cert-fetches")
	}
	return sb.String()
}

// Compare defines the total order over stream keys. It returns a
// negative value if k sorts before other, zero if they are equal, and a
// positive value otherwise.
func (k StreamKey) Compare(other StreamKey) int {
	return strings.Compare(k.String(), other.String())
}

// SpdySessionKey identifies an HTTP/2 session that could serve this
// stream key. The host is empty when the scheme is not cryptographic,
// since HTTP/2 sessions are only pooled for TLS destinations.
func (k StreamKey) SpdySessionKey() SpdySessionKey {
	sessionKey := SpdySessionKey{
		PrivacyMode:      k.PrivacyMode,
		AnonymizationKey: k.AnonymizationKey,
	}
	if k.Destination.IsCryptographic() {
		sessionKey.Host = k.Destination.Host
		sessionKey.Port = k.Destination.Port
	}
	return sessionKey
}

// QuicSessionKey identifies a QUIC session that could serve this stream
// key. The host is empty when the scheme is not cryptographic.
func (k StreamKey) QuicSessionKey() QuicSessionKey {
	sessionKey := QuicSessionKey{
		PrivacyMode:      k.PrivacyMode,
		AnonymizationKey: k.AnonymizationKey,
		SecureDNSPolicy:  k.SecureDNSPolicy,
	}
	if k.Destination.IsCryptographic() {
		sessionKey.Host = k.Destination.Host
		sessionKey.Port = k.Destination.Port
	}
	return sessionKey
}

// QuicSessionAliasKey pairs the session key with the destination the
// session was requested for. Sessions found under the same alias key are
// interchangeable for a request.
func (k StreamKey) QuicSessionAliasKey() QuicSessionAliasKey {
	return QuicSessionAliasKey{
		SessionKey:  k.QuicSessionKey(),
		Destination: k.Destination,
	}
}

// SpdySessionKey identifies an HTTP/2 session in the SPDY session pool.
type SpdySessionKey struct {
	Host             string
	Port             uint16
	PrivacyMode      PrivacyMode
	AnonymizationKey NetworkAnonymizationKey
}

// QuicSessionKey identifies a QUIC session in the QUIC session pool.
type QuicSessionKey struct {
	Host             string
	Port             uint16
	PrivacyMode      PrivacyMode
	AnonymizationKey NetworkAnonymizationKey
	SecureDNSPolicy  SecureDNSPolicy
}

// QuicSessionAliasKey is a QuicSessionKey plus the destination it was
// requested under.
type QuicSessionAliasKey struct {
	SessionKey  QuicSessionKey
	Destination Destination
}
