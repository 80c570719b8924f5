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
	"sync"

	"golang.org/x/net/http2"
)

// SpdySession is an HTTP/2 session that can multiplex streams. Session
// internals are out of scope; the pool only needs availability checks
// and stream creation.
type SpdySession interface {
	// IsAvailable reports whether the session can take new streams.
	IsAvailable() bool
	// Close tears the session down.
	Close() error
}

// SpdySessionPool is the HTTP/2 session collaborator. The attempt
// manager hands it sockets that negotiated h2 and asks it for existing
// sessions that could serve a stream key.
type SpdySessionPool interface {
	// FindAvailableSession returns an available session for the key, or
	// nil. When ipPooling is true, sessions established to other hosts
	// that are known to share the key's resolved addresses may be
	// returned as well.
	FindAvailableSession(key SpdySessionKey, ipPooling bool) SpdySession
	// FindMatchingIPSession returns an available session whose remote
	// address appears in the given endpoint and whose certificate
	// covers one of the DNS aliases, or nil.
	FindMatchingIPSession(key SpdySessionKey, endpoint ServiceEndpoint, dnsAliases []string) SpdySession
	// CreateSessionFromSocket activates a new session on a socket that
	// negotiated HTTP/2. On success the pool owns the socket.
	CreateSessionFromSocket(key SpdySessionKey, socket StreamSocket) (SpdySession, error)
	// CloseCurrentIdleSessions closes sessions with no active streams,
	// freeing their sockets. Used when the pool is at its socket limit.
	CloseCurrentIdleSessions(reason string)
}

// NewHTTP2SessionPool returns a SpdySessionPool backed by
// [http2.Transport]. Sessions are created with NewClientConn on the
// socket's underlying connection. IP-based matching is keyed by the
// socket's remote address at session creation time.
func NewHTTP2SessionPool(transport *http2.Transport) SpdySessionPool {
	if transport == nil {
		transport = &http2.Transport{}
	}
	return &http2SessionPool{transport: transport, sessions: map[SpdySessionKey][]*http2Session{}}
}

type http2SessionPool struct {
	transport *http2.Transport

	mu sync.Mutex
	// +checklocks:mu
	sessions map[SpdySessionKey][]*http2Session
}

type http2Session struct {
	conn       *http2.ClientConn
	socket     StreamSocket
	remoteAddr string
	aliases    map[string]struct{}
}

// ClientConn exposes the underlying HTTP/2 connection so callers can
// issue requests on the session.
func (s *http2Session) ClientConn() *http2.ClientConn {
	return s.conn
}

func (s *http2Session) IsAvailable() bool {
	return s.conn.CanTakeNewRequest()
}

func (s *http2Session) Close() error {
	err := s.conn.Close()
	_ = s.socket.Close()
	return err
}

func (p *http2SessionPool) FindAvailableSession(key SpdySessionKey, _ bool) SpdySession {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, session := range p.sessions[key] {
		if session.IsAvailable() {
			return session
		}
	}
	return nil
}

func (p *http2SessionPool) FindMatchingIPSession(key SpdySessionKey, endpoint ServiceEndpoint, dnsAliases []string) SpdySession {
	p.mu.Lock()
	defer p.mu.Unlock()
	addrs := map[string]struct{}{}
	for _, ep := range endpoint.IPv4Endpoints {
		addrs[ep.String()] = struct{}{}
	}
	for _, ep := range endpoint.IPv6Endpoints {
		addrs[ep.String()] = struct{}{}
	}
	for sessionKey, sessions := range p.sessions {
		if sessionKey.PrivacyMode != key.PrivacyMode || sessionKey.AnonymizationKey != key.AnonymizationKey {
			continue
		}
		for _, session := range sessions {
			if !session.IsAvailable() {
				continue
			}
			if _, ok := addrs[session.remoteAddr]; !ok {
				continue
			}
			for _, alias := range dnsAliases {
				if _, ok := session.aliases[alias]; ok {
					return session
				}
			}
		}
	}
	return nil
}

func (p *http2SessionPool) CreateSessionFromSocket(key SpdySessionKey, socket StreamSocket) (SpdySession, error) {
	if socket.NegotiatedProtocol() != ProtocolHTTP2 {
		return nil, fmt.Errorf("socket negotiated %s, not h2", socket.NegotiatedProtocol())
	}
	conn := socket.Conn()
	clientConn, err := p.transport.NewClientConn(conn)
	if err != nil {
		return nil, fmt.Errorf("creating http2 client conn: %w", err)
	}
	session := &http2Session{
		conn:       clientConn,
		socket:     socket,
		remoteAddr: conn.RemoteAddr().String(),
		aliases:    map[string]struct{}{key.Host: {}},
	}
	p.mu.Lock()
	p.sessions[key] = append(p.sessions[key], session)
	p.mu.Unlock()
	return session, nil
}

func (p *http2SessionPool) CloseCurrentIdleSessions(string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, sessions := range p.sessions {
		kept := sessions[:0]
		for _, session := range sessions {
			state := session.conn.State()
			if state.StreamsActive == 0 && state.StreamsPending == 0 {
				_ = session.Close()
				continue
			}
			kept = append(kept, session)
		}
		if len(kept) == 0 {
			delete(p.sessions, key)
		} else {
			p.sessions[key] = kept
		}
	}
}
