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

import "sync"

// ReuseType records how the socket backing a stream was obtained.
type ReuseType int

// Reuse types.
const (
	// ReuseTypeNew means the socket was freshly connected.
	ReuseTypeNew ReuseType = iota
	// ReuseTypeUnusedIdle means the socket came from the idle list but
	// had never carried a request.
	ReuseTypeUnusedIdle
	// ReuseTypeReusedIdle means the socket came from the idle list and
	// had carried requests before.
	ReuseTypeReusedIdle
)

// Stream is a ready-to-use stream handed to a job. Text-based streams
// own a socket that returns to the pool when the stream is closed;
// multiplexed streams borrow a shared session.
type Stream interface {
	// Protocol returns the stream's negotiated protocol.
	Protocol() Protocol
	// Close releases the stream. For text-based streams this returns
	// the socket to the pool (or discards it, if the group has moved
	// on); for session-backed streams it is a no-op.
	Close() error
}

// TextStream is a stream backed by its own HTTP/1.1 (plain or TLS)
// socket. Closing it releases the socket back to the owning group.
type TextStream struct {
	pool       *Pool
	group      *group
	socket     StreamSocket
	generation int64
	reuseType  ReuseType

	closeOnce sync.Once
}

func newTextStream(pool *Pool, group *group, socket StreamSocket, generation int64, reuseType ReuseType) *TextStream {
	return &TextStream{
		pool:       pool,
		group:      group,
		socket:     socket,
		generation: generation,
		reuseType:  reuseType,
	}
}

// Socket returns the underlying socket for I/O.
func (s *TextStream) Socket() StreamSocket {
	return s.socket
}

// ReuseType reports how the socket was obtained.
func (s *TextStream) ReuseType() ReuseType {
	return s.reuseType
}

func (s *TextStream) Protocol() Protocol {
	return s.socket.NegotiatedProtocol()
}

func (s *TextStream) Close() error {
	s.closeOnce.Do(func() {
		s.pool.releaseStreamSocket(s.group, s.socket, s.generation)
	})
	return nil
}

// SpdyStream is a stream borrowed from a shared HTTP/2 session.
type SpdyStream struct {
	session SpdySession
}

// Session returns the session the stream runs on.
func (s *SpdyStream) Session() SpdySession {
	return s.session
}

func (s *SpdyStream) Protocol() Protocol {
	return ProtocolHTTP2
}

func (s *SpdyStream) Close() error {
	return nil
}

// QuicStream is a stream borrowed from a shared QUIC session.
type QuicStream struct {
	session QuicSession
}

// Session returns the session the stream runs on.
func (s *QuicStream) Session() QuicSession {
	return s.session
}

func (s *QuicStream) Protocol() Protocol {
	return ProtocolHTTP3
}

func (s *QuicStream) Close() error {
	return nil
}
