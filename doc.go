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

// Package streampool manages a bounded pool of network connections to
// satisfy concurrent HTTP stream requests: plain TCP and TLS sockets,
// multiplexed HTTP/2 sessions, and QUIC sessions.
//
// A [Pool] buckets requests by [StreamKey] into per-destination groups.
// Each group caches idle sockets, bounded by a per-group limit, and the
// pool enforces a global limit across all groups. When no idle socket or
// existing session can serve a request, the group's attempt coordinator
// resolves the destination and races connection attempts: multiple
// TCP/TLS attempts across resolved endpoints (an attempt that stays slow
// past a grace period lets a parallel attempt to another endpoint start
// without being cancelled), and optionally a QUIC session attempt in
// parallel. The first usable result wins; jobs are served strictly in
// priority order.
//
// Use [Pool.RequestStream] to request a stream and [Pool.Preconnect] to
// warm up sockets ahead of demand. Outcomes are delivered through
// [JobDelegate] callbacks on a dedicated notification goroutine, never
// synchronously from inside a call into the pool.
//
// Name resolution, socket establishment, HTTP/2 session internals, and
// the QUIC protocol are collaborators behind the [HostResolver],
// [AttemptFactory], [SpdySessionPool], and [QuicSessionPool] interfaces.
// Defaults exist for all but QUIC, which requires a caller-supplied
// implementation.
package streampool
