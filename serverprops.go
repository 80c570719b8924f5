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
	"sync"
	"time"

	"github.com/bufbuild/streampool/internal"
)

// ServerProperties records what the pool has learned about servers:
// whether they speak HTTP/2, whether they must be limited to HTTP/1.1,
// and whether QUIC is temporarily broken for them. Learned SPDY support
// throttles redundant connection attempts; broken QUIC suppresses QUIC
// racing until the mark expires.
type ServerProperties interface {
	SupportsSpdy(destination Destination, key NetworkAnonymizationKey) bool
	SetSupportsSpdy(destination Destination, key NetworkAnonymizationKey, supports bool)

	RequiresHTTP11(destination Destination, key NetworkAnonymizationKey) bool
	SetRequiresHTTP11(destination Destination, key NetworkAnonymizationKey)

	IsQuicBroken(destination Destination, key NetworkAnonymizationKey) bool
	MarkQuicBroken(destination Destination, key NetworkAnonymizationKey)
}

const defaultBrokenQuicExpiry = 5 * time.Minute

// NewServerProperties returns an in-memory ServerProperties. Broken-QUIC
// marks expire after five minutes.
func NewServerProperties() ServerProperties {
	return newServerProperties(internal.NewRealClock())
}

func newServerProperties(clock internal.Clock) *serverProperties {
	return &serverProperties{
		clock:         clock,
		supportsSpdy:  map[serverPropsKey]bool{},
		requiresH1:    map[serverPropsKey]struct{}{},
		brokenQuicTil: map[serverPropsKey]time.Time{},
	}
}

type serverPropsKey struct {
	host string
	port uint16
	nak  NetworkAnonymizationKey
}

func propsKey(destination Destination, key NetworkAnonymizationKey) serverPropsKey {
	return serverPropsKey{host: destination.Host, port: destination.Port, nak: key}
}

type serverProperties struct {
	clock internal.Clock

	mu sync.Mutex
	// +checklocks:mu
	supportsSpdy map[serverPropsKey]bool
	// +checklocks:mu
	requiresH1 map[serverPropsKey]struct{}
	// +checklocks:mu
	brokenQuicTil map[serverPropsKey]time.Time
}

func (p *serverProperties) SupportsSpdy(destination Destination, key NetworkAnonymizationKey) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.supportsSpdy[propsKey(destination, key)]
}

func (p *serverProperties) SetSupportsSpdy(destination Destination, key NetworkAnonymizationKey, supports bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.supportsSpdy[propsKey(destination, key)] = supports
}

func (p *serverProperties) RequiresHTTP11(destination Destination, key NetworkAnonymizationKey) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.requiresH1[propsKey(destination, key)]
	return ok
}

func (p *serverProperties) SetRequiresHTTP11(destination Destination, key NetworkAnonymizationKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requiresH1[propsKey(destination, key)] = struct{}{}
}

func (p *serverProperties) IsQuicBroken(destination Destination, key NetworkAnonymizationKey) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	until, ok := p.brokenQuicTil[propsKey(destination, key)]
	if !ok {
		return false
	}
	if p.clock.Now().After(until) {
		delete(p.brokenQuicTil, propsKey(destination, key))
		return false
	}
	return true
}

func (p *serverProperties) MarkQuicBroken(destination Destination, key NetworkAnonymizationKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.brokenQuicTil[propsKey(destination, key)] = p.clock.Now().Add(defaultBrokenQuicExpiry)
}
