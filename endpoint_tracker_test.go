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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	v6One = addrPort("[2001:db8::1]:443")
	v6Two = addrPort("[2001:db8::2]:443")
	v4One = addrPort("192.0.2.1:443")
	v4Two = addrPort("192.0.2.2:443")
)

func dualStackEndpoints() []ServiceEndpoint {
	return []ServiceEndpoint{{
		IPv4Endpoints: []IPEndpoint{v4One, v4Two},
		IPv6Endpoints: []IPEndpoint{v6One, v6Two},
	}}
}

func neverEnough(IPEndpoint) bool { return false }

func TestTrackerPrefersIPv6First(t *testing.T) {
	t.Parallel()
	tracker := newEndpointTracker()
	endpoint, ok := tracker.findPreferredEndpoint(dualStackEndpoints(), IPEndpoint{}, nil, neverEnough)
	require.True(t, ok)
	assert.Equal(t, v6One, endpoint)
}

func TestTrackerFlipsFamilyAwayFromSlowEndpoint(t *testing.T) {
	t.Parallel()
	tracker := newEndpointTracker()
	tracker.markSlowAttempting(v6One)
	assert.False(t, tracker.preferIPv6)

	endpoint, ok := tracker.findPreferredEndpoint(dualStackEndpoints(), IPEndpoint{}, nil, neverEnough)
	require.True(t, ok)
	assert.Equal(t, v4One, endpoint)

	// A slow IPv4 endpoint flips preference back.
	tracker.markSlowAttempting(v4One)
	assert.True(t, tracker.preferIPv6)
}

func TestTrackerSkipsFailedEndpoints(t *testing.T) {
	t.Parallel()
	tracker := newEndpointTracker()
	tracker.markFailed(v6One)
	tracker.markFailed(v6Two)
	tracker.markFailed(v4One)

	endpoint, ok := tracker.findPreferredEndpoint(dualStackEndpoints(), IPEndpoint{}, nil, neverEnough)
	require.True(t, ok)
	assert.Equal(t, v4Two, endpoint)

	tracker.markFailed(v4Two)
	_, ok = tracker.findPreferredEndpoint(dualStackEndpoints(), IPEndpoint{}, nil, neverEnough)
	assert.False(t, ok)
}

func TestTrackerSlowFallbackOrdering(t *testing.T) {
	t.Parallel()
	tracker := newEndpointTracker()
	tracker.markSlowAttempting(v4One)
	tracker.markSlowSucceeded(v4Two)
	tracker.markFailed(v6One)
	tracker.markFailed(v6Two)

	// With only slow endpoints left, one that actually connected beats
	// one still attempting.
	endpoint, ok := tracker.findPreferredEndpoint(dualStackEndpoints(), IPEndpoint{}, nil, neverEnough)
	require.True(t, ok)
	assert.Equal(t, v4Two, endpoint)

	// Slow endpoints are only eligible while more attempts are wanted.
	_, ok = tracker.findPreferredEndpoint(dualStackEndpoints(), IPEndpoint{}, nil,
		func(IPEndpoint) bool { return true })
	assert.False(t, ok)
}

func TestTrackerSlowSucceededNotOverwritten(t *testing.T) {
	t.Parallel()
	tracker := newEndpointTracker()
	tracker.markSlowAttempting(v4One)
	tracker.markSlowSucceeded(v4One)
	tracker.markSlowAttempting(v4One)

	state, known := tracker.state(v4One)
	require.True(t, known)
	assert.Equal(t, endpointStateSlowSucceeded, state)

	// Cancelling attempts forgets slow-attempting entries but not the
	// ones that succeeded.
	tracker.markSlowAttempting(v4Two)
	tracker.removeSlowAttempting()
	_, known = tracker.state(v4Two)
	assert.False(t, known)
	state, known = tracker.state(v4One)
	require.True(t, known)
	assert.Equal(t, endpointStateSlowSucceeded, state)
}

func TestTrackerExcludesGivenEndpoint(t *testing.T) {
	t.Parallel()
	tracker := newEndpointTracker()
	tracker.preferIPv6 = false
	endpoint, ok := tracker.findPreferredEndpoint(dualStackEndpoints(), v4One, nil, neverEnough)
	require.True(t, ok)
	assert.Equal(t, v4Two, endpoint)
}

func TestTrackerUsableFilter(t *testing.T) {
	t.Parallel()
	tracker := newEndpointTracker()
	endpoints := []ServiceEndpoint{
		{IPv6Endpoints: []IPEndpoint{v6One}, ALPNs: []string{"h3"}},
		{IPv4Endpoints: []IPEndpoint{v4One}, ALPNs: []string{"h2", "http/1.1"}},
	}
	endpoint, ok := tracker.findPreferredEndpoint(endpoints, IPEndpoint{}, endpointUsableForTCP, neverEnough)
	require.True(t, ok)
	assert.Equal(t, v4One, endpoint)
}
