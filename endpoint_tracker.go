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

// endpointState tracks what the attempt manager has learned about one
// IP endpoint. Absence from the map means the endpoint has either never
// been attempted or completed quickly. States only move forward: a
// slow-attempting endpoint can become slow-succeeded, and either can be
// overwritten by failed; nothing is ever downgraded except by removing
// slow-attempting entries wholesale when attempts are cancelled.
type endpointState int

const (
	endpointStateFailed endpointState = iota
	endpointStateSlowAttempting
	endpointStateSlowSucceeded
)

func (s endpointState) String() string {
	switch s {
	case endpointStateFailed:
		return "failed"
	case endpointStateSlowAttempting:
		return "slow-attempting"
	case endpointStateSlowSucceeded:
		return "slow-succeeded"
	default:
		return "unknown"
	}
}

// endpointTracker is the per-attempt-manager record of endpoint health
// plus the current address family preference. It starts preferring
// IPv6; when an attempt to some endpoint turns out slow, preference
// flips away from that endpoint's family.
type endpointTracker struct {
	states     map[IPEndpoint]endpointState
	preferIPv6 bool
}

func newEndpointTracker() *endpointTracker {
	return &endpointTracker{
		states:     map[IPEndpoint]endpointState{},
		preferIPv6: true,
	}
}

// markFailed records a permanent failure. The endpoint is never
// attempted again by the same attempt manager.
func (t *endpointTracker) markFailed(endpoint IPEndpoint) {
	t.states[endpoint] = endpointStateFailed
}

// markSlowAttempting records that an in-flight attempt to the endpoint
// passed the slow threshold. It does not overwrite an existing state,
// in particular not slow-succeeded. Family preference flips away from
// the slow endpoint's family.
func (t *endpointTracker) markSlowAttempting(endpoint IPEndpoint) {
	if _, ok := t.states[endpoint]; !ok {
		t.states[endpoint] = endpointStateSlowAttempting
	}
	t.preferIPv6 = !endpoint.Addr().Is6()
}

// markSlowSucceeded upgrades a slow-attempting endpoint whose attempt
// eventually connected.
func (t *endpointTracker) markSlowSucceeded(endpoint IPEndpoint) {
	t.states[endpoint] = endpointStateSlowSucceeded
}

// removeSlowAttempting forgets all slow-attempting entries. Called when
// in-flight attempts are cancelled, since those endpoints were never
// given a chance to finish.
func (t *endpointTracker) removeSlowAttempting() {
	for endpoint, state := range t.states {
		if state == endpointStateSlowAttempting {
			delete(t.states, endpoint)
		}
	}
}

func (t *endpointTracker) state(endpoint IPEndpoint) (endpointState, bool) {
	state, ok := t.states[endpoint]
	return state, ok
}

// findPreferredEndpoint selects the next endpoint to attempt from the
// resolved results. The preferred address family is scanned first. An
// endpoint with no recorded state wins immediately. Otherwise the best
// known-slow endpoint is remembered as a fallback: slow-succeeded beats
// slow-attempting, and a slow endpoint is only eligible while
// hasEnoughAttempts reports false for it. Failed endpoints are never
// returned. The exclude endpoint, if valid, is skipped entirely.
//
// The slow-endpoint fallback rules are tuned heuristics; do not try to
// improve them.
func (t *endpointTracker) findPreferredEndpoint(
	endpoints []ServiceEndpoint,
	exclude IPEndpoint,
	usable func(ServiceEndpoint) bool,
	hasEnoughAttempts func(IPEndpoint) bool,
) (IPEndpoint, bool) {
	var (
		current      IPEndpoint
		currentOK    bool
		currentState endpointState
	)
	for _, preferV6 := range []bool{t.preferIPv6, !t.preferIPv6} {
		for _, serviceEndpoint := range endpoints {
			if usable != nil && !usable(serviceEndpoint) {
				continue
			}
			candidates := serviceEndpoint.IPv4Endpoints
			if preferV6 {
				candidates = serviceEndpoint.IPv6Endpoints
			}
			for _, candidate := range candidates {
				if exclude.IsValid() && candidate == exclude {
					continue
				}
				state, known := t.state(candidate)
				if !known {
					// Never attempted, or previously fast. Use it.
					return candidate, true
				}
				switch state {
				case endpointStateFailed:
					continue
				case endpointStateSlowAttempting:
					if !currentOK && !hasEnoughAttempts(candidate) {
						current, currentOK, currentState = candidate, true, state
					}
				case endpointStateSlowSucceeded:
					better := !currentOK || currentState == endpointStateSlowAttempting
					if better && !hasEnoughAttempts(candidate) {
						current, currentOK, currentState = candidate, true, state
					}
				}
			}
		}
	}
	return current, currentOK
}
