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
	"net"
	"net/netip"
	"sync"
)

// IPEndpoint is a resolved IP address and port.
type IPEndpoint = netip.AddrPort

// ServiceEndpoint is one resolved endpoint for a destination: the IPv4
// and IPv6 addresses it is reachable at, plus metadata from HTTPS
// resource records, if any.
type ServiceEndpoint struct {
	IPv4Endpoints []IPEndpoint
	IPv6Endpoints []IPEndpoint

	// ALPNs lists the protocols the endpoint advertised via HTTPS RR
	// metadata. Empty means the endpoint came from plain A/AAAA records
	// and supports whatever the destination supports.
	ALPNs []string
}

// metadataKey returns a comparable digest of the endpoint metadata,
// used to deduplicate QUIC session attempts per (version, address,
// metadata) tuple.
func (e ServiceEndpoint) metadataKey() string {
	key := ""
	for i, alpn := range e.ALPNs {
		if i > 0 {
			key += ","
		}
		key += alpn
	}
	return key
}

// ResolveParams carries per-request parameters for a service endpoint
// resolution.
type ResolveParams struct {
	InitialPriority Priority
	SecureDNSPolicy SecureDNSPolicy
}

// HostResolver is the name-resolution collaborator. The pool only ever
// creates service endpoint requests through it; resolution internals are
// out of scope.
type HostResolver interface {
	// CreateServiceEndpointRequest creates a request for the given
	// destination. The request does no work until Start is called.
	CreateServiceEndpointRequest(
		destination Destination,
		anonymizationKey NetworkAnonymizationKey,
		params ResolveParams,
	) ServiceEndpointRequest
}

// ServiceEndpointRequestDelegate receives updates from an in-flight
// service endpoint request. Calls may arrive on any goroutine.
type ServiceEndpointRequestDelegate interface {
	// OnServiceEndpointsUpdated is called when partial results become
	// available before the request finishes. EndpointResults reflects
	// the endpoints resolved so far.
	OnServiceEndpointsUpdated()
	// OnServiceEndpointRequestFinished is called exactly once when the
	// request completes, unless Start completed synchronously.
	OnServiceEndpointRequestFinished(err error)
}

// ServiceEndpointRequest is one in-flight resolution.
type ServiceEndpointRequest interface {
	// Start begins resolution. If it completes synchronously it returns
	// (true, result) and the delegate is never called. Otherwise it
	// returns (false, nil) and the delegate receives updates and the
	// final result.
	Start(delegate ServiceEndpointRequestDelegate) (finished bool, err error)
	// EndpointResults returns the endpoints resolved so far.
	EndpointResults() []ServiceEndpoint
	// EndpointsCryptoReady reports whether the results are final enough
	// to act on for cryptographic handshakes. For TLS destinations,
	// endpoints may be used incrementally before this becomes true;
	// plain destinations must wait for it, since an HTTPS record could
	// still force an HTTP to HTTPS upgrade.
	EndpointsCryptoReady() bool
	// DNSAliases returns the alias chain discovered during resolution,
	// used for IP-based session pooling.
	DNSAliases() []string
	// ResolveError returns detail about a resolution failure, if any.
	ResolveError() error
	// ChangePriority adjusts the request's scheduling priority.
	ChangePriority(priority Priority)
	// Close releases the request. No delegate calls are made after
	// Close returns.
	Close()
}

// NewNetHostResolver returns a HostResolver backed by the given
// [net.Resolver]. It resolves A and AAAA records only: results carry no
// HTTPS-RR metadata and are crypto-ready as soon as resolution
// completes. Priorities are accepted but have no effect, since
// net.Resolver has no scheduling levers.
func NewNetHostResolver(resolver *net.Resolver) HostResolver {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &netHostResolver{resolver: resolver}
}

type netHostResolver struct {
	resolver *net.Resolver
}

func (r *netHostResolver) CreateServiceEndpointRequest(
	destination Destination,
	_ NetworkAnonymizationKey,
	_ ResolveParams,
) ServiceEndpointRequest {
	ctx, cancel := context.WithCancel(context.Background())
	return &netEndpointRequest{
		resolver: r.resolver,
		host:     destination.Host,
		port:     destination.Port,
		ctx:      ctx,
		cancel:   cancel,
	}
}

type netEndpointRequest struct {
	resolver *net.Resolver
	host     string
	port     uint16
	ctx      context.Context //nolint:containedctx
	cancel   context.CancelFunc

	mu sync.Mutex
	// +checklocks:mu
	endpoints []ServiceEndpoint
	// +checklocks:mu
	finished bool
	// +checklocks:mu
	resolveErr error
}

func (r *netEndpointRequest) Start(delegate ServiceEndpointRequestDelegate) (bool, error) {
	// If the host is already an IP literal there is nothing to resolve.
	if addr, err := netip.ParseAddr(r.host); err == nil {
		r.mu.Lock()
		r.setResultLocked(addr.Unmap())
		r.finished = true
		r.mu.Unlock()
		return true, nil
	}
	go func() {
		addrs, err := r.resolver.LookupNetIP(r.ctx, "ip", r.host)
		r.mu.Lock()
		if r.ctx.Err() != nil {
			r.mu.Unlock()
			return
		}
		if err == nil && len(addrs) == 0 {
			err = &net.DNSError{Err: "no addresses", Name: r.host, IsNotFound: true}
		}
		if err != nil {
			r.resolveErr = err
		} else {
			r.setResultLocked(addrs...)
		}
		r.finished = true
		r.mu.Unlock()
		delegate.OnServiceEndpointRequestFinished(err)
	}()
	return false, nil
}

// +checklocks:r.mu
func (r *netEndpointRequest) setResultLocked(addrs ...netip.Addr) {
	var endpoint ServiceEndpoint
	for _, addr := range addrs {
		unmapped := addr.Unmap()
		addrPort := netip.AddrPortFrom(unmapped, r.port)
		if unmapped.Is4() {
			endpoint.IPv4Endpoints = append(endpoint.IPv4Endpoints, addrPort)
		} else {
			endpoint.IPv6Endpoints = append(endpoint.IPv6Endpoints, addrPort)
		}
	}
	r.endpoints = []ServiceEndpoint{endpoint}
}

func (r *netEndpointRequest) EndpointResults() []ServiceEndpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.endpoints
}

func (r *netEndpointRequest) EndpointsCryptoReady() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

func (r *netEndpointRequest) DNSAliases() []string {
	return []string{r.host}
}

func (r *netEndpointRequest) ResolveError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolveErr
}

func (r *netEndpointRequest) ChangePriority(Priority) {}

func (r *netEndpointRequest) Close() {
	r.cancel()
}
