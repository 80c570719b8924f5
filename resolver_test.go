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

func TestNetHostResolverIPLiteral(t *testing.T) {
	t.Parallel()
	resolver := NewNetHostResolver(nil)
	dest := Destination{Scheme: "https", Host: "192.0.2.7", Port: 443}
	request := resolver.CreateServiceEndpointRequest(dest, NetworkAnonymizationKey(""), ResolveParams{})
	defer request.Close()

	finished, err := request.Start(nil)
	require.NoError(t, err)
	assert.True(t, finished)
	assert.True(t, request.EndpointsCryptoReady())

	results := request.EndpointResults()
	require.Len(t, results, 1)
	require.Len(t, results[0].IPv4Endpoints, 1)
	assert.Equal(t, addrPort("192.0.2.7:443"), results[0].IPv4Endpoints[0])
	assert.Empty(t, results[0].IPv6Endpoints)
}

func TestNetHostResolverIPv6Literal(t *testing.T) {
	t.Parallel()
	resolver := NewNetHostResolver(nil)
	dest := Destination{Scheme: "https", Host: "2001:db8::7", Port: 443}
	request := resolver.CreateServiceEndpointRequest(dest, NetworkAnonymizationKey(""), ResolveParams{})
	defer request.Close()

	finished, err := request.Start(nil)
	require.NoError(t, err)
	assert.True(t, finished)

	results := request.EndpointResults()
	require.Len(t, results, 1)
	require.Len(t, results[0].IPv6Endpoints, 1)
	assert.Equal(t, addrPort("[2001:db8::7]:443"), results[0].IPv6Endpoints[0])
}

func TestServiceEndpointMetadataKey(t *testing.T) {
	t.Parallel()
	plain := ServiceEndpoint{}
	withALPN := ServiceEndpoint{ALPNs: []string{"h3", "h2"}}
	assert.NotEqual(t, plain.metadataKey(), withALPN.metadataKey())
	assert.Equal(t, withALPN.metadataKey(), ServiceEndpoint{ALPNs: []string{"h3", "h2"}}.metadataKey())
}
