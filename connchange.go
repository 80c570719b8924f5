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

// ConnChangeObserver receives connectivity and TLS configuration change
// events. Calls may arrive on any goroutine; observers must not block.
type ConnChangeObserver interface {
	// OnIPAddressChanged signals that the local IP configuration
	// changed and existing connections can no longer be trusted.
	OnIPAddressChanged()
	// OnSSLConfigChanged signals a global TLS configuration change.
	OnSSLConfigChanged()
	// OnSSLConfigForServersChanged signals a TLS configuration change
	// affecting only the given servers.
	OnSSLConfigForServersChanged(servers []Destination)
}

// ConnChangeNotifier fans connectivity events out to subscribed
// observers. Subscribing returns a handle; subscribers must unsubscribe
// through it before they become invalid. Unsubscribing is safe at any
// time, including concurrently with a notification and after the
// notifier itself is gone.
type ConnChangeNotifier struct {
	mu sync.Mutex
	// +checklocks:mu
	subs map[*ConnChangeSubscription]ConnChangeObserver
}

// NewConnChangeNotifier creates an empty notifier.
func NewConnChangeNotifier() *ConnChangeNotifier {
	return &ConnChangeNotifier{subs: map[*ConnChangeSubscription]ConnChangeObserver{}}
}

// ConnChangeSubscription is the handle returned by Subscribe. It holds a
// non-owning reference to the notifier.
type ConnChangeSubscription struct {
	notifier *ConnChangeNotifier
}

// Unsubscribe removes the subscription. It is idempotent and a no-op if
// the subscription was never registered.
func (s *ConnChangeSubscription) Unsubscribe() {
	if s == nil || s.notifier == nil {
		return
	}
	s.notifier.mu.Lock()
	delete(s.notifier.subs, s)
	s.notifier.mu.Unlock()
	s.notifier = nil
}

// Subscribe registers an observer and returns its subscription handle.
func (n *ConnChangeNotifier) Subscribe(observer ConnChangeObserver) *ConnChangeSubscription {
	sub := &ConnChangeSubscription{notifier: n}
	n.mu.Lock()
	n.subs[sub] = observer
	n.mu.Unlock()
	return sub
}

// NotifyIPAddressChanged delivers OnIPAddressChanged to all observers.
func (n *ConnChangeNotifier) NotifyIPAddressChanged() {
	for _, observer := range n.observers() {
		observer.OnIPAddressChanged()
	}
}

// NotifySSLConfigChanged delivers OnSSLConfigChanged to all observers.
func (n *ConnChangeNotifier) NotifySSLConfigChanged() {
	for _, observer := range n.observers() {
		observer.OnSSLConfigChanged()
	}
}

// NotifySSLConfigForServersChanged delivers a per-server TLS
// configuration change to all observers.
func (n *ConnChangeNotifier) NotifySSLConfigForServersChanged(servers []Destination) {
	for _, observer := range n.observers() {
		observer.OnSSLConfigForServersChanged(servers)
	}
}

// observers snapshots the subscriber set so notification callbacks run
// without the notifier lock held, letting observers unsubscribe from
// within a callback.
func (n *ConnChangeNotifier) observers() []ConnChangeObserver {
	n.mu.Lock()
	defer n.mu.Unlock()
	observers := make([]ConnChangeObserver, 0, len(n.subs))
	for _, observer := range n.subs {
		observers = append(observers, observer)
	}
	return observers
}
