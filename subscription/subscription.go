// Package subscription fans the intents received by the server out to the
// providers subscribed to their proof system
package subscription

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/taralli-labs/taralli-node/metrics"
	"github.com/taralli-labs/taralli-node/systems"
	"github.com/taralli-labs/taralli-node/types"
	"go.vocdoni.io/dvote/log"
)

var (
	// ErrNoProvidersAvailable is returned by Broadcast when no provider is
	// subscribed to the system of the intent
	ErrNoProvidersAvailable = errors.New("no providers available")
	// ErrBroadcast is returned when an intent could not be delivered to a
	// subscriber
	ErrBroadcast = errors.New("broadcast error")
)

// DefaultBuffer is the buffer of a Subscription when none is given
const DefaultBuffer = 32

// Subscription receives the intents of the systems it subscribed to
type Subscription struct {
	ID      string
	Systems []systems.ID
	mask    uint32
	ch      chan types.Intent
}

// C returns the channel of delivered intents. It is closed on
// Unsubscribe.
func (s *Subscription) C() <-chan types.Intent { return s.ch }

// Manager is the registry of the live subscriptions
type Manager struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewManager returns an empty Manager
func NewManager() *Manager {
	return &Manager{subs: make(map[string]*Subscription)}
}

// Subscribe registers a new Subscription to the given systems, buffering up
// to buffer undelivered intents
func (m *Manager) Subscribe(ids []systems.ID, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	s := &Subscription{
		ID:      uuid.New().String(),
		Systems: append([]systems.ID(nil), ids...),
		mask:    systems.Mask(ids...),
		ch:      make(chan types.Intent, buffer),
	}

	m.mu.Lock()
	m.subs[s.ID] = s
	m.mu.Unlock()

	for _, id := range ids {
		metrics.Subscribers.WithLabelValues(string(id)).Inc()
	}
	log.Debugf("[subscription] %s subscribed to %v", s.ID, ids)
	return s
}

// Unsubscribe removes the subscription and closes its channel. Unknown ids
// are ignored.
func (m *Manager) Unsubscribe(id string) {
	m.mu.Lock()
	s, ok := m.subs[id]
	if ok {
		delete(m.subs, id)
		// Broadcast sends under the read lock, so no send can happen on
		// the closed channel
		close(s.ch)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	for _, sid := range s.Systems {
		metrics.Subscribers.WithLabelValues(string(sid)).Dec()
	}
	log.Debugf("[subscription] %s unsubscribed", id)
}

// Count returns the number of subscriptions to the given system
func (m *Manager) Count(id systems.ID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.subs {
		if s.mask&id.Bit() != 0 {
			n++
		}
	}
	return n
}

// Broadcast delivers the intent to every subscription of its system,
// without blocking on slow subscribers. It returns the number of
// subscriptions that received it.
func (m *Manager) Broadcast(intent types.Intent) (int, error) {
	bit := intent.SystemID().Bit()

	m.mu.RLock()
	defer m.mu.RUnlock()

	eligible, delivered := 0, 0
	for _, s := range m.subs {
		if s.mask&bit == 0 {
			continue
		}
		eligible++
		select {
		case s.ch <- intent:
			delivered++
			metrics.BroadcastDeliveries.WithLabelValues("delivered").Inc()
		default:
			metrics.BroadcastDeliveries.WithLabelValues("dropped").Inc()
			log.Warnw("subscriber buffer full",
				"subscription", s.ID, "intent", intent.ComputeID().Hex(),
				"err", ErrBroadcast)
		}
	}

	if eligible == 0 {
		return 0, fmt.Errorf("%w for system %s", ErrNoProvidersAvailable, intent.SystemID())
	}
	if delivered == 0 {
		return 0, fmt.Errorf("%w: %d subscribers of %s could not receive %s",
			ErrBroadcast, eligible, intent.SystemID(), intent.ComputeID().Hex())
	}
	return delivered, nil
}
