// Package connectivity tracks whether the remote service is reachable.
//
// A Monitor exposes the current state and calls its reconnect subscribers
// exactly once per offline -> online transition. Repeated "online" reports
// and offline transitions fire nothing.
//
// Two implementations are provided:
//   - Switch: state is pushed by the host (platform network callbacks, tests)
//   - Poller: state is derived from a periodic Prober, e.g. an HTTP health check
//
// Both start online. When reachability cannot be determined the monitor
// stays online, so a broken probe never stops sync.
package connectivity

import (
	"sync"
)

// Monitor reports reachability and notifies on reconnect.
type Monitor interface {
	// Online reports the current reachability.
	Online() bool
	// OnReconnect registers fn to run on every offline -> online edge.
	// fn runs on its own goroutine. The returned func unsubscribes.
	OnReconnect(fn func()) (unsubscribe func())
}

// Switch is a Monitor whose state is set explicitly.
type Switch struct {
	mu     sync.Mutex
	online bool
	subs   map[int]func()
	nextID int
	wg     sync.WaitGroup
}

// NewSwitch returns a Switch in the given initial state.
func NewSwitch(online bool) *Switch {
	return &Switch{
		online: online,
		subs:   make(map[int]func()),
	}
}

// Online reports the current state.
func (s *Switch) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Set records a new state. Moving from offline to online fires every
// subscriber once, each on its own goroutine; Set never blocks on them.
// It reports whether this call was an offline -> online edge.
func (s *Switch) Set(online bool) bool {
	s.mu.Lock()
	edge := online && !s.online
	s.online = online
	var fire []func()
	if edge {
		fire = make([]func(), 0, len(s.subs))
		for _, fn := range s.subs {
			fire = append(fire, fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range fire {
		s.wg.Add(1)
		go func(fn func()) {
			defer s.wg.Done()
			fn()
		}(fn)
	}
	return edge
}

// OnReconnect registers fn for offline -> online edges.
func (s *Switch) OnReconnect(fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// Subscribers returns the number of registered reconnect callbacks.
func (s *Switch) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Wait blocks until every fired callback has returned.
func (s *Switch) Wait() {
	s.wg.Wait()
}
