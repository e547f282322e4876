// Package connectivity reports whether the backend services are reachable
// and publishes transitions between online and offline.
package connectivity

import (
	"sync"
	"time"
)

// Event is published when the connectivity state flips.
type Event struct {
	Online bool
	At     time.Time
}

// Signal is a read-only view of connectivity.
type Signal interface {
	Online() bool
	// Subscribe returns a channel of transitions and an unsubscribe func.
	// Events are dropped for a subscriber whose buffer is full.
	Subscribe() (<-chan Event, func())
}

// Recorder receives the current state for metrics.
type Recorder interface {
	RecordOnline(online bool)
}

const subscriberBuffer = 8

// state holds the current value and fans transitions out to subscribers.
type state struct {
	mu       sync.RWMutex
	online   bool
	subs     []chan Event
	recorder Recorder
}

func (s *state) Online() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online
}

func (s *state) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, c := range s.subs {
				if c == ch {
					s.subs = append(s.subs[:i], s.subs[i+1:]...)
					close(ch)
					break
				}
			}
		})
	}
}

// set stores online and reports whether it changed. Subscribers only hear
// about changes.
func (s *state) set(online bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.recorder != nil {
		s.recorder.RecordOnline(online)
	}
	if s.online == online {
		return false
	}
	s.online = online

	ev := Event{Online: online, At: time.Now().UTC()}
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return true
}

// Static is a Signal whose state only changes through Set.
type Static struct {
	state
}

// NewStatic returns a Static starting in the given state.
func NewStatic(online bool) *Static {
	return &Static{state: state{online: online}}
}

// Set changes the state, publishing an event if it flipped.
func (s *Static) Set(online bool) {
	s.set(online)
}
