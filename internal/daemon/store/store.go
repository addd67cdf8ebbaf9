package store

import (
	"os"
	"sort"
	"sync"
	"time"

	"github.com/grovetools/ptyhost/pkg/models"
)

// Store is the in-memory state store for the daemon.
// It is thread-safe and fans session events out to subscribers.
type Store struct {
	mu          sync.RWMutex
	state       *State
	subscribers map[*Subscription]struct{}
}

// New creates a new Store instance.
func New() *Store {
	return &Store{
		state: &State{
			StartedAt: time.Now(),
			Sessions:  make(map[string]*SessionInfo),
		},
		subscribers: make(map[*Subscription]struct{}),
	}
}

// AddSession records a newly spawned session.
func (s *Store) AddSession(info *SessionInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Sessions[info.ID] = info
}

// MarkSubscribed flags a session as delivering data.
func (s *Store) MarkSubscribed(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if info, ok := s.state.Sessions[id]; ok {
		info.Subscribed = true
	}
}

// GetSessions returns all sessions sorted by creation time.
func (s *Store) GetSessions() []*SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*SessionInfo, 0, len(s.state.Sessions))
	for _, info := range s.state.Sessions {
		copied := *info
		result = append(result, &copied)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result
}

// Status returns a summary of the daemon state.
func (s *Store) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		PID:         os.Getpid(),
		StartedAt:   s.state.StartedAt,
		Sessions:    len(s.state.Sessions),
		Subscribers: len(s.subscribers),
	}
}

// ApplyEvent updates state for an event and broadcasts it.
func (s *Store) ApplyEvent(ev models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.Type == models.EventTypeExit {
		delete(s.state.Sessions, ev.SessionID)
	}

	for sub := range s.subscribers {
		select {
		case sub.C <- ev:
		default:
			// A subscriber that cannot keep up is dropped rather than
			// silently missing an exit event; it reconnects and reconciles.
			delete(s.subscribers, sub)
			close(sub.C)
		}
	}
}

// Subscribe creates a new subscription for session events.
func (s *Store) Subscribe() *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := &Subscription{C: make(chan models.Event, subscriberBuffer)}
	s.subscribers[sub] = struct{}{}
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
// It is safe to call after the store already dropped it.
func (s *Store) Unsubscribe(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subscribers[sub]; !ok {
		return
	}
	delete(s.subscribers, sub)
	close(sub.C)
}
