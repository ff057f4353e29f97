package server

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps the only server-side login state: single-use hand-off
// tickets and tombstones of consumed PKCE states. Entries expire on their own.
type InMemoryStore struct {
	mu       sync.Mutex
	now      func() time.Time
	tickets  map[string]handoffTicket
	consumed map[string]time.Time
}

type handoffTicket struct {
	session   Session
	expiresAt time.Time
}

// NewInMemoryStore constructs the store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		now:      time.Now,
		tickets:  make(map[string]handoffTicket),
		consumed: make(map[string]time.Time),
	}
}

// NewID generates a random identifier.
func (s *InMemoryStore) NewID() string {
	return uuid.NewString()
}

// SaveTicket stores session under a fresh ticket id valid for ttl.
func (s *InMemoryStore) SaveTicket(session Session, ttl time.Duration) string {
	id := s.NewID()
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.sweepLocked(now)
	s.tickets[id] = handoffTicket{session: session, expiresAt: now.Add(ttl)}
	return id
}

// ConsumeTicket fetches and removes a ticket. Expired or unknown tickets
// report false.
func (s *InMemoryStore) ConsumeTicket(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return Session{}, false
	}
	delete(s.tickets, id)
	if !s.now().Before(t.expiresAt) {
		return Session{}, false
	}
	return t.session, true
}

// MarkConsumed records that state has been used until the given time. It
// returns false when state was already consumed.
func (s *InMemoryStore) MarkConsumed(state string, until time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.sweepLocked(now)
	if expiry, ok := s.consumed[state]; ok && now.Before(expiry) {
		return false
	}
	s.consumed[state] = until
	return true
}

func (s *InMemoryStore) sweepLocked(now time.Time) {
	for id, t := range s.tickets {
		if !now.Before(t.expiresAt) {
			delete(s.tickets, id)
		}
	}
	for state, expiry := range s.consumed {
		if !now.Before(expiry) {
			delete(s.consumed, state)
		}
	}
}
