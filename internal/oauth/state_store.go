package oauth

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PendingAuth records an authorization flow awaiting its callback.
type PendingAuth struct {
	UserID    uuid.UUID
	Provider  string
	Tier      string
	CreatedAt time.Time
}

// StateStore maps OAuth state parameters to pending authorizations with TTL
// eviction. Entries are single-use: Take removes them.
type StateStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]stateEntry
	stopCh  chan struct{}
	once    sync.Once
}

type stateEntry struct {
	pending   PendingAuth
	expiresAt time.Time
}

// NewStateStore creates a store whose entries expire after ttl. A janitor
// goroutine sweeps expired entries until Close is called.
func NewStateStore(ttl time.Duration) *StateStore {
	s := &StateStore{
		ttl:     ttl,
		entries: make(map[string]stateEntry),
		stopCh:  make(chan struct{}),
	}
	go s.janitor()
	return s
}

// Put registers a pending authorization and returns its state parameter.
func (s *StateStore) Put(pending PendingAuth) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	state := hex.EncodeToString(buf)
	pending.CreatedAt = time.Now()

	s.mu.Lock()
	s.entries[state] = stateEntry{
		pending:   pending,
		expiresAt: time.Now().Add(s.ttl),
	}
	s.mu.Unlock()

	return state, nil
}

// Take resolves and removes a state parameter. ok is false for unknown or
// expired states.
func (s *StateStore) Take(state string) (PendingAuth, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, found := s.entries[state]
	if !found {
		return PendingAuth{}, false
	}
	delete(s.entries, state)

	if time.Now().After(entry.expiresAt) {
		return PendingAuth{}, false
	}
	return entry.pending, true
}

// Len returns the number of live entries.
func (s *StateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close stops the janitor goroutine.
func (s *StateStore) Close() {
	s.once.Do(func() { close(s.stopCh) })
}

func (s *StateStore) janitor() {
	interval := s.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for state, entry := range s.entries {
				if now.After(entry.expiresAt) {
					delete(s.entries, state)
				}
			}
			s.mu.Unlock()
		case <-s.stopCh:
			return
		}
	}
}
