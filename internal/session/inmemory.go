package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/purdue-af/cluster-session-broker/internal/types"
	"k8s.io/klog/v2"
)

const cleanupInterval = 5 * time.Minute

type record struct {
	session   *types.Session
	expiresAt time.Time
}

// InMemoryStore implements Store using in-memory storage
type InMemoryStore struct {
	records map[string]record
	mutex   sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
}

// NewInMemoryStore creates a new in-memory session store
func NewInMemoryStore(ttl time.Duration) *InMemoryStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return &InMemoryStore{
		records: make(map[string]record),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get retrieves a session by ID
func (s *InMemoryStore) Get(ctx context.Context, sessionID string) (*types.Session, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	rec, exists := s.records[sessionID]
	if !exists || !s.now().Before(rec.expiresAt) {
		return nil, nil
	}

	return rec.session.Clone(), nil
}

// Set stores a copy of the session and extends its lifetime
func (s *InMemoryStore) Set(ctx context.Context, sessionID string, session *types.Session) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}
	if session == nil {
		return fmt.Errorf("session is required")
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.records[sessionID] = record{
		session:   session.Clone(),
		expiresAt: s.now().Add(s.ttl),
	}
	return nil
}

// Destroy removes a session
func (s *InMemoryStore) Destroy(ctx context.Context, sessionID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.records, sessionID)
	return nil
}

// Cleanup removes expired sessions
func (s *InMemoryStore) Cleanup(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := s.now()
	removed := 0
	for sessionID, rec := range s.records {
		if !now.Before(rec.expiresAt) {
			delete(s.records, sessionID)
			removed++
		}
	}

	if removed > 0 {
		klog.V(2).InfoS("Removed expired sessions", "count", removed)
	}
	return nil
}

// Run periodically cleans up expired sessions until ctx is done.
func (s *InMemoryStore) Run(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Cleanup(ctx); err != nil {
				klog.ErrorS(err, "Session cleanup failed")
			}
		}
	}
}
