package gate

import (
	"sort"
	"sync"
)

// PendingStore tracks approval requests awaiting a decision.
type PendingStore struct {
	mu      sync.RWMutex
	pending map[string]*pendingEntry
}

// NewPendingStore creates an empty pending store.
func NewPendingStore() *PendingStore {
	return &PendingStore{
		pending: make(map[string]*pendingEntry),
	}
}

func (s *PendingStore) add(entry *pendingEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[entry.req.ID] = entry
}

// take removes and returns the entry so a decision is delivered at most once.
func (s *PendingStore) take(id string) (*pendingEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	return entry, ok
}

func (s *PendingStore) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
}

func (s *PendingStore) list() []*Request {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reqs := make([]*Request, 0, len(s.pending))
	for _, entry := range s.pending {
		reqs = append(reqs, entry.req)
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].CreatedAt.Before(reqs[j].CreatedAt) })
	return reqs
}
