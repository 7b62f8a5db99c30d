// Package reservation stores advisory preflight holds, either in process or
// in Redis when several instances should see each other's reservations.
package reservation

import (
	"context"
	"sort"
	"sync"
	"time"

	preflightdomain "github.com/smallbiznis/creditmeter/internal/preflight/domain"
)

// MemoryStore keeps reservations in process. Instances do not share it.
type MemoryStore struct {
	mu        sync.Mutex
	byID      map[string]preflightdomain.Reservation
	byAccount map[string]map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:      make(map[string]preflightdomain.Reservation),
		byAccount: make(map[string]map[string]struct{}),
	}
}

func (s *MemoryStore) Put(_ context.Context, r preflightdomain.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byID[r.ID] = r
	ids, ok := s.byAccount[r.AccountID]
	if !ok {
		ids = make(map[string]struct{})
		s.byAccount[r.AccountID] = ids
	}
	ids[r.ID] = struct{}{}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(id)
	return nil
}

func (s *MemoryStore) Active(_ context.Context, accountID string, now time.Time) ([]preflightdomain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []preflightdomain.Reservation
	for id := range s.byAccount[accountID] {
		r := s.byID[id]
		if r.Expired(now) {
			s.remove(id)
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// remove must be called with mu held.
func (s *MemoryStore) remove(id string) {
	r, ok := s.byID[id]
	if !ok {
		return
	}
	delete(s.byID, id)
	if ids := s.byAccount[r.AccountID]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(s.byAccount, r.AccountID)
		}
	}
}
