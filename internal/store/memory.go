package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/planhub/erpbridge/pkg/models"
)

// MemoryStore is a mutex-guarded in-memory Store. Used by tests and by
// one-shot CLI runs that have no database configured.
type MemoryStore struct {
	mu sync.RWMutex

	batches   map[string]*models.SyncBatch
	syncState map[string]*models.SyncState
	failed    map[string]*models.FailedRecord
	children  map[string]*models.PendingChild
	schedules map[string]*models.ScheduleState
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		batches:   make(map[string]*models.SyncBatch),
		syncState: make(map[string]*models.SyncState),
		failed:    make(map[string]*models.FailedRecord),
		children:  make(map[string]*models.PendingChild),
		schedules: make(map[string]*models.ScheduleState),
	}
}

func (s *MemoryStore) Close() {}

func syncStateKey(entity, sourceSystem string) string {
	return entity + "\x00" + sourceSystem
}

// --- batches ---

func (s *MemoryStore) CreateBatch(_ context.Context, batch *models.SyncBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *batch
	s.batches[batch.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateBatch(ctx context.Context, batch *models.SyncBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[batch.ID]; !ok {
		return ErrNotFound
	}
	cp := *batch
	s.batches[batch.ID] = &cp
	return nil
}

func (s *MemoryStore) GetBatch(_ context.Context, id string) (*models.SyncBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) ListBatches(_ context.Context, entity string, limit int) ([]*models.SyncBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.SyncBatch
	for _, b := range s.batches {
		if entity != "" && b.Entity != entity {
			continue
		}
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) DeleteBatchesBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for id, b := range s.batches {
		if b.StartedAt.Before(cutoff) && b.Status.Terminal() {
			delete(s.batches, id)
			removed++
		}
	}
	return removed, nil
}

// --- sync state ---

func (s *MemoryStore) GetSyncState(_ context.Context, entity, sourceSystem string) (*models.SyncState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.syncState[syncStateKey(entity, sourceSystem)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (s *MemoryStore) UpsertSyncState(_ context.Context, state *models.SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *state
	s.syncState[syncStateKey(state.Entity, state.SourceSystem)] = &cp
	return nil
}

// --- failed records ---

func (s *MemoryStore) CreateFailedRecord(_ context.Context, fr *models.FailedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *fr
	s.failed[fr.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateFailedRecord(_ context.Context, fr *models.FailedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.failed[fr.ID]; !ok {
		return ErrNotFound
	}
	cp := *fr
	s.failed[fr.ID] = &cp
	return nil
}

func (s *MemoryStore) GetFailedRecord(_ context.Context, id string) (*models.FailedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fr, ok := s.failed[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *fr
	return &cp, nil
}

func (s *MemoryStore) ListFailedRecords(_ context.Context, entity string, unresolvedOnly bool, limit int) ([]*models.FailedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.FailedRecord
	for _, fr := range s.failed {
		if entity != "" && fr.Entity != entity {
			continue
		}
		if unresolvedOnly && fr.Resolved {
			continue
		}
		cp := *fr
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListRetryableFailedRecords(_ context.Context, now time.Time, limit int) ([]*models.FailedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.FailedRecord
	for _, fr := range s.failed {
		if fr.Resolved || fr.RetryCount >= fr.MaxRetries || fr.NextRetryAt.After(now) {
			continue
		}
		cp := *fr
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(out[j].NextRetryAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- pending children ---

func (s *MemoryStore) CreatePendingChild(_ context.Context, pc *models.PendingChild) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.children[pc.ID] = cloneChild(pc)
	return nil
}

func (s *MemoryStore) UpdatePendingChild(_ context.Context, pc *models.PendingChild) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.children[pc.ID]; !ok {
		return ErrNotFound
	}
	s.children[pc.ID] = cloneChild(pc)
	return nil
}

func (s *MemoryStore) DeletePendingChild(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.children, id)
	return nil
}

func (s *MemoryStore) ListDuePendingChildren(_ context.Context, now time.Time, limit int) ([]*models.PendingChild, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.PendingChild
	for _, pc := range s.children {
		if pc.State != models.ChildQueued && pc.State != models.ChildRetrying {
			continue
		}
		if pc.NextRetryAt.After(now) {
			continue
		}
		out = append(out, cloneChild(pc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(out[j].NextRetryAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListPendingChildren(_ context.Context, entity string, states []models.PendingChildState, limit int) ([]*models.PendingChild, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wanted := make(map[models.PendingChildState]bool, len(states))
	for _, st := range states {
		wanted[st] = true
	}
	var out []*models.PendingChild
	for _, pc := range s.children {
		if entity != "" && pc.Entity != entity {
			continue
		}
		if len(wanted) > 0 && !wanted[pc.State] {
			continue
		}
		out = append(out, cloneChild(pc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CountPendingChildren(_ context.Context, entity string) (map[models.PendingChildState]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[models.PendingChildState]int64)
	for _, pc := range s.children {
		if entity != "" && pc.Entity != entity {
			continue
		}
		out[pc.State]++
	}
	return out, nil
}

func cloneChild(pc *models.PendingChild) *models.PendingChild {
	cp := *pc
	cp.Payload = pc.Payload.Clone()
	if pc.MissingParents != nil {
		cp.MissingParents = make(map[string]string, len(pc.MissingParents))
		for k, v := range pc.MissingParents {
			cp.MissingParents[k] = v
		}
	}
	return &cp
}

// --- schedule state ---

func (s *MemoryStore) GetScheduleState(_ context.Context, entity string) (*models.ScheduleState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.schedules[entity]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (s *MemoryStore) ListScheduleStates(_ context.Context) ([]*models.ScheduleState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.ScheduleState
	for _, st := range s.schedules {
		cp := *st
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entity < out[j].Entity })
	return out, nil
}

func (s *MemoryStore) UpsertScheduleState(_ context.Context, state *models.ScheduleState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *state
	s.schedules[state.Entity] = &cp
	return nil
}

var _ Store = (*MemoryStore)(nil)
