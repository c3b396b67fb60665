package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/ManuGH/simopt/internal/model"
)

// MemoryStore is an in-memory Store for unit tests.
type MemoryStore struct {
	clock clockwork.Clock

	mu        sync.Mutex
	nextID    int64
	sessions  map[int64]model.OptimizationSession
	instances map[int64]model.OptimizationInstance
	groups    map[int64]struct {
		instanceID int64
		planIDs    string
	}
	queues  map[int64]*memQueue
	results map[int64][]model.DeviceResult
	plans   map[string]model.RatePlan
	devices map[int64]map[string]model.Device
}

type memQueue struct {
	q         model.OptimizationQueue
	startedAt time.Time
}

// NewMemoryStore builds a store on the real clock.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(clockwork.NewRealClock())
}

// NewMemoryStoreWithClock injects a test clock.
func NewMemoryStoreWithClock(clock clockwork.Clock) *MemoryStore {
	return &MemoryStore{
		clock:     clock,
		sessions:  make(map[int64]model.OptimizationSession),
		instances: make(map[int64]model.OptimizationInstance),
		groups: make(map[int64]struct {
			instanceID int64
			planIDs    string
		}),
		queues:  make(map[int64]*memQueue),
		results: make(map[int64][]model.DeviceResult),
		plans:   make(map[string]model.RatePlan),
		devices: make(map[int64]map[string]model.Device),
	}
}

func (s *MemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *MemoryStore) CreateSession(_ context.Context, sess model.OptimizationSession) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess.ID = s.id()
	sess.CreatedAt = s.clock.Now()
	s.sessions[sess.ID] = sess
	return sess.ID, nil
}

func (s *MemoryStore) CreateInstance(_ context.Context, in model.OptimizationInstance) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in.ID = s.id()
	s.instances[in.ID] = in
	return in.ID, nil
}

func (s *MemoryStore) CreateCommGroup(_ context.Context, instanceID int64, planIDs []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.id()
	s.groups[id] = struct {
		instanceID int64
		planIDs    string
	}{instanceID, model.GroupKey(planIDs)}
	return id, nil
}

func (s *MemoryStore) CreateQueue(_ context.Context, q model.OptimizationQueue) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q.ID = s.id()
	if q.Status == "" {
		q.Status = model.QueueNotStarted
	}
	q.CreatedAt = s.clock.Now()
	q.Sequence.QueueID = q.ID
	s.queues[q.ID] = &memQueue{q: q}
	return q.ID, nil
}

func (s *MemoryStore) Instance(_ context.Context, id int64) (*model.OptimizationInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &in, nil
}

func (s *MemoryStore) Queue(_ context.Context, id int64) (*model.OptimizationQueue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mq, ok := s.queues[id]
	if !ok {
		return nil, ErrNotFound
	}
	q := mq.q
	return &q, nil
}

func (s *MemoryStore) ClaimQueue(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mq, ok := s.queues[id]
	if !ok {
		return false, fmt.Errorf("queue %d: %w", id, ErrNotFound)
	}
	if mq.q.Status != model.QueueNotStarted {
		return false, nil
	}
	mq.q.Status = model.QueueRunning
	mq.startedAt = s.clock.Now()
	return true, nil
}

func (s *MemoryStore) ReleaseQueue(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mq, ok := s.queues[id]
	if !ok {
		return fmt.Errorf("queue %d: %w", id, ErrNotFound)
	}
	if mq.q.Status != model.QueueRunning {
		return fmt.Errorf("release queue %d: %w", id, ErrConflict)
	}
	mq.q.Status = model.QueueNotStarted
	mq.startedAt = time.Time{}
	return nil
}

func (s *MemoryStore) FinishQueue(_ context.Context, id int64, status model.QueueStatus, totalCost decimal.Decimal, reason model.ReasonCode) error {
	if !status.IsFinished() {
		return fmt.Errorf("finish queue %d: %s is not a terminal status", id, status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishLocked(id, status, totalCost, reason)
}

func (s *MemoryStore) finishLocked(id int64, status model.QueueStatus, totalCost decimal.Decimal, reason model.ReasonCode) error {
	mq, ok := s.queues[id]
	if !ok {
		return fmt.Errorf("queue %d: %w", id, ErrNotFound)
	}
	if mq.q.Status != model.QueueRunning {
		return fmt.Errorf("queue %d in status %s: %w", id, mq.q.Status, ErrConflict)
	}
	mq.q.Status = status
	mq.q.TotalCost = totalCost
	mq.q.Reason = reason
	mq.q.CompletedAt = s.clock.Now()
	return nil
}

func (s *MemoryStore) RecordSuccess(_ context.Context, result *model.QueueResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.finishLocked(result.QueueID, model.QueueCompletedSuccess, result.TotalCost, model.RNone); err != nil {
		return err
	}
	rows := append([]model.DeviceResult(nil), result.Devices...)
	sort.Slice(rows, func(i, j int) bool { return rows[i].DeviceID < rows[j].DeviceID })
	s.results[result.QueueID] = rows
	return nil
}

func (s *MemoryStore) DeviceResults(_ context.Context, queueID int64) ([]model.DeviceResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.DeviceResult(nil), s.results[queueID]...), nil
}

func (s *MemoryStore) QueueStatuses(_ context.Context, sessionID int64) (map[int64]model.QueueStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]model.QueueStatus)
	for id, mq := range s.queues {
		in, ok := s.instances[mq.q.InstanceID]
		if !ok || in.SessionID != sessionID {
			continue
		}
		out[id] = mq.q.Status
	}
	return out, nil
}

func (s *MemoryStore) UnfinishedCount(ctx context.Context, sessionID int64) (int, error) {
	statuses, err := s.QueueStatuses(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, st := range statuses {
		if !st.IsFinished() {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) GroupQueues(_ context.Context, commGroupID int64) ([]model.OptimizationQueue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.OptimizationQueue
	for _, mq := range s.queues {
		if mq.q.CommGroupID == commGroupID {
			out = append(out, mq.q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) AbandonStuck(_ context.Context, maxAge time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.clock.Now().Add(-maxAge)
	var n int64
	for _, mq := range s.queues {
		if mq.q.Status == model.QueueRunning && !mq.startedAt.IsZero() && !mq.startedAt.After(cutoff) {
			mq.q.Status = model.QueueAbandoned
			mq.q.Reason = model.RStuck
			mq.q.CompletedAt = s.clock.Now()
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ActiveSessions(_ context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for id, sess := range s.sessions {
		if sess.Status == model.SessionActive {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *MemoryStore) CompleteSession(_ context.Context, sessionID int64, status string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return false, fmt.Errorf("session %d: %w", sessionID, ErrNotFound)
	}
	if sess.Status != model.SessionActive {
		return false, nil
	}
	sess.Status = status
	s.sessions[sessionID] = sess
	return true, nil
}

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
