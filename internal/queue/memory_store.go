package queue

import (
	"container/heap"
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/scry-queue/internal/domain"
)

// MemoryStore is a process-local Store. A single mutex serializes every
// operation, which makes Pop and PromoteDue trivially atomic.
type MemoryStore struct {
	mu       sync.Mutex
	tiers    map[domain.Priority]*list.List
	delayed  delayedHeap
	inDelay  map[uuid.UUID]*delayedItem
	statuses map[uuid.UUID]*StatusRecord
	seq      uint64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	tiers := make(map[domain.Priority]*list.List, len(domain.Priorities))
	for _, p := range domain.Priorities {
		tiers[p] = list.New()
	}
	return &MemoryStore{
		tiers:    tiers,
		inDelay:  make(map[uuid.UUID]*delayedItem),
		statuses: make(map[uuid.UUID]*StatusRecord),
	}
}

func (s *MemoryStore) tier(p domain.Priority) *list.List {
	if l, ok := s.tiers[p]; ok {
		return l
	}
	return s.tiers[domain.PriorityNormal]
}

// Push implements Store.
func (s *MemoryStore) Push(_ context.Context, env *Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tier(env.Priority).PushBack(copyEnvelope(env))
	return nil
}

// PushDelayed implements Store.
func (s *MemoryStore) PushDelayed(_ context.Context, env *Envelope, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.inDelay[env.TaskID]; ok {
		heap.Remove(&s.delayed, old.index)
	}
	s.seq++
	item := &delayedItem{env: copyEnvelope(env), at: at, seq: s.seq}
	heap.Push(&s.delayed, item)
	s.inDelay[env.TaskID] = item
	return nil
}

// Pop implements Store.
func (s *MemoryStore) Pop(_ context.Context) (*Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range domain.Priorities {
		l := s.tiers[p]
		if front := l.Front(); front != nil {
			l.Remove(front)
			return front.Value.(*Envelope), nil
		}
	}
	return nil, nil
}

// PromoteDue implements Store.
func (s *MemoryStore) PromoteDue(_ context.Context, now time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	moved := 0
	for s.delayed.Len() > 0 && (limit <= 0 || moved < limit) {
		next := s.delayed[0]
		if next.at.After(now) {
			break
		}
		heap.Pop(&s.delayed)
		delete(s.inDelay, next.env.TaskID)
		s.tier(next.env.Priority).PushBack(next.env)
		moved++
	}
	return moved, nil
}

// RemoveDelayed implements Store.
func (s *MemoryStore) RemoveDelayed(_ context.Context, taskID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.inDelay[taskID]
	if !ok {
		return false, nil
	}
	heap.Remove(&s.delayed, item.index)
	delete(s.inDelay, taskID)
	return true, nil
}

// CreateStatus implements Store.
func (s *MemoryStore) CreateStatus(_ context.Context, rec *StatusRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.statuses[rec.TaskID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, rec.TaskID)
	}
	c := *rec
	s.statuses[rec.TaskID] = &c
	return nil
}

// UpdateStatus implements Store.
func (s *MemoryStore) UpdateStatus(_ context.Context, taskID uuid.UUID, fn StatusMutator) (*StatusRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.statuses[taskID]
	if !ok {
		return nil, ErrStatusNotFound
	}
	working := *cur
	if err := fn(&working); err != nil {
		c := *cur
		return &c, err
	}
	s.statuses[taskID] = &working
	c := working
	return &c, nil
}

// GetStatus implements Store.
func (s *MemoryStore) GetStatus(_ context.Context, taskID uuid.UUID) (*StatusRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.statuses[taskID]
	if !ok {
		return nil, ErrStatusNotFound
	}
	c := *cur
	return &c, nil
}

// Stats implements Store.
func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Pending: make(map[domain.Priority]int, len(s.tiers)), Delayed: s.delayed.Len()}
	for p, l := range s.tiers {
		st.Pending[p] = l.Len()
	}
	return st, nil
}

func copyEnvelope(env *Envelope) *Envelope {
	c := *env
	c.Payload = append([]byte(nil), env.Payload...)
	return &c
}

type delayedItem struct {
	env   *Envelope
	at    time.Time
	seq   uint64
	index int
}

// delayedHeap orders by fire time, then insertion order.
type delayedHeap []*delayedItem

func (h delayedHeap) Len() int { return len(h) }

func (h delayedHeap) Less(i, j int) bool {
	if !h[i].at.Equal(h[j].at) {
		return h[i].at.Before(h[j].at)
	}
	return h[i].seq < h[j].seq
}

func (h delayedHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *delayedHeap) Push(x any) {
	item := x.(*delayedItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}
