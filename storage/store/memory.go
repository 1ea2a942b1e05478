package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"notary/internal/notaryerr"
)

// MemoryStore keeps everything in process memory. It backs the local network and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	quotes  map[string][]*Quote  // run_id -> quotes, latest last
	records map[string][]*Record // lockKey -> attempts, oldest first
	now     func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		quotes:  make(map[string][]*Quote),
		records: make(map[string][]*Record),
		now:     time.Now,
	}
}

func (s *MemoryStore) PutQuote(ctx context.Context, q *Quote) error {
	if q == nil || q.RunID == "" {
		return notaryerr.New(notaryerr.KindInput, "quote requires a run_id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c := q.Clone()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now().UTC()
	}
	list := s.quotes[q.RunID]
	for i, existing := range list {
		if existing.MerkleRoot == q.MerkleRoot {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	s.quotes[q.RunID] = append(list, c)
	return nil
}

func (s *MemoryStore) GetQuote(ctx context.Context, runID string) (*Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.quotes[runID]
	if len(list) == 0 {
		return nil, notaryerr.Newf(notaryerr.KindNotFound, "no quote for run %q", runID)
	}
	return list[len(list)-1].Clone(), nil
}

func (s *MemoryStore) GetQuoteByRoot(ctx context.Context, runID string, root common.Hash) (*Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, q := range s.quotes[runID] {
		if q.MerkleRoot == root {
			return q.Clone(), nil
		}
	}
	return nil, notaryerr.Newf(notaryerr.KindNotFound, "no quote for run %q with root %s", runID, root.Hex())
}

func (s *MemoryStore) Put(ctx context.Context, rec *Record) error {
	if rec == nil || rec.RunID == "" || rec.ChainID == 0 {
		return notaryerr.New(notaryerr.KindInput, "record requires run_id and chain_id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := lockKey(rec.RunID, rec.ChainID)
	list := s.records[key]
	if n := len(list); n > 0 {
		last := list[n-1]
		if rec.Attempt <= last.Attempt {
			return notaryerr.Newf(notaryerr.KindConflict, "attempt %d already exists for %s", rec.Attempt, key)
		}
		if !last.Status.Terminal() {
			return notaryerr.Newf(notaryerr.KindConflict, "attempt %d for %s is still %s", last.Attempt, key, last.Status)
		}
	}
	c := rec.Clone()
	now := s.now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.records[key] = append(list, c)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, runID string, chainID uint64) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.records[lockKey(runID, chainID)]
	if len(list) == 0 {
		return nil, notaryerr.Newf(notaryerr.KindNotFound, "no record for run %q on chain %d", runID, chainID)
	}
	return list[len(list)-1].Clone(), nil
}

func (s *MemoryStore) GetAttempt(ctx context.Context, runID string, chainID uint64, attempt int) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.records[lockKey(runID, chainID)] {
		if r.Attempt == attempt {
			return r.Clone(), nil
		}
	}
	return nil, notaryerr.Newf(notaryerr.KindNotFound, "no attempt %d for run %q on chain %d", attempt, runID, chainID)
}

func (s *MemoryStore) Update(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.latestLocked(rec.RunID, rec.ChainID)
	if err != nil {
		return err
	}
	if cur.Attempt != rec.Attempt {
		return notaryerr.Newf(notaryerr.KindConflict, "attempt %d is not the latest (%d)", rec.Attempt, cur.Attempt)
	}
	if err := CheckTransition(cur.Status, rec.Status); err != nil {
		return err
	}
	c := rec.Clone()
	c.CreatedAt = cur.CreatedAt
	c.UpdatedAt = s.now().UTC()
	*cur = *c
	return nil
}

func (s *MemoryStore) UpdateConfirmations(ctx context.Context, runID string, chainID uint64, count uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.latestLocked(runID, chainID)
	if err != nil {
		return err
	}
	if err := CheckTransition(cur.Status, StatusPending); err != nil {
		return err
	}
	if cur.Status != StatusPending {
		return notaryerr.Newf(notaryerr.KindConflict, "confirmations can only change on a pending record, not %s", cur.Status)
	}
	cur.ConfirmationCount = count
	cur.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) latestLocked(runID string, chainID uint64) (*Record, error) {
	list := s.records[lockKey(runID, chainID)]
	if len(list) == 0 {
		return nil, notaryerr.Newf(notaryerr.KindNotFound, "no record for run %q on chain %d", runID, chainID)
	}
	return list[len(list)-1], nil
}

func (s *MemoryStore) History(ctx context.Context, runID string, chainID uint64) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.records[lockKey(runID, chainID)]
	if len(list) == 0 {
		return nil, notaryerr.Newf(notaryerr.KindNotFound, "no record for run %q on chain %d", runID, chainID)
	}
	out := make([]*Record, len(list))
	for i, r := range list {
		out[i] = r.Clone()
	}
	return out, nil
}

func (s *MemoryStore) ListByRun(ctx context.Context, runID string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Record
	for _, list := range s.records {
		last := list[len(list)-1]
		if last.RunID == runID {
			out = append(out, last.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ChainID < out[j].ChainID
	})
	return out, nil
}

func (s *MemoryStore) ListNonTerminal(ctx context.Context, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Record
	for _, list := range s.records {
		last := list[len(list)-1]
		if !last.Status.Terminal() {
			out = append(out, last.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// WithLock runs fn directly. A memory store is never shared between processes.
func (s *MemoryStore) WithLock(ctx context.Context, runID string, chainID uint64, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (s *MemoryStore) Close() {}
