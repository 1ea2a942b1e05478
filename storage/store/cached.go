package store

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedStore serves terminal attempts from an LRU cache keyed by run, chain and
// attempt. A terminal attempt never changes again, so any process may cache it.
// Latest-record lookups always go to the inner store: another process can add an
// attempt at any time.
type CachedStore struct {
	Store
	terminal *lru.Cache[string, *Record]
}

var _ Store = (*CachedStore)(nil)

func NewCachedStore(inner Store, size int) (*CachedStore, error) {
	if size <= 0 {
		size = 1024
	}
	c, err := lru.New[string, *Record](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create record cache: %w", err)
	}
	return &CachedStore{Store: inner, terminal: c}, nil
}

func attemptKey(runID string, chainID uint64, attempt int) string {
	return fmt.Sprintf("%s#%d", lockKey(runID, chainID), attempt)
}

func (s *CachedStore) remember(rec *Record) {
	if rec.Status.Terminal() {
		s.terminal.Add(attemptKey(rec.RunID, rec.ChainID, rec.Attempt), rec.Clone())
	}
}

func (s *CachedStore) Get(ctx context.Context, runID string, chainID uint64) (*Record, error) {
	rec, err := s.Store.Get(ctx, runID, chainID)
	if err != nil {
		return nil, err
	}
	s.remember(rec)
	return rec, nil
}

func (s *CachedStore) GetAttempt(ctx context.Context, runID string, chainID uint64, attempt int) (*Record, error) {
	if rec, ok := s.terminal.Get(attemptKey(runID, chainID, attempt)); ok {
		return rec.Clone(), nil
	}
	rec, err := s.Store.GetAttempt(ctx, runID, chainID, attempt)
	if err != nil {
		return nil, err
	}
	s.remember(rec)
	return rec, nil
}

func (s *CachedStore) History(ctx context.Context, runID string, chainID uint64) ([]*Record, error) {
	recs, err := s.Store.History(ctx, runID, chainID)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		s.remember(rec)
	}
	return recs, nil
}

// Len reports the number of cached records.
func (s *CachedStore) Len() int {
	return s.terminal.Len()
}
