// Package memory provides an in-memory product store for tests and dry
// runs.
package memory

import (
	"context"
	"sync"

	"github.com/jstrand/listcrawld/internal/crawl"
)

// Store implements crawl.ProductStore in process memory, keyed by canonical
// position like the Postgres store.
type Store struct {
	mu   sync.RWMutex
	rows map[crawl.Position]crawl.Product
	urls map[string]int
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		rows: make(map[crawl.Position]crawl.Product),
		urls: make(map[string]int),
	}
}

// MaxAddressedPosition returns the highest stored position, or nil when
// empty.
func (s *Store) MaxAddressedPosition(ctx context.Context) (*crawl.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var max *crawl.Position
	for pos := range s.rows {
		if max == nil || pos.Ordinal() > max.Ordinal() {
			p := pos
			max = &p
		}
	}
	return max, nil
}

// Save upserts the batch.
func (s *Store) Save(ctx context.Context, products []crawl.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range products {
		if prev, ok := s.rows[p.Position]; ok {
			s.urls[prev.URL]--
			if s.urls[prev.URL] <= 0 {
				delete(s.urls, prev.URL)
			}
		}
		s.rows[p.Position] = p
		s.urls[p.URL]++
	}
	return nil
}

// CountTotal counts stored products.
func (s *Store) CountTotal(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows), nil
}

// CountDuplicates counts rows sharing another row's URL.
func (s *Store) CountDuplicates(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dups := 0
	for _, n := range s.urls {
		if n > 1 {
			dups += n - 1
		}
	}
	return dups, nil
}

// Get returns the product stored at a position.
func (s *Store) Get(pos crawl.Position) (crawl.Product, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.rows[pos]
	return p, ok
}
