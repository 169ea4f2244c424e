// Package mock provides a test double for the memory.Store interface.
package mock

import (
	"context"
	"sync"

	"github.com/conversalabs/conversa-core/pkg/memory"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	Method string
	Args   []any
}

// Store is a configurable test double for memory.Store.
type Store struct {
	mu sync.Mutex

	calls []Call

	// UpsertErr is returned by Upsert when non-nil.
	UpsertErr error

	// SearchResult is returned by Search. When nil, Search returns an empty
	// non-nil slice.
	SearchResult []memory.SearchResult

	// SearchErr is returned by Search when non-nil.
	SearchErr error
}

var _ memory.Store = (*Store)(nil)

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering response configuration.
func (m *Store) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

func (m *Store) Upsert(_ context.Context, fact memory.Fact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Upsert", Args: []any{fact}})
	return m.UpsertErr
}

func (m *Store) Search(_ context.Context, userID string, embedding []float32, k int) ([]memory.SearchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Search", Args: []any{userID, embedding, k}})
	if m.SearchResult == nil {
		return []memory.SearchResult{}, m.SearchErr
	}
	out := make([]memory.SearchResult, len(m.SearchResult))
	copy(out, m.SearchResult)
	return out, m.SearchErr
}
