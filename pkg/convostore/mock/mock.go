// Package mock provides a test double for the convostore.Store interface.
package mock

import (
	"context"
	"sort"
	"sync"

	"github.com/conversalabs/conversa-core/pkg/convostore"
	"github.com/conversalabs/conversa-core/pkg/types"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	Method string
	Args   []any
}

// Store is a configurable, stateful test double for convostore.Store. Unlike
// a purely canned mock, Mutate performs a real read-modify-write against an
// in-memory map so tests of the jobs that share a Conversation after the
// speaker-recognition barrier (spec.md §4.9) can observe each other's writes.
type Store struct {
	mu sync.Mutex

	calls []Call
	convs map[string]types.Conversation

	// CreateErr is returned by Create when non-nil, instead of the default
	// ErrAlreadyExists-on-duplicate / nil-on-success behaviour.
	CreateErr error

	// GetErr is returned by Get when non-nil, instead of the default
	// ErrNotFound-on-missing / nil-on-success behaviour.
	GetErr error

	// MutateErr is returned by Mutate when non-nil, instead of the default
	// ErrNotFound-on-missing behaviour.
	MutateErr error

	// ListBySessionErr is returned by ListBySession when non-nil.
	ListBySessionErr error
}

var _ convostore.Store = (*Store)(nil)

// New returns an empty Store ready to use.
func New() *Store {
	return &Store{convs: make(map[string]types.Conversation)}
}

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

// Reset clears all recorded calls and stored conversations without altering
// response configuration.
func (m *Store) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.convs = make(map[string]types.Conversation)
}

// Put seeds a conversation directly, bypassing Create's duplicate check.
// Intended for test setup.
func (m *Store) Put(conv types.Conversation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.convs == nil {
		m.convs = make(map[string]types.Conversation)
	}
	m.convs[conv.ConversationID] = conv
}

func (m *Store) Create(_ context.Context, conv types.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Create", Args: []any{conv}})
	if m.CreateErr != nil {
		return m.CreateErr
	}
	if m.convs == nil {
		m.convs = make(map[string]types.Conversation)
	}
	if _, exists := m.convs[conv.ConversationID]; exists {
		return convostore.ErrAlreadyExists
	}
	m.convs[conv.ConversationID] = conv
	return nil
}

func (m *Store) Get(_ context.Context, conversationID string) (types.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Get", Args: []any{conversationID}})
	if m.GetErr != nil {
		return types.Conversation{}, m.GetErr
	}
	conv, ok := m.convs[conversationID]
	if !ok {
		return types.Conversation{}, convostore.ErrNotFound
	}
	return conv, nil
}

func (m *Store) Mutate(_ context.Context, conversationID string, fn func(*types.Conversation) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Mutate", Args: []any{conversationID}})
	if m.MutateErr != nil {
		return m.MutateErr
	}
	conv, ok := m.convs[conversationID]
	if !ok {
		return convostore.ErrNotFound
	}
	if err := fn(&conv); err != nil {
		return err
	}
	m.convs[conversationID] = conv
	return nil
}

func (m *Store) ListBySession(_ context.Context, sessionID string) ([]types.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "ListBySession", Args: []any{sessionID}})
	if m.ListBySessionErr != nil {
		return nil, m.ListBySessionErr
	}
	out := []types.Conversation{}
	for _, conv := range m.convs {
		if conv.SessionID == sessionID {
			out = append(out, conv)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}
