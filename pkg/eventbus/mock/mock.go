// Package mock provides a test double for the eventbus.Dispatcher interface.
package mock

import (
	"context"
	"sync"

	"github.com/conversalabs/conversa-core/pkg/eventbus"
)

// Dispatcher is a configurable, recording test double for eventbus.Dispatcher.
type Dispatcher struct {
	mu     sync.Mutex
	events []eventbus.Event

	// Err is returned by Dispatch when non-nil.
	Err error
}

var _ eventbus.Dispatcher = (*Dispatcher)(nil)

// New returns an empty Dispatcher ready to use.
func New() *Dispatcher {
	return &Dispatcher{}
}

func (d *Dispatcher) Dispatch(_ context.Context, event eventbus.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return d.Err
	}
	d.events = append(d.events, event)
	return nil
}

// Events returns a copy of every event dispatched so far.
func (d *Dispatcher) Events() []eventbus.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]eventbus.Event, len(d.events))
	copy(out, d.events)
	return out
}
