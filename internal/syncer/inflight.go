package syncer

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/lorawan-server/lpwan-bridge/internal/models"
)

type flightKey struct {
	kind      models.EntityKind
	entityID  uuid.UUID
	networkID uuid.UUID
}

type flight struct {
	done chan struct{}
}

// tracker records which (entity, network) pairs are being pushed. It
// serializes pushes of the same pair and lets a dependent entity wait for
// its prerequisite's outcome on the same network.
type tracker struct {
	mu      sync.Mutex
	flights map[flightKey]*flight
}

func newTracker() *tracker {
	return &tracker{flights: make(map[flightKey]*flight)}
}

// begin registers a push and returns the func that ends it. A push of the
// same key already in flight is waited for first, so pushes of one entity
// to one network never overlap.
func (t *tracker) begin(ctx context.Context, key flightKey) (func(), error) {
	for {
		t.mu.Lock()
		prev := t.flights[key]
		if prev == nil {
			f := &flight{done: make(chan struct{})}
			t.flights[key] = f
			t.mu.Unlock()
			return func() {
				t.mu.Lock()
				delete(t.flights, key)
				t.mu.Unlock()
				close(f.done)
			}, nil
		}
		t.mu.Unlock()

		select {
		case <-prev.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// wait blocks until the push of key in progress, if any, has ended.
func (t *tracker) wait(ctx context.Context, key flightKey) error {
	t.mu.Lock()
	f := t.flights[key]
	t.mu.Unlock()

	if f == nil {
		return nil
	}
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
