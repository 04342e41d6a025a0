package relay

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/lpwan-bridge/internal/models"
)

// queue is the downlink FIFO of one device. An enqueue with a poller
// waiting hands the item straight to the oldest poller.
type queue struct {
	mu      sync.Mutex
	items   []*models.Downlink
	waiters []chan *models.Downlink
}

func (q *queue) push(d *models.Downlink) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.waiters) > 0 {
		ch := q.waiters[0]
		q.waiters = q.waiters[1:]
		ch <- d
		return
	}
	q.items = append(q.items, d)
}

// unshift puts d back at the head, or hands it to the oldest waiter.
func (q *queue) unshift(d *models.Downlink) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.waiters) > 0 {
		ch := q.waiters[0]
		q.waiters = q.waiters[1:]
		ch <- d
		return
	}
	q.items = append([]*models.Downlink{d}, q.items...)
}

// pop removes the head, or registers a waiter when the queue is empty.
func (q *queue) pop() (*models.Downlink, chan *models.Downlink) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) > 0 {
		d := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		return d, nil
	}
	ch := make(chan *models.Downlink, 1)
	q.waiters = append(q.waiters, ch)
	return nil, ch
}

// abandon unregisters ch. An item handed to ch in the meantime goes back to
// the head of the queue.
func (q *queue) abandon(ch chan *models.Downlink) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, w := range q.waiters {
		if w == ch {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return
		}
	}
	select {
	case d := <-ch:
		q.items = append([]*models.Downlink{d}, q.items...)
	default:
	}
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *queue) waiting() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}

// queues holds one queue per device. A queue with no items and no waiters
// is dropped from the map. Every operation on a queue runs under qs.mu so a
// dropped queue is never written to.
type queues struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*queue
}

func newQueues() *queues {
	return &queues{byID: make(map[uuid.UUID]*queue)}
}

// getLocked returns the queue of deviceID, creating it. qs.mu must be held.
func (qs *queues) getLocked(deviceID uuid.UUID) *queue {
	q, ok := qs.byID[deviceID]
	if !ok {
		q = &queue{}
		qs.byID[deviceID] = q
	}
	return q
}

// pruneLocked drops q when it is empty and unwatched. qs.mu must be held.
func (qs *queues) pruneLocked(deviceID uuid.UUID, q *queue) {
	if q.len() == 0 && q.waiting() == 0 && qs.byID[deviceID] == q {
		delete(qs.byID, deviceID)
	}
}

func (qs *queues) push(deviceID uuid.UUID, d *models.Downlink) {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	qs.getLocked(deviceID).push(d)
}

func (qs *queues) unshift(deviceID uuid.UUID, d *models.Downlink) {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	qs.getLocked(deviceID).unshift(d)
}

// len is the number of queued items of deviceID. It does not create a queue.
func (qs *queues) len(deviceID uuid.UUID) int {
	qs.mu.Lock()
	defer qs.mu.Unlock()

	if q, ok := qs.byID[deviceID]; ok {
		return q.len()
	}
	return 0
}

// waiting is the number of pollers blocked on deviceID.
func (qs *queues) waiting(deviceID uuid.UUID) int {
	qs.mu.Lock()
	defer qs.mu.Unlock()

	if q, ok := qs.byID[deviceID]; ok {
		return q.waiting()
	}
	return 0
}

func (qs *queues) size() int {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	return len(qs.byID)
}

// take returns the head of the device queue, waiting up to wait for one to
// arrive. It returns nil when wait elapses and ctx.Err() when ctx ends
// first.
func (qs *queues) take(ctx context.Context, deviceID uuid.UUID, wait time.Duration) (*models.Downlink, error) {
	qs.mu.Lock()
	q := qs.getLocked(deviceID)
	if wait <= 0 {
		d := q.tryPop()
		qs.pruneLocked(deviceID, q)
		qs.mu.Unlock()
		return d, nil
	}
	d, ch := q.pop()
	if ch == nil {
		qs.pruneLocked(deviceID, q)
		qs.mu.Unlock()
		return d, nil
	}
	qs.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case d := <-ch:
		qs.mu.Lock()
		qs.pruneLocked(deviceID, q)
		qs.mu.Unlock()
		return d, nil
	case <-timer.C:
		return qs.giveUp(deviceID, q, ch), nil
	case <-ctx.Done():
		// an item handed over meanwhile stays queued for the next poller
		qs.mu.Lock()
		q.abandon(ch)
		qs.pruneLocked(deviceID, q)
		qs.mu.Unlock()
		return nil, ctx.Err()
	}
}

// giveUp unregisters ch and returns whatever reached the queue meanwhile.
func (qs *queues) giveUp(deviceID uuid.UUID, q *queue, ch chan *models.Downlink) *models.Downlink {
	qs.mu.Lock()
	defer qs.mu.Unlock()

	q.abandon(ch)
	d := q.tryPop()
	qs.pruneLocked(deviceID, q)
	return d
}

// tryPop removes the head without registering a waiter.
func (q *queue) tryPop() *models.Downlink {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	d := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return d
}
