package queue

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/beflow/beflow/pkg/queue"
	"github.com/beflow/beflow/pkg/storage"
)

// Logger is the narrow logging interface the queue backends need.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// persistedItem is the queue item as written to the result store. Seq fixes
// the FIFO position within a routing key and survives restarts.
type persistedItem struct {
	queue.Item
	Seq uint64 `json:"seq"`
}

type claimedItem struct {
	item     *persistedItem
	deadline time.Time
}

type delayedItem struct {
	item    *persistedItem
	readyAt time.Time
}

// Embedded is the default queue backend for single-host deployments: FIFO
// state in memory, every item persisted through the result store so that
// enqueues survive a restart. Items claimed at crash time reappear as
// pending on recovery because only an ack deletes them.
type Embedded struct {
	store      storage.Store
	log        Logger
	maxRetries map[string]int

	mu       sync.Mutex
	pending  map[string][]*persistedItem
	delayed  []delayedItem
	inflight map[string]*claimedItem
	notify   map[string]chan struct{}
	closed   bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewEmbedded builds the embedded queue and recovers any persisted items.
// maxRetries bounds redeliveries per routing key; past the bound an item is
// dead-lettered.
func NewEmbedded(store storage.Store, maxRetries map[string]int, log Logger) (*Embedded, error) {
	q := &Embedded{
		store:      store,
		log:        log,
		maxRetries: maxRetries,
		pending:    make(map[string][]*persistedItem),
		inflight:   make(map[string]*claimedItem),
		notify:     make(map[string]chan struct{}),
		stop:       make(chan struct{}),
	}
	if err := q.recover(); err != nil {
		return nil, err
	}
	q.wg.Add(1)
	go q.janitor()
	return q, nil
}

func (q *Embedded) recover() error {
	pairs, err := q.store.Scan(storage.QueuePrefix)
	if err != nil {
		return errors.Wrap(err, "recover queue items")
	}
	for _, pair := range pairs {
		var item persistedItem
		if err := json.Unmarshal(pair.Value, &item); err != nil {
			return errors.Wrapf(err, "decode queue item %s", pair.Key)
		}
		q.pending[item.RoutingKey] = append(q.pending[item.RoutingKey], &item)
	}
	for rk := range q.pending {
		items := q.pending[rk]
		sort.Slice(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })
		q.log.Infof("Recovered %d queued %s task(s)", len(items), rk)
	}
	return nil
}

func (q *Embedded) Enqueue(ctx context.Context, item queue.Item) error {
	seq, err := q.store.NextID("queue-seq/" + item.RoutingKey)
	if err != nil {
		return errors.Wrap(queue.ErrUnavailable, err.Error())
	}
	stored := &persistedItem{Item: item, Seq: uint64(seq)}
	if err := q.persist(stored); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.ErrClosed
	}
	q.pending[item.RoutingKey] = append(q.pending[item.RoutingKey], stored)
	q.wake(item.RoutingKey)
	return nil
}

func (q *Embedded) persist(item *persistedItem) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return err
	}
	if err := q.store.Put(storage.QueueKey(item.RoutingKey, item.Seq), raw); err != nil {
		return errors.Wrap(queue.ErrUnavailable, err.Error())
	}
	return nil
}

func (q *Embedded) Claim(ctx context.Context, routingKey string, visibility time.Duration) (*queue.Delivery, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, queue.ErrClosed
		}
		if items := q.pending[routingKey]; len(items) > 0 {
			item := items[0]
			q.pending[routingKey] = items[1:]
			receipt := uuid.NewString()
			deadline := time.Now().Add(visibility)
			q.inflight[receipt] = &claimedItem{item: item, deadline: deadline}
			q.mu.Unlock()
			return &queue.Delivery{
				Item:               item.Item,
				Receipt:            receipt,
				VisibilityDeadline: deadline,
			}, nil
		}
		wakeup := q.waiter(routingKey)
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.stop:
			return nil, queue.ErrClosed
		case <-wakeup:
		case <-time.After(250 * time.Millisecond):
			// re-check for redeliveries moved in by the janitor
		}
	}
}

func (q *Embedded) Ack(ctx context.Context, receipt string) error {
	q.mu.Lock()
	claimed, ok := q.inflight[receipt]
	delete(q.inflight, receipt)
	q.mu.Unlock()
	if !ok {
		return queue.ErrUnknownReceipt
	}
	return q.store.Delete(storage.QueueKey(claimed.item.RoutingKey, claimed.item.Seq))
}

func (q *Embedded) Nack(ctx context.Context, receipt string, backoff time.Duration) error {
	q.mu.Lock()
	claimed, ok := q.inflight[receipt]
	delete(q.inflight, receipt)
	q.mu.Unlock()
	if !ok {
		return queue.ErrUnknownReceipt
	}
	return q.requeue(claimed.item, backoff)
}

// requeue puts a redelivered item back, or dead-letters it once its routing
// key's retry limit is spent.
func (q *Embedded) requeue(item *persistedItem, backoff time.Duration) error {
	item.Attempts++
	if item.Attempts > q.maxRetries[item.RoutingKey] {
		raw, err := json.Marshal(item)
		if err != nil {
			return err
		}
		if err := q.store.Put(storage.DeadLetterKey(item.RoutingKey, item.Seq), raw); err != nil {
			return errors.Wrap(queue.ErrUnavailable, err.Error())
		}
		if err := q.store.Delete(storage.QueueKey(item.RoutingKey, item.Seq)); err != nil {
			return err
		}
		q.log.Infof("Dead-lettered task %s after %d attempts", item.TaskID, item.Attempts)
		return nil
	}

	if err := q.persist(item); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if backoff <= 0 {
		q.pending[item.RoutingKey] = insertBySeq(q.pending[item.RoutingKey], item)
		q.wake(item.RoutingKey)
		return nil
	}
	q.delayed = append(q.delayed, delayedItem{item: item, readyAt: time.Now().Add(backoff)})
	return nil
}

func (q *Embedded) Extend(ctx context.Context, receipt string, visibility time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	claimed, ok := q.inflight[receipt]
	if !ok {
		return queue.ErrUnknownReceipt
	}
	claimed.deadline = time.Now().Add(visibility)
	return nil
}

// janitor redelivers items whose visibility window expired without an ack
// and moves nack-backoff items back once ready.
func (q *Embedded) janitor() {
	defer q.wg.Done()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-q.stop:
			return
		case now := <-ticker.C:
			q.sweep(now)
		}
	}
}

func (q *Embedded) sweep(now time.Time) {
	var expired []*persistedItem

	q.mu.Lock()
	for receipt, claimed := range q.inflight {
		if now.After(claimed.deadline) {
			delete(q.inflight, receipt)
			expired = append(expired, claimed.item)
		}
	}
	var remaining []delayedItem
	for _, delayed := range q.delayed {
		if now.After(delayed.readyAt) {
			q.pending[delayed.item.RoutingKey] = insertBySeq(q.pending[delayed.item.RoutingKey], delayed.item)
			q.wake(delayed.item.RoutingKey)
		} else {
			remaining = append(remaining, delayed)
		}
	}
	q.delayed = remaining
	q.mu.Unlock()

	for _, item := range expired {
		q.log.Infof("Visibility expired for task %s, redelivering", item.TaskID)
		if err := q.requeue(item, 0); err != nil {
			q.log.Errorf("Failed to requeue task %s: %v", item.TaskID, err)
		}
	}
}

func (q *Embedded) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.stop)
	q.mu.Unlock()
	q.wg.Wait()
	return nil
}

// wake must be called with mu held.
func (q *Embedded) wake(routingKey string) {
	if ch, ok := q.notify[routingKey]; ok {
		close(ch)
		delete(q.notify, routingKey)
	}
}

// waiter must be called with mu held.
func (q *Embedded) waiter(routingKey string) chan struct{} {
	ch, ok := q.notify[routingKey]
	if !ok {
		ch = make(chan struct{})
		q.notify[routingKey] = ch
	}
	return ch
}

func insertBySeq(items []*persistedItem, item *persistedItem) []*persistedItem {
	i := sort.Search(len(items), func(i int) bool { return items[i].Seq >= item.Seq })
	items = append(items, nil)
	copy(items[i+1:], items[i:])
	items[i] = item
	return items
}
