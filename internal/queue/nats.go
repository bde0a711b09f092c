package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"github.com/beflow/beflow/pkg/queue"
)

const (
	natsStreamName    = "BEFLOW_TASKS"
	natsSubjectPrefix = "tasks."
)

// NATS is the pluggable network queue backend for multi-host deployments.
// Routing keys map to JetStream subjects; the visibility timeout maps to the
// consumer AckWait and the retry limit to MaxDeliver.
type NATS struct {
	conn       *nats.Conn
	js         nats.JetStreamContext
	log        Logger
	maxRetries map[string]int

	mu       sync.Mutex
	subs     map[string]*nats.Subscription
	inflight map[string]*nats.Msg
}

func NewNATS(url string, maxRetries map[string]int, log Logger) (*NATS, error) {
	conn, err := nats.Connect(url,
		nats.Name("beflow"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, errors.Wrap(err, "nats connect")
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "JetStream")
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:      natsStreamName,
		Subjects:  []string{natsSubjectPrefix + "*"},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		conn.Close()
		return nil, errors.Wrap(err, "JetStream AddStream")
	}
	return &NATS{
		conn:       conn,
		js:         js,
		log:        log,
		maxRetries: maxRetries,
		subs:       make(map[string]*nats.Subscription),
		inflight:   make(map[string]*nats.Msg),
	}, nil
}

func (q *NATS) Enqueue(ctx context.Context, item queue.Item) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return err
	}
	if _, err := q.js.Publish(natsSubjectPrefix+item.RoutingKey, raw, nats.Context(ctx)); err != nil {
		return errors.Wrap(queue.ErrUnavailable, err.Error())
	}
	return nil
}

func (q *NATS) subscription(routingKey string, visibility time.Duration) (*nats.Subscription, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if sub, ok := q.subs[routingKey]; ok {
		return sub, nil
	}

	consumerName := "bespoke-" + routingKey
	_, err := q.js.AddConsumer(natsStreamName, &nats.ConsumerConfig{
		Durable:       consumerName,
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       visibility,
		MaxDeliver:    q.maxRetries[routingKey] + 1,
		FilterSubject: natsSubjectPrefix + routingKey,
	})
	if err != nil && !errors.Is(err, nats.ErrConsumerNameAlreadyInUse) {
		return nil, errors.Wrap(err, "JetStream AddConsumer")
	}
	sub, err := q.js.PullSubscribe(natsSubjectPrefix+routingKey, consumerName)
	if err != nil {
		return nil, errors.Wrap(err, "JetStream PullSubscribe")
	}
	q.subs[routingKey] = sub
	return sub, nil
}

func (q *NATS) Claim(ctx context.Context, routingKey string, visibility time.Duration) (*queue.Delivery, error) {
	sub, err := q.subscription(routingKey, visibility)
	if err != nil {
		return nil, err
	}
	for {
		msgs, err := sub.Fetch(1, nats.Context(ctx))
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				continue
			}
			return nil, errors.Wrap(queue.ErrUnavailable, err.Error())
		}
		if len(msgs) == 0 {
			continue
		}
		msg := msgs[0]

		var item queue.Item
		if err := json.Unmarshal(msg.Data, &item); err != nil {
			q.log.Errorf("Dropping undecodable queue message: %v", err)
			_ = msg.Term()
			continue
		}
		if meta, err := msg.Metadata(); err == nil {
			item.Attempts = int(meta.NumDelivered) - 1
		}

		receipt := uuid.NewString()
		q.mu.Lock()
		q.inflight[receipt] = msg
		q.mu.Unlock()

		return &queue.Delivery{
			Item:               item,
			Receipt:            receipt,
			VisibilityDeadline: time.Now().Add(visibility),
		}, nil
	}
}

func (q *NATS) take(receipt string) (*nats.Msg, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	msg, ok := q.inflight[receipt]
	if ok {
		delete(q.inflight, receipt)
	}
	return msg, ok
}

func (q *NATS) Ack(ctx context.Context, receipt string) error {
	msg, ok := q.take(receipt)
	if !ok {
		return queue.ErrUnknownReceipt
	}
	return msg.Ack()
}

func (q *NATS) Nack(ctx context.Context, receipt string, backoff time.Duration) error {
	msg, ok := q.take(receipt)
	if !ok {
		return queue.ErrUnknownReceipt
	}
	return msg.NakWithDelay(backoff)
}

func (q *NATS) Extend(ctx context.Context, receipt string, visibility time.Duration) error {
	q.mu.Lock()
	msg, ok := q.inflight[receipt]
	q.mu.Unlock()
	if !ok {
		return queue.ErrUnknownReceipt
	}
	return msg.InProgress()
}

func (q *NATS) Close() error {
	q.mu.Lock()
	subs := q.subs
	q.subs = make(map[string]*nats.Subscription)
	q.mu.Unlock()
	for _, sub := range subs {
		if err := sub.Drain(); err != nil {
			q.log.Errorf("NATS subscription drain: %v", err)
		}
	}
	q.conn.Close()
	return nil
}
