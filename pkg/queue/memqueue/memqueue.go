// Package memqueue is an in-process broker: topics are FIFO lists shared by every
// queue built from the same Broker, and deliveries run on an ants pool.
package memqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/feichai0017/memory-pipeline/pkg/logger"
	"github.com/feichai0017/memory-pipeline/pkg/queue"
)

type Options struct {
	// Concurrency bounds in-flight deliveries across all topics.
	Concurrency int
	// MaxAttempts dead-letters a message after that many failed deliveries; <= 0 retries forever.
	MaxAttempts int
	RetryDelay  time.Duration
}

type message struct {
	payload  []byte
	attempts int
}

type topic struct {
	name    string
	mu      sync.Mutex
	pending []*message
	dead    [][]byte
	handler queue.Handler
	ready   chan struct{}
	stop    context.CancelFunc
}

func (t *topic) push(m *message) {
	t.mu.Lock()
	t.pending = append(t.pending, m)
	t.mu.Unlock()
	t.signal()
}

func (t *topic) signal() {
	select {
	case t.ready <- struct{}{}:
	default:
	}
}

func (t *topic) pop() *message {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) == 0 {
		return nil
	}
	m := t.pending[0]
	t.pending = t.pending[1:]
	return m
}

// Broker owns the topics and the delivery pool.
type Broker struct {
	opts   Options
	logger logger.Logger
	pool   *ants.Pool

	mu     sync.Mutex
	topics map[string]*topic
	closed bool

	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
	loops    sync.WaitGroup
}

func NewBroker(opts Options, log logger.Logger) (*Broker, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 10
	}
	if log == nil {
		log = logger.NewNop()
	}
	pool, err := ants.NewPool(opts.Concurrency)
	if err != nil {
		return nil, fmt.Errorf("failed to create delivery pool: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		opts:   opts,
		logger: log.Named("memqueue"),
		pool:   pool,
		topics: make(map[string]*topic),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Factory returns a queue.Factory whose queues share this broker.
func (b *Broker) Factory() queue.Factory {
	return func() (queue.Queue, error) {
		return &Queue{broker: b}, nil
	}
}

func (b *Broker) topic(name string) (*topic, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, queue.ErrClosed
	}
	t, ok := b.topics[name]
	if !ok {
		t = &topic{name: name, ready: make(chan struct{}, 1)}
		b.topics[name] = t
	}
	return t, nil
}

func (b *Broker) lookup(name string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.topics[name]
}

func (b *Broker) subscribe(t *topic, h queue.Handler) error {
	t.mu.Lock()
	if t.handler != nil {
		t.mu.Unlock()
		return fmt.Errorf("%w: topic %s", queue.ErrHandlerSet, t.name)
	}
	ctx, cancel := context.WithCancel(b.ctx)
	t.handler = h
	t.stop = cancel
	t.mu.Unlock()

	b.loops.Add(1)
	go b.dispatch(ctx, t, h)
	t.signal()
	return nil
}

func (b *Broker) unsubscribe(t *topic) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop != nil {
		t.stop()
	}
	t.handler = nil
	t.stop = nil
}

func (b *Broker) dispatch(ctx context.Context, t *topic, h queue.Handler) {
	defer b.loops.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.ready:
		}
		for m := t.pop(); m != nil; m = t.pop() {
			if ctx.Err() != nil {
				t.push(m)
				return
			}
			msg := m
			b.inflight.Add(1)
			if err := b.pool.Submit(func() {
				defer b.inflight.Done()
				b.deliver(ctx, t, h, msg)
			}); err != nil {
				b.inflight.Done()
				b.logger.Error("Failed to submit delivery", logger.String("topic", t.name), logger.Error(err))
				t.push(msg)
				return
			}
		}
	}
}

func (b *Broker) deliver(ctx context.Context, t *topic, h queue.Handler, m *message) {
	m.attempts++
	err := h(ctx, m.payload)
	switch queue.Classify(err, m.attempts, b.opts.MaxAttempts) {
	case queue.Ack:
	case queue.DeadLetter:
		b.logger.Warn("Message dead-lettered",
			logger.String("topic", t.name),
			logger.Int("attempts", m.attempts),
			logger.Error(err),
		)
		t.mu.Lock()
		t.dead = append(t.dead, m.payload)
		t.mu.Unlock()
	case queue.Retry:
		b.logger.Debug("Message will be redelivered",
			logger.String("topic", t.name),
			logger.Int("attempts", m.attempts),
			logger.Error(err),
		)
		if b.opts.RetryDelay <= 0 {
			t.push(m)
			return
		}
		time.AfterFunc(b.opts.RetryDelay, func() { t.push(m) })
	}
}

// Pending returns how many messages wait for delivery on topic.
func (b *Broker) Pending(name string) int {
	t := b.lookup(name)
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// DeadLetters returns the payloads that were given up on.
func (b *Broker) DeadLetters(name string) [][]byte {
	t := b.lookup(name)
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.dead))
	copy(out, t.dead)
	return out
}

// Close stops delivery and waits for in-flight handlers.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.loops.Wait()
	b.inflight.Wait()
	b.pool.Release()
	return nil
}

// Queue is one connection to a broker topic.
type Queue struct {
	broker  *Broker
	mu      sync.Mutex
	topic   *topic
	mode    queue.Mode
	handler queue.Handler
	active  bool
	closed  bool
}

func (q *Queue) Connect(ctx context.Context, name string, mode queue.Mode) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.ErrClosed
	}
	if q.topic != nil {
		return queue.ErrAlreadyConnected
	}
	t, err := q.broker.topic(name)
	if err != nil {
		return err
	}
	q.topic = t
	q.mode = mode
	return q.startLocked()
}

func (q *Queue) OnDequeue(h queue.Handler) error {
	if h == nil {
		return queue.ErrNoHandler
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.handler != nil {
		return queue.ErrHandlerSet
	}
	q.handler = h
	return q.startLocked()
}

func (q *Queue) startLocked() error {
	if q.active || q.topic == nil || q.mode != queue.PubSub || q.handler == nil {
		return nil
	}
	if err := q.broker.subscribe(q.topic, q.handler); err != nil {
		return err
	}
	q.active = true
	return nil
}

func (q *Queue) Enqueue(ctx context.Context, payload []byte) error {
	q.mu.Lock()
	t, closed := q.topic, q.closed
	q.mu.Unlock()
	if closed {
		return queue.ErrClosed
	}
	if t == nil {
		return queue.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.push(&message{payload: append([]byte(nil), payload...)})
	return nil
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	if q.active {
		q.broker.unsubscribe(q.topic)
		q.active = false
	}
	return nil
}
