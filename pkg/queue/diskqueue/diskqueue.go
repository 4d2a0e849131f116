// Package diskqueue persists topics in a single bbolt file so queued pointers
// survive restarts. Each topic has a bucket of pending messages and a bucket of
// dead letters; consumers poll and lease messages with a visibility timeout.
package diskqueue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"golang.org/x/sync/errgroup"

	"github.com/feichai0017/memory-pipeline/pkg/logger"
	"github.com/feichai0017/memory-pipeline/pkg/queue"
)

type Options struct {
	Concurrency       int
	MaxAttempts       int
	RetryDelay        time.Duration
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
}

type record struct {
	Payload   []byte    `json:"payload"`
	Attempts  int       `json:"attempts"`
	VisibleAt time.Time `json:"visible_at"`
	Enqueued  time.Time `json:"enqueued"`
}

func pendingBucket(topic string) []byte { return []byte("topic:" + topic) }
func deadBucket(topic string) []byte    { return []byte("dead:" + topic) }

// Store is the shared bbolt file. bbolt locks the file, so one Store per process.
type Store struct {
	db     *bbolt.DB
	opts   Options
	logger logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func Open(path string, opts Options, log logger.Logger) (*Store, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 5 * time.Minute
	}
	if log == nil {
		log = logger.NewNop()
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open queue file %s: %w", path, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Store{db: db, opts: opts, logger: log.Named("diskqueue"), ctx: ctx, cancel: cancel}, nil
}

func (s *Store) Factory() queue.Factory {
	return func() (queue.Queue, error) {
		return &Queue{store: s}, nil
	}
}

func (s *Store) ensureTopic(topic string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(pendingBucket(topic)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(deadBucket(topic))
		return err
	})
}

func (s *Store) push(topic string, payload []byte) error {
	now := time.Now().UTC()
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(pendingBucket(topic))
		if b == nil {
			return fmt.Errorf("unknown topic %s", topic)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(record{Payload: payload, VisibleAt: now, Enqueued: now})
		if err != nil {
			return err
		}
		return b.Put(key(seq), data)
	})
}

// lease returns the oldest visible message and hides it for the visibility timeout.
func (s *Store) lease(topic string) ([]byte, *record, error) {
	var k []byte
	var rec *record
	now := time.Now().UTC()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(pendingBucket(topic))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for ck, v := c.First(); ck != nil; ck, v = c.Next() {
			var r record
			if err := json.Unmarshal(v, &r); err != nil {
				s.logger.Error("Dropping unreadable queue record", logger.String("topic", topic), logger.Error(err))
				if err := c.Delete(); err != nil {
					return err
				}
				continue
			}
			if r.VisibleAt.After(now) {
				continue
			}
			r.Attempts++
			r.VisibleAt = now.Add(s.opts.VisibilityTimeout)
			data, err := json.Marshal(r)
			if err != nil {
				return err
			}
			k = append([]byte(nil), ck...)
			rec = &r
			return b.Put(k, data)
		}
		return nil
	})
	return k, rec, err
}

func (s *Store) settle(topic string, k []byte, rec *record, outcome queue.Outcome) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(pendingBucket(topic))
		switch outcome {
		case queue.Ack:
			return b.Delete(k)
		case queue.DeadLetter:
			if err := b.Delete(k); err != nil {
				return err
			}
			dead := tx.Bucket(deadBucket(topic))
			seq, err := dead.NextSequence()
			if err != nil {
				return err
			}
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			return dead.Put(key(seq), data)
		default:
			rec.VisibleAt = time.Now().UTC().Add(s.opts.RetryDelay)
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			return b.Put(k, data)
		}
	})
}

func (s *Store) consume(ctx context.Context, topic string, h queue.Handler) {
	defer s.wg.Done()
	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)
	defer g.Wait()

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		// drain everything visible before sleeping again
		for ctx.Err() == nil {
			k, rec, err := s.lease(topic)
			if err != nil {
				s.logger.Error("Failed to lease message", logger.String("topic", topic), logger.Error(err))
				break
			}
			if rec == nil {
				break
			}
			g.Go(func() error {
				err := h(ctx, rec.Payload)
				outcome := queue.Classify(err, rec.Attempts, s.opts.MaxAttempts)
				if outcome == queue.DeadLetter {
					s.logger.Warn("Message dead-lettered",
						logger.String("topic", topic),
						logger.Int("attempts", rec.Attempts),
						logger.Error(err),
					)
				}
				if err := s.settle(topic, k, rec, outcome); err != nil {
					// the lease expires and the message comes back
					s.logger.Error("Failed to settle message", logger.String("topic", topic), logger.Error(err))
				}
				return nil
			})
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Pending counts messages still queued on topic, leased ones included.
func (s *Store) Pending(topic string) int {
	return s.count(pendingBucket(topic))
}

// DeadLetters returns dead-lettered payloads in arrival order.
func (s *Store) DeadLetters(topic string) [][]byte {
	var out [][]byte
	_ = s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(deadBucket(topic))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var r record
			if err := json.Unmarshal(v, &r); err == nil {
				out = append(out, r.Payload)
			}
			return nil
		})
	})
	return out
}

func (s *Store) count(bucket []byte) int {
	n := 0
	_ = s.db.View(func(tx *bbolt.Tx) error {
		if b := tx.Bucket(bucket); b != nil {
			n = b.Stats().KeyN
		}
		return nil
	})
	return n
}

// Close stops all consumers, waits for running handlers and closes the file.
func (s *Store) Close() error {
	s.cancel()
	s.wg.Wait()
	return s.db.Close()
}

func key(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

// Queue is one connection to a topic of the store.
type Queue struct {
	store   *Store
	mu      sync.Mutex
	topic   string
	mode    queue.Mode
	handler queue.Handler
	stop    context.CancelFunc
	closed  bool
}

func (q *Queue) Connect(ctx context.Context, topic string, mode queue.Mode) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.ErrClosed
	}
	if q.topic != "" {
		return queue.ErrAlreadyConnected
	}
	if err := q.store.ensureTopic(topic); err != nil {
		return fmt.Errorf("failed to create topic %s: %w", topic, err)
	}
	q.topic = topic
	q.mode = mode
	q.startLocked()
	return nil
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
	q.startLocked()
	return nil
}

func (q *Queue) startLocked() {
	if q.stop != nil || q.topic == "" || q.mode != queue.PubSub || q.handler == nil {
		return
	}
	ctx, cancel := context.WithCancel(q.store.ctx)
	q.stop = cancel
	q.store.wg.Add(1)
	go q.store.consume(ctx, q.topic, q.handler)
}

func (q *Queue) Enqueue(ctx context.Context, payload []byte) error {
	q.mu.Lock()
	topic, closed := q.topic, q.closed
	q.mu.Unlock()
	if closed {
		return queue.ErrClosed
	}
	if topic == "" {
		return queue.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := q.store.push(topic, payload); err != nil {
		return fmt.Errorf("failed to enqueue on %s: %w", topic, err)
	}
	return nil
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	if q.stop != nil {
		q.stop()
		q.stop = nil
	}
	return nil
}
