// Package redisqueue carries topics over redis with asynq. The task type and
// the asynq queue are both named after the topic; retries and archiving are
// left to asynq.
package redisqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/feichai0017/memory-pipeline/pkg/logger"
	"github.com/feichai0017/memory-pipeline/pkg/queue"
)

// QueueConfig 定义队列配置
type QueueConfig struct {
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	Concurrency    int
	MaxAttempts    int
	RetryDelay     time.Duration
	ProcessTimeout time.Duration
}

func (c *QueueConfig) redisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     c.RedisAddr,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
	}
}

// maxRetry converts attempts into asynq's retry count.
func (c *QueueConfig) maxRetry() int {
	if c.MaxAttempts <= 0 {
		return 25
	}
	return c.MaxAttempts - 1
}

// NewFactory checks redis is reachable, then returns a factory of asynq queues.
func NewFactory(ctx context.Context, cfg *QueueConfig, log logger.Logger) (queue.Factory, error) {
	if log == nil {
		log = logger.NewNop()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
	}
	log = log.Named("redisqueue")
	return func() (queue.Queue, error) {
		return &AsynqQueue{cfg: cfg, logger: log}, nil
	}, nil
}

// AsynqQueue 实现
type AsynqQueue struct {
	cfg    *QueueConfig
	logger logger.Logger

	mu      sync.Mutex
	topic   string
	mode    queue.Mode
	handler queue.Handler
	client  *asynq.Client
	server  *asynq.Server
	closed  bool
}

func (q *AsynqQueue) Connect(ctx context.Context, topic string, mode queue.Mode) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.ErrClosed
	}
	if q.client != nil {
		return queue.ErrAlreadyConnected
	}
	q.topic = topic
	q.mode = mode
	q.client = asynq.NewClient(q.cfg.redisOpt())
	return q.startLocked()
}

func (q *AsynqQueue) OnDequeue(h queue.Handler) error {
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

func (q *AsynqQueue) startLocked() error {
	if q.server != nil || q.client == nil || q.mode != queue.PubSub || q.handler == nil {
		return nil
	}
	concurrency := q.cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	server := asynq.NewServer(q.cfg.redisOpt(), asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{q.topic: 1},
		RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
			if q.cfg.RetryDelay > 0 {
				return time.Duration(n+1) * q.cfg.RetryDelay
			}
			return asynq.DefaultRetryDelayFunc(n, err, task)
		},
		Logger:   &asynqLogger{log: q.logger},
		LogLevel: asynq.WarnLevel,
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(q.topic, q.process(q.handler))
	if err := server.Start(mux); err != nil {
		return fmt.Errorf("failed to start consumer for %s: %w", q.topic, err)
	}
	q.server = server
	q.logger.Info("Consumer started", logger.String("topic", q.topic), logger.Int("concurrency", concurrency))
	return nil
}

// process adapts a queue.Handler to asynq, mapping ErrNonRetryable onto SkipRetry.
func (q *AsynqQueue) process(h queue.Handler) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		err := h(ctx, t.Payload())
		if err == nil {
			return nil
		}
		if errors.Is(err, queue.ErrNonRetryable) {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}
}

// Enqueue 将任务加入队列
func (q *AsynqQueue) Enqueue(ctx context.Context, payload []byte) error {
	q.mu.Lock()
	client, topic, closed := q.client, q.topic, q.closed
	q.mu.Unlock()
	if closed {
		return queue.ErrClosed
	}
	if client == nil {
		return queue.ErrNotConnected
	}

	opts := []asynq.Option{
		asynq.Queue(topic),
		asynq.MaxRetry(q.cfg.maxRetry()),
	}
	if q.cfg.ProcessTimeout > 0 {
		opts = append(opts, asynq.Timeout(q.cfg.ProcessTimeout))
	}
	if _, err := client.EnqueueContext(ctx, asynq.NewTask(topic, payload), opts...); err != nil {
		return fmt.Errorf("failed to enqueue task on %s: %w", topic, err)
	}
	return nil
}

// Archived returns the payloads asynq gave up on for this topic.
func (q *AsynqQueue) Archived() ([][]byte, error) {
	inspector := asynq.NewInspector(q.cfg.redisOpt())
	defer inspector.Close()

	tasks, err := inspector.ListArchivedTasks(q.topic)
	if err != nil {
		return nil, fmt.Errorf("failed to list archived tasks: %w", err)
	}
	out := make([][]byte, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Payload)
	}
	return out, nil
}

func (q *AsynqQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	if q.server != nil {
		q.server.Shutdown()
		q.server = nil
	}
	if q.client != nil {
		return q.client.Close()
	}
	return nil
}

// asynqLogger routes asynq's own logging through the project logger.
type asynqLogger struct {
	log logger.Logger
}

func (l *asynqLogger) Debug(args ...interface{}) { l.log.Debug(fmt.Sprint(args...)) }
func (l *asynqLogger) Info(args ...interface{})  { l.log.Info(fmt.Sprint(args...)) }
func (l *asynqLogger) Warn(args ...interface{})  { l.log.Warn(fmt.Sprint(args...)) }
func (l *asynqLogger) Error(args ...interface{}) { l.log.Error(fmt.Sprint(args...)) }
func (l *asynqLogger) Fatal(args ...interface{}) { l.log.Fatal(fmt.Sprint(args...)) }
