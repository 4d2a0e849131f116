package factory

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	cfg "github.com/feichai0017/memory-pipeline/config"
	"github.com/feichai0017/memory-pipeline/pkg/logger"
	"github.com/feichai0017/memory-pipeline/pkg/queue"
	"github.com/feichai0017/memory-pipeline/pkg/queue/diskqueue"
	"github.com/feichai0017/memory-pipeline/pkg/queue/memqueue"
	"github.com/feichai0017/memory-pipeline/pkg/queue/redisqueue"
)

const (
	TypeMemory = "memory"
	TypeDisk   = "disk"
	TypeRedis  = "redis"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// NewQueueFactory builds the transport selected by c. The closer releases what
// the queues share (the in-memory broker or the bbolt file).
func NewQueueFactory(ctx context.Context, c *cfg.QueueConfig, log logger.Logger) (queue.Factory, io.Closer, error) {
	switch c.Type {
	case TypeMemory, "":
		b, err := memqueue.NewBroker(memqueue.Options{
			Concurrency: c.Concurrency,
			MaxAttempts: c.MaxAttempts,
			RetryDelay:  c.RetryDelay,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		return b.Factory(), b, nil
	case TypeDisk:
		if err := os.MkdirAll(filepath.Dir(c.DiskPath), 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create queue directory: %w", err)
		}
		s, err := diskqueue.Open(c.DiskPath, diskqueue.Options{
			Concurrency:       c.Concurrency,
			MaxAttempts:       c.MaxAttempts,
			RetryDelay:        c.RetryDelay,
			PollInterval:      c.PollInterval,
			VisibilityTimeout: c.VisibilityTimeout,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		return s.Factory(), s, nil
	case TypeRedis:
		f, err := redisqueue.NewFactory(ctx, &redisqueue.QueueConfig{
			RedisAddr:      c.RedisAddr,
			RedisPassword:  c.RedisPassword,
			RedisDB:        c.RedisDB,
			Concurrency:    c.Concurrency,
			MaxAttempts:    c.MaxAttempts,
			RetryDelay:     c.RetryDelay,
			ProcessTimeout: c.VisibilityTimeout,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		return f, closerFunc(func() error { return nil }), nil
	default:
		return nil, nil, fmt.Errorf("unsupported queue type: %s", c.Type)
	}
}
