package config

import (
	"sync"
	"time"
)

var (
	queueOnce   sync.Once
	queueConfig *QueueConfig
)

// QueueConfig selects and tunes the step queue transport.
type QueueConfig struct {
	// Type is one of memory, disk or redis.
	Type string

	Concurrency int
	MaxAttempts int
	RetryDelay  time.Duration

	DiskPath          string
	PollInterval      time.Duration
	VisibilityTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

func GetQueueConfig() *QueueConfig {
	queueOnce.Do(func() {
		loadEnv()
		queueConfig = &QueueConfig{
			Type:              getEnv("QUEUE_TYPE", "memory"),
			Concurrency:       getEnvInt("QUEUE_CONCURRENCY", 10),
			MaxAttempts:       getEnvInt("QUEUE_MAX_ATTEMPTS", 20),
			RetryDelay:        getEnvDuration("QUEUE_RETRY_DELAY", time.Second),
			DiskPath:          getEnv("QUEUE_DISK_PATH", "data/queues.db"),
			PollInterval:      getEnvDuration("QUEUE_POLL_INTERVAL", 250*time.Millisecond),
			VisibilityTimeout: getEnvDuration("QUEUE_VISIBILITY_TIMEOUT", 5*time.Minute),
			RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
			RedisPassword:     getEnv("REDIS_PASSWORD", ""),
			RedisDB:           getEnvInt("REDIS_DB", 0),
		}
	})
	return queueConfig
}
