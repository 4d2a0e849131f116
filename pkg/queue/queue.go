// Package queue defines the named-topic, at-least-once transport that carries
// pipeline pointers between step consumers.
package queue

import (
	"context"
	"errors"
	"fmt"
)

// Mode 定义连接模式
type Mode int

const (
	// PublishOnly connections can enqueue but never receive.
	PublishOnly Mode = iota
	// PubSub connections also deliver messages to the registered handler.
	PubSub
)

func (m Mode) String() string {
	if m == PubSub {
		return "pubsub"
	}
	return "publish-only"
}

var (
	// ErrNonRetryable asks the transport to dead-letter the message instead of redelivering it.
	ErrNonRetryable = errors.New("queue: non-retryable message")

	ErrNotConnected     = errors.New("queue: not connected")
	ErrAlreadyConnected = errors.New("queue: already connected")
	ErrNoHandler        = errors.New("queue: pubsub connection requires a handler")
	ErrHandlerSet       = errors.New("queue: handler already registered")
	ErrClosed           = errors.New("queue: closed")
)

// Handler processes one payload. nil acknowledges the message, ErrNonRetryable
// (possibly wrapped) dead-letters it, any other error schedules a redelivery.
type Handler func(ctx context.Context, payload []byte) error

// Queue is a connection to one topic.
type Queue interface {
	// Connect binds the queue to topic. In PubSub mode delivery starts once a
	// handler is registered, regardless of call order.
	Connect(ctx context.Context, topic string, mode Mode) error
	Enqueue(ctx context.Context, payload []byte) error
	OnDequeue(h Handler) error
	Close() error
}

// Factory builds an unconnected queue.
type Factory func() (Queue, error)

// NonRetryable marks err so the transport does not redeliver.
func NonRetryable(err error) error {
	if err == nil {
		return ErrNonRetryable
	}
	return fmt.Errorf("%w: %w", ErrNonRetryable, err)
}

// Outcome classifies a handler result.
type Outcome int

const (
	Ack Outcome = iota
	Retry
	DeadLetter
)

// Classify maps a handler error and the attempt count (1 based) onto an outcome.
// maxAttempts <= 0 retries forever.
func Classify(err error, attempt, maxAttempts int) Outcome {
	switch {
	case err == nil:
		return Ack
	case errors.Is(err, ErrNonRetryable):
		return DeadLetter
	case maxAttempts > 0 && attempt >= maxAttempts:
		return DeadLetter
	default:
		return Retry
	}
}
