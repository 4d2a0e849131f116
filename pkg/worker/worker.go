package worker

import (
	"context"
	"time"
)

type Worker interface {
	Start(ctx context.Context) error
	Stop() error
}

type Config struct {
	// StallAfter is how long a pipeline may sit unchanged before the reconciler re-enqueues it.
	StallAfter time.Duration
	// ReconcileInterval <= 0 disables the reconciler.
	ReconcileInterval time.Duration
}
