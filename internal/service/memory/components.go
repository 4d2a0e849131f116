package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/feichai0017/memory-pipeline/config"
	"github.com/feichai0017/memory-pipeline/internal/agent"
	"github.com/feichai0017/memory-pipeline/internal/ai"
	"github.com/feichai0017/memory-pipeline/internal/ai/openai"
	"github.com/feichai0017/memory-pipeline/internal/memorydb"
	"github.com/feichai0017/memory-pipeline/internal/memorydb/badger"
	"github.com/feichai0017/memory-pipeline/internal/models"
	"github.com/feichai0017/memory-pipeline/internal/orchestration"
	"github.com/feichai0017/memory-pipeline/internal/steps"
	"github.com/feichai0017/memory-pipeline/pkg/logger"
	"github.com/feichai0017/memory-pipeline/pkg/metrics"
	qfactory "github.com/feichai0017/memory-pipeline/pkg/queue/factory"
	"github.com/feichai0017/memory-pipeline/pkg/storage"
	sfactory "github.com/feichai0017/memory-pipeline/pkg/storage/factory"
)

const (
	ModeInProcess   = "inprocess"
	ModeDistributed = "distributed"
)

// Components is everything the server, the worker and the CLI share.
type Components struct {
	Storage      storage.ContentStorage
	MemoryDB     memorydb.MemoryDB
	Embedder     ai.Embedder
	Generator    ai.TextGenerator
	Metrics      *metrics.Metrics
	Orchestrator orchestration.Orchestrator
	// Distributed is nil in inprocess mode.
	Distributed *orchestration.Distributed

	pipeline *config.PipelineConfig
	log      logger.Logger

	decodersOnce sync.Once
	decoders     *agent.ProcessorFactory
	decodersErr  error

	closers []func() error
}

// NewComponents builds storage, memory DB, AI clients and the orchestrator from
// config. In inprocess mode the step handlers are registered right away.
func NewComponents(ctx context.Context, log logger.Logger) (c *Components, err error) {
	if log == nil {
		log = logger.NewNop()
	}
	pcfg := config.GetPipelineConfig()
	c = &Components{pipeline: pcfg, log: log, Metrics: metrics.New("memory_pipeline")}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	c.Storage, err = sfactory.NewStorage(storage.StorageType(config.GetStorageConfig().Type), log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	aiCfg := config.GetAIConfig()
	db, err := badger.Open(aiCfg.MemoryDBPath, aiCfg.MemoryDBInMemory, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize memory db: %w", err)
	}
	c.MemoryDB = db
	c.closers = append(c.closers, db.Close)

	if c.Embedder, err = openai.NewEmbedder(aiCfg, log); err != nil {
		return nil, err
	}
	if c.Generator, err = openai.NewTextGenerator(aiCfg, log); err != nil {
		return nil, err
	}

	deps := orchestration.Dependencies{Storage: c.Storage, Logger: log, Metrics: c.Metrics}
	opts := orchestration.Options{
		DefaultSteps:          models.ParseSteps(pcfg.DefaultSteps),
		MaxPreviousExecutions: pcfg.MaxPreviousExecutions,
		IndentStatus:          pcfg.IndentStatus,
	}

	switch pcfg.Mode {
	case ModeInProcess:
		o, err := orchestration.NewInProcess(deps, opts)
		if err != nil {
			return nil, err
		}
		c.Orchestrator = o
		handlers, err := c.Handlers(ctx)
		if err != nil {
			return nil, err
		}
		for _, h := range handlers {
			if err := o.AddHandler(ctx, h); err != nil {
				return nil, err
			}
		}
	case ModeDistributed, "":
		factory, closer, err := qfactory.NewQueueFactory(ctx, config.GetQueueConfig(), log)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize queue: %w", err)
		}
		c.closers = append(c.closers, closer.Close)
		o, err := orchestration.NewDistributed(deps, factory, opts)
		if err != nil {
			return nil, err
		}
		c.Orchestrator = o
		c.Distributed = o
		c.closers = append(c.closers, o.Close)
	default:
		return nil, fmt.Errorf("unsupported pipeline mode: %s", pcfg.Mode)
	}

	log.Info("Components initialized", logger.String("mode", pcfg.Mode))
	return c, nil
}

// Handlers builds the step handlers. Decoders are created on first use since
// only processes running extract need them.
func (c *Components) Handlers(ctx context.Context) ([]orchestration.StepHandler, error) {
	c.decodersOnce.Do(func() {
		c.decoders, c.decodersErr = agent.NewProcessorFactory(ctx, config.GetTextractConfig(), c.log)
		if c.decodersErr == nil {
			c.closers = append(c.closers, c.decoders.Close)
		}
	})
	if c.decodersErr != nil {
		return nil, fmt.Errorf("failed to initialize decoders: %w", c.decodersErr)
	}
	opts := steps.DefaultOptions()
	opts.PartitionMaxWords = c.pipeline.PartitionMaxWords
	opts.PartitionOverlap = c.pipeline.PartitionOverlap
	opts.EmbeddingConcurrency = c.pipeline.EmbeddingConcurrency
	return steps.NewHandlers(steps.Dependencies{
		Files:     c.Orchestrator,
		Decoders:  c.decoders,
		Embedder:  c.Embedder,
		Generator: c.Generator,
		MemoryDB:  c.MemoryDB,
		Logger:    c.log,
	}, opts), nil
}

// Close releases resources in reverse creation order. Queues close before the
// memory DB so no handler runs against a closed store.
func (c *Components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

// GetService wires a Service from config.
func GetService(ctx context.Context, log logger.Logger) (*Service, *Components, error) {
	c, err := NewComponents(ctx, log)
	if err != nil {
		return nil, nil, err
	}
	pcfg := config.GetPipelineConfig()
	svc := NewService(c.Orchestrator, c.MemoryDB, c.Embedder, c.Generator, log, Options{
		SearchLimit:  pcfg.SearchLimit,
		MinRelevance: pcfg.MinRelevance,
	})
	svc.closers = append(svc.closers, c.Close)
	return svc, c, nil
}
