package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/feichai0017/memory-pipeline/config"
	"github.com/feichai0017/memory-pipeline/internal/service/memory"
	"github.com/feichai0017/memory-pipeline/pkg/logger"
	"github.com/feichai0017/memory-pipeline/pkg/worker"
)

func main() {
	scfg := config.GetServerConfig()

	// 初始化日志
	outputs := []string{"stdout"}
	if scfg.LogFile != "" {
		outputs = append(outputs, scfg.LogFile)
	}
	log, err := logger.NewLogger(
		logger.WithLevel(scfg.LogLevel),
		logger.WithEncoding(scfg.LogEncoding),
		logger.WithOutputPaths(outputs),
	)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	comps, err := memory.NewComponents(ctx, log)
	if err != nil {
		log.Error("Failed to initialize components", logger.Error(err))
		os.Exit(1)
	}
	defer comps.Close()
	if comps.Distributed == nil {
		log.Error("The worker requires PIPELINE_MODE=distributed")
		os.Exit(1)
	}

	handlers, err := comps.Handlers(ctx)
	if err != nil {
		log.Error("Failed to build step handlers", logger.Error(err))
		os.Exit(1)
	}

	pcfg := config.GetPipelineConfig()
	pipelineWorker := worker.NewPipelineWorker(comps.Distributed, handlers, worker.Config{
		StallAfter:        pcfg.StallAfter,
		ReconcileInterval: pcfg.ReconcileInterval,
	}, log)

	// 启动 worker
	if err := pipelineWorker.Start(ctx); err != nil {
		log.Error("Failed to start worker", logger.Error(err))
		os.Exit(1)
	}

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	// 优雅关闭
	log.Info("Shutting down worker...")
	pipelineWorker.Stop()
	log.Info("Worker stopped")
}
