package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/memory-pipeline/api/handlers"
	"github.com/feichai0017/memory-pipeline/api/routes"
	"github.com/feichai0017/memory-pipeline/config"
	"github.com/feichai0017/memory-pipeline/internal/service/memory"
	"github.com/feichai0017/memory-pipeline/internal/utils/validator"
	"github.com/feichai0017/memory-pipeline/pkg/logger"
	qfactory "github.com/feichai0017/memory-pipeline/pkg/queue/factory"
	"github.com/feichai0017/memory-pipeline/pkg/worker"
)

func main() {
	scfg := config.GetServerConfig()

	// init logger
	outputs := []string{"stdout"}
	if scfg.LogFile != "" {
		outputs = append(outputs, scfg.LogFile)
	}
	opts := []logger.Option{
		logger.WithLevel(scfg.LogLevel),
		logger.WithEncoding(scfg.LogEncoding),
		logger.WithOutputPaths(outputs),
	}
	if scfg.ErrorLog != "" {
		opts = append(opts, logger.WithErrorPaths([]string{scfg.ErrorLog}))
	}
	log, err := logger.NewLogger(opts...)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx := context.Background()
	svc, comps, err := memory.GetService(ctx, log)
	if err != nil {
		log.Fatal("Failed to get memory service", logger.Error(err))
	}
	defer svc.Close()

	// the in-memory broker only reaches consumers of this process
	var embedded *worker.PipelineWorker
	if comps.Distributed != nil && config.GetQueueConfig().Type == qfactory.TypeMemory {
		hs, err := comps.Handlers(ctx)
		if err != nil {
			log.Fatal("Failed to build step handlers", logger.Error(err))
		}
		pcfg := config.GetPipelineConfig()
		embedded = worker.NewPipelineWorker(comps.Distributed, hs, worker.Config{
			StallAfter:        pcfg.StallAfter,
			ReconcileInterval: pcfg.ReconcileInterval,
		}, log)
		if err := embedded.Start(ctx); err != nil {
			log.Fatal("Failed to start embedded worker", logger.Error(err))
		}
	}

	// init handlers
	v := validator.NewDocumentValidator(log, &validator.ValidatorConfig{MaxFileSize: scfg.MaxUploadBytes, MaxFiles: 20})
	h := handlers.NewHandlers(svc, v, log)
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	routes.SetupRoutes(r, h, comps.Metrics.Handler(), scfg.AllowedOrigins, log)

	srv := &http.Server{
		Addr:    scfg.Addr,
		Handler: r,
	}

	// start server
	go func() {
		log.Info("Server starting", logger.String("addr", scfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server error", logger.Error(err))
		}
	}()

	// wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	// graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), scfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", logger.Error(err))
	}
	if embedded != nil {
		embedded.Stop()
	}
}
