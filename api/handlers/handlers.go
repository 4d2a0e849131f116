package handlers

import (
	"github.com/feichai0017/memory-pipeline/internal/service/memory"
	"github.com/feichai0017/memory-pipeline/internal/utils/validator"
	"github.com/feichai0017/memory-pipeline/pkg/logger"
)

type Handlers struct {
	Memory *MemoryHandler
	Health *HealthHandler
}

func NewHandlers(
	memoryService memory.MemoryService,
	uploadValidator *validator.DocumentValidator,
	logger logger.Logger,
) *Handlers {
	return &Handlers{
		Memory: NewMemoryHandler(memoryService, uploadValidator, logger),
		Health: NewHealthHandler(),
	}
}
