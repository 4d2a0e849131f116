package factory

import (
	"fmt"

	cfg "github.com/feichai0017/memory-pipeline/config"
	"github.com/feichai0017/memory-pipeline/pkg/logger"
	"github.com/feichai0017/memory-pipeline/pkg/storage"
	"github.com/feichai0017/memory-pipeline/pkg/storage/disk"
	"github.com/feichai0017/memory-pipeline/pkg/storage/minio"
	"github.com/feichai0017/memory-pipeline/pkg/storage/s3"
)

// NewStorage 创建存储实例的工厂方法
func NewStorage(storageType storage.StorageType, log logger.Logger) (storage.ContentStorage, error) {
	switch storageType {
	case storage.StorageTypeDisk, "":
		return disk.NewDiskStorage(cfg.GetStorageConfig().DiskRoot, log)
	case storage.StorageTypeS3:
		return s3.GetClient(log)
	case storage.StorageTypeMinio:
		return minio.GetClient(log)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", storageType)
	}
}
