package config

import (
	"sync"
)

var (
	storageOnce   sync.Once
	storageConfig *StorageConfig
)

// StorageConfig selects the content storage backend (disk, minio or s3).
type StorageConfig struct {
	Type     string
	DiskRoot string
}

func GetStorageConfig() *StorageConfig {
	storageOnce.Do(func() {
		loadEnv()
		storageConfig = &StorageConfig{
			Type:     getEnv("STORAGE_TYPE", "disk"),
			DiskRoot: getEnv("STORAGE_DISK_ROOT", "data/content"),
		}
	})
	return storageConfig
}
