package minio

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	cfg "github.com/feichai0017/memory-pipeline/config"
	"github.com/feichai0017/memory-pipeline/pkg/logger"
	"github.com/feichai0017/memory-pipeline/pkg/storage"
)

// MinioStorage maps index/document directories onto key prefixes of one bucket.
// Directories are virtual, so the Create* calls only validate names.
type MinioStorage struct {
	client     *minio.Client
	bucketName string
	logger     logger.Logger
}

func (m *MinioStorage) CreateIndexDirectory(ctx context.Context, index string) error {
	return storage.CheckPath(index, "", "")
}

func (m *MinioStorage) CreateDocumentDirectory(ctx context.Context, index, documentID string) error {
	return storage.CheckPath(index, documentID, "")
}

func (m *MinioStorage) DeleteIndexDirectory(ctx context.Context, index string) error {
	return m.DeleteDocumentDirectory(ctx, index, "")
}

// DeleteDocumentDirectory removes every object under the prefix.
func (m *MinioStorage) DeleteDocumentDirectory(ctx context.Context, index, documentID string) error {
	if err := storage.CheckPath(index, documentID, ""); err != nil {
		return err
	}
	prefix := storage.Prefix(index, documentID)
	objectCh := m.client.ListObjects(ctx, m.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	var firstErr error
	for rErr := range m.client.RemoveObjects(ctx, m.bucketName, objectCh, minio.RemoveObjectsOptions{}) {
		m.logger.Error("Failed to delete object from MinIO",
			logger.String("bucket", m.bucketName),
			logger.String("key", rErr.ObjectName),
			logger.Error(rErr.Err),
		)
		if firstErr == nil {
			firstErr = rErr.Err
		}
	}
	if firstErr != nil {
		return fmt.Errorf("failed to delete %s: %w", prefix, firstErr)
	}
	return nil
}

func (m *MinioStorage) WriteFile(ctx context.Context, index, documentID, fileName string, r io.Reader) (int64, error) {
	if err := storage.CheckPath(index, documentID, fileName); err != nil {
		return 0, err
	}
	key := storage.ObjectKey(index, documentID, fileName)
	info, err := m.client.PutObject(ctx, m.bucketName, key, r, -1, minio.PutObjectOptions{})
	if err != nil {
		m.logger.Error("Failed to store file to MinIO",
			logger.String("bucket", m.bucketName),
			logger.String("key", key),
			logger.Error(err),
		)
		return 0, fmt.Errorf("failed to store file: %w", err)
	}
	return info.Size, nil
}

func (m *MinioStorage) ReadFile(ctx context.Context, index, documentID, fileName string) ([]byte, error) {
	if err := storage.CheckPath(index, documentID, fileName); err != nil {
		return nil, err
	}
	key := storage.ObjectKey(index, documentID, fileName)
	obj, err := m.client.GetObject(ctx, m.bucketName, key, minio.GetObjectOptions{})
	if err == nil {
		defer obj.Close()
		var data []byte
		data, err = io.ReadAll(obj)
		if err == nil {
			return data, nil
		}
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	}
	m.logger.Error("Failed to get file from MinIO",
		logger.String("bucket", m.bucketName),
		logger.String("key", key),
		logger.Error(err),
	)
	return nil, fmt.Errorf("failed to get file: %w", err)
}

func (m *MinioStorage) DeleteFile(ctx context.Context, index, documentID, fileName string) error {
	if err := storage.CheckPath(index, documentID, fileName); err != nil {
		return err
	}
	key := storage.ObjectKey(index, documentID, fileName)
	if err := m.client.RemoveObject(ctx, m.bucketName, key, minio.RemoveObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil
		}
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

func (m *MinioStorage) ListFiles(ctx context.Context, index, documentID string) ([]string, error) {
	if err := storage.CheckPath(index, documentID, ""); err != nil {
		return nil, err
	}
	return m.list(ctx, storage.Prefix(index, documentID), false)
}

func (m *MinioStorage) ListIndexes(ctx context.Context) ([]string, error) {
	return m.list(ctx, "", true)
}

func (m *MinioStorage) ListDocuments(ctx context.Context, index string) ([]string, error) {
	if err := storage.CheckPath(index, "", ""); err != nil {
		return nil, err
	}
	return m.list(ctx, storage.Prefix(index, ""), true)
}

// list returns the direct children of prefix: sub-prefixes when dirs is set, objects otherwise.
func (m *MinioStorage) list(ctx context.Context, prefix string, dirs bool) ([]string, error) {
	names := []string{}
	for obj := range m.client.ListObjects(ctx, m.bucketName, minio.ListObjectsOptions{Prefix: prefix}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list %q: %w", prefix, obj.Err)
		}
		name := strings.TrimPrefix(obj.Key, prefix)
		isDir := strings.HasSuffix(name, "/")
		if isDir != dirs || name == "" {
			continue
		}
		names = append(names, strings.TrimSuffix(name, "/"))
	}
	sort.Strings(names)
	return names, nil
}

func NewMinioStorage(minioConfig *cfg.MinioConfig, log logger.Logger) (*MinioStorage, error) {
	client, err := minio.New(minioConfig.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(minioConfig.AccessKey, minioConfig.SecretKey, ""),
		Secure: minioConfig.UseSSL,
		Region: minioConfig.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	exists, err := client.BucketExists(context.Background(), minioConfig.BucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		err = client.MakeBucket(context.Background(), minioConfig.BucketName, minio.MakeBucketOptions{
			Region: minioConfig.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		log.Info("Created MinIO bucket", logger.String("bucket", minioConfig.BucketName))
	}

	return &MinioStorage{
		client:     client,
		bucketName: minioConfig.BucketName,
		logger:     log,
	}, nil
}

func GetClient(log logger.Logger) (*MinioStorage, error) {
	return NewMinioStorage(cfg.GetMinioConfig(), log)
}
