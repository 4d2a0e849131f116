package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	cfg "github.com/feichai0017/memory-pipeline/config"
	"github.com/feichai0017/memory-pipeline/pkg/logger"
	"github.com/feichai0017/memory-pipeline/pkg/storage"
)

// S3Storage maps index/document directories onto key prefixes of one bucket.
type S3Storage struct {
	client     *s3.Client
	bucketName string
	logger     logger.Logger
}

func (s *S3Storage) CreateIndexDirectory(ctx context.Context, index string) error {
	return storage.CheckPath(index, "", "")
}

func (s *S3Storage) CreateDocumentDirectory(ctx context.Context, index, documentID string) error {
	return storage.CheckPath(index, documentID, "")
}

func (s *S3Storage) DeleteIndexDirectory(ctx context.Context, index string) error {
	return s.DeleteDocumentDirectory(ctx, index, "")
}

// DeleteDocumentDirectory deletes every key under the prefix, one page (max 1000 keys) at a time.
func (s *S3Storage) DeleteDocumentDirectory(ctx context.Context, index, documentID string) error {
	if err := storage.CheckPath(index, documentID, ""); err != nil {
		return err
	}
	prefix := storage.Prefix(index, documentID)
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucketName),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to list objects: %w", err)
		}
		if len(page.Contents) == 0 {
			continue
		}
		ids := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			ids = append(ids, types.ObjectIdentifier{Key: obj.Key})
		}
		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucketName),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("failed to delete objects: %w", err)
		}
		for _, e := range out.Errors {
			s.logger.Error("Failed to delete object from S3",
				logger.String("bucket", s.bucketName),
				logger.String("key", aws.ToString(e.Key)),
				logger.String("reason", aws.ToString(e.Message)),
			)
		}
		if len(out.Errors) > 0 {
			return fmt.Errorf("failed to delete %d objects under %s", len(out.Errors), prefix)
		}
	}
	return nil
}

// WriteFile buffers the content so the SDK can sign a seekable body.
func (s *S3Storage) WriteFile(ctx context.Context, index, documentID, fileName string, r io.Reader) (int64, error) {
	if err := storage.CheckPath(index, documentID, fileName); err != nil {
		return 0, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("failed to read content: %w", err)
	}
	key := storage.ObjectKey(index, documentID, fileName)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		s.logger.Error("Failed to store file to S3",
			logger.String("bucket", s.bucketName),
			logger.String("key", key),
			logger.Error(err),
		)
		return 0, fmt.Errorf("failed to store file: %w", err)
	}
	return int64(len(data)), nil
}

func (s *S3Storage) ReadFile(ctx context.Context, index, documentID, fileName string) ([]byte, error) {
	if err := storage.CheckPath(index, documentID, fileName); err != nil {
		return nil, err
	}
	key := storage.ObjectKey(index, documentID, fileName)
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
		}
		s.logger.Error("Failed to get file from S3",
			logger.String("bucket", s.bucketName),
			logger.String("key", key),
			logger.Error(err),
		)
		return nil, fmt.Errorf("failed to get file: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

func (s *S3Storage) DeleteFile(ctx context.Context, index, documentID, fileName string) error {
	if err := storage.CheckPath(index, documentID, fileName); err != nil {
		return err
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(storage.ObjectKey(index, documentID, fileName)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

func (s *S3Storage) ListFiles(ctx context.Context, index, documentID string) ([]string, error) {
	if err := storage.CheckPath(index, documentID, ""); err != nil {
		return nil, err
	}
	return s.list(ctx, storage.Prefix(index, documentID), false)
}

func (s *S3Storage) ListIndexes(ctx context.Context) ([]string, error) {
	return s.list(ctx, "", true)
}

func (s *S3Storage) ListDocuments(ctx context.Context, index string) ([]string, error) {
	if err := storage.CheckPath(index, "", ""); err != nil {
		return nil, err
	}
	return s.list(ctx, storage.Prefix(index, ""), true)
}

// list uses the "/" delimiter: common prefixes are directories, contents are files.
func (s *S3Storage) list(ctx context.Context, prefix string, dirs bool) ([]string, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucketName),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	names := []string{}
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %q: %w", prefix, err)
		}
		if dirs {
			for _, cp := range page.CommonPrefixes {
				name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
				if name != "" {
					names = append(names, name)
				}
			}
			continue
		}
		for _, obj := range page.Contents {
			if name := strings.TrimPrefix(aws.ToString(obj.Key), prefix); name != "" {
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names, nil
}

func NewS3Storage(s3Config *cfg.S3Config, log logger.Logger) (*S3Storage, error) {
	log.Info("S3 Configuration",
		logger.String("bucket", s3Config.BucketName),
		logger.String("region", s3Config.Region),
		logger.String("endpoint", s3Config.Endpoint),
	)

	// AWS SDK 配置
	opts := []func(*config.LoadOptions) error{config.WithRegion(s3Config.Region)}
	if s3Config.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			s3Config.AccessKey,
			s3Config.SecretKey,
			"",
		)))
	}
	awsCfg, err := config.LoadDefaultConfig(context.TODO(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if s3Config.Endpoint != "" {
			o.BaseEndpoint = aws.String(s3Config.Endpoint)
		}
		o.UsePathStyle = s3Config.UsePathStyle
	})

	// 验证 bucket 是否存在
	_, err = client.HeadBucket(context.Background(), &s3.HeadBucketInput{
		Bucket: aws.String(s3Config.BucketName),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to verify bucket existence: %w", err)
	}

	return &S3Storage{
		client:     client,
		bucketName: s3Config.BucketName,
		logger:     log,
	}, nil
}

func GetClient(log logger.Logger) (*S3Storage, error) {
	return NewS3Storage(cfg.GetS3Config(), log)
}
