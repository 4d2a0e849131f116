package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// StorageType 定义存储类型
type StorageType string

const (
	StorageTypeDisk  StorageType = "disk"
	StorageTypeS3    StorageType = "s3"
	StorageTypeMinio StorageType = "minio"
)

var (
	// ErrNotFound is returned by every backend when a file does not exist.
	ErrNotFound = errors.New("storage: file not found")
	// ErrInvalidName rejects names that would escape their directory.
	ErrInvalidName = errors.New("storage: invalid name")
)

// ContentStorage stores files under index/document directories.
// An empty documentID addresses the index directory itself.
type ContentStorage interface {
	CreateIndexDirectory(ctx context.Context, index string) error
	DeleteIndexDirectory(ctx context.Context, index string) error
	CreateDocumentDirectory(ctx context.Context, index, documentID string) error
	DeleteDocumentDirectory(ctx context.Context, index, documentID string) error

	// WriteFile replaces fileName and returns the number of bytes written.
	WriteFile(ctx context.Context, index, documentID, fileName string, r io.Reader) (int64, error)
	// ReadFile returns ErrNotFound when the file is absent.
	ReadFile(ctx context.Context, index, documentID, fileName string) ([]byte, error)
	// DeleteFile is a no-op for missing files.
	DeleteFile(ctx context.Context, index, documentID, fileName string) error
	ListFiles(ctx context.Context, index, documentID string) ([]string, error)

	ListIndexes(ctx context.Context) ([]string, error)
	ListDocuments(ctx context.Context, index string) ([]string, error)
}

// ValidateName checks one path segment (index, document id or file name).
func ValidateName(kind, name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: %s %q", ErrInvalidName, kind, name)
	}
	return nil
}

// ObjectKey joins the non-empty parts with "/" for object stores.
func ObjectKey(parts ...string) string {
	keep := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			keep = append(keep, p)
		}
	}
	return path.Join(keep...)
}

// Prefix returns the object prefix of a directory, with a trailing slash.
func Prefix(index, documentID string) string {
	return ObjectKey(index, documentID) + "/"
}

// CheckPath validates index, optional documentID and optional fileName.
func CheckPath(index, documentID, fileName string) error {
	if err := ValidateName("index", index); err != nil {
		return err
	}
	if documentID != "" {
		if err := ValidateName("document id", documentID); err != nil {
			return err
		}
	}
	if fileName != "" {
		if err := ValidateName("file name", fileName); err != nil {
			return err
		}
	}
	return nil
}
