package disk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/feichai0017/memory-pipeline/pkg/logger"
	"github.com/feichai0017/memory-pipeline/pkg/storage"
)

// DiskStorage keeps content under root/<index>/<document>/<file>.
type DiskStorage struct {
	root   string
	logger logger.Logger
}

func NewDiskStorage(root string, log logger.Logger) (*DiskStorage, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage root: %w", err)
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &DiskStorage{root: abs, logger: log}, nil
}

func (d *DiskStorage) dir(index, documentID string) (string, error) {
	if err := storage.CheckPath(index, documentID, ""); err != nil {
		return "", err
	}
	p := filepath.Join(d.root, index, documentID)
	// Security: prevent directory traversal
	if !strings.HasPrefix(filepath.Clean(p), d.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path traversal detected", storage.ErrInvalidName)
	}
	return p, nil
}

func (d *DiskStorage) file(index, documentID, fileName string) (string, error) {
	if err := storage.ValidateName("file name", fileName); err != nil {
		return "", err
	}
	dir, err := d.dir(index, documentID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fileName), nil
}

func (d *DiskStorage) CreateIndexDirectory(ctx context.Context, index string) error {
	return d.CreateDocumentDirectory(ctx, index, "")
}

func (d *DiskStorage) DeleteIndexDirectory(ctx context.Context, index string) error {
	return d.DeleteDocumentDirectory(ctx, index, "")
}

func (d *DiskStorage) CreateDocumentDirectory(ctx context.Context, index, documentID string) error {
	dir, err := d.dir(index, documentID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}

func (d *DiskStorage) DeleteDocumentDirectory(ctx context.Context, index, documentID string) error {
	dir, err := d.dir(index, documentID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete directory %s: %w", dir, err)
	}
	d.logger.Debug("Deleted directory", logger.String("path", dir))
	return nil
}

// WriteFile writes to a temporary file and renames it so readers never see partial content.
func (d *DiskStorage) WriteFile(ctx context.Context, index, documentID, fileName string, r io.Reader) (int64, error) {
	target, err := d.file(index, documentID, fileName)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return 0, fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), "."+fileName+".*.tmp")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	n, err := io.Copy(tmp, r)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return 0, fmt.Errorf("failed to write %s: %w", fileName, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		_ = os.Remove(tmp.Name())
		return 0, fmt.Errorf("failed to move %s into place: %w", fileName, err)
	}
	return n, nil
}

func (d *DiskStorage) ReadFile(ctx context.Context, index, documentID, fileName string) ([]byte, error) {
	p, err := d.file(index, documentID, fileName)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s/%s/%s", storage.ErrNotFound, index, documentID, fileName)
		}
		return nil, fmt.Errorf("failed to read %s: %w", fileName, err)
	}
	return data, nil
}

func (d *DiskStorage) DeleteFile(ctx context.Context, index, documentID, fileName string) error {
	p, err := d.file(index, documentID, fileName)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", fileName, err)
	}
	return nil
}

func (d *DiskStorage) ListFiles(ctx context.Context, index, documentID string) ([]string, error) {
	dir, err := d.dir(index, documentID)
	if err != nil {
		return nil, err
	}
	return readDir(dir, false)
}

func (d *DiskStorage) ListIndexes(ctx context.Context) ([]string, error) {
	return readDir(d.root, true)
}

func (d *DiskStorage) ListDocuments(ctx context.Context, index string) ([]string, error) {
	dir, err := d.dir(index, "")
	if err != nil {
		return nil, err
	}
	return readDir(dir, true)
}

// readDir lists directories or regular files, skipping temp files. A missing directory is empty.
func readDir(dir string, dirs bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() != dirs || isTempFile(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func isTempFile(name string) bool {
	return strings.HasPrefix(name, ".") && strings.HasSuffix(name, ".tmp")
}
