package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/eddielth/flowguard-bridge/logger"
)

// FileStorage appends documents as JSON lines, one file per collection and UTC day.
type FileStorage struct {
	basePath   string
	collection string
	mu         sync.Mutex
}

// NewFileStorage creates basePath if needed.
func NewFileStorage(basePath, collection string) (*FileStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create dir %s failed: %w", basePath, err)
	}

	logger.Info("init file storage: %s", basePath)
	return &FileStorage{
		basePath:   basePath,
		collection: collection,
	}, nil
}

func (fs *FileStorage) Name() string {
	return "file"
}

// Ping checks the directory is still writable.
func (fs *FileStorage) Ping(_ context.Context) error {
	info, err := os.Stat(fs.basePath)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", fs.basePath)
	}
	return nil
}

// Path returns the file a document ingested at ts is appended to.
func (fs *FileStorage) Path(ts time.Time) string {
	return filepath.Join(fs.basePath, fmt.Sprintf("%s-%s.jsonl", fs.collection, ts.UTC().Format("20060102")))
}

// Store appends doc to the day's file.
func (fs *FileStorage) Store(ctx context.Context, doc Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	line, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("serialize data failed: %w", err)
	}
	line = append(line, '\n')

	ts := doc.Timestamp()
	if ts.IsZero() {
		ts = time.Now()
	}
	filename := fs.Path(ts)

	fs.mu.Lock()
	defer fs.mu.Unlock()

	f, err := os.OpenFile(filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open file %s failed: %w", filename, err)
	}

	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("write file %s failed: %w", filename, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close file %s failed: %w", filename, err)
	}

	logger.Debug("has stored data to file: %s", filename)
	return nil
}

// Close implements StorageBackend
func (fs *FileStorage) Close() error {
	return nil
}
