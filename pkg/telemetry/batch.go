package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"
)

const defaultBatchSize = 100

// batchWriter buffers rows and writes each full batch to a new Parquet file.
type batchWriter[T any] struct {
	dir       string
	prefix    string
	batchSize int

	mu     sync.Mutex
	buffer []T
	files  int
}

func newBatchWriter[T any](dir, prefix string, batchSize int) (*batchWriter[T], error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create telemetry directory: %w", err)
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &batchWriter[T]{
		dir:       dir,
		prefix:    prefix,
		batchSize: batchSize,
		buffer:    make([]T, 0, batchSize),
	}, nil
}

func (w *batchWriter[T]) add(row T) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buffer = append(w.buffer, row)
	if len(w.buffer) >= w.batchSize {
		return w.flushLocked()
	}
	return nil
}

func (w *batchWriter[T]) flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

// flushLocked writes the current buffer to a new Parquet file.
// Caller must hold the lock.
func (w *batchWriter[T]) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}

	now := time.Now()
	filename := fmt.Sprintf("%s_%s_%d.parquet", w.prefix, now.Format("20060102_150405"), now.UnixNano())
	if err := parquet.WriteFile(filepath.Join(w.dir, filename), w.buffer); err != nil {
		return fmt.Errorf("failed to write telemetry parquet file: %w", err)
	}

	w.files++
	w.buffer = w.buffer[:0]
	return nil
}

// pattern returns the glob matching every file this writer produces.
func (w *batchWriter[T]) pattern() string {
	return filepath.Join(w.dir, w.prefix+"_*.parquet")
}
