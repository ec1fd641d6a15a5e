// Package cache stores detection results in BadgerDB.
//
// Detection is deterministic for a given request, classifier and parameter
// set, so a finished result can be served again without re-scoring. Keys are
// SHA-256 digests of everything that influences the result.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/soundprediction/lettuce/pkg/config"
	"github.com/soundprediction/lettuce/pkg/types"
	"github.com/soundprediction/lettuce/pkg/utils"
)

const (
	keyPrefix             = "det:"
	defaultGCInterval     = 5 * time.Minute
	defaultGCDiscardRatio = 0.5
)

// Cache is a TTL-bounded store of detection results.
type Cache struct {
	db     *badger.DB
	ttl    time.Duration
	logger *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Open opens the cache described by cfg. A zero TTL keeps entries forever.
func Open(cfg config.CacheConfig, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent cache")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create cache directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithNumVersionsToKeep(1).WithLogger(&badgerLogger{logger: logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger cache: %w", err)
	}

	c := &Cache{db: db, ttl: cfg.TTL, logger: logger}
	if !cfg.InMemory {
		c.stopCh = make(chan struct{})
		c.doneCh = make(chan struct{})
		utils.SafeGo(func() { c.runGC(defaultGCInterval) }, func(err error) {
			logger.Error("Cache GC stopped", "error", err)
		})
	}
	return c, nil
}

// OpenInMemory opens a cache that lives only as long as the process.
func OpenInMemory(ttl time.Duration) (*Cache, error) {
	return Open(config.CacheConfig{Enabled: true, InMemory: true, TTL: ttl}, nil)
}

// Key derives a cache key from the JSON encoding of parts.
func Key(parts ...any) (string, error) {
	h := sha256.New()
	enc := json.NewEncoder(h)
	for _, p := range parts {
		if err := enc.Encode(p); err != nil {
			return "", fmt.Errorf("failed to encode cache key: %w", err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Get returns the cached result for key. ok is false on a miss.
func (c *Cache) Get(key string) (*types.DetectionResult, bool, error) {
	var result types.DetectionResult
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &result)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache entry: %w", err)
	}
	// omitempty drops empty projections; restore the one the format selects.
	switch result.Format {
	case types.FormatTokens:
		if result.Tokens == nil {
			result.Tokens = []types.TokenRecord{}
		}
	default:
		if result.Spans == nil {
			result.Spans = []types.SpanRecord{}
		}
	}
	return &result, true, nil
}

// Set stores result under key.
func (c *Cache) Set(key string, result *types.DetectionResult) error {
	val, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}
	return c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(keyPrefix+key), val)
		if c.ttl > 0 {
			e = e.WithTTL(c.ttl)
		}
		return txn.SetEntry(e)
	})
}

// Len counts the live entries.
func (c *Cache) Len() (int, error) {
	n := 0
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Clear removes every entry.
func (c *Cache) Clear() error {
	return c.db.DropPrefix([]byte(keyPrefix))
}

// Close stops garbage collection and closes the database.
func (c *Cache) Close() error {
	if c.stopCh != nil {
		close(c.stopCh)
		<-c.doneCh
	}
	return c.db.Close()
}

func (c *Cache) runGC(interval time.Duration) {
	defer close(c.doneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			// ErrNoRewrite means no GC was needed
			if err := c.db.RunValueLogGC(defaultGCDiscardRatio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				c.logger.Warn("badger value log GC error", "error", err)
			}
		}
	}
}
