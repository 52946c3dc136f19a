package tiercache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerConfig holds configuration for the persisted L2 tier.
type BadgerConfig struct {
	// Path is the directory for database files. Required unless InMemory.
	Path string
	// InMemory disables persistence; used by tests.
	InMemory bool
	// SyncWrites forces synchronous disk writes for durability.
	SyncWrites bool
	// GCInterval is how often to run value-log garbage collection.
	// Zero disables the runner.
	GCInterval time.Duration
	// GCDiscardRatio is the minimum discardable ratio before GC rewrites a file.
	GCDiscardRatio float64
	// Logger receives badger's internal logging; nil silences it.
	Logger *slog.Logger
}

// Badger is the L2 tier: persisted across restarts, larger and slower than L1.
// Expiry rides on badger's native TTL support, so entries vanish without a
// sweep; the envelope expiry check covers clock skew between writers.
type Badger struct {
	db       *badger.DB
	inMemory bool
	gcStop   chan struct{}
	gcDone   chan struct{}
}

// NewBadger opens the L2 tier and starts the value-log GC runner when
// configured.
func NewBadger(cfg BadgerConfig) (*Badger, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("tiercache: badger path required")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("tiercache: badger dir %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("tiercache: badger open: %w", err)
	}

	tier := &Badger{db: db, inMemory: cfg.InMemory}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio > 1 {
			ratio = 0.5
		}
		tier.gcStop = make(chan struct{})
		tier.gcDone = make(chan struct{})
		go tier.runGC(cfg.GCInterval, ratio, cfg.Logger)
	}
	return tier, nil
}

// Name identifies the tier in logs and metrics.
func (b *Badger) Name() string { return "l2" }

// Lookup returns the entry for key, treating expired entries as misses.
func (b *Badger) Lookup(_ context.Context, key string) (Entry, bool, error) {
	var entry Entry
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("tiercache: badger get: %w", err)
	}
	if entry.Expired(time.Now()) {
		return Entry{}, false, nil
	}
	return entry, true, nil
}

// Store writes the entry with badger's native TTL derived from the envelope
// expiry. Entries already past expiry are dropped silently.
func (b *Badger) Store(_ context.Context, key string, entry Entry) error {
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}
	if entry.ExpiresAt.IsZero() || entry.ExpiresAt.Before(entry.StoredAt) {
		return errors.New("tiercache: badger entry expiry required")
	}
	ttl := time.Until(entry.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("tiercache: badger marshal: %w", err)
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(key), payload).WithTTL(ttl))
	})
	if err != nil {
		return fmt.Errorf("tiercache: badger set: %w", err)
	}
	return nil
}

// Delete removes the given keys in one transaction.
func (b *Badger) Delete(_ context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete([]byte(key)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("tiercache: badger delete: %w", err)
	}
	return nil
}

// Keys lists every live key. Badger's iterator already skips expired entries.
func (b *Badger) Keys(_ context.Context) ([]string, error) {
	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: false})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("tiercache: badger keys: %w", err)
	}
	return keys, nil
}

// PurgeExpired triggers a value-log GC pass. Badger drops expired entries on
// its own, so there is nothing to enumerate; the pass only reclaims disk.
func (b *Badger) PurgeExpired(context.Context) (int, error) {
	if b.inMemory {
		return 0, nil
	}
	if err := b.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return 0, fmt.Errorf("tiercache: badger gc: %w", err)
	}
	return 0, nil
}

// Clear wipes the tier.
func (b *Badger) Clear(context.Context) error {
	if err := b.db.DropAll(); err != nil {
		return fmt.Errorf("tiercache: badger drop: %w", err)
	}
	return nil
}

// Len counts live keys.
func (b *Badger) Len(ctx context.Context) (int64, error) {
	keys, err := b.Keys(ctx)
	if err != nil {
		return 0, err
	}
	return int64(len(keys)), nil
}

// MemoryBytes reports the on-disk footprint of the LSM tree and value log.
func (b *Badger) MemoryBytes(context.Context) (int64, error) {
	lsm, vlog := b.db.Size()
	return lsm + vlog, nil
}

// Close stops the GC runner and closes the database.
func (b *Badger) Close(context.Context) error {
	if b.gcStop != nil {
		close(b.gcStop)
		<-b.gcDone
	}
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("tiercache: badger close: %w", err)
	}
	return nil
}

func (b *Badger) runGC(interval time.Duration, ratio float64, logger *slog.Logger) {
	defer close(b.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.gcStop:
			return
		case <-ticker.C:
			err := b.db.RunValueLogGC(ratio)
			if err == nil {
				if logger != nil {
					logger.Debug("badger value log GC completed")
				}
			} else if !errors.Is(err, badger.ErrNoRewrite) {
				if logger != nil {
					logger.Warn("badger value log GC error", slog.Any("error", err))
				}
			}
		}
	}
}

// badgerLogger adapts slog.Logger to badger's Logger interface.
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
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
