package objectstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"adlake/internal/platform/logger"

	"github.com/dgraph-io/badger/v4"
)

const (
	badgerGCInterval    = 5 * time.Minute
	badgerGCDiscardRate = 0.5
)

// Badger keeps objects in an embedded badger database
type Badger struct {
	db     *badger.DB
	prefix string
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewBadger opens badger at c.Dir or in memory when c.InMemory is set
func NewBadger(c Config) (*Badger, error) {
	var opts badger.Options
	if c.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if c.Dir == "" {
			return nil, errors.New("objectstore: badger dir is required")
		}
		if err := os.MkdirAll(c.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("objectstore: create badger dir %s: %w", c.Dir, err)
		}
		opts = badger.DefaultOptions(c.Dir).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1).WithLogger(&badgerLogger{log: logger.Named("badger")})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("objectstore: open badger: %w", err)
	}
	b := &Badger{db: db, prefix: c.Prefix, stop: make(chan struct{})}
	if !c.InMemory {
		b.wg.Add(1)
		go b.gcLoop()
	}
	return b, nil
}

// Put implements Store
func (b *Badger) Put(ctx context.Context, key string, data []byte) error {
	if err := requireKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	full := objectKey(b.prefix, key)
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(full), data)
	})
}

// Get implements Store
func (b *Badger) Get(ctx context.Context, key string) ([]byte, error) {
	if err := requireKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full := objectKey(b.prefix, key)
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(full))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, notFound(full, err)
	}
	return out, err
}

// Delete implements Store
func (b *Badger) Delete(ctx context.Context, key string) error {
	if err := requireKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	full := objectKey(b.prefix, key)
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(full))
	})
}

// List implements Store
func (b *Badger) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full := []byte(objectKey(b.prefix, prefix))
	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = full
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, stripPrefix(b.prefix, string(it.Item().KeyCopy(nil))))
		}
		return nil
	})
	return keys, err
}

// Close stops value-log GC and closes the database
func (b *Badger) Close() error {
	close(b.stop)
	b.wg.Wait()
	return b.db.Close()
}

func (b *Badger) gcLoop() {
	defer b.wg.Done()
	t := time.NewTicker(badgerGCInterval)
	defer t.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-t.C:
			for b.db.RunValueLogGC(badgerGCDiscardRate) == nil {
			}
		}
	}
}

// badgerLogger adapts the zerolog logger to badger.Logger
type badgerLogger struct{ log *logger.Logger }

func (l *badgerLogger) Errorf(f string, a ...any)   { l.log.Error().Msgf(f, a...) }
func (l *badgerLogger) Warningf(f string, a ...any) { l.log.Warn().Msgf(f, a...) }
func (l *badgerLogger) Infof(f string, a ...any)    { l.log.Debug().Msgf(f, a...) }
func (l *badgerLogger) Debugf(f string, a ...any)   { l.log.Trace().Msgf(f, a...) }
