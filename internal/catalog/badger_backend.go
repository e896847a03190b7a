package catalog

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

const (
	badgerEntityPrefix = "entity/"
	badgerRunPrefix    = "run/"
)

// BadgerStateBackend keeps entities under entity/<kind>/<id> and runs under
// run/<id>, msgpack encoded.
type BadgerStateBackend struct {
	db     *badger.DB
	mu     sync.RWMutex
	closed bool
}

func NewBadgerStateBackend(dir string, logger *zap.Logger) (StateBackend, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	opts := badger.DefaultOptions(dir).
		WithNumVersionsToKeep(1).
		WithLogger(newBadgerLogger(logger))
	return OpenBadgerStateBackend(opts)
}

// OpenBadgerStateBackend opens a backend with caller supplied options, for
// example badger.DefaultOptions("").WithInMemory(true).
func OpenBadgerStateBackend(opts badger.Options) (*BadgerStateBackend, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	return &BadgerStateBackend{db: db}, nil
}

func badgerEntityKey(kind EntityKind, id string) []byte {
	return []byte(badgerEntityPrefix + string(kind) + "/" + id)
}

func badgerRunKey(id string) []byte {
	return []byte(badgerRunPrefix + id)
}

func (b *BadgerStateBackend) Load() (*PersistedState, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}
	state := NewPersistedState()
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(badgerEntityPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			rest := strings.TrimPrefix(string(item.Key()), badgerEntityPrefix)
			kind, _, ok := strings.Cut(rest, "/")
			if !ok {
				continue
			}
			err := item.Value(func(val []byte) error {
				entity, err := decodeEntity(EntityKind(kind), val, msgpack.Unmarshal)
				if err != nil {
					return fmt.Errorf("decode %s: %w", item.Key(), err)
				}
				return state.Put(entity)
			})
			if err != nil {
				return err
			}
		}

		prefix = []byte(badgerRunPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var run SyncRun
				if err := msgpack.Unmarshal(val, &run); err != nil {
					return fmt.Errorf("decode %s: %w", item.Key(), err)
				}
				state.Runs = append(state.Runs, run)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (b *BadgerStateBackend) PutEntity(e Entity) error {
	if b == nil || e == nil {
		return nil
	}
	data, err := msgpack.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode entity: %w", err)
	}
	return b.set(badgerEntityKey(e.Kind(), e.Metadata().ID), data)
}

func (b *BadgerStateBackend) PutRun(run SyncRun) error {
	if b == nil {
		return nil
	}
	data, err := msgpack.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}
	return b.set(badgerRunKey(run.ID), data)
}

func (b *BadgerStateBackend) set(key, value []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

func (b *BadgerStateBackend) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

// badgerLogger routes badger's internal logging into zap.
type badgerLogger struct {
	sugar *zap.SugaredLogger
}

func newBadgerLogger(logger *zap.Logger) *badgerLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &badgerLogger{sugar: logger.Named("badger").Sugar()}
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.sugar.Errorf(strings.TrimSpace(format), args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.sugar.Warnf(strings.TrimSpace(format), args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.sugar.Infof(strings.TrimSpace(format), args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.sugar.Debugf(strings.TrimSpace(format), args...)
}

var _ badger.Logger = (*badgerLogger)(nil)
