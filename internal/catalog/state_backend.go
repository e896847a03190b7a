package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// StateBackend persists the catalog. Load returns everything stored so far;
// Put calls are row-level and must be durable when they return.
type StateBackend interface {
	Load() (*PersistedState, error)
	PutEntity(e Entity) error
	PutRun(run SyncRun) error
}

type stateBackendCloser interface {
	Close() error
}

// PersistedState is the full catalog as read back from a backend, keyed by
// canonical id.
type PersistedState struct {
	Launches map[string]Launch  `json:"launches"`
	Rockets  map[string]Rocket  `json:"rockets"`
	Missions map[string]Mission `json:"missions"`
	Runs     []SyncRun          `json:"runs"`
}

func NewPersistedState() *PersistedState {
	return &PersistedState{
		Launches: map[string]Launch{},
		Rockets:  map[string]Rocket{},
		Missions: map[string]Mission{},
	}
}

func (p *PersistedState) Put(e Entity) error {
	switch v := e.(type) {
	case Launch:
		p.Launches[v.ID] = v
	case Rocket:
		p.Rockets[v.ID] = v
	case Mission:
		p.Missions[v.ID] = v
	default:
		return fmt.Errorf("%w: unsupported entity %T", ErrInvalidInput, e)
	}
	return nil
}

func (p *PersistedState) AddRun(run SyncRun) {
	for i := range p.Runs {
		if p.Runs[i].ID == run.ID {
			p.Runs[i] = run
			return
		}
	}
	p.Runs = append(p.Runs, run)
}

func clonePersistedState(state *PersistedState) (*PersistedState, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	clone := NewPersistedState()
	if err := json.Unmarshal(data, clone); err != nil {
		return nil, err
	}
	return clone, nil
}

type InMemoryStateBackend struct {
	mu    sync.Mutex
	state *PersistedState
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{state: NewPersistedState()}
}

func (b *InMemoryStateBackend) Load() (*PersistedState, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return clonePersistedState(b.state)
}

func (b *InMemoryStateBackend) PutEntity(e Entity) error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.Put(e)
}

func (b *InMemoryStateBackend) PutRun(run SyncRun) error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.AddRun(run.Clone())
	return nil
}

// JSONFileStateBackend keeps the whole state in one JSON document and
// rewrites it atomically on every put.
type JSONFileStateBackend struct {
	Path string

	mu     sync.Mutex
	cached *PersistedState
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileStateBackend) Load() (*PersistedState, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.loadLocked(); err != nil {
		return nil, err
	}
	return clonePersistedState(b.cached)
}

func (b *JSONFileStateBackend) PutEntity(e Entity) error {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.loadLocked(); err != nil {
		return err
	}
	if err := b.cached.Put(e); err != nil {
		return err
	}
	return b.saveLocked()
}

func (b *JSONFileStateBackend) PutRun(run SyncRun) error {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.loadLocked(); err != nil {
		return err
	}
	b.cached.AddRun(run.Clone())
	return b.saveLocked()
}

func (b *JSONFileStateBackend) loadLocked() error {
	if b.cached != nil {
		return nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			b.cached = NewPersistedState()
			return nil
		}
		return err
	}
	state := NewPersistedState()
	if err := json.Unmarshal(data, state); err != nil {
		return err
	}
	b.cached = state
	return nil
}

func (b *JSONFileStateBackend) saveLocked() error {
	data, err := json.Marshal(b.cached)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

func BuildStateBackendFromDSN(dsn string) (StateBackend, error) {
	return BuildStateBackendFromDSNWithLogger(dsn, nil)
}

// BuildStateBackendFromDSNWithLogger is BuildStateBackendFromDSN for backends
// that emit their own logs (badger).
func BuildStateBackendFromDSNWithLogger(dsn string, logger *zap.Logger) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupStateBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileStateBackend(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryStateBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresStateBackend(dsn)
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteStateBackend(path)
	case "badger":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewBadgerStateBackend(path, logger)
	case "mysql", "redis":
		return nil, fmt.Errorf("%w: state backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported state backend scheme: %s", scheme)
	}
}

// dsnPath extracts a filesystem path from scheme://path style DSNs. A
// relative path such as file://data/state.json arrives with its first
// segment in Host.
func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Opaque)
	if path == "" {
		path = strings.TrimSpace(parsed.Host + parsed.Path)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
