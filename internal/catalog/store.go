package catalog

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const defaultMaxRuns = 200

type StoreOptions struct {
	StateBackend StateBackend
	StateFile    string
	// MaxRuns bounds how many sealed runs are kept in memory. Durable
	// backends keep every run.
	MaxRuns int
	Logger  *zap.Logger
	Now     func() time.Time
}

// Store is the canonical store. Writes go through to the state backend
// before the in-memory view is updated.
type Store struct {
	mu       sync.RWMutex
	launches map[string]Launch
	rockets  map[string]Rocket
	missions map[string]Mission
	runs     []SyncRun

	backend StateBackend
	maxRuns int
	logger  *zap.Logger
	now     func() time.Time
	writes  atomic.Int64

	closeOnce sync.Once
	closed    atomic.Bool
}

type Snapshot struct {
	Launches []Launch  `json:"launches"`
	Rockets  []Rocket  `json:"rockets"`
	Missions []Mission `json:"missions"`
}

func NewStore() *Store {
	return NewStoreWithOptions(StoreOptions{})
}

func NewStoreWithOptions(opts StoreOptions) *Store {
	maxRuns := opts.MaxRuns
	if maxRuns <= 0 {
		maxRuns = defaultMaxRuns
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	backend := opts.StateBackend
	if backend == nil && strings.TrimSpace(opts.StateFile) != "" {
		backend = NewJSONFileStateBackend(opts.StateFile)
	}

	s := &Store{
		launches: map[string]Launch{},
		rockets:  map[string]Rocket{},
		missions: map[string]Mission{},
		backend:  backend,
		maxRuns:  maxRuns,
		logger:   logger,
		now:      now,
	}
	if err := s.loadFromBackend(); err != nil {
		logger.Error("failed to load catalog state; starting empty", zap.Error(err))
	}
	return s
}

func (s *Store) loadFromBackend() error {
	if s.backend == nil {
		return nil
	}
	state, err := s.backend.Load()
	if err != nil {
		return err
	}
	if state == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, launch := range state.Launches {
		s.launches[id] = launch
	}
	for id, rocket := range state.Rockets {
		s.rockets[id] = rocket
	}
	for id, mission := range state.Missions {
		s.missions[id] = mission
	}
	runs := append([]SyncRun(nil), state.Runs...)
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].StartedAt.Before(runs[j].StartedAt)
	})
	if len(runs) > s.maxRuns {
		runs = runs[len(runs)-s.maxRuns:]
	}
	s.runs = runs
	s.logger.Info("catalog state loaded",
		zap.Int("launches", len(s.launches)),
		zap.Int("rockets", len(s.rockets)),
		zap.Int("missions", len(s.missions)),
		zap.Int("runs", len(s.runs)),
	)
	return nil
}

// Upsert writes e keyed by its natural id. It reports false, and performs no
// backend write, when the stored payload hash already matches.
func (s *Store) Upsert(e Entity) (bool, error) {
	if e == nil {
		return false, ErrInvalidInput
	}
	if s.closed.Load() {
		return false, ErrClosed
	}
	meta := e.Metadata()
	if strings.TrimSpace(meta.ID) == "" {
		if strings.TrimSpace(meta.Source) == "" || strings.TrimSpace(meta.ExternalID) == "" {
			return false, fmt.Errorf("%w: entity id is required", ErrInvalidInput)
		}
		meta.ID = NaturalID(meta.Source, meta.ExternalID)
		e = e.withMeta(meta)
	}
	hash, err := ContentHash(e)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.lookupLocked(e.Kind(), meta.ID); ok && existing.PayloadHash == hash {
		return false, nil
	}
	meta.PayloadHash = hash
	meta.LastSyncedAt = s.now()
	e = e.withMeta(meta)
	if s.backend != nil {
		if err := s.backend.PutEntity(e); err != nil {
			return false, fmt.Errorf("persist %s %s: %w", e.Kind(), meta.ID, err)
		}
	}
	s.storeLocked(e)
	s.writes.Add(1)
	return true, nil
}

// Writes reports how many entity writes reached the state backend.
func (s *Store) Writes() int64 {
	return s.writes.Load()
}

func (s *Store) lookupLocked(kind EntityKind, id string) (Meta, bool) {
	switch kind {
	case KindLaunch:
		v, ok := s.launches[id]
		return v.Meta, ok
	case KindRocket:
		v, ok := s.rockets[id]
		return v.Meta, ok
	case KindMission:
		v, ok := s.missions[id]
		return v.Meta, ok
	}
	return Meta{}, false
}

func (s *Store) storeLocked(e Entity) {
	switch v := e.(type) {
	case Launch:
		s.launches[v.ID] = cloneLaunch(v)
	case Rocket:
		s.rockets[v.ID] = v
	case Mission:
		s.missions[v.ID] = cloneMission(v)
	}
}

// Snapshot returns a point-in-time copy of every collection, each sorted by id.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := Snapshot{
		Launches: make([]Launch, 0, len(s.launches)),
		Rockets:  make([]Rocket, 0, len(s.rockets)),
		Missions: make([]Mission, 0, len(s.missions)),
	}
	for _, l := range s.launches {
		out.Launches = append(out.Launches, cloneLaunch(l))
	}
	for _, r := range s.rockets {
		out.Rockets = append(out.Rockets, r)
	}
	for _, m := range s.missions {
		out.Missions = append(out.Missions, cloneMission(m))
	}
	sort.Slice(out.Launches, func(i, j int) bool { return out.Launches[i].ID < out.Launches[j].ID })
	sort.Slice(out.Rockets, func(i, j int) bool { return out.Rockets[i].ID < out.Rockets[j].ID })
	sort.Slice(out.Missions, func(i, j int) bool { return out.Missions[i].ID < out.Missions[j].ID })
	return out
}

func (s *Store) GetLaunch(id string) (Launch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.launches[strings.TrimSpace(id)]
	if !ok {
		return Launch{}, ErrNotFound
	}
	return cloneLaunch(l), nil
}

func (s *Store) GetRocket(id string) (Rocket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rockets[strings.TrimSpace(id)]
	if !ok {
		return Rocket{}, ErrNotFound
	}
	return r, nil
}

func (s *Store) GetMission(id string) (Mission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.missions[strings.TrimSpace(id)]
	if !ok {
		return Mission{}, ErrNotFound
	}
	return cloneMission(m), nil
}

// RecordRun persists a sealed run for audit.
func (s *Store) RecordRun(run SyncRun) error {
	if strings.TrimSpace(run.ID) == "" || run.CompletedAt.IsZero() {
		return fmt.Errorf("%w: run must be sealed before it is recorded", ErrInvalidInput)
	}
	if s.closed.Load() {
		return ErrClosed
	}
	run = run.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backend != nil {
		if err := s.backend.PutRun(run); err != nil {
			return fmt.Errorf("persist run %s: %w", run.ID, err)
		}
	}
	s.runs = append(s.runs, run)
	if len(s.runs) > s.maxRuns {
		s.runs = append([]SyncRun(nil), s.runs[len(s.runs)-s.maxRuns:]...)
	}
	return nil
}

// ListRuns returns up to limit runs, newest first. limit <= 0 returns all retained runs.
func (s *Store) ListRuns(limit int) []SyncRun {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.runs)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]SyncRun, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.runs[i].Clone())
	}
	return out
}

func (s *Store) GetRun(id string) (SyncRun, error) {
	id = strings.TrimSpace(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.runs) - 1; i >= 0; i-- {
		if s.runs[i].ID == id {
			return s.runs[i].Clone(), nil
		}
	}
	return SyncRun{}, ErrNotFound
}

func (s *Store) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if closer, ok := s.backend.(stateBackendCloser); ok && closer != nil {
			if err := closer.Close(); err != nil {
				s.logger.Warn("closing state backend", zap.Error(err))
			}
		}
	})
}

func cloneLaunch(l Launch) Launch {
	if l.Success != nil {
		v := *l.Success
		l.Success = &v
	}
	l.Crew = append([]string(nil), l.Crew...)
	return l
}

func cloneMission(m Mission) Mission {
	if m.EndDate != nil {
		v := *m.EndDate
		m.EndDate = &v
	}
	m.Objectives = append([]string(nil), m.Objectives...)
	return m
}
