package datasync

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync/atomic"
	"time"

	"github.com/agentworkforce/orbital/internal/catalog"
	"github.com/agentworkforce/orbital/internal/gateway"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrAlreadyRunning  = errors.New("sync already running")
	ErrUnknownResource = errors.New("unknown resource")
)

// ResourceFailedError records why a resource contributed nothing to a run.
type ResourceFailedError struct {
	Resource string
	Attempts int
	Cause    error
}

func (e *ResourceFailedError) Error() string {
	return fmt.Sprintf("resource %s failed after %d attempt(s): %v", e.Resource, e.Attempts, e.Cause)
}

func (e *ResourceFailedError) Unwrap() error {
	return e.Cause
}

type Fetcher interface {
	Resources() []gateway.ResourceSpec
	FetchCollection(ctx context.Context, spec gateway.ResourceSpec) iter.Seq2[gateway.ExternalRecord, error]
}

type Catalog interface {
	Upsert(e catalog.Entity) (bool, error)
	RecordRun(run catalog.SyncRun) error
}

type SyncerOptions struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Mappers overrides or extends the built-in mapper for a source and kind.
	Mappers map[string]Mapper
	Logger  *zap.Logger
	Now     func() time.Time
}

type Syncer struct {
	fetcher    Fetcher
	store      Catalog
	mappers    map[mapperKey]Mapper
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     *zap.Logger
	now        func() time.Time
	running    atomic.Bool
}

// MapperName is the key used in SyncerOptions.Mappers.
func MapperName(source string, kind catalog.EntityKind) string {
	return strings.TrimSpace(source) + "/" + string(kind)
}

func NewSyncer(fetcher Fetcher, store Catalog, opts SyncerOptions) (*Syncer, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if store == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	mappers := defaultMappers()
	for name, mapper := range opts.Mappers {
		source, kind, ok := strings.Cut(name, "/")
		if !ok || mapper == nil {
			return nil, fmt.Errorf("invalid mapper key %q", name)
		}
		mappers[mapperKey{source: source, kind: catalog.EntityKind(kind)}] = mapper
	}
	for _, spec := range fetcher.Resources() {
		if _, ok := mappers[mapperKey{source: spec.Source, kind: spec.Kind}]; !ok {
			return nil, fmt.Errorf("no mapper for resource %q (%s)", spec.Name, MapperName(spec.Source, spec.Kind))
		}
	}
	return &Syncer{
		fetcher:    fetcher,
		store:      store,
		mappers:    mappers,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		logger:     logger,
		now:        now,
	}, nil
}

// Running reports whether a sync pass currently holds the guard.
func (s *Syncer) Running() bool {
	return s.running.Load()
}

func (s *Syncer) tryAcquire() bool {
	return s.running.CompareAndSwap(false, true)
}

func (s *Syncer) release() {
	s.running.Store(false)
}

// RunSync performs one pass over the requested resources, or every
// configured resource when none are named. Resource failures are recorded in
// the returned run; the error is reserved for requests that never started.
func (s *Syncer) RunSync(ctx context.Context, resources []string) (catalog.SyncRun, error) {
	specs, err := s.selectResources(resources)
	if err != nil {
		return catalog.SyncRun{}, err
	}
	if !s.tryAcquire() {
		return catalog.SyncRun{}, ErrAlreadyRunning
	}
	defer s.release()

	run := catalog.SyncRun{
		ID:          uuid.NewString(),
		StartedAt:   s.now(),
		Resources:   make([]string, 0, len(specs)),
		PerResource: make(map[string]catalog.ResourceStats, len(specs)),
	}
	logger := s.logger.With(zap.String("runId", run.ID))
	logger.Info("sync started", zap.Int("resources", len(specs)))

	for _, spec := range specs {
		run.Resources = append(run.Resources, spec.Name)
		run.PerResource[spec.Name] = s.syncResource(ctx, logger, spec)
	}

	run.CompletedAt = s.now()
	run.Status = terminalStatus(run)
	if err := s.store.RecordRun(run); err != nil {
		logger.Error("failed to record sync run", zap.Error(err))
	}
	logger.Info("sync completed",
		zap.String("status", string(run.Status)),
		zap.Duration("elapsed", run.CompletedAt.Sub(run.StartedAt)),
	)
	return run.Clone(), nil
}

func (s *Syncer) selectResources(names []string) ([]gateway.ResourceSpec, error) {
	configured := s.fetcher.Resources()
	if len(names) == 0 {
		return configured, nil
	}
	wanted := map[string]struct{}{}
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		found := false
		for _, spec := range configured {
			if spec.Name == name {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: %s", ErrUnknownResource, name)
		}
		wanted[name] = struct{}{}
	}
	if len(wanted) == 0 {
		return configured, nil
	}
	out := make([]gateway.ResourceSpec, 0, len(wanted))
	for _, spec := range configured {
		if _, ok := wanted[spec.Name]; ok {
			out = append(out, spec)
		}
	}
	return out, nil
}

func (s *Syncer) syncResource(ctx context.Context, logger *zap.Logger, spec gateway.ResourceSpec) catalog.ResourceStats {
	logger = logger.With(zap.String("resource", spec.Name), zap.String("source", spec.Source))
	var stats catalog.ResourceStats

	records, attempts, err := s.fetchWithRetry(ctx, logger, spec)
	if err != nil {
		failed := &ResourceFailedError{Resource: spec.Name, Attempts: attempts, Cause: err}
		logger.Warn("resource fetch failed; keeping stored rows", zap.Error(failed))
		stats.Failed = 1
		stats.Error = err.Error()
		return stats
	}
	stats.Fetched = len(records)

	mapper := s.mappers[mapperKey{source: spec.Source, kind: spec.Kind}]
	for _, record := range records {
		entity, err := mapper(record)
		if err != nil {
			stats.Skipped++
			logger.Debug("record skipped", zap.String("externalId", record.ExternalID), zap.Error(err))
			continue
		}
		changed, err := s.store.Upsert(entity)
		if err != nil {
			failed := &ResourceFailedError{Resource: spec.Name, Attempts: attempts, Cause: err}
			logger.Error("catalog write failed; abandoning resource", zap.Error(failed))
			stats.Failed = 1
			stats.Error = err.Error()
			return stats
		}
		if changed {
			stats.Upserted++
		}
	}
	logger.Info("resource synced",
		zap.Int("fetched", stats.Fetched),
		zap.Int("upserted", stats.Upserted),
		zap.Int("skipped", stats.Skipped),
	)
	return stats
}

// fetchWithRetry buffers the whole collection so that nothing is written for
// a resource whose fetch did not complete.
func (s *Syncer) fetchWithRetry(ctx context.Context, logger *zap.Logger, spec gateway.ResourceSpec) ([]gateway.ExternalRecord, int, error) {
	for attempt := 0; ; attempt++ {
		records, err := drain(s.fetcher.FetchCollection(ctx, spec))
		if err == nil {
			return records, attempt + 1, nil
		}
		if ctx.Err() != nil {
			return nil, attempt + 1, err
		}
		if !gateway.Retryable(err) || attempt >= s.maxRetries {
			return nil, attempt + 1, err
		}
		delay := s.retryDelay(attempt+1, gateway.RetryAfter(err))
		logger.Info("retrying resource fetch",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if waitErr := waitWithContext(ctx, delay); waitErr != nil {
			return nil, attempt + 1, err
		}
	}
}

func drain(seq iter.Seq2[gateway.ExternalRecord, error]) ([]gateway.ExternalRecord, error) {
	var records []gateway.ExternalRecord
	for record, err := range seq {
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func (s *Syncer) retryDelay(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		if retryAfter > s.maxDelay {
			return s.maxDelay
		}
		return retryAfter
	}
	delay := s.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= s.maxDelay {
			return s.maxDelay
		}
	}
	if delay > s.maxDelay {
		return s.maxDelay
	}
	return delay
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func terminalStatus(run catalog.SyncRun) catalog.RunStatus {
	failed := 0
	for _, stats := range run.PerResource {
		if stats.Failed > 0 {
			failed++
		}
	}
	switch {
	case failed == 0:
		return catalog.RunSuccess
	case failed == len(run.PerResource):
		return catalog.RunTotalFailure
	default:
		return catalog.RunPartialFailure
	}
}
