package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/agentworkforce/orbital/internal/catalog"
	"go.uber.org/zap"
)

// ResourceSpec names one collection exposed by a source.
type ResourceSpec struct {
	Name   string             `json:"name"`
	Source string             `json:"source"`
	Kind   catalog.EntityKind `json:"kind"`
	Path   string             `json:"path"`
}

// ExternalRecord is one raw item as the source returned it.
type ExternalRecord struct {
	Source       string          `json:"source"`
	ResourceType string          `json:"resourceType"`
	ExternalID   string          `json:"externalId"`
	Raw          json.RawMessage `json:"raw"`
}

// Source adapts one third-party API. Implementations perform exactly one
// logical fetch per call and classify failures with the gateway error types.
type Source interface {
	Name() string
	FetchCollection(ctx context.Context, spec ResourceSpec) ([]ExternalRecord, error)
	FetchSingle(ctx context.Context, spec ResourceSpec, externalID string) (ExternalRecord, error)
}

func DefaultResources() []ResourceSpec {
	return []ResourceSpec{
		{Name: "launches", Source: SourceSpaceX, Kind: catalog.KindLaunch, Path: "/launches"},
		{Name: "rockets", Source: SourceSpaceX, Kind: catalog.KindRocket, Path: "/rockets"},
		{Name: "missions", Source: SourceNASA, Kind: catalog.KindMission, Path: "/techport/api/projects"},
	}
}

type Options struct {
	Sources   []Source
	Resources []ResourceSpec
	Logger    *zap.Logger
}

type Gateway struct {
	sources   map[string]Source
	resources []ResourceSpec
	logger    *zap.Logger
}

func New(opts Options) (*Gateway, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sources := make(map[string]Source, len(opts.Sources))
	for _, source := range opts.Sources {
		if source == nil || strings.TrimSpace(source.Name()) == "" {
			continue
		}
		sources[source.Name()] = source
	}
	resources := opts.Resources
	if len(resources) == 0 {
		resources = DefaultResources()
	}
	seen := map[string]struct{}{}
	out := make([]ResourceSpec, 0, len(resources))
	for _, spec := range resources {
		spec.Name = strings.TrimSpace(spec.Name)
		if spec.Name == "" {
			return nil, fmt.Errorf("%w: resource name is required", ErrUnknownResource)
		}
		if _, dup := seen[spec.Name]; dup {
			return nil, fmt.Errorf("duplicate resource %q", spec.Name)
		}
		if _, ok := sources[spec.Source]; !ok {
			return nil, fmt.Errorf("%w: %q for resource %q", ErrUnknownSource, spec.Source, spec.Name)
		}
		seen[spec.Name] = struct{}{}
		out = append(out, spec)
	}
	return &Gateway{sources: sources, resources: out, logger: logger}, nil
}

// Resources returns the configured resources in sync order.
func (g *Gateway) Resources() []ResourceSpec {
	return append([]ResourceSpec(nil), g.resources...)
}

func (g *Gateway) Resource(name string) (ResourceSpec, bool) {
	name = strings.TrimSpace(name)
	for _, spec := range g.resources {
		if spec.Name == name {
			return spec, true
		}
	}
	return ResourceSpec{}, false
}

// FetchCollection returns a lazy sequence over the resource's records. No
// request is made until the sequence is ranged over, and ranging again
// issues a fresh request. A failure is yielded once as the final element.
func (g *Gateway) FetchCollection(ctx context.Context, spec ResourceSpec) iter.Seq2[ExternalRecord, error] {
	return func(yield func(ExternalRecord, error) bool) {
		source, ok := g.sources[spec.Source]
		if !ok {
			yield(ExternalRecord{}, fmt.Errorf("%w: %q", ErrUnknownSource, spec.Source))
			return
		}
		started := time.Now()
		records, err := source.FetchCollection(ctx, spec)
		if err != nil {
			g.logger.Debug("collection fetch failed",
				zap.String("source", spec.Source),
				zap.String("resource", spec.Name),
				zap.Duration("elapsed", time.Since(started)),
				zap.Error(err),
			)
			yield(ExternalRecord{}, err)
			return
		}
		g.logger.Debug("collection fetched",
			zap.String("source", spec.Source),
			zap.String("resource", spec.Name),
			zap.Int("records", len(records)),
			zap.Duration("elapsed", time.Since(started)),
		)
		for _, record := range records {
			record.ResourceType = spec.Name
			if !yield(record, nil) {
				return
			}
		}
	}
}

func (g *Gateway) FetchSingle(ctx context.Context, spec ResourceSpec, externalID string) (ExternalRecord, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return ExternalRecord{}, fmt.Errorf("%w: empty external id", ErrNotFound)
	}
	source, ok := g.sources[spec.Source]
	if !ok {
		return ExternalRecord{}, fmt.Errorf("%w: %q", ErrUnknownSource, spec.Source)
	}
	record, err := source.FetchSingle(ctx, spec, externalID)
	if err != nil {
		return ExternalRecord{}, err
	}
	record.ResourceType = spec.Name
	return record, nil
}
