package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
)

const (
	SourceNASA                = "nasa"
	defaultNASABaseURL        = "https://api.nasa.gov"
	defaultNASAAPIKey         = "DEMO_KEY"
	defaultTechPortDetailSize = 10
)

type NASAOptions struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	UserAgent  string
	// DetailLimit caps how many project details are fetched per collection
	// pass. The TechPort listing only carries ids.
	DetailLimit int
}

// NASASource reads NASA TechPort. A collection pass lists project ids and
// then fetches each project's detail document.
type NASASource struct {
	transport   *transport
	detailLimit int
}

func NewNASASource(opts NASAOptions) *NASASource {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = defaultNASABaseURL
	}
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		apiKey = defaultNASAAPIKey
	}
	detailLimit := opts.DetailLimit
	if detailLimit <= 0 {
		detailLimit = defaultTechPortDetailSize
	}
	params := url.Values{}
	params.Set("api_key", apiKey)
	return &NASASource{
		transport:   newTransport(SourceNASA, baseURL, opts.HTTPClient, opts.UserAgent, params),
		detailLimit: detailLimit,
	}
}

func (s *NASASource) Name() string { return SourceNASA }

func (s *NASASource) FetchCollection(ctx context.Context, spec ResourceSpec) ([]ExternalRecord, error) {
	body, err := s.transport.get(ctx, spec.Path)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &UnreachableError{Source: SourceNASA, Cause: err}
		}
		return nil, err
	}
	if err := validatePayload(SourceNASA, schemaTechPortCollection, body); err != nil {
		return nil, err
	}
	var listing struct {
		Projects []struct {
			ProjectID json.Number `json:"projectId"`
		} `json:"projects"`
	}
	if err := json.Unmarshal(body, &listing); err != nil {
		return nil, newMalformedError(SourceNASA, body, err.Error())
	}

	records := make([]ExternalRecord, 0, min(len(listing.Projects), s.detailLimit))
	for _, project := range listing.Projects {
		if len(records) >= s.detailLimit {
			break
		}
		id := strings.TrimSpace(project.ProjectID.String())
		if id == "" {
			continue
		}
		record, err := s.FetchSingle(ctx, spec, id)
		if errors.Is(err, ErrNotFound) {
			// Listed but withdrawn between the two calls.
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func (s *NASASource) FetchSingle(ctx context.Context, spec ResourceSpec, externalID string) (ExternalRecord, error) {
	body, err := s.transport.get(ctx, spec.Path+"/"+url.PathEscape(externalID))
	if err != nil {
		return ExternalRecord{}, err
	}
	if err := validatePayload(SourceNASA, schemaTechPortProject, body); err != nil {
		return ExternalRecord{}, err
	}
	var detail struct {
		Project json.RawMessage `json:"project"`
	}
	if err := json.Unmarshal(body, &detail); err != nil {
		return ExternalRecord{}, newMalformedError(SourceNASA, body, err.Error())
	}
	var key struct {
		ProjectID json.Number `json:"projectId"`
	}
	if err := json.Unmarshal(detail.Project, &key); err != nil {
		return ExternalRecord{}, newMalformedError(SourceNASA, detail.Project, err.Error())
	}
	return ExternalRecord{
		Source:     SourceNASA,
		ExternalID: key.ProjectID.String(),
		Raw:        detail.Project,
	}, nil
}
