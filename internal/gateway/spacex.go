package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
)

const (
	SourceSpaceX         = "spacex"
	defaultSpaceXBaseURL = "https://api.spacexdata.com/v4"
)

type SpaceXOptions struct {
	BaseURL    string
	HTTPClient *http.Client
	UserAgent  string
}

// SpaceXSource reads the open SpaceX v4 API, whose collections are bare
// JSON arrays of documents keyed by "id".
type SpaceXSource struct {
	transport *transport
}

func NewSpaceXSource(opts SpaceXOptions) *SpaceXSource {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = defaultSpaceXBaseURL
	}
	return &SpaceXSource{transport: newTransport(SourceSpaceX, baseURL, opts.HTTPClient, opts.UserAgent, nil)}
}

func (s *SpaceXSource) Name() string { return SourceSpaceX }

func (s *SpaceXSource) FetchCollection(ctx context.Context, spec ResourceSpec) ([]ExternalRecord, error) {
	body, err := s.transport.get(ctx, spec.Path)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &UnreachableError{Source: SourceSpaceX, Cause: err}
		}
		return nil, err
	}
	if err := validatePayload(SourceSpaceX, schemaSpaceXCollection, body); err != nil {
		return nil, err
	}
	var docs []json.RawMessage
	if err := json.Unmarshal(body, &docs); err != nil {
		return nil, newMalformedError(SourceSpaceX, body, err.Error())
	}
	records := make([]ExternalRecord, 0, len(docs))
	for _, doc := range docs {
		record, err := spacexRecord(doc)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func (s *SpaceXSource) FetchSingle(ctx context.Context, spec ResourceSpec, externalID string) (ExternalRecord, error) {
	body, err := s.transport.get(ctx, spec.Path+"/"+url.PathEscape(externalID))
	if err != nil {
		return ExternalRecord{}, err
	}
	if err := validatePayload(SourceSpaceX, schemaSpaceXDocument, body); err != nil {
		return ExternalRecord{}, err
	}
	return spacexRecord(body)
}

// spacexRecord keys a document by its "id". A missing or non-string id
// leaves ExternalID empty so the record is rejected by its mapper, not here.
func spacexRecord(doc json.RawMessage) (ExternalRecord, error) {
	var key struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(doc, &key); err != nil {
		return ExternalRecord{}, newMalformedError(SourceSpaceX, doc, err.Error())
	}
	var id string
	if len(key.ID) > 0 {
		_ = json.Unmarshal(key.ID, &id)
	}
	return ExternalRecord{
		Source:     SourceSpaceX,
		ExternalID: id,
		Raw:        append(json.RawMessage(nil), doc...),
	}, nil
}
