package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	ErrClosed         = errors.New("store is closed")
)

type EntityKind string

const (
	KindLaunch  EntityKind = "launches"
	KindRocket  EntityKind = "rockets"
	KindMission EntityKind = "missions"
)

func ParseEntityKind(raw string) (EntityKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "launch", "launches":
		return KindLaunch, nil
	case "rocket", "rockets":
		return KindRocket, nil
	case "mission", "missions":
		return KindMission, nil
	default:
		return "", fmt.Errorf("%w: unknown entity kind %q", ErrInvalidInput, raw)
	}
}

// Meta is the bookkeeping every canonical entity carries. ID is always
// Source + ":" + ExternalID.
type Meta struct {
	ID           string    `json:"id" msgpack:"id"`
	Source       string    `json:"source" msgpack:"source"`
	ExternalID   string    `json:"externalId" msgpack:"external_id"`
	LastSyncedAt time.Time `json:"lastSyncedAt" msgpack:"last_synced_at"`
	PayloadHash  string    `json:"payloadHash" msgpack:"payload_hash"`
}

func NaturalID(source, externalID string) string {
	return strings.TrimSpace(source) + ":" + strings.TrimSpace(externalID)
}

type Launch struct {
	Meta
	Name         string    `json:"name" msgpack:"name"`
	Date         time.Time `json:"date" msgpack:"date"`
	Success      *bool     `json:"success" msgpack:"success"`
	Upcoming     bool      `json:"upcoming" msgpack:"upcoming"`
	Details      string    `json:"details,omitempty" msgpack:"details"`
	RocketID     string    `json:"rocketId,omitempty" msgpack:"rocket_id"`
	Launchpad    string    `json:"launchpad,omitempty" msgpack:"launchpad"`
	Crew         []string  `json:"crew,omitempty" msgpack:"crew"`
	FlightNumber int       `json:"flightNumber,omitempty" msgpack:"flight_number"`
}

type Rocket struct {
	Meta
	Name           string    `json:"name" msgpack:"name"`
	Type           string    `json:"type" msgpack:"type"`
	Active         bool      `json:"active" msgpack:"active"`
	Stages         int       `json:"stages" msgpack:"stages"`
	Boosters       int       `json:"boosters" msgpack:"boosters"`
	CostPerLaunch  float64   `json:"costPerLaunch" msgpack:"cost_per_launch"`
	SuccessRatePct float64   `json:"successRatePct" msgpack:"success_rate_pct"`
	FirstFlight    time.Time `json:"firstFlight" msgpack:"first_flight"`
	Country        string    `json:"country,omitempty" msgpack:"country"`
	Company        string    `json:"company,omitempty" msgpack:"company"`
	HeightMeters   float64   `json:"heightMeters,omitempty" msgpack:"height_meters"`
	DiameterMeters float64   `json:"diameterMeters,omitempty" msgpack:"diameter_meters"`
	MassKg         float64   `json:"massKg,omitempty" msgpack:"mass_kg"`
	Description    string    `json:"description,omitempty" msgpack:"description"`
}

type Mission struct {
	Meta
	Name        string     `json:"name" msgpack:"name"`
	Description string     `json:"description" msgpack:"description"`
	StartDate   time.Time  `json:"startDate" msgpack:"start_date"`
	EndDate     *time.Time `json:"endDate" msgpack:"end_date"`
	Status      string     `json:"status,omitempty" msgpack:"status"`
	Program     string     `json:"program,omitempty" msgpack:"program"`
	Spacecraft  string     `json:"spacecraft,omitempty" msgpack:"spacecraft"`
	Objectives  []string   `json:"objectives,omitempty" msgpack:"objectives"`
}

// Entity is implemented by Launch, Rocket and Mission only.
type Entity interface {
	Kind() EntityKind
	Metadata() Meta
	withMeta(meta Meta) Entity
}

func (l Launch) Kind() EntityKind  { return KindLaunch }
func (r Rocket) Kind() EntityKind  { return KindRocket }
func (m Mission) Kind() EntityKind { return KindMission }

func (l Launch) Metadata() Meta  { return l.Meta }
func (r Rocket) Metadata() Meta  { return r.Meta }
func (m Mission) Metadata() Meta { return m.Meta }

func (l Launch) withMeta(meta Meta) Entity {
	l.Meta = meta
	return l
}

func (r Rocket) withMeta(meta Meta) Entity {
	r.Meta = meta
	return r
}

func (m Mission) withMeta(meta Meta) Entity {
	m.Meta = meta
	return m
}

// ContentHash hashes the canonical content of an entity. LastSyncedAt and
// PayloadHash are excluded so re-syncing identical data yields the same value.
func ContentHash(e Entity) (string, error) {
	if e == nil {
		return "", ErrInvalidInput
	}
	meta := e.Metadata()
	meta.LastSyncedAt = time.Time{}
	meta.PayloadHash = ""
	data, err := json.Marshal(e.withMeta(meta))
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func decodeEntity(kind EntityKind, data []byte, unmarshal func([]byte, any) error) (Entity, error) {
	switch kind {
	case KindLaunch:
		var out Launch
		if err := unmarshal(data, &out); err != nil {
			return nil, err
		}
		return out, nil
	case KindRocket:
		var out Rocket
		if err := unmarshal(data, &out); err != nil {
			return nil, err
		}
		return out, nil
	case KindMission:
		var out Mission
		if err := unmarshal(data, &out); err != nil {
			return nil, err
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown entity kind %q", ErrInvalidInput, kind)
	}
}

type RunStatus string

const (
	RunSuccess        RunStatus = "success"
	RunPartialFailure RunStatus = "partial_failure"
	RunTotalFailure   RunStatus = "total_failure"
)

type ResourceStats struct {
	Fetched  int    `json:"fetched" msgpack:"fetched"`
	Upserted int    `json:"upserted" msgpack:"upserted"`
	Skipped  int    `json:"skipped" msgpack:"skipped"`
	Failed   int    `json:"failed" msgpack:"failed"`
	Error    string `json:"error,omitempty" msgpack:"error"`
}

// SyncRun is sealed once CompletedAt is set; callers receive copies.
type SyncRun struct {
	ID          string                   `json:"id" msgpack:"id"`
	StartedAt   time.Time                `json:"startedAt" msgpack:"started_at"`
	CompletedAt time.Time                `json:"completedAt" msgpack:"completed_at"`
	Resources   []string                 `json:"resources" msgpack:"resources"`
	PerResource map[string]ResourceStats `json:"perResource" msgpack:"per_resource"`
	Status      RunStatus                `json:"status" msgpack:"status"`
}

func (r SyncRun) Clone() SyncRun {
	out := r
	out.Resources = append([]string(nil), r.Resources...)
	out.PerResource = make(map[string]ResourceStats, len(r.PerResource))
	for name, stats := range r.PerResource {
		out.PerResource[name] = stats
	}
	return out
}
