package datasync

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/orbital/internal/catalog"
	"github.com/agentworkforce/orbital/internal/gateway"
)

var ErrValidation = errors.New("validation failed")

// ValidationError marks a record that cannot become a canonical entity.
// Such records are skipped; they never fail the resource.
type ValidationError struct {
	Resource   string
	ExternalID string
	Field      string
	Reason     string
}

func (e *ValidationError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "missing"
	}
	if e.ExternalID == "" {
		return fmt.Sprintf("%s record: field %s %s", e.Resource, e.Field, reason)
	}
	return fmt.Sprintf("%s record %s: field %s %s", e.Resource, e.ExternalID, e.Field, reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Mapper turns one raw record into a canonical entity.
type Mapper func(record gateway.ExternalRecord) (catalog.Entity, error)

type mapperKey struct {
	source string
	kind   catalog.EntityKind
}

func defaultMappers() map[mapperKey]Mapper {
	return map[mapperKey]Mapper{
		{source: gateway.SourceSpaceX, kind: catalog.KindLaunch}: mapSpaceXLaunch,
		{source: gateway.SourceSpaceX, kind: catalog.KindRocket}: mapSpaceXRocket,
		{source: gateway.SourceNASA, kind: catalog.KindMission}:  mapTechPortProject,
	}
}

type spacexLaunchPayload struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	DateUTC      string            `json:"date_utc"`
	Success      *bool             `json:"success"`
	Upcoming     bool              `json:"upcoming"`
	Details      *string           `json:"details"`
	Rocket       string            `json:"rocket"`
	Launchpad    string            `json:"launchpad"`
	Crew         []json.RawMessage `json:"crew"`
	FlightNumber int               `json:"flight_number"`
}

type spacexRocketPayload struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Type           string  `json:"type"`
	Active         bool    `json:"active"`
	Stages         int     `json:"stages"`
	Boosters       int     `json:"boosters"`
	CostPerLaunch  float64 `json:"cost_per_launch"`
	SuccessRatePct float64 `json:"success_rate_pct"`
	FirstFlight    string  `json:"first_flight"`
	Country        string  `json:"country"`
	Company        string  `json:"company"`
	Height         struct {
		Meters float64 `json:"meters"`
	} `json:"height"`
	Diameter struct {
		Meters float64 `json:"meters"`
	} `json:"diameter"`
	Mass struct {
		Kg float64 `json:"kg"`
	} `json:"mass"`
	Description string `json:"description"`
}

type techportProjectPayload struct {
	ProjectID         json.Number     `json:"projectId"`
	Title             string          `json:"title"`
	Description       string          `json:"description"`
	Benefits          string          `json:"benefits"`
	StatusDescription string          `json:"statusDescription"`
	StartDateString   string          `json:"startDateString"`
	StartDate         string          `json:"startDate"`
	EndDateString     string          `json:"endDateString"`
	EndDate           string          `json:"endDate"`
	Program           json.RawMessage `json:"program"`
}

func decodePayload(record gateway.ExternalRecord, out any) error {
	if err := json.Unmarshal(record.Raw, out); err != nil {
		return &ValidationError{
			Resource:   record.ResourceType,
			ExternalID: record.ExternalID,
			Field:      "payload",
			Reason:     "undecodable: " + err.Error(),
		}
	}
	return nil
}

func mapSpaceXLaunch(record gateway.ExternalRecord) (catalog.Entity, error) {
	var p spacexLaunchPayload
	if err := decodePayload(record, &p); err != nil {
		return nil, err
	}
	invalid := func(field, reason string) error {
		return &ValidationError{Resource: record.ResourceType, ExternalID: p.ID, Field: field, Reason: reason}
	}
	if strings.TrimSpace(p.ID) == "" {
		return nil, invalid("id", "")
	}
	if strings.TrimSpace(p.Name) == "" {
		return nil, invalid("name", "")
	}
	if strings.TrimSpace(p.DateUTC) == "" {
		return nil, invalid("date_utc", "")
	}
	date, err := parseTimestamp(p.DateUTC)
	if err != nil {
		return nil, invalid("date_utc", "unparseable")
	}
	launch := catalog.Launch{
		Meta:         metaFor(gateway.SourceSpaceX, p.ID),
		Name:         strings.TrimSpace(p.Name),
		Date:         date,
		Success:      p.Success,
		Upcoming:     p.Upcoming,
		Launchpad:    p.Launchpad,
		Crew:         crewIDs(p.Crew),
		FlightNumber: p.FlightNumber,
	}
	if p.Details != nil {
		launch.Details = strings.TrimSpace(*p.Details)
	}
	if rocket := strings.TrimSpace(p.Rocket); rocket != "" {
		launch.RocketID = catalog.NaturalID(gateway.SourceSpaceX, rocket)
	}
	return launch, nil
}

// crewIDs accepts both the bare id list and the {crew, role} object form.
func crewIDs(raw []json.RawMessage) []string {
	var out []string
	for _, item := range raw {
		var id string
		if json.Unmarshal(item, &id) == nil {
			if id = strings.TrimSpace(id); id != "" {
				out = append(out, id)
			}
			continue
		}
		var member struct {
			Crew string `json:"crew"`
		}
		if json.Unmarshal(item, &member) == nil && strings.TrimSpace(member.Crew) != "" {
			out = append(out, strings.TrimSpace(member.Crew))
		}
	}
	return out
}

func mapSpaceXRocket(record gateway.ExternalRecord) (catalog.Entity, error) {
	var p spacexRocketPayload
	if err := decodePayload(record, &p); err != nil {
		return nil, err
	}
	invalid := func(field, reason string) error {
		return &ValidationError{Resource: record.ResourceType, ExternalID: p.ID, Field: field, Reason: reason}
	}
	if strings.TrimSpace(p.ID) == "" {
		return nil, invalid("id", "")
	}
	if strings.TrimSpace(p.Name) == "" {
		return nil, invalid("name", "")
	}
	if strings.TrimSpace(p.FirstFlight) == "" {
		return nil, invalid("first_flight", "")
	}
	firstFlight, err := parseTimestamp(p.FirstFlight)
	if err != nil {
		return nil, invalid("first_flight", "unparseable")
	}
	return catalog.Rocket{
		Meta:           metaFor(gateway.SourceSpaceX, p.ID),
		Name:           strings.TrimSpace(p.Name),
		Type:           strings.TrimSpace(p.Type),
		Active:         p.Active,
		Stages:         p.Stages,
		Boosters:       p.Boosters,
		CostPerLaunch:  p.CostPerLaunch,
		SuccessRatePct: p.SuccessRatePct,
		FirstFlight:    firstFlight,
		Country:        p.Country,
		Company:        p.Company,
		HeightMeters:   p.Height.Meters,
		DiameterMeters: p.Diameter.Meters,
		MassKg:         p.Mass.Kg,
		Description:    strings.TrimSpace(p.Description),
	}, nil
}

func mapTechPortProject(record gateway.ExternalRecord) (catalog.Entity, error) {
	var p techportProjectPayload
	if err := decodePayload(record, &p); err != nil {
		return nil, err
	}
	id := strings.TrimSpace(p.ProjectID.String())
	invalid := func(field, reason string) error {
		return &ValidationError{Resource: record.ResourceType, ExternalID: id, Field: field, Reason: reason}
	}
	if id == "" {
		return nil, invalid("projectId", "")
	}
	if strings.TrimSpace(p.Title) == "" {
		return nil, invalid("title", "")
	}
	startRaw := firstNonEmpty(p.StartDateString, p.StartDate)
	if startRaw == "" {
		return nil, invalid("startDateString", "")
	}
	start, err := parseTimestamp(startRaw)
	if err != nil {
		return nil, invalid("startDateString", "unparseable")
	}
	mission := catalog.Mission{
		Meta:        metaFor(gateway.SourceNASA, id),
		Name:        strings.TrimSpace(p.Title),
		Description: strings.TrimSpace(p.Description),
		StartDate:   start,
		Status:      strings.TrimSpace(p.StatusDescription),
		Program:     programTitle(p.Program),
	}
	if endRaw := firstNonEmpty(p.EndDateString, p.EndDate); endRaw != "" {
		end, err := parseTimestamp(endRaw)
		if err != nil {
			return nil, invalid("endDateString", "unparseable")
		}
		mission.EndDate = &end
	}
	if benefits := strings.TrimSpace(p.Benefits); benefits != "" {
		mission.Objectives = []string{benefits}
	}
	return mission, nil
}

// programTitle accepts the program as either a plain string or an object
// carrying a title.
func programTitle(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var name string
	if json.Unmarshal(raw, &name) == nil {
		return strings.TrimSpace(name)
	}
	var program struct {
		Title   string `json:"title"`
		Acronym string `json:"acronym"`
	}
	if json.Unmarshal(raw, &program) == nil {
		return strings.TrimSpace(firstNonEmpty(program.Title, program.Acronym))
	}
	return ""
}

func metaFor(source, externalID string) catalog.Meta {
	externalID = strings.TrimSpace(externalID)
	return catalog.Meta{
		ID:         catalog.NaturalID(source, externalID),
		Source:     source,
		ExternalID: externalID,
	}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000Z",
	"2006-01-02",
	"2006-01",
	"Jan 2006",
	"January 2006",
}

func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", raw)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
