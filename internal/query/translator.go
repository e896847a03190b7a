package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/agentworkforce/orbital/internal/catalog"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrInvalidFilterRange = errors.New("invalid filter range")
	ErrInvalidFilter      = errors.New("invalid filter")
)

const (
	DefaultPageSize = 100
	minYearToken    = 1900
	maxYearToken    = 2199
)

// Filter holds the structured constraints of a search. Dates accept
// YYYY-MM-DD or RFC 3339; DateTo is inclusive of the whole day when given as
// a bare date.
type Filter struct {
	DateFrom    string `json:"dateFrom,omitempty"`
	DateTo      string `json:"dateTo,omitempty"`
	RocketType  string `json:"rocketType,omitempty"`
	SuccessOnly bool   `json:"successOnly,omitempty"`
}

type Result struct {
	Launches     []catalog.Launch  `json:"launches"`
	Rockets      []catalog.Rocket  `json:"rockets"`
	Missions     []catalog.Mission `json:"missions"`
	TotalResults int               `json:"totalResults"`
}

// Source supplies the point-in-time view searched by the translator.
type Source interface {
	Snapshot() catalog.Snapshot
}

type Options struct {
	PageSize int
	Logger   *zap.Logger
}

type Translator struct {
	source   Source
	pageSize int
	logger   *zap.Logger
}

func NewTranslator(source Source, opts Options) *Translator {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Translator{source: source, pageSize: pageSize, logger: logger}
}

type criteria struct {
	keywords    []string
	years       map[int]struct{}
	from        *time.Time
	to          *time.Time
	rocketType  string
	successOnly bool
}

// Search returns every record satisfying the filters, ranked by how many
// free-text keywords it matches. Identical inputs over identical store
// contents always produce identical output.
func (t *Translator) Search(ctx context.Context, freeText string, filter Filter) (Result, error) {
	c, err := compile(freeText, filter)
	if err != nil {
		return Result{}, err
	}
	snap := t.source.Snapshot()
	rocketTypes := make(map[string]string, len(snap.Rockets))
	for _, r := range snap.Rockets {
		rocketTypes[r.ID] = strings.ToLower(r.Type)
	}

	var result Result
	var g errgroup.Group
	g.Go(func() error {
		result.Launches = rankAndPage(snap.Launches, t.pageSize, func(l catalog.Launch) (bool, int, time.Time) {
			if c.successOnly && (l.Success == nil || !*l.Success) {
				return false, 0, l.Date
			}
			if c.rocketType != "" && rocketTypes[l.RocketID] != c.rocketType {
				return false, 0, l.Date
			}
			if !c.inRange(l.Date) {
				return false, 0, l.Date
			}
			return c.match(l.Date, l.Name, l.Details)
		}, func(l catalog.Launch) string { return l.ID })
		return nil
	})
	g.Go(func() error {
		result.Rockets = rankAndPage(snap.Rockets, t.pageSize, func(r catalog.Rocket) (bool, int, time.Time) {
			if c.rocketType != "" && strings.ToLower(r.Type) != c.rocketType {
				return false, 0, r.FirstFlight
			}
			if !c.inRange(r.FirstFlight) {
				return false, 0, r.FirstFlight
			}
			return c.match(r.FirstFlight, r.Name, r.Description, r.Company)
		}, func(r catalog.Rocket) string { return r.ID })
		return nil
	})
	g.Go(func() error {
		result.Missions = rankAndPage(snap.Missions, t.pageSize, func(m catalog.Mission) (bool, int, time.Time) {
			if !c.inRange(m.StartDate) {
				return false, 0, m.StartDate
			}
			return c.match(m.StartDate, m.Name, m.Description)
		}, func(m catalog.Mission) string { return m.ID })
		return nil
	})
	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	result.TotalResults = len(result.Launches) + len(result.Rockets) + len(result.Missions)
	t.logger.Debug("search completed",
		zap.Strings("keywords", c.keywords),
		zap.Int("launches", len(result.Launches)),
		zap.Int("rockets", len(result.Rockets)),
		zap.Int("missions", len(result.Missions)),
	)
	return result, nil
}

func compile(freeText string, filter Filter) (criteria, error) {
	c := criteria{
		rocketType:  strings.ToLower(strings.TrimSpace(filter.RocketType)),
		successOnly: filter.SuccessOnly,
	}
	from, err := parseFilterDate(filter.DateFrom, false)
	if err != nil {
		return criteria{}, fmt.Errorf("%w: dateFrom: %v", ErrInvalidFilter, err)
	}
	to, err := parseFilterDate(filter.DateTo, true)
	if err != nil {
		return criteria{}, fmt.Errorf("%w: dateTo: %v", ErrInvalidFilter, err)
	}
	if from != nil && to != nil && from.After(*to) {
		return criteria{}, fmt.Errorf("%w: dateFrom %s is after dateTo %s", ErrInvalidFilterRange, filter.DateFrom, filter.DateTo)
	}
	c.from, c.to = from, to

	for _, token := range Tokenize(freeText) {
		if year, ok := yearToken(token); ok {
			if c.years == nil {
				c.years = map[int]struct{}{}
			}
			c.years[year] = struct{}{}
			continue
		}
		c.keywords = append(c.keywords, token)
	}
	return c, nil
}

// Tokenize lowercases text and splits it on anything that is not a letter or
// digit. Duplicates are dropped; first-seen order is kept.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

func yearToken(token string) (int, bool) {
	if len(token) != 4 {
		return 0, false
	}
	year, err := strconv.Atoi(token)
	if err != nil || year < minYearToken || year > maxYearToken {
		return 0, false
	}
	return year, true
}

func parseFilterDate(raw string, endOfDay bool) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		ts = ts.UTC()
		return &ts, nil
	}
	ts, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, fmt.Errorf("unrecognised date %q", raw)
	}
	if endOfDay {
		ts = ts.Add(24*time.Hour - time.Nanosecond)
	}
	return &ts, nil
}

func (c criteria) inRange(ts time.Time) bool {
	if c.from == nil && c.to == nil && len(c.years) == 0 {
		return true
	}
	if ts.IsZero() {
		return false
	}
	if c.from != nil && ts.Before(*c.from) {
		return false
	}
	if c.to != nil && ts.After(*c.to) {
		return false
	}
	if len(c.years) > 0 {
		if _, ok := c.years[ts.UTC().Year()]; !ok {
			return false
		}
	}
	return true
}

// match reports whether the record satisfies the keyword set and its rank.
// With no keywords every record matches at rank 0.
func (c criteria) match(ts time.Time, fields ...string) (bool, int, time.Time) {
	if len(c.keywords) == 0 {
		return true, 0, ts
	}
	text := strings.ToLower(strings.Join(fields, "\n"))
	rank := 0
	for _, kw := range c.keywords {
		if strings.Contains(text, kw) {
			rank++
		}
	}
	return rank > 0, rank, ts
}

type ranked[T any] struct {
	item T
	rank int
	when time.Time
	id   string
}

func rankAndPage[T any](items []T, pageSize int, score func(T) (bool, int, time.Time), id func(T) string) []T {
	hits := make([]ranked[T], 0, len(items))
	for _, item := range items {
		ok, rank, when := score(item)
		if !ok {
			continue
		}
		hits = append(hits, ranked[T]{item: item, rank: rank, when: when, id: id(item)})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].rank != hits[j].rank {
			return hits[i].rank > hits[j].rank
		}
		if !hits[i].when.Equal(hits[j].when) {
			return hits[i].when.After(hits[j].when)
		}
		return hits[i].id < hits[j].id
	})
	if len(hits) > pageSize {
		hits = hits[:pageSize]
	}
	out := make([]T, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.item)
	}
	return out
}
