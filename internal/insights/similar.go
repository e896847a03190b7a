package insights

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/agentworkforce/orbital/internal/catalog"
)

// DefaultSimilarLimit caps each similarity list when the caller passes 0.
const DefaultSimilarLimit = 5

// SimilarLaunches returns launches flown on the same rocket as target,
// nearest in date first. A launch without a rocket reference has no peers.
func SimilarLaunches(snap catalog.Snapshot, target catalog.Launch, limit int) []catalog.Launch {
	out := []catalog.Launch{}
	if target.RocketID == "" {
		return out
	}
	for _, l := range snap.Launches {
		if l.ID != target.ID && l.RocketID == target.RocketID {
			out = append(out, l)
		}
	}
	sortByDistance(out, func(l catalog.Launch) (float64, string) {
		return dateDistance(l.Date, target.Date), l.ID
	})
	return capped(out, limit)
}

// SimilarRockets returns rockets of the same type as target, closest success
// rate first.
func SimilarRockets(snap catalog.Snapshot, target catalog.Rocket, limit int) []catalog.Rocket {
	out := []catalog.Rocket{}
	kind := normalize(target.Type)
	if kind == "" {
		return out
	}
	for _, r := range snap.Rockets {
		if r.ID != target.ID && normalize(r.Type) == kind {
			out = append(out, r)
		}
	}
	sortByDistance(out, func(r catalog.Rocket) (float64, string) {
		return math.Abs(r.SuccessRatePct - target.SuccessRatePct), r.ID
	})
	return capped(out, limit)
}

// SimilarMissions returns missions in the same program as target, nearest
// start date first.
func SimilarMissions(snap catalog.Snapshot, target catalog.Mission, limit int) []catalog.Mission {
	out := []catalog.Mission{}
	program := normalize(target.Program)
	if program == "" {
		return out
	}
	for _, m := range snap.Missions {
		if m.ID != target.ID && normalize(m.Program) == program {
			out = append(out, m)
		}
	}
	sortByDistance(out, func(m catalog.Mission) (float64, string) {
		return dateDistance(m.StartDate, target.StartDate), m.ID
	})
	return capped(out, limit)
}

func sortByDistance[T any](items []T, key func(T) (float64, string)) {
	sort.SliceStable(items, func(i, j int) bool {
		di, idi := key(items[i])
		dj, idj := key(items[j])
		if di != dj {
			return di < dj
		}
		return idi < idj
	})
}

func dateDistance(a, b time.Time) float64 {
	if a.IsZero() || b.IsZero() {
		return math.MaxFloat64
	}
	return math.Abs(a.Sub(b).Hours())
}

func capped[T any](items []T, limit int) []T {
	if limit <= 0 {
		limit = DefaultSimilarLimit
	}
	if len(items) > limit {
		return items[:limit]
	}
	return items
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
