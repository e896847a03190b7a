package insights

import (
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/orbital/internal/catalog"
)

// Stats aggregates the catalog at a point in time.
type Stats struct {
	TotalLaunches      int     `json:"totalLaunches"`
	SuccessfulLaunches int     `json:"successfulLaunches"`
	SuccessRate        float64 `json:"successRate"`
	UpcomingLaunches   int     `json:"upcomingLaunches"`
	TotalRockets       int     `json:"totalRockets"`
	ActiveRockets      int     `json:"activeRockets"`
	TotalMissions      int     `json:"totalMissions"`
	UpcomingMissions   int     `json:"upcomingMissions"`
	ComputedAt         string  `json:"computedAt"`
}

// Compute derives Stats from a snapshot. SuccessRate is the fraction of
// successful launches in [0, 1] and is exactly 0 for an empty launch set.
func Compute(snap catalog.Snapshot, now time.Time) Stats {
	stats := Stats{
		TotalLaunches: len(snap.Launches),
		TotalRockets:  len(snap.Rockets),
		TotalMissions: len(snap.Missions),
		ComputedAt:    now.UTC().Format(time.RFC3339),
	}
	for _, l := range snap.Launches {
		if l.Success != nil && *l.Success {
			stats.SuccessfulLaunches++
		}
		if l.Upcoming {
			stats.UpcomingLaunches++
		}
	}
	for _, r := range snap.Rockets {
		if r.Active {
			stats.ActiveRockets++
		}
	}
	for _, m := range snap.Missions {
		if m.EndDate == nil || m.EndDate.After(now) {
			stats.UpcomingMissions++
		}
	}
	if stats.TotalLaunches > 0 {
		stats.SuccessRate = float64(stats.SuccessfulLaunches) / float64(stats.TotalLaunches)
	}
	return stats
}

type Insight struct {
	EntityType string   `json:"entityType"`
	EntityID   string   `json:"entityId"`
	Summary    string   `json:"summary"`
	KeyFacts   []string `json:"keyFacts"`
	Insights   string   `json:"insights"`
}

// ForLaunch summarises a launch. rocket may be nil when the launch references
// a rocket the catalog does not hold; the raw reference is shown instead.
func ForLaunch(l catalog.Launch, rocket *catalog.Rocket) Insight {
	rocketName := l.RocketID
	if rocket != nil && rocket.Name != "" {
		rocketName = rocket.Name
	}
	if rocketName == "" {
		rocketName = "unknown"
	}
	facts := []string{
		"Launch date: " + formatDate(l.Date),
		"Rocket: " + rocketName,
		"Status: " + launchStatus(l),
	}
	if l.FlightNumber > 0 {
		facts = append(facts, fmt.Sprintf("Flight number: %d", l.FlightNumber))
	}
	if len(l.Crew) > 0 {
		facts = append(facts, fmt.Sprintf("Crew: %d", len(l.Crew)))
	}

	var b strings.Builder
	switch launchStatus(l) {
	case "Successful":
		fmt.Fprintf(&b, "%s flew on %s and completed its mission.", l.Name, rocketName)
	case "Failed":
		fmt.Fprintf(&b, "%s flew on %s and did not complete its mission.", l.Name, rocketName)
	default:
		fmt.Fprintf(&b, "%s is assigned to %s; the outcome is not yet known.", l.Name, rocketName)
	}
	if rocket != nil && rocket.SuccessRatePct > 0 {
		fmt.Fprintf(&b, " %s has a %g%% success rate.", rocket.Name, rocket.SuccessRatePct)
	}
	return Insight{
		EntityType: "launch",
		EntityID:   l.ID,
		Summary:    fmt.Sprintf("Launch %s analysis", l.Name),
		KeyFacts:   facts,
		Insights:   b.String(),
	}
}

func ForRocket(r catalog.Rocket) Insight {
	facts := []string{
		"Type: " + orUnknown(r.Type),
		"Company: " + orUnknown(r.Company),
		fmt.Sprintf("Success rate: %g%%", r.SuccessRatePct),
	}
	if !r.FirstFlight.IsZero() {
		facts = append(facts, "First flight: "+formatDate(r.FirstFlight))
	}
	if r.CostPerLaunch > 0 {
		facts = append(facts, fmt.Sprintf("Cost per launch: $%.0f", r.CostPerLaunch))
	}
	state := "retired"
	if r.Active {
		state = "in active service"
	}
	return Insight{
		EntityType: "rocket",
		EntityID:   r.ID,
		Summary:    fmt.Sprintf("Rocket %s analysis", r.Name),
		KeyFacts:   facts,
		Insights:   fmt.Sprintf("%s is a %d-stage vehicle %s.", r.Name, r.Stages, state),
	}
}

func ForMission(m catalog.Mission, now time.Time) Insight {
	facts := []string{
		"Start date: " + formatDate(m.StartDate),
		fmt.Sprintf("Objectives: %d primary objectives", len(m.Objectives)),
	}
	if m.EndDate != nil {
		facts = append(facts, "End date: "+formatDate(*m.EndDate))
	}
	if m.Program != "" {
		facts = append(facts, "Program: "+m.Program)
	}
	text := fmt.Sprintf("%s is ongoing.", m.Name)
	if m.EndDate != nil && !m.EndDate.After(now) {
		text = fmt.Sprintf("%s concluded on %s.", m.Name, formatDate(*m.EndDate))
	}
	if m.Status != "" {
		text += " Reported status: " + m.Status + "."
	}
	return Insight{
		EntityType: "mission",
		EntityID:   m.ID,
		Summary:    fmt.Sprintf("Mission %s analysis", m.Name),
		KeyFacts:   facts,
		Insights:   text,
	}
}

func launchStatus(l catalog.Launch) string {
	switch {
	case l.Success == nil || l.Upcoming:
		return "Pending"
	case *l.Success:
		return "Successful"
	default:
		return "Failed"
	}
}

func formatDate(ts time.Time) string {
	if ts.IsZero() {
		return "unknown"
	}
	return ts.UTC().Format("2006-01-02")
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "unknown"
	}
	return s
}
