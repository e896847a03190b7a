package catalog

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *fixedClock {
	return &fixedClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func boolPtr(v bool) *bool { return &v }

func sampleLaunch(externalID, name string, date time.Time) Launch {
	return Launch{
		Meta:    Meta{ID: NaturalID("spacex", externalID), Source: "spacex", ExternalID: externalID},
		Name:    name,
		Date:    date,
		Success: boolPtr(true),
		Crew:    []string{"crew-a"},
	}
}

func TestUpsertIsIdempotentForUnchangedPayload(t *testing.T) {
	clock := newClock()
	store := NewStoreWithOptions(StoreOptions{Logger: zaptest.NewLogger(t), Now: clock.Now})
	defer store.Close()

	launch := sampleLaunch("l1", "Starlink 1", time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC))
	changed, err := store.Upsert(launch)
	require.NoError(t, err)
	require.True(t, changed)
	require.EqualValues(t, 1, store.Writes())

	first, err := store.GetLaunch(launch.ID)
	require.NoError(t, err)
	require.NotEmpty(t, first.PayloadHash)
	require.Equal(t, clock.Now(), first.LastSyncedAt)

	clock.Advance(time.Hour)
	changed, err = store.Upsert(launch)
	require.NoError(t, err)
	require.False(t, changed)
	require.EqualValues(t, 1, store.Writes())

	second, err := store.GetLaunch(launch.ID)
	require.NoError(t, err)
	require.Equal(t, first.LastSyncedAt, second.LastSyncedAt)
	require.Equal(t, first.PayloadHash, second.PayloadHash)
}

func TestUpsertRewritesWhenContentChanges(t *testing.T) {
	clock := newClock()
	store := NewStoreWithOptions(StoreOptions{Now: clock.Now})
	defer store.Close()

	launch := sampleLaunch("l1", "Starlink 1", time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC))
	_, err := store.Upsert(launch)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	launch.Details = "scrubbed once for weather"
	changed, err := store.Upsert(launch)
	require.NoError(t, err)
	require.True(t, changed)
	require.EqualValues(t, 2, store.Writes())

	got, err := store.GetLaunch(launch.ID)
	require.NoError(t, err)
	require.Equal(t, "scrubbed once for weather", got.Details)
	require.Equal(t, clock.Now(), got.LastSyncedAt)
	require.Len(t, store.Snapshot().Launches, 1)
}

func TestUpsertDerivesIDFromNaturalKey(t *testing.T) {
	store := NewStore()
	defer store.Close()

	_, err := store.Upsert(Rocket{Meta: Meta{Source: "spacex", ExternalID: "r9"}, Name: "Falcon 9", Type: "rocket"})
	require.NoError(t, err)
	got, err := store.GetRocket("spacex:r9")
	require.NoError(t, err)
	require.Equal(t, "Falcon 9", got.Name)

	_, err = store.Upsert(Rocket{Name: "nameless"})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestContentHashIgnoresSyncBookkeeping(t *testing.T) {
	a := sampleLaunch("l1", "Crew-7", time.Date(2023, 8, 26, 0, 0, 0, 0, time.UTC))
	b := a
	b.LastSyncedAt = time.Now()
	b.PayloadHash = "stale"

	ha, err := ContentHash(a)
	require.NoError(t, err)
	hb, err := ContentHash(b)
	require.NoError(t, err)
	require.Equal(t, ha, hb)

	b.Name = "Crew-8"
	hc, err := ContentHash(b)
	require.NoError(t, err)
	require.NotEqual(t, ha, hc)
}

func TestSnapshotIsSortedAndDetached(t *testing.T) {
	store := NewStore()
	defer store.Close()

	for _, id := range []string{"c", "a", "b"} {
		_, err := store.Upsert(sampleLaunch(id, "launch "+id, time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)))
		require.NoError(t, err)
	}
	snap := store.Snapshot()
	ids := make([]string, 0, len(snap.Launches))
	for _, l := range snap.Launches {
		ids = append(ids, l.ID)
	}
	if diff := cmp.Diff([]string{"spacex:a", "spacex:b", "spacex:c"}, ids); diff != "" {
		t.Fatalf("unexpected order (-want +got):\n%s", diff)
	}

	snap.Launches[0].Crew[0] = "mutated"
	*snap.Launches[0].Success = false
	again, err := store.GetLaunch("spacex:a")
	require.NoError(t, err)
	require.Equal(t, "crew-a", again.Crew[0])
	require.True(t, *again.Success)
}

func TestGetMissingEntityReturnsNotFound(t *testing.T) {
	store := NewStore()
	defer store.Close()

	_, err := store.GetLaunch("spacex:none")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetRocket("spacex:none")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetMission("nasa:none")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetRun("nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func sealedRun(id string, started time.Time, status RunStatus) SyncRun {
	return SyncRun{
		ID:          id,
		StartedAt:   started,
		CompletedAt: started.Add(time.Second),
		Resources:   []string{"launches"},
		PerResource: map[string]ResourceStats{"launches": {Fetched: 1, Upserted: 1}},
		Status:      status,
	}
}

func TestRecordRunRetainsNewestFirstWithinBound(t *testing.T) {
	store := NewStoreWithOptions(StoreOptions{MaxRuns: 2})
	defer store.Close()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.RecordRun(sealedRun("r1", base, RunSuccess)))
	require.NoError(t, store.RecordRun(sealedRun("r2", base.Add(time.Minute), RunPartialFailure)))
	require.NoError(t, store.RecordRun(sealedRun("r3", base.Add(2*time.Minute), RunTotalFailure)))

	runs := store.ListRuns(0)
	require.Len(t, runs, 2)
	require.Equal(t, "r3", runs[0].ID)
	require.Equal(t, "r2", runs[1].ID)
	require.Len(t, store.ListRuns(1), 1)

	_, err := store.GetRun("r1")
	require.ErrorIs(t, err, ErrNotFound)

	got, err := store.GetRun("r2")
	require.NoError(t, err)
	got.PerResource["launches"] = ResourceStats{Failed: 9}
	again, err := store.GetRun("r2")
	require.NoError(t, err)
	require.Equal(t, 1, again.PerResource["launches"].Upserted)
}

func TestRecordRunRejectsUnsealedRun(t *testing.T) {
	store := NewStore()
	defer store.Close()

	err := store.RecordRun(SyncRun{ID: "open", StartedAt: time.Now()})
	require.ErrorIs(t, err, ErrInvalidInput)
	require.Empty(t, store.ListRuns(10))
}

type failingBackend struct {
	*InMemoryStateBackend
}

func (failingBackend) PutEntity(Entity) error { return errors.New("disk full") }

func TestUpsertDoesNotUpdateViewWhenBackendFails(t *testing.T) {
	store := NewStoreWithOptions(StoreOptions{StateBackend: failingBackend{NewInMemoryStateBackend()}})
	defer store.Close()

	_, err := store.Upsert(sampleLaunch("l1", "Starlink", time.Now()))
	require.Error(t, err)
	require.Contains(t, err.Error(), "disk full")
	require.Zero(t, store.Writes())
	require.Empty(t, store.Snapshot().Launches)
}

func TestStoreReloadsFromFileBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "catalog.json")
	store := NewStoreWithOptions(StoreOptions{StateFile: path})
	end := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := store.Upsert(Mission{
		Meta:      Meta{ID: "nasa:m1", Source: "nasa", ExternalID: "m1"},
		Name:      "Artemis II",
		StartDate: time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   &end,
	})
	require.NoError(t, err)
	require.NoError(t, store.RecordRun(sealedRun("r1", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), RunSuccess)))
	store.Close()

	reopened := NewStoreWithOptions(StoreOptions{StateFile: path})
	defer reopened.Close()
	mission, err := reopened.GetMission("nasa:m1")
	require.NoError(t, err)
	require.Equal(t, "Artemis II", mission.Name)
	require.True(t, end.Equal(*mission.EndDate))
	require.Len(t, reopened.ListRuns(10), 1)

	_, err = reopened.Upsert(Mission{
		Meta:      Meta{ID: "nasa:m1", Source: "nasa", ExternalID: "m1"},
		Name:      "Artemis II",
		StartDate: time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   &end,
	})
	require.NoError(t, err)
	require.Zero(t, reopened.Writes())
}

func TestClosedStoreRejectsWrites(t *testing.T) {
	store := NewStore()
	store.Close()
	store.Close()

	_, err := store.Upsert(sampleLaunch("l1", "late", time.Now()))
	require.ErrorIs(t, err, ErrClosed)
}
