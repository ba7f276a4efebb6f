package journal

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/gpuctl/internal/gpu"
	"codeberg.org/mutker/gpuctl/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T, path string) Journal {
	t.Helper()
	j, err := New(Config{Enabled: true, Path: path}, logger.Nop())
	require.NoError(t, err)
	return j
}

func TestRecordAndQuery(t *testing.T) {
	ctx := context.Background()
	j := openTest(t, filepath.Join(t.TempDir(), "journal.db"))
	defer j.Close()

	_, ok, err := j.Last(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	profile := gpu.ClockProfile{CoreOffsetMHz: 100, PowerLimitW: 220}
	require.NoError(t, j.Record(ctx, Entry{
		Time: base, Device: "a", PendingID: "p1", Source: SourceClient,
		Outcome: OutcomeProposed, Profile: &profile,
	}))
	require.NoError(t, j.Record(ctx, Entry{
		Time: base.Add(time.Second), Device: "b", Source: SourceClient, Outcome: OutcomeReset,
	}))
	require.NoError(t, j.Record(ctx, Entry{
		Time: base.Add(2 * time.Second), Device: "a", PendingID: "p1", Source: SourceClient,
		Outcome: OutcomeConfirmed, Detail: "confirmed by client",
	}))

	last, ok, err := j.Last(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, OutcomeConfirmed, last.Outcome)
	assert.Equal(t, "confirmed by client", last.Detail)
	assert.True(t, last.Time.Equal(base.Add(2*time.Second)))
	assert.Nil(t, last.Profile)

	recent, err := j.Recent(ctx, "a", 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, OutcomeProposed, recent[1].Outcome)
	require.NotNil(t, recent[1].Profile)
	assert.Equal(t, profile, *recent[1].Profile)

	all, err := j.Recent(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, gpu.DeviceID("a"), all[0].Device)
	assert.Equal(t, gpu.DeviceID("b"), all[1].Device)
}

func TestEntriesSurviveReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "journal.db")

	j := openTest(t, path)
	require.NoError(t, j.Record(ctx, Entry{Device: "a", PendingID: "p", Source: SourceStartup, Outcome: OutcomeProposed}))
	require.NoError(t, j.Close())

	j = openTest(t, path)
	defer j.Close()
	last, ok, err := j.Last(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, SourceStartup, last.Source)
	assert.False(t, last.Outcome.Resolved())
}

func TestSchemaMismatchBacksUpAndRecreates(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.db")

	j := openTest(t, path)
	require.NoError(t, j.Record(ctx, Entry{Device: "a", Source: SourceClient, Outcome: OutcomeReset}))
	require.NoError(t, j.Close())

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE schema_versions SET version = ?`, SchemaVersion+1)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	j = openTest(t, path)
	defer j.Close()

	entries, err := j.Recent(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)

	backups, err := os.ReadDir(filepath.Join(dir, "backups"))
	require.NoError(t, err)
	assert.Len(t, backups, 1)
}

func TestDisabledJournalIsNoop(t *testing.T) {
	j, err := New(Config{Enabled: false}, logger.Nop())
	require.NoError(t, err)

	require.NoError(t, j.Record(context.Background(), Entry{Device: "a"}))
	_, ok, err := j.Last(context.Background(), "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEnabledJournalNeedsPath(t *testing.T) {
	_, err := New(Config{Enabled: true}, logger.Nop())
	assert.Error(t, err)
}
