package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func openLedger(t *testing.T) (*JobLedger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger", "jobs.sqlite")
	l, err := NewJobLedger(path, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, path
}

func TestJobLedgerLifecycle(t *testing.T) {
	l, _ := openLedger(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, l.RecordStart(ctx, JobRow{
		Key: "k1", PID: 4242, Kind: "native",
		CommandLine: "start_radio static -a serial=A qpsk",
		Radios:      []int{0}, Host: "lab-1", StartedAt: started,
	}))
	require.NoError(t, l.RecordStart(ctx, JobRow{
		Key: "k2", PID: 4243, Kind: "supervisor", Radios: []int{1, 2},
		StartedAt: started.Add(time.Second),
	}))

	active, err := l.List(ctx, StateActive)
	require.NoError(t, err)
	require.Len(t, active, 2)
	require.Equal(t, "k1", active[0].Key)
	require.Equal(t, []int{0}, active[0].Radios)
	require.Equal(t, started, active[0].StartedAt)
	require.Nil(t, active[0].FinishedAt)
	require.Equal(t, []int{1, 2}, active[1].Radios)

	done := started.Add(time.Minute)
	require.NoError(t, l.RecordFinish(ctx, "k1", done, "killed"))
	require.Error(t, l.RecordFinish(ctx, "missing", done, "killed"))

	finished, err := l.List(ctx, StateFinished)
	require.NoError(t, err)
	require.Len(t, finished, 1)
	require.Equal(t, "killed", finished[0].Reason)
	require.NotNil(t, finished[0].FinishedAt)
	require.True(t, done.Equal(*finished[0].FinishedAt))

	all, err := l.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestJobLedgerUpsertRefreshesRow(t *testing.T) {
	l, _ := openLedger(t)
	ctx := context.Background()
	row := JobRow{Key: "k", PID: 1, Kind: "native", StartedAt: time.Now()}
	require.NoError(t, l.RecordStart(ctx, row))
	row.PID = 2
	require.NoError(t, l.RecordStart(ctx, row))
	all, err := l.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, 2, all[0].PID)
	require.Error(t, l.RecordStart(ctx, JobRow{}))
}

func TestJobLedgerAddsMissingColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.sqlite")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE "jobs" ("job_key" TEXT PRIMARY KEY, "pid" INTEGER NOT NULL, "kind" TEXT NOT NULL,
"command" TEXT, "radios" TEXT, "state" TEXT NOT NULL, "started_at" TEXT, "finished_at" TEXT,
"updated_at" TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	l, err := NewJobLedger(path, zerolog.Nop())
	require.NoError(t, err)
	defer l.Close()
	for _, col := range []string{"host", "reason"} {
		ok, err := columnExists(l.db, jobsTable, col)
		require.NoError(t, err)
		require.True(t, ok, col)
	}
}

func TestFormatSQLForLog(t *testing.T) {
	got := FormatSQLForLog(`UPDATE t SET a=?, b=? WHERE k=?`, "it's", sql.NullString{}, 7)
	if got != `UPDATE t SET a='it''s', b=NULL WHERE k=7` {
		t.Fatalf("unexpected: %s", got)
	}
	got = FormatSQLForLog("SELECT 1", "extra")
	if got != "SELECT 1 /* args: 'extra' */" {
		t.Fatalf("unexpected: %s", got)
	}
}
