package wfgen

import (
	"context"
	"time"

	"github.com/wfgen/wfgen/internal/jobs"
	"github.com/wfgen/wfgen/internal/storage"
)

// JobRecorder receives callbacks from the server to persist job state.
type JobRecorder interface {
	JobStarted(ctx context.Context, job jobs.Job) error
	JobFinished(ctx context.Context, done jobs.Finished) error
}

type noopRecorder struct{}

func (noopRecorder) JobStarted(context.Context, jobs.Job) error        { return nil }
func (noopRecorder) JobFinished(context.Context, jobs.Finished) error { return nil }

// LedgerRecorder writes every job into the SQLite job ledger.
type LedgerRecorder struct {
	Ledger *storage.JobLedger
	// Host tags rows so ledgers from several servers can be merged.
	Host string
}

// NewLedgerRecorder wraps an open ledger.
func NewLedgerRecorder(ledger *storage.JobLedger, host string) *LedgerRecorder {
	return &LedgerRecorder{Ledger: ledger, Host: host}
}

func (r *LedgerRecorder) JobStarted(ctx context.Context, job jobs.Job) error {
	return r.Ledger.RecordStart(ctx, storage.JobRow{
		Key:         job.Key(),
		PID:         job.PID(),
		Kind:        string(job.Kind()),
		CommandLine: job.CommandLine(),
		Radios:      job.OwnedRadios(),
		Host:        r.Host,
		State:       storage.StateActive,
		StartedAt:   job.Started(),
	})
}

func (r *LedgerRecorder) JobFinished(ctx context.Context, done jobs.Finished) error {
	at := done.At
	if at.IsZero() {
		at = time.Now()
	}
	return r.Ledger.RecordFinish(ctx, done.Job.Key(), at, done.Reason)
}
