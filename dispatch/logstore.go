package dispatch

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/herald/am/geotime"
	"github.com/teranos/herald/errors"
)

// LogEntry is one dispatch result tied to the job and step that produced it.
type LogEntry struct {
	ID         string    `json:"id"`
	JobID      string    `json:"job_id"`
	WorkflowID string    `json:"workflow_id"`
	StepIndex  int       `json:"step_index"`
	CreatedAt  time.Time `json:"created_at"`
	Result
}

// NewLogEntry stamps r with an id and its job context.
func NewLogEntry(jobID, workflowID string, stepIndex int, r Result, now time.Time) LogEntry {
	return LogEntry{
		ID:         uuid.NewString(),
		JobID:      jobID,
		WorkflowID: workflowID,
		StepIndex:  stepIndex,
		CreatedAt:  now.UTC(),
		Result:     r,
	}
}

// LogSink receives dispatch results in batches. Failures are reported to the
// caller, which logs them; they never fail a job.
type LogSink interface {
	AppendBatch(ctx context.Context, entries []LogEntry) error
}

// NopSink discards entries.
type NopSink struct{}

// AppendBatch implements LogSink.
func (NopSink) AppendBatch(context.Context, []LogEntry) error { return nil }

// LogStore persists dispatch results in the dispatch_log table.
type LogStore struct {
	db *sql.DB
}

// NewLogStore creates a SQLite-backed sink.
func NewLogStore(db *sql.DB) *LogStore {
	return &LogStore{db: db}
}

// AppendBatch inserts entries in one transaction.
func (s *LogStore) AppendBatch(ctx context.Context, entries []LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin dispatch log batch")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO dispatch_log (
			id, job_id, workflow_id, step_index, recipient,
			success, channel, fallback_used, test_mode,
			provider_message_id, error_message, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return errors.Wrap(err, "failed to prepare dispatch log insert")
	}
	defer stmt.Close()

	for _, e := range entries {
		_, err := stmt.ExecContext(ctx,
			e.ID, e.JobID, e.WorkflowID, e.StepIndex, e.Recipient,
			e.Success, e.Channel, e.FallbackUsed, e.TestMode,
			nullIfEmpty(e.MessageID), nullIfEmpty(e.ErrorMessage),
			geotime.Format(e.CreatedAt),
		)
		if err != nil {
			return errors.Wrapf(err, "failed to append dispatch log for job %s", e.JobID)
		}
	}

	return errors.Wrap(tx.Commit(), "failed to commit dispatch log batch")
}

// ListByJob returns a job's dispatch results in step order.
func (s *LogStore) ListByJob(ctx context.Context, jobID string) ([]LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, workflow_id, step_index, recipient,
			success, channel, fallback_used, test_mode,
			provider_message_id, error_message, created_at
		FROM dispatch_log
		WHERE job_id = ?
		ORDER BY step_index ASC, created_at ASC, recipient ASC
	`, jobID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list dispatch log for job %s", jobID)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		var messageID, errorMessage sql.NullString
		var createdAt string
		if err := rows.Scan(
			&e.ID, &e.JobID, &e.WorkflowID, &e.StepIndex, &e.Recipient,
			&e.Success, &e.Channel, &e.FallbackUsed, &e.TestMode,
			&messageID, &errorMessage, &createdAt,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan dispatch log entry")
		}
		e.MessageID = messageID.String
		e.ErrorMessage = errorMessage.String
		if e.CreatedAt, _, err = geotime.UTC().ParseStored(createdAt); err != nil {
			return nil, errors.Wrapf(err, "dispatch log entry %s", e.ID)
		}
		entries = append(entries, e)
	}
	return entries, errors.Wrap(rows.Err(), "failed to iterate dispatch log")
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
