package schedule

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/herald/am/geotime"
	"github.com/teranos/herald/campaign"
	"github.com/teranos/herald/errors"
)

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// Store is the job store adapter over the scheduled_jobs table. It holds no
// business rules: every filter comes from the caller. Failures surface as *StoreError.
type Store struct {
	db     *sql.DB
	zone   *geotime.Zone
	logger *zap.SugaredLogger
}

// NewStore creates a job store. zone interprets stored timestamps that
// predate the canonical UTC shape; nil means UTC.
func NewStore(db *sql.DB, zone *geotime.Zone, logger *zap.SugaredLogger) *Store {
	if zone == nil {
		zone = geotime.UTC()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Store{db: db, zone: zone, logger: logger}
}

// Zone returns the business zone used to read stored timestamps.
func (s *Store) Zone() *geotime.Zone {
	return s.zone
}

// Insert writes a new job.
func (s *Store) Insert(ctx context.Context, job *ScheduledJob) error {
	return s.insert(ctx, s.db, job)
}

func (s *Store) insert(ctx context.Context, q queryer, job *ScheduledJob) error {
	if !job.Status.IsValid() {
		return storeErr("insert", job.ID, errors.Newf("invalid status %q", job.Status))
	}
	snapshot, err := campaign.MarshalSnapshot(job.Snapshot)
	if err != nil {
		return storeErr("insert", job.ID, err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO scheduled_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID,
		job.WorkflowID,
		snapshot,
		string(job.Kind),
		geotime.Format(job.ScheduledAt),
		string(job.Status),
		geotime.Format(job.CreatedAt),
		geotime.Format(job.UpdatedAt),
		formatOptional(job.ExecutedAt),
		formatOptional(job.CompletedAt),
		formatOptional(job.FailedAt),
		job.RetryCount,
		job.MaxRetries,
		nullString(job.ErrorMessage),
	)
	if err != nil {
		return storeErr("insert", job.ID, err)
	}
	return nil
}

// GetJob returns one job, or a not-found error.
func (s *Store) GetJob(ctx context.Context, id string) (*ScheduledJob, error) {
	jobs, err := s.query(ctx, s.db, "get", "WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, errors.NewNotFoundError("scheduled job %s", id)
	}
	return jobs[0], nil
}

// UpdateStatus writes job's status and lifecycle fields if, and only if, the
// stored row is still in status expected. A false result with nil error means
// another writer got there first; callers abort quietly.
func (s *Store) UpdateStatus(ctx context.Context, job *ScheduledJob, expected Status) (bool, error) {
	return s.updateStatus(ctx, s.db, job, expected)
}

func (s *Store) updateStatus(ctx context.Context, q queryer, job *ScheduledJob, expected Status) (bool, error) {
	query := `
		UPDATE scheduled_jobs
		SET status = ?, updated_at = ?, executed_at = ?, completed_at = ?, failed_at = ?,
			retry_count = ?, error_message = ?
		WHERE id = ? AND status = ?`
	if expected == StatusPending && job.Status == StatusRunning {
		query += " AND executed_at IS NULL"
	}

	result, err := q.ExecContext(ctx, query,
		string(job.Status),
		geotime.Format(job.UpdatedAt),
		formatOptional(job.ExecutedAt),
		formatOptional(job.CompletedAt),
		formatOptional(job.FailedAt),
		job.RetryCount,
		nullString(job.ErrorMessage),
		job.ID,
		string(expected),
	)
	if err != nil {
		return false, storeErr("update status", job.ID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, storeErr("update status", job.ID, err)
	}
	return rows == 1, nil
}

// Advance runs the state machine on job and persists the result conditionally
// on job's current status. It returns the updated job and whether this caller
// won the write.
func (s *Store) Advance(ctx context.Context, job *ScheduledJob, to Status, tc TransitionContext) (*ScheduledJob, bool, error) {
	next, err := Transition(job, to, tc)
	if err != nil {
		return nil, false, err
	}
	applied, err := s.UpdateStatus(ctx, next, job.Status)
	if err != nil {
		return nil, false, err
	}
	return next, applied, nil
}

// FindByStatus returns jobs in status, earliest scheduledAt first.
func (s *Store) FindByStatus(ctx context.Context, status Status) ([]*ScheduledJob, error) {
	return s.query(ctx, s.db, "find by status", "WHERE status = ?", string(status))
}

// FindByWorkflow returns the workflow's jobs in any of statuses (all when empty).
func (s *Store) FindByWorkflow(ctx context.Context, workflowID string, statuses ...Status) ([]*ScheduledJob, error) {
	return s.findByWorkflow(ctx, s.db, workflowID, statuses...)
}

func (s *Store) findByWorkflow(ctx context.Context, q queryer, workflowID string, statuses ...Status) ([]*ScheduledJob, error) {
	where := "WHERE workflow_id = ?"
	args := []interface{}{workflowID}
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		where += " AND status IN (" + strings.Join(placeholders, ", ") + ")"
	}
	return s.query(ctx, q, "find by workflow", where, args...)
}

// FindStaleRunning returns running jobs whose executedAt is before olderThan.
func (s *Store) FindStaleRunning(ctx context.Context, olderThan time.Time) ([]*ScheduledJob, error) {
	running, err := s.FindByStatus(ctx, StatusRunning)
	if err != nil {
		return nil, err
	}
	var stale []*ScheduledJob
	for _, j := range running {
		if j.ExecutedAt != nil && j.ExecutedAt.Before(olderThan) {
			stale = append(stale, j)
		}
	}
	return stale, nil
}

// FindStalePending returns pending jobs whose scheduledAt is before olderThan.
func (s *Store) FindStalePending(ctx context.Context, olderThan time.Time) ([]*ScheduledJob, error) {
	pending, err := s.FindByStatus(ctx, StatusPending)
	if err != nil {
		return nil, err
	}
	var stale []*ScheduledJob
	for _, j := range pending {
		if j.ScheduledAt.Before(olderThan) {
			stale = append(stale, j)
		}
	}
	return stale, nil
}

// CountByStatus returns the number of jobs per status. Every status is present.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM scheduled_jobs GROUP BY status`)
	if err != nil {
		return nil, storeErr("count by status", "", err)
	}
	defer rows.Close()

	counts := make(map[Status]int, len(AllStatuses))
	for _, st := range AllStatuses {
		counts[st] = 0
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, storeErr("count by status", "", err)
		}
		counts[Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("count by status", "", err)
	}
	return counts, nil
}

// ActiveWorkflowIDs returns workflows with at least one pending or running job.
func (s *Store) ActiveWorkflowIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT workflow_id FROM scheduled_jobs
		WHERE status IN ('pending', 'running')
		ORDER BY workflow_id
	`)
	if err != nil {
		return nil, storeErr("active workflows", "", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storeErr("active workflows", "", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("active workflows", "", err)
	}
	return ids, nil
}

// Apply reads the workflow's active jobs, lets decide build a Plan and applies
// it in one transaction: cancellations are conditional on the job still being
// pending, and ToCreate is inserted. Concurrent reconciles of one workflow are
// serialized by the write lock taken at BEGIN.
func (s *Store) Apply(ctx context.Context, workflowID string, now time.Time, decide func(active []*ScheduledJob) Plan) (*ReconcileResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("reconcile", "", err)
	}
	defer tx.Rollback()

	active, err := s.findByWorkflow(ctx, tx, workflowID, StatusPending, StatusRunning)
	if err != nil {
		return nil, err
	}

	plan := decide(active)
	result := &ReconcileResult{Duplicate: plan.Duplicate, InFlight: plan.InFlight}

	for _, c := range plan.ToCancel {
		next, err := Transition(c.Job, StatusCancelled, TransitionContext{Now: now, ErrorMessage: c.Reason})
		if err != nil {
			return nil, err
		}
		applied, err := s.updateStatus(ctx, tx, next, c.Job.Status)
		if err != nil {
			return nil, err
		}
		if applied {
			result.Cancelled = append(result.Cancelled, next)
		}
	}

	if plan.ToCreate != nil {
		if err := s.insert(ctx, tx, plan.ToCreate); err != nil {
			return nil, err
		}
		result.Created = plan.ToCreate
	}

	if err := tx.Commit(); err != nil {
		return nil, storeErr("reconcile", "", err)
	}
	return result, nil
}

// PurgeTerminal deletes terminal jobs last updated before olderThan.
func (s *Store) PurgeTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	// Compared in Go: legacy rows may not sort lexically
	var ids []string
	for _, st := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		jobs, err := s.FindByStatus(ctx, st)
		if err != nil {
			return 0, err
		}
		for _, j := range jobs {
			if j.UpdatedAt.Before(olderThan) {
				ids = append(ids, j.ID)
			}
		}
	}

	var deleted int64
	for _, id := range ids {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM scheduled_jobs WHERE id = ? AND status IN ('completed', 'failed', 'cancelled')`, id)
		if err != nil {
			return deleted, storeErr("purge", id, err)
		}
		n, _ := res.RowsAffected()
		deleted += n
	}
	return deleted, nil
}

// Canonicalize rewrites every stored timestamp that is not in the canonical
// UTC shape. It returns the number of rows changed. Rows with unreadable
// timestamps are left untouched and logged.
func (s *Store) Canonicalize(ctx context.Context) (int, error) {
	columns := []string{"scheduled_at", "created_at", "updated_at", "executed_at", "completed_at", "failed_at"}

	rows, err := s.db.QueryContext(ctx, `SELECT id, `+strings.Join(columns, ", ")+` FROM scheduled_jobs`)
	if err != nil {
		return 0, storeErr("canonicalize", "", err)
	}

	type rewrite struct {
		id     string
		values map[string]string
	}
	var rewrites []rewrite
	for rows.Next() {
		var id string
		raw := make([]sql.NullString, len(columns))
		targets := []interface{}{&id}
		for i := range raw {
			targets = append(targets, &raw[i])
		}
		if err := rows.Scan(targets...); err != nil {
			rows.Close()
			return 0, storeErr("canonicalize", "", err)
		}

		changed := make(map[string]string)
		for i, col := range columns {
			if !raw[i].Valid || raw[i].String == "" || s.zone.IsCanonical(raw[i].String) {
				continue
			}
			t, shape, err := s.zone.ParseStored(raw[i].String)
			if err != nil {
				s.logger.Warnw("Unreadable timestamp left as is", "job_id", id, "column", col, "value", raw[i].String)
				continue
			}
			s.logger.Debugw("Canonicalizing timestamp", "job_id", id, "column", col, "shape", shape.String())
			changed[col] = geotime.Format(t)
		}
		if len(changed) > 0 {
			rewrites = append(rewrites, rewrite{id: id, values: changed})
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, storeErr("canonicalize", "", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeErr("canonicalize", "", err)
	}
	defer tx.Rollback()

	for _, rw := range rewrites {
		var sets []string
		var args []interface{}
		for _, col := range columns {
			if v, ok := rw.values[col]; ok {
				sets = append(sets, col+" = ?")
				args = append(args, v)
			}
		}
		args = append(args, rw.id)
		if _, err := tx.ExecContext(ctx, `UPDATE scheduled_jobs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...); err != nil {
			return 0, storeErr("canonicalize", rw.id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, storeErr("canonicalize", "", err)
	}
	return len(rewrites), nil
}

// query runs a job SELECT with the given WHERE clause. Results are ordered by
// scheduledAt ascending after parsing, since legacy timestamp shapes do not
// sort lexically. Rows that cannot be decoded are logged and skipped, except
// for single-row lookups by id.
func (s *Store) query(ctx context.Context, q queryer, op, where string, args ...interface{}) ([]*ScheduledJob, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs `+where+` ORDER BY scheduled_at ASC, id ASC`, args...)
	if err != nil {
		return nil, storeErr(op, "", err)
	}
	defer rows.Close()

	var jobs []*ScheduledJob
	for rows.Next() {
		job := &ScheduledJob{}
		scanArgs := &jobScanArgs{}
		if err := rows.Scan(jobScanTargets(job, scanArgs)...); err != nil {
			return nil, storeErr(op, "", err)
		}
		if err := processJobScanArgs(s.zone, job, scanArgs); err != nil {
			if op == "get" {
				return nil, storeErr(op, job.ID, err)
			}
			s.logger.Errorw("Skipping undecodable job row", "job_id", job.ID, "error", err)
			continue
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(op, "", err)
	}

	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].ScheduledAt.Before(jobs[j].ScheduledAt)
	})
	return jobs, nil
}
