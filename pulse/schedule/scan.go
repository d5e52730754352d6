package schedule

import (
	"database/sql"
	"time"

	"github.com/teranos/herald/am/geotime"
	"github.com/teranos/herald/campaign"
	"github.com/teranos/herald/errors"
)

// jobColumns is the column order every job SELECT uses; see jobScanTargets.
const jobColumns = `id, workflow_id, workflow_snapshot, schedule_kind, scheduled_at, status,
	created_at, updated_at, executed_at, completed_at, failed_at,
	retry_count, max_retries, error_message`

// jobScanArgs holds the raw column values that need decoding after Scan.
// Timestamps stay strings so every stored shape can be recognized.
type jobScanArgs struct {
	Snapshot     string
	Kind         string
	Status       string
	ScheduledAt  string
	CreatedAt    string
	UpdatedAt    string
	ExecutedAt   sql.NullString
	CompletedAt  sql.NullString
	FailedAt     sql.NullString
	ErrorMessage sql.NullString
}

func jobScanTargets(job *ScheduledJob, args *jobScanArgs) []interface{} {
	return []interface{}{
		&job.ID,
		&job.WorkflowID,
		&args.Snapshot,
		&args.Kind,
		&args.ScheduledAt,
		&args.Status,
		&args.CreatedAt,
		&args.UpdatedAt,
		&args.ExecutedAt,
		&args.CompletedAt,
		&args.FailedAt,
		&job.RetryCount,
		&job.MaxRetries,
		&args.ErrorMessage,
	}
}

// processJobScanArgs decodes the scanned values into job.
func processJobScanArgs(zone *geotime.Zone, job *ScheduledJob, args *jobScanArgs) error {
	// An undecodable snapshot keeps the row readable; the orchestrator fails jobs without one
	job.Snapshot, _ = campaign.UnmarshalSnapshot(args.Snapshot)
	job.Kind = campaign.ScheduleKind(args.Kind)
	job.Status = Status(args.Status)
	if args.ErrorMessage.Valid {
		job.ErrorMessage = args.ErrorMessage.String
	}

	parse := func(field, raw string) (time.Time, error) {
		t, _, err := zone.ParseStored(raw)
		if err != nil {
			return time.Time{}, errors.Wrapf(err, "job %s: bad %s", job.ID, field)
		}
		return t, nil
	}
	parseOptional := func(field string, raw sql.NullString) (*time.Time, error) {
		if !raw.Valid || raw.String == "" {
			return nil, nil
		}
		t, err := parse(field, raw.String)
		if err != nil {
			return nil, err
		}
		return &t, nil
	}

	var err error
	if job.ScheduledAt, err = parse("scheduled_at", args.ScheduledAt); err != nil {
		return err
	}
	if job.CreatedAt, err = parse("created_at", args.CreatedAt); err != nil {
		return err
	}
	if job.UpdatedAt, err = parse("updated_at", args.UpdatedAt); err != nil {
		return err
	}
	if job.ExecutedAt, err = parseOptional("executed_at", args.ExecutedAt); err != nil {
		return err
	}
	if job.CompletedAt, err = parseOptional("completed_at", args.CompletedAt); err != nil {
		return err
	}
	if job.FailedAt, err = parseOptional("failed_at", args.FailedAt); err != nil {
		return err
	}
	return nil
}

func formatOptional(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: geotime.Format(*t), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
