// Package campaign holds the marketing workflow definitions herald executes:
// the live Workflow documents, the frozen Snapshot embedded in each scheduled
// job, recipients and their resolution, and per-recipient template rendering.
package campaign

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/teranos/herald/am/geotime"
	"github.com/teranos/herald/errors"
)

// Status of a live workflow document.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusDraft    Status = "draft"
)

// ScheduleKind selects how a workflow fires.
type ScheduleKind string

const (
	KindImmediate ScheduleKind = "immediate" // run once, synchronously, no job row
	KindDelay     ScheduleKind = "delay"     // one-shot at activation + DelayMinutes
	KindScheduled ScheduleKind = "scheduled" // one-shot at At
	KindRecurring ScheduleKind = "recurring" // next occurrence of Recurrence, regenerated after each run
)

// Recurrence parameters for KindRecurring.
type Recurrence struct {
	Frequency geotime.Frequency `json:"frequency" yaml:"frequency"`
	Weekdays  []string          `json:"weekdays,omitempty" yaml:"weekdays,omitempty"`
	TimeOfDay string            `json:"time_of_day" yaml:"time_of_day"`
	// DayOfMonth anchors monthly schedules (1-31). Zero anchors on the day of
	// the first registration.
	DayOfMonth int `json:"day_of_month,omitempty" yaml:"day_of_month,omitempty"`
}

// ScheduleSpec is the schedule part of a workflow.
type ScheduleSpec struct {
	Kind         ScheduleKind `json:"kind" yaml:"kind"`
	At           string       `json:"at,omitempty" yaml:"at,omitempty"`
	DelayMinutes int          `json:"delay_minutes,omitempty" yaml:"delay_minutes,omitempty"`
	Recurrence   *Recurrence  `json:"recurrence,omitempty" yaml:"recurrence,omitempty"`
}

// IsRecurring reports whether jobs of this schedule are single-active per workflow.
func (s ScheduleSpec) IsRecurring() bool {
	return s.Kind == KindRecurring
}

// Validate checks that the fields required by Kind are present and well formed.
func (s ScheduleSpec) Validate() error {
	switch s.Kind {
	case KindImmediate:
		return nil
	case KindDelay:
		if s.DelayMinutes <= 0 {
			return errors.NewInvalidRequestError("delay schedule needs delay_minutes > 0")
		}
		return nil
	case KindScheduled:
		if strings.TrimSpace(s.At) == "" {
			return errors.NewInvalidRequestError("scheduled schedule needs at")
		}
		if _, _, err := geotime.UTC().ParseStored(s.At); err != nil {
			return errors.WithHint(errors.NewInvalidRequestError("invalid at %q", s.At), "use 2006-01-02T15:04:05, optionally with an offset")
		}
		return nil
	case KindRecurring:
		if s.Recurrence == nil {
			return errors.NewInvalidRequestError("recurring schedule needs recurrence")
		}
		if !s.Recurrence.Frequency.Valid() {
			return errors.NewInvalidRequestError("unsupported frequency %q", s.Recurrence.Frequency)
		}
		if _, err := geotime.ParseTimeOfDay(s.Recurrence.TimeOfDay); err != nil {
			return errors.Wrap(errors.ErrInvalidRequest, err.Error())
		}
		if _, err := geotime.ParseWeekdays(s.Recurrence.Weekdays); err != nil {
			return errors.Wrap(errors.ErrInvalidRequest, err.Error())
		}
		if d := s.Recurrence.DayOfMonth; d != 0 {
			if s.Recurrence.Frequency != geotime.Monthly {
				return errors.NewInvalidRequestError("day_of_month only applies to monthly recurrence")
			}
			if d < 1 || d > 31 {
				return errors.NewInvalidRequestError("day_of_month must be between 1 and 31, got %d", d)
			}
		}
		return nil
	default:
		return errors.NewInvalidRequestError("unknown schedule kind %q", s.Kind)
	}
}

// MonthlyAnchor returns the day of month a monthly schedule returns to: the
// configured day, else inherited from the previous job of the chain, else the
// business-local day of from. Other schedules have no anchor.
func (s ScheduleSpec) MonthlyAnchor(z *geotime.Zone, from time.Time, inherited int) int {
	if s.Kind != KindRecurring || s.Recurrence == nil || s.Recurrence.Frequency != geotime.Monthly {
		return 0
	}
	if s.Recurrence.DayOfMonth > 0 {
		return s.Recurrence.DayOfMonth
	}
	if inherited > 0 {
		return inherited
	}
	return z.ToLocal(from).Day()
}

// NextFireTime returns the UTC instant the next job for this schedule should
// fire, evaluated at now in zone z. Immediate schedules have no fire time.
func (s ScheduleSpec) NextFireTime(z *geotime.Zone, now time.Time) (time.Time, error) {
	return s.NextFireTimeAnchored(z, now, s.MonthlyAnchor(z, now, 0))
}

// NextFireTimeAnchored is NextFireTime with an explicit monthly anchor day.
func (s ScheduleSpec) NextFireTimeAnchored(z *geotime.Zone, now time.Time, anchor int) (time.Time, error) {
	if err := s.Validate(); err != nil {
		return time.Time{}, err
	}
	switch s.Kind {
	case KindDelay:
		return now.Add(time.Duration(s.DelayMinutes) * time.Minute).UTC().Truncate(time.Second), nil
	case KindScheduled:
		t, _, err := z.ParseStored(s.At)
		if err != nil {
			return time.Time{}, err
		}
		return t.Truncate(time.Second), nil
	case KindRecurring:
		tod, _ := geotime.ParseTimeOfDay(s.Recurrence.TimeOfDay)
		var next time.Time
		var err error
		if s.Recurrence.Frequency == geotime.Monthly && anchor > 0 {
			next, err = z.NextMonthly(tod, anchor, now)
		} else {
			days, _ := geotime.ParseWeekdays(s.Recurrence.Weekdays)
			next, err = z.NextOccurrence(tod, s.Recurrence.Frequency, days, now)
		}
		if err != nil {
			return time.Time{}, err
		}
		return z.ToStorage(next), nil
	default:
		return time.Time{}, errors.NewInvalidRequestError("%s schedules have no fire time", s.Kind)
	}
}

// RecipientGroup selects recipients: contacts carrying any of Tags, plus
// explicit Addresses.
type RecipientGroup struct {
	Name      string   `json:"name,omitempty" yaml:"name,omitempty"`
	Tags      []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Addresses []string `json:"addresses,omitempty" yaml:"addresses,omitempty"`
}

// Step is one message of a workflow run.
type Step struct {
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	TemplateRef string `json:"template" yaml:"template"`
	Language    string `json:"language,omitempty" yaml:"language,omitempty"`
	// Body is the rendered text of the templated message, with {{var}} placeholders.
	Body string `json:"body" yaml:"body"`
	// PlainText is the fallback channel's text; Body is used when empty.
	PlainText string `json:"plain_text,omitempty" yaml:"plain_text,omitempty"`
	// Variables maps a placeholder name to the recipient field that fills it.
	// Placeholders not listed read the recipient field of the same name.
	Variables map[string]string `json:"variables,omitempty" yaml:"variables,omitempty"`
	// Defaults are per-placeholder fallbacks under the "default" render policy.
	Defaults map[string]string `json:"defaults,omitempty" yaml:"defaults,omitempty"`
	// DelayAfterSeconds elapses after this step before the next one starts.
	DelayAfterSeconds int `json:"delay_after_seconds,omitempty" yaml:"delay_after_seconds,omitempty"`
}

// RunDelay is the time an execution spends waiting between steps. The last
// step's delay is never waited.
func (w *Workflow) RunDelay() time.Duration {
	var total time.Duration
	for i := 0; i+1 < len(w.Steps); i++ {
		total += w.Steps[i].DelayAfter()
	}
	return total
}

// DelayAfter is DelayAfterSeconds as a duration.
func (s Step) DelayAfter() time.Duration {
	return time.Duration(s.DelayAfterSeconds) * time.Second
}

// FallbackTemplate is the text rendered for the plain-text channel.
func (s Step) FallbackTemplate() string {
	if s.PlainText != "" {
		return s.PlainText
	}
	return s.Body
}

// Workflow is the live, editable definition owned by the surrounding application.
type Workflow struct {
	ID              string           `json:"id" yaml:"id"`
	Name            string           `json:"name" yaml:"name"`
	Status          Status           `json:"status" yaml:"status"`
	RecipientGroups []RecipientGroup `json:"recipients" yaml:"recipients"`
	Steps           []Step           `json:"steps" yaml:"steps"`
	Schedule        ScheduleSpec     `json:"schedule" yaml:"schedule"`
}

// IsActive reports whether the workflow should have schedules.
func (w *Workflow) IsActive() bool {
	return w != nil && w.Status == StatusActive
}

// Validate checks the executable parts of the workflow.
func (w *Workflow) Validate() error {
	if strings.TrimSpace(w.ID) == "" {
		return errors.NewInvalidRequestError("workflow id is required")
	}
	if len(w.Steps) == 0 {
		return errors.NewInvalidRequestError("workflow %s has no steps", w.ID)
	}
	for i, st := range w.Steps {
		if st.TemplateRef == "" && st.Body == "" {
			return errors.NewInvalidRequestError("workflow %s step %d has neither template nor body", w.ID, i)
		}
		if st.DelayAfterSeconds < 0 {
			return errors.NewInvalidRequestError("workflow %s step %d has a negative delay", w.ID, i)
		}
	}
	if len(w.RecipientGroups) == 0 {
		return errors.NewInvalidRequestError("workflow %s has no recipient groups", w.ID)
	}
	return errors.Wrapf(w.Schedule.Validate(), "workflow %s", w.ID)
}

// Snapshot freezes the executable definition.
func (w *Workflow) Snapshot() *Snapshot {
	raw, _ := json.Marshal(w)
	var copied Workflow
	_ = json.Unmarshal(raw, &copied)

	s := &Snapshot{
		WorkflowID:      copied.ID,
		Name:            copied.Name,
		RecipientGroups: copied.RecipientGroups,
		Steps:           copied.Steps,
		Schedule:        copied.Schedule,
	}
	s.Fingerprint = s.computeFingerprint()
	return s
}

// Snapshot is the frozen copy of a workflow embedded in each scheduled job.
type Snapshot struct {
	WorkflowID      string           `json:"workflow_id"`
	Name            string           `json:"name"`
	RecipientGroups []RecipientGroup `json:"recipients"`
	Steps           []Step           `json:"steps"`
	Schedule        ScheduleSpec     `json:"schedule"`
	// AnchorDay is the day of month a monthly chain keeps returning to. It is
	// scheduling state, not content, and is left out of the fingerprint.
	AnchorDay int `json:"anchor_day,omitempty"`
	// Fingerprint identifies the content; differing values mean the workflow was edited.
	Fingerprint string `json:"fingerprint"`
}

func (s *Snapshot) computeFingerprint() string {
	clone := *s
	clone.Fingerprint = ""
	clone.AnchorDay = 0
	raw, _ := json.Marshal(clone)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:8])
}

// Validate reports whether the snapshot is executable.
func (s *Snapshot) Validate() error {
	if s == nil {
		return errors.New("workflow snapshot missing")
	}
	if len(s.Steps) == 0 {
		return errors.Newf("workflow snapshot %s has no steps", s.WorkflowID)
	}
	if len(s.RecipientGroups) == 0 {
		return errors.Newf("workflow snapshot %s has no recipient groups", s.WorkflowID)
	}
	return nil
}

// MarshalSnapshot encodes a snapshot for storage.
func MarshalSnapshot(s *Snapshot) (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode workflow snapshot")
	}
	return string(raw), nil
}

// UnmarshalSnapshot decodes a stored snapshot. Empty input yields nil.
func UnmarshalSnapshot(raw string) (*Snapshot, error) {
	if strings.TrimSpace(raw) == "" || raw == "null" {
		return nil, nil
	}
	var s Snapshot
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, errors.Wrap(err, "failed to decode workflow snapshot")
	}
	return &s, nil
}
