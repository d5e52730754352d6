package execute

import (
	"time"

	"github.com/teranos/herald/pulse/schedule"
)

// Event types.
const (
	EventStarted  = "execution.started"
	EventStep     = "execution.step"
	EventFinished = "execution.finished"
)

// Event reports execution progress to live observers.
type Event struct {
	Type       string            `json:"type"`
	JobID      string            `json:"job_id"`
	WorkflowID string            `json:"workflow_id"`
	Step       int               `json:"step,omitempty"`
	Status     schedule.Status   `json:"status,omitempty"`
	Outcome    *schedule.Outcome `json:"outcome,omitempty"`
	Error      string            `json:"error,omitempty"`
	Time       time.Time         `json:"time"`
}

// Broadcaster receives execution events. Implementations must not block.
type Broadcaster interface {
	Broadcast(e Event)
}

type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(Event) {}
