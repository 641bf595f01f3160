package jobs

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Job status constants. These four values are the only ones ever written to
// the status column; cancellation is tracked separately via cancelled_at.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// TaskType identifies the kind of work a job performs.
type TaskType string

const (
	TaskWebsiteAnalysis    TaskType = "website_analysis"
	TaskAudienceGeneration TaskType = "audience_generation"
	TaskTopicGeneration    TaskType = "topic_generation"
	TaskContentGeneration  TaskType = "content_generation"
	TaskVoiceAnalysis      TaskType = "voice_analysis"
)

// TaskTypes lists every supported task type.
var TaskTypes = []TaskType{
	TaskWebsiteAnalysis,
	TaskAudienceGeneration,
	TaskTopicGeneration,
	TaskContentGeneration,
	TaskVoiceAnalysis,
}

// Valid reports whether t is a member of the fixed task-type set.
func (t TaskType) Valid() bool {
	for _, known := range TaskTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Job is the system-of-record row for one unit of asynchronous work. The same
// id is used as the database primary key and the queue entry key, which is
// what makes a retry an idempotent re-submission instead of a duplicate run.
type Job struct {
	ID                        string          `db:"id" json:"id"`
	TenantID                  *string         `db:"tenant_id" json:"tenant_id,omitempty"`
	UserID                    *string         `db:"user_id" json:"user_id,omitempty"`
	SessionID                 *string         `db:"session_id" json:"session_id,omitempty"`
	Type                      TaskType        `db:"type" json:"type"`
	Status                    Status          `db:"status" json:"status"`
	Progress                  int             `db:"progress" json:"progress"`
	CurrentStep               *string         `db:"current_step" json:"current_step,omitempty"`
	EstimatedSecondsRemaining *int            `db:"estimated_seconds_remaining" json:"estimated_seconds_remaining,omitempty"`
	Input                     JSONText        `db:"input" json:"input,omitempty"`
	Result                    JSONText        `db:"result" json:"result,omitempty"`
	Error                     *string         `db:"error" json:"error,omitempty"`
	ErrorCode                 *string         `db:"error_code" json:"error_code,omitempty"`
	StartedAt                 *time.Time      `db:"started_at" json:"started_at,omitempty"`
	FinishedAt                *time.Time      `db:"finished_at" json:"finished_at,omitempty"`
	CancelledAt               *time.Time      `db:"cancelled_at" json:"cancelled_at,omitempty"`
	NarrativeStream           NarrativeStream `db:"narrative_stream" json:"narrative_stream"`
	CreatedAt                 time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt                 time.Time       `db:"updated_at" json:"updated_at"`
}

// NarrativeEvent is one entry in a job's append-only progress log.
type NarrativeEvent struct {
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	Progress  *int      `json:"progress,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NarrativeStream is the ordered list of narrative events, stored as a JSONB
// array so a single event can be appended without reading the array first.
type NarrativeStream []NarrativeEvent

// Value implements driver.Valuer. An empty stream persists as '[]' so reads
// never have to deal with SQL NULL.
func (s NarrativeStream) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal narrative stream: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (s *NarrativeStream) Scan(src interface{}) error {
	if src == nil {
		*s = NarrativeStream{}
		return nil
	}

	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported narrative stream source type %T", src)
	}

	if len(data) == 0 {
		*s = NarrativeStream{}
		return nil
	}

	return json.Unmarshal(data, s)
}

// JSONText holds raw JSON destined for a JSONB column. It round-trips through
// the driver as text so lib/pq does not encode it as bytea.
type JSONText json.RawMessage

// Value implements driver.Valuer. Empty values persist as SQL NULL.
func (j JSONText) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

// Scan implements sql.Scanner.
func (j *JSONText) Scan(src interface{}) error {
	if src == nil {
		*j = nil
		return nil
	}

	switch v := src.(type) {
	case []byte:
		*j = JSONText(append([]byte(nil), v...))
	case string:
		*j = JSONText(v)
	default:
		return fmt.Errorf("unsupported json source type %T", src)
	}
	return nil
}

// MarshalJSON renders the stored JSON verbatim.
func (j JSONText) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

// UnmarshalJSON stores the raw JSON verbatim.
func (j *JSONText) UnmarshalJSON(data []byte) error {
	*j = JSONText(append([]byte(nil), data...))
	return nil
}

// canTransition reports whether moving from to next is one of the legal
// status transitions: queued->running, running->completed, running->failed.
// The failed->queued transition is owned exclusively by Retry and is not
// reachable through progress updates.
func canTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusRunning
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}
