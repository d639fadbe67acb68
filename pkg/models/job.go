package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// JobState is the state of a generation job. Transitions are owned by the
// orchestrator; a terminal state has no further transitions.
type JobState string

const (
	JobStateRequested  JobState = "requested"
	JobStateReserved   JobState = "reserved"
	JobStateDispatched JobState = "dispatched"
	JobStateStreaming  JobState = "streaming"
	JobStateCompleted  JobState = "completed"
	JobStateFailed     JobState = "failed"
	JobStateCanceled   JobState = "canceled"
)

// Terminal reports whether the state admits no further transitions.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateCanceled:
		return true
	}
	return false
}

// GenerationJob represents one streamed generation job
type GenerationJob struct {
	ID             string           `json:"id" db:"id"`
	AccountID      string           `json:"account_id" db:"account_id"`
	State          JobState         `json:"state" db:"state"`
	Params         GenerationParams `json:"params" db:"params"`
	ErrorCode      string           `json:"error_code,omitempty" db:"error_code"`
	ErrorMsg       string           `json:"error_msg,omitempty" db:"error_msg"`
	ReservationID  string           `json:"-" db:"reservation_id"`
	ChunkCount     int              `json:"chunk_count" db:"chunk_count"`
	ArtifactKey    string           `json:"artifact_key,omitempty" db:"artifact_key"`
	ArtifactStatus string           `json:"artifact_status,omitempty" db:"artifact_status"`
	RetryCount     int              `json:"retry_count" db:"retry_count"`
	StartedAt      *time.Time       `json:"started_at,omitempty" db:"started_at"`
	FinishedAt     *time.Time       `json:"finished_at,omitempty" db:"finished_at"`
	CreatedAt      time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at" db:"updated_at"`
}

// GenerationParams holds the requested generation parameters for a job
type GenerationParams struct {
	ContentType string            `json:"content_type"`
	Title       string            `json:"title,omitempty"`
	Prompt      string            `json:"prompt"`
	CampaignID  string            `json:"campaign_id,omitempty"`
	Tone        string            `json:"tone,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Value implements driver.Valuer for database storage
func (p GenerationParams) Value() (driver.Value, error) {
	return json.Marshal(p)
}

// Scan implements sql.Scanner for database retrieval
func (p *GenerationParams) Scan(value interface{}) error {
	if value == nil {
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}

	return json.Unmarshal(bytes, p)
}

// Content type constants
const (
	ContentTypeBlogPost    = "blog_post"
	ContentTypeEmail       = "email"
	ContentTypeSocialPost  = "social_post"
	ContentTypeVideoScript = "video_script"
	ContentTypeAdCopy      = "ad_copy"
)

// Artifact status constants. A degraded artifact was persisted from a job
// that failed after at least one complete section was assembled.
const (
	ArtifactStatusFinal    = "final"
	ArtifactStatusDegraded = "degraded"
)

// JobEvent is published to the event exchange when a job reaches a terminal
// state, for downstream consumers (notification, publishing).
type JobEvent struct {
	JobID          string    `json:"job_id"`
	AccountID      string    `json:"account_id"`
	State          JobState  `json:"state"`
	ErrorCode      string    `json:"error_code,omitempty"`
	ArtifactKey    string    `json:"artifact_key,omitempty"`
	ArtifactStatus string    `json:"artifact_status,omitempty"`
	ChunkCount     int       `json:"chunk_count"`
	Timestamp      time.Time `json:"timestamp"`
}
