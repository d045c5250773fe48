package deploy

import (
	"time"

	"github.com/oklog/ulid/v2"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Job is one automation run's durable record. AuthPayload is the sealed
// credential material the worker needs to execute the run; it is encrypted
// with the credbox before it ever reaches the table or the queue.
type Job struct {
	ID string `gorm:"primaryKey;size:26"` // ULID length

	ChatID int64 `gorm:"index;not null"`
	UserID int64 `gorm:"index;not null"`

	AccountID   string `gorm:"type:varchar(64);not null"`
	AuthPayload string `gorm:"type:text;not null"`
	Strategy    string `gorm:"type:varchar(16);not null"`
	Persist     bool   `gorm:"not null"`

	Status Status `gorm:"type:varchar(16);index;not null"`

	// Filled when succeeded.
	WorkerName *string `gorm:"type:varchar(64)"`

	// Filled when failed.
	Error *string `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Job) TableName() string { return "deploy_jobs" }

func NewJobID() string {
	return ulid.Make().String()
}
