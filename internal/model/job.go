package model

import "time"

// JobStatus represents the status of a scheduled job
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobInFlight  JobStatus = "in_flight"
	JobSent      JobStatus = "sent"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is immutable history
func (s JobStatus) Terminal() bool {
	return s == JobSent || s == JobFailed || s == JobCancelled
}

// ScheduledJob is one step to deliver to one recipient
type ScheduledJob struct {
	ID           string     `db:"id" json:"id"`
	TenantID     string     `db:"tenant_id" json:"tenant_id"`
	RecipientID  string     `db:"recipient_id" json:"recipient_id"`
	StepID       string     `db:"step_id" json:"step_id"`
	EnrollmentID *string    `db:"enrollment_id" json:"enrollment_id,omitempty"`
	DueAt        time.Time  `db:"due_at" json:"due_at"`
	Status       JobStatus  `db:"status" json:"status"`
	ClaimedAt    *time.Time `db:"claimed_at" json:"claimed_at,omitempty"`
	SentAt       *time.Time `db:"sent_at" json:"sent_at,omitempty"`
	Error        string     `db:"error" json:"error,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
}

// JobOutcome is the terminal result recorded for a job
type JobOutcome struct {
	Status JobStatus
	Reason string
}

// Sent is the outcome of a successful send
func Sent() JobOutcome {
	return JobOutcome{Status: JobSent}
}

// Failed is the outcome of a failed send
func Failed(reason string) JobOutcome {
	return JobOutcome{Status: JobFailed, Reason: reason}
}

// Cancelled is the outcome of a job that will not be sent
func Cancelled(reason string) JobOutcome {
	return JobOutcome{Status: JobCancelled, Reason: reason}
}
