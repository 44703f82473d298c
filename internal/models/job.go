package models

// JobStatus enumerates the lifecycle states of an outbound SMS job.
type JobStatus string

const (
	StatusQueued          JobStatus = "queued"
	StatusSending         JobStatus = "sending"
	StatusSent            JobStatus = "sent"
	StatusDelivered       JobStatus = "delivered"
	StatusFailedRetrying  JobStatus = "failed_retrying"
	StatusFailedPermanent JobStatus = "failed_permanent"
)

// IsTerminal reports whether no further transitions will occur for a job in
// this status. A job left in `sent` is terminal when the carrier never
// produces a delivery report, which is common.
func (s JobStatus) IsTerminal() bool {
	return s == StatusSent || s == StatusDelivered || s == StatusFailedPermanent
}

// IsRetryable reports whether the job failed and is waiting for a retry.
func (s JobStatus) IsRetryable() bool {
	return s == StatusFailedRetrying
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusSending, StatusSent, StatusDelivered,
		StatusFailedRetrying, StatusFailedPermanent:
		return true
	}
	return false
}

// Job is one outbound message task, persisted so it survives process
// restarts. Timestamps are wall-clock epoch milliseconds. Optional fields are
// pointers; NextRetryAt is populated exactly while the job is failed_retrying.
type Job struct {
	ID          string    `json:"id"`
	Destination string    `json:"destination"`
	Payload     string    `json:"payload"`
	Status      JobStatus `json:"status"`

	Attempts    int `json:"attempts"`
	MaxAttempts int `json:"max_attempts"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`

	SentAt      *int64 `json:"sent_at,omitempty"`
	DeliveredAt *int64 `json:"delivered_at,omitempty"`

	LastErrorCode    *int   `json:"last_error_code,omitempty"`
	LastErrorMessage string `json:"last_error_message,omitempty"`

	NextRetryAt *int64 `json:"next_retry_at,omitempty"`

	// PendingReport marks a job whose latest status transition has not yet
	// been delivered to the controller.
	PendingReport bool `json:"pending_report"`
}
