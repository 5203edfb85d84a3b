package models

import "time"

// Kind tells which relay produced a record.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
)

// Status marks whether Result holds a real analyzer output or a sentinel.
type Status string

const (
	StatusOK     Status = "ok"
	StatusFailed Status = "failed"
)

// AnonymousSubmitter is stored when the requester leaves the name empty.
const AnonymousSubmitter = "Anonymous"

// InteractionRecord is one audit row: a user submission plus its analyzer result.
type InteractionRecord struct {
	ID          int64     `json:"id"`
	Kind        Kind      `json:"kind"`
	SubmittedBy string    `json:"submitted_by"`
	Input       string    `json:"input"`
	Result      string    `json:"result"`
	Status      Status    `json:"status"`
	Model       string    `json:"model,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Failed reports whether Result is a sentinel.
func (r *InteractionRecord) Failed() bool {
	return r.Status == StatusFailed
}
