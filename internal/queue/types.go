package queue

import (
	"time"

	"github.com/civiq/fieldsync/internal/remote"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusUploading Status = "uploading"
	StatusRetrying  Status = "retrying"
	StatusFailed    Status = "failed"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// terminal statuses never transition again, except failed which a user
// may manually re-queue.
func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Submission is the durable record of one pending report delivery.
type Submission struct {
	ID              string              `json:"id"`
	Report          remote.Report       `json:"report"`
	Attachments     []remote.Attachment `json:"attachments,omitempty"`
	Status          Status              `json:"status"`
	RetryCount      int                 `json:"retry_count"`
	MaxRetries      int                 `json:"max_retries"`
	NextRetryAt     *time.Time          `json:"next_retry_at,omitempty"`
	FailureReason   string              `json:"failure_reason,omitempty"`
	ErrorMessage    string              `json:"error_message,omitempty"`
	Progress        int                 `json:"progress"`
	RecordID        string              `json:"record_id,omitempty"`
	ReferenceNumber string              `json:"reference_number,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// TotalBytes is the attachment payload size of this submission.
func (s *Submission) TotalBytes() int64 {
	var total int64
	for _, att := range s.Attachments {
		total += att.Size
	}
	return total
}

func (s *Submission) clone() *Submission {
	c := *s
	if s.NextRetryAt != nil {
		t := *s.NextRetryAt
		c.NextRetryAt = &t
	}
	c.Attachments = append([]remote.Attachment(nil), s.Attachments...)
	return &c
}

type Stats struct {
	Queued     int   `json:"queued"`
	Uploading  int   `json:"uploading"`
	Retrying   int   `json:"retrying"`
	Failed     int   `json:"failed"`
	Completed  int   `json:"completed"`
	Cancelled  int   `json:"cancelled"`
	Total      int   `json:"total"`
	TotalBytes int64 `json:"total_bytes"`
}
