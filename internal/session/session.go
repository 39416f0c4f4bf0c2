package session

import (
	"time"

	"github.com/mivanov/herald/internal/recipient"
)

// Status is the lifecycle state of a session
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Session is one resumable unit of bulk-dispatch work: a recipient set
// and a single template. While in progress it lives in the active slot;
// on a terminal status it moves to the bounded history.
//
// Invariants: SentCount == len(Completed); Remaining and Completed are
// disjoint.
type Session struct {
	ID                string                `json:"id"`
	Name              string                `json:"name"`
	TemplateID        int                   `json:"template_id"`
	TotalRecipients   int                   `json:"total_recipients"`
	SentCount         int                   `json:"sent_count"`
	Remaining         []recipient.Recipient `json:"remaining"`
	Completed         []recipient.Recipient `json:"completed"`
	StartTime         time.Time             `json:"start_time"`
	LastUpdateTime    time.Time             `json:"last_update_time"`
	Status            Status                `json:"status"`
	FailureReason     string                `json:"failure_reason,omitempty"`
	FailedRecipientID string                `json:"failed_recipient_id,omitempty"`
}
