package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/mivanov/herald/internal/recipient"
	"github.com/mivanov/herald/internal/template"
)

// RecipientStore is the engine's narrow view of the recipient list. The
// list is also mutated externally (manual edits), so implementations
// treat removal of an absent recipient as a no-op.
type RecipientStore interface {
	Selected(ctx context.Context) ([]recipient.Recipient, error)
	Remove(ctx context.Context, id string) error
}

// TemplateStore resolves a template by id; nil means not found
type TemplateStore interface {
	Get(ctx context.Context, id int) (*template.Template, error)
}

// Sender performs one blocking logical send with asynchronous
// confirmation underneath. Implemented by track.Tracker.
type Sender interface {
	Send(ctx context.Context, recipientID, address, text string) bool
	SetDeliveredFunc(fn func(recipientID string))
}

// ProgressSink consumes progress and completion events. Delivery is
// at-least-once: the engine re-emits the terminal event, so consumers
// must tolerate duplicates.
type ProgressSink interface {
	Progress(sent, total int, message string)
	Done(message string)
}

var (
	// ErrEmptyTemplate is returned when the template is missing or has no content
	ErrEmptyTemplate = errors.New("template is empty")

	// ErrNoRecipients is returned when no recipient is selected
	ErrNoRecipients = errors.New("no recipients selected")
)

// Event is one recorded progress or completion event
type Event struct {
	Sent     int    `json:"sent"`
	Total    int    `json:"total"`
	Message  string `json:"message"`
	Terminal bool   `json:"terminal"`
}

// Recorder is a ProgressSink that keeps a bounded tail of events for
// status queries. Duplicate terminal events collapse into one.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	limit  int
}

// NewRecorder creates a recorder keeping at most limit events
func NewRecorder(limit int) *Recorder {
	if limit <= 0 {
		limit = 50
	}
	return &Recorder{limit: limit}
}

// Progress implements ProgressSink
func (r *Recorder) Progress(sent, total int, message string) {
	r.record(Event{Sent: sent, Total: total, Message: message})
}

// Done implements ProgressSink
func (r *Recorder) Done(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n := len(r.events); n > 0 {
		last := r.events[n-1]
		if last.Terminal && last.Message == message {
			return
		}
	}
	r.append(Event{Message: message, Terminal: true})
}

// Events returns a copy of the recorded tail, oldest first
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Last returns the most recent event, if any
func (r *Recorder) Last() (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.events) == 0 {
		return Event{}, false
	}
	return r.events[len(r.events)-1], true
}

func (r *Recorder) record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.append(e)
}

func (r *Recorder) append(e Event) {
	r.events = append(r.events, e)
	if len(r.events) > r.limit {
		r.events = r.events[len(r.events)-r.limit:]
	}
}
