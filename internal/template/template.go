package template

import (
	"time"
)

// Template is a message template. Content holds raw text with placeholder
// tokens that the formatter substitutes per recipient. A template fetched
// at session start is treated as immutable for the whole session.
type Template struct {
	ID          int       `json:"id"`
	Content     string    `json:"content"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
