package report

import (
	"time"

	"github.com/google/uuid"
)

// Run is one persisted reconciliation run summary.
type Run struct {
	ID         uuid.UUID `json:"id"`
	Operation  string    `json:"operation"`
	Subject    string    `json:"subject"`
	Examined   int       `json:"examined"`
	Created    int       `json:"created"`
	Updated    int       `json:"updated"`
	Matched    int       `json:"matched"`
	Merged     int       `json:"merged"`
	Errors     []string  `json:"errors,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	RecordedAt time.Time `json:"recorded_at"`
}
