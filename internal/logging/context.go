package logging

import "github.com/google/uuid"

// NewCorrelationID creates a short, human-scannable correlation id used to
// tie an event-log entry to the log lines that produced it.
func NewCorrelationID() string {
	return uuid.New().String()[:8]
}
