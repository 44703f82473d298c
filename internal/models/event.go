package models

// Event log levels.
const (
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// EventLogEntry is one line of the bounded operational event log. The ID is
// assigned by the store and is monotonically increasing.
type EventLogEntry struct {
	ID        int64  `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}
