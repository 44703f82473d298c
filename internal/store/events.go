package store

import (
	"context"
	"fmt"

	"github.com/smstool/gateway/internal/models"
)

// eventLogLimit bounds the event log; older entries are purged
// opportunistically on insert.
const eventLogLimit = 500

// LogEvent appends one entry to the bounded event log.
func (s *Store) LogEvent(ctx context.Context, timestampMillis int64, level, message string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO event_log (timestamp, level, message) VALUES (?, ?, ?)`,
		timestampMillis, level, message)
	if err != nil {
		return fmt.Errorf("store: log event: %w", err)
	}

	// Pruning is best effort and need not be transactional with the insert.
	_, err = s.db.ExecContext(ctx, `
		DELETE FROM event_log WHERE id NOT IN (
			SELECT id FROM event_log ORDER BY timestamp DESC, id DESC LIMIT ?
		)`, eventLogLimit)
	if err != nil {
		return fmt.Errorf("store: prune event log: %w", err)
	}
	return nil
}

// RecentEvents returns the newest entries, most recent first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]models.EventLogEntry, error) {
	if limit <= 0 || limit > eventLogLimit {
		limit = eventLogLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, level, message
		FROM event_log
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query events: %w", err)
	}
	defer rows.Close()

	var events []models.EventLogEntry
	for rows.Next() {
		var e models.EventLogEntry
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Level, &e.Message); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate events: %w", err)
	}
	return events, nil
}
