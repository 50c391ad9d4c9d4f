package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/yegors/aura-relay/internal/telemetry"
	"github.com/yegors/aura-relay/pkg/logger"
)

// EventRecord is one persisted telemetry event
type EventRecord struct {
	ID         int64          `json:"id"`
	Name       string         `json:"name"`
	SessionID  string         `json:"session_id"`
	Provider   string         `json:"provider"`
	Model      string         `json:"model"`
	Source     string         `json:"source,omitempty"`
	CreatedAt  time.Time      `json:"timestamp"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// TelemetryStorage persists relay telemetry events
type TelemetryStorage struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewTelemetryStorage creates the storage and its tables
func NewTelemetryStorage(db *sql.DB, log *logger.Logger) (*TelemetryStorage, error) {
	s := &TelemetryStorage{
		db:     db,
		logger: log.Named("sqlite-telemetry"),
	}
	if err := s.initDB(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *TelemetryStorage) initDB() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS telemetry_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			session_id TEXT NOT NULL,
			provider TEXT,
			model TEXT,
			source TEXT,
			created_at TIMESTAMP NOT NULL,
			attributes TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create telemetry_events table: %w", err)
	}

	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_telemetry_session ON telemetry_events(session_id)`); err != nil {
		return fmt.Errorf("failed to create session_id index: %w", err)
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_telemetry_name ON telemetry_events(name)`); err != nil {
		return fmt.Errorf("failed to create name index: %w", err)
	}
	return nil
}

// Record stores ev. Errors are logged, never returned.
func (s *TelemetryStorage) Record(ev telemetry.Event) {
	if _, err := s.StoreEvent(ev); err != nil {
		s.logger.Warn("Failed to store telemetry event",
			logger.String("name", ev.Name),
			logger.Error(err))
	}
}

// StoreEvent inserts ev and returns its row id
func (s *TelemetryStorage) StoreEvent(ev telemetry.Event) (int64, error) {
	var attrs sql.NullString
	if len(ev.Attributes) > 0 {
		b, err := json.Marshal(ev.Attributes)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal attributes: %w", err)
		}
		attrs = sql.NullString{String: string(b), Valid: true}
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	result, err := s.db.Exec(`
		INSERT INTO telemetry_events (name, session_id, provider, model, source, created_at, attributes)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ev.Name, ev.SessionID, ev.Provider, ev.Model, ev.Source, ev.Time.UTC(), attrs)
	if err != nil {
		return 0, fmt.Errorf("failed to insert telemetry event: %w", err)
	}
	return result.LastInsertId()
}

// GetSessionEvents returns the events of one session in insertion order
func (s *TelemetryStorage) GetSessionEvents(sessionID string) ([]*EventRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, name, session_id, provider, model, source, created_at, attributes
		FROM telemetry_events
		WHERE session_id = ?
		ORDER BY id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query telemetry events: %w", err)
	}
	defer rows.Close()

	var records []*EventRecord
	for rows.Next() {
		var (
			r      EventRecord
			source sql.NullString
			attrs  sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.SessionID, &r.Provider, &r.Model, &source, &r.CreatedAt, &attrs); err != nil {
			return nil, fmt.Errorf("failed to scan telemetry event: %w", err)
		}
		r.Source = source.String
		if attrs.Valid {
			if err := json.Unmarshal([]byte(attrs.String), &r.Attributes); err != nil {
				s.logger.Warn("Ignoring malformed telemetry attributes", logger.Int64("id", r.ID), logger.Error(err))
			}
		}
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating telemetry events: %w", err)
	}
	return records, nil
}
