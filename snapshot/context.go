package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/liamcoop/minerisk/rules"
)

// Window is the events and measurements of one level inside a time range
type Window struct {
	Events       []rules.Event
	Measurements []rules.Measurement
}

// ContextSource supplies the bounded lookback data for a level
type ContextSource interface {
	Window(ctx context.Context, level int, from, to time.Time) (Window, error)
}

// ActivitySource supplies the activities considered for a level
type ActivitySource interface {
	Activities(ctx context.Context, level int) ([]rules.Activity, error)
}

// ContextStore is a ContextSource that also ingests new data
type ContextStore interface {
	ContextSource
	RecordEvent(ctx context.Context, e *rules.Event) error
	RecordMeasurement(ctx context.Context, m *rules.Measurement) error
}

func validateEvent(e *rules.Event) error {
	if e.EventType == "" {
		return fmt.Errorf("eventType is required")
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	return nil
}

func validateMeasurement(m *rules.Measurement) error {
	if m.SensorType == "" {
		return fmt.Errorf("sensorType is required")
	}
	if m.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	return nil
}

// InMemoryContextStore keeps ingested data in memory
type InMemoryContextStore struct {
	events       []rules.Event
	measurements []rules.Measurement
	mu           sync.RWMutex
}

// NewInMemoryContextStore creates an empty store
func NewInMemoryContextStore() *InMemoryContextStore {
	return &InMemoryContextStore{}
}

// RecordEvent stores e, assigning an ID when missing
func (s *InMemoryContextStore) RecordEvent(_ context.Context, e *rules.Event) error {
	if err := validateEvent(e); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	s.mu.Lock()
	s.events = append(s.events, *e)
	s.mu.Unlock()
	return nil
}

// RecordMeasurement stores m, assigning an ID when missing
func (s *InMemoryContextStore) RecordMeasurement(_ context.Context, m *rules.Measurement) error {
	if err := validateMeasurement(m); err != nil {
		return err
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}

	s.mu.Lock()
	s.measurements = append(s.measurements, *m)
	s.mu.Unlock()
	return nil
}

// Window returns copies of the level's data with timestamps in [from, to]
func (s *InMemoryContextStore) Window(_ context.Context, level int, from, to time.Time) (Window, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var w Window
	for _, e := range s.events {
		if e.LevelNumber == level && !e.Timestamp.Before(from) && !e.Timestamp.After(to) {
			w.Events = append(w.Events, e)
		}
	}
	for _, m := range s.measurements {
		if m.LevelNumber == level && !m.Timestamp.Before(from) && !m.Timestamp.After(to) {
			w.Measurements = append(w.Measurements, m)
		}
	}
	return w, nil
}

// PostgresContextStore reads and writes the events and measurements tables
type PostgresContextStore struct {
	db *sql.DB
}

// NewPostgresContextStore creates a PostgreSQL-backed context store
func NewPostgresContextStore(db *sql.DB) *PostgresContextStore {
	return &PostgresContextStore{db: db}
}

// RecordEvent inserts e
func (s *PostgresContextStore) RecordEvent(ctx context.Context, e *rules.Event) error {
	if err := validateEvent(e); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode event metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (id, level_number, event_type, severity, metadata, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.ID, e.LevelNumber, e.EventType, e.Severity, metadata, e.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// RecordMeasurement inserts m
func (s *PostgresContextStore) RecordMeasurement(ctx context.Context, m *rules.Measurement) error {
	if err := validateMeasurement(m); err != nil {
		return err
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO measurements (id, level_number, sensor_type, value, unit, measured_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, m.ID, m.LevelNumber, m.SensorType, m.Value, m.Unit, m.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert measurement: %w", err)
	}
	return nil
}

// Window loads the level's events and measurements with timestamps in [from, to]
func (s *PostgresContextStore) Window(ctx context.Context, level int, from, to time.Time) (Window, error) {
	var w Window

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, level_number, event_type, severity, metadata, occurred_at
		FROM events
		WHERE level_number = $1 AND occurred_at BETWEEN $2 AND $3
		ORDER BY occurred_at ASC
	`, level, from, to)
	if err != nil {
		return w, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e        rules.Event
			metadata []byte
		)
		if err := rows.Scan(&e.ID, &e.LevelNumber, &e.EventType, &e.Severity, &metadata, &e.Timestamp); err != nil {
			return w, fmt.Errorf("failed to scan event: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return w, fmt.Errorf("event %s: invalid metadata: %w", e.ID, err)
			}
		}
		w.Events = append(w.Events, e)
	}
	if err := rows.Err(); err != nil {
		return w, fmt.Errorf("error iterating events: %w", err)
	}

	mrows, err := s.db.QueryContext(ctx, `
		SELECT id, level_number, sensor_type, value, unit, measured_at
		FROM measurements
		WHERE level_number = $1 AND measured_at BETWEEN $2 AND $3
		ORDER BY measured_at ASC
	`, level, from, to)
	if err != nil {
		return w, fmt.Errorf("failed to query measurements: %w", err)
	}
	defer mrows.Close()

	for mrows.Next() {
		var m rules.Measurement
		if err := mrows.Scan(&m.ID, &m.LevelNumber, &m.SensorType, &m.Value, &m.Unit, &m.Timestamp); err != nil {
			return w, fmt.Errorf("failed to scan measurement: %w", err)
		}
		w.Measurements = append(w.Measurements, m)
	}
	if err := mrows.Err(); err != nil {
		return w, fmt.Errorf("error iterating measurements: %w", err)
	}

	return w, nil
}
