package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// ErrEntryNotFound is returned when no audit entry has the requested id
var ErrEntryNotFound = errors.New("audit entry not found")

// DefaultListLimit caps ListByLevel when no limit is given
const DefaultListLimit = 50

// Store persists audit entries. Entries are append-only.
type Store interface {
	// Save assigns an ID and stores the entry
	Save(ctx context.Context, e *Entry) error

	// Get retrieves an entry by ID
	Get(ctx context.Context, id string) (*Entry, error)

	// ListByLevel returns a level's most recent entries, newest first
	ListByLevel(ctx context.Context, level, limit int) ([]*Entry, error)
}

// InMemoryStore implements Store in memory
type InMemoryStore struct {
	entries []*Entry
	byID    map[string]*Entry
	mu      sync.RWMutex
}

// NewInMemoryStore creates an empty in-memory audit store
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{byID: make(map[string]*Entry)}
}

// Save stores a copy of e
func (s *InMemoryStore) Save(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.ID = uuid.NewString()
	stored := *e
	s.entries = append(s.entries, &stored)
	s.byID[stored.ID] = &stored
	return nil
}

// Get retrieves an entry by ID
func (s *InMemoryStore) Get(_ context.Context, id string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("audit entry %s: %w", id, ErrEntryNotFound)
	}
	out := *e
	return &out, nil
}

// ListByLevel returns a level's entries, newest first
func (s *InMemoryStore) ListByLevel(_ context.Context, level, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Entry
	for _, e := range slices.Backward(s.entries) {
		if e.LevelNumber != level {
			continue
		}
		c := *e
		out = append(out, &c)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// PostgresStore implements Store backed by the audit_entries table
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed audit store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Save inserts e in its own statement
func (s *PostgresStore) Save(ctx context.Context, e *Entry) error {
	return insertEntry(ctx, s.db, e)
}

// SaveTx inserts e inside an existing transaction so it commits together
// with the level snapshot it belongs to
func (s *PostgresStore) SaveTx(ctx context.Context, tx *sql.Tx, e *Entry) error {
	return insertEntry(ctx, tx, e)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEntry(ctx context.Context, db execer, e *Entry) error {
	applied, err := json.Marshal(e.RulesApplied)
	if err != nil {
		return fmt.Errorf("failed to encode rules_applied: %w", err)
	}
	inputs, err := json.Marshal(e.InputsUsed)
	if err != nil {
		return fmt.Errorf("failed to encode inputs_used: %w", err)
	}

	id := uuid.NewString()
	_, err = db.ExecContext(ctx, `
		INSERT INTO audit_entries (id, snapshot_id, level_number, evaluated_at, rules_applied,
			inputs_used, final_score, explanation, rule_version_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, id, e.SnapshotID, e.LevelNumber, e.Timestamp, applied, inputs, e.FinalScore, e.Explanation, e.RuleVersionHash)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}

	e.ID = id
	return nil
}

const entryColumns = `id, snapshot_id, level_number, evaluated_at, rules_applied, inputs_used,
	final_score, explanation, rule_version_hash`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e          Entry
		snapshotID sql.NullString
		applied    []byte
		inputs     []byte
	)
	if err := row.Scan(&e.ID, &snapshotID, &e.LevelNumber, &e.Timestamp, &applied, &inputs,
		&e.FinalScore, &e.Explanation, &e.RuleVersionHash); err != nil {
		return nil, err
	}
	if snapshotID.Valid {
		e.SnapshotID = &snapshotID.String
	}
	if err := json.Unmarshal(applied, &e.RulesApplied); err != nil {
		return nil, fmt.Errorf("invalid rules_applied: %w", err)
	}
	if err := json.Unmarshal(inputs, &e.InputsUsed); err != nil {
		return nil, fmt.Errorf("invalid inputs_used: %w", err)
	}
	return &e, nil
}

// Get retrieves an entry by ID
func (s *PostgresStore) Get(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM audit_entries WHERE id = $1`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("audit entry %s: %w", id, ErrEntryNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get audit entry: %w", err)
	}
	return e, nil
}

// ListByLevel returns a level's most recent entries
func (s *PostgresStore) ListByLevel(ctx context.Context, level, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM audit_entries
		WHERE level_number = $1
		ORDER BY evaluated_at DESC
		LIMIT $2
	`, level, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}
	return entries, nil
}
