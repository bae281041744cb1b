package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/liamcoop/minerisk/audit"
	"github.com/liamcoop/minerisk/rules"
)

// ErrNoSnapshots is returned when no snapshot has been taken yet
var ErrNoSnapshots = errors.New("no snapshots recorded")

// Snapshot is one timestamped batch of per-level calculations. Append-only.
type Snapshot struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// LevelSnapshot is the persisted calculation for one level in a snapshot
type LevelSnapshot struct {
	SnapshotID     string                `json:"snapshotId"`
	LevelNumber    int                   `json:"levelNumber"`
	LevelName      string                `json:"levelName"`
	Score          int                   `json:"score"`
	Band           rules.Band            `json:"band"`
	Explanation    string                `json:"explanation"`
	TriggeredRules []rules.TriggeredRule `json:"triggeredRules"`
	Activities     []rules.Activity      `json:"activities"`
	CalculatedAt   time.Time             `json:"calculatedAt"`
	AuditEntryID   string                `json:"auditEntryId,omitempty"`
}

// Sink persists snapshots. SaveLevel must store the level snapshot and its
// audit entry together; a failure for one level must not affect others.
type Sink interface {
	CreateSnapshot(ctx context.Context, s *Snapshot) error
	SaveLevel(ctx context.Context, ls *LevelSnapshot, entry *audit.Entry) error
}

// Reader reads back persisted snapshots
type Reader interface {
	// Latest returns the most recent snapshot and its level snapshots ordered by level
	Latest(ctx context.Context) (*Snapshot, []*LevelSnapshot, error)
}

// InMemorySink keeps snapshots in memory and writes audit entries to an audit.Store
type InMemorySink struct {
	audits    audit.Store
	snapshots []*Snapshot
	levels    map[string][]*LevelSnapshot
	mu        sync.RWMutex
}

// NewInMemorySink creates a sink writing audit entries to audits
func NewInMemorySink(audits audit.Store) *InMemorySink {
	return &InMemorySink{
		audits: audits,
		levels: make(map[string][]*LevelSnapshot),
	}
}

// CreateSnapshot records s
func (m *InMemorySink) CreateSnapshot(_ context.Context, s *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *s
	m.snapshots = append(m.snapshots, &c)
	return nil
}

// SaveLevel stores the audit entry then the level snapshot
func (m *InMemorySink) SaveLevel(ctx context.Context, ls *LevelSnapshot, entry *audit.Entry) error {
	if err := m.audits.Save(ctx, entry); err != nil {
		return err
	}
	ls.AuditEntryID = entry.ID

	m.mu.Lock()
	defer m.mu.Unlock()

	c := *ls
	m.levels[ls.SnapshotID] = append(m.levels[ls.SnapshotID], &c)
	return nil
}

// Latest returns the newest snapshot
func (m *InMemorySink) Latest(_ context.Context) (*Snapshot, []*LevelSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.snapshots) == 0 {
		return nil, nil, ErrNoSnapshots
	}
	s := *m.snapshots[len(m.snapshots)-1]

	levels := make([]*LevelSnapshot, 0, len(m.levels[s.ID]))
	for _, ls := range m.levels[s.ID] {
		c := *ls
		levels = append(levels, &c)
	}
	sortLevels(levels)
	return &s, levels, nil
}

// PostgresSink writes snapshots, level snapshots and audit entries to PostgreSQL
type PostgresSink struct {
	db     *sql.DB
	audits *audit.PostgresStore
}

// NewPostgresSink creates a PostgreSQL-backed sink
func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db, audits: audit.NewPostgresStore(db)}
}

// CreateSnapshot inserts the snapshot row
func (p *PostgresSink) CreateSnapshot(ctx context.Context, s *Snapshot) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, taken_at) VALUES ($1, $2)
	`, s.ID, s.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

// SaveLevel writes the level snapshot and audit entry in one transaction
func (p *PostgresSink) SaveLevel(ctx context.Context, ls *LevelSnapshot, entry *audit.Entry) (err error) {
	triggered, err := json.Marshal(ls.TriggeredRules)
	if err != nil {
		return fmt.Errorf("failed to encode triggered rules: %w", err)
	}
	activities, err := json.Marshal(ls.Activities)
	if err != nil {
		return fmt.Errorf("failed to encode activities: %w", err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = p.audits.SaveTx(ctx, tx, entry); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO level_snapshots (snapshot_id, level_number, level_name, score, band, explanation,
			triggered_rules, activities, calculated_at, audit_entry_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, ls.SnapshotID, ls.LevelNumber, ls.LevelName, ls.Score, string(ls.Band), ls.Explanation,
		triggered, activities, ls.CalculatedAt, entry.ID)
	if err != nil {
		return fmt.Errorf("failed to insert level snapshot: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit level snapshot: %w", err)
	}
	ls.AuditEntryID = entry.ID
	return nil
}

// Latest returns the newest snapshot and its levels
func (p *PostgresSink) Latest(ctx context.Context) (*Snapshot, []*LevelSnapshot, error) {
	var s Snapshot
	err := p.db.QueryRowContext(ctx, `
		SELECT id, taken_at FROM snapshots ORDER BY taken_at DESC, created_at DESC LIMIT 1
	`).Scan(&s.ID, &s.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrNoSnapshots
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get latest snapshot: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT snapshot_id, level_number, level_name, score, band, explanation,
			triggered_rules, activities, calculated_at, audit_entry_id
		FROM level_snapshots
		WHERE snapshot_id = $1
		ORDER BY level_number ASC
	`, s.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list level snapshots: %w", err)
	}
	defer rows.Close()

	var levels []*LevelSnapshot
	for rows.Next() {
		var (
			ls         LevelSnapshot
			band       string
			triggered  []byte
			activities []byte
		)
		if err := rows.Scan(&ls.SnapshotID, &ls.LevelNumber, &ls.LevelName, &ls.Score, &band, &ls.Explanation,
			&triggered, &activities, &ls.CalculatedAt, &ls.AuditEntryID); err != nil {
			return nil, nil, fmt.Errorf("failed to scan level snapshot: %w", err)
		}
		ls.Band = rules.Band(band)
		if err := json.Unmarshal(triggered, &ls.TriggeredRules); err != nil {
			return nil, nil, fmt.Errorf("invalid triggered_rules: %w", err)
		}
		if err := json.Unmarshal(activities, &ls.Activities); err != nil {
			return nil, nil, fmt.Errorf("invalid activities: %w", err)
		}
		levels = append(levels, &ls)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating level snapshots: %w", err)
	}

	return &s, levels, nil
}
