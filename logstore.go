package vigil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// SecurityEvent is the record persisted for every threat and detection.
type SecurityEvent struct {
	ID         string            `db:"id" json:"id"`
	Type       string            `db:"event_type" json:"type"`
	Severity   Severity          `db:"severity" json:"severity"`
	Source     string            `db:"source" json:"source"`
	IP         string            `db:"ip" json:"ip"`
	Endpoint   string            `db:"endpoint" json:"endpoint"`
	Confidence float64           `db:"confidence" json:"confidence"`
	RiskScore  float64           `db:"risk_score" json:"riskScore"`
	Metadata   map[string]string `db:"-" json:"metadata,omitempty"`
	At         time.Time         `db:"created_at" json:"at"`
}

// LogStore is the persistence collaborator. Failures are logged by callers
// and never block the decision path.
type LogStore interface {
	Persist(ctx context.Context, ev *SecurityEvent) error
	Close() error
}

const eventsSchema = `
CREATE TABLE IF NOT EXISTS security_events (
	id          TEXT PRIMARY KEY,
	event_type  TEXT NOT NULL,
	severity    TEXT NOT NULL,
	source      TEXT NOT NULL,
	ip          TEXT,
	endpoint    TEXT,
	confidence  REAL NOT NULL,
	risk_score  REAL NOT NULL,
	metadata    TEXT,
	created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_security_events_source ON security_events(source, created_at);
`

// SQLiteLogStore persists events to a local SQLite database.
type SQLiteLogStore struct {
	db *sqlx.DB
}

func NewSQLiteLogStore(path string) (*SQLiteLogStore, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("logstore: open %s: %w", path, err)
	}
	if _, err := db.Exec(eventsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("logstore: schema: %w", err)
	}
	return &SQLiteLogStore{db: db}, nil
}

func (s *SQLiteLogStore) Persist(ctx context.Context, ev *SecurityEvent) error {
	meta, err := json.Marshal(ev.Metadata)
	if err != nil {
		meta = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO security_events
		 (id, event_type, severity, source, ip, endpoint, confidence, risk_score, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Type, string(ev.Severity), ev.Source, ev.IP, ev.Endpoint,
		ev.Confidence, ev.RiskScore, string(meta), ev.At)
	if err != nil {
		return fmt.Errorf("logstore: insert: %w", err)
	}
	return nil
}

// Recent returns the newest events for the introspection endpoints.
func (s *SQLiteLogStore) Recent(ctx context.Context, limit int) ([]SecurityEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var events []SecurityEvent
	err := s.db.SelectContext(ctx, &events,
		`SELECT id, event_type, severity, source, ip, endpoint, confidence, risk_score, created_at
		 FROM security_events ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("logstore: select: %w", err)
	}
	return events, nil
}

func (s *SQLiteLogStore) Close() error {
	return s.db.Close()
}

// MemoryLogStore keeps events in memory. Used in tests and as the fallback
// when no database path is configured.
type MemoryLogStore struct {
	mu     sync.Mutex
	events []*SecurityEvent
	max    int
}

func NewMemoryLogStore(max int) *MemoryLogStore {
	if max <= 0 {
		max = 1000
	}
	return &MemoryLogStore{max: max}
}

func (s *MemoryLogStore) Persist(_ context.Context, ev *SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	if len(s.events) > s.max {
		s.events = s.events[len(s.events)-s.max:]
	}
	return nil
}

func (s *MemoryLogStore) Events() []*SecurityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*SecurityEvent, len(s.events))
	copy(out, s.events)
	return out
}

func (s *MemoryLogStore) Close() error { return nil }
