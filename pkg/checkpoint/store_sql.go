package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/veritas-agent/veritas/pkg/protocol"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS checkpoints (
    task_id VARCHAR(255) PRIMARY KEY,
    node VARCHAR(64) NOT NULL,
    messages TEXT NOT NULL,
    loop_count INTEGER NOT NULL,
    paused INTEGER NOT NULL DEFAULT 0,
    paused_phase VARCHAR(16),
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_checkpoints_created_at ON checkpoints(created_at);
`

// SQLStore persists snapshots in SQLite so paused tasks survive a
// process restart.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore opens (or creates) the checkpoint database at path.
// Use ":memory:" for an ephemeral database in tests.
func NewSQLStore(path string) (*SQLStore, error) {
	if path == "" {
		return nil, fmt.Errorf("checkpoint database path is required")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping checkpoint database: %w", err)
	}
	if _, err := db.ExecContext(ctx, createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize checkpoint schema: %w", err)
	}

	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Save(ctx context.Context, snap *Snapshot) error {
	messages, err := json.Marshal(snap.Messages)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}

	createdAt := snap.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO checkpoints (task_id, node, messages, loop_count, paused, paused_phase, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(task_id) DO UPDATE SET
    node = excluded.node,
    messages = excluded.messages,
    loop_count = excluded.loop_count,
    paused = excluded.paused,
    paused_phase = excluded.paused_phase,
    created_at = excluded.created_at`,
		snap.TaskID, snap.Node, string(messages), snap.LoopCount,
		boolToInt(snap.Paused), snap.PausedPhase, createdAt)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (s *SQLStore) Load(ctx context.Context, taskID string) (*Snapshot, error) {
	var (
		snap        Snapshot
		messages    string
		paused      int
		pausedPhase sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
SELECT task_id, node, messages, loop_count, paused, paused_phase, created_at
FROM checkpoints WHERE task_id = ?`, taskID).Scan(
		&snap.TaskID, &snap.Node, &messages, &snap.LoopCount,
		&paused, &pausedPhase, &snap.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	var msgs []protocol.Message
	if err := json.Unmarshal([]byte(messages), &msgs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation: %w", err)
	}
	snap.Messages = msgs
	snap.Paused = paused != 0
	snap.PausedPhase = pausedPhase.String
	return &snap, nil
}

func (s *SQLStore) Delete(ctx context.Context, taskID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
