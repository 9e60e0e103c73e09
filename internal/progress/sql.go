package progress

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dbsmedya/nrdiscovery/internal/logger"
)

const createCheckpointTableSQL = `
CREATE TABLE IF NOT EXISTS discovery_checkpoint (
	session_id VARCHAR(64) PRIMARY KEY,
	status VARCHAR(32) NOT NULL DEFAULT '',
	cumulative_cost TEXT NOT NULL,
	cursor_state LONGTEXT,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
	INDEX idx_updated (updated_at)
) ENGINE=InnoDB;
`

const createCheckpointItemTableSQL = `
CREATE TABLE IF NOT EXISTS discovery_checkpoint_item (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	session_id VARCHAR(64) NOT NULL,
	seq INT NOT NULL,
	item VARCHAR(512) NOT NULL,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	UNIQUE KEY uk_session_item (session_id, item),
	INDEX idx_session_seq (session_id, seq),
	FOREIGN KEY (session_id) REFERENCES discovery_checkpoint(session_id) ON DELETE CASCADE
) ENGINE=InnoDB;
`

// itemBatchSize bounds the rows of one multi-row insert.
const itemBatchSize = 500

// SQLStore keeps checkpoints in MySQL. Completed items live in their own
// table and are written with INSERT IGNORE, so saves only append unless the
// checkpoint asks to replace them.
type SQLStore struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewSQLStore creates a store over an open connection pool.
func NewSQLStore(db *sql.DB, log *logger.Logger) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &SQLStore{db: db, logger: log}, nil
}

// InitializeTables creates the checkpoint tables if they don't exist.
// It is idempotent and safe to call on every startup.
func (s *SQLStore) InitializeTables(ctx context.Context) error {
	s.logger.Debug("Initializing checkpoint tables")

	if _, err := s.db.ExecContext(ctx, createCheckpointTableSQL); err != nil {
		return fmt.Errorf("failed to create discovery_checkpoint table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, createCheckpointItemTableSQL); err != nil {
		return fmt.Errorf("failed to create discovery_checkpoint_item table: %w", err)
	}

	s.logger.Info("Checkpoint tables initialized")
	return nil
}

// Save upserts the checkpoint row and appends unseen completed items in one
// transaction. With cp.Replace the stored items are deleted first.
func (s *SQLStore) Save(ctx context.Context, cp *Checkpoint) (string, error) {
	if err := validate(cp); err != nil {
		return "", err
	}

	costs, err := json.Marshal(cp.CumulativeCost)
	if err != nil {
		return "", fmt.Errorf("failed to encode cumulative cost: %w", err)
	}
	var cursor interface{}
	if len(cp.Cursor) > 0 {
		cursor = string(cp.Cursor)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO discovery_checkpoint (session_id, status, cumulative_cost, cursor_state)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE status = VALUES(status), cumulative_cost = VALUES(cumulative_cost),
		cursor_state = VALUES(cursor_state), updated_at = CURRENT_TIMESTAMP`,
		cp.SessionID, cp.Status, string(costs), cursor,
	)
	if err != nil {
		return "", fmt.Errorf("failed to save checkpoint: %w", err)
	}

	if cp.Replace {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM discovery_checkpoint_item WHERE session_id = ?", cp.SessionID,
		); err != nil {
			return "", fmt.Errorf("failed to clear completed items: %w", err)
		}
	}

	for start := 0; start < len(cp.CompletedItems); start += itemBatchSize {
		end := start + itemBatchSize
		if end > len(cp.CompletedItems) {
			end = len(cp.CompletedItems)
		}
		if err := insertItems(ctx, tx, cp.SessionID, start, cp.CompletedItems[start:end]); err != nil {
			return "", err
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit checkpoint: %w", err)
	}

	s.logger.WithSession(cp.SessionID).Debugf("Checkpoint saved: %d completed items", len(cp.CompletedItems))
	return cp.SessionID, nil
}

func insertItems(ctx context.Context, tx *sql.Tx, sessionID string, offset int, items []string) error {
	placeholders := make([]string, len(items))
	args := make([]interface{}, 0, len(items)*3)
	for i, item := range items {
		placeholders[i] = "(?, ?, ?)"
		args = append(args, sessionID, offset+i, item)
	}

	query := "INSERT IGNORE INTO discovery_checkpoint_item (session_id, seq, item) VALUES " +
		strings.Join(placeholders, ", ")
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to append completed items: %w", err)
	}
	return nil
}

// Load reads the checkpoint and its completed items in append order.
func (s *SQLStore) Load(ctx context.Context, id string) (*Checkpoint, error) {
	var (
		cp     = Checkpoint{SessionID: id}
		costs  string
		cursor sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT status, cumulative_cost, cursor_state, updated_at FROM discovery_checkpoint WHERE session_id = ?",
		id,
	).Scan(&cp.Status, &costs, &cursor, &cp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	if err := json.Unmarshal([]byte(costs), &cp.CumulativeCost); err != nil {
		return nil, fmt.Errorf("failed to decode cumulative cost: %w", err)
	}
	if cursor.Valid && cursor.String != "" {
		cp.Cursor = json.RawMessage(cursor.String)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT item FROM discovery_checkpoint_item WHERE session_id = ? ORDER BY seq",
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load completed items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item string
		if err := rows.Scan(&item); err != nil {
			return nil, fmt.Errorf("failed to scan completed item: %w", err)
		}
		cp.CompletedItems = append(cp.CompletedItems, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read completed items: %w", err)
	}
	return &cp, nil
}

// List returns every stored checkpoint, most recently updated first.
func (s *SQLStore) List(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.session_id, c.status, c.cumulative_cost, c.updated_at, COUNT(i.id)
		FROM discovery_checkpoint c
		LEFT JOIN discovery_checkpoint_item i ON i.session_id = c.session_id
		GROUP BY c.session_id, c.status, c.cumulative_cost, c.updated_at
		ORDER BY c.updated_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum       Summary
			costs     string
			updatedAt time.Time
		)
		if err := rows.Scan(&sum.ID, &sum.Status, &costs, &updatedAt, &sum.CompletedItems); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		sum.UpdatedAt = updatedAt

		var byCategory map[string]float64
		if err := json.Unmarshal([]byte(costs), &byCategory); err != nil {
			s.logger.Warnf("Checkpoint %s has unreadable cost totals: %v", sum.ID, err)
		}
		for _, v := range byCategory {
			sum.TotalCost += v
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read checkpoints: %w", err)
	}
	return out, nil
}
