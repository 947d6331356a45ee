package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a threat model id does not exist.
var ErrNotFound = errors.New("threat model not found")

// PostgresStore is the adapter over the relational store holding the
// authoritative JSON state of every threat model.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// GetThreatModel reads the current authoritative state for a document.
func (s *PostgresStore) GetThreatModel(ctx context.Context, id string) (*ThreatModel, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT state FROM threat_models WHERE id=$1`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read threat model %s: %w", id, err)
	}

	var tm ThreatModel
	if err := json.Unmarshal(raw, &tm); err != nil {
		return nil, fmt.Errorf("decode threat model %s: %w", id, err)
	}
	tm.ID = id
	if tm.Components == nil {
		tm.Components = map[string]*Component{}
	}
	if tm.DataFlows == nil {
		tm.DataFlows = map[string]*DataFlow{}
	}
	if tm.Threats == nil {
		tm.Threats = map[string]*Threat{}
	}
	return &tm, nil
}

// SaveThreatModel writes the next version of the state in one atomic call.
func (s *PostgresStore) SaveThreatModel(ctx context.Context, tm *ThreatModel) error {
	raw, err := json.Marshal(tm)
	if err != nil {
		return fmt.Errorf("encode threat model %s: %w", tm.ID, err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE threat_models SET state=$2, updated_at=NOW() WHERE id=$1
	`, tm.ID, raw)
	if err != nil {
		return fmt.Errorf("save threat model %s: %w", tm.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateThreatModel inserts a new empty document.
func (s *PostgresStore) CreateThreatModel(ctx context.Context, tm *ThreatModel) error {
	raw, err := json.Marshal(tm)
	if err != nil {
		return fmt.Errorf("encode threat model %s: %w", tm.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO threat_models (id, name, state)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, tm.ID, tm.Name, raw)
	if err != nil {
		return fmt.Errorf("create threat model %s: %w", tm.ID, err)
	}
	return nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, c Comment) error {
	var x, y *float64
	if c.Position != nil {
		x, y = &c.Position.X, &c.Position.Y
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comments (id, threat_model_id, element_id, author_id, author_name, content, position_x, position_y, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, c.ID, c.ThreatModelID, c.ElementID, c.AuthorID, c.AuthorName, c.Content, x, y, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListComments(ctx context.Context, threatModelID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, threat_model_id, element_id, author_id, author_name, content, position_x, position_y, created_at
		FROM comments
		WHERE threat_model_id=$1
		ORDER BY created_at ASC
	`, threatModelID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()
	return scanComments(rows)
}

// SearchComments is the Postgres fallback used when Meilisearch is down.
func (s *PostgresStore) SearchComments(ctx context.Context, threatModelID, query string, limit int) ([]Comment, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, threat_model_id, element_id, author_id, author_name, content, position_x, position_y, created_at
		FROM comments
		WHERE threat_model_id=$1 AND content ILIKE '%' || $2 || '%'
		ORDER BY created_at DESC
		LIMIT $3
	`, threatModelID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search comments: %w", err)
	}
	defer rows.Close()
	return scanComments(rows)
}

func scanComments(rows *sql.Rows) ([]Comment, error) {
	var out []Comment
	for rows.Next() {
		var c Comment
		var x, y sql.NullFloat64
		if err := rows.Scan(&c.ID, &c.ThreatModelID, &c.ElementID, &c.AuthorID, &c.AuthorName, &c.Content, &x, &y, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		if x.Valid && y.Valid {
			c.Position = &Position{X: x.Float64, Y: y.Float64}
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return out, nil
}
