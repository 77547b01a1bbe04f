package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

var (
	// ErrNotFound is returned when no template has the requested name.
	ErrNotFound = errors.New("template not found")
	// ErrExists is returned when enrolling a name that is already taken.
	ErrExists = errors.New("template already exists")
)

// Store manages the PostgreSQL connection and pgvector operations.
type Store struct {
	conn *pgx.Conn
}

// Template is an enrolled identity: the feature vector and face crop of a successful capture.
type Template struct {
	ID        int64
	Name      string
	SessionID uuid.UUID
	Embedding []float32
	Image     []byte
	CreatedAt time.Time
}

// TemplateInfo is the list view of a template.
type TemplateInfo struct {
	ID        int64
	Name      string
	Dim       int
	Attempts  int
	Passed    int
	CreatedAt time.Time
}

// Attempt is one verification run against a template.
type Attempt struct {
	SessionID  uuid.UUID
	TemplateID *int64
	Outcome    string
	Passed     bool
	// Similarity is nil when no comparison ran.
	Similarity *float64
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the vector extension and tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS templates (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			session_id UUID NOT NULL,
			embedding VECTOR NOT NULL,
			image BYTEA,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS attempts (
			id BIGSERIAL PRIMARY KEY,
			session_id UUID NOT NULL,
			template_id BIGINT REFERENCES templates(id) ON DELETE SET NULL,
			outcome TEXT NOT NULL,
			passed BOOLEAN NOT NULL DEFAULT FALSE,
			similarity DOUBLE PRECISION,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS attempts_template_id_idx ON attempts (template_id);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// SaveTemplate stores t under t.Name and returns its ID. With overwrite an existing
// template of the same name is replaced, otherwise ErrExists is returned.
func (s *Store) SaveTemplate(ctx context.Context, t Template, overwrite bool) (int64, error) {
	query := `
		INSERT INTO templates (name, session_id, embedding, image)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO NOTHING
		RETURNING id
	`
	if overwrite {
		query = `
			INSERT INTO templates (name, session_id, embedding, image)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (name) DO UPDATE
			SET session_id = EXCLUDED.session_id, embedding = EXCLUDED.embedding,
			    image = EXCLUDED.image, created_at = NOW()
			RETURNING id
		`
	}

	var id int64
	err := s.conn.QueryRow(ctx, query, t.Name, t.SessionID, pgvector.NewVector(t.Embedding), t.Image).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrExists, t.Name)
	}
	return id, err
}

// GetTemplate fetches a template by name.
func (s *Store) GetTemplate(ctx context.Context, name string) (*Template, error) {
	var t Template
	var v pgvector.Vector
	err := s.conn.QueryRow(ctx, `
		SELECT id, name, session_id, embedding, image, created_at
		FROM templates WHERE name = $1
	`, name).Scan(&t.ID, &t.Name, &t.SessionID, &v, &t.Image, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	t.Embedding = v.Slice()
	return &t, nil
}

// FindClosestTemplate searches for the nearest template by cosine distance.
// It returns ErrNotFound when nothing lies within maxDist (inclusive).
func (s *Store) FindClosestTemplate(ctx context.Context, vec []float32, maxDist float64) (*Template, float64, error) {
	// <=> is the cosine distance operator in pgvector
	var t Template
	var dist float64
	err := s.conn.QueryRow(ctx, `
		SELECT id, name, session_id, created_at, embedding <=> $1 AS distance
		FROM templates
		WHERE vector_dims(embedding) = $3 AND embedding <=> $1 <= $2
		ORDER BY embedding <=> $1 ASC
		LIMIT 1
	`, pgvector.NewVector(vec), maxDist, len(vec)).Scan(&t.ID, &t.Name, &t.SessionID, &t.CreatedAt, &dist)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	return &t, dist, nil
}

// ListTemplates returns every template with its verification statistics.
func (s *Store) ListTemplates(ctx context.Context) ([]TemplateInfo, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT t.id, t.name, vector_dims(t.embedding), t.created_at,
		       COUNT(a.id), COUNT(a.id) FILTER (WHERE a.passed)
		FROM templates t
		LEFT JOIN attempts a ON a.template_id = t.id
		GROUP BY t.id
		ORDER BY t.name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TemplateInfo
	for rows.Next() {
		var ti TemplateInfo
		if err := rows.Scan(&ti.ID, &ti.Name, &ti.Dim, &ti.CreatedAt, &ti.Attempts, &ti.Passed); err != nil {
			return nil, err
		}
		out = append(out, ti)
	}
	return out, rows.Err()
}

// RenameTemplate changes a template's name.
func (s *Store) RenameTemplate(ctx context.Context, oldName, newName string) error {
	tag, err := s.conn.Exec(ctx, "UPDATE templates SET name = $1 WHERE name = $2", newName, oldName)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, oldName)
	}
	return nil
}

// DeleteTemplate removes a template. Its attempts are kept with a NULL template.
func (s *Store) DeleteTemplate(ctx context.Context, name string) error {
	tag, err := s.conn.Exec(ctx, "DELETE FROM templates WHERE name = $1", name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return nil
}

// RecordAttempt logs a verification run.
func (s *Store) RecordAttempt(ctx context.Context, a Attempt) error {
	_, err := s.conn.Exec(ctx, `
		INSERT INTO attempts (session_id, template_id, outcome, passed, similarity)
		VALUES ($1, $2, $3, $4, $5)
	`, a.SessionID, a.TemplateID, a.Outcome, a.Passed, a.Similarity)
	return err
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS attempts CASCADE;
		DROP TABLE IF EXISTS templates CASCADE;
	`)
	return err
}
