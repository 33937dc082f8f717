// Package subject owns the enrolled identities the verification core reads.
// The core only consumes the biometric template and may replace it wholesale;
// everything else here is directory glue.
package subject

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	"faceattend/internal/biometric"
)

// ErrExists is returned when a username is already taken.
var ErrExists = errors.New("username already exists")

// Subject is an enrolled person.
type Subject struct {
	ID           string            `json:"id"`
	Username     string            `json:"username"`
	FullName     string            `json:"full_name,omitempty"`
	PasswordHash string            `json:"-"`
	Role         string            `json:"role"`
	TenantID     string            `json:"tenant_id,omitempty"`
	Template     *biometric.Vector `json:"-"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Store persists subjects in Postgres. Templates live in a pgvector column
// tagged with the engine that produced them.
type Store struct {
	db *sql.DB
}

// NewStore creates a store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const subjectColumns = `id, username, COALESCE(full_name, ''), password_hash, role, COALESCE(tenant_id, ''), COALESCE(face_engine, ''), face_template, created_at`

// Create inserts a new subject. The username uniqueness constraint is the
// storage-level guard; a violation maps to ErrExists.
func (s *Store) Create(ctx context.Context, sub *Subject) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	sub.CreatedAt = time.Now().UTC()

	var engine any
	var template any
	if sub.Template != nil {
		engine = sub.Template.Engine
		template = pgvector.NewVector(sub.Template.Values)
	}
	var tenant any
	if sub.TenantID != "" {
		tenant = sub.TenantID
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subjects (id, username, full_name, password_hash, role, tenant_id, face_engine, face_template, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, sub.ID, sub.Username, sub.FullName, sub.PasswordHash, sub.Role, tenant, engine, template, sub.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrExists
		}
		return err
	}
	return nil
}

// GetByID returns a subject including its optional template, or nil when
// absent.
func (s *Store) GetByID(ctx context.Context, id string) (*Subject, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subjectColumns+` FROM subjects WHERE id = $1`, id)
	return scanSubject(row)
}

// GetByUsername returns a subject by its unique handle, or nil when absent.
func (s *Store) GetByUsername(ctx context.Context, username string) (*Subject, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subjectColumns+` FROM subjects WHERE username = $1`, username)
	return scanSubject(row)
}

// SearchIDs resolves subjects whose handle or display name contains q,
// case-insensitively, capped at limit candidates. Used by the identity-text
// record filter.
func (s *Store) SearchIDs(ctx context.Context, q string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM subjects
		WHERE username ILIKE '%' || $1 || '%' OR full_name ILIKE '%' || $1 || '%'
		LIMIT $2
	`, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ReplaceTemplate swaps the stored template atomically. Templates are
// replaced whole, never merged.
func (s *Store) ReplaceTemplate(ctx context.Context, id string, vec biometric.Vector) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE subjects SET face_engine = $2, face_template = $3 WHERE id = $1
	`, id, vec.Engine, pgvector.NewVector(vec.Values))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func scanSubject(row *sql.Row) (*Subject, error) {
	var sub Subject
	var engine string
	var template sql.Null[pgvector.Vector]
	err := row.Scan(&sub.ID, &sub.Username, &sub.FullName, &sub.PasswordHash, &sub.Role, &sub.TenantID, &engine, &template, &sub.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if template.Valid && engine != "" {
		sub.Template = &biometric.Vector{Engine: engine, Values: template.V.Slice()}
	}
	return &sub, nil
}
