package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository persists attendance records in Postgres. The once-per-UTC-day
// invariant is enforced by the UNIQUE (subject_id, day) constraint, not by
// application-level reads.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const recordColumns = `r.id, r.subject_id, COALESCE(r.tenant_id, ''), r.occurred_at, r.latitude, r.longitude,
	r.evidence_kind, COALESCE(r.evidence_blob_id, ''), COALESCE(r.evidence_path, ''), COALESCE(r.evidence_filename, ''),
	r.status, r.score, r.reason, r.created_at`

// InsertIfAbsent writes the record unless one already exists for the same
// subject and UTC day. It is a single conditional insert: two racing
// submissions hit the uniqueness constraint and exactly one wins; the loser
// gets the winner's row back with created=false.
func (r *Repository) InsertIfAbsent(ctx context.Context, rec Record) (Record, bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.When.IsZero() {
		rec.When = time.Now().UTC()
	}

	var tenant any
	if rec.TenantID != "" {
		tenant = rec.TenantID
	}
	var blobID, path, filename any
	if rec.Evidence.BlobID != "" {
		blobID = rec.Evidence.BlobID
	}
	if rec.Evidence.Path != "" {
		path = rec.Evidence.Path
	}
	if rec.Evidence.Filename != "" {
		filename = rec.Evidence.Filename
	}

	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_records
			(id, subject_id, tenant_id, occurred_at, day, latitude, longitude,
			 evidence_kind, evidence_blob_id, evidence_path, evidence_filename,
			 status, score, reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT ON CONSTRAINT attendance_one_per_day DO NOTHING
		RETURNING created_at
	`, rec.ID, rec.SubjectID, tenant, rec.When, rec.Day(), rec.Latitude, rec.Longitude,
		rec.Evidence.Kind, blobID, path, filename, rec.Status, rec.Score, rec.Reason)

	err := row.Scan(&rec.CreatedAt)
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, err
	}

	// Lost the race (or a record already existed): echo the winner.
	existing, err := r.FindByDay(ctx, rec.SubjectID, rec.When)
	if err != nil {
		return Record{}, false, err
	}
	if existing == nil {
		return Record{}, false, fmt.Errorf("conflict on (subject, day) but no existing record for subject %s", rec.SubjectID)
	}
	return *existing, false, nil
}

// FindByDay returns the record for (subject, UTC day of at), or nil.
func (r *Repository) FindByDay(ctx context.Context, subjectID string, at time.Time) (*Record, error) {
	y, m, d := at.UTC().Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)

	row := r.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM attendance_records r
		WHERE r.subject_id = $1 AND r.day = $2
	`, subjectID, day)

	rec, err := scanRecord(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// Find returns records matching the filter, newest first, plus the
// unpaginated total. Ordering by timestamp descending is a public contract.
func (r *Repository) Find(ctx context.Context, f Filter, page, limit int) ([]Record, int, error) {
	page, limit = ClampPage(page, limit)

	where, args := buildWhere(f)

	var total int
	countQuery := `SELECT COUNT(*) FROM attendance_records r` + where
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT ` + recordColumns + `, s.username, COALESCE(s.full_name, '')
		FROM attendance_records r
		JOIN subjects s ON s.id = r.subject_id` + where +
		fmt.Sprintf(` ORDER BY r.occurred_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, (page-1)*limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := scanRecordRow(rows, &rec); err != nil {
			return nil, 0, err
		}
		records = append(records, rec)
	}
	return records, total, rows.Err()
}

// FindAll returns up to cap matching records, newest first, identity
// joined. Used by the export path, which has its own larger cap.
func (r *Repository) FindAll(ctx context.Context, f Filter, cap int) ([]Record, error) {
	if cap <= 0 {
		cap = ExportCap
	}
	where, args := buildWhere(f)
	query := `
		SELECT ` + recordColumns + `, s.username, COALESCE(s.full_name, '')
		FROM attendance_records r
		JOIN subjects s ON s.id = r.subject_id` + where +
		fmt.Sprintf(` ORDER BY r.occurred_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, cap)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := scanRecordRow(rows, &rec); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func buildWhere(f Filter) (string, []any) {
	var clauses []string
	var args []any
	if f.TenantID != "" {
		args = append(args, f.TenantID)
		clauses = append(clauses, fmt.Sprintf("r.tenant_id = $%d", len(args)))
	}
	if f.SubjectIDs != nil {
		args = append(args, subjectIDArray(f.SubjectIDs))
		clauses = append(clauses, fmt.Sprintf("r.subject_id = ANY($%d)", len(args)))
	}
	if !f.From.IsZero() {
		args = append(args, f.From)
		clauses = append(clauses, fmt.Sprintf("r.occurred_at >= $%d", len(args)))
	}
	if !f.To.IsZero() {
		args = append(args, f.To)
		clauses = append(clauses, fmt.Sprintf("r.occurred_at <= $%d", len(args)))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	where := " WHERE " + clauses[0]
	for _, c := range clauses[1:] {
		where += " AND " + c
	}
	return where, args
}

// subjectIDArray renders ids as a Postgres array literal; an empty set must
// match nothing, not everything.
func subjectIDArray(ids []string) string {
	if len(ids) == 0 {
		return "{}"
	}
	out := "{" + ids[0]
	for _, id := range ids[1:] {
		out += "," + id
	}
	return out + "}"
}

func scanRecord(scan func(dest ...any) error) (Record, error) {
	var rec Record
	err := scan(&rec.ID, &rec.SubjectID, &rec.TenantID, &rec.When, &rec.Latitude, &rec.Longitude,
		&rec.Evidence.Kind, &rec.Evidence.BlobID, &rec.Evidence.Path, &rec.Evidence.Filename,
		&rec.Status, &rec.Score, &rec.Reason, &rec.CreatedAt)
	return rec, err
}

func scanRecordRow(rows *sql.Rows, rec *Record) error {
	return rows.Scan(&rec.ID, &rec.SubjectID, &rec.TenantID, &rec.When, &rec.Latitude, &rec.Longitude,
		&rec.Evidence.Kind, &rec.Evidence.BlobID, &rec.Evidence.Path, &rec.Evidence.Filename,
		&rec.Status, &rec.Score, &rec.Reason, &rec.CreatedAt,
		&rec.Username, &rec.FullName)
}
