package store

import (
	"context"
	"database/sql"
)

// Migrate applies the schema. The unique index on (subject_id, day) is what
// enforces the once-per-UTC-day invariant; the application relies on conflict
// detection against it rather than read-then-write checks.
func Migrate(ctx context.Context, db *sql.DB) error {
	schema := `
	CREATE EXTENSION IF NOT EXISTS vector;

	CREATE TABLE IF NOT EXISTS subjects (
		id            UUID PRIMARY KEY,
		username      TEXT NOT NULL UNIQUE,
		full_name     TEXT,
		password_hash TEXT NOT NULL DEFAULT '',
		role          TEXT NOT NULL DEFAULT 'subject',
		tenant_id     TEXT,
		face_engine   TEXT,
		face_template vector,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_subjects_tenant ON subjects (tenant_id);

	CREATE TABLE IF NOT EXISTS attendance_records (
		id                UUID PRIMARY KEY,
		subject_id        UUID NOT NULL REFERENCES subjects(id),
		tenant_id         TEXT,
		occurred_at       TIMESTAMPTZ NOT NULL,
		day               DATE NOT NULL,
		latitude          DOUBLE PRECISION NOT NULL,
		longitude         DOUBLE PRECISION NOT NULL,
		evidence_kind     TEXT NOT NULL,
		evidence_blob_id  TEXT,
		evidence_path     TEXT,
		evidence_filename TEXT,
		status            TEXT NOT NULL,
		score             DOUBLE PRECISION,
		reason            TEXT,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT attendance_one_per_day UNIQUE (subject_id, day)
	);

	CREATE INDEX IF NOT EXISTS idx_attendance_subject ON attendance_records (subject_id);
	CREATE INDEX IF NOT EXISTS idx_attendance_tenant_time ON attendance_records (tenant_id, occurred_at DESC);
	CREATE INDEX IF NOT EXISTS idx_attendance_time ON attendance_records (occurred_at);
	`
	_, err := db.ExecContext(ctx, schema)
	return err
}
