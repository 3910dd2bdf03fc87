package records

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresStore keeps records in PostgreSQL.
type PostgresStore struct {
	db *sqlx.DB
}

// OpenPostgres connects to dsn and applies pending migrations.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("records: connect: %w", err)
	}
	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate brings the schema up to date using the embedded migrations.
func Migrate(db *sqlx.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("records: load migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("records: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("records: create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("records: migrate up: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) AppendNotes(ctx context.Context, sessionID, text string) error {
	if sessionID == "" {
		return ErrEmptySessionID
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO session_notes (session_id, body)
        VALUES ($1, $2)`, sessionID, text)
	if err != nil {
		return fmt.Errorf("records: append notes: %w", err)
	}
	return nil
}

func (s *PostgresStore) SavePrescription(ctx context.Context, sessionID, text string) error {
	if sessionID == "" {
		return ErrEmptySessionID
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO session_prescriptions (session_id, body, updated_at)
        VALUES ($1, $2, now())
        ON CONFLICT (session_id) DO UPDATE SET body = EXCLUDED.body, updated_at = now()`, sessionID, text)
	if err != nil {
		return fmt.Errorf("records: save prescription: %w", err)
	}
	return nil
}

func (s *PostgresStore) FinalizeRecording(ctx context.Context, sessionID, artifactRef string) error {
	if sessionID == "" {
		return ErrEmptySessionID
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO session_recordings (session_id, artifact_ref)
        VALUES ($1, $2)
        ON CONFLICT (session_id, artifact_ref) DO NOTHING`, sessionID, artifactRef)
	if err != nil {
		return fmt.Errorf("records: finalize recording: %w", err)
	}
	return nil
}

type noteRow struct {
	Body string `db:"body"`
}

// Notes returns the session's notes in the order they were appended.
func (s *PostgresStore) Notes(ctx context.Context, sessionID string) (string, error) {
	var rows []noteRow
	if err := s.db.SelectContext(ctx, &rows, `
        SELECT body FROM session_notes
        WHERE session_id = $1
        ORDER BY id`, sessionID); err != nil {
		return "", fmt.Errorf("records: load notes: %w", err)
	}
	var b strings.Builder
	for _, r := range rows {
		b.WriteString(r.Body)
	}
	return b.String(), nil
}

func (s *PostgresStore) Prescription(ctx context.Context, sessionID string) (string, error) {
	var body string
	err := s.db.GetContext(ctx, &body, `SELECT body FROM session_prescriptions WHERE session_id = $1`, sessionID)
	if err != nil {
		return "", fmt.Errorf("records: load prescription: %w", err)
	}
	return body, nil
}

// Load returns the saved notes and prescription. A session with nothing
// saved yet loads as empty.
func (s *PostgresStore) Load(ctx context.Context, sessionID string) (Saved, error) {
	notes, err := s.Notes(ctx, sessionID)
	if err != nil {
		return Saved{}, err
	}
	rx, err := s.Prescription(ctx, sessionID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Saved{}, err
	}
	return Saved{Notes: notes, Prescription: rx}, nil
}

func (s *PostgresStore) Recordings(ctx context.Context, sessionID string) ([]string, error) {
	var refs []string
	if err := s.db.SelectContext(ctx, &refs, `
        SELECT artifact_ref FROM session_recordings
        WHERE session_id = $1
        ORDER BY created_at, artifact_ref`, sessionID); err != nil {
		return nil, fmt.Errorf("records: load recordings: %w", err)
	}
	return refs, nil
}
