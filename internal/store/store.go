package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/reid"
	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/types"
)

// ErrNoSessions is returned by LatestSession on an empty database.
var ErrNoSessions = errors.New("no sessions recorded")

// Store manages the PostgreSQL connection and pgvector operations.
type Store struct {
	conn *pgx.Conn
}

// SessionRecord describes one server run.
type SessionRecord struct {
	ID          string
	Protocol    string
	Threshold   float64
	ResultsPath string
	StartedAt   time.Time
	EndedAt     time.Time
}

// IdentityRecord is a person persisted at the end of a session.
type IdentityRecord struct {
	SessionID   string
	PersonID    int
	Name        string
	Appearances int
	GallerySize int
	Dim         int
	FirstSeen   time.Time
	LastSeen    time.Time
}

// EventRecord is one persisted ReID decision.
type EventRecord struct {
	SessionID string
	Seq       int
	types.ReIdEvent
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the tables and the vector extension if they don't exist.
// Embeddings use an unsized VECTOR because the extractor decides the dimension.
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS reid_sessions (
			id TEXT PRIMARY KEY,
			protocol TEXT NOT NULL,
			threshold DOUBLE PRECISION NOT NULL,
			results_path TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS reid_events (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES reid_sessions(id) ON DELETE CASCADE,
			seq INT NOT NULL,
			person_id INT NOT NULL,
			source_port INT NOT NULL,
			appearance_count INT NOT NULL,
			observed_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS identities (
			session_id TEXT NOT NULL REFERENCES reid_sessions(id) ON DELETE CASCADE,
			person_id INT NOT NULL,
			name TEXT,
			embedding VECTOR NOT NULL,
			appearance_count INT NOT NULL,
			gallery_size INT NOT NULL,
			first_seen TIMESTAMPTZ NOT NULL,
			last_seen TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (session_id, person_id)
		);
		CREATE INDEX IF NOT EXISTS reid_events_session_idx ON reid_events (session_id, seq);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// SaveSession registers a session, updating it if it already exists.
func (s *Store) SaveSession(ctx context.Context, rec SessionRecord) error {
	_, err := s.conn.Exec(ctx, `
		INSERT INTO reid_sessions (id, protocol, threshold, results_path, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET ended_at = EXCLUDED.ended_at, results_path = EXCLUDED.results_path
	`, rec.ID, rec.Protocol, rec.Threshold, rec.ResultsPath, rec.StartedAt, rec.EndedAt)
	return err
}

// InsertEvents replaces the events of a session with events, keeping their order.
func (s *Store) InsertEvents(ctx context.Context, sessionID string, events []types.ReIdEvent) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Clean up old rows so a repeated save does not duplicate events
	if _, err := tx.Exec(ctx, "DELETE FROM reid_events WHERE session_id = $1", sessionID); err != nil {
		return err
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"reid_events"},
		[]string{"session_id", "seq", "person_id", "source_port", "appearance_count", "observed_at"},
		pgx.CopyFromSlice(len(events), func(i int) ([]any, error) {
			ev := events[i]
			return []any{sessionID, i, ev.PersonID, ev.SourcePort, ev.Appearances, ev.At}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to copy events: %w", err)
	}
	return tx.Commit(ctx)
}

// UpsertIdentities stores the mean embedding of every person in the gallery.
func (s *Store) UpsertIdentities(ctx context.Context, sessionID string, people []reid.PersonSnapshot) error {
	batch := &pgx.Batch{}
	for _, p := range people {
		batch.Queue(`
			INSERT INTO identities (session_id, person_id, embedding, appearance_count, gallery_size, first_seen, last_seen)
			VALUES ($1, $2, $3::vector, $4, $5, $6, $7)
			ON CONFLICT (session_id, person_id) DO UPDATE SET
				embedding = EXCLUDED.embedding,
				appearance_count = EXCLUDED.appearance_count,
				gallery_size = EXCLUDED.gallery_size,
				last_seen = EXCLUDED.last_seen
		`, sessionID, p.ID, vecToString(p.Mean), p.Appearances, len(p.Embeddings), p.FirstSeen, p.LastSeen)
	}

	br := s.conn.SendBatch(ctx, batch)
	for range people {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("failed to upsert identity: %w", err)
		}
	}
	return br.Close()
}

// vecToString formats a float slice into a PostgreSQL vector string format "[1.0,2.0,...]"
func vecToString(vec []float64) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%f", v)
	}
	b.WriteByte(']')
	return b.String()
}

// RenameIdentity updates the name of a persisted identity.
func (s *Store) RenameIdentity(ctx context.Context, sessionID string, personID int, name string) error {
	tag, err := s.conn.Exec(ctx, "UPDATE identities SET name = $1 WHERE session_id = $2 AND person_id = $3", name, sessionID, personID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("identity %d not found in session %s", personID, sessionID)
	}
	return nil
}

// LatestSession returns the id of the most recently started session.
func (s *Store) LatestSession(ctx context.Context) (string, error) {
	var id string
	err := s.conn.QueryRow(ctx, "SELECT id FROM reid_sessions ORDER BY started_at DESC LIMIT 1").Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNoSessions
	}
	return id, err
}

// ListIdentities returns the identities of one session, or of every session
// when sessionID is empty.
func (s *Store) ListIdentities(ctx context.Context, sessionID string) ([]IdentityRecord, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT session_id, person_id, COALESCE(name, ''), appearance_count, gallery_size, vector_dims(embedding), first_seen, last_seen
		FROM identities
		WHERE $1 = '' OR session_id = $1
		ORDER BY session_id, person_id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (IdentityRecord, error) {
		var r IdentityRecord
		err := row.Scan(&r.SessionID, &r.PersonID, &r.Name, &r.Appearances, &r.GallerySize, &r.Dim, &r.FirstSeen, &r.LastSeen)
		return r, err
	})
}

// ListEvents returns up to limit events of a session in decision order.
// A limit of zero or less returns every event.
func (s *Store) ListEvents(ctx context.Context, sessionID string, limit int) ([]EventRecord, error) {
	query := `
		SELECT session_id, seq, person_id, source_port, appearance_count, observed_at
		FROM reid_events WHERE session_id = $1 ORDER BY seq`
	args := []any{sessionID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (EventRecord, error) {
		var r EventRecord
		err := row.Scan(&r.SessionID, &r.Seq, &r.PersonID, &r.SourcePort, &r.Appearances, &r.At)
		return r, err
	})
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS reid_events CASCADE;
		DROP TABLE IF EXISTS identities CASCADE;
		DROP TABLE IF EXISTS reid_sessions CASCADE;
	`)
	return err
}
