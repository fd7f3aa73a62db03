package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/minutehq/minute/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store is the PostgreSQL persistence layer. All methods are safe for
// concurrent use; every SaveVersion runs in its own transaction.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to dsn, verifies the connection, and runs [Migrate].
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) UpsertMeeting(ctx context.Context, m store.Meeting) error {
	const q = `
		INSERT INTO meetings (id, title, user_email)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
		    title      = COALESCE(NULLIF(EXCLUDED.title, ''), meetings.title),
		    user_email = COALESCE(NULLIF(EXCLUDED.user_email, ''), meetings.user_email),
		    updated_at = now()`

	if _, err := s.pool.Exec(ctx, q, m.ID, m.Title, m.UserEmail); err != nil {
		return fmt.Errorf("postgres store: upsert meeting %s: %w", m.ID, err)
	}
	return nil
}

func (s *Store) GetMeeting(ctx context.Context, id string) (store.Meeting, error) {
	const q = `
		SELECT id, title, user_email, created_at, updated_at
		FROM   meetings
		WHERE  id = $1`

	var m store.Meeting
	err := s.pool.QueryRow(ctx, q, id).Scan(&m.ID, &m.Title, &m.UserEmail, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Meeting{}, store.ErrNotFound
	}
	if err != nil {
		return store.Meeting{}, fmt.Errorf("postgres store: get meeting %s: %w", id, err)
	}
	return m, nil
}

func (s *Store) SaveLiveSegment(ctx context.Context, seg store.LiveSegment) error {
	const q = `
		INSERT INTO live_segments
		    (meeting_id, text, timestamp, source, alignment_state, audio_start_time)
		VALUES ($1, $2, $3, $4, $5, $6)`

	if seg.Timestamp.IsZero() {
		seg.Timestamp = time.Now()
	}
	_, err := s.pool.Exec(ctx, q,
		seg.MeetingID,
		seg.Text,
		seg.Timestamp,
		seg.Source,
		seg.AlignmentState,
		seg.AudioStartTime,
	)
	if err != nil {
		return fmt.Errorf("postgres store: save live segment: %w", err)
	}
	return nil
}

func (s *Store) ListLiveSegments(ctx context.Context, meetingID string) ([]store.LiveSegment, error) {
	const q = `
		SELECT meeting_id, text, timestamp, source, alignment_state, audio_start_time
		FROM   live_segments
		WHERE  meeting_id = $1
		ORDER  BY id`

	rows, err := s.pool.Query(ctx, q, meetingID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list live segments: %w", err)
	}
	segments, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.LiveSegment, error) {
		var seg store.LiveSegment
		err := row.Scan(
			&seg.MeetingID,
			&seg.Text,
			&seg.Timestamp,
			&seg.Source,
			&seg.AlignmentState,
			&seg.AudioStartTime,
		)
		return seg, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan live segments: %w", err)
	}
	return segments, nil
}
