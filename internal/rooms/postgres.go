package rooms

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/circlecall/internal/resilience"
	"github.com/MrWong99/circlecall/pkg/media"
)

// Schema is the SQL DDL for the rooms tables. Execute it via
// [Postgres.Migrate] or apply it during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS rooms (
    id           TEXT PRIMARY KEY,
    kind         TEXT NOT NULL,
    name         TEXT NOT NULL DEFAULT '',
    match_id     TEXT NOT NULL DEFAULT '',
    token        TEXT NOT NULL DEFAULT '',
    participants TEXT[] NOT NULL DEFAULT '{}',
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    started_at   TIMESTAMPTZ,
    ended_at     TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS room_transcripts (
    room_id        TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
    seq            INT NOT NULL,
    participant_id TEXT NOT NULL,
    text           TEXT NOT NULL,
    language       TEXT NOT NULL DEFAULT '',
    spoken_at      TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (room_id, seq)
);
`

// DB is the database interface used by [Postgres]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// BreakerConfig tunes the circuit breaker in front of the database.
type BreakerConfig struct {
	MaxFailures  int
	ResetTimeout time.Duration

	// OnStateChange observes breaker transitions, e.g. for readiness.
	OnStateChange func(name string, from, to resilience.State)
}

// Postgres is a [Resolver] backed by PostgreSQL. Every query runs through a
// circuit breaker so a failing database is answered with
// [resilience.ErrOpen] instead of piling up timeouts.
type Postgres struct {
	db      DB
	breaker *resilience.Breaker
	close   func()
}

var _ Resolver = (*Postgres)(nil)

// NewPostgres returns a resolver using db. The caller owns db.
func NewPostgres(db DB, bc BreakerConfig) *Postgres {
	return &Postgres{
		db: db,
		breaker: resilience.New(resilience.Config{
			Name:          "rooms",
			MaxFailures:   bc.MaxFailures,
			ResetTimeout:  bc.ResetTimeout,
			IsFailure:     isBackendFailure,
			OnStateChange: bc.OnStateChange,
		}),
	}
}

// Open connects a pool to dsn, runs [Schema] and returns a resolver that
// closes the pool on [Postgres.Close].
func Open(ctx context.Context, dsn string, bc BreakerConfig) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("rooms: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("rooms: ping: %w", err)
	}
	p := NewPostgres(pool, bc)
	if err := p.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	p.close = pool.Close
	return p, nil
}

// isBackendFailure keeps lookups of missing rooms from tripping the breaker.
func isBackendFailure(err error) bool {
	return err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, context.Canceled)
}

// Migrate executes [Schema].
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("rooms: migrate: %w", err)
	}
	return nil
}

// Close releases the pool opened by [Open]. It is a no-op for resolvers
// built with [NewPostgres].
func (p *Postgres) Close() {
	if p.close != nil {
		p.close()
	}
}

// Check reports whether the database answers. It bypasses the breaker so
// readiness reflects the database rather than past failures.
func (p *Postgres) Check(ctx context.Context) error {
	var one int
	if err := p.db.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("rooms: ping: %w", err)
	}
	if s := p.breaker.State(); s == resilience.StateOpen {
		return fmt.Errorf("rooms: circuit %s", s)
	}
	return nil
}

// FetchRoom implements [Resolver].
func (p *Postgres) FetchRoom(ctx context.Context, kind media.Kind, roomID string) (RoomData, error) {
	const query = `
		SELECT id, kind, name, match_id, token, participants, created_at, started_at, ended_at
		FROM rooms
		WHERE id = $1 AND kind = $2`

	return resilience.Do(p.breaker, func() (RoomData, error) {
		var (
			r                RoomData
			kindStr          string
			started, stopped *time.Time
		)
		err := p.db.QueryRow(ctx, query, roomID, string(kind)).Scan(
			&r.ID, &kindStr, &r.Name, &r.MatchID, &r.Token, &r.Participants,
			&r.CreatedAt, &started, &stopped,
		)
		if errors.Is(err, pgx.ErrNoRows) {
			return RoomData{}, fmt.Errorf("%w: %s room %q", ErrNotFound, kind, roomID)
		}
		if err != nil {
			return RoomData{}, fmt.Errorf("rooms: fetch %q: %w", roomID, err)
		}
		r.Kind = media.Kind(kindStr)
		r.StartedAt = deref(started)
		r.EndedAt = deref(stopped)
		return r, nil
	})
}

// StartRoom implements [Resolver].
func (p *Postgres) StartRoom(ctx context.Context, roomID string) error {
	const query = `UPDATE rooms SET started_at = COALESCE(started_at, now()), ended_at = NULL WHERE id = $1`
	return p.breaker.Execute(func() error {
		tag, err := p.db.Exec(ctx, query, roomID)
		if err != nil {
			return fmt.Errorf("rooms: start %q: %w", roomID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %q", ErrNotFound, roomID)
		}
		return nil
	})
}

// EndRoom implements [Resolver]. Only final transcript entries are stored.
func (p *Postgres) EndRoom(ctx context.Context, roomID string, transcript []media.TranscriptEntry) error {
	const end = `UPDATE rooms SET ended_at = now() WHERE id = $1`
	const insert = `
		INSERT INTO room_transcripts (room_id, seq, participant_id, text, language, spoken_at)
		SELECT $1, t.seq, t.participant_id, t.text, t.language, t.spoken_at
		FROM unnest($2::int[], $3::text[], $4::text[], $5::text[], $6::timestamptz[])
		     AS t(seq, participant_id, text, language, spoken_at)
		ON CONFLICT (room_id, seq) DO NOTHING`

	var (
		seqs                   []int32
		speakers, texts, langs []string
		times                  []time.Time
	)
	for _, e := range transcript {
		if !e.Final {
			continue
		}
		seqs = append(seqs, int32(len(seqs)))
		speakers = append(speakers, e.ParticipantID)
		texts = append(texts, e.Text)
		langs = append(langs, e.Language)
		times = append(times, e.At)
	}

	return p.breaker.Execute(func() error {
		tag, err := p.db.Exec(ctx, end, roomID)
		if err != nil {
			return fmt.Errorf("rooms: end %q: %w", roomID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %q", ErrNotFound, roomID)
		}
		if len(seqs) == 0 {
			return nil
		}
		if _, err := p.db.Exec(ctx, insert, roomID, seqs, speakers, texts, langs, times); err != nil {
			return fmt.Errorf("rooms: store transcript %q: %w", roomID, err)
		}
		return nil
	})
}

// RecapData implements [Resolver].
func (p *Postgres) RecapData(ctx context.Context, roomID string) (Recap, error) {
	const roomQuery = `
		SELECT id, kind, name, participants, started_at, ended_at
		FROM rooms
		WHERE id = $1`
	const transcriptQuery = `
		SELECT participant_id, text, language, spoken_at
		FROM room_transcripts
		WHERE room_id = $1
		ORDER BY seq`

	return resilience.Do(p.breaker, func() (Recap, error) {
		var (
			rc               Recap
			kindStr          string
			started, stopped *time.Time
		)
		err := p.db.QueryRow(ctx, roomQuery, roomID).Scan(
			&rc.RoomID, &kindStr, &rc.Name, &rc.Participants, &started, &stopped,
		)
		if errors.Is(err, pgx.ErrNoRows) {
			return Recap{}, fmt.Errorf("%w: %q", ErrNotFound, roomID)
		}
		if err != nil {
			return Recap{}, fmt.Errorf("rooms: recap %q: %w", roomID, err)
		}
		rc.Kind = media.Kind(kindStr)
		rc.StartedAt = deref(started)
		rc.EndedAt = deref(stopped)

		rows, err := p.db.Query(ctx, transcriptQuery, roomID)
		if err != nil {
			return Recap{}, fmt.Errorf("rooms: recap transcript %q: %w", roomID, err)
		}
		rc.Transcript, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (media.TranscriptEntry, error) {
			e := media.TranscriptEntry{Final: true}
			err := row.Scan(&e.ParticipantID, &e.Text, &e.Language, &e.At)
			return e, err
		})
		if err != nil {
			return Recap{}, fmt.Errorf("rooms: scan transcript %q: %w", roomID, err)
		}
		if rc.Transcript == nil {
			rc.Transcript = []media.TranscriptEntry{}
		}
		return rc, nil
	})
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
