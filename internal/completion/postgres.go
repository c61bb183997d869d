package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore shares completions between instances behind a load balancer.
type PostgresStore struct {
	pool *pgxpool.Pool
	ttl  time.Duration
	opts options
}

func NewPostgresStore(ctx context.Context, databaseURL string, ttl time.Duration, opts ...Option) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool, ttl: ttl, opts: buildOptions(opts)}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS completions (
			response_uuid TEXT PRIMARY KEY,
			response_data JSONB NOT NULL,
			fingerprint TEXT NOT NULL,
			received_at TIMESTAMPTZ NOT NULL,
			seq BIGSERIAL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_completions_seq ON completions (seq DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_completions_received_at ON completions (received_at DESC, seq DESC);`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			id TEXT PRIMARY KEY,
			response_uuid TEXT NOT NULL UNIQUE,
			last_error TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Put(ctx context.Context, rec Record) error {
	if err := checkRecord(rec, s.opts.maxPayload); err != nil {
		return err
	}
	if rec.Fingerprint == "" {
		rec.Fingerprint = Fingerprint(rec.ResponseData)
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now().UTC()
	}

	// seq is bumped on overwrite so equal received_at values resolve to the
	// most recent Put.
	_, err := s.pool.Exec(ctx, `
		INSERT INTO completions (response_uuid, response_data, fingerprint, received_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (response_uuid) DO UPDATE SET
			response_data = excluded.response_data,
			fingerprint = excluded.fingerprint,
			received_at = excluded.received_at,
			seq = nextval(pg_get_serial_sequence('completions', 'seq'))`,
		rec.ResponseUUID, string(rec.ResponseData), rec.Fingerprint, rec.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("store completion: %w", err)
	}
	return nil
}

func (s *PostgresStore) Latest(ctx context.Context) (Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT response_uuid, response_data::text, fingerprint, received_at
		FROM completions WHERE received_at >= $1
		ORDER BY received_at DESC, seq DESC LIMIT 1`, s.cutoff())
	return scanPGRecord(row)
}

func (s *PostgresStore) Get(ctx context.Context, responseUUID string) (Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT response_uuid, response_data::text, fingerprint, received_at
		FROM completions WHERE response_uuid = $1 AND received_at >= $2`, responseUUID, s.cutoff())
	return scanPGRecord(row)
}

func (s *PostgresStore) cutoff() time.Time {
	if s.ttl <= 0 {
		return time.Unix(0, 0).UTC()
	}
	return time.Now().UTC().Add(-s.ttl)
}

func scanPGRecord(row pgx.Row) (Record, error) {
	var (
		rec  Record
		data string
	)
	err := row.Scan(&rec.ResponseUUID, &data, &rec.Fingerprint, &rec.ReceivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("read completion: %w", err)
	}
	rec.ResponseData = json.RawMessage(data)
	return rec, nil
}

func (s *PostgresStore) PutDeadLetter(ctx context.Context, responseUUID string, receivedAt time.Time, cause error) error {
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dead_letters (id, response_uuid, last_error, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (response_uuid) DO UPDATE SET
			last_error = excluded.last_error,
			attempts = dead_letters.attempts + 1,
			updated_at = now()`,
		uuid.NewString(), responseUUID, errString(cause), receivedAt,
	)
	if err != nil {
		return fmt.Errorf("store dead letter: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, response_uuid, last_error, attempts, created_at, updated_at
		FROM dead_letters ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var dl DeadLetter
		if err := rows.Scan(&dl.ID, &dl.ResponseUUID, &dl.LastError, &dl.Attempts, &dl.CreatedAt, &dl.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) DeleteDeadLetter(ctx context.Context, responseUUID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM dead_letters WHERE response_uuid = $1`, responseUUID)
	if err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM completions WHERE received_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune completions: %w", err)
	}
	n := tag.RowsAffected()

	tag, err = s.pool.Exec(ctx, `DELETE FROM dead_letters WHERE created_at < $1`, cutoff)
	if err != nil {
		return n, fmt.Errorf("prune dead letters: %w", err)
	}
	return n + tag.RowsAffected(), nil
}

func (s *PostgresStore) Driver() string { return "postgres" }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
