package completion

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// timeLayout keeps stored timestamps fixed-width so they sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore indexes completions by response UUID. Latest orders by
// received_at; rows are written with INSERT OR REPLACE so the newest Put
// holds the highest rowid and wins ties.
type SQLiteStore struct {
	db   *sql.DB
	ttl  time.Duration
	opts options
	now  func() time.Time
}

// NewSQLiteStore wraps a database prepared by storage.OpenSQLite. A zero ttl
// keeps completions until pruned explicitly.
func NewSQLiteStore(db *sql.DB, ttl time.Duration, opts ...Option) *SQLiteStore {
	return &SQLiteStore{
		db:   db,
		ttl:  ttl,
		opts: buildOptions(opts),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *SQLiteStore) Put(ctx context.Context, rec Record) error {
	if err := checkRecord(rec, s.opts.maxPayload); err != nil {
		return err
	}
	if rec.Fingerprint == "" {
		rec.Fingerprint = Fingerprint(rec.ResponseData)
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = s.now()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT OR REPLACE INTO completions(response_uuid, response_data, fingerprint, received_at)
VALUES(?, ?, ?, ?);
`, rec.ResponseUUID, string(rec.ResponseData), rec.Fingerprint, rec.ReceivedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("store completion: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Latest(ctx context.Context) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT response_uuid, response_data, fingerprint, received_at
FROM completions
WHERE received_at >= ?
ORDER BY received_at DESC, rowid DESC
LIMIT 1;
`, s.freshnessCutoff())
	return scanRecord(row)
}

func (s *SQLiteStore) Get(ctx context.Context, responseUUID string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT response_uuid, response_data, fingerprint, received_at
FROM completions
WHERE response_uuid = ? AND received_at >= ?;
`, responseUUID, s.freshnessCutoff())
	return scanRecord(row)
}

func (s *SQLiteStore) freshnessCutoff() string {
	if s.ttl <= 0 {
		return time.Time{}.Format(timeLayout)
	}
	return s.now().Add(-s.ttl).Format(timeLayout)
}

func scanRecord(row *sql.Row) (Record, error) {
	var (
		rec        Record
		data       string
		receivedAt string
	)
	err := row.Scan(&rec.ResponseUUID, &data, &rec.Fingerprint, &receivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("read completion: %w", err)
	}
	rec.ResponseData = json.RawMessage(data)
	rec.ReceivedAt, err = time.Parse(timeLayout, receivedAt)
	if err != nil {
		return Record{}, fmt.Errorf("parse received_at %q: %w", receivedAt, err)
	}
	return rec, nil
}

func (s *SQLiteStore) PutDeadLetter(ctx context.Context, responseUUID string, receivedAt time.Time, cause error) error {
	now := s.now()
	if receivedAt.IsZero() {
		receivedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO dead_letters(id, response_uuid, last_error, attempts, created_at, updated_at)
VALUES(?, ?, ?, 1, ?, ?)
ON CONFLICT(response_uuid) DO UPDATE SET
  last_error = excluded.last_error,
  attempts = dead_letters.attempts + 1,
  updated_at = excluded.updated_at;
`, uuid.NewString(), responseUUID, errString(cause), receivedAt.UTC().Format(timeLayout), now.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("store dead letter: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, response_uuid, last_error, attempts, created_at, updated_at
FROM dead_letters
ORDER BY created_at ASC;
`)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var (
			dl                   DeadLetter
			createdAt, updatedAt string
		)
		if err := rows.Scan(&dl.ID, &dl.ResponseUUID, &dl.LastError, &dl.Attempts, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		dl.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		dl.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) DeleteDeadLetter(ctx context.Context, responseUUID string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM dead_letters WHERE response_uuid = ?;", responseUUID)
	if err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	at := cutoff.UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx, "DELETE FROM completions WHERE received_at < ?;", at)
	if err != nil {
		return 0, fmt.Errorf("prune completions: %w", err)
	}
	n, _ := res.RowsAffected()

	res, err = s.db.ExecContext(ctx, "DELETE FROM dead_letters WHERE created_at < ?;", at)
	if err != nil {
		return n, fmt.Errorf("prune dead letters: %w", err)
	}
	dead, _ := res.RowsAffected()
	return n + dead, nil
}

func (s *SQLiteStore) Driver() string { return "sqlite" }

func (s *SQLiteStore) Close() error { return s.db.Close() }
