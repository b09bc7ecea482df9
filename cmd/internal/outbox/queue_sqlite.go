package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteQueue is an embedded, transactional Queue backed by modernc.org/sqlite.
// Timestamps are stored as unix milliseconds.
type SQLiteQueue struct {
	db *sql.DB
}

// OpenSQLiteQueue opens (and migrates) the queue database at path.
func OpenSQLiteQueue(path string) (*SQLiteQueue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY between claimers in-process.
	db.SetMaxOpenConns(1)

	q := &SQLiteQueue{db: db}
	if err := q.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) init() error {
	schema := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS outbox_events (
            id TEXT PRIMARY KEY,
            merchant_id TEXT NOT NULL,
            event_type TEXT NOT NULL,
            payload BLOB NOT NULL,
            status TEXT NOT NULL,
            retries INTEGER NOT NULL DEFAULT 0,
            next_retry_at INTEGER,
            last_error TEXT NOT NULL DEFAULT '',
            created_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS outbox_events_due_idx ON outbox_events (status, next_retry_at, created_at);`,
	}
	for _, stmt := range schema {
		if _, err := q.db.Exec(stmt); err != nil {
			return fmt.Errorf("outbox: sqlite init: %w", err)
		}
	}
	return nil
}

func (q *SQLiteQueue) Close() error { return q.db.Close() }

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullableMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func (q *SQLiteQueue) Enqueue(ctx context.Context, events ...Event) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range events {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO outbox_events (id, merchant_id, event_type, payload, status, retries, next_retry_at, last_error, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.MerchantID, e.EventType, []byte(e.Payload), string(e.Status), e.Retries,
			nullableMillis(e.NextRetryAt), truncateError(e.LastError), toMillis(e.CreatedAt), toMillis(e.UpdatedAt),
		); err != nil {
			return fmt.Errorf("insert outbox event: %w", err)
		}
	}
	return tx.Commit()
}

func (q *SQLiteQueue) ReclaimStale(ctx context.Context, staleBefore, now time.Time) (int, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE outbox_events SET status = 'PENDING', last_error = ?, updated_at = ?
		  WHERE status = 'SENDING' AND updated_at < ?`,
		staleSendingError, toMillis(now), toMillis(staleBefore),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (q *SQLiteQueue) ClaimDue(ctx context.Context, now time.Time, limit int) ([]Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM outbox_events
		  WHERE status IN ('PENDING', 'FAILED')
		    AND (next_retry_at IS NULL OR next_retry_at <= ?)
		    AND event_type NOT LIKE ?
		  ORDER BY created_at ASC, id ASC
		  LIMIT ?`,
		toMillis(now), notifyPrefix+"%", limit,
	)
	if err != nil {
		return nil, err
	}
	candidates, err := scanSQLiteEvents(rows)
	if err != nil {
		return nil, err
	}

	claimed := make([]Event, 0, len(candidates))
	for _, e := range candidates {
		res, err := tx.ExecContext(ctx,
			`UPDATE outbox_events SET status = 'SENDING', updated_at = ?
			  WHERE id = ? AND status IN ('PENDING', 'FAILED')`,
			toMillis(now), e.ID,
		)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			continue
		}
		e.Status = StatusSending
		e.UpdatedAt = fromMillis(toMillis(now))
		claimed = append(claimed, e)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

func (q *SQLiteQueue) Complete(ctx context.Context, id string, out Outcome) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE outbox_events SET status = ?, retries = ?, next_retry_at = ?, last_error = ?, updated_at = ?
		  WHERE id = ? AND status = 'SENDING'`,
		string(out.Status), out.Retries, nullableMillis(out.NextRetryAt), truncateError(out.LastError), toMillis(out.Now), id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := q.Get(ctx, id); err != nil {
			return err
		}
		return ErrNotClaimed
	}
	return nil
}

func (q *SQLiteQueue) Retry(ctx context.Context, id string, now time.Time) (Event, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE outbox_events SET status = 'PENDING', retries = 0, next_retry_at = NULL, updated_at = ?
		  WHERE id = ? AND status IN ('FAILED', 'DEAD')`,
		toMillis(now), id,
	)
	if err != nil {
		return Event{}, err
	}
	n, _ := res.RowsAffected()
	e, err := q.Get(ctx, id)
	if err != nil {
		return Event{}, err
	}
	if n == 0 {
		return Event{}, ErrNotRetryable
	}
	return e, nil
}

func (q *SQLiteQueue) Get(ctx context.Context, id string) (Event, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM outbox_events WHERE id = ?`, id)
	if err != nil {
		return Event{}, err
	}
	events, err := scanSQLiteEvents(rows)
	if err != nil {
		return Event{}, err
	}
	if len(events) == 0 {
		return Event{}, ErrEventNotFound
	}
	return events[0], nil
}

func (q *SQLiteQueue) List(ctx context.Context, f Filter) ([]Event, error) {
	return q.query(ctx, f, f.limit())
}

// Scan loads the matching rows before calling fn; the single connection must be free
// while fn runs.
func (q *SQLiteQueue) Scan(ctx context.Context, f Filter, fn func(Event) error) error {
	events, err := q.query(ctx, f, -1)
	if err != nil {
		return err
	}
	for _, e := range events {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// query lists matching rows; a negative limit means no limit.
func (q *SQLiteQueue) query(ctx context.Context, f Filter, limit int) ([]Event, error) {
	var from int64
	if !f.CreatedFrom.IsZero() {
		from = toMillis(f.CreatedFrom)
	}
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM outbox_events
		  WHERE (? = '' OR merchant_id = ?)
		    AND (? = '' OR event_type = ?)
		    AND (? = '' OR status = ?)
		    AND created_at >= ?
		  ORDER BY created_at ASC, id ASC
		  LIMIT ?`,
		f.MerchantID, f.MerchantID, f.EventType, f.EventType, string(f.Status), string(f.Status), from, limit,
	)
	if err != nil {
		return nil, err
	}
	return scanSQLiteEvents(rows)
}

func (q *SQLiteQueue) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, count(*) FROM outbox_events GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[Status]int)
	for rows.Next() {
		var (
			s string
			n int
		)
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[Status(s)] = n
	}
	return out, rows.Err()
}

func scanSQLiteEvents(rows *sql.Rows) ([]Event, error) {
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e                Event
			status           string
			payload          []byte
			next             sql.NullInt64
			created, updated int64
		)
		if err := rows.Scan(
			&e.ID, &e.MerchantID, &e.EventType, &payload, &status, &e.Retries,
			&next, &e.LastError, &created, &updated,
		); err != nil {
			return nil, err
		}
		e.Status = Status(status)
		e.Payload = payload
		if next.Valid {
			t := fromMillis(next.Int64)
			e.NextRetryAt = &t
		}
		e.CreatedAt = fromMillis(created)
		e.UpdatedAt = fromMillis(updated)
		out = append(out, e)
	}
	return out, rows.Err()
}
