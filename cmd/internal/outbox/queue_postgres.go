package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"loyalty/cmd/internal/pgutil"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresQueue is a Queue over the outbox_events table.
//
// The settlement store inserts rows inside its own transaction through InsertTx, so an event
// exists if and only if the ledger change that produced it committed.
// PostgresQueue does NOT own the pool; Close is a no-op.
type PostgresQueue struct {
	pool   *pgxpool.Pool
	schema string
}

// NewPostgresQueue constructs a PostgresQueue in schema.
func NewPostgresQueue(pool *pgxpool.Pool, schema string) (*PostgresQueue, error) {
	if pool == nil {
		return nil, errors.New("outbox: nil pool")
	}
	schema, err := pgutil.CheckSchema(schema)
	if err != nil {
		return nil, err
	}
	return &PostgresQueue{pool: pool, schema: schema}, nil
}

func (q *PostgresQueue) Close() error { return nil }

func (q *PostgresQueue) table() string { return pgutil.Ident(q.schema, "outbox_events") }

const eventColumns = `id, merchant_id, event_type, payload, status, retries, next_retry_at, last_error, created_at, updated_at`

// InsertTx writes events using the caller's transaction.
func InsertTx(ctx context.Context, tx pgutil.Execer, schema string, events ...Event) error {
	table := pgutil.Ident(schema, "outbox_events")
	for _, e := range events {
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+table+` (`+eventColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10)`,
			e.ID, e.MerchantID, e.EventType, []byte(e.Payload), string(e.Status), e.Retries,
			e.NextRetryAt, truncateError(e.LastError), e.CreatedAt, e.UpdatedAt,
		); err != nil {
			return fmt.Errorf("insert outbox event: %w", err)
		}
	}
	return nil
}

func (q *PostgresQueue) Enqueue(ctx context.Context, events ...Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := q.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := InsertTx(ctx, tx, q.schema, events...); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (q *PostgresQueue) ReclaimStale(ctx context.Context, staleBefore, now time.Time) (int, error) {
	tag, err := q.pool.Exec(ctx,
		`UPDATE `+q.table()+`
		    SET status = 'PENDING', last_error = $3, updated_at = $2
		  WHERE status = 'SENDING' AND updated_at < $1`,
		staleBefore, now, staleSendingError,
	)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// ClaimDue uses FOR UPDATE SKIP LOCKED so concurrent workers partition the due set.
func (q *PostgresQueue) ClaimDue(ctx context.Context, now time.Time, limit int) ([]Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := q.pool.Query(ctx,
		`UPDATE `+q.table()+` AS o
		    SET status = 'SENDING', updated_at = $1
		  WHERE o.id IN (
		        SELECT id FROM `+q.table()+`
		         WHERE status IN ('PENDING', 'FAILED')
		           AND (next_retry_at IS NULL OR next_retry_at <= $1)
		           AND event_type NOT LIKE $3
		         ORDER BY created_at ASC
		         LIMIT $2
		           FOR UPDATE SKIP LOCKED)
		    AND o.status IN ('PENDING', 'FAILED')
		RETURNING `+prefixed("o.", eventColumns),
		now, limit, notifyPrefix+"%",
	)
	if err != nil {
		return nil, err
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	sortOldestFirst(events)
	return events, nil
}

func (q *PostgresQueue) Complete(ctx context.Context, id string, out Outcome) error {
	tag, err := q.pool.Exec(ctx,
		`UPDATE `+q.table()+`
		    SET status = $2, retries = $3, next_retry_at = $4, last_error = NULLIF($5, ''), updated_at = $6
		  WHERE id = $1 AND status = 'SENDING'`,
		id, string(out.Status), out.Retries, out.NextRetryAt, truncateError(out.LastError), out.Now,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := q.Get(ctx, id); err != nil {
			return err
		}
		return ErrNotClaimed
	}
	return nil
}

func (q *PostgresQueue) Retry(ctx context.Context, id string, now time.Time) (Event, error) {
	rows, err := q.pool.Query(ctx,
		`UPDATE `+q.table()+`
		    SET status = 'PENDING', retries = 0, next_retry_at = NULL, updated_at = $2
		  WHERE id = $1 AND status IN ('FAILED', 'DEAD')
		RETURNING `+eventColumns,
		id, now,
	)
	if err != nil {
		return Event{}, err
	}
	events, err := scanEvents(rows)
	if err != nil {
		return Event{}, err
	}
	if len(events) == 0 {
		if _, err := q.Get(ctx, id); err != nil {
			return Event{}, err
		}
		return Event{}, ErrNotRetryable
	}
	return events[0], nil
}

func (q *PostgresQueue) Get(ctx context.Context, id string) (Event, error) {
	rows, err := q.pool.Query(ctx, `SELECT `+eventColumns+` FROM `+q.table()+` WHERE id = $1`, id)
	if err != nil {
		return Event{}, err
	}
	events, err := scanEvents(rows)
	if err != nil {
		return Event{}, err
	}
	if len(events) == 0 {
		return Event{}, ErrEventNotFound
	}
	return events[0], nil
}

func (q *PostgresQueue) List(ctx context.Context, f Filter) ([]Event, error) {
	rows, err := q.query(ctx, f, f.limit())
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (q *PostgresQueue) Scan(ctx context.Context, f Filter, fn func(Event) error) error {
	rows, err := q.query(ctx, f, 0)
	if err != nil {
		return err
	}
	events, err := scanEvents(rows)
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

// query selects matching rows; limit 0 means no limit.
func (q *PostgresQueue) query(ctx context.Context, f Filter, limit int) (pgx.Rows, error) {
	var from *time.Time
	if !f.CreatedFrom.IsZero() {
		from = &f.CreatedFrom
	}
	return q.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM `+q.table()+`
		  WHERE ($1 = '' OR merchant_id = $1)
		    AND ($2 = '' OR event_type = $2)
		    AND ($3 = '' OR status = $3)
		    AND ($4::timestamptz IS NULL OR created_at >= $4)
		  ORDER BY created_at ASC, id ASC
		  LIMIT NULLIF($5, 0)`,
		f.MerchantID, f.EventType, string(f.Status), from, limit,
	)
}

func (q *PostgresQueue) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := q.pool.Query(ctx, `SELECT status, count(*) FROM `+q.table()+` GROUP BY status`)
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

func scanEvents(rows pgx.Rows) ([]Event, error) {
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e       Event
			status  string
			payload []byte
			lastErr *string
		)
		if err := rows.Scan(
			&e.ID, &e.MerchantID, &e.EventType, &payload, &status, &e.Retries,
			&e.NextRetryAt, &lastErr, &e.CreatedAt, &e.UpdatedAt,
		); err != nil {
			return nil, err
		}
		e.Status = Status(status)
		e.Payload = payload
		if lastErr != nil {
			e.LastError = *lastErr
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
