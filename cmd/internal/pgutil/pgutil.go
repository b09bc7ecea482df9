// Package pgutil holds small Postgres helpers shared by the pgx-backed stores.
package pgutil

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DefaultSchema is the schema used when stores are not configured otherwise.
const DefaultSchema = "loyalty"

var identRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidIdent reports whether s is a plain, unquoted-safe identifier.
func ValidIdent(s string) bool {
	return identRE.MatchString(s)
}

// CheckSchema trims and validates a schema name.
func CheckSchema(schema string) (string, error) {
	schema = strings.TrimSpace(schema)
	if schema == "" {
		return "", errors.New("pgutil: empty schema")
	}
	if !ValidIdent(schema) {
		return "", errors.New("pgutil: invalid schema identifier")
	}
	return schema, nil
}

// Ident returns a safely quoted schema.table reference.
func Ident(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}

// Execer is satisfied by pgx.Tx, *pgx.Conn and *pgxpool.Pool.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// XactLock takes a transaction-scoped advisory lock on key.
// hashtextextended keeps collisions rare across the 64-bit lock space.
func XactLock(ctx context.Context, tx Execer, key string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}
	return nil
}

// IsUniqueViolation reports whether err is a unique constraint violation (SQLSTATE 23505).
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
