package pgutil

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

//go:embed schema.sql
var schemaSQL string

// SchemaSQL renders the DDL for schema.
func SchemaSQL(schema string) string {
	return strings.ReplaceAll(schemaSQL, "{{schema}}", pgx.Identifier{schema}.Sanitize())
}

// ApplySchema creates all loyalty tables in schema if they do not exist.
func ApplySchema(ctx context.Context, db Execer, schema string) error {
	schema, err := CheckSchema(schema)
	if err != nil {
		return err
	}
	if _, err := db.Exec(ctx, SchemaSQL(schema)); err != nil {
		return fmt.Errorf("apply schema %s: %w", schema, err)
	}
	return nil
}
