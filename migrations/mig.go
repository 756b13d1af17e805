// Package migrations carries the embedded SQL schema and applies it with
// goose at startup, before any repository touches the database.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed files/*.sql
var files embed.FS

// Up brings the schema to the newest version. It runs against the writer
// connection only.
func Up(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(files)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "files"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
