// Package gormsqlite opens the shared SQLite store with a reader pool and a
// single serialized writer, which is how SQLite wants to be used under WAL.
package gormsqlite

import (
	"database/sql"
	"fmt"
	"io"
	"runtime"
	"time"

	gormdriver "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

type DB struct {
	R *gorm.DB
	W *gorm.DB
}

var _ io.Closer = (*DB)(nil)

func Open(file string) (*DB, error) {
	gormCfg := &gorm.Config{
		PrepareStmt: true,
		Logger:      logger.Default.LogMode(logger.Silent),
	}

	reader, err := gorm.Open(gormdriver.Dialector{DriverName: "sqlite", DSN: file}, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("open read db: %w", err)
	}
	writer, err := gorm.Open(gormdriver.Dialector{DriverName: "sqlite", DSN: file}, gormCfg)
	if err != nil {
		_ = closeGORM(reader)
		return nil, fmt.Errorf("open write db: %w", err)
	}

	db := &DB{R: reader, W: writer}
	if err := db.tune(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) tune() error {
	rdb, err := db.R.DB()
	if err != nil {
		return fmt.Errorf("reader sql db: %w", err)
	}
	wdb, err := db.W.DB()
	if err != nil {
		return fmt.Errorf("writer sql db: %w", err)
	}

	rdb.SetMaxOpenConns(runtime.NumCPU())
	rdb.SetMaxIdleConns(runtime.NumCPU())
	wdb.SetMaxOpenConns(1)
	wdb.SetMaxIdleConns(1)
	for _, pool := range []*sql.DB{rdb, wdb} {
		pool.SetConnMaxLifetime(0)
		pool.SetConnMaxIdleTime(0)
	}

	if err := applyPragmas(rdb, true); err != nil {
		return fmt.Errorf("reader pragmas: %w", err)
	}
	if err := applyPragmas(wdb, false); err != nil {
		return fmt.Errorf("writer pragmas: %w", err)
	}
	return nil
}

// WriteSQLDB exposes the writer pool for migrations.
func (db *DB) WriteSQLDB() (*sql.DB, error) {
	return db.W.DB()
}

func (db *DB) Close() error {
	var firstErr error
	for _, g := range []*gorm.DB{db.R, db.W} {
		if err := closeGORM(g); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func applyPragmas(db *sql.DB, readOnly bool) error {
	stmts := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA temp_store = MEMORY;",
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = " + fmt.Sprint(int((5 * time.Second).Milliseconds())) + ";",
		"PRAGMA trusted_schema = OFF;",
	}
	if readOnly {
		stmts = append(stmts, "PRAGMA query_only = ON;")
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

func closeGORM(g *gorm.DB) error {
	if g == nil {
		return nil
	}
	sqlDB, err := g.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
