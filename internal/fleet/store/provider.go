package store

import (
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/jackc/pgx/v5/stdlib" // postgres driver
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // sqlite driver

	"github.com/fleetops/appcontrol/internal/common/config"
)

// Provide opens the configured database and returns the SQL store plus a
// cleanup function.
func Provide(cfg config.DatabaseConfig) (*SQLStore, func() error, error) {
	switch cfg.Driver {
	case "sqlite", "sqlite3":
		s, err := openSQLite(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "postgres", "pgx":
		db, err := sqlx.Connect("pgx", cfg.DSN())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		db.SetMaxOpenConns(cfg.MaxConns)
		s, err := NewSQLStore(db, "pgx")
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

// openSQLite opens (creating if needed) a sqlite database file.
func openSQLite(path string) (*SQLStore, error) {
	normalized := normalizeSQLitePath(path)
	if err := ensureSQLiteDir(normalized); err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_mode=rwc", normalized)
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s, err := NewSQLStore(db, "sqlite3")
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func ensureSQLiteDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func normalizeSQLitePath(dbPath string) string {
	if dbPath == "" || dbPath == ":memory:" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}
