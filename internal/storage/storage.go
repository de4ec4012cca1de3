// Package storage opens the SQL handle shared by the conversation store, the credential
// records and the sqlite-backed shared state.
package storage

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/glebarez/go-sqlite"
	_ "github.com/mattn/go-sqlite3"

	"github.com/comigor/mira-go/internal/logger"
)

const (
	// DriverPure is the pure-Go driver; the default.
	DriverPure = "sqlite"
	// DriverCgo is mattn's cgo driver.
	DriverCgo = "sqlite3"
)

// Open opens path with the named driver. ":memory:" gives a private in-memory database.
// The pool is pinned to a single connection: sqlite serializes writers anyway, and an
// in-memory database only exists on the connection that created it.
func Open(driver, path string) (*sql.DB, error) {
	dsn, err := dsn(driver, path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	logger.L.Info("sqlite database opened", "driver", driver, "path", path)
	return db, nil
}

func dsn(driver, path string) (string, error) {
	memory := path == ":memory:" || path == ""
	switch driver {
	case DriverPure:
		if memory {
			return ":memory:", nil
		}
		pragmas := []string{"busy_timeout(10000)", "journal_mode(WAL)", "foreign_keys(1)"}
		var q []string
		for _, p := range pragmas {
			q = append(q, "_pragma="+p)
		}
		return "file:" + path + "?" + strings.Join(q, "&"), nil
	case DriverCgo:
		if memory {
			return ":memory:", nil
		}
		return "file:" + path + "?_busy_timeout=10000&_journal_mode=WAL&_foreign_keys=1", nil
	default:
		return "", fmt.Errorf("unsupported sqlite driver %q", driver)
	}
}
