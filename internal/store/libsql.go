package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/tursodatabase/go-libsql"
)

// sqlitePragmas tune the embedded database for a single writer with
// concurrent readers.
var sqlitePragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=ON",
	"PRAGMA temp_store=MEMORY",
}

// NewLibSQLStore opens a libSQL database and returns a Store. dsn is either a
// libSQL URL ("file:", "libsql:", "http(s)://") or a bare file path, whose
// parent directory is created when missing.
func NewLibSQLStore(dsn string) (*SQLStore, error) {
	dsn, err := libSQLDSN(dsn)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	// libSQL allows a single writer.
	db.SetMaxOpenConns(1)

	// Some pragmas answer with a row, so they go through QueryRow.
	for _, p := range sqlitePragmas {
		var ignored string
		_ = db.QueryRow(p).Scan(&ignored)
	}
	return &SQLStore{db: db, dialect: dialectSQLite}, nil
}

func libSQLDSN(dsn string) (string, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return "", fmt.Errorf("libsql: empty database path")
	}
	for _, prefix := range []string{"file:", "libsql:", "http://", "https://"} {
		if strings.HasPrefix(dsn, prefix) {
			return dsn, nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
		return "", fmt.Errorf("libsql: create database directory: %w", err)
	}
	return "file:" + dsn, nil
}
