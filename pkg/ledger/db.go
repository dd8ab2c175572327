package ledger

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"          // postgres driver
	_ "modernc.org/sqlite"         // embedded sqlite driver
)

// OpenDB opens a database handle from a DSN. postgres:// DSNs use lib/pq;
// sqlite: DSNs (or bare file paths with a sqlite: prefix) use modernc.org/sqlite.
func OpenDB(dsn string) (*sql.DB, Dialect, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, "", fmt.Errorf("open postgres: %w", err)
		}
		return db, DialectPostgres, nil
	case strings.HasPrefix(dsn, "sqlite:"):
		db, err := sql.Open("sqlite", strings.TrimPrefix(dsn, "sqlite:"))
		if err != nil {
			return nil, "", fmt.Errorf("open sqlite: %w", err)
		}
		// database/sql pooling plus a single-writer file database: cap
		// connections so writes serialize in the driver, not on SQLITE_BUSY.
		db.SetMaxOpenConns(1)
		return db, DialectSQLite, nil
	default:
		return nil, "", fmt.Errorf("unsupported DSN %q", dsn)
	}
}
