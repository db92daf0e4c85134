package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/routeledger/pkg/ledger"
)

// Backend names accepted by Open.
const (
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Open initializes the store named by backend at location: a file path for "file" and
// "sqlite", a connection string for "postgres". "memory" ignores location.
func Open(ctx context.Context, backend, location string) (ledger.Store, error) {
	switch strings.ToLower(backend) {
	case BackendFile, "":
		return OpenFile(location)
	case BackendMemory:
		return ledger.NewMemoryStore(), nil
	case BackendSQLite, BackendPostgres:
		dialect, err := ParseDialect(backend)
		if err != nil {
			return nil, err
		}
		db, err := sql.Open(string(dialect), location)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s database: %w", dialect, err)
		}
		if dialect == DialectSQLite {
			// One connection keeps writes serialized inside the process.
			db.SetMaxOpenConns(1)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to %s database: %w", dialect, err)
		}
		s, err := OpenSQL(ctx, db, dialect)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
