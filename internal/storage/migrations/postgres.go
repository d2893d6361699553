package migrations

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"

	"btc-consensus/internal/storage/postgres"
)

// RunPostgresMigrations applies the embedded schema files in lexical
// order (001_init.sql, 002_settlements.sql, ...). Every statement uses
// IF NOT EXISTS, so startup applies the full set unconditionally and
// a re-run against an up-to-date database is a no-op.
func RunPostgresMigrations(ctx context.Context, pool *postgres.Pool) error {
	names, err := fs.Glob(PostgresFS, "postgres/*.sql")
	if err != nil {
		return fmt.Errorf("list embedded migrations: %w", err)
	}
	sort.Strings(names)

	for _, name := range names {
		sql, err := fs.ReadFile(PostgresFS, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", path.Base(name), err)
		}
		if len(bytes.TrimSpace(sql)) == 0 {
			continue
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("apply migration %s: %w", path.Base(name), err)
		}
	}
	return nil
}
