package store

import "embed"

// migrationFiles embeds the forward-only migration sequence applied at
// startup. Each file is idempotent under goose's own version bookkeeping:
// re-running Open against an already-migrated database file is a no-op.
//
//go:embed migrations/*.sql
var migrationFiles embed.FS
