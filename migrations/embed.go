package migrations

import "embed"

// Files exposes embedded SQL migration files ordered lexicographically.
// Root-level files target Postgres; the sqlite/ subtree holds the
// SQLite variants.
//
//go:embed *.sql sqlite/*.sql
var Files embed.FS
