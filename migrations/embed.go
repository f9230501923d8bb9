// migrations/embed.go
package migrations

import "embed"

// Files holds the schema migrations, one directory per SQL dialect.
//
//go:embed sqlite/*.sql postgres/*.sql
var Files embed.FS
