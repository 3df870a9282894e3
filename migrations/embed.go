// Package migrations embeds the schema and seed SQL applied by cmd/migrate.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed sql/*.sql seeds/*.sql
var files embed.FS

// SQL returns the migration files.
func SQL() fs.FS {
	sub, _ := fs.Sub(files, "sql")
	return sub
}

// Seeds returns the seed files.
func Seeds() fs.FS {
	sub, _ := fs.Sub(files, "seeds")
	return sub
}
