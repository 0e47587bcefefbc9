// Package db embeds the postgres migrations so the binary can migrate without the source tree.
package db

import (
	"embed"
	"io/fs"
)

//go:embed pg/*.sql
var migrations embed.FS

// Postgres returns the postgres migration files rooted at their folder.
func Postgres() fs.FS {
	sub, err := fs.Sub(migrations, "pg")
	if err != nil {
		panic(err)
	}
	return sub
}
