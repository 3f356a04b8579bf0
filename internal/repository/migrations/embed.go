// Package migrations contains the embedded SQL schema for the PostgreSQL store.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
