// Package migrations embeds the PostgreSQL schema for the audit chain.
package migrations

import "embed"

// FS holds every *.up.sql file, applied in lexical order by cmd/migrate.
//
//go:embed *.sql
var FS embed.FS
