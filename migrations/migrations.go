// Package migrations embeds the SQL schema files applied by cmd/migrate.
package migrations

import "embed"

// FS holds every *.sql file in this directory, applied in name order.
//
//go:embed *.sql
var FS embed.FS
