// Package migrations embeds SQL migration files.
package migrations

import "embed"

// FS contains the Postgres migrations for the key record store.
//
//go:embed *.sql
var FS embed.FS

// KeysTable is the table name used by the migrations.
const KeysTable = "jwks_keys"
