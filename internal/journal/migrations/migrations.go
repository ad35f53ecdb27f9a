// Package migrations embeds the journal schema for goose.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
