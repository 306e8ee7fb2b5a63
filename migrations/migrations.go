// Package migrations embeds the SQL schema so binaries carry it with them.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
