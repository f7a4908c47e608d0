// Package migrations embeds the schema of the session cache.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
