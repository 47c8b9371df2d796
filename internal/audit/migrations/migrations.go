// Package migrations embeds the audit log schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
