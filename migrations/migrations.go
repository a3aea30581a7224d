// Package migrations embeds the goose SQL migrations so the agent can apply
// them at startup without shipping the files alongside the binary.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
