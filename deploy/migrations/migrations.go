// Package migrations embeds the plugin history schema. Files are applied in
// lexical order of their numeric prefix.
package migrations

import "embed"

//go:embed *.sql
var files embed.FS

// FS returns the embedded migration scripts.
func FS() embed.FS { return files }
