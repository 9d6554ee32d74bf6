// Package migrations embeds the SQL schema files so the development
// migration runner works regardless of working directory.
package migrations

import "embed"

// FS is the embedded migrations filesystem, containing every .sql file in
// this directory in lexical (and therefore application) order.
//
//go:embed *.sql
var FS embed.FS
