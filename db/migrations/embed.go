// Package dbmigrations exposes embedded SQL migrations for tradeguard binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into tradeguard binaries.
//
//go:embed *.sql
var Files embed.FS
