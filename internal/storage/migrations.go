package storage

import "embed"

// Migrations embeds the SQL schema migrations applied by cmd/migrate.
//
//go:embed all:migrations
var Migrations embed.FS
