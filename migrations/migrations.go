// Package migrations embeds the SQL schema shared by the PostgreSQL and SQLite stores
package migrations

import "embed"

// Files holds the ordered *.sql migrations
//
//go:embed *.sql
var Files embed.FS
