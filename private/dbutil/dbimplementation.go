// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package dbutil implements helpers for opening the supported databases.
package dbutil

// Implementation type of valid DBs
type Implementation int

const (
	// Unknown is an unknown db type
	Unknown Implementation = iota
	// Postgres is a Postgresdb type
	Postgres
	// Sqlite is a Sqlitedb type
	Sqlite
)

func setImplementation(s string) Implementation {
	switch s {
	case "postgres":
		return Postgres
	case "postgresql":
		return Postgres
	case "sqlite":
		return Sqlite
	case "sqlite3":
		return Sqlite
	default:
		return Unknown
	}
}
