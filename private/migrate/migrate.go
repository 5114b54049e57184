// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package migrate manages database schema creation and versioned upgrades.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"strconv"

	"github.com/lib/pq"
	"github.com/zeebo/errs"
)

// Error is the default migrate errs class.
var Error = errs.Class("migrate")

// DBX contains additional methods for migrations.
type DBX interface {
	Begin() (*sql.Tx, error)
	Rebind(string) string
	Schema() string
}

// Create applies the schema from db unless an identical schema was already
// applied under the identifier. It fails when the stored schema differs.
func Create(identifier string, db DBX) error {
	tx, err := db.Begin()
	if err != nil {
		return Error.Wrap(err)
	}

	schema := db.Schema()

	_, err = tx.Exec(db.Rebind(`CREATE TABLE IF NOT EXISTS table_schemas (id text, schemaText text)`))
	if err != nil {
		return Error.Wrap(errs.Combine(err, tx.Rollback()))
	}

	row := tx.QueryRow(db.Rebind(`SELECT schemaText FROM table_schemas WHERE id = ?`), identifier)

	var previousSchema string
	err = row.Scan(&previousSchema)

	// not created yet
	if errors.Is(err, sql.ErrNoRows) {
		_, err := tx.Exec(schema)
		if err != nil {
			return Error.Wrap(errs.Combine(err, tx.Rollback()))
		}

		_, err = tx.Exec(db.Rebind(`INSERT INTO table_schemas(id, schemaText) VALUES (?, ?)`), identifier, schema)
		if err != nil {
			return Error.Wrap(errs.Combine(err, tx.Rollback()))
		}

		return Error.Wrap(tx.Commit())
	}
	if err != nil {
		return Error.Wrap(errs.Combine(err, tx.Rollback()))
	}

	if schema != previousSchema {
		err := Error.New("schema mismatch:\nold %v\nnew %v", previousSchema, schema)
		return Error.Wrap(errs.Combine(err, tx.Rollback()))
	}

	return Error.Wrap(tx.Rollback())
}

// withTx runs fn within a transaction, committing when it returns nil.
func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, tx.Rollback())
			return
		}
		err = tx.Commit()
	}()
	return fn(tx)
}

// rebind converts ? placeholders into the positional form the driver expects.
func rebind(db *sql.DB, query string) string {
	switch db.Driver().(type) {
	case *pq.Driver:
		out := make([]byte, 0, len(query)+10)
		j := 1
		for i := 0; i < len(query); i++ {
			ch := query[i]
			if ch != '?' {
				out = append(out, ch)
				continue
			}
			out = append(out, '$')
			out = append(out, strconv.Itoa(j)...)
			j++
		}
		return string(out)
	default:
		return query
	}
}
