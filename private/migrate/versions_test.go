// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package migrate_test

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"

	"xraygrid.io/xraygrid/private/migrate"
)

func TestBasicMigrationSqlite(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db, err := sql.Open("sqlite3", "file::memory:?mode=memory")
	require.NoError(t, err)
	defer ctx.Check(db.Close)
	db.SetMaxOpenConns(1)

	ran := false
	m := migrate.Migration{
		Table: "versions",
		Steps: []*migrate.Step{
			{
				DB:          db,
				Description: "Initial setup",
				Version:     0,
				Action: migrate.SQL{
					`CREATE TABLE users (id int)`,
				},
			},
			{
				DB:          db,
				Description: "Seed user",
				Version:     1,
				Action: migrate.Func(func(ctx context.Context, log *zap.Logger, db *sql.DB, tx *sql.Tx) error {
					ran = true
					_, err := tx.ExecContext(ctx, `INSERT INTO users (id) VALUES (1)`)
					return err
				}),
			},
		},
	}

	log := zaptest.NewLogger(t)
	require.NoError(t, m.Run(ctx, log))
	require.True(t, ran)

	version, err := m.CurrentVersion(ctx, log, db)
	require.NoError(t, err)
	require.Equal(t, 1, version)

	// rerunning is a no-op
	require.NoError(t, m.Run(ctx, log))

	var count int
	require.NoError(t, db.QueryRow(`SELECT count(*) FROM users`).Scan(&count))
	require.Equal(t, 1, count)

	require.NoError(t, m.ValidateVersions(ctx, log))
}

func TestMigrationTargetVersion(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db, err := sql.Open("sqlite3", "file::memory:?mode=memory")
	require.NoError(t, err)
	defer ctx.Check(db.Close)
	db.SetMaxOpenConns(1)

	m := migrate.Migration{
		Table: "versions",
		Steps: []*migrate.Step{
			{DB: db, Description: "first", Version: 0, Action: migrate.SQL{`CREATE TABLE a (id int)`}},
			{DB: db, Description: "second", Version: 1, Action: migrate.SQL{`CREATE TABLE b (id int)`}},
		},
	}

	log := zaptest.NewLogger(t)
	require.NoError(t, m.TargetVersion(0).Run(ctx, log))

	version, err := m.CurrentVersion(ctx, log, db)
	require.NoError(t, err)
	require.Equal(t, 0, version)

	var name string
	err = db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name='b'`).Scan(&name)
	require.ErrorIs(t, err, sql.ErrNoRows)

	require.NoError(t, m.Run(ctx, log))
	version, err = m.CurrentVersion(ctx, log, db)
	require.NoError(t, err)
	require.Equal(t, 1, version)
}

func TestMigrationFailedStepRollsBack(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db, err := sql.Open("sqlite3", "file::memory:?mode=memory")
	require.NoError(t, err)
	defer ctx.Check(db.Close)
	db.SetMaxOpenConns(1)

	m := migrate.Migration{
		Table: "versions",
		Steps: []*migrate.Step{
			{DB: db, Description: "ok", Version: 0, Action: migrate.SQL{`CREATE TABLE a (id int)`}},
			{DB: db, Description: "broken", Version: 1, Action: migrate.SQL{`NOT VALID SQL`}},
		},
	}

	log := zaptest.NewLogger(t)
	require.Error(t, m.Run(ctx, log))

	version, err := m.CurrentVersion(ctx, log, db)
	require.NoError(t, err)
	require.Equal(t, 0, version)
}

func TestMigrationInvalidConfiguration(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db, err := sql.Open("sqlite3", "file::memory:?mode=memory")
	require.NoError(t, err)
	defer ctx.Check(db.Close)
	db.SetMaxOpenConns(1)

	log := zaptest.NewLogger(t)

	badTable := migrate.Migration{Table: "not-valid!", Steps: []*migrate.Step{
		{DB: db, Version: 0, Action: migrate.SQL{`CREATE TABLE a (id int)`}},
	}}
	require.Error(t, badTable.Run(ctx, log))

	outOfOrder := migrate.Migration{Table: "versions", Steps: []*migrate.Step{
		{DB: db, Version: 1, Action: migrate.SQL{`CREATE TABLE a (id int)`}},
		{DB: db, Version: 0, Action: migrate.SQL{`CREATE TABLE b (id int)`}},
	}}
	require.Error(t, outOfOrder.Run(ctx, log))
}
