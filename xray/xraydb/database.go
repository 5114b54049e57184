// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package xraydb implements the signal repository on a SQL database.
package xraydb

import (
	"context"
	"database/sql"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"xraygrid.io/xraygrid/private/dbutil"
	"xraygrid.io/xraygrid/private/migrate"
	"xraygrid.io/xraygrid/xray/signals"
)

// Error is the default error class for the xraydb package.
var Error = errs.Class("xraydb")

var mon = monkit.Package()

// VersionTable is the table that tracks the applied schema version.
const VersionTable = "versions"

// DB is the signal database.
type DB struct {
	log *zap.Logger
	db  *sql.DB

	implementation dbutil.Implementation
}

// Open connects to the database behind the URL. Supported schemes are
// postgres:// and sqlite3://.
func Open(ctx context.Context, log *zap.Logger, databaseURL string) (*DB, error) {
	driver, source, implementation, err := dbutil.SplitConnStr(databaseURL)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	sqlDB, err := sql.Open(driver, source)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if implementation == dbutil.Sqlite {
		// sqlite gets confused by concurrent writers
		sqlDB.SetMaxOpenConns(1)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, Error.Wrap(errs.Combine(err, sqlDB.Close()))
	}

	return &DB{
		log:            log,
		db:             sqlDB,
		implementation: implementation,
	}, nil
}

// Signals returns the processed signal store.
func (db *DB) Signals() signals.DB {
	return &signalsDB{db: db}
}

// MigrateToLatest creates any missing tables and indexes.
func (db *DB) MigrateToLatest(ctx context.Context) error {
	return db.Migration().Run(ctx, db.log.Named("migration"))
}

// CheckVersion verifies that the database schema matches the migration state.
func (db *DB) CheckVersion(ctx context.Context) error {
	return db.Migration().ValidateVersions(ctx, db.log)
}

// Ping verifies the database connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	return Error.Wrap(db.db.PingContext(ctx))
}

// Close releases the underlying connections.
func (db *DB) Close() error {
	return Error.Wrap(db.db.Close())
}

// rebind transforms ? placeholders into the dialect's native form.
func (db *DB) rebind(query string) string {
	if db.implementation != dbutil.Postgres {
		return query
	}

	out := make([]byte, 0, len(query)+10)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] != '?' {
			out = append(out, query[i])
			continue
		}
		n++
		out = append(out, '$')
		out = appendInt(out, n)
	}
	return string(out)
}

func appendInt(buf []byte, n int) []byte {
	if n >= 10 {
		buf = appendInt(buf, n/10)
	}
	return append(buf, byte('0'+n%10))
}

type schemaSQL struct {
	initial []string
	indexes []string
}

var sqliteSchema = schemaSQL{
	initial: []string{
		// processed signal records, one row per accepted message
		`CREATE TABLE signals (
			id              BLOB      NOT NULL,
			device_id       TEXT      NOT NULL,
			time            BIGINT    NOT NULL,
			data_length     BIGINT    NOT NULL,
			data_volume     BIGINT    NOT NULL,
			max_speed       REAL      NOT NULL,
			avg_speed       REAL      NOT NULL,
			distance_meters BIGINT    NOT NULL,
			min_lat         REAL,
			max_lat         REAL,
			min_lon         REAL,
			max_lon         REAL,
			lat             REAL      NOT NULL,
			lon             REAL      NOT NULL,
			raw_ref         TEXT      NOT NULL,
			idempotency_key TEXT,
			created_at      TIMESTAMP NOT NULL,
			updated_at      TIMESTAMP NOT NULL,
			PRIMARY KEY ( id )
		)`,
		// the idempotency contract: at most one record per fingerprint
		`CREATE UNIQUE INDEX idx_signals_idempotency_key ON signals ( idempotency_key ) WHERE idempotency_key IS NOT NULL`,
	},
	indexes: []string{
		`CREATE INDEX idx_signals_device_time ON signals ( device_id, time DESC )`,
		`CREATE INDEX idx_signals_max_speed ON signals ( max_speed DESC )`,
		// secondary dedup dimension over the archived payload
		`CREATE UNIQUE INDEX idx_signals_device_time_raw ON signals ( device_id, time, raw_ref )`,
		`CREATE INDEX idx_signals_location ON signals ( lat, lon )`,
	},
}

var postgresSchema = schemaSQL{
	initial: []string{
		`CREATE TABLE signals (
			id              BYTEA            NOT NULL,
			device_id       TEXT             NOT NULL,
			time            BIGINT           NOT NULL,
			data_length     BIGINT           NOT NULL,
			data_volume     BIGINT           NOT NULL,
			max_speed       DOUBLE PRECISION NOT NULL,
			avg_speed       DOUBLE PRECISION NOT NULL,
			distance_meters BIGINT           NOT NULL,
			min_lat         DOUBLE PRECISION,
			max_lat         DOUBLE PRECISION,
			min_lon         DOUBLE PRECISION,
			max_lon         DOUBLE PRECISION,
			lat             DOUBLE PRECISION NOT NULL,
			lon             DOUBLE PRECISION NOT NULL,
			raw_ref         TEXT             NOT NULL,
			idempotency_key TEXT,
			created_at      TIMESTAMP WITH TIME ZONE NOT NULL,
			updated_at      TIMESTAMP WITH TIME ZONE NOT NULL,
			PRIMARY KEY ( id )
		)`,
		`CREATE UNIQUE INDEX idx_signals_idempotency_key ON signals ( idempotency_key ) WHERE idempotency_key IS NOT NULL`,
	},
	indexes: []string{
		`CREATE INDEX idx_signals_device_time ON signals ( device_id, time DESC )`,
		`CREATE INDEX idx_signals_max_speed ON signals ( max_speed DESC )`,
		`CREATE UNIQUE INDEX idx_signals_device_time_raw ON signals ( device_id, time, raw_ref )`,
		`CREATE INDEX idx_signals_location ON signals ( lat, lon )`,
	},
}

// Migration returns the table migrations.
func (db *DB) Migration() *migrate.Migration {
	schema := sqliteSchema
	if db.implementation == dbutil.Postgres {
		schema = postgresSchema
	}

	return &migrate.Migration{
		Table: VersionTable,
		Steps: []*migrate.Step{
			{
				DB:          db.db,
				Description: "Initial setup",
				Version:     0,
				Action:      migrate.SQL(schema.initial),
			},
			{
				DB:          db.db,
				Description: "Add query indexes",
				Version:     1,
				Action:      migrate.SQL(schema.indexes),
			},
		},
	}
}
