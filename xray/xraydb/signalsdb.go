// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package xraydb

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/lib/pq"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/zeebo/errs"

	"storj.io/common/uuid"
	"xraygrid.io/xraygrid/xray/signals"
	"xraygrid.io/xraygrid/xray/xraysignal"
)

// signalsDB implements signals.DB on the shared sql handle.
type signalsDB struct {
	db *DB
}

var _ signals.DB = (*signalsDB)(nil)

const signalColumns = `id, device_id, time, data_length, data_volume,
	max_speed, avg_speed, distance_meters,
	min_lat, max_lat, min_lon, max_lon, lat, lon,
	raw_ref, idempotency_key, created_at, updated_at`

// Insert adds a record, assigning an id when the record has none.
func (sdb *signalsDB) Insert(ctx context.Context, signal *xraysignal.ProcessedSignal) (err error) {
	defer mon.Task()(&ctx)(&err)

	if signal.ID.IsZero() {
		signal.ID, err = uuid.New()
		if err != nil {
			return Error.Wrap(err)
		}
	}
	if signal.CreatedAt.IsZero() {
		signal.CreatedAt = time.Now().UTC()
	}
	if signal.UpdatedAt.IsZero() {
		signal.UpdatedAt = signal.CreatedAt
	}

	bbox := signal.Stats.BBox
	hasBBox := bbox != nil
	if bbox == nil {
		bbox = &xraysignal.BoundingBox{}
	}

	_, err = sdb.db.db.ExecContext(ctx, sdb.db.rebind(`
		INSERT INTO signals ( `+signalColumns+` )
		VALUES ( ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ? )`),
		signal.ID, signal.DeviceID, signal.Time, signal.DataLength, signal.DataVolume,
		signal.Stats.MaxSpeed, signal.Stats.AvgSpeed, signal.Stats.DistanceMeters,
		nullFloat(bbox.MinLat, hasBBox), nullFloat(bbox.MaxLat, hasBBox),
		nullFloat(bbox.MinLon, hasBBox), nullFloat(bbox.MaxLon, hasBBox),
		signal.Location.Lat(), signal.Location.Lon(),
		signal.RawRef, nullString(signal.IdempotencyKey),
		signal.CreatedAt, signal.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return signals.ErrDuplicate.New("idempotency key %q", signal.IdempotencyKey)
		}
		return Error.Wrap(err)
	}
	return nil
}

// Get returns the record with the given id.
func (sdb *signalsDB) Get(ctx context.Context, id uuid.UUID) (_ *xraysignal.ProcessedSignal, err error) {
	defer mon.Task()(&ctx)(&err)

	row := sdb.db.db.QueryRowContext(ctx,
		sdb.db.rebind(`SELECT `+signalColumns+` FROM signals WHERE id = ?`), id)

	signal, err := scanSignal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, signals.ErrNotFound.New("%s", id)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return signal, nil
}

// GetByIdempotencyKey returns the record holding the given fingerprint.
func (sdb *signalsDB) GetByIdempotencyKey(ctx context.Context, key string) (_ *xraysignal.ProcessedSignal, err error) {
	defer mon.Task()(&ctx)(&err)

	row := sdb.db.db.QueryRowContext(ctx,
		sdb.db.rebind(`SELECT `+signalColumns+` FROM signals WHERE idempotency_key = ?`), key)

	signal, err := scanSignal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, signals.ErrNotFound.New("idempotency key %q", key)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return signal, nil
}

// List returns one page of records matching the options.
func (sdb *signalsDB) List(ctx context.Context, opts signals.ListOptions) (_ *signals.Page, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := opts.Verify(); err != nil {
		return nil, err
	}

	var conds []string
	var args []interface{}

	filter := opts.Filter
	if filter.DeviceID != "" {
		conds = append(conds, "device_id = ?")
		args = append(args, filter.DeviceID)
	}
	if filter.From != nil {
		conds = append(conds, "time >= ?")
		args = append(args, filter.From.UnixMilli())
	}
	if filter.To != nil {
		conds = append(conds, "time <= ?")
		args = append(args, filter.To.UnixMilli())
	}
	if filter.MinDataLength != nil {
		conds = append(conds, "data_length >= ?")
		args = append(args, *filter.MinDataLength)
	}
	if filter.MaxDataLength != nil {
		conds = append(conds, "data_length <= ?")
		args = append(args, *filter.MaxDataLength)
	}
	if filter.MinDataVolume != nil {
		conds = append(conds, "data_volume >= ?")
		args = append(args, *filter.MinDataVolume)
	}
	if filter.MaxDataVolume != nil {
		conds = append(conds, "data_volume <= ?")
		args = append(args, *filter.MaxDataVolume)
	}
	if filter.Bounds != nil {
		conds = append(conds, "lat BETWEEN ? AND ?", "lon BETWEEN ? AND ?")
		args = append(args,
			filter.Bounds.MinLat, filter.Bounds.MaxLat,
			filter.Bounds.MinLon, filter.Bounds.MaxLon)
	}
	if !opts.Cursor.IsZero() {
		conds = append(conds, "id < ?")
		args = append(args, opts.Cursor)
	}

	query := `SELECT ` + signalColumns + ` FROM signals`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY ` + orderBy(opts.Sort)
	query += ` LIMIT ?`
	args = append(args, opts.PageSize())
	if opts.Cursor.IsZero() && opts.Skip > 0 {
		query += ` OFFSET ?`
		args = append(args, opts.Skip)
	}

	rows, err := sdb.db.db.QueryContext(ctx, sdb.db.rebind(query), args...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	page := &signals.Page{}
	for rows.Next() {
		signal, err := scanSignal(rows)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		page.Signals = append(page.Signals, *signal)
	}
	if err := rows.Err(); err != nil {
		return nil, Error.Wrap(err)
	}

	if cursorable(opts.Sort) && len(page.Signals) == opts.PageSize() {
		page.NextCursor = page.Signals[len(page.Signals)-1].ID.String()
	}
	return page, nil
}

// Update applies a patch and returns the updated record.
func (sdb *signalsDB) Update(ctx context.Context, id uuid.UUID, patch signals.Patch) (_ *xraysignal.ProcessedSignal, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := patch.Verify(); err != nil {
		return nil, err
	}
	if patch.IsZero() {
		return sdb.Get(ctx, id)
	}

	var sets []string
	var args []interface{}
	if patch.DeviceID != nil {
		sets = append(sets, "device_id = ?")
		args = append(args, *patch.DeviceID)
	}
	if patch.Time != nil {
		sets = append(sets, "time = ?")
		args = append(args, *patch.Time)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	result, err := sdb.db.db.ExecContext(ctx,
		sdb.db.rebind(`UPDATE signals SET `+strings.Join(sets, ", ")+` WHERE id = ?`), args...)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, signals.ErrDuplicate.New("device and time already recorded")
		}
		return nil, Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if affected == 0 {
		return nil, signals.ErrNotFound.New("%s", id)
	}
	return sdb.Get(ctx, id)
}

// Delete removes a record and reports whether it existed.
func (sdb *signalsDB) Delete(ctx context.Context, id uuid.UUID) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := sdb.db.db.ExecContext(ctx,
		sdb.db.rebind(`DELETE FROM signals WHERE id = ?`), id)
	if err != nil {
		return false, Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, Error.Wrap(err)
	}
	return affected > 0, nil
}

// Stats aggregates over all stored records.
func (sdb *signalsDB) Stats(ctx context.Context) (_ *signals.Stats, err error) {
	defer mon.Task()(&ctx)(&err)

	var stats signals.Stats
	err = sdb.db.db.QueryRowContext(ctx, `
		SELECT count(*), count(DISTINCT device_id),
			coalesce(sum(data_length), 0), coalesce(sum(data_volume), 0)
		FROM signals`).
		Scan(&stats.TotalSignals, &stats.Devices, &stats.TotalPoints, &stats.TotalVolume)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &stats, nil
}

func orderBy(sort signals.Sort) string {
	column := "id"
	switch sort.Field {
	case signals.SortByTime:
		column = "time"
	case signals.SortByDeviceID:
		column = "device_id"
	case signals.SortByDataLength:
		column = "data_length"
	case signals.SortByDataVolume:
		column = "data_volume"
	case signals.SortByMaxSpeed:
		column = "max_speed"
	}

	direction := "DESC"
	if sort.Ascending {
		direction = "ASC"
	}
	if column == "id" {
		return "id " + direction
	}
	// secondary id order keeps pages stable under equal keys
	return column + " " + direction + ", id DESC"
}

// cursorable reports whether the sort preserves the id descending order
// that cursors rely on.
func cursorable(sort signals.Sort) bool {
	return (sort.Field == "" || sort.Field == signals.SortByID) && !sort.Ascending
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanSignal(row scannable) (*xraysignal.ProcessedSignal, error) {
	var signal xraysignal.ProcessedSignal
	var minLat, maxLat, minLon, maxLon sql.NullFloat64
	var lat, lon float64
	var key sql.NullString

	err := row.Scan(
		&signal.ID, &signal.DeviceID, &signal.Time, &signal.DataLength, &signal.DataVolume,
		&signal.Stats.MaxSpeed, &signal.Stats.AvgSpeed, &signal.Stats.DistanceMeters,
		&minLat, &maxLat, &minLon, &maxLon, &lat, &lon,
		&signal.RawRef, &key, &signal.CreatedAt, &signal.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if minLat.Valid && maxLat.Valid && minLon.Valid && maxLon.Valid {
		signal.Stats.BBox = &xraysignal.BoundingBox{
			MinLat: minLat.Float64, MaxLat: maxLat.Float64,
			MinLon: minLon.Float64, MaxLon: maxLon.Float64,
		}
	}
	signal.Location = xraysignal.NewPoint(lat, lon)
	signal.IdempotencyKey = key.String
	signal.CreatedAt = signal.CreatedAt.UTC()
	signal.UpdatedAt = signal.UpdatedAt.UTC()
	return &signal, nil
}

// isUniqueViolation reports whether err is a unique constraint conflict in
// either supported dialect.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f float64, valid bool) sql.NullFloat64 {
	return sql.NullFloat64{Float64: f, Valid: valid}
}
