// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package signals provides access to processed signal records.
package signals

import (
	"context"
	"time"

	"github.com/zeebo/errs"

	"storj.io/common/uuid"
	"xraygrid.io/xraygrid/xray/xraysignal"
)

// Error is the default error class for the signals package.
var Error = errs.Class("signals")

// ErrNotFound is returned when a signal does not exist.
var ErrNotFound = errs.Class("signal not found")

// ErrDuplicate is returned when an insert conflicts with an existing record.
// The consumer treats it as a successful duplicate outcome.
var ErrDuplicate = errs.Class("duplicate signal")

// Page size bounds for listings.
const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// DB stores processed signals.
//
// architecture: Database
type DB interface {
	// Insert adds a record, assigning an id when the record has none. It
	// fails with ErrDuplicate when another record holds the same
	// idempotency key.
	Insert(ctx context.Context, signal *xraysignal.ProcessedSignal) error
	// Get returns the record with the given id.
	Get(ctx context.Context, id uuid.UUID) (*xraysignal.ProcessedSignal, error)
	// GetByIdempotencyKey returns the record holding the given fingerprint.
	GetByIdempotencyKey(ctx context.Context, key string) (*xraysignal.ProcessedSignal, error)
	// List returns one page of records matching the options.
	List(ctx context.Context, opts ListOptions) (*Page, error)
	// Update applies a patch and returns the updated record.
	Update(ctx context.Context, id uuid.UUID, patch Patch) (*xraysignal.ProcessedSignal, error)
	// Delete removes a record and reports whether it existed.
	Delete(ctx context.Context, id uuid.UUID) (bool, error)
	// Stats aggregates over all stored records.
	Stats(ctx context.Context) (*Stats, error)
}

// Filter narrows a listing. Zero fields match everything.
type Filter struct {
	DeviceID string

	From *time.Time
	To   *time.Time

	MinDataLength *int
	MaxDataLength *int

	MinDataVolume *int64
	MaxDataVolume *int64

	// Bounds keeps only signals whose location falls inside the box.
	Bounds *xraysignal.BoundingBox
}

// SortField names a sortable record field.
type SortField string

// Sortable record fields.
const (
	SortByID         SortField = "id"
	SortByTime       SortField = "time"
	SortByDeviceID   SortField = "deviceId"
	SortByDataLength SortField = "dataLength"
	SortByDataVolume SortField = "dataVolume"
	SortByMaxSpeed   SortField = "maxSpeed"
)

// ParseSortField validates a user supplied sort field name. The empty
// string selects the default id field.
func ParseSortField(s string) (SortField, error) {
	switch field := SortField(s); field {
	case "":
		return SortByID, nil
	case SortByID, SortByTime, SortByDeviceID, SortByDataLength, SortByDataVolume, SortByMaxSpeed:
		return field, nil
	default:
		return "", Error.New("unknown sort field %q", s)
	}
}

// Sort orders a listing. The zero value sorts by id descending.
type Sort struct {
	Field     SortField
	Ascending bool
}

// ListOptions bundles filtering, ordering and pagination for List.
type ListOptions struct {
	Filter Filter
	Sort   Sort

	// Limit caps the page size, 1..MaxLimit. Zero selects DefaultLimit.
	Limit int
	// Skip offsets into the result set. Ignored when Cursor is set.
	Skip int64
	// Cursor resumes a listing after the record with this id. A cursor
	// fixes the order to id descending.
	Cursor uuid.UUID
}

// Verify checks that the options are internally consistent.
func (opts ListOptions) Verify() error {
	if opts.Limit < 0 || opts.Limit > MaxLimit {
		return Error.New("limit %d out of range 1..%d", opts.Limit, MaxLimit)
	}
	if opts.Skip < 0 {
		return Error.New("skip must not be negative")
	}
	if !opts.Cursor.IsZero() {
		if (opts.Sort.Field != "" && opts.Sort.Field != SortByID) || opts.Sort.Ascending {
			return Error.New("cursor pagination requires the default sort")
		}
	}
	return nil
}

// PageSize returns the effective page size.
func (opts ListOptions) PageSize() int {
	if opts.Limit == 0 {
		return DefaultLimit
	}
	return opts.Limit
}

// Page is one listing result.
type Page struct {
	Signals []xraysignal.ProcessedSignal `json:"signals"`

	// NextCursor resumes the listing after the last returned record. It is
	// empty when the listing ran with a custom sort or is exhausted.
	NextCursor string `json:"nextCursor,omitempty"`
}

// Patch holds the operator correctable fields of a record. Nil fields stay
// unchanged. Derived fields are not patchable; they change only by
// reprocessing the raw payload.
type Patch struct {
	DeviceID *string `json:"deviceId,omitempty"`
	Time     *int64  `json:"time,omitempty"`
}

// Verify checks the patch fields against the data model ranges.
func (patch Patch) Verify() error {
	if patch.DeviceID != nil && !xraysignal.ValidDeviceID(*patch.DeviceID) {
		return Error.New("invalid device id %q", *patch.DeviceID)
	}
	if patch.Time != nil && *patch.Time < 0 {
		return Error.New("time must not be negative")
	}
	return nil
}

// IsZero reports whether the patch changes nothing.
func (patch Patch) IsZero() bool {
	return patch.DeviceID == nil && patch.Time == nil
}

// Stats aggregates the stored records.
type Stats struct {
	TotalSignals int64 `json:"totalSignals"`
	Devices      int64 `json:"devices"`
	TotalPoints  int64 `json:"totalPoints"`
	TotalVolume  int64 `json:"totalVolume"`
}
