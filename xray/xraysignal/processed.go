// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package xraysignal

import (
	"time"

	"storj.io/common/uuid"
)

// Point is a GeoJSON point. Coordinates are longitude first, even though
// data points report latitude first.
type Point struct {
	Type        string     `json:"type"`
	Coordinates [2]float64 `json:"coordinates"`
}

// NewPoint builds a GeoJSON point from latitude and longitude.
func NewPoint(lat, lon float64) Point {
	return Point{Type: "Point", Coordinates: [2]float64{lon, lat}}
}

// Lon returns the longitude of the point.
func (p Point) Lon() float64 { return p.Coordinates[0] }

// Lat returns the latitude of the point.
func (p Point) Lat() float64 { return p.Coordinates[1] }

// ProcessedSignal is the persisted record derived from a raw signal.
type ProcessedSignal struct {
	ID         uuid.UUID `json:"id"`
	DeviceID   string    `json:"deviceId"`
	Time       int64     `json:"time"`
	DataLength int       `json:"dataLength"`
	DataVolume int64     `json:"dataVolume"`
	Stats      Stats     `json:"stats"`

	// Location is the first reported data point.
	Location Point `json:"location"`

	// RawRef addresses the archived payload in the raw store.
	RawRef string `json:"rawRef"`

	// IdempotencyKey is the fingerprint of the canonical payload. Unique
	// across all records.
	IdempotencyKey string `json:"idempotencyKey"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DeviceStatus is a device health report published on its own routing key.
type DeviceStatus struct {
	DeviceID string             `json:"deviceId"`
	Status   string             `json:"status"`
	Health   map[string]float64 `json:"health,omitempty"`
}
