// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package xraysignal defines the domain types for x-ray telemetry signals:
// the raw payload reported by devices, the processed record kept by the
// repository, and the derived per-signal statistics.
package xraysignal

import (
	"math"
	"regexp"
	"strconv"
	"time"

	"github.com/zeebo/errs"
)

// Error is the default error class for signal validation failures.
var Error = errs.Class("xraysignal")

// Bounds for inbound payload fields.
const (
	MinLatitude   = -90.0
	MaxLatitude   = 90.0
	MinLongitude  = -180.0
	MaxLongitude  = 180.0
	MaxPointSpeed = 1000.0

	MaxDeviceIDLength = 100

	// MaxTimeAhead is how far in the future a signal time may lie.
	MaxTimeAhead = 365 * 24 * time.Hour
)

var deviceIDRegexp = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidDeviceID reports whether id is an acceptable device identifier.
func ValidDeviceID(id string) bool {
	return len(id) >= 1 && len(id) <= MaxDeviceIDLength && deviceIDRegexp.MatchString(id)
}

// DataPoint is a single geospatial sample reported by a device.
type DataPoint struct {
	Timestamp int64   `json:"timestamp"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	Speed     float64 `json:"speed"`
}

// RawSignal is the inbound payload published by a device. Data keeps the
// reported sample order.
type RawSignal struct {
	DeviceID string      `json:"deviceId"`
	Time     int64       `json:"time"`
	Data     []DataPoint `json:"data"`
}

// Issue describes a single validation failure of an inbound payload.
type Issue struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Check returns all validation issues of a single data point. The field
// prefix distinguishes points within a signal.
func (p DataPoint) Check(field string) []Issue {
	var issues []Issue
	add := func(sub, reason string) {
		issues = append(issues, Issue{Field: field + "." + sub, Reason: reason})
	}

	if p.Timestamp < 0 {
		add("timestamp", "negative timestamp")
	}
	switch {
	case !finite(p.Lat):
		add("lat", "not a finite number")
	case p.Lat < MinLatitude || p.Lat > MaxLatitude:
		add("lat", "latitude out of range")
	}
	switch {
	case !finite(p.Lon):
		add("lon", "not a finite number")
	case p.Lon < MinLongitude || p.Lon > MaxLongitude:
		add("lon", "longitude out of range")
	}
	switch {
	case !finite(p.Speed):
		add("speed", "not a finite number")
	case p.Speed < 0 || p.Speed > MaxPointSpeed:
		add("speed", "speed out of range")
	}
	return issues
}

// Check returns all validation issues of the signal relative to now.
func (s *RawSignal) Check(now time.Time) []Issue {
	var issues []Issue

	if !ValidDeviceID(s.DeviceID) {
		issues = append(issues, Issue{Field: "deviceId", Reason: "malformed device id"})
	}

	maxTime := now.Add(MaxTimeAhead).UnixMilli()
	if s.Time < 0 || s.Time > maxTime {
		issues = append(issues, Issue{Field: "time", Reason: "time outside accepted window"})
	}

	if len(s.Data) == 0 {
		issues = append(issues, Issue{Field: "data", Reason: "empty data"})
	}
	for i, point := range s.Data {
		issues = append(issues, point.Check("data["+strconv.Itoa(i)+"]")...)
	}
	return issues
}

// Verify returns an error describing the first validation issue, if any.
func (s *RawSignal) Verify(now time.Time) error {
	issues := s.Check(now)
	if len(issues) == 0 {
		return nil
	}
	return Error.New("%s: %s", issues[0].Field, issues[0].Reason)
}
