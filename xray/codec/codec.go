// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package codec decodes inbound signal payloads, validates them, and derives
// the canonical byte form used for fingerprinting and deduplication.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"

	"github.com/zeebo/errs"

	"xraygrid.io/xraygrid/xray/xraysignal"
)

var (
	// Error is the default codec error class.
	Error = errs.Class("codec")

	// ErrValidation wraps all payload validation failures. Not retryable.
	ErrValidation = errs.Class("signal validation")
)

// SchemaVersion tags the wire format of raw signal payloads.
const SchemaVersion = "v1"

// validationError carries the full issue list of a rejected payload.
type validationError struct {
	issues []xraysignal.Issue
}

func (e *validationError) Error() string {
	msg := "invalid payload"
	for _, issue := range e.issues {
		msg += "; " + issue.Field + ": " + issue.Reason
	}
	return msg
}

// Issues extracts the issue list from a validation error, if present.
func Issues(err error) []xraysignal.Issue {
	var v *validationError
	if errors.As(err, &v) {
		return v.issues
	}
	return nil
}

// rawEnvelope splits the payload so data points can be decoded in either of
// the two accepted encodings.
type rawEnvelope struct {
	DeviceID string            `json:"deviceId"`
	Time     int64             `json:"time"`
	Data     []json.RawMessage `json:"data"`
}

// tuplePoint is the legacy sample encoding [timestamp, [lat, lon, speed]].
type tuplePoint struct {
	timestamp int64
	coords    [3]float64
}

func (p *tuplePoint) UnmarshalJSON(data []byte) error {
	var parts [2]json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if err := json.Unmarshal(parts[0], &p.timestamp); err != nil {
		return err
	}
	return json.Unmarshal(parts[1], &p.coords)
}

// Decode parses inbound payload bytes into a raw signal. Data points are
// accepted either as objects or as legacy [timestamp, [lat, lon, speed]]
// tuples; both decode to the same in-memory form, so fingerprints do not
// depend on the wire encoding.
func Decode(data []byte) (*xraysignal.RawSignal, error) {
	var envelope rawEnvelope

	decoder := json.NewDecoder(bytes.NewReader(data))
	if err := decoder.Decode(&envelope); err != nil {
		return nil, ErrValidation.New("malformed payload: %v", err)
	}

	signal := &xraysignal.RawSignal{
		DeviceID: envelope.DeviceID,
		Time:     envelope.Time,
		Data:     make([]xraysignal.DataPoint, 0, len(envelope.Data)),
	}

	for i, raw := range envelope.Data {
		point, err := decodePoint(raw)
		if err != nil {
			return nil, ErrValidation.New("malformed data point %d: %v", i, err)
		}
		signal.Data = append(signal.Data, point)
	}

	return signal, nil
}

func decodePoint(raw json.RawMessage) (xraysignal.DataPoint, error) {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var tuple tuplePoint
		if err := json.Unmarshal(raw, &tuple); err != nil {
			return xraysignal.DataPoint{}, err
		}
		return xraysignal.DataPoint{
			Timestamp: tuple.timestamp,
			Lat:       tuple.coords[0],
			Lon:       tuple.coords[1],
			Speed:     tuple.coords[2],
		}, nil
	}

	var point xraysignal.DataPoint
	if err := json.Unmarshal(raw, &point); err != nil {
		return xraysignal.DataPoint{}, err
	}
	return point, nil
}

// Validate checks the decoded signal against the schema rules. It returns a
// validation error carrying every detected issue.
func Validate(signal *xraysignal.RawSignal, now time.Time) error {
	issues := signal.Check(now)
	if len(issues) == 0 {
		return nil
	}
	return ErrValidation.Wrap(&validationError{issues: issues})
}
