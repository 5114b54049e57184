// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package xraysignal_test

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"xraygrid.io/xraygrid/xray/xraysignal"
)

func validSignal() *xraysignal.RawSignal {
	return &xraysignal.RawSignal{
		DeviceID: "d-01",
		Time:     1735683480000,
		Data: []xraysignal.DataPoint{
			{Timestamp: 762, Lat: 51.339764, Lon: 12.339223, Speed: 1.2},
		},
	}
}

func TestSignalCheck(t *testing.T) {
	now := time.Now()

	require.Empty(t, validSignal().Check(now))
	require.NoError(t, validSignal().Verify(now))

	{ // device id
		require.True(t, xraysignal.ValidDeviceID("Dev_42-a"))
		require.False(t, xraysignal.ValidDeviceID(""))
		require.False(t, xraysignal.ValidDeviceID("no spaces"))
		require.False(t, xraysignal.ValidDeviceID("ümlaut"))
		require.False(t, xraysignal.ValidDeviceID(strings.Repeat("x", 101)))
		require.True(t, xraysignal.ValidDeviceID(strings.Repeat("x", 100)))
	}

	{ // time window
		sig := validSignal()
		sig.Time = -1
		require.Error(t, sig.Verify(now))

		sig.Time = now.Add(xraysignal.MaxTimeAhead + time.Hour).UnixMilli()
		require.Error(t, sig.Verify(now))

		sig.Time = now.UnixMilli()
		require.NoError(t, sig.Verify(now))
	}

	{ // empty data
		sig := validSignal()
		sig.Data = nil
		issues := sig.Check(now)
		require.Len(t, issues, 1)
		require.Equal(t, "data", issues[0].Field)
	}
}

func TestDataPointCheck(t *testing.T) {
	now := time.Now()

	cases := []struct {
		name  string
		point xraysignal.DataPoint
		field string
	}{
		{"negative timestamp", xraysignal.DataPoint{Timestamp: -1, Lat: 1, Lon: 1, Speed: 1}, "timestamp"},
		{"lat too small", xraysignal.DataPoint{Lat: -90.5, Lon: 1, Speed: 1}, "lat"},
		{"lat too large", xraysignal.DataPoint{Lat: 90.5, Lon: 1, Speed: 1}, "lat"},
		{"lon too small", xraysignal.DataPoint{Lat: 1, Lon: -180.5, Speed: 1}, "lon"},
		{"lon too large", xraysignal.DataPoint{Lat: 1, Lon: 180.5, Speed: 1}, "lon"},
		{"negative speed", xraysignal.DataPoint{Lat: 1, Lon: 1, Speed: -0.1}, "speed"},
		{"speed too large", xraysignal.DataPoint{Lat: 1, Lon: 1, Speed: 1000.5}, "speed"},
		{"nan lat", xraysignal.DataPoint{Lat: math.NaN(), Lon: 1, Speed: 1}, "lat"},
		{"inf speed", xraysignal.DataPoint{Lat: 1, Lon: 1, Speed: math.Inf(1)}, "speed"},
	}

	for _, tc := range cases {
		sig := validSignal()
		sig.Data = []xraysignal.DataPoint{tc.point}

		issues := sig.Check(now)
		require.Len(t, issues, 1, tc.name)
		require.Equal(t, "data[0]."+tc.field, issues[0].Field, tc.name)
	}

	// every broken field reports its own issue
	sig := validSignal()
	sig.Data = []xraysignal.DataPoint{{Timestamp: -1, Lat: 91, Lon: 181, Speed: -1}}
	require.Len(t, sig.Check(now), 4)
}

func TestPointCoordinates(t *testing.T) {
	p := xraysignal.NewPoint(51.339764, 12.339223)
	require.Equal(t, "Point", p.Type)
	require.Equal(t, 12.339223, p.Coordinates[0])
	require.Equal(t, 51.339764, p.Coordinates[1])
	require.Equal(t, 51.339764, p.Lat())
	require.Equal(t, 12.339223, p.Lon())
}
