// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package codec_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"xraygrid.io/xraygrid/xray/codec"
	"xraygrid.io/xraygrid/xray/xraysignal"
)

func TestDecodeObjectForm(t *testing.T) {
	payload := []byte(`{
		"deviceId": "d-01",
		"time": 1735683480000,
		"data": [
			{"timestamp": 762, "lat": 51.339764, "lon": 12.339223, "speed": 1.2},
			{"timestamp": 1766, "lat": 51.339777, "lon": 12.339212, "speed": 1.53}
		]
	}`)

	signal, err := codec.Decode(payload)
	require.NoError(t, err)
	require.Equal(t, "d-01", signal.DeviceID)
	require.Equal(t, int64(1735683480000), signal.Time)
	require.Len(t, signal.Data, 2)
	require.Equal(t, 51.339764, signal.Data[0].Lat)
	require.Equal(t, 1.53, signal.Data[1].Speed)
}

func TestDecodeTupleForm(t *testing.T) {
	object := []byte(`{"deviceId":"d-01","time":1,"data":[{"timestamp":762,"lat":51.3,"lon":12.3,"speed":1.2}]}`)
	tuple := []byte(`{"deviceId":"d-01","time":1,"data":[[762,[51.3,12.3,1.2]]]}`)

	fromObject, err := codec.Decode(object)
	require.NoError(t, err)
	fromTuple, err := codec.Decode(tuple)
	require.NoError(t, err)

	require.Equal(t, fromObject, fromTuple)
	require.Equal(t, codec.Fingerprint(fromObject), codec.Fingerprint(fromTuple))
}

func TestDecodeMalformed(t *testing.T) {
	for _, payload := range []string{
		``,
		`not json`,
		`{"deviceId": 42}`,
		`{"deviceId":"d","time":1,"data":[[1]]}`,
		`{"deviceId":"d","time":1,"data":[true]}`,
	} {
		_, err := codec.Decode([]byte(payload))
		require.Error(t, err, payload)
		require.True(t, codec.ErrValidation.Has(err), payload)
	}
}

func TestValidateIssueList(t *testing.T) {
	now := time.Now()

	err := codec.Validate(&xraysignal.RawSignal{
		DeviceID: "bad id!",
		Time:     -5,
		Data:     nil,
	}, now)
	require.Error(t, err)
	require.True(t, codec.ErrValidation.Has(err))

	issues := codec.Issues(err)
	require.Len(t, issues, 3)

	fields := make(map[string]bool)
	for _, issue := range issues {
		fields[issue.Field] = true
	}
	require.True(t, fields["deviceId"])
	require.True(t, fields["time"])
	require.True(t, fields["data"])
}

func TestCanonicalKeyOrder(t *testing.T) {
	permutations := [][]byte{
		[]byte(`{"deviceId":"d-01","time":5,"data":[{"timestamp":1,"lat":2.5,"lon":3,"speed":4}]}`),
		[]byte(`{"time":5,"data":[{"speed":4,"lon":3,"lat":2.5,"timestamp":1}],"deviceId":"d-01"}`),
		[]byte(`{"data":[{"lon":3,"timestamp":1,"speed":4,"lat":2.5}],"deviceId":"d-01","time":5}`),
	}

	var first string
	for i, payload := range permutations {
		signal, err := codec.Decode(payload)
		require.NoError(t, err)

		fingerprint := codec.Fingerprint(signal)
		if i == 0 {
			first = fingerprint
			continue
		}
		require.Equal(t, first, fingerprint)
	}
}

func TestCanonicalBytes(t *testing.T) {
	signal := &xraysignal.RawSignal{
		DeviceID: "d-01",
		Time:     5,
		Data: []xraysignal.DataPoint{
			{Timestamp: 1, Lat: 2.5, Lon: 3, Speed: 4},
		},
	}

	expected := `{"data":[{"lat":2.5,"lon":3,"speed":4,"timestamp":1}],"deviceId":"d-01","time":5}`
	require.Equal(t, expected, string(codec.Canonical(signal)))
}

func TestCanonicalNumberFormatting(t *testing.T) {
	signal := &xraysignal.RawSignal{
		DeviceID: "d",
		Time:     0,
		Data: []xraysignal.DataPoint{
			{Timestamp: 0, Lat: 1.0, Lon: -0.5, Speed: 10.10},
		},
	}

	canonical := string(codec.Canonical(signal))
	require.Contains(t, canonical, `"lat":1,`)
	require.Contains(t, canonical, `"lon":-0.5,`)
	require.Contains(t, canonical, `"speed":10.1,`)
	require.NotContains(t, canonical, "e+")
	require.NotContains(t, canonical, "E+")
}

func TestFingerprintIgnoresUnsignedFields(t *testing.T) {
	base := []byte(`{"deviceId":"d-01","time":5,"data":[{"timestamp":1,"lat":2,"lon":3,"speed":4}]}`)
	extra := []byte(`{"deviceId":"d-01","time":5,"meta":"ignored","data":[{"timestamp":1,"lat":2,"lon":3,"speed":4}]}`)

	a, err := codec.Decode(base)
	require.NoError(t, err)
	b, err := codec.Decode(extra)
	require.NoError(t, err)

	require.Equal(t, codec.Fingerprint(a), codec.Fingerprint(b))
}
