// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package codec

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"strconv"

	"xraygrid.io/xraygrid/xray/xraysignal"
)

// Canonical serializes a signal deterministically: object keys in lexical
// order, integral numbers without fraction or exponent, and no insignificant
// zeros. Two logically identical payloads always canonicalize to the same
// bytes, regardless of how they were encoded on the wire.
func Canonical(signal *xraysignal.RawSignal) []byte {
	buf := make([]byte, 0, 64+48*len(signal.Data))

	buf = append(buf, `{"data":[`...)
	for i, point := range signal.Data {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, `{"lat":`...)
		buf = appendNumber(buf, point.Lat)
		buf = append(buf, `,"lon":`...)
		buf = appendNumber(buf, point.Lon)
		buf = append(buf, `,"speed":`...)
		buf = appendNumber(buf, point.Speed)
		buf = append(buf, `,"timestamp":`...)
		buf = strconv.AppendInt(buf, point.Timestamp, 10)
		buf = append(buf, '}')
	}
	buf = append(buf, `],"deviceId":`...)
	buf = appendString(buf, signal.DeviceID)
	buf = append(buf, `,"time":`...)
	buf = strconv.AppendInt(buf, signal.Time, 10)
	buf = append(buf, '}')

	return buf
}

// appendNumber writes a float in canonical form: integral values within the
// int64 range render as plain integers, the rest as the shortest decimal
// representation without an exponent.
func appendNumber(buf []byte, f float64) []byte {
	if f == math.Trunc(f) && math.Abs(f) < 1<<62 {
		return strconv.AppendInt(buf, int64(f), 10)
	}
	return strconv.AppendFloat(buf, f, 'f', -1, 64)
}

func appendString(buf []byte, s string) []byte {
	quoted, _ := json.Marshal(s)
	return append(buf, quoted...)
}

// Fingerprint hashes the canonical form of a signal. The result is the
// idempotency key for the processed record.
func Fingerprint(signal *xraysignal.RawSignal) string {
	sum := sha256.Sum256(Canonical(signal))
	return hex.EncodeToString(sum[:])
}
