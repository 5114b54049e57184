// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package broker

import (
	"strconv"
)

// Header names attached to published messages. These are part of the wire
// contract with other services and must not change.
const (
	HeaderCorrelationID = "x-correlation-id"
	HeaderTimestamp     = "x-timestamp"
	HeaderService       = "x-service"
	HeaderSchemaVersion = "x-schema-version"
	HeaderDeviceID      = "x-device-id"
	HeaderSignature     = "x-hmac-signature"
	HeaderTimestampAuth = "x-timestamp-auth"
	HeaderNonce         = "x-nonce"
	HeaderAlgorithm     = "x-algorithm"
	HeaderRetryCount    = "x-retry-count"
	HeaderRetryDelay    = "x-retry-delay"
	HeaderError         = "x-error"
	HeaderFinalRetry    = "x-final-retry"
)

// Headers carries the envelope metadata attached to each message.
type Headers struct {
	CorrelationID string
	Timestamp     string
	Service       string
	SchemaVersion string

	DeviceID      string
	Signature     string
	TimestampAuth string
	Nonce         string
	Algorithm     string

	RetryCount int
	RetryDelay int64
	LastError  string
	FinalRetry bool
}

// Table converts the headers into the broker table form. Retry and error
// fields are included only when set, so first publishes stay minimal.
func (h Headers) Table() map[string]interface{} {
	table := map[string]interface{}{
		HeaderCorrelationID: h.CorrelationID,
		HeaderTimestamp:     h.Timestamp,
		HeaderService:       h.Service,
		HeaderSchemaVersion: h.SchemaVersion,
		HeaderDeviceID:      h.DeviceID,
		HeaderSignature:     h.Signature,
		HeaderTimestampAuth: h.TimestampAuth,
		HeaderNonce:         h.Nonce,
		HeaderAlgorithm:     h.Algorithm,
		HeaderRetryCount:    int64(h.RetryCount),
	}
	if h.RetryDelay > 0 {
		table[HeaderRetryDelay] = h.RetryDelay
	}
	if h.LastError != "" {
		table[HeaderError] = h.LastError
	}
	if h.FinalRetry {
		table[HeaderFinalRetry] = true
	}
	return table
}

// HeadersFromTable parses a broker table into Headers. Absent fields stay
// zero. Numbers are coerced from whichever numeric type the publishing
// client encoded.
func HeadersFromTable(table map[string]interface{}) Headers {
	h := Headers{
		CorrelationID: tableString(table, HeaderCorrelationID),
		Timestamp:     tableString(table, HeaderTimestamp),
		Service:       tableString(table, HeaderService),
		SchemaVersion: tableString(table, HeaderSchemaVersion),
		DeviceID:      tableString(table, HeaderDeviceID),
		Signature:     tableString(table, HeaderSignature),
		TimestampAuth: tableString(table, HeaderTimestampAuth),
		Nonce:         tableString(table, HeaderNonce),
		Algorithm:     tableString(table, HeaderAlgorithm),
		LastError:     tableString(table, HeaderError),
	}
	h.RetryCount = int(tableInt(table, HeaderRetryCount))
	h.RetryDelay = tableInt(table, HeaderRetryDelay)
	h.FinalRetry = tableBool(table, HeaderFinalRetry)
	return h
}

// MissingAuth returns the names of required authentication headers that
// are absent.
func (h Headers) MissingAuth() []string {
	var missing []string
	if h.DeviceID == "" {
		missing = append(missing, HeaderDeviceID)
	}
	if h.Signature == "" {
		missing = append(missing, HeaderSignature)
	}
	if h.TimestampAuth == "" {
		missing = append(missing, HeaderTimestampAuth)
	}
	if h.Nonce == "" {
		missing = append(missing, HeaderNonce)
	}
	if h.Algorithm == "" {
		missing = append(missing, HeaderAlgorithm)
	}
	return missing
}

func tableString(table map[string]interface{}, key string) string {
	switch v := table[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

func tableInt(table map[string]interface{}, key string) int64 {
	switch v := table[key].(type) {
	case int:
		return int64(v)
	case int8:
		return int64(v)
	case int16:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	case float32:
		return int64(v)
	case float64:
		return int64(v)
	case string:
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0
		}
		return parsed
	default:
		return 0
	}
}

func tableBool(table map[string]interface{}, key string) bool {
	switch v := table[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	default:
		return false
	}
}
