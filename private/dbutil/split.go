// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package dbutil

import (
	"strings"

	"github.com/zeebo/errs"
)

// SplitConnStr returns the driver and source for the given database URL,
// along with the implementation it selects.
func SplitConnStr(s string) (driver string, source string, implementation Implementation, err error) {
	parts := strings.SplitN(s, "://", 2)
	if len(parts) != 2 {
		return "", "", Unknown, errs.New("could not parse DB URL %s", s)
	}
	driver = parts[0]
	source = parts[1]
	implementation = setImplementation(driver)

	switch implementation {
	case Postgres:
		source = s // postgres wants full URLs for its DSN
		driver = "postgres"
	case Sqlite:
		driver = "sqlite3"
	default:
		return "", "", Unknown, errs.New("unsupported database scheme %q", parts[0])
	}

	return driver, source, implementation, nil
}
