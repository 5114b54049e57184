// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package healthcheck

import (
	"context"
	"time"
)

// pingTimeout bounds a single probe so a wedged dependency cannot hang
// the endpoint.
const pingTimeout = 5 * time.Second

type pingCheck struct {
	name string
	ping func(ctx context.Context) error
}

// NewPingCheck adapts a ping function into a Check.
func NewPingCheck(name string, ping func(ctx context.Context) error) Check {
	return &pingCheck{name: name, ping: ping}
}

func (check *pingCheck) Name() string { return check.name }

func (check *pingCheck) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return check.ping(ctx) == nil
}
