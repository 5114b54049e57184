// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package healthcheck exposes liveness probes for pipeline processes.
package healthcheck

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/errs2"
)

var (
	// Error is the default error class of the package.
	Error = errs.Class("healthcheck")

	mon = monkit.Package()
)

// Check reports the liveness of one dependency.
type Check interface {
	// Name identifies the dependency.
	Name() string
	// Healthy reports whether the dependency responds.
	Healthy(ctx context.Context) bool
}

// Config holds probe server settings.
type Config struct {
	Enabled bool   `help:"whether the liveness probe server runs" default:"true"`
	Address string `help:"probe listening address" default:"localhost:10500" testDefault:"$HOST:0"`
}

// Status aggregates the outcome of every check.
type Status struct {
	Healthy bool            `json:"healthy"`
	Checks  map[string]bool `json:"checks"`
}

// Run evaluates all checks.
func Run(ctx context.Context, checks []Check) Status {
	status := Status{Healthy: true, Checks: make(map[string]bool, len(checks))}
	for _, check := range checks {
		healthy := check.Healthy(ctx)
		status.Healthy = status.Healthy && healthy
		status.Checks[check.Name()] = healthy
	}
	return status
}

// Server answers liveness probes over HTTP. The check set is fixed at
// construction.
type Server struct {
	log      *zap.Logger
	listener net.Listener
	server   http.Server

	checks []Check
}

// NewServer creates a probe server over the given checks.
func NewServer(log *zap.Logger, listener net.Listener, checks ...Check) *Server {
	server := &Server{
		log:      log,
		listener: listener,
		checks:   checks,
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", server.status).Methods("GET")
	router.HandleFunc("/health/{name}", server.single).Methods("GET")

	server.server.Handler = router
	return server
}

func (server *Server) status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	status := Run(ctx, server.checks)

	w.Header().Set("Content-Type", "application/json")
	if status.Healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err = json.NewEncoder(w).Encode(status); err != nil {
		server.log.Error("encoding status failed", zap.Error(err))
	}
}

func (server *Server) single(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	name := mux.Vars(r)["name"]

	w.Header().Set("Content-Type", "application/json")
	for _, check := range server.checks {
		if check.Name() != name {
			continue
		}
		healthy := check.Healthy(ctx)
		if healthy {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err = json.NewEncoder(w).Encode(map[string]bool{"healthy": healthy}); err != nil {
			server.log.Error("encoding status failed", zap.Error(err))
		}
		return
	}

	w.WriteHeader(http.StatusNotFound)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "unknown check name"})
}

// Run serves probes until ctx is canceled.
func (server *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	var group errgroup.Group
	group.Go(func() error {
		<-ctx.Done()
		return Error.Wrap(server.server.Shutdown(context.Background()))
	})
	group.Go(func() error {
		defer cancel()
		err := server.server.Serve(server.listener)
		if errs2.IsCanceled(err) || errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		return Error.Wrap(err)
	})
	return group.Wait()
}

// Close stops the server.
func (server *Server) Close() error {
	return Error.Wrap(server.server.Close())
}

// Addr returns the listening address.
func (server *Server) Addr() string {
	return server.listener.Addr().String()
}
