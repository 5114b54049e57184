// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package api serves processed signals, raw payloads and dead letter
// operations over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/errs2"
	"storj.io/common/uuid"
	"xraygrid.io/xraygrid/private/healthcheck"
	"xraygrid.io/xraygrid/storage"
	"xraygrid.io/xraygrid/xray/dlqreplay"
	"xraygrid.io/xraygrid/xray/signals"
)

// Error is the default error class of the package.
var Error = errs.Class("api")

// Config holds the query server settings.
type Config struct {
	Address    string        `help:"server listening address" default:":10100" testDefault:"$HOST:0"`
	PresignTTL time.Duration `help:"lifetime of temporary raw download links" default:"15m"`
}

// Server exposes the pipeline query surface.
type Server struct {
	log *zap.Logger

	listener net.Listener
	server   http.Server

	signals  signals.DB
	rawstore storage.Blobs
	replayer *dlqreplay.Replayer
	checks   []healthcheck.Check

	config Config
}

// NewServer wires the query routes.
func NewServer(log *zap.Logger, listener net.Listener, db signals.DB, rawstore storage.Blobs, replayer *dlqreplay.Replayer, checks []healthcheck.Check, config Config) *Server {
	server := &Server{
		log: log,

		listener: listener,

		signals:  db,
		rawstore: rawstore,
		replayer: replayer,
		checks:   checks,

		config: config,
	}

	root := mux.NewRouter()

	api := root.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/signals", server.listSignals).Methods("GET")
	api.HandleFunc("/signals/{id}", server.getSignal).Methods("GET")
	api.HandleFunc("/signals/{id}", server.patchSignal).Methods("PATCH")
	api.HandleFunc("/signals/{id}", server.deleteSignal).Methods("DELETE")
	api.HandleFunc("/signals/{id}/raw", server.rawMetadata).Methods("GET")
	api.HandleFunc("/signals/{id}/raw/content", server.rawContent).Methods("GET")
	api.HandleFunc("/dlq/replay", server.replayDeadLetters).Methods("POST")
	api.HandleFunc("/dlq/stats", server.deadLetterStats).Methods("GET")
	api.HandleFunc("/stats", server.pipelineStats).Methods("GET")
	api.HandleFunc("/health", server.health).Methods("GET")

	server.server.Handler = root
	return server
}

// Run starts the server and stops it when ctx is canceled.
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

// Close closes the server and the underlying listener.
func (server *Server) Close() error {
	return Error.Wrap(server.server.Close())
}

// Addr returns the listening address.
func (server *Server) Addr() string {
	return server.listener.Addr().String()
}

func (server *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := healthcheck.Run(ctx, server.checks)
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	sendJSON(server.log, w, code, status)
}

func (server *Server) pipelineStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	repoStats, err := server.signals.Stats(ctx)
	if err != nil {
		sendJSONError(server.log, w, http.StatusInternalServerError, "unable to aggregate signals", err.Error())
		return
	}
	storeStats, err := server.rawstore.Stats(ctx)
	if err != nil {
		sendJSONError(server.log, w, http.StatusInternalServerError, "unable to aggregate raw store", err.Error())
		return
	}

	sendJSON(server.log, w, http.StatusOK, struct {
		Signals *signals.Stats     `json:"signals"`
		Store   storage.StoreStats `json:"store"`
	}{
		Signals: repoStats,
		Store:   storeStats,
	})
}

// errorPayload is the envelope of every error response.
type errorPayload struct {
	Error         string `json:"error"`
	Detail        string `json:"detail,omitempty"`
	CorrelationID string `json:"correlationId"`
}

func sendJSONError(log *zap.Logger, w http.ResponseWriter, status int, errMsg, detail string) {
	payload := errorPayload{Error: errMsg, Detail: detail}
	if id, err := uuid.New(); err == nil {
		payload.CorrelationID = id.String()
	}
	if status >= http.StatusInternalServerError {
		log.Error("request failed",
			zap.String("correlation id", payload.CorrelationID),
			zap.String("error", errMsg),
			zap.String("detail", detail))
	}
	sendJSON(log, w, status, payload)
}

func sendJSON(log *zap.Logger, w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error("encoding response failed", zap.Error(err))
	}
}
