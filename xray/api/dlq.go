// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package api

import (
	"net/http"
	"strconv"
)

func (server *Server) replayDeadLetters(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var limit int
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			sendJSONError(server.log, w, http.StatusBadRequest, "invalid limit", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	result, err := server.replayer.Replay(ctx, limit)
	if err != nil {
		sendJSONError(server.log, w, http.StatusInternalServerError, "dead letter replay failed", err.Error())
		return
	}
	sendJSON(server.log, w, http.StatusOK, result)
}

func (server *Server) deadLetterStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stats, err := server.replayer.Stats(ctx)
	if err != nil {
		sendJSONError(server.log, w, http.StatusInternalServerError, "unable to inspect dead letter queue", err.Error())
		return
	}
	sendJSON(server.log, w, http.StatusOK, stats)
}
