// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"storj.io/common/uuid"
	"xraygrid.io/xraygrid/storage"
	"xraygrid.io/xraygrid/xray/signals"
	"xraygrid.io/xraygrid/xray/xraysignal"
)

func (server *Server) listSignals(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	opts, project, err := parseListOptions(r.URL.Query())
	if err != nil {
		sendJSONError(server.log, w, http.StatusBadRequest, "invalid query", err.Error())
		return
	}
	if err := opts.Verify(); err != nil {
		sendJSONError(server.log, w, http.StatusBadRequest, "invalid query", err.Error())
		return
	}

	page, err := server.signals.List(ctx, opts)
	if err != nil {
		sendJSONError(server.log, w, http.StatusInternalServerError, "unable to list signals", err.Error())
		return
	}

	if project == nil {
		sendJSON(server.log, w, http.StatusOK, page)
		return
	}

	projected := make([]map[string]interface{}, 0, len(page.Signals))
	for _, signal := range page.Signals {
		record, err := project.Apply(signal)
		if err != nil {
			sendJSONError(server.log, w, http.StatusInternalServerError, "projection failed", err.Error())
			return
		}
		projected = append(projected, record)
	}
	sendJSON(server.log, w, http.StatusOK, struct {
		Signals    []map[string]interface{} `json:"signals"`
		NextCursor string                   `json:"nextCursor,omitempty"`
	}{
		Signals:    projected,
		NextCursor: page.NextCursor,
	})
}

func (server *Server) getSignal(w http.ResponseWriter, r *http.Request) {
	signal, ok := server.lookupSignal(w, r)
	if !ok {
		return
	}
	sendJSON(server.log, w, http.StatusOK, signal)
}

func (server *Server) patchSignal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := uuid.FromString(mux.Vars(r)["id"])
	if err != nil {
		sendJSONError(server.log, w, http.StatusBadRequest, "invalid signal id", err.Error())
		return
	}

	var patch signals.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		sendJSONError(server.log, w, http.StatusBadRequest, "malformed patch body", err.Error())
		return
	}

	updated, err := server.signals.Update(ctx, id, patch)
	switch {
	case err == nil:
		sendJSON(server.log, w, http.StatusOK, updated)
	case signals.ErrNotFound.Has(err):
		sendJSONError(server.log, w, http.StatusNotFound, "signal not found", "")
	case signals.ErrDuplicate.Has(err):
		sendJSONError(server.log, w, http.StatusConflict, "update collides with an existing record", err.Error())
	case signals.Error.Has(err):
		sendJSONError(server.log, w, http.StatusBadRequest, "invalid patch", err.Error())
	default:
		sendJSONError(server.log, w, http.StatusInternalServerError, "unable to update signal", err.Error())
	}
}

func (server *Server) deleteSignal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := uuid.FromString(mux.Vars(r)["id"])
	if err != nil {
		sendJSONError(server.log, w, http.StatusBadRequest, "invalid signal id", err.Error())
		return
	}

	deleted, err := server.signals.Delete(ctx, id)
	if err != nil {
		sendJSONError(server.log, w, http.StatusInternalServerError, "unable to delete signal", err.Error())
		return
	}
	if !deleted {
		sendJSONError(server.log, w, http.StatusNotFound, "signal not found", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (server *Server) rawMetadata(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	signal, ok := server.lookupSignal(w, r)
	if !ok {
		return
	}

	info, err := server.rawstore.Stat(ctx, storage.Ref(signal.RawRef))
	if err != nil {
		if storage.ErrNotFound.Has(err) {
			sendJSONError(server.log, w, http.StatusNotFound, "raw payload not found", "")
			return
		}
		sendJSONError(server.log, w, http.StatusInternalServerError, "unable to stat raw payload", err.Error())
		return
	}

	metadata := struct {
		SignalID uuid.UUID `json:"signalId"`
		storage.BlobInfo
		ContentType string `json:"contentType"`
		DownloadURL string `json:"downloadUrl,omitempty"`
	}{
		SignalID:    signal.ID,
		BlobInfo:    info,
		ContentType: storage.ContentType,
	}

	if signer, ok := server.rawstore.(storage.URLSigner); ok {
		downloadURL, err := signer.PresignURL(ctx, info.Ref, server.config.PresignTTL)
		if err != nil {
			server.log.Warn("presigning raw download failed",
				zap.String("ref", string(info.Ref)), zap.Error(err))
		} else {
			metadata.DownloadURL = downloadURL
		}
	}

	sendJSON(server.log, w, http.StatusOK, metadata)
}

func (server *Server) rawContent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	signal, ok := server.lookupSignal(w, r)
	if !ok {
		return
	}
	ref := storage.Ref(signal.RawRef)

	info, err := server.rawstore.Stat(ctx, ref)
	if err != nil {
		if storage.ErrNotFound.Has(err) {
			sendJSONError(server.log, w, http.StatusNotFound, "raw payload not found", "")
			return
		}
		sendJSONError(server.log, w, http.StatusInternalServerError, "unable to stat raw payload", err.Error())
		return
	}

	reader, err := server.rawstore.Open(ctx, ref)
	if err != nil {
		if storage.ErrNotFound.Has(err) {
			sendJSONError(server.log, w, http.StatusNotFound, "raw payload not found", "")
			return
		}
		sendJSONError(server.log, w, http.StatusInternalServerError, "unable to open raw payload", err.Error())
		return
	}
	defer func() {
		if closeErr := reader.Close(); closeErr != nil {
			server.log.Warn("closing raw payload failed", zap.Error(closeErr))
		}
	}()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(info.OriginalSize, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, reader); err != nil {
		// headers are out the door; all we can do is log
		server.log.Warn("raw stream aborted",
			zap.String("ref", string(ref)), zap.Error(err))
	}
}

// lookupSignal resolves the id path parameter to a record, writing the
// error response itself when resolution fails.
func (server *Server) lookupSignal(w http.ResponseWriter, r *http.Request) (*xraysignal.ProcessedSignal, bool) {
	ctx := r.Context()

	id, err := uuid.FromString(mux.Vars(r)["id"])
	if err != nil {
		sendJSONError(server.log, w, http.StatusBadRequest, "invalid signal id", err.Error())
		return nil, false
	}

	signal, err := server.signals.Get(ctx, id)
	if err != nil {
		if signals.ErrNotFound.Has(err) {
			sendJSONError(server.log, w, http.StatusNotFound, "signal not found", "")
		} else {
			sendJSONError(server.log, w, http.StatusInternalServerError, "unable to load signal", err.Error())
		}
		return nil, false
	}
	return signal, true
}

func parseListOptions(q url.Values) (opts signals.ListOptions, project *projection, err error) {
	opts.Filter.DeviceID = q.Get("deviceId")

	if opts.Filter.From, err = timeParam(q, "from"); err != nil {
		return opts, nil, err
	}
	if opts.Filter.To, err = timeParam(q, "to"); err != nil {
		return opts, nil, err
	}
	if opts.Filter.MinDataLength, err = intParam(q, "minDataLength"); err != nil {
		return opts, nil, err
	}
	if opts.Filter.MaxDataLength, err = intParam(q, "maxDataLength"); err != nil {
		return opts, nil, err
	}
	if opts.Filter.MinDataVolume, err = int64Param(q, "minDataVolume"); err != nil {
		return opts, nil, err
	}
	if opts.Filter.MaxDataVolume, err = int64Param(q, "maxDataVolume"); err != nil {
		return opts, nil, err
	}
	if opts.Filter.Bounds, err = boundsParam(q); err != nil {
		return opts, nil, err
	}

	if v := q.Get("limit"); v != "" {
		if opts.Limit, err = strconv.Atoi(v); err != nil {
			return opts, nil, Error.New("limit: %v", err)
		}
	}
	if v := q.Get("skip"); v != "" {
		if opts.Skip, err = strconv.ParseInt(v, 10, 64); err != nil {
			return opts, nil, Error.New("skip: %v", err)
		}
	}
	if v := q.Get("cursor"); v != "" {
		if opts.Cursor, err = uuid.FromString(v); err != nil {
			return opts, nil, Error.New("cursor: %v", err)
		}
	}

	if opts.Sort.Field, err = signals.ParseSortField(q.Get("sortBy")); err != nil {
		return opts, nil, Error.Wrap(err)
	}
	switch strings.ToLower(q.Get("sortOrder")) {
	case "", "desc":
	case "asc":
		opts.Sort.Ascending = true
	default:
		return opts, nil, Error.New("sortOrder must be asc or desc")
	}

	if v := q.Get("fields"); v != "" {
		if project, err = compileProjection(v); err != nil {
			return opts, nil, err
		}
	}
	return opts, project, nil
}

func timeParam(q url.Values, name string) (*time.Time, error) {
	v := q.Get(name)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, Error.New("%s: %v", name, err)
	}
	return &t, nil
}

func intParam(q url.Values, name string) (*int, error) {
	v := q.Get(name)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil, Error.New("%s: %v", name, err)
	}
	return &n, nil
}

func int64Param(q url.Values, name string) (*int64, error) {
	v := q.Get(name)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, Error.New("%s: %v", name, err)
	}
	return &n, nil
}

func floatParam(q url.Values, name string) (*float64, error) {
	v := q.Get(name)
	if v == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, Error.New("%s: %v", name, err)
	}
	return &f, nil
}

func boundsParam(q url.Values) (*xraysignal.BoundingBox, error) {
	minLat, err := floatParam(q, "minLat")
	if err != nil {
		return nil, err
	}
	maxLat, err := floatParam(q, "maxLat")
	if err != nil {
		return nil, err
	}
	minLon, err := floatParam(q, "minLon")
	if err != nil {
		return nil, err
	}
	maxLon, err := floatParam(q, "maxLon")
	if err != nil {
		return nil, err
	}

	if minLat == nil && maxLat == nil && minLon == nil && maxLon == nil {
		return nil, nil
	}
	if minLat == nil || maxLat == nil || minLon == nil || maxLon == nil {
		return nil, Error.New("bounding box needs all of minLat, maxLat, minLon, maxLon")
	}
	return &xraysignal.BoundingBox{
		MinLat: *minLat,
		MaxLat: *maxLat,
		MinLon: *minLon,
		MaxLon: *maxLon,
	}, nil
}
