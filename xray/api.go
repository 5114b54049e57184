// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package xray

import (
	"context"
	"errors"
	"net"
	"runtime/pprof"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/debug"
	"xraygrid.io/xraygrid/private/healthcheck"
	"xraygrid.io/xraygrid/private/lifecycle"
	"xraygrid.io/xraygrid/storage"
	"xraygrid.io/xraygrid/xray/api"
	"xraygrid.io/xraygrid/xray/broker"
	"xraygrid.io/xraygrid/xray/dlqreplay"
)

// API is the query process. It serves processed signals, raw payloads and
// dead letter operations over HTTP.
//
// architecture: Peer
type API struct {
	Log *zap.Logger
	DB  DB

	Servers *lifecycle.Group

	Debug struct {
		Listener net.Listener
		Server   *debug.Server
	}

	Broker struct {
		Conn broker.Broker
	}

	RawStore struct {
		Blobs storage.Blobs
	}

	Replay struct {
		// Engine serves on-demand replays for the HTTP endpoints. The
		// periodic scan belongs to the replayer peer.
		Engine *dlqreplay.Replayer
	}

	API struct {
		Listener net.Listener
		Server   *api.Server
	}
}

// NewAPI creates a new query peer. The database, broker connection and raw
// store are opened by the caller, which stays responsible for closing them.
func NewAPI(log *zap.Logger, db DB, bus broker.Broker, rawstore storage.Blobs,
	config *Config, atomicLogLevel *zap.AtomicLevel) (*API, error) {
	peer := &API{
		Log: log,
		DB:  db,

		Servers: lifecycle.NewGroup(log.Named("servers")),
	}
	peer.Broker.Conn = bus
	peer.RawStore.Blobs = rawstore

	{ // setup debug
		var err error
		if config.Debug.Addr != "" {
			peer.Debug.Listener, err = net.Listen("tcp", config.Debug.Addr)
			if err != nil {
				withoutStack := errors.New(err.Error())
				peer.Log.Debug("failed to start debug endpoints", zap.Error(withoutStack))
			}
		}
		debugConfig := config.Debug
		debugConfig.ControlTitle = "API"
		peer.Debug.Server = debug.NewServerWithAtomicLevel(log.Named("debug"), peer.Debug.Listener, monkit.Default, debugConfig, atomicLogLevel)
		peer.Servers.Add(lifecycle.Item{
			Name:  "debug",
			Run:   peer.Debug.Server.Run,
			Close: peer.Debug.Server.Close,
		})
	}

	{ // setup query server
		peer.Replay.Engine = dlqreplay.New(log.Named("dlqreplay"), bus,
			dlqreplay.NewLocalMutex(), config.Replay)

		listener, err := net.Listen("tcp", config.API.Address)
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}
		peer.API.Listener = listener

		checks := []healthcheck.Check{
			healthcheck.NewPingCheck("database", db.Ping),
			brokerCheck(bus),
		}
		peer.API.Server = api.NewServer(log.Named("api"), listener,
			db.Signals(), rawstore, peer.Replay.Engine, checks, config.API)
		peer.Servers.Add(lifecycle.Item{
			Name:  "api",
			Run:   peer.API.Server.Run,
			Close: peer.API.Server.Close,
		})
	}

	return peer, nil
}

// Run runs the query peer until it's either closed or it errors.
func (peer *API) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	group, ctx := errgroup.WithContext(ctx)

	pprof.Do(ctx, pprof.Labels("subsystem", "api"), func(ctx context.Context) {
		peer.Servers.Run(ctx, group)

		pprof.Do(ctx, pprof.Labels("name", "subsystem-wait"), func(ctx context.Context) {
			err = group.Wait()
		})
	})
	return err
}

// Close closes all the resources.
func (peer *API) Close() error {
	return peer.Servers.Close()
}
