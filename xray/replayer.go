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
	"xraygrid.io/xraygrid/private/lifecycle"
	"xraygrid.io/xraygrid/xray/broker"
	"xraygrid.io/xraygrid/xray/dlqreplay"
)

// Replayer is the dead letter replay process. It periodically feeds
// parked messages back into the retry pipeline.
//
// architecture: Peer
type Replayer struct {
	Log *zap.Logger

	Servers  *lifecycle.Group
	Services *lifecycle.Group

	Debug struct {
		Listener net.Listener
		Server   *debug.Server
	}

	Broker struct {
		Conn broker.Broker
	}

	Replay struct {
		Service *dlqreplay.Replayer
	}
}

// NewReplayer creates a new replay peer. The broker connection and the
// replay mutex are opened by the caller, which stays responsible for
// closing them.
func NewReplayer(log *zap.Logger, bus broker.Broker, mutex dlqreplay.Mutex,
	config *Config, atomicLogLevel *zap.AtomicLevel) (*Replayer, error) {
	peer := &Replayer{
		Log: log,

		Servers:  lifecycle.NewGroup(log.Named("servers")),
		Services: lifecycle.NewGroup(log.Named("services")),
	}
	peer.Broker.Conn = bus

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
		debugConfig.ControlTitle = "Replayer"
		peer.Debug.Server = debug.NewServerWithAtomicLevel(log.Named("debug"), peer.Debug.Listener, monkit.Default, debugConfig, atomicLogLevel)
		peer.Servers.Add(lifecycle.Item{
			Name:  "debug",
			Run:   peer.Debug.Server.Run,
			Close: peer.Debug.Server.Close,
		})
	}

	{ // setup replay chore
		peer.Replay.Service = dlqreplay.New(log.Named("dlqreplay"), bus, mutex, config.Replay)
		peer.Services.Add(lifecycle.Item{
			Name:  "dlqreplay",
			Run:   peer.Replay.Service.Run,
			Close: peer.Replay.Service.Close,
		})
	}

	return peer, nil
}

// Run runs the replay peer until it's either closed or it errors.
func (peer *Replayer) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	group, ctx := errgroup.WithContext(ctx)

	pprof.Do(ctx, pprof.Labels("subsystem", "replayer"), func(ctx context.Context) {
		peer.Servers.Run(ctx, group)
		peer.Services.Run(ctx, group)

		pprof.Do(ctx, pprof.Labels("name", "subsystem-wait"), func(ctx context.Context) {
			err = group.Wait()
		})
	})
	return err
}

// Close closes all the resources.
func (peer *Replayer) Close() error {
	return errs.Combine(
		peer.Servers.Close(),
		peer.Services.Close(),
	)
}
