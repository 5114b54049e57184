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
	"xraygrid.io/xraygrid/xray/broker"
	"xraygrid.io/xraygrid/xray/consumer"
	"xraygrid.io/xraygrid/xray/msgauth"
	"xraygrid.io/xraygrid/xray/nonces"
	"xraygrid.io/xraygrid/xray/retry"
)

// Core is the ingestion process. It consumes raw signal messages off the
// broker and drives them through verification, archival and persistence.
//
// architecture: Peer
type Core struct {
	Log *zap.Logger
	DB  DB

	Servers  *lifecycle.Group
	Services *lifecycle.Group

	Debug struct {
		Listener net.Listener
		Server   *debug.Server
	}

	Health struct {
		Listener net.Listener
		Server   *healthcheck.Server
	}

	Broker struct {
		Conn broker.Broker
	}

	RawStore struct {
		Blobs storage.Blobs
	}

	Consumer struct {
		Breakers *retry.Breakers
		Service  *consumer.Consumer
	}
}

// NewCore creates a new ingestion peer. The database, broker connection,
// nonce store and raw store are opened by the caller, which stays
// responsible for closing them.
func NewCore(log *zap.Logger, db DB, bus broker.Broker, nonceStore nonces.Store,
	rawstore storage.Blobs, config *Config, atomicLogLevel *zap.AtomicLevel) (*Core, error) {
	peer := &Core{
		Log: log,
		DB:  db,

		Servers:  lifecycle.NewGroup(log.Named("servers")),
		Services: lifecycle.NewGroup(log.Named("services")),
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
		debugConfig.ControlTitle = "Core"
		peer.Debug.Server = debug.NewServerWithAtomicLevel(log.Named("debug"), peer.Debug.Listener, monkit.Default, debugConfig, atomicLogLevel)
		peer.Servers.Add(lifecycle.Item{
			Name:  "debug",
			Run:   peer.Debug.Server.Run,
			Close: peer.Debug.Server.Close,
		})
	}

	{ // setup health endpoint
		if config.Health.Enabled {
			listener, err := net.Listen("tcp", config.Health.Address)
			if err != nil {
				return nil, errs.Combine(err, peer.Close())
			}
			peer.Health.Listener = listener
			peer.Health.Server = healthcheck.NewServer(log.Named("healthcheck"), listener,
				pingChecks(db, bus, nonceStore)...)
			peer.Servers.Add(lifecycle.Item{
				Name:  "healthcheck",
				Run:   peer.Health.Server.Run,
				Close: peer.Health.Server.Close,
			})
		}
	}

	{ // setup consumer
		verifier, err := msgauth.NewVerifier(config.Auth, config.Nonce.Length)
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}

		peer.Consumer.Breakers = retry.NewBreakers(log.Named("breakers"), config.Retry)
		peer.Consumer.Service = consumer.New(log.Named("consumer"),
			bus,
			verifier,
			nonceStore,
			config.Nonce.TTL,
			rawstore,
			db.Signals(),
			peer.Consumer.Breakers,
			retry.NewPolicy(config.Retry, config.Consumer.MaxAttempts),
			config.Consumer,
		)
		peer.Services.Add(lifecycle.Item{
			Name: "consumer",
			Run:  peer.Consumer.Service.Run,
		})
	}

	return peer, nil
}

// Run runs the core until it's either closed or it errors.
func (peer *Core) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	group, ctx := errgroup.WithContext(ctx)

	pprof.Do(ctx, pprof.Labels("subsystem", "core"), func(ctx context.Context) {
		peer.Servers.Run(ctx, group)
		peer.Services.Run(ctx, group)

		pprof.Do(ctx, pprof.Labels("name", "subsystem-wait"), func(ctx context.Context) {
			err = group.Wait()
		})
	})
	return err
}

// Close closes all the resources.
func (peer *Core) Close() error {
	return errs.Combine(
		peer.Servers.Close(),
		peer.Services.Close(),
	)
}
