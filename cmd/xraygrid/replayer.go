// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/process"
	"xraygrid.io/xraygrid/xray"
	"xraygrid.io/xraygrid/xray/broker"
	"xraygrid.io/xraygrid/xray/dlqreplay"
)

// replayLockKey is the redis key replayer instances contend on.
const replayLockKey = "xraygrid:dlqreplay:leader"

func cmdRunReplayer(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	bus, err := broker.Dial(ctx, log.Named("broker"), runCfg.Broker)
	if err != nil {
		return errs.New("Error connecting to message broker: %+v", err)
	}
	defer func() {
		err = errs.Combine(err, bus.Close())
	}()

	err = bus.DeclareTopology(ctx)
	if err != nil {
		return errs.New("Error declaring broker topology: %+v", err)
	}

	var mutex dlqreplay.Mutex = dlqreplay.NewLocalMutex()
	if runCfg.Replay.LockAddress != "" {
		redisMutex, err := dlqreplay.OpenRedisMutex(ctx, runCfg.Replay.LockAddress, replayLockKey, runCfg.Replay.LockTTL)
		if err != nil {
			return errs.New("Error connecting to replay lock: %+v", err)
		}
		defer func() {
			err = errs.Combine(err, redisMutex.Close())
		}()
		mutex = redisMutex
	}

	peer, err := xray.NewReplayer(log, bus, mutex, &runCfg, process.AtomicLevel(cmd))
	if err != nil {
		return err
	}

	runError := peer.Run(ctx)
	closeError := peer.Close()
	return errs.Combine(runError, closeError)
}
