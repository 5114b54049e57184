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
	"xraygrid.io/xraygrid/xray/xraydb"
)

func cmdRunAPI(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	db, err := xraydb.Open(ctx, log.Named("db"), runCfg.Database.URL)
	if err != nil {
		return errs.New("Error starting signal database on xraygrid api: %+v", err)
	}
	defer func() {
		err = errs.Combine(err, db.Close())
	}()

	err = db.CheckVersion(ctx)
	if err != nil {
		return errs.New("Error checking version for signal database: %+v", err)
	}

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

	rawstore, err := xray.OpenStore(ctx, runCfg.Store, runCfg.Database.URL)
	if err != nil {
		return errs.New("Error opening raw signal store: %+v", err)
	}
	defer func() {
		err = errs.Combine(err, rawstore.Close())
	}()

	peer, err := xray.NewAPI(log, db, bus, rawstore, &runCfg, process.AtomicLevel(cmd))
	if err != nil {
		return err
	}

	runError := peer.Run(ctx)
	closeError := peer.Close()
	return errs.Combine(runError, closeError)
}
