// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/process"
	"xraygrid.io/xraygrid/xray/broker"
	"xraygrid.io/xraygrid/xray/dlqreplay"
)

func cmdDLQStats(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	bus, err := broker.Dial(ctx, log.Named("broker"), dlqStatsCfg.Broker)
	if err != nil {
		return errs.New("Error connecting to message broker: %+v", err)
	}
	defer func() {
		err = errs.Combine(err, bus.Close())
	}()

	replayer := dlqreplay.New(log.Named("dlqreplay"), bus, dlqreplay.NewLocalMutex(), dlqStatsCfg.Replay)
	stats, err := replayer.Stats(ctx)
	if err != nil {
		return err
	}

	oldest := "-"
	if stats.Oldest != nil {
		oldest = stats.Oldest.UTC().Format(time.RFC3339)
	}

	const padding = 3
	w := tabwriter.NewWriter(os.Stdout, 0, 0, padding, ' ', tabwriter.AlignRight|tabwriter.Debug)
	fmt.Fprintln(w, "Messages\tOldest\t")
	fmt.Fprintln(w, stats.Count, "\t", oldest, "\t")
	return w.Flush()
}

func cmdDLQReplay(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	bus, err := broker.Dial(ctx, log.Named("broker"), dlqReplayCfg.Broker)
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

	replayer := dlqreplay.New(log.Named("dlqreplay"), bus, dlqreplay.NewLocalMutex(), dlqReplayCfg.Replay)
	result, err := replayer.Replay(ctx, dlqReplayCfg.Replay.BatchLimit)
	if err != nil {
		return err
	}

	fmt.Printf("replayed %d message(s), left %d parked\n", result.Replayed, result.Parked)
	return nil
}
