// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/cfgstruct"
	"storj.io/common/fpath"
	"storj.io/common/process"
	"xraygrid.io/xraygrid/xray"
	"xraygrid.io/xraygrid/xray/broker"
	"xraygrid.io/xraygrid/xray/dlqreplay"
	"xraygrid.io/xraygrid/xray/msgauth"
	"xraygrid.io/xraygrid/xray/nonces"
	"xraygrid.io/xraygrid/xray/xraydb"
)

// ProducerConfig carries the settings the publishing subcommands need to
// reach the broker.
type ProducerConfig struct {
	Broker broker.Config
	Auth   msgauth.Config
	Nonce  nonces.Config
}

// DLQConfig carries the settings the dead letter subcommands need.
type DLQConfig struct {
	Broker broker.Config
	Replay dlqreplay.Config
}

var (
	rootCmd = &cobra.Command{
		Use:   "xraygrid",
		Short: "XrayGrid signal pipeline",
	}
	setupCmd = &cobra.Command{
		Use:         "setup",
		Short:       "Create config files",
		RunE:        cmdSetup,
		Annotations: map[string]string{"type": "setup"},
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the ingesting core",
		RunE:  cmdRun,
	}
	runAPICmd = &cobra.Command{
		Use:   "run-api",
		Short: "Run the query API server",
		RunE:  cmdRunAPI,
	}
	runReplayerCmd = &cobra.Command{
		Use:   "run-replayer",
		Short: "Run the dead letter replayer",
		RunE:  cmdRunReplayer,
	}
	produceCmd = &cobra.Command{
		Use:   "produce [file]",
		Short: "Validate, sign and publish raw signals",
		Long: "Validate, sign and publish raw signals. Reads one signal as JSON from the " +
			"given file, or from stdin when no file is given. A JSON array publishes as " +
			"an all or nothing batch.",
		Args: cobra.MaximumNArgs(1),
		RunE: cmdProduce,
	}
	statusCmd = &cobra.Command{
		Use:   "status [device ID] [status] [metric=value ...]",
		Short: "Publish a device status report",
		Args:  cobra.MinimumNArgs(2),
		RunE:  cmdStatus,
	}
	dlqCmd = &cobra.Command{
		Use:   "dlq",
		Short: "Dead letter queue tools",
	}
	dlqStatsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show the dead letter backlog",
		RunE:  cmdDLQStats,
	}
	dlqReplayCmd = &cobra.Command{
		Use:   "replay",
		Short: "Move dead lettered messages back into the retry flow",
		RunE:  cmdDLQReplay,
	}

	runCfg   xray.Config
	setupCfg xray.Config

	produceCfg ProducerConfig
	statusCfg  ProducerConfig

	dlqStatsCfg  DLQConfig
	dlqReplayCfg DLQConfig

	confDir string
)

func init() {
	defaultConfDir := fpath.ApplicationDir("xraygrid")
	cfgstruct.SetupFlag(zap.L(), rootCmd, &confDir, "config-dir", defaultConfDir, "main directory for xraygrid configuration")
	defaults := cfgstruct.DefaultsFlag(rootCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(runAPICmd)
	rootCmd.AddCommand(runReplayerCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(produceCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(dlqCmd)
	dlqCmd.AddCommand(dlqStatsCmd)
	dlqCmd.AddCommand(dlqReplayCmd)
	process.Bind(runCmd, &runCfg, defaults, cfgstruct.ConfDir(confDir))
	process.Bind(runAPICmd, &runCfg, defaults, cfgstruct.ConfDir(confDir))
	process.Bind(runReplayerCmd, &runCfg, defaults, cfgstruct.ConfDir(confDir))
	process.Bind(setupCmd, &setupCfg, defaults, cfgstruct.ConfDir(confDir), cfgstruct.SetupMode())
	process.Bind(produceCmd, &produceCfg, defaults, cfgstruct.ConfDir(confDir))
	process.Bind(statusCmd, &statusCfg, defaults, cfgstruct.ConfDir(confDir))
	process.Bind(dlqStatsCmd, &dlqStatsCfg, defaults, cfgstruct.ConfDir(confDir))
	process.Bind(dlqReplayCmd, &dlqReplayCfg, defaults, cfgstruct.ConfDir(confDir))
}

func cmdSetup(cmd *cobra.Command, args []string) (err error) {
	setupDir, err := filepath.Abs(confDir)
	if err != nil {
		return err
	}

	valid, _ := fpath.IsValidSetupDir(setupDir)
	if !valid {
		return fmt.Errorf("xraygrid configuration already exists (%v)", setupDir)
	}

	err = os.MkdirAll(setupDir, 0700)
	if err != nil {
		return err
	}

	return process.SaveConfig(cmd, filepath.Join(setupDir, "config.yaml"))
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	db, err := xraydb.Open(ctx, log.Named("db"), runCfg.Database.URL)
	if err != nil {
		return errs.New("Error starting signal database on xraygrid core: %+v", err)
	}
	defer func() {
		err = errs.Combine(err, db.Close())
	}()

	err = db.MigrateToLatest(ctx)
	if err != nil {
		return errs.New("Error creating tables for signal database: %+v", err)
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

	nonceStore, err := nonces.OpenRedisStoreFrom(ctx, runCfg.Nonce.Address)
	if err != nil {
		return errs.New("Error connecting to nonce store: %+v", err)
	}
	defer func() {
		err = errs.Combine(err, nonceStore.Close())
	}()

	rawstore, err := xray.OpenStore(ctx, runCfg.Store, runCfg.Database.URL)
	if err != nil {
		return errs.New("Error opening raw signal store: %+v", err)
	}
	defer func() {
		err = errs.Combine(err, rawstore.Close())
	}()

	peer, err := xray.NewCore(log, db, bus, nonceStore, rawstore, &runCfg, process.AtomicLevel(cmd))
	if err != nil {
		return err
	}

	runError := peer.Run(ctx)
	closeError := peer.Close()
	return errs.Combine(runError, closeError)
}

func main() {
	logger, _, _ := process.NewLogger("xraygrid")
	zap.ReplaceGlobals(logger)

	process.Exec(rootCmd)
}
