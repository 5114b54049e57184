// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unicode"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/process"
	"xraygrid.io/xraygrid/xray/broker"
	"xraygrid.io/xraygrid/xray/msgauth"
	"xraygrid.io/xraygrid/xray/producer"
	"xraygrid.io/xraygrid/xray/xraysignal"
)

func cmdProduce(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	var data []byte
	if len(args) == 0 || args[0] == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return errs.New("Error reading signal input: %+v", err)
	}

	publisher, closeBus, err := openPublisher(ctx, log, produceCfg)
	if err != nil {
		return err
	}
	defer func() {
		err = errs.Combine(err, closeBus())
	}()

	trimmed := bytes.TrimLeftFunc(data, unicode.IsSpace)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var batch []*xraysignal.RawSignal
		if err := json.Unmarshal(data, &batch); err != nil {
			return errs.New("Error parsing signal batch: %+v", err)
		}

		correlationIDs, err := publisher.PublishBatch(ctx, batch)
		if err != nil {
			return err
		}
		for _, correlationID := range correlationIDs {
			fmt.Println(correlationID)
		}
		return nil
	}

	var signal xraysignal.RawSignal
	if err := json.Unmarshal(data, &signal); err != nil {
		return errs.New("Error parsing signal: %+v", err)
	}

	correlationID, err := publisher.Publish(ctx, &signal)
	if err != nil {
		return err
	}
	fmt.Println(correlationID)
	return nil
}

func cmdStatus(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	status := xraysignal.DeviceStatus{
		DeviceID: args[0],
		Status:   args[1],
	}
	for _, pair := range args[2:] {
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return errs.New("health metrics are written as name=value, got %q", pair)
		}
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return errs.New("health metric %q is not a number: %+v", pair, err)
		}
		if status.Health == nil {
			status.Health = make(map[string]float64)
		}
		status.Health[name] = parsed
	}

	publisher, closeBus, err := openPublisher(ctx, log, statusCfg)
	if err != nil {
		return err
	}
	defer func() {
		err = errs.Combine(err, closeBus())
	}()

	correlationID, err := publisher.PublishStatus(ctx, status)
	if err != nil {
		return err
	}
	fmt.Println(correlationID)
	return nil
}

// openPublisher dials the broker and wires a signing producer on top of it.
// The returned close function tears the broker connection down.
func openPublisher(ctx context.Context, log *zap.Logger, config ProducerConfig) (_ *producer.Producer, _ func() error, err error) {
	bus, err := broker.Dial(ctx, log.Named("broker"), config.Broker)
	if err != nil {
		return nil, nil, errs.New("Error connecting to message broker: %+v", err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, bus.Close())
		}
	}()

	if err := bus.DeclareTopology(ctx); err != nil {
		return nil, nil, errs.New("Error declaring broker topology: %+v", err)
	}

	signer, err := msgauth.NewSigner(config.Auth, config.Nonce.Length)
	if err != nil {
		return nil, nil, errs.New("Error creating message signer: %+v", err)
	}

	return producer.New(log.Named("producer"), bus, signer), bus.Close, nil
}
