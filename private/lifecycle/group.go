// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package lifecycle allows controlling a group of items.
package lifecycle

import (
	"bytes"
	"context"
	"runtime"
	"runtime/pprof"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/context2"
	"storj.io/common/errs2"
)

var mon = monkit.Package()

// slowShutdown is how long an item may take to stop before its goroutine
// stacks get dumped to the log.
const slowShutdown = 15 * time.Second

// Group implements a collection of items that have a concurrent start and
// are closed in reverse order.
type Group struct {
	log   *zap.Logger
	items []Item
}

// Item is the lifecycle item that group runs and closes.
type Item struct {
	Name  string
	Run   func(ctx context.Context) error
	Close func() error
}

// NewGroup creates a new group.
func NewGroup(log *zap.Logger) *Group {
	return &Group{log: log}
}

// Add adds item to the group.
func (group *Group) Add(item Item) {
	group.items = append(group.items, item)
}

// Run starts all items concurrently under group g.
func (group *Group) Run(ctx context.Context, g *errgroup.Group) {
	defer mon.Task()(&ctx)(nil)

	var started []string
	for _, item := range group.items {
		item := item
		started = append(started, item.Name)
		if item.Run == nil {
			continue
		}

		shutdownCtx, shutdownFinished := context.WithCancel(context2.WithoutCancellation(ctx))
		go func() {
			select {
			case <-shutdownCtx.Done():
				return
			case <-ctx.Done():
			}

			t := time.NewTicker(slowShutdown)
			defer t.Stop()
			for {
				select {
				case <-shutdownCtx.Done():
					return
				case <-t.C:
					group.logStacks(item.Name)
				}
			}
		}()

		g.Go(func() error {
			defer shutdownFinished()

			var err error
			pprof.Do(ctx, pprof.Labels("name", item.Name), func(ctx context.Context) {
				err = item.Run(ctx)
			})
			if errs2.IsCanceled(err) {
				err = nil
			}
			if err != nil {
				group.log.Error("unexpected shutdown of subsystem",
					zap.String("name", item.Name),
					zap.Error(err))
			}
			return err
		})
	}

	group.log.Debug("started", zap.Strings("items", started))
}

// Close closes all items in reverse order.
func (group *Group) Close() error {
	var errlist errs.Group

	for i := len(group.items) - 1; i >= 0; i-- {
		item := group.items[i]
		if item.Close == nil {
			continue
		}
		errlist.Add(item.Close())
	}

	return errlist.Err()
}

func (group *Group) logStacks(name string) {
	buf := make([]byte, 1024*1024)
	n := runtime.Stack(buf, true)
	group.log.Warn("slow shutdown",
		zap.String("name", name),
		zap.String("stacks", string(condenseStack(buf[:n]))))
}

// condenseStack reduces a goroutine dump to one line per frame so the slow
// shutdown log stays readable. Argument lists, hex offsets, directories and
// creator frames are dropped.
func condenseStack(dump []byte) []byte {
	var out bytes.Buffer
	var fn []byte

	for _, line := range bytes.Split(dump, []byte("\n")) {
		switch {
		case len(line) == 0:
			out.WriteByte('\n')

		case bytes.HasPrefix(line, []byte("goroutine ")):
			if n := bytes.IndexByte(line, '['); n > 0 {
				line = bytes.TrimSpace(line[:n])
			}
			out.Write(line)
			out.WriteByte('\n')
			fn = nil

		case line[0] == '\t':
			if fn == nil {
				continue
			}
			loc := bytes.TrimSpace(line)
			if n := bytes.IndexByte(loc, ' '); n >= 0 {
				loc = loc[:n]
			}
			if n := bytes.LastIndexByte(loc, '/'); n >= 0 {
				loc = loc[n+1:]
			}
			out.WriteByte('\t')
			out.Write(fn)
			out.WriteByte(' ')
			out.Write(loc)
			out.WriteByte('\n')
			fn = nil

		case bytes.HasPrefix(line, []byte("created by ")):
			fn = nil

		default:
			if n := bytes.LastIndexByte(line, '('); n >= 0 {
				line = line[:n]
			}
			fn = line
		}
	}

	return out.Bytes()
}
