// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// The aggregator collects drone, signal and health telemetry from WarDragon
// kits over HTTP polling and MQTT, persists it to TimescaleDB and serves
// the query, pattern-detection and location-estimation API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/common/version"

	"github.com/wardragon/analytics-engine/pkg/api"
	"github.com/wardragon/analytics-engine/pkg/bus"
	"github.com/wardragon/analytics-engine/pkg/collector"
	"github.com/wardragon/analytics-engine/pkg/registry"
	"github.com/wardragon/analytics-engine/pkg/store"
)

const supervisorInterval = 30 * time.Second

func main() {
	a := kingpin.New("wardragon-aggregator", "WarDragon telemetry aggregation and analytics server.")
	a.HelpFlag.Short('h')
	a.Version(version.Print("wardragon-aggregator"))

	logLevel := a.Flag("log.level", "Log level.").
		Envar("LOG_LEVEL").Default("info").Enum("debug", "info", "warn", "error")
	logFormat := a.Flag("log.format", "Log format.").
		Default("logfmt").Enum("logfmt", "json")

	storeOpts := store.NewFlagOptions(a)
	collectorOpts := collector.NewFlagOptions(a)
	busOpts := bus.NewFlagOptions(a)
	apiOpts := api.NewFlagOptions(a)

	if _, err := a.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "parsing commandline arguments:", err)
		a.Usage(os.Args[1:])
		os.Exit(1)
	}
	logger := newLogger(*logFormat, *logLevel)

	prometheus.MustRegister(versioncollector.NewCollector("wardragon_aggregator"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// An unreachable or unmigratable store is a deployment problem; there is
	// nothing useful to run without it.
	st, err := store.Open(ctx, logger, *storeOpts)
	if err != nil {
		level.Error(logger).Log("msg", "opening store", "err", err)
		os.Exit(2)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		level.Error(logger).Log("msg", "migrating schema", "err", err)
		os.Exit(2)
	}

	writer := store.NewWriter(logger, st, *storeOpts)
	reg := registry.New(logger, st)
	if err := reg.Refresh(ctx); err != nil {
		level.Error(logger).Log("msg", "loading kit registry", "err", err)
		os.Exit(1)
	}
	if collectorOpts.KitsFile != "" {
		entries, err := registry.LoadKitsFile(collectorOpts.KitsFile)
		if err != nil {
			level.Error(logger).Log("msg", "loading kits file", "err", err)
			os.Exit(1)
		}
		if err := reg.ApplyKitsFile(ctx, entries); err != nil {
			level.Error(logger).Log("msg", "applying kits file", "err", err)
			os.Exit(1)
		}
	}

	client := collector.NewClient(logger, collectorOpts.RequestTimeout, collectorOpts.MaxRetries)
	manager := collector.NewManager(logger, client, writer, reg, *collectorOpts)
	supervisor := registry.NewSupervisor(logger, reg, st,
		supervisorInterval, collectorOpts.StaleAfter, collectorOpts.OfflineAfter)

	apiOpts.StaleAfter = collectorOpts.StaleAfter
	apiOpts.OfflineAfter = collectorOpts.OfflineAfter
	server := api.New(logger, st, reg, client, *apiOpts)

	var interrupted bool
	var g run.Group
	{
		term := make(chan os.Signal, 1)
		signal.Notify(term, os.Interrupt, syscall.SIGTERM)
		cancelc := make(chan struct{})
		g.Add(func() error {
			select {
			case sig := <-term:
				level.Info(logger).Log("msg", "received signal, shutting down", "signal", sig.String())
				interrupted = true
			case <-cancelc:
			}
			return nil
		}, func(error) {
			close(cancelc)
		})
	}
	{
		wctx, wcancel := context.WithCancel(ctx)
		g.Add(func() error {
			return writer.Run(wctx)
		}, func(error) {
			wcancel()
		})
	}
	{
		mctx, mcancel := context.WithCancel(ctx)
		g.Add(func() error {
			return manager.Run(mctx)
		}, func(error) {
			mcancel()
		})
	}
	if busOpts.Enabled() {
		bctx, bcancel := context.WithCancel(ctx)
		sub := bus.New(logger, writer, reg, *busOpts)
		g.Add(func() error {
			return sub.Run(bctx)
		}, func(error) {
			bcancel()
		})
	}
	if collectorOpts.KitsFile != "" {
		fctx, fcancel := context.WithCancel(ctx)
		path := collectorOpts.KitsFile
		g.Add(func() error {
			return reg.WatchKitsFile(fctx, path)
		}, func(error) {
			fcancel()
		})
	}
	{
		sctx, scancel := context.WithCancel(ctx)
		g.Add(func() error {
			return supervisor.Run(sctx)
		}, func(error) {
			scancel()
		})
	}
	{
		actx, acancel := context.WithCancel(ctx)
		g.Add(func() error {
			return server.Run(actx)
		}, func(error) {
			acancel()
		})
	}

	if err := g.Run(); err != nil {
		level.Error(logger).Log("msg", "aggregator exiting with error", "err", err)
		os.Exit(1)
	}
	if interrupted {
		os.Exit(130)
	}
}

func newLogger(format, lvl string) log.Logger {
	var logger log.Logger
	if format == "json" {
		logger = log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	} else {
		logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	}
	var opt level.Option
	switch lvl {
	case "debug":
		opt = level.AllowDebug()
	case "warn":
		opt = level.AllowWarn()
	case "error":
		opt = level.AllowError()
	default:
		opt = level.AllowInfo()
	}
	logger = level.NewFilter(logger, opt)
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
}
