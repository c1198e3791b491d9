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

// Package collector runs one independent HTTP polling loop per enabled
// kit, reconciled against the registry, with per-kit health tracking and
// adaptive backoff.
package collector

import (
	"context"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wardragon/analytics-engine/pkg/registry"
	"github.com/wardragon/analytics-engine/pkg/store"
)

var (
	pollSuccesses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wardragon_collector_poll_successes_total",
		Help: "Number of successful kit endpoint fetches.",
	}, []string{"kit_id", "endpoint"})
	pollFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wardragon_collector_poll_failures_total",
		Help: "Number of failed kit endpoint fetches.",
	}, []string{"kit_id", "endpoint"})
	activeLoops = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wardragon_collector_active_loops",
		Help: "Number of running per-kit polling loops.",
	})
)

func init() {
	prometheus.MustRegister(pollSuccesses, pollFailures, activeLoops)
}

// Options configure the polling loops.
type Options struct {
	KitsFile       string
	PollInterval   time.Duration
	RequestTimeout time.Duration
	MaxRetries     int
	BackoffCap     time.Duration
	StaleAfter     time.Duration
	OfflineAfter   time.Duration
	// OfflineFailures is the failure streak after which a kit is logged as
	// offline; polling continues at max backoff regardless.
	OfflineFailures int
}

// NewFlagOptions returns collector options populated through flags
// registered in the given application.
func NewFlagOptions(a *kingpin.Application) *Options {
	var opts Options

	a.Flag("collector.kits-file", "YAML kit list loaded on start and watched for changes.").
		Envar("KITS_FILE").StringVar(&opts.KitsFile)

	a.Flag("collector.poll-interval", "Base interval between polls of one kit.").
		Envar("POLL_INTERVAL").Default("5s").DurationVar(&opts.PollInterval)

	a.Flag("collector.request-timeout", "Hard timeout per kit HTTP request.").
		Envar("REQUEST_TIMEOUT").Default("10s").DurationVar(&opts.RequestTimeout)

	a.Flag("collector.max-retries", "Retries per endpoint fetch within one tick.").
		Envar("MAX_RETRIES").Default("3").IntVar(&opts.MaxRetries)

	a.Flag("collector.backoff-cap", "Ceiling of the per-kit poll backoff.").
		Envar("BACKOFF_CAP").Default("300s").DurationVar(&opts.BackoffCap)

	a.Flag("collector.stale-after", "Age of the last success after which a kit is stale.").
		Envar("STALE_AFTER").Default("30s").DurationVar(&opts.StaleAfter)

	a.Flag("collector.offline-after", "Age of the last success after which a kit is offline.").
		Envar("OFFLINE_AFTER").Default("120s").DurationVar(&opts.OfflineAfter)

	a.Flag("collector.offline-failures", "Failure streak after which a kit is logged offline.").
		Envar("OFFLINE_FAILURES").Default("4").IntVar(&opts.OfflineFailures)

	return &opts
}

// Manager reconciles polling loops against the registry: loops start for
// enabled HTTP kits, stop on disable or delete, restart on URL change.
type Manager struct {
	logger   log.Logger
	client   *Client
	writer   *store.Writer
	registry *registry.Registry
	opts     Options

	loops map[string]*kitLoop
}

// NewManager returns a collector manager. The client is shared across all
// loops for connection reuse.
func NewManager(logger log.Logger, client *Client, writer *store.Writer, reg *registry.Registry, opts Options) *Manager {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Manager{
		logger:   logger,
		client:   client,
		writer:   writer,
		registry: reg,
		opts:     opts,
		loops:    map[string]*kitLoop{},
	}
}

// Run reconciles until ctx is cancelled, then stops every loop and waits
// for them to join within the shutdown grace.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	m.reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			m.stopAll()
			return nil
		case <-ticker.C:
			m.reconcile(ctx)
		}
	}
}

// Client exposes the shared kit client, reused by the admin probe endpoint.
func (m *Manager) Client() *Client {
	return m.client
}

func (m *Manager) reconcile(ctx context.Context) {
	desired := map[string]string{}
	for _, k := range m.registry.Snapshot().Kits {
		if !k.Enabled || k.APIURL == nil || *k.APIURL == "" {
			continue
		}
		if k.Source != store.SourceHTTP && k.Source != store.SourceBoth {
			continue
		}
		desired[k.KitID] = *k.APIURL
	}

	for kitID, loop := range m.loops {
		url, ok := desired[kitID]
		if ok && url == loop.apiURL {
			continue
		}
		reason := "kit removed or disabled"
		if ok {
			reason = "api url changed"
		}
		level.Info(m.logger).Log("msg", "stopping polling loop", "kit", kitID, "reason", reason)
		loop.cancel()
		<-loop.done
		delete(m.loops, kitID)
	}

	for kitID, url := range desired {
		if _, ok := m.loops[kitID]; ok {
			continue
		}
		loop := newKitLoop(m.logger, m.client, m.writer, m.opts, kitID, url)
		loopCtx, cancel := context.WithCancel(ctx)
		loop.cancel = cancel
		go loop.run(loopCtx)
		m.loops[kitID] = loop
	}
	activeLoops.Set(float64(len(m.loops)))
}

func (m *Manager) stopAll() {
	for _, loop := range m.loops {
		loop.cancel()
	}
	grace := time.After(5 * time.Second)
	for kitID, loop := range m.loops {
		select {
		case <-loop.done:
		case <-grace:
			level.Warn(m.logger).Log("msg", "polling loop did not stop within grace", "kit", kitID)
		}
		delete(m.loops, kitID)
	}
	activeLoops.Set(0)
}
