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

package collector

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"github.com/wardragon/analytics-engine/pkg/store"
	"github.com/wardragon/analytics-engine/pkg/telemetry"
)

// kitLoop is one kit's independent polling loop. A failing kit only slows
// its own loop down; nothing here is shared with other kits except the
// HTTP client and the writer queue.
type kitLoop struct {
	logger log.Logger
	client *Client
	writer *store.Writer
	opts   Options

	kitID  string
	apiURL string
	health *KitHealth

	cancel context.CancelFunc
	done   chan struct{}
}

func newKitLoop(logger log.Logger, client *Client, writer *store.Writer, opts Options, kitID, apiURL string) *kitLoop {
	return &kitLoop{
		logger: log.With(logger, "kit", kitID),
		client: client,
		writer: writer,
		opts:   opts,
		kitID:  kitID,
		apiURL: apiURL,
		health: &KitHealth{},
		done:   make(chan struct{}),
	}
}

func (l *kitLoop) run(ctx context.Context) {
	defer close(l.done)
	level.Info(l.logger).Log("msg", "polling loop started", "url", l.apiURL)

	for {
		l.tick(ctx)
		delay := l.health.PollDelay(l.opts.PollInterval, l.opts.BackoffCap)
		select {
		case <-ctx.Done():
			level.Info(l.logger).Log("msg", "polling loop stopped")
			return
		case <-time.After(delay):
		}
	}
}

// tick fetches the three kit endpoints concurrently and hands the batch to
// the writer. Failures are per endpoint; the tick succeeds if any endpoint
// returned usable data.
func (l *kitLoop) tick(ctx context.Context) {
	now := time.Now().UTC()

	var (
		tracks  []telemetry.TrackRecord
		signals []telemetry.SignalRecord
		health  []telemetry.HealthRecord
	)
	g, gctx := errgroup.WithContext(ctx)
	// The errgroup context is deliberately not used to cancel sibling
	// fetches on one endpoint's failure; each goroutine returns nil and
	// keeps its own error local.
	g.Go(func() error {
		payloads, err := l.client.Drones(gctx, l.apiURL)
		if err != nil {
			level.Debug(l.logger).Log("msg", "drones fetch failed", "err", err)
			pollFailures.WithLabelValues(l.kitID, "drones").Inc()
			return nil
		}
		pollSuccesses.WithLabelValues(l.kitID, "drones").Inc()
		for _, p := range payloads {
			rec := telemetry.DroneRecord(l.kitID, p, now)
			if rec.DroneID != "" {
				tracks = append(tracks, rec)
			}
		}
		return nil
	})
	g.Go(func() error {
		payloads, err := l.client.Signals(gctx, l.apiURL)
		if err != nil {
			level.Debug(l.logger).Log("msg", "signals fetch failed", "err", err)
			pollFailures.WithLabelValues(l.kitID, "signals").Inc()
			return nil
		}
		pollSuccesses.WithLabelValues(l.kitID, "signals").Inc()
		for _, p := range payloads {
			signals = append(signals, telemetry.NormalizedSignal(l.kitID, p, now))
		}
		return nil
	})
	var statusOK bool
	g.Go(func() error {
		payload, err := l.client.Status(gctx, l.apiURL)
		if err != nil {
			level.Debug(l.logger).Log("msg", "status fetch failed", "err", err)
			pollFailures.WithLabelValues(l.kitID, "status").Inc()
			return nil
		}
		pollSuccesses.WithLabelValues(l.kitID, "status").Inc()
		statusOK = true
		health = append(health, telemetry.NormalizedHealth(l.kitID, payload, now))
		return nil
	})
	_ = g.Wait()

	if len(tracks) == 0 && len(signals) == 0 && !statusOK {
		l.health.Failure(now)
		if l.health.ConsecutiveFailures() == l.opts.OfflineFailures {
			level.Warn(l.logger).Log("msg", "kit considered offline, polling continues at max backoff",
				"consecutive_failures", l.opts.OfflineFailures)
		}
		return
	}

	// Enqueue inherits writer backpressure: a full queue blocks the loop
	// here, pausing this kit's polling until the writer drains.
	if err := l.writer.EnqueueTracks(ctx, tracks); err != nil {
		return
	}
	if err := l.writer.EnqueueSignals(ctx, signals); err != nil {
		return
	}
	if err := l.writer.EnqueueHealth(ctx, health); err != nil {
		return
	}
	if err := l.writer.TouchKit(ctx, l.kitID, now); err != nil {
		return
	}
	l.health.Success(now)
}
