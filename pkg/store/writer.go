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

package store

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/wardragon/analytics-engine/pkg/telemetry"
)

// item is one queued unit of work. Exactly one field is set.
type item struct {
	tracks  []telemetry.TrackRecord
	signals []telemetry.SignalRecord
	health  []telemetry.HealthRecord
	touch   *kitTouch
}

type kitTouch struct {
	kitID  string
	seenAt time.Time
}

// Writer converges both ingestion pipelines onto one batched write path.
// Producers enqueue normalised records; the run loop accumulates per-stream
// batches and flushes them when a stream fills up or the batch delay
// elapses. The bounded queue is the backpressure mechanism: a full queue
// blocks producers, which pauses polling loops and bus acknowledgements.
type Writer struct {
	logger log.Logger
	store  *Store
	opts   Options

	queue chan item
}

// NewWriter returns a writer over the store. Run must be started before
// enqueued work is flushed.
func NewWriter(logger log.Logger, store *Store, opts Options) *Writer {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1000
	}
	if opts.BatchDelay <= 0 {
		opts.BatchDelay = 2 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	return &Writer{
		logger: logger,
		store:  store,
		opts:   opts,
		queue:  make(chan item, opts.QueueSize),
	}
}

func (w *Writer) enqueue(ctx context.Context, it item) error {
	select {
	case w.queue <- it:
		queueLength.Set(float64(len(w.queue)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnqueueTracks queues track records for insertion. Blocks while the queue
// is full so callers inherit backpressure.
func (w *Writer) EnqueueTracks(ctx context.Context, recs []telemetry.TrackRecord) error {
	if len(recs) == 0 {
		return nil
	}
	return w.enqueue(ctx, item{tracks: recs})
}

// EnqueueSignals queues signal records for insertion.
func (w *Writer) EnqueueSignals(ctx context.Context, recs []telemetry.SignalRecord) error {
	if len(recs) == 0 {
		return nil
	}
	return w.enqueue(ctx, item{signals: recs})
}

// EnqueueHealth queues health records for insertion.
func (w *Writer) EnqueueHealth(ctx context.Context, recs []telemetry.HealthRecord) error {
	if len(recs) == 0 {
		return nil
	}
	return w.enqueue(ctx, item{health: recs})
}

// TouchKit queues a last_seen advance. Touches are deduplicated per kit
// inside the run loop, keeping the newest timestamp.
func (w *Writer) TouchKit(ctx context.Context, kitID string, seenAt time.Time) error {
	if kitID == "" {
		return nil
	}
	return w.enqueue(ctx, item{touch: &kitTouch{kitID: kitID, seenAt: seenAt}})
}

// pending is the accumulating state between flushes.
type pending struct {
	tracks  []telemetry.TrackRecord
	signals []telemetry.SignalRecord
	health  []telemetry.HealthRecord
	touches map[string]time.Time
}

func (p *pending) empty() bool {
	return len(p.tracks) == 0 && len(p.signals) == 0 && len(p.health) == 0 && len(p.touches) == 0
}

func (p *pending) take(it item) {
	switch {
	case it.tracks != nil:
		p.tracks = append(p.tracks, it.tracks...)
	case it.signals != nil:
		p.signals = append(p.signals, it.signals...)
	case it.health != nil:
		p.health = append(p.health, it.health...)
	case it.touch != nil:
		if prev, ok := p.touches[it.touch.kitID]; !ok || it.touch.seenAt.After(prev) {
			p.touches[it.touch.kitID] = it.touch.seenAt
		}
	}
}

func newPending() *pending {
	return &pending{touches: map[string]time.Time{}}
}

// Run drains the queue until ctx is cancelled, then performs one final
// flush of whatever accumulated so graceful shutdown does not lose queued
// telemetry.
func (w *Writer) Run(ctx context.Context) error {
	level.Info(w.logger).Log("msg", "persistence writer started",
		"batch_size", w.opts.BatchSize, "batch_delay", w.opts.BatchDelay)

	p := newPending()
	timer := time.NewTimer(w.opts.BatchDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.drain(p)
			w.flush(context.Background(), p)
			level.Info(w.logger).Log("msg", "persistence writer stopped")
			return nil

		case it := <-w.queue:
			queueLength.Set(float64(len(w.queue)))
			p.take(it)
			if len(p.tracks) >= w.opts.BatchSize ||
				len(p.signals) >= w.opts.BatchSize ||
				len(p.health) >= w.opts.BatchSize {
				w.flush(ctx, p)
				resetTimer(timer, w.opts.BatchDelay)
			}

		case <-timer.C:
			if !p.empty() {
				w.flush(ctx, p)
			}
			timer.Reset(w.opts.BatchDelay)
		}
	}
}

// drain empties whatever is still queued after cancellation.
func (w *Writer) drain(p *pending) {
	for {
		select {
		case it := <-w.queue:
			p.take(it)
		default:
			queueLength.Set(0)
			return
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// flush writes all pending batches. A failed stream is dropped after the
// store's bounded retries; one stream's failure never blocks the others.
func (w *Writer) flush(ctx context.Context, p *pending) {
	start := time.Now()
	defer func() {
		flushDuration.Observe(time.Since(start).Seconds())
	}()

	if len(p.tracks) > 0 {
		if out, err := w.store.InsertTracks(ctx, p.tracks); err != nil {
			batchesDropped.Inc()
			level.Error(w.logger).Log("msg", "dropping track batch", "rows", len(p.tracks), "err", err)
		} else if out.Rejected > 0 {
			level.Warn(w.logger).Log("msg", "track rows rejected", "rejected", out.Rejected, "inserted", out.Inserted)
		}
		p.tracks = nil
	}
	if len(p.signals) > 0 {
		if out, err := w.store.InsertSignals(ctx, p.signals); err != nil {
			batchesDropped.Inc()
			level.Error(w.logger).Log("msg", "dropping signal batch", "rows", len(p.signals), "err", err)
		} else if out.Rejected > 0 {
			level.Warn(w.logger).Log("msg", "signal rows rejected", "rejected", out.Rejected, "inserted", out.Inserted)
		}
		p.signals = nil
	}
	if len(p.health) > 0 {
		if out, err := w.store.InsertHealth(ctx, p.health); err != nil {
			batchesDropped.Inc()
			level.Error(w.logger).Log("msg", "dropping health batch", "rows", len(p.health), "err", err)
		} else if out.Rejected > 0 {
			level.Warn(w.logger).Log("msg", "health rows rejected", "rejected", out.Rejected, "inserted", out.Inserted)
		}
		p.health = nil
	}
	for kitID, seenAt := range p.touches {
		if err := w.store.TouchKit(ctx, kitID, seenAt); err != nil {
			level.Warn(w.logger).Log("msg", "touching kit failed", "kit", kitID, "err", err)
		}
		delete(p.touches, kitID)
	}
}
