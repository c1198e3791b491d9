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

package registry

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wardragon/analytics-engine/pkg/store"
)

var kitStatusGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Name: "wardragon_kit_status",
	Help: "Kit status as reported by the health supervisor (1 for the active status).",
}, []string{"kit_id", "status"})

func init() {
	prometheus.MustRegister(kitStatusGauge)
}

// StatusFor classifies a kit from its last_seen against the stale and
// offline thresholds. A kit never seen is unknown.
func StatusFor(lastSeen *time.Time, now time.Time, staleAfter, offlineAfter time.Duration) string {
	if lastSeen == nil || lastSeen.IsZero() {
		return store.StatusUnknown
	}
	age := now.Sub(*lastSeen)
	switch {
	case age < staleAfter:
		return store.StatusOnline
	case age < offlineAfter:
		return store.StatusStale
	default:
		return store.StatusOffline
	}
}

// Supervisor periodically recomputes every kit's status from last_seen and
// persists transitions. Status is mutated here and nowhere else.
type Supervisor struct {
	logger   log.Logger
	registry *Registry
	store    *store.Store

	interval     time.Duration
	staleAfter   time.Duration
	offlineAfter time.Duration
}

// NewSupervisor returns a supervisor sweeping at the given interval.
func NewSupervisor(logger log.Logger, reg *Registry, s *store.Store, interval, staleAfter, offlineAfter time.Duration) *Supervisor {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Supervisor{
		logger:       logger,
		registry:     reg,
		store:        s,
		interval:     interval,
		staleAfter:   staleAfter,
		offlineAfter: offlineAfter,
	}
}

// Run sweeps until ctx is cancelled.
func (sv *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(sv.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sv.sweep(ctx)
		}
	}
}

func (sv *Supervisor) sweep(ctx context.Context) {
	snap := sv.registry.Snapshot()
	now := time.Now().UTC()
	changed := 0

	for i := range snap.Kits {
		k := &snap.Kits[i]
		status := StatusFor(k.LastSeen, now, sv.staleAfter, sv.offlineAfter)
		if !k.Enabled {
			// Disabled kits keep their last classification; they are not
			// polled, so aging them to offline would be noise.
			status = k.Status
		}
		for _, s := range []string{store.StatusOnline, store.StatusStale, store.StatusOffline, store.StatusError, store.StatusUnknown} {
			v := 0.0
			if s == status {
				v = 1
			}
			kitStatusGauge.WithLabelValues(k.KitID, s).Set(v)
		}
		if status == k.Status {
			continue
		}
		if err := sv.store.SetKitStatus(ctx, k.KitID, status); err != nil {
			level.Warn(sv.logger).Log("msg", "persisting status failed", "kit", k.KitID, "err", err)
			continue
		}
		level.Info(sv.logger).Log("msg", "kit status changed", "kit", k.KitID, "from", k.Status, "to", status)
		changed++
	}
	if changed > 0 {
		if err := sv.registry.Refresh(ctx); err != nil {
			level.Warn(sv.logger).Log("msg", "refreshing registry after sweep failed", "err", err)
		}
	}
}
