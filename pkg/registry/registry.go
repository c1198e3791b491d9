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

// Package registry materialises the logical set of kits from its three
// sources (kits file, admin CRUD, ingest auto-registration) and exposes a
// lock-free read snapshot to the collector and the API.
package registry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/wardragon/analytics-engine/pkg/store"
)

// Snapshot is an immutable view of all kits. Readers hold it without
// locking; every mutation installs a fresh one.
type Snapshot struct {
	Kits []store.Kit
	ByID map[string]*store.Kit
	At   time.Time
}

// Get returns the kit with the given id, or nil.
func (s *Snapshot) Get(kitID string) *store.Kit {
	if s == nil {
		return nil
	}
	return s.ByID[kitID]
}

// Registry serialises kit mutations on one mutex and publishes read state
// through an atomic snapshot pointer.
type Registry struct {
	logger log.Logger
	store  *store.Store

	mu   sync.Mutex
	snap atomic.Pointer[Snapshot]
}

// New returns a registry over the store. Call Refresh before first use so
// the snapshot is populated.
func New(logger log.Logger, s *store.Store) *Registry {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	r := &Registry{logger: logger, store: s}
	r.snap.Store(&Snapshot{ByID: map[string]*store.Kit{}})
	return r
}

// Snapshot returns the current read view. Never nil.
func (r *Registry) Snapshot() *Snapshot {
	return r.snap.Load()
}

// Refresh re-reads all kits from the store and swaps the snapshot.
func (r *Registry) Refresh(ctx context.Context) error {
	kits, err := r.store.ListKits(ctx)
	if err != nil {
		return fmt.Errorf("refreshing registry: %w", err)
	}
	snap := &Snapshot{
		Kits: kits,
		ByID: make(map[string]*store.Kit, len(kits)),
		At:   time.Now().UTC(),
	}
	for i := range kits {
		snap.ByID[kits[i].KitID] = &kits[i]
	}
	r.snap.Store(snap)
	return nil
}

// AutoRegister upserts a kit first observed through an ingest path. For an
// existing kit the source lattice promotes http/mqtt to both; enabled and
// admin edits are never touched. Tombstoned ids stay deleted.
func (r *Registry) AutoRegister(ctx context.Context, kitID, source string) error {
	if kitID == "" {
		return nil
	}
	// Fast path on the snapshot: already known under a covering source.
	if k := r.Snapshot().Get(kitID); k != nil {
		if k.Source == source || k.Source == store.SourceBoth {
			return nil
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tombstoned, err := r.store.Tombstoned(ctx, kitID)
	if err != nil {
		return err
	}
	if tombstoned {
		return nil
	}
	up := store.KitUpsert{KitID: kitID, Source: &source}
	if r.Snapshot().Get(kitID) == nil {
		enabled := true
		up.Enabled = &enabled
	}
	if err := r.store.UpsertKit(ctx, up); err != nil {
		return err
	}
	level.Info(r.logger).Log("msg", "auto-registered kit", "kit", kitID, "source", source)
	return r.Refresh(ctx)
}

// Create registers a kit from an explicit admin request.
func (r *Registry) Create(ctx context.Context, k store.Kit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.store.CreateKit(ctx, k); err != nil {
		return err
	}
	level.Info(r.logger).Log("msg", "kit created", "kit", k.KitID)
	return r.Refresh(ctx)
}

// Update applies a partial admin update.
func (r *Registry) Update(ctx context.Context, kitID string, u store.KitUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.store.UpdateKit(ctx, kitID, u); err != nil {
		return err
	}
	level.Info(r.logger).Log("msg", "kit updated", "kit", kitID)
	return r.Refresh(ctx)
}

// Delete removes a kit, optionally cascading its telemetry.
func (r *Registry) Delete(ctx context.Context, kitID string, deleteData bool) (*store.DeletedData, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts, err := r.store.DeleteKit(ctx, kitID, deleteData)
	if err != nil {
		return nil, err
	}
	level.Info(r.logger).Log("msg", "kit deleted", "kit", kitID, "delete_data", deleteData)
	return counts, r.Refresh(ctx)
}

// DeriveKitID builds a stable kit id from an API URL host when a config
// entry or admin create does not provide one.
func DeriveKitID(apiURL string) string {
	u, err := url.Parse(apiURL)
	if err != nil || u.Host == "" {
		return ""
	}
	host := strings.NewReplacer(".", "-", ":", "-").Replace(u.Host)
	return "kit-" + host
}

// NormalizeURL defaults the scheme to http and strips a trailing slash so
// URL-based dedupe compares like with like.
func NormalizeURL(apiURL string) string {
	s := strings.TrimSpace(apiURL)
	if s == "" {
		return ""
	}
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	return strings.TrimRight(s, "/")
}
