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
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-kit/log/level"
	"gopkg.in/yaml.v3"

	"github.com/wardragon/analytics-engine/pkg/store"
)

// KitsFileEntry is one kit in the YAML kit list.
type KitsFileEntry struct {
	KitID    string `yaml:"kit_id"`
	APIURL   string `yaml:"api_url"`
	Name     string `yaml:"name"`
	Location string `yaml:"location"`
	Enabled  *bool  `yaml:"enabled"`
}

// LoadKitsFile parses the YAML kit list. A malformed file is a
// configuration error; the caller treats it as fatal at startup.
func LoadKitsFile(path string) ([]KitsFileEntry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading kits file: %w", err)
	}
	var entries []KitsFileEntry
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		// Also accept the wrapped form {kits: [...]}.
		var wrapped struct {
			Kits []KitsFileEntry `yaml:"kits"`
		}
		if err2 := yaml.Unmarshal(raw, &wrapped); err2 != nil {
			return nil, fmt.Errorf("parsing kits file %s: %w", path, err)
		}
		entries = wrapped.Kits
	}
	for i := range entries {
		entries[i].APIURL = NormalizeURL(entries[i].APIURL)
		if entries[i].KitID == "" {
			entries[i].KitID = DeriveKitID(entries[i].APIURL)
		}
		if entries[i].KitID == "" {
			return nil, fmt.Errorf("kits file entry %d has neither kit_id nor a usable api_url", i)
		}
	}
	return entries, nil
}

// ApplyKitsFile reconciles file entries into the registry. The file only
// ever adds kits that are missing: it never overwrites admin edits, never
// re-enables a kit the admin disabled, and never resurrects a tombstoned
// id.
func (r *Registry) ApplyKitsFile(ctx context.Context, entries []KitsFileEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	added := 0
	for _, e := range entries {
		if r.Snapshot().Get(e.KitID) != nil {
			continue
		}
		tombstoned, err := r.store.Tombstoned(ctx, e.KitID)
		if err != nil {
			return err
		}
		if tombstoned {
			level.Debug(r.logger).Log("msg", "skipping tombstoned kit from kits file", "kit", e.KitID)
			continue
		}
		enabled := true
		if e.Enabled != nil {
			enabled = *e.Enabled
		}
		k := store.Kit{
			KitID:   e.KitID,
			Source:  store.SourceHTTP,
			Enabled: enabled,
		}
		if e.Name != "" {
			k.Name = &e.Name
		}
		if e.Location != "" {
			k.Location = &e.Location
		}
		if e.APIURL != "" {
			k.APIURL = &e.APIURL
		}
		if err := r.store.CreateKit(ctx, k); err != nil {
			// A concurrent create (admin call racing the file load) is fine.
			level.Warn(r.logger).Log("msg", "kits file entry not applied", "kit", e.KitID, "err", err)
			continue
		}
		added++
	}
	if added > 0 {
		level.Info(r.logger).Log("msg", "kits file applied", "added", added, "entries", len(entries))
	}
	return r.Refresh(ctx)
}

// WatchKitsFile reloads the kit list when the file changes on disk. Editors
// and config mounts replace files rather than write in place, so the parent
// directory is watched and events are debounced.
func (r *Registry) WatchKitsFile(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating kits file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching kits file directory: %w", err)
	}
	level.Info(r.logger).Log("msg", "watching kits file", "path", path)

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce = time.After(500 * time.Millisecond)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			level.Warn(r.logger).Log("msg", "kits file watch error", "err", err)
		case <-debounce:
			debounce = nil
			entries, err := LoadKitsFile(path)
			if err != nil {
				// A malformed edit at runtime is logged, not fatal.
				level.Error(r.logger).Log("msg", "reloading kits file failed", "err", err)
				continue
			}
			if err := r.ApplyKitsFile(ctx, entries); err != nil {
				level.Error(r.logger).Log("msg", "applying kits file failed", "err", err)
			}
		}
	}
}
