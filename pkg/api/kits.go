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

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-kit/log/level"
	"github.com/go-playground/validator/v10"

	"github.com/wardragon/analytics-engine/pkg/registry"
	"github.com/wardragon/analytics-engine/pkg/store"
)

var validate = validator.New()

// kitView is one row of the kits listing. Discovered kits have no stored
// configuration, only a data trail.
type kitView struct {
	KitID     string     `json:"kit_id"`
	Name      *string    `json:"name"`
	Location  *string    `json:"location"`
	APIURL    *string    `json:"api_url"`
	Source    string     `json:"source"`
	Status    string     `json:"status"`
	Enabled   bool       `json:"enabled"`
	LastSeen  *time.Time `json:"last_seen"`
	CreatedAt *time.Time `json:"created_at"`
}

// handleListKits merges registered kits with kits discovered from track
// data in the last seven days. Status is derived from last_seen at read
// time so the listing never lags the supervisor sweep.
func (s *Server) handleListKits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := time.Now().UTC()
	filter := r.URL.Query().Get("kit_id")

	kits, err := s.store.ListKits(ctx)
	if err != nil {
		s.storeError(w, r, err)
		return
	}

	var views []kitView
	known := make(map[string]bool)
	for _, k := range kits {
		known[k.KitID] = true
		if filter != "" && k.KitID != filter {
			continue
		}
		created := k.CreatedAt
		views = append(views, kitView{
			KitID:     k.KitID,
			Name:      k.Name,
			Location:  k.Location,
			APIURL:    k.APIURL,
			Source:    k.Source,
			Status:    registry.StatusFor(k.LastSeen, now, s.opts.StaleAfter, s.opts.OfflineAfter),
			Enabled:   k.Enabled,
			LastSeen:  k.LastSeen,
			CreatedAt: &created,
		})
	}

	if filter == "" {
		discovered, err := s.store.DiscoveredKits(ctx, now.Add(-7*24*time.Hour))
		if err != nil {
			s.storeError(w, r, err)
			return
		}
		for _, d := range discovered {
			if known[d.KitID] {
				continue
			}
			name := "Discovered: " + d.KitID
			lastSeen := d.LastSeen
			views = append(views, kitView{
				KitID:    d.KitID,
				Name:     &name,
				Source:   "discovered",
				Status:   registry.StatusFor(&lastSeen, now, s.opts.StaleAfter, s.opts.OfflineAfter),
				Enabled:  true,
				LastSeen: &lastSeen,
			})
		}
	}

	sort.Slice(views, func(i, j int) bool {
		a, b := views[i].Name, views[j].Name
		switch {
		case a == nil && b == nil:
			return views[i].KitID < views[j].KitID
		case a == nil:
			return false
		case b == nil:
			return true
		case *a != *b:
			return *a < *b
		}
		return views[i].KitID < views[j].KitID
	})

	writeJSON(w, http.StatusOK, map[string]any{"kits": views, "count": len(views)})
}

// kitCreateRequest is the admin create payload.
type kitCreateRequest struct {
	KitID    string  `json:"kit_id"`
	APIURL   string  `json:"api_url" validate:"required"`
	Name     *string `json:"name"`
	Location *string `json:"location"`
	Enabled  *bool   `json:"enabled"`
}

// handleCreateKit registers a new kit. The URL is probed first so the kit
// can self-identify; a failed probe is a warning, not a rejection.
func (s *Server) handleCreateKit(w http.ResponseWriter, r *http.Request) {
	var req kitCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if err := validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, "api_url is required")
		return
	}

	apiURL := registry.NormalizeURL(req.APIURL)
	probe := s.probe.Probe(r.Context(), apiURL)

	kitID := req.KitID
	if kitID == "" {
		kitID = probe.KitID
	}
	if kitID == "" {
		kitID = registry.DeriveKitID(apiURL)
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	name := req.Name
	if name == nil {
		name = &kitID
	}
	status := store.StatusOffline
	if probe.Success {
		status = store.StatusOnline
	}

	err := s.reg.Create(r.Context(), store.Kit{
		KitID:    kitID,
		Name:     name,
		Location: req.Location,
		APIURL:   &apiURL,
		Source:   store.SourceHTTP,
		Status:   status,
		Enabled:  enabled,
	})
	if errors.Is(err, store.ErrKitExists) {
		writeError(w, http.StatusConflict, fmt.Sprintf("Kit already exists with ID: %s", kitID))
		return
	}
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	level.Info(s.logger).Log("msg", "kit created", "kit_id", kitID, "api_url", apiURL)

	msg := "Kit created successfully. Connection test passed."
	if !probe.Success {
		msg = "Kit created successfully. Warning: Initial connection test failed."
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"kit_id":          kitID,
		"message":         msg,
		"connection_test": probe,
	})
}

// kitUpdateRequest is the admin partial-update payload.
type kitUpdateRequest struct {
	APIURL   *string `json:"api_url"`
	Name     *string `json:"name"`
	Location *string `json:"location"`
	Enabled  *bool   `json:"enabled"`
}

func (s *Server) handleUpdateKit(w http.ResponseWriter, r *http.Request) {
	kitID := chi.URLParam(r, "kitID")

	var req kitUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.APIURL != nil {
		normalized := registry.NormalizeURL(*req.APIURL)
		req.APIURL = &normalized
	}

	err := s.reg.Update(r.Context(), kitID, store.KitUpdate{
		APIURL:   req.APIURL,
		Name:     req.Name,
		Location: req.Location,
		Enabled:  req.Enabled,
	})
	if errors.Is(err, store.ErrKitNotFound) {
		writeError(w, http.StatusNotFound, "Kit not found: "+kitID)
		return
	}
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	level.Info(s.logger).Log("msg", "kit updated", "kit_id", kitID)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Kit updated successfully",
		"kit_id":  kitID,
	})
}

func (s *Server) handleDeleteKit(w http.ResponseWriter, r *http.Request) {
	kitID := chi.URLParam(r, "kitID")
	deleteData, err := boolParam(r.URL.Query(), "delete_data", false)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	deleted, err := s.reg.Delete(r.Context(), kitID, deleteData)
	if errors.Is(err, store.ErrKitNotFound) {
		writeError(w, http.StatusNotFound, "Kit not found: "+kitID)
		return
	}
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	level.Info(s.logger).Log("msg", "kit deleted", "kit_id", kitID, "delete_data", deleteData)

	resp := map[string]any{
		"success": true,
		"message": fmt.Sprintf("Kit %s deleted successfully", kitID),
		"kit_id":  kitID,
	}
	if deleteData {
		resp["deleted_data"] = deleted
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleTestURL probes an arbitrary URL without persisting anything.
func (s *Server) handleTestURL(w http.ResponseWriter, r *http.Request) {
	apiURL := r.URL.Query().Get("api_url")
	if apiURL == "" {
		writeError(w, http.StatusBadRequest, "api_url is required")
		return
	}
	writeJSON(w, http.StatusOK, s.probe.Probe(r.Context(), registry.NormalizeURL(apiURL)))
}

// handleTestKit probes a registered kit's stored URL.
func (s *Server) handleTestKit(w http.ResponseWriter, r *http.Request) {
	kitID := chi.URLParam(r, "kitID")
	kit, err := s.store.GetKit(r.Context(), kitID)
	if errors.Is(err, store.ErrKitNotFound) {
		writeError(w, http.StatusNotFound, "Kit not found: "+kitID)
		return
	}
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if kit.APIURL == nil {
		writeError(w, http.StatusBadRequest, "Kit has no API URL configured: "+kitID)
		return
	}
	writeJSON(w, http.StatusOK, s.probe.Probe(r.Context(), *kit.APIURL))
}

// handleReloadStatus summarises the kit configuration the poller works
// from.
func (s *Server) handleReloadStatus(w http.ResponseWriter, r *http.Request) {
	kits, err := s.store.ListKits(r.Context())
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	enabled, online := 0, 0
	for _, k := range kits {
		if k.Enabled {
			enabled++
		}
		if k.Status == store.StatusOnline {
			online++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_kits":   len(kits),
		"enabled_kits": enabled,
		"online_kits":  online,
		"kits":         kits,
	})
}
