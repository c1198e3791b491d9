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
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wardragon/analytics-engine/pkg/geo"
	"github.com/wardragon/analytics-engine/pkg/locate"
	"github.com/wardragon/analytics-engine/pkg/telemetry"
)

// observationView is one kit's contribution to the estimate as echoed in
// the response.
type observationView struct {
	KitID    string    `json:"kit_id"`
	KitLat   float64   `json:"kit_lat"`
	KitLon   float64   `json:"kit_lon"`
	RSSI     float64   `json:"rssi"`
	Freq     *float64  `json:"freq"`
	Time     time.Time `json:"time"`
	DroneLat *float64  `json:"drone_lat"`
	DroneLon *float64  `json:"drone_lon"`
}

// handleEstimateLocation estimates where a drone actually was at a point in
// time from the RSSI each kit reported around that time, and compares the
// estimate against the drone's self-reported GPS position.
func (s *Server) handleEstimateLocation(w http.ResponseWriter, r *http.Request) {
	droneID := chi.URLParam(r, "droneID")
	q := r.URL.Query()

	target := time.Now().UTC()
	if raw := q.Get("timestamp"); raw != "" {
		t, err := parseISOTime(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "timestamp: invalid ISO timestamp "+fmt.Sprintf("%q", raw))
			return
		}
		target = t
	}
	windowSec, err := intParam(q, "time_window_seconds", 30, 5, 300)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	params := locate.DefaultParams()
	params.TxPowerDBm = s.opts.TxPowerDBm
	params.PathLossExponent = s.opts.PathLossExponent
	params.TxPowerDBm, err = floatParam(q, "tx_power", params.TxPowerDBm, -100, 30)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	params.PathLossExponent, err = floatParam(q, "path_loss_exponent", params.PathLossExponent, 1, 6)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	window := time.Duration(windowSec) * time.Second
	start, end := target.Add(-window), target.Add(window)

	recs, err := s.store.ObservationsOf(r.Context(), droneID, start, end)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if len(recs) == 0 {
		writeError(w, http.StatusNotFound,
			fmt.Sprintf("No observations found for drone %s in time window", droneID))
		return
	}

	kitIDs := make([]string, 0, 4)
	seen := make(map[string]bool)
	for i := range recs {
		if !seen[recs[i].KitID] {
			seen[recs[i].KitID] = true
			kitIDs = append(kitIDs, recs[i].KitID)
		}
	}

	positions, err := s.store.KitPositions(r.Context(), kitIDs, start, end, target)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if len(positions) == 0 {
		writeError(w, http.StatusBadRequest,
			"No kit position data available for location estimation")
		return
	}

	// Strongest sighting per positioned kit; a missing RSSI loses to any
	// real reading.
	best := make(map[string]*telemetry.TrackRecord, len(positions))
	for i := range recs {
		rec := &recs[i]
		if _, ok := positions[rec.KitID]; !ok {
			continue
		}
		cur, ok := best[rec.KitID]
		if !ok || obsRSSI(rec) > obsRSSI(cur) {
			best[rec.KitID] = rec
		}
	}

	obs := make([]locate.Observation, 0, len(best))
	views := make([]observationView, 0, len(best))
	for _, kitID := range kitIDs {
		rec, ok := best[kitID]
		if !ok {
			continue
		}
		pos := positions[kitID]
		obs = append(obs, locate.Observation{
			KitID:  kitID,
			Time:   rec.Time,
			RSSI:   obsRSSI(rec),
			KitLat: pos.Lat,
			KitLon: pos.Lon,
		})
		views = append(views, observationView{
			KitID:    kitID,
			KitLat:   pos.Lat,
			KitLon:   pos.Lon,
			RSSI:     obsRSSI(rec),
			Freq:     rec.Freq,
			Time:     rec.Time,
			DroneLat: rec.Lat,
			DroneLon: rec.Lon,
		})
	}

	result, err := locate.Estimate(obs, params)
	if err != nil {
		writeError(w, http.StatusNotFound,
			fmt.Sprintf("No observations found for drone %s in time window", droneID))
		return
	}

	// The reported position is the positioned sighting closest to the
	// target time, regardless of which kit heard it.
	var actual *locate.Point
	var actualDT time.Duration
	for i := range recs {
		rec := &recs[i]
		if rec.Lat == nil || rec.Lon == nil || (*rec.Lat == 0 && *rec.Lon == 0) {
			continue
		}
		dt := target.Sub(rec.Time)
		if dt < 0 {
			dt = -dt
		}
		if actual == nil || dt < actualDT {
			actual = &locate.Point{Lat: *rec.Lat, Lon: *rec.Lon}
			actualDT = dt
		}
	}

	resp := map[string]any{
		"drone_id":            droneID,
		"timestamp":           target,
		"actual":              actual,
		"estimated":           result.Position,
		"error_meters":        nil,
		"confidence_radius_m": round1(result.ConfidenceRadiusM),
		"observations":        views,
		"algorithm":           result.Algorithm,
		"estimated_distances": result.Distances,
		"spoofing_score":      nil,
		"spoofing_suspected":  nil,
		"spoofing_reason":     nil,
	}
	if actual != nil {
		errM := geo.Distance(actual.Lat, actual.Lon, result.Position.Lat, result.Position.Lon)
		sp := locate.SpoofScore(errM, result.ConfidenceRadiusM)
		resp["error_meters"] = round1(errM)
		resp["spoofing_score"] = math.Round(sp.Score*1000) / 1000
		resp["spoofing_suspected"] = sp.Suspected
		if sp.Reason != "" {
			resp["spoofing_reason"] = sp.Reason
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func obsRSSI(rec *telemetry.TrackRecord) float64 {
	if rec.RSSI == nil {
		return -100
	}
	return *rec.RSSI
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
