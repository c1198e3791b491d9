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
	"net/http"
	"time"

	"github.com/wardragon/analytics-engine/pkg/patterns"
	"github.com/wardragon/analytics-engine/pkg/store"
	"github.com/wardragon/analytics-engine/pkg/telemetry"
)

// windowTracks fetches every track row of the trailing window for the
// pattern detectors.
func (s *Server) windowTracks(r *http.Request, window time.Duration) ([]telemetry.TrackRecord, error) {
	end := time.Now().UTC()
	return s.store.QueryTracks(r.Context(), store.TrackFilter{
		Start: end.Add(-window),
		End:   end,
	})
}

func (s *Server) handleRepeatedDrones(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	hours, err := intParam(q, "time_window_hours", 24, 1, 168)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	minAppearances, err := intParam(q, "min_appearances", 2, 2, 1000)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	tracks, err := s.windowTracks(r, time.Duration(hours)*time.Hour)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	repeated := patterns.RepeatedContacts(tracks, minAppearances)
	writeJSON(w, http.StatusOK, map[string]any{
		"repeated_drones":   repeated,
		"count":             len(repeated),
		"time_window_hours": hours,
		"min_appearances":   minAppearances,
	})
}

func (s *Server) handleCoordinated(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	minutes, err := intParam(q, "time_window_minutes", 60, 1, 1440)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	distance, err := floatParam(q, "distance_threshold_m", 500, 10, 100000)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	window := time.Duration(minutes) * time.Minute
	tracks, err := s.windowTracks(r, window)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	groups := patterns.Coordinated(tracks, distance, window)
	writeJSON(w, http.StatusOK, map[string]any{
		"coordinated_groups":   groups,
		"count":                len(groups),
		"time_window_minutes":  minutes,
		"distance_threshold_m": distance,
	})
}

func (s *Server) handlePilotReuse(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	hours, err := intParam(q, "time_window_hours", 24, 1, 168)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	proximity, err := floatParam(q, "proximity_threshold_m", 50, 10, 10000)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	tracks, err := s.windowTracks(r, time.Duration(hours)*time.Hour)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	groups := patterns.PilotReuse(tracks, proximity)
	writeJSON(w, http.StatusOK, map[string]any{
		"pilot_reuse":           groups,
		"count":                 len(groups),
		"time_window_hours":     hours,
		"proximity_threshold_m": proximity,
	})
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	hours, err := intParam(r.URL.Query(), "time_window_hours", 1, 1, 24)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	tracks, err := s.windowTracks(r, time.Duration(hours)*time.Hour)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	anomalies := patterns.Anomalies(tracks)
	writeJSON(w, http.StatusOK, map[string]any{
		"anomalies":         anomalies,
		"count":             len(anomalies),
		"time_window_hours": hours,
	})
}

func (s *Server) handleMultiKit(w http.ResponseWriter, r *http.Request) {
	minutes, err := intParam(r.URL.Query(), "time_window_minutes", 15, 1, 10080)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	tracks, err := s.windowTracks(r, time.Duration(minutes)*time.Minute)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	detections := patterns.MultiKit(tracks)
	writeJSON(w, http.StatusOK, map[string]any{
		"multi_kit_detections": detections,
		"count":                len(detections),
		"time_window_minutes":  minutes,
	})
}

// Night window defaults shared by the security detectors.
const (
	defaultNightStart = 22
	defaultNightEnd   = 5
)

func (s *Server) handleSecurityAlerts(w http.ResponseWriter, r *http.Request) {
	hours, err := intParam(r.URL.Query(), "time_window_hours", 4, 1, 24)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	tracks, err := s.windowTracks(r, time.Duration(hours)*time.Hour)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	alerts := patterns.SecurityAlerts(tracks, defaultNightStart, defaultNightEnd)
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts":            alerts,
		"count":             len(alerts),
		"time_window_hours": hours,
		"threat_summary":    patterns.ThreatSummary(alerts),
	})
}

func (s *Server) handleLoitering(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err := requiredFloatParam(q, "lat")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	lon, err := requiredFloatParam(q, "lon")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	radius, err := floatParam(q, "radius_m", 500, 50, 5000)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	minDuration, err := intParam(q, "min_duration_minutes", 5, 1, 120)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	hours, err := intParam(q, "time_window_hours", 24, 1, 168)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	tracks, err := s.windowTracks(r, time.Duration(hours)*time.Hour)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	loitering := patterns.Loitering(tracks, lat, lon, radius, time.Duration(minDuration)*time.Minute)
	writeJSON(w, http.StatusOK, map[string]any{
		"loitering_drones": loitering,
		"count":            len(loitering),
		"search_area": map[string]any{
			"center_lat": lat,
			"center_lon": lon,
			"radius_m":   radius,
		},
		"parameters": map[string]any{
			"min_duration_minutes": minDuration,
			"time_window_hours":    hours,
		},
	})
}

func (s *Server) handleRapidDescent(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	minutes, err := intParam(q, "time_window_minutes", 60, 5, 1440)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	minRate, err := floatParam(q, "min_descent_rate_mps", 5, 1, 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	minDescent, err := floatParam(q, "min_descent_m", 30, 10, 500)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	tracks, err := s.windowTracks(r, time.Duration(minutes)*time.Minute)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	events := patterns.RapidDescent(tracks, minRate, minDescent)
	drops := 0
	for _, e := range events {
		if e.PossiblePayloadDrop {
			drops++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"descent_events":         events,
		"count":                  len(events),
		"possible_payload_drops": drops,
		"parameters": map[string]any{
			"time_window_minutes":  minutes,
			"min_descent_rate_mps": minRate,
			"min_descent_m":        minDescent,
		},
	})
}

func (s *Server) handleNightActivity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	hours, err := intParam(q, "time_window_hours", 24, 1, 168)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	nightStart, err := intParam(q, "night_start_hour", defaultNightStart, 0, 23)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	nightEnd, err := intParam(q, "night_end_hour", defaultNightEnd, 0, 23)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	tracks, err := s.windowTracks(r, time.Duration(hours)*time.Hour)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	activity := patterns.NightActivity(tracks, nightStart, nightEnd)
	writeJSON(w, http.StatusOK, map[string]any{
		"night_activity": activity,
		"count":          len(activity),
		"risk_summary":   patterns.RiskSummary(activity),
		"parameters": map[string]any{
			"time_window_hours": hours,
			"night_start_hour":  nightStart,
			"night_end_hour":    nightEnd,
		},
	})
}
