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
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-kit/log/level"

	"github.com/wardragon/analytics-engine/pkg/store"
	"github.com/wardragon/analytics-engine/pkg/telemetry"
)

// timeRangeView echoes the resolved window in responses.
type timeRangeView struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (s *Server) handleDrones(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, end, err := parseTimeRange(q.Get("time_range"), time.Now().UTC(), s.opts.MaxQueryRange)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := intParam(q, "limit", 1000, 1, 10000)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	dedup, err := boolParam(q, "deduplicate", true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	filter := store.TrackFilter{
		Start:       start,
		End:         end,
		KitIDs:      csvParam(q, "kit_id"),
		RIDMake:     q.Get("rid_make"),
		TrackType:   q.Get("track_type"),
		Limit:       limit,
		Deduplicate: dedup,
	}
	recs, err := s.store.QueryTracks(r.Context(), filter)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	counts, err := s.store.CountTracks(r.Context(), filter)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []telemetry.TrackRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"drones":           recs,
		"count":            counts.UniqueDrones,
		"total_detections": counts.TotalDetections,
		"time_range":       timeRangeView{Start: start, End: end},
	})
}

// trackPoint is one vertex of a flight-path polyline.
type trackPoint struct {
	Time    time.Time `json:"time"`
	KitID   string    `json:"kit_id"`
	Lat     float64   `json:"lat"`
	Lon     float64   `json:"lon"`
	Alt     *float64  `json:"alt"`
	Speed   *float64  `json:"speed"`
	Heading *float64  `json:"heading"`
	RSSI    *float64  `json:"rssi"`
}

func (s *Server) handleDroneTrack(w http.ResponseWriter, r *http.Request) {
	droneID := chi.URLParam(r, "droneID")
	q := r.URL.Query()
	start, end, err := parseTimeRange(q.Get("time_range"), time.Now().UTC(), s.opts.MaxQueryRange)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := intParam(q, "limit", 500, 1, 2000)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	recs, err := s.store.TrackHistory(r.Context(), droneID, start, end, limit)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	track := make([]trackPoint, 0, len(recs))
	for i := range recs {
		track = append(track, trackPoint{
			Time:    recs[i].Time,
			KitID:   recs[i].KitID,
			Lat:     *recs[i].Lat,
			Lon:     *recs[i].Lon,
			Alt:     recs[i].Alt,
			Speed:   recs[i].Speed,
			Heading: recs[i].Heading,
			RSSI:    recs[i].RSSI,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"drone_id":    droneID,
		"track":       track,
		"point_count": len(track),
		"time_range":  timeRangeView{Start: start, End: end},
	})
}

func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, end, err := parseTimeRange(q.Get("time_range"), time.Now().UTC(), s.opts.MaxQueryRange)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := intParam(q, "limit", 1000, 1, 10000)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	recs, err := s.store.QuerySignals(r.Context(), store.SignalFilter{
		Start:         start,
		End:           end,
		KitIDs:        csvParam(q, "kit_id"),
		DetectionType: q.Get("detection_type"),
		Limit:         limit,
	})
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []telemetry.SignalRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"signals":    recs,
		"count":      len(recs),
		"time_range": timeRangeView{Start: start, End: end},
	})
}

// csvHeader is the exported column order. Consumers depend on it staying
// stable.
var csvHeader = []string{
	"time", "kit_id", "drone_id", "lat", "lon", "alt", "speed", "heading",
	"pilot_lat", "pilot_lon", "home_lat", "home_lon", "mac", "rssi", "freq",
	"ua_type", "operator_id", "caa_id", "rid_make", "rid_model", "rid_source",
	"track_type",
}

func csvFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func csvString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func csvRow(t *telemetry.TrackRecord) []string {
	return []string{
		t.Time.UTC().Format(time.RFC3339Nano),
		t.KitID,
		t.DroneID,
		csvFloat(t.Lat),
		csvFloat(t.Lon),
		csvFloat(t.Alt),
		csvFloat(t.Speed),
		csvFloat(t.Heading),
		csvFloat(t.PilotLat),
		csvFloat(t.PilotLon),
		csvFloat(t.HomeLat),
		csvFloat(t.HomeLon),
		csvString(t.MAC),
		csvFloat(t.RSSI),
		csvFloat(t.Freq),
		csvString(t.UAType),
		csvString(t.OperatorID),
		csvString(t.CAAID),
		csvString(t.RIDMake),
		csvString(t.RIDModel),
		csvString(t.RIDSource),
		t.TrackType,
	}
}

// handleExportCSV streams the filtered tracks as a CSV download. Rows are
// written as they are scanned so large exports never buffer in memory; an
// empty result still produces the header line.
func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, end, err := parseTimeRange(q.Get("time_range"), time.Now().UTC(), s.opts.MaxQueryRange)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rows, err := s.store.TrackRows(r.Context(), store.TrackFilter{
		Start:     start,
		End:       end,
		KitIDs:    csvParam(q, "kit_id"),
		RIDMake:   q.Get("rid_make"),
		TrackType: q.Get("track_type"),
	})
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	defer rows.Close()

	filename := fmt.Sprintf("wardragon_drones_%s.csv", time.Now().UTC().Format("20060102_150405"))
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename="+filename)

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return
	}
	for rows.Next() {
		var rec telemetry.TrackRecord
		if err := rows.StructScan(&rec); err != nil {
			level.Warn(s.logger).Log("msg", "CSV export scan failed", "err", err)
			return
		}
		if err := cw.Write(csvRow(&rec)); err != nil {
			return
		}
	}
	if err := rows.Err(); err != nil {
		level.Warn(s.logger).Log("msg", "CSV export aborted", "err", err)
	}
	cw.Flush()
}
