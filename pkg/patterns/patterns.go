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

// Package patterns implements the detection queries over track
// observations: repeated contacts, coordinated activity, pilot reuse,
// behavioural anomalies, multi-kit correlation and the security-focused
// detectors. All detectors are pure functions over a window of track rows
// the caller has already fetched; the API layer owns the time filtering.
package patterns

import (
	"fmt"
	"sort"
	"time"

	"github.com/wardragon/analytics-engine/pkg/geo"
	"github.com/wardragon/analytics-engine/pkg/telemetry"
)

// Result caps, matching the read API's response limits.
const (
	maxRepeatedDrones = 100
	maxAnomalies      = 200
	maxMultiKit       = 100
	maxSecurityAlerts = 500
)

// byDrone groups tracks per drone, each slice ordered by time ascending.
func byDrone(tracks []telemetry.TrackRecord) map[string][]telemetry.TrackRecord {
	groups := make(map[string][]telemetry.TrackRecord)
	for _, t := range tracks {
		groups[t.DroneID] = append(groups[t.DroneID], t)
	}
	for _, g := range groups {
		sort.Slice(g, func(i, j int) bool { return g[i].Time.Before(g[j].Time) })
	}
	return groups
}

// hasPosition reports whether the row carries a usable position.
func hasPosition(t *telemetry.TrackRecord) bool {
	return t.Lat != nil && t.Lon != nil
}

// Location is one positioned sighting inside a repeated-contact group.
type Location struct {
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	KitID     string    `json:"kit_id"`
	Timestamp time.Time `json:"timestamp"`
}

// RepeatedDrone is a drone seen at least min_appearances times in the
// window, with every positioned sighting.
type RepeatedDrone struct {
	DroneID         string     `json:"drone_id"`
	FirstSeen       time.Time  `json:"first_seen"`
	LastSeen        time.Time  `json:"last_seen"`
	AppearanceCount int        `json:"appearance_count"`
	KitCount        int        `json:"kit_count"`
	Locations       []Location `json:"locations"`
}

// RepeatedContacts finds drones with minAppearances or more positioned
// sightings, ordered by appearance count then recency.
func RepeatedContacts(tracks []telemetry.TrackRecord, minAppearances int) []RepeatedDrone {
	var out []RepeatedDrone
	for droneID, g := range byDrone(tracks) {
		var locs []Location
		kits := map[string]bool{}
		for i := range g {
			if !hasPosition(&g[i]) {
				continue
			}
			kits[g[i].KitID] = true
			locs = append(locs, Location{
				Lat:       *g[i].Lat,
				Lon:       *g[i].Lon,
				KitID:     g[i].KitID,
				Timestamp: g[i].Time,
			})
		}
		if len(locs) < minAppearances {
			continue
		}
		out = append(out, RepeatedDrone{
			DroneID:         droneID,
			FirstSeen:       locs[0].Timestamp,
			LastSeen:        locs[len(locs)-1].Timestamp,
			AppearanceCount: len(locs),
			KitCount:        len(kits),
			Locations:       locs,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AppearanceCount != out[j].AppearanceCount {
			return out[i].AppearanceCount > out[j].AppearanceCount
		}
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].DroneID < out[j].DroneID
	})
	if len(out) > maxRepeatedDrones {
		out = out[:maxRepeatedDrones]
	}
	return out
}

// GroupMember is one drone inside a coordinated group, at its most recent
// position in the window.
type GroupMember struct {
	DroneID   string    `json:"drone_id"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Timestamp time.Time `json:"timestamp"`
}

// CoordinatedGroup is a set of drones flying close together in time and
// space. Grouping is single-link from each anchor drone, not a full
// transitive closure: callers needing cliques must post-filter.
type CoordinatedGroup struct {
	Drones           []GroupMember `json:"drones"`
	DroneCount       int           `json:"drone_count"`
	PairCount        int           `json:"pair_count"`
	CorrelationScore string        `json:"correlation_score"`
}

// Coordinated detects drones whose most recent positions lie within
// distThresholdM of each other and whose sighting times differ by at most
// maxTimeDiff. Identical member sets reached from different anchors
// collapse into one group.
func Coordinated(tracks []telemetry.TrackRecord, distThresholdM float64, maxTimeDiff time.Duration) []CoordinatedGroup {
	// Latest positioned observation per drone.
	latest := make(map[string]*telemetry.TrackRecord)
	for i := range tracks {
		t := &tracks[i]
		if !hasPosition(t) {
			continue
		}
		if cur, ok := latest[t.DroneID]; !ok || t.Time.After(cur.Time) {
			latest[t.DroneID] = t
		}
	}

	ids := make([]string, 0, len(latest))
	for id := range latest {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	neighbours := make(map[string][]string)
	for i, a := range ids {
		for _, b := range ids[i+1:] {
			ta, tb := latest[a], latest[b]
			dt := ta.Time.Sub(tb.Time)
			if dt < 0 {
				dt = -dt
			}
			if dt > maxTimeDiff {
				continue
			}
			if geo.Distance(*ta.Lat, *ta.Lon, *tb.Lat, *tb.Lon) > distThresholdM {
				continue
			}
			neighbours[a] = append(neighbours[a], b)
			neighbours[b] = append(neighbours[b], a)
		}
	}

	seen := make(map[string]bool)
	var out []CoordinatedGroup
	for _, anchor := range ids {
		if len(neighbours[anchor]) == 0 {
			continue
		}
		members := append([]string{anchor}, neighbours[anchor]...)
		sort.Strings(members)
		key := fmt.Sprint(members)
		if seen[key] {
			continue
		}
		seen[key] = true

		// Pairs among the members decide the score.
		pairs := 0
		for i, a := range members {
			for _, b := range members[i+1:] {
				for _, n := range neighbours[a] {
					if n == b {
						pairs++
					}
				}
			}
		}
		score := "low"
		switch {
		case pairs >= 4:
			score = "high"
		case pairs >= 2:
			score = "medium"
		}

		g := CoordinatedGroup{DroneCount: len(members), PairCount: pairs, CorrelationScore: score}
		for _, id := range members {
			t := latest[id]
			g.Drones = append(g.Drones, GroupMember{
				DroneID:   id,
				Lat:       *t.Lat,
				Lon:       *t.Lon,
				Timestamp: t.Time,
			})
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DroneCount != out[j].DroneCount {
			return out[i].DroneCount > out[j].DroneCount
		}
		return out[i].Drones[0].DroneID < out[j].Drones[0].DroneID
	})
	return out
}

// PilotDrone is one drone attributed to a shared operator.
type PilotDrone struct {
	DroneID   string    `json:"drone_id"`
	Timestamp time.Time `json:"timestamp"`
	PilotLat  *float64  `json:"pilot_lat"`
	PilotLon  *float64  `json:"pilot_lon"`
}

// PilotGroup is a set of distinct drones linked to one operator, either by
// an exact Remote-ID operator_id match or by pilot positions clustering
// within the proximity threshold.
type PilotGroup struct {
	PilotIdentifier   string       `json:"pilot_identifier"`
	CorrelationMethod string       `json:"correlation_method"`
	Drones            []PilotDrone `json:"drones"`
	DroneCount        int          `json:"drone_count"`
}

// PilotReuse unions the two attribution methods. Rows carrying an
// operator_id only count toward the exact-match method; the proximity
// clusters are built from the remaining rows so one flight is never
// attributed twice.
func PilotReuse(tracks []telemetry.TrackRecord, proximityM float64) []PilotGroup {
	// Method 1: exact operator_id matches.
	byOperator := make(map[string][]*telemetry.TrackRecord)
	for i := range tracks {
		if tracks[i].OperatorID != nil {
			op := *tracks[i].OperatorID
			byOperator[op] = append(byOperator[op], &tracks[i])
		}
	}
	var operatorGroups []PilotGroup
	for op, rows := range byOperator {
		distinct := make(map[string]bool)
		for _, r := range rows {
			distinct[r.DroneID] = true
		}
		if len(distinct) < 2 {
			continue
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].Time.After(rows[j].Time) })
		g := PilotGroup{PilotIdentifier: op, CorrelationMethod: "operator_id", DroneCount: len(distinct)}
		for _, r := range rows {
			g.Drones = append(g.Drones, PilotDrone{
				DroneID:   r.DroneID,
				Timestamp: r.Time,
				PilotLat:  r.PilotLat,
				PilotLon:  r.PilotLon,
			})
		}
		operatorGroups = append(operatorGroups, g)
	}

	// Method 2: latest pilot position per drone among rows without an
	// operator_id, clustered by proximity.
	latest := make(map[string]*telemetry.TrackRecord)
	for i := range tracks {
		t := &tracks[i]
		if t.OperatorID != nil || t.PilotLat == nil || t.PilotLon == nil {
			continue
		}
		if cur, ok := latest[t.DroneID]; !ok || t.Time.After(cur.Time) {
			latest[t.DroneID] = t
		}
	}
	ids := make([]string, 0, len(latest))
	for id := range latest {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var proximityGroups []PilotGroup
	for i, a := range ids {
		members := []string{a}
		for _, b := range ids[i+1:] {
			ta, tb := latest[a], latest[b]
			if geo.Distance(*ta.PilotLat, *ta.PilotLon, *tb.PilotLat, *tb.PilotLon) <= proximityM {
				members = append(members, b)
			}
		}
		if len(members) < 2 {
			continue
		}
		var avgLat, avgLon float64
		g := PilotGroup{CorrelationMethod: "proximity", DroneCount: len(members)}
		for _, id := range members {
			t := latest[id]
			avgLat += *t.PilotLat
			avgLon += *t.PilotLon
			g.Drones = append(g.Drones, PilotDrone{
				DroneID:   id,
				Timestamp: t.Time,
				PilotLat:  t.PilotLat,
				PilotLon:  t.PilotLon,
			})
		}
		avgLat /= float64(len(members))
		avgLon /= float64(len(members))
		g.PilotIdentifier = fmt.Sprintf("PILOT_%.4f_%.4f", avgLat, avgLon)
		sort.Slice(g.Drones, func(i, j int) bool { return g.Drones[i].Timestamp.After(g.Drones[j].Timestamp) })
		proximityGroups = append(proximityGroups, g)
	}

	byCount := func(groups []PilotGroup) {
		sort.Slice(groups, func(i, j int) bool {
			if groups[i].DroneCount != groups[j].DroneCount {
				return groups[i].DroneCount > groups[j].DroneCount
			}
			return groups[i].PilotIdentifier < groups[j].PilotIdentifier
		})
	}
	byCount(operatorGroups)
	byCount(proximityGroups)
	return append(operatorGroups, proximityGroups...)
}

// KitObservation is one kit's latest sighting inside a multi-kit group.
type KitObservation struct {
	KitID     string    `json:"kit_id"`
	RSSI      *float64  `json:"rssi"`
	Freq      *float64  `json:"freq"`
	Timestamp time.Time `json:"timestamp"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Alt       *float64  `json:"alt"`
}

// MultiKitDetection is a drone heard by two or more kits within the same
// one-minute slot. Three or more kits make trilateration possible.
type MultiKitDetection struct {
	DroneID               string           `json:"drone_id"`
	Kits                  []KitObservation `json:"kits"`
	KitCount              int              `json:"kit_count"`
	TriangulationPossible bool             `json:"triangulation_possible"`
	RIDMake               *string          `json:"rid_make"`
	RIDModel              *string          `json:"rid_model"`
	LatestDetection       time.Time        `json:"latest_detection"`
}

// MultiKit buckets positioned observations into one-minute slots so the
// per-kit sightings being compared are close in time, keeps the latest
// observation per kit inside each slot, and reports for every drone its
// best slot (most kits, latest on ties). Kits are ordered by RSSI
// descending, missing RSSI last.
func MultiKit(tracks []telemetry.TrackRecord) []MultiKitDetection {
	type slotKey struct {
		droneID string
		slot    time.Time
	}
	slots := make(map[slotKey]map[string]*telemetry.TrackRecord)
	for i := range tracks {
		t := &tracks[i]
		if !hasPosition(t) || t.KitID == "" {
			continue
		}
		key := slotKey{droneID: t.DroneID, slot: t.Time.Truncate(time.Minute)}
		kits := slots[key]
		if kits == nil {
			kits = make(map[string]*telemetry.TrackRecord)
			slots[key] = kits
		}
		if cur, ok := kits[t.KitID]; !ok || t.Time.After(cur.Time) {
			kits[t.KitID] = t
		}
	}

	best := make(map[string]slotKey)
	for key, kits := range slots {
		if len(kits) < 2 {
			continue
		}
		cur, ok := best[key.droneID]
		if !ok || len(kits) > len(slots[cur]) ||
			(len(kits) == len(slots[cur]) && key.slot.After(cur.slot)) {
			best[key.droneID] = key
		}
	}

	var out []MultiKitDetection
	for droneID, key := range best {
		kits := slots[key]
		d := MultiKitDetection{
			DroneID:               droneID,
			KitCount:              len(kits),
			TriangulationPossible: len(kits) >= 3,
		}
		for _, t := range kits {
			d.Kits = append(d.Kits, KitObservation{
				KitID:     t.KitID,
				RSSI:      t.RSSI,
				Freq:      t.Freq,
				Timestamp: t.Time,
				Lat:       *t.Lat,
				Lon:       *t.Lon,
				Alt:       t.Alt,
			})
			if t.Time.After(d.LatestDetection) {
				d.LatestDetection = t.Time
			}
			if t.RIDMake != nil {
				d.RIDMake = t.RIDMake
			}
			if t.RIDModel != nil {
				d.RIDModel = t.RIDModel
			}
		}
		sort.Slice(d.Kits, func(i, j int) bool {
			a, b := d.Kits[i].RSSI, d.Kits[j].RSSI
			switch {
			case a == nil:
				return false
			case b == nil:
				return true
			case *a != *b:
				return *a > *b
			}
			return d.Kits[i].KitID < d.Kits[j].KitID
		})
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].KitCount != out[j].KitCount {
			return out[i].KitCount > out[j].KitCount
		}
		if !out[i].LatestDetection.Equal(out[j].LatestDetection) {
			return out[i].LatestDetection.After(out[j].LatestDetection)
		}
		return out[i].DroneID < out[j].DroneID
	})
	if len(out) > maxMultiKit {
		out = out[:maxMultiKit]
	}
	return out
}
