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

package patterns

import (
	"sort"
	"time"

	"github.com/wardragon/analytics-engine/pkg/geo"
	"github.com/wardragon/analytics-engine/pkg/telemetry"
)

// LoiteringDrone is a drone that stayed inside a monitored circle.
type LoiteringDrone struct {
	DroneID           string    `json:"drone_id"`
	FirstSeen         time.Time `json:"first_seen"`
	LastSeen          time.Time `json:"last_seen"`
	DurationMinutes   float64   `json:"duration_minutes"`
	DetectionCount    int       `json:"detection_count"`
	AvgDistanceM      float64   `json:"avg_distance_from_center_m"`
	ClosestApproachM  float64   `json:"closest_approach_m"`
	ThreatLevel       string    `json:"threat_level"`
}

// Loitering finds drones whose in-radius sightings around the centre span
// at least minDuration. Longer dwell times raise the threat level.
func Loitering(tracks []telemetry.TrackRecord, centerLat, centerLon, radiusM float64, minDuration time.Duration) []LoiteringDrone {
	var out []LoiteringDrone
	for droneID, g := range byDrone(tracks) {
		var (
			inArea  []time.Time
			distSum float64
			closest = radiusM
		)
		for i := range g {
			if !hasPosition(&g[i]) {
				continue
			}
			d := geo.Distance(*g[i].Lat, *g[i].Lon, centerLat, centerLon)
			if d > radiusM {
				continue
			}
			inArea = append(inArea, g[i].Time)
			distSum += d
			if d < closest {
				closest = d
			}
		}
		if len(inArea) == 0 {
			continue
		}
		duration := inArea[len(inArea)-1].Sub(inArea[0])
		if duration < minDuration {
			continue
		}
		minutes := duration.Minutes()
		level := SeverityLow
		switch {
		case minutes > 30:
			level = SeverityCritical
		case minutes > 15:
			level = SeverityHigh
		case minutes > 10:
			level = SeverityMedium
		}
		out = append(out, LoiteringDrone{
			DroneID:          droneID,
			FirstSeen:        inArea[0],
			LastSeen:         inArea[len(inArea)-1],
			DurationMinutes:  minutes,
			DetectionCount:   len(inArea),
			AvgDistanceM:     distSum / float64(len(inArea)),
			ClosestApproachM: closest,
			ThreatLevel:      level,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DurationMinutes != out[j].DurationMinutes {
			return out[i].DurationMinutes > out[j].DurationMinutes
		}
		return out[i].DroneID < out[j].DroneID
	})
	return out
}

// DescentEvent is a drop in altitude between consecutive samples that is
// fast and large enough to look like a dive or a payload drop.
type DescentEvent struct {
	DroneID             string    `json:"drone_id"`
	Timestamp           time.Time `json:"timestamp"`
	FromAltM            float64   `json:"from_alt_m"`
	ToAltM              float64   `json:"to_alt_m"`
	DescentM            float64   `json:"descent_m"`
	DescentRateMps      float64   `json:"descent_rate_mps"`
	HorizontalSpeedMps  *float64  `json:"horizontal_speed_mps"`
	Lat                 *float64  `json:"lat"`
	Lon                 *float64  `json:"lon"`
	KitID               string    `json:"kit_id"`
	PossiblePayloadDrop bool      `json:"possible_payload_drop"`
}

// A fast descent while barely moving horizontally is the signature of a
// hovering payload drop.
const (
	payloadDropRateMps  = 8
	payloadDropHSpeedMp = 5
)

// RapidDescent flags consecutive-sample descents of at least minDescentM
// at a rate of at least minRateMps. Ordered by time descending.
func RapidDescent(tracks []telemetry.TrackRecord, minRateMps, minDescentM float64) []DescentEvent {
	var out []DescentEvent
	for _, g := range byDrone(tracks) {
		for i := 1; i < len(g); i++ {
			prev, cur := &g[i-1], &g[i]
			if prev.Alt == nil || cur.Alt == nil {
				continue
			}
			dt := cur.Time.Sub(prev.Time).Seconds()
			if dt <= 0 {
				continue
			}
			descent := *prev.Alt - *cur.Alt
			if descent < minDescentM {
				continue
			}
			rate := descent / dt
			if rate < minRateMps {
				continue
			}
			drop := rate > payloadDropRateMps &&
				cur.Speed != nil && *cur.Speed < payloadDropHSpeedMp
			out = append(out, DescentEvent{
				DroneID:             cur.DroneID,
				Timestamp:           cur.Time,
				FromAltM:            *prev.Alt,
				ToAltM:              *cur.Alt,
				DescentM:            descent,
				DescentRateMps:      rate,
				HorizontalSpeedMps:  cur.Speed,
				Lat:                 cur.Lat,
				Lon:                 cur.Lon,
				KitID:               cur.KitID,
				PossiblePayloadDrop: drop,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].DroneID < out[j].DroneID
	})
	return out
}

// NightDrone is a drone active during the configured night hours.
type NightDrone struct {
	DroneID        string    `json:"drone_id"`
	DetectionCount int       `json:"detection_count"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
	RiskLevel      string    `json:"risk_level"`
}

// isNightHour reports whether hour falls in [start, end], wrapping past
// midnight when start > end (the common 22..5 configuration).
func isNightHour(hour, start, end int) bool {
	if start > end {
		return hour >= start || hour <= end
	}
	return hour >= start && hour <= end
}

// NightActivity aggregates per-drone sightings whose UTC hour falls inside
// the night window. More night detections mean higher risk.
func NightActivity(tracks []telemetry.TrackRecord, nightStart, nightEnd int) []NightDrone {
	var out []NightDrone
	for droneID, g := range byDrone(tracks) {
		var night []time.Time
		for i := range g {
			if isNightHour(g[i].Time.UTC().Hour(), nightStart, nightEnd) {
				night = append(night, g[i].Time)
			}
		}
		if len(night) == 0 {
			continue
		}
		level := SeverityLow
		switch {
		case len(night) > 10:
			level = SeverityCritical
		case len(night) > 5:
			level = SeverityHigh
		case len(night) > 2:
			level = SeverityMedium
		}
		out = append(out, NightDrone{
			DroneID:        droneID,
			DetectionCount: len(night),
			FirstSeen:      night[0],
			LastSeen:       night[len(night)-1],
			RiskLevel:      level,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DetectionCount != out[j].DetectionCount {
			return out[i].DetectionCount > out[j].DetectionCount
		}
		return out[i].DroneID < out[j].DroneID
	})
	return out
}

// Alert is one observation scored against the combined threat factors.
type Alert struct {
	DroneID     string    `json:"drone_id"`
	Timestamp   time.Time `json:"timestamp"`
	KitID       string    `json:"kit_id"`
	Lat         *float64  `json:"lat"`
	Lon         *float64  `json:"lon"`
	ThreatScore int       `json:"threat_score"`
	ThreatLevel string    `json:"threat_level"`
	Factors     []string  `json:"factors"`
}

// Threat factor weights.
const (
	weightRapidDescent = 3
	weightNight        = 2
	weightLowSlow      = 2
	weightHighSpeed    = 1
)

// SecurityAlerts scores every observation against the combined threat
// factors: a rapid descent from the previous sample, flying at night,
// low-and-slow flight (under 50m, moving below 5 m/s), and excessive
// speed (over 25 m/s). Observations scoring zero are omitted.
func SecurityAlerts(tracks []telemetry.TrackRecord, nightStart, nightEnd int) []Alert {
	var out []Alert
	for _, g := range byDrone(tracks) {
		for i := range g {
			t := &g[i]
			score := 0
			var factors []string

			if i > 0 && g[i-1].Alt != nil && t.Alt != nil {
				dt := t.Time.Sub(g[i-1].Time).Seconds()
				if dt > 0 && (*g[i-1].Alt-*t.Alt)/dt > rateMedium {
					score += weightRapidDescent
					factors = append(factors, "rapid_descent")
				}
			}
			if isNightHour(t.Time.UTC().Hour(), nightStart, nightEnd) {
				score += weightNight
				factors = append(factors, "night_activity")
			}
			if t.Alt != nil && *t.Alt < 50 && t.Speed != nil && *t.Speed > 0 && *t.Speed < 5 {
				score += weightLowSlow
				factors = append(factors, "low_and_slow")
			}
			if t.Speed != nil && *t.Speed > 25 {
				score += weightHighSpeed
				factors = append(factors, "high_speed")
			}

			if score == 0 {
				continue
			}
			level := SeverityMedium
			switch {
			case score >= 5:
				level = SeverityCritical
			case score >= 3:
				level = SeverityHigh
			}
			out = append(out, Alert{
				DroneID:     t.DroneID,
				Timestamp:   t.Time,
				KitID:       t.KitID,
				Lat:         t.Lat,
				Lon:         t.Lon,
				ThreatScore: score,
				ThreatLevel: level,
				Factors:     factors,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ThreatScore != out[j].ThreatScore {
			return out[i].ThreatScore > out[j].ThreatScore
		}
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].DroneID < out[j].DroneID
	})
	if len(out) > maxSecurityAlerts {
		out = out[:maxSecurityAlerts]
	}
	return out
}

// ThreatSummary counts alerts per threat level for the response envelope.
func ThreatSummary(alerts []Alert) map[string]int {
	counts := map[string]int{
		SeverityCritical: 0,
		SeverityHigh:     0,
		SeverityMedium:   0,
		SeverityLow:      0,
	}
	for _, a := range alerts {
		counts[a.ThreatLevel]++
	}
	return counts
}

// RiskSummary counts night-activity drones per risk level.
func RiskSummary(drones []NightDrone) map[string]int {
	counts := map[string]int{
		SeverityCritical: 0,
		SeverityHigh:     0,
		SeverityMedium:   0,
		SeverityLow:      0,
	}
	for _, d := range drones {
		counts[d.RiskLevel]++
	}
	return counts
}
