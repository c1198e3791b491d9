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

	"github.com/wardragon/analytics-engine/pkg/telemetry"
)

// Anomaly types.
const (
	AnomalySpeed       = "speed"
	AnomalyAltitude    = "altitude"
	AnomalyRapidChange = "rapid_altitude_change"
)

// Severity levels, shared by the anomaly and security detectors.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// SpeedDetails describe a speed anomaly.
type SpeedDetails struct {
	SpeedMps float64  `json:"speed_ms"`
	Lat      *float64 `json:"lat"`
	Lon      *float64 `json:"lon"`
	KitID    string   `json:"kit_id"`
	RIDMake  *string  `json:"rid_make"`
}

// AltitudeDetails describe an altitude anomaly.
type AltitudeDetails struct {
	AltitudeM float64  `json:"altitude_m"`
	Lat       *float64 `json:"lat"`
	Lon       *float64 `json:"lon"`
	KitID     string   `json:"kit_id"`
	RIDMake   *string  `json:"rid_make"`
}

// RapidChangeDetails describe an abnormal climb or descent rate between
// two consecutive samples.
type RapidChangeDetails struct {
	AltitudeChangeM float64  `json:"altitude_change_m"`
	TimeDiffSeconds float64  `json:"time_diff_seconds"`
	RateMps         float64  `json:"rate_mps"`
	FromAlt         float64  `json:"from_alt"`
	ToAlt           float64  `json:"to_alt"`
	Lat             *float64 `json:"lat"`
	Lon             *float64 `json:"lon"`
	KitID           string   `json:"kit_id"`
}

// Anomaly is one flagged observation.
type Anomaly struct {
	AnomalyType string    `json:"anomaly_type"`
	Severity    string    `json:"severity"`
	DroneID     string    `json:"drone_id"`
	Details     any       `json:"details"`
	Timestamp   time.Time `json:"timestamp"`
}

// Speed anomaly thresholds in m/s.
const (
	speedMedium   = 30
	speedHigh     = 40
	speedCritical = 50
)

// Altitude anomaly thresholds in meters, drones only.
const (
	altMedium   = 400
	altHigh     = 450
	altCritical = 500
)

// Altitude change rate thresholds in m/s, over at least rapidChangeMinDT.
const (
	rateMedium       = 5
	rateHigh         = 7.5
	rateCritical     = 10
	rapidChangeMinDT = 10 * time.Second
)

// Anomalies flags abnormal behaviour per observation: excessive speed,
// excessive drone altitude, and sustained abnormal altitude change rates
// between consecutive samples of one drone. Ordered by time descending.
func Anomalies(tracks []telemetry.TrackRecord) []Anomaly {
	var out []Anomaly

	for i := range tracks {
		t := &tracks[i]
		if t.Speed != nil && *t.Speed > speedMedium {
			sev := SeverityMedium
			switch {
			case *t.Speed > speedCritical:
				sev = SeverityCritical
			case *t.Speed > speedHigh:
				sev = SeverityHigh
			}
			out = append(out, Anomaly{
				AnomalyType: AnomalySpeed,
				Severity:    sev,
				DroneID:     t.DroneID,
				Timestamp:   t.Time,
				Details: SpeedDetails{
					SpeedMps: *t.Speed,
					Lat:      t.Lat,
					Lon:      t.Lon,
					KitID:    t.KitID,
					RIDMake:  t.RIDMake,
				},
			})
		}
		// Aircraft legitimately fly high; the altitude check is for drones.
		if t.TrackType == telemetry.TrackTypeDrone && t.Alt != nil && *t.Alt > altMedium {
			sev := SeverityMedium
			switch {
			case *t.Alt > altCritical:
				sev = SeverityCritical
			case *t.Alt > altHigh:
				sev = SeverityHigh
			}
			out = append(out, Anomaly{
				AnomalyType: AnomalyAltitude,
				Severity:    sev,
				DroneID:     t.DroneID,
				Timestamp:   t.Time,
				Details: AltitudeDetails{
					AltitudeM: *t.Alt,
					Lat:       t.Lat,
					Lon:       t.Lon,
					KitID:     t.KitID,
					RIDMake:   t.RIDMake,
				},
			})
		}
	}

	for _, g := range byDrone(tracks) {
		for i := 1; i < len(g); i++ {
			prev, cur := &g[i-1], &g[i]
			if prev.Alt == nil || cur.Alt == nil {
				continue
			}
			dt := cur.Time.Sub(prev.Time)
			if dt < rapidChangeMinDT {
				continue
			}
			change := *cur.Alt - *prev.Alt
			if change < 0 {
				change = -change
			}
			rate := change / dt.Seconds()
			if rate <= rateMedium {
				continue
			}
			sev := SeverityMedium
			switch {
			case rate > rateCritical:
				sev = SeverityCritical
			case rate > rateHigh:
				sev = SeverityHigh
			}
			out = append(out, Anomaly{
				AnomalyType: AnomalyRapidChange,
				Severity:    sev,
				DroneID:     cur.DroneID,
				Timestamp:   cur.Time,
				Details: RapidChangeDetails{
					AltitudeChangeM: change,
					TimeDiffSeconds: dt.Seconds(),
					RateMps:         rate,
					FromAlt:         *prev.Alt,
					ToAlt:           *cur.Alt,
					Lat:             cur.Lat,
					Lon:             cur.Lon,
					KitID:           cur.KitID,
				},
			})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		if out[i].DroneID != out[j].DroneID {
			return out[i].DroneID < out[j].DroneID
		}
		return out[i].AnomalyType < out[j].AnomalyType
	})
	if len(out) > maxAnomalies {
		out = out[:maxAnomalies]
	}
	return out
}
