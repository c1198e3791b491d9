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

package telemetry

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Payload is one decoded JSON object from a kit endpoint or a bus topic.
// Field lookup helpers take alternative names in preference order, so the
// kit API schema and the broadcast schema read through the same code.
type Payload map[string]any

// Float returns the first present numeric value among keys. JSON numbers,
// numeric strings and integers all count; null and absent do not.
func (p Payload) Float(keys ...string) *float64 {
	for _, k := range keys {
		v, ok := p[k]
		if !ok || v == nil {
			continue
		}
		switch n := v.(type) {
		case float64:
			if math.IsNaN(n) || math.IsInf(n, 0) {
				continue
			}
			return &n
		case json.Number:
			if f, err := n.Float64(); err == nil {
				return &f
			}
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
				return &f
			}
		case int:
			f := float64(n)
			return &f
		case int64:
			f := float64(n)
			return &f
		}
	}
	return nil
}

// Int returns the first present integral value among keys.
func (p Payload) Int(keys ...string) *int64 {
	if f := p.Float(keys...); f != nil {
		n := int64(*f)
		return &n
	}
	return nil
}

// String returns the first present non-empty string among keys. Numeric
// values are stringified, matching kits that publish ids as numbers.
func (p Payload) String(keys ...string) *string {
	for _, k := range keys {
		v, ok := p[k]
		if !ok || v == nil {
			continue
		}
		switch s := v.(type) {
		case string:
			if t := strings.TrimSpace(s); t != "" {
				return &t
			}
		case float64:
			t := strconv.FormatFloat(s, 'f', -1, 64)
			return &t
		case json.Number:
			t := s.String()
			return &t
		case bool:
			t := strconv.FormatBool(s)
			return &t
		}
	}
	return nil
}

// Bool returns the first present boolean among keys, accepting the usual
// string and 0/1 spellings.
func (p Payload) Bool(keys ...string) *bool {
	for _, k := range keys {
		v, ok := p[k]
		if !ok || v == nil {
			continue
		}
		switch b := v.(type) {
		case bool:
			return &b
		case string:
			if t, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(b))); err == nil {
				return &t
			}
		case float64:
			t := b != 0
			return &t
		}
	}
	return nil
}

// Time parses the payload timestamp: RFC 3339 strings and unix epoch
// numbers (seconds, with or without fraction) are accepted. A missing or
// unparseable timestamp falls back to now; telemetry without a usable clock
// is still worth storing at arrival time.
func (p Payload) Time(now time.Time, keys ...string) time.Time {
	for _, k := range keys {
		v, ok := p[k]
		if !ok || v == nil {
			continue
		}
		switch ts := v.(type) {
		case string:
			s := strings.TrimSpace(ts)
			if s == "" {
				continue
			}
			for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
				if t, err := time.Parse(layout, s); err == nil {
					return t.UTC()
				}
			}
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return epochToTime(f)
			}
		case float64:
			return epochToTime(ts)
		}
	}
	return now.UTC()
}

func epochToTime(f float64) time.Time {
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

// KitID resolves the reporting kit from a payload. Drone, aircraft and
// signal messages carry seen_by; system attrs carry id or uid.
func (p Payload) KitID() (string, bool) {
	if s := p.String("seen_by", "kit_id", "id", "uid"); s != nil {
		return *s, true
	}
	return "", false
}

// DroneRecord normalises one drone payload observed by kitID. Both naming
// conventions arrive on the bus; the internal form wins when present.
func DroneRecord(kitID string, p Payload, now time.Time) TrackRecord {
	rec := TrackRecord{
		Time:      p.Time(now, "timestamp", "time"),
		KitID:     kitID,
		TrackType: TrackTypeDrone,

		Lat: p.Float("lat", "latitude"),
		Lon: p.Float("lon", "longitude"),
		Alt: p.Float("alt", "hae", "altitude"),

		Speed:     p.Float("speed"),
		Heading:   p.Float("heading", "direction"),
		VSpeed:    p.Float("vspeed"),
		Height:    p.Float("height"),
		Direction: p.Float("direction"),

		PilotLat: p.Float("pilot_lat"),
		PilotLon: p.Float("pilot_lon"),
		HomeLat:  p.Float("home_lat"),
		HomeLon:  p.Float("home_lon"),

		MAC:  p.String("mac"),
		RSSI: p.Float("rssi"),
		Freq: p.Float("freq"),

		UAType:     p.String("ua_type"),
		OperatorID: p.String("operator_id"),
		CAAID:      p.String("caa_id"),
		RIDMake:    p.String("rid_make", "make"),
		RIDModel:   p.String("rid_model", "model"),
		RIDSource:  p.String("rid_source", "source"),
		OpStatus:   p.String("op_status"),
		Runtime:    p.Int("runtime"),
		IDType:     p.String("id_type"),
	}
	if tt := p.String("track_type"); tt != nil {
		rec.TrackType = *tt
	}
	if id := p.String("id", "drone_id"); id != nil {
		rec.DroneID = *id
	} else if rec.MAC != nil {
		rec.DroneID = *rec.MAC
	}
	return rec
}

// AircraftRecord normalises one ADS-B payload into a track row. The ICAO
// (or hex) address identifies the aircraft and the callsign is stored in
// the mac column, mirroring how drone tracks carry their broadcast address.
func AircraftRecord(kitID string, p Payload, now time.Time) TrackRecord {
	rec := TrackRecord{
		Time:      p.Time(now, "timestamp", "time"),
		KitID:     kitID,
		TrackType: TrackTypeAircraft,

		Lat: p.Float("lat"),
		Lon: p.Float("lon"),
		Alt: p.Float("alt", "alt_baro"),

		Speed:   p.Float("speed", "gs"),
		Heading: p.Float("track", "heading"),
		VSpeed:  p.Float("baro_rate"),

		RSSI: p.Float("rssi"),
	}
	if id := p.String("icao", "hex"); id != nil {
		rec.DroneID = *id
	}
	if cs := p.String("callsign", "flight"); cs != nil {
		t := strings.TrimSpace(*cs)
		if t != "" {
			rec.MAC = &t
		}
	}
	return rec
}

// NormalizedSignal converts one signal payload. Frequencies arrive either
// as freq_mhz or as a raw center_hz; bandwidth similarly.
func NormalizedSignal(kitID string, p Payload, now time.Time) SignalRecord {
	rec := SignalRecord{
		Time:  p.Time(now, "timestamp", "observed_at", "time"),
		KitID: kitID,

		PowerDBm: p.Float("power_dbm"),

		Lat: p.Float("sensor_lat", "lat"),
		Lon: p.Float("sensor_lon", "lon"),
		Alt: p.Float("sensor_alt", "alt"),

		DetectionType:  p.String("detection_type"),
		SourceStage:    p.String("source", "stage"),
		PALConfidence:  p.Float("pal_conf", "pal"),
		NTSCConfidence: p.Float("ntsc_conf", "ntsc"),
	}
	if f := p.Float("freq_mhz"); f != nil {
		rec.FreqMHz = *f
	} else if hz := p.Float("center_hz"); hz != nil {
		rec.FreqMHz = *hz / 1e6
	}
	if bw := p.Float("bandwidth_hz"); bw != nil && *bw != 0 {
		mhz := *bw / 1e6
		rec.BandwidthMHz = &mhz
	} else {
		rec.BandwidthMHz = p.Float("bandwidth_mhz")
	}
	if rec.DetectionType == nil {
		dt := "analog"
		rec.DetectionType = &dt
	}
	return rec
}

// NormalizedHealth converts one system status payload, applying the bus
// field-name remap: derived percentages are computed exactly once here so
// the writer stores final values.
func NormalizedHealth(kitID string, p Payload, now time.Time) HealthRecord {
	rec := HealthRecord{
		Time:  p.Time(now, "timestamp", "time"),
		KitID: kitID,

		Lat: p.Float("latitude", "lat"),
		Lon: p.Float("longitude", "lon"),
		Alt: p.Float("hae", "alt"),

		CPUPercent: p.Float("cpu_usage", "cpu_percent"),

		TempCPU: p.Float("temperature_c", "temperature", "temp_cpu"),
		TempGPU: p.Float("temp_gpu"),
		TempSDR: p.Float("pluto_temp_c", "pluto_temp", "temp_sdr"),

		GPSSpeed: p.Float("speed", "gps_speed"),
		GPSTrack: p.Float("track", "gps_track"),
		GPSFix:   p.Bool("gps_fix"),
	}

	if mp := p.Float("memory_percent"); mp != nil {
		rec.MemoryPercent = clampPercent(*mp)
	} else {
		total := p.Float("memory_total_mb", "memory_total")
		avail := p.Float("memory_available_mb", "memory_available")
		if total != nil && avail != nil && *total > 0 {
			rec.MemoryPercent = clampPercent((*total - *avail) / *total * 100)
		}
	}

	if dp := p.Float("disk_percent"); dp != nil {
		rec.DiskPercent = clampPercent(*dp)
	} else {
		total := p.Float("disk_total_mb", "disk_total")
		used := p.Float("disk_used_mb", "disk_used")
		if total != nil && used != nil && *total > 0 {
			rec.DiskPercent = clampPercent(*used / *total * 100)
		}
	}

	if uh := p.Float("uptime_hours"); uh != nil {
		rec.UptimeHours = uh
	} else if us := p.Float("uptime_s", "uptime"); us != nil {
		h := *us / 3600
		rec.UptimeHours = &h
	}
	if rec.UptimeHours != nil && *rec.UptimeHours < 0 {
		zero := 0.0
		rec.UptimeHours = &zero
	}

	return rec
}

func clampPercent(v float64) *float64 {
	if v < 0 {
		v = 0
	}
	if v > 100 {
		v = 100
	}
	return &v
}

// DecodeObjects decodes a telemetry payload that may be a bare JSON array,
// a single object, or an object wrapping a list under wrapKey. This covers
// every shape the kit HTTP APIs and bus publishers produce.
func DecodeObjects(raw []byte, wrapKey string) ([]Payload, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var list []Payload
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("decoding telemetry list: %w", err)
		}
		return list, nil
	}
	var obj Payload
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("decoding telemetry object: %w", err)
	}
	if wrapKey != "" {
		if wrapped, ok := obj[wrapKey]; ok {
			items, ok := wrapped.([]any)
			if !ok {
				return nil, fmt.Errorf("field %q is not a list", wrapKey)
			}
			out := make([]Payload, 0, len(items))
			for _, it := range items {
				m, ok := it.(map[string]any)
				if !ok {
					continue
				}
				out = append(out, Payload(m))
			}
			return out, nil
		}
	}
	return []Payload{obj}, nil
}
