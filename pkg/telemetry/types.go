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

// Package telemetry defines the normalised record types flowing from the
// ingestion pipelines into the persistence writer, and the payload
// normalisation shared by the HTTP collector and the bus subscriber. Kits
// publish the same telemetry under two naming conventions (the kit HTTP API
// schema and the broadcast-friendly bus schema); everything is folded into
// one internal shape here so the writer stores exactly what ingestion
// produced.
package telemetry

import (
	"errors"
	"time"
)

// Track types stored in the drones relation.
const (
	TrackTypeDrone    = "drone"
	TrackTypeAircraft = "aircraft"
)

// Remote-ID broadcast transports.
const (
	RIDSourceBLE  = "ble"
	RIDSourceWiFi = "wifi"
	RIDSourceDJI  = "dji"
)

// TrackRecord is a single observation of a drone or aircraft by one kit.
// Composite key (Time, KitID, DroneID). Optional fields are pointers;
// a nil pointer is stored as NULL, never a sentinel value.
type TrackRecord struct {
	Time      time.Time `db:"time"`
	KitID     string    `db:"kit_id"`
	DroneID   string    `db:"drone_id"`
	TrackType string    `db:"track_type"`

	Lat *float64 `db:"lat"`
	Lon *float64 `db:"lon"`
	Alt *float64 `db:"alt"`

	Speed     *float64 `db:"speed"`
	Heading   *float64 `db:"heading"`
	VSpeed    *float64 `db:"vspeed"`
	Height    *float64 `db:"height"`
	Direction *float64 `db:"direction"`

	PilotLat *float64 `db:"pilot_lat"`
	PilotLon *float64 `db:"pilot_lon"`
	HomeLat  *float64 `db:"home_lat"`
	HomeLon  *float64 `db:"home_lon"`

	MAC  *string  `db:"mac"`
	RSSI *float64 `db:"rssi"`
	Freq *float64 `db:"freq"`

	UAType     *string `db:"ua_type"`
	OperatorID *string `db:"operator_id"`
	CAAID      *string `db:"caa_id"`
	RIDMake    *string `db:"rid_make"`
	RIDModel   *string `db:"rid_model"`
	RIDSource  *string `db:"rid_source"`
	OpStatus   *string `db:"op_status"`
	Runtime    *int64  `db:"runtime"`
	IDType     *string `db:"id_type"`
}

// SignalRecord is a detected RF emission, keyed by (Time, KitID, FreqMHz).
type SignalRecord struct {
	Time    time.Time `db:"time"`
	KitID   string    `db:"kit_id"`
	FreqMHz float64   `db:"freq_mhz"`

	PowerDBm     *float64 `db:"power_dbm"`
	BandwidthMHz *float64 `db:"bandwidth_mhz"`

	Lat *float64 `db:"lat"`
	Lon *float64 `db:"lon"`
	Alt *float64 `db:"alt"`

	DetectionType  *string  `db:"detection_type"`
	SourceStage    *string  `db:"source_stage"`
	PALConfidence  *float64 `db:"pal_confidence"`
	NTSCConfidence *float64 `db:"ntsc_confidence"`
}

// HealthRecord is one kit health sample, keyed by (Time, KitID). The
// position reported here is the observer position used by the location
// estimator.
type HealthRecord struct {
	Time  time.Time `db:"time"`
	KitID string    `db:"kit_id"`

	Lat *float64 `db:"lat"`
	Lon *float64 `db:"lon"`
	Alt *float64 `db:"alt"`

	CPUPercent    *float64 `db:"cpu_percent"`
	MemoryPercent *float64 `db:"memory_percent"`
	DiskPercent   *float64 `db:"disk_percent"`
	UptimeHours   *float64 `db:"uptime_hours"`

	TempCPU *float64 `db:"temp_cpu"`
	TempGPU *float64 `db:"temp_gpu"`
	TempSDR *float64 `db:"temp_sdr"`

	GPSSpeed *float64 `db:"gps_speed"`
	GPSTrack *float64 `db:"gps_track"`
	GPSFix   *bool    `db:"gps_fix"`
}

var (
	errMissingKit    = errors.New("missing kit id")
	errMissingKey    = errors.New("missing key field")
	errMissingTime   = errors.New("missing timestamp")
	errBadCoordinate = errors.New("coordinate out of range")
)

func validCoord(lat, lon *float64) bool {
	if lat != nil && (*lat < -90 || *lat > 90) {
		return false
	}
	if lon != nil && (*lon < -180 || *lon > 180) {
		return false
	}
	return true
}

// Validate reports whether the record can be stored. A failing record is
// counted as rejected by the writer; it never aborts its batch.
func (r *TrackRecord) Validate() error {
	if r.KitID == "" {
		return errMissingKit
	}
	if r.DroneID == "" {
		return errMissingKey
	}
	if r.Time.IsZero() {
		return errMissingTime
	}
	if !validCoord(r.Lat, r.Lon) || !validCoord(r.PilotLat, r.PilotLon) || !validCoord(r.HomeLat, r.HomeLon) {
		return errBadCoordinate
	}
	return nil
}

// Validate reports whether the record can be stored.
func (r *SignalRecord) Validate() error {
	if r.KitID == "" {
		return errMissingKit
	}
	if r.FreqMHz <= 0 {
		return errMissingKey
	}
	if r.Time.IsZero() {
		return errMissingTime
	}
	if !validCoord(r.Lat, r.Lon) {
		return errBadCoordinate
	}
	return nil
}

// Validate reports whether the record can be stored.
func (r *HealthRecord) Validate() error {
	if r.KitID == "" {
		return errMissingKit
	}
	if r.Time.IsZero() {
		return errMissingTime
	}
	if !validCoord(r.Lat, r.Lon) {
		return errBadCoordinate
	}
	return nil
}
