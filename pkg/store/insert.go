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

package store

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/go-kit/log/level"

	"github.com/wardragon/analytics-engine/pkg/telemetry"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Outcome reports per-batch accounting: rows written, rows skipped because
// their composite key already existed (idempotent re-ingest) and rows
// rejected by validation before reaching the database.
type Outcome struct {
	Inserted   int `json:"inserted"`
	Conflicted int `json:"conflicted"`
	Rejected   int `json:"rejected"`
}

func (o Outcome) add(other Outcome) Outcome {
	o.Inserted += other.Inserted
	o.Conflicted += other.Conflicted
	o.Rejected += other.Rejected
	return o
}

var trackColumns = []string{
	"time", "kit_id", "drone_id", "track_type",
	"lat", "lon", "alt",
	"speed", "heading", "vspeed", "height", "direction",
	"pilot_lat", "pilot_lon", "home_lat", "home_lon",
	"mac", "rssi", "freq",
	"ua_type", "operator_id", "caa_id", "rid_make", "rid_model", "rid_source",
	"op_status", "runtime", "id_type",
}

var signalColumns = []string{
	"time", "kit_id", "freq_mhz",
	"power_dbm", "bandwidth_mhz",
	"lat", "lon", "alt",
	"detection_type", "source_stage", "pal_confidence", "ntsc_confidence",
}

var healthColumns = []string{
	"time", "kit_id",
	"lat", "lon", "alt",
	"cpu_percent", "memory_percent", "disk_percent", "uptime_hours",
	"temp_cpu", "temp_gpu", "temp_sdr",
	"gps_speed", "gps_track", "gps_fix",
}

func trackValues(r *telemetry.TrackRecord) []any {
	return []any{
		r.Time, r.KitID, r.DroneID, r.TrackType,
		r.Lat, r.Lon, r.Alt,
		r.Speed, r.Heading, r.VSpeed, r.Height, r.Direction,
		r.PilotLat, r.PilotLon, r.HomeLat, r.HomeLon,
		r.MAC, r.RSSI, r.Freq,
		r.UAType, r.OperatorID, r.CAAID, r.RIDMake, r.RIDModel, r.RIDSource,
		r.OpStatus, r.Runtime, r.IDType,
	}
}

func signalValues(r *telemetry.SignalRecord) []any {
	return []any{
		r.Time, r.KitID, r.FreqMHz,
		r.PowerDBm, r.BandwidthMHz,
		r.Lat, r.Lon, r.Alt,
		r.DetectionType, r.SourceStage, r.PALConfidence, r.NTSCConfidence,
	}
}

func healthValues(r *telemetry.HealthRecord) []any {
	return []any{
		r.Time, r.KitID,
		r.Lat, r.Lon, r.Alt,
		r.CPUPercent, r.MemoryPercent, r.DiskPercent, r.UptimeHours,
		r.TempCPU, r.TempGPU, r.TempSDR,
		r.GPSSpeed, r.GPSTrack, r.GPSFix,
	}
}

// InsertTracks batch-inserts track observations. Conflicts on
// (time, kit_id, drone_id) are silently ignored; a row failing validation is
// counted as rejected and never aborts the batch.
func (s *Store) InsertTracks(ctx context.Context, recs []telemetry.TrackRecord) (Outcome, error) {
	var out Outcome
	b := psql.Insert("drones").Columns(trackColumns...)
	valid := 0
	for i := range recs {
		if err := recs[i].Validate(); err != nil {
			out.Rejected++
			level.Debug(s.logger).Log("msg", "rejecting track row", "kit", recs[i].KitID, "drone", recs[i].DroneID, "err", err)
			continue
		}
		b = b.Values(trackValues(&recs[i])...)
		valid++
	}
	o, err := s.execInsert(ctx, "tracks", b, "ON CONFLICT (time, kit_id, drone_id) DO NOTHING", valid)
	out = out.add(o)
	s.countOutcome("tracks", out)
	return out, err
}

// InsertSignals batch-inserts RF signal detections with the same semantics
// as InsertTracks, keyed by (time, kit_id, freq_mhz).
func (s *Store) InsertSignals(ctx context.Context, recs []telemetry.SignalRecord) (Outcome, error) {
	var out Outcome
	b := psql.Insert("signals").Columns(signalColumns...)
	valid := 0
	for i := range recs {
		if err := recs[i].Validate(); err != nil {
			out.Rejected++
			level.Debug(s.logger).Log("msg", "rejecting signal row", "kit", recs[i].KitID, "freq", recs[i].FreqMHz, "err", err)
			continue
		}
		b = b.Values(signalValues(&recs[i])...)
		valid++
	}
	o, err := s.execInsert(ctx, "signals", b, "ON CONFLICT (time, kit_id, freq_mhz) DO NOTHING", valid)
	out = out.add(o)
	s.countOutcome("signals", out)
	return out, err
}

// InsertHealth batch-inserts kit health samples, keyed by (time, kit_id).
func (s *Store) InsertHealth(ctx context.Context, recs []telemetry.HealthRecord) (Outcome, error) {
	var out Outcome
	b := psql.Insert("system_health").Columns(healthColumns...)
	valid := 0
	for i := range recs {
		if err := recs[i].Validate(); err != nil {
			out.Rejected++
			level.Debug(s.logger).Log("msg", "rejecting health row", "kit", recs[i].KitID, "err", err)
			continue
		}
		b = b.Values(healthValues(&recs[i])...)
		valid++
	}
	o, err := s.execInsert(ctx, "health", b, "ON CONFLICT (time, kit_id) DO NOTHING", valid)
	out = out.add(o)
	s.countOutcome("health", out)
	return out, err
}

func (s *Store) execInsert(ctx context.Context, stream string, b sq.InsertBuilder, conflict string, valid int) (Outcome, error) {
	if valid == 0 {
		return Outcome{}, nil
	}
	query, args, err := b.Suffix(conflict).ToSql()
	if err != nil {
		return Outcome{}, fmt.Errorf("building %s insert: %w", stream, err)
	}
	var affected int64
	err = s.withRetry(ctx, "insert "+stream, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("inserting %s batch: %w", stream, err)
	}
	return Outcome{Inserted: int(affected), Conflicted: valid - int(affected)}, nil
}

func (s *Store) countOutcome(stream string, out Outcome) {
	rowsInserted.WithLabelValues(stream).Add(float64(out.Inserted))
	rowsConflicted.WithLabelValues(stream).Add(float64(out.Conflicted))
	rowsRejected.WithLabelValues(stream).Add(float64(out.Rejected))
}
