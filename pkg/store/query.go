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
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/wardragon/analytics-engine/pkg/telemetry"
)

// TrackFilter selects track rows. Zero values mean "no constraint" except
// Start/End, which callers always set from the parsed time range.
type TrackFilter struct {
	Start, End  time.Time
	KitIDs      []string
	DroneID     string
	RIDMake     string
	TrackType   string
	Limit       int
	Deduplicate bool
}

func (f TrackFilter) build() sq.SelectBuilder {
	cols := strings.Join(trackColumns, ", ")
	b := psql.Select(cols).From("drones").
		Where(sq.GtOrEq{"time": f.Start}).
		Where(sq.LtOrEq{"time": f.End})
	if len(f.KitIDs) > 0 {
		b = b.Where(sq.Eq{"kit_id": f.KitIDs})
	}
	if f.DroneID != "" {
		b = b.Where(sq.Eq{"drone_id": f.DroneID})
	}
	if f.RIDMake != "" {
		b = b.Where(sq.ILike{"rid_make": "%" + f.RIDMake + "%"})
	}
	if f.TrackType != "" {
		b = b.Where(sq.Eq{"track_type": f.TrackType})
	}
	if f.Deduplicate {
		// Most recent row per drone.
		b = b.Options("DISTINCT ON (drone_id)").OrderBy("drone_id", "time DESC")
	} else {
		b = b.OrderBy("time DESC")
	}
	if f.Limit > 0 {
		b = b.Limit(uint64(f.Limit))
	}
	return b
}

// QueryTracks returns track rows matching the filter.
func (s *Store) QueryTracks(ctx context.Context, f TrackFilter) ([]telemetry.TrackRecord, error) {
	query, args, err := f.build().ToSql()
	if err != nil {
		return nil, fmt.Errorf("building track query: %w", err)
	}
	var recs []telemetry.TrackRecord
	if err := s.db.SelectContext(ctx, &recs, query, args...); err != nil {
		return nil, fmt.Errorf("querying tracks: %w", err)
	}
	return recs, nil
}

// TrackRows returns an iterator over the filtered rows so the CSV exporter
// can stream without buffering the full result. The caller must Close it.
func (s *Store) TrackRows(ctx context.Context, f TrackFilter) (*sqlx.Rows, error) {
	query, args, err := f.build().ToSql()
	if err != nil {
		return nil, fmt.Errorf("building track query: %w", err)
	}
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tracks: %w", err)
	}
	return rows, nil
}

// TrackCounts are the window-wide totals of the drones response,
// independent of the row limit and dedup switch.
type TrackCounts struct {
	TotalDetections int64 `db:"total_detections"`
	UniqueDrones    int64 `db:"unique_drones"`
}

// CountTracks counts rows and distinct drones matching the filter without
// the limit or dedup.
func (s *Store) CountTracks(ctx context.Context, f TrackFilter) (*TrackCounts, error) {
	b := psql.Select("count(*) AS total_detections", "count(DISTINCT drone_id) AS unique_drones").From("drones").
		Where(sq.GtOrEq{"time": f.Start}).
		Where(sq.LtOrEq{"time": f.End})
	if len(f.KitIDs) > 0 {
		b = b.Where(sq.Eq{"kit_id": f.KitIDs})
	}
	if f.DroneID != "" {
		b = b.Where(sq.Eq{"drone_id": f.DroneID})
	}
	if f.RIDMake != "" {
		b = b.Where(sq.ILike{"rid_make": "%" + f.RIDMake + "%"})
	}
	if f.TrackType != "" {
		b = b.Where(sq.Eq{"track_type": f.TrackType})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building track count: %w", err)
	}
	var counts TrackCounts
	if err := s.db.GetContext(ctx, &counts, query, args...); err != nil {
		return nil, fmt.Errorf("counting tracks: %w", err)
	}
	return &counts, nil
}

// TrackHistory returns the positioned polyline of one drone in time
// ascending order, capped at limit points.
func (s *Store) TrackHistory(ctx context.Context, droneID string, start, end time.Time, limit int) ([]telemetry.TrackRecord, error) {
	query, args, err := psql.Select(strings.Join(trackColumns, ", ")).
		From("drones").
		Where(sq.Eq{"drone_id": droneID}).
		Where(sq.GtOrEq{"time": start}).
		Where(sq.LtOrEq{"time": end}).
		Where("lat IS NOT NULL AND lon IS NOT NULL").
		Where("NOT (lat = 0 AND lon = 0)").
		OrderBy("time ASC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building track history query: %w", err)
	}
	var recs []telemetry.TrackRecord
	if err := s.db.SelectContext(ctx, &recs, query, args...); err != nil {
		return nil, fmt.Errorf("querying track history: %w", err)
	}
	return recs, nil
}

// SignalFilter selects signal rows.
type SignalFilter struct {
	Start, End    time.Time
	KitIDs        []string
	DetectionType string
	Limit         int
}

// QuerySignals returns signal rows matching the filter, newest first.
func (s *Store) QuerySignals(ctx context.Context, f SignalFilter) ([]telemetry.SignalRecord, error) {
	b := psql.Select(strings.Join(signalColumns, ", ")).From("signals").
		Where(sq.GtOrEq{"time": f.Start}).
		Where(sq.LtOrEq{"time": f.End}).
		OrderBy("time DESC")
	if len(f.KitIDs) > 0 {
		b = b.Where(sq.Eq{"kit_id": f.KitIDs})
	}
	if f.DetectionType != "" {
		b = b.Where(sq.Eq{"detection_type": f.DetectionType})
	}
	if f.Limit > 0 {
		b = b.Limit(uint64(f.Limit))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building signal query: %w", err)
	}
	var recs []telemetry.SignalRecord
	if err := s.db.SelectContext(ctx, &recs, query, args...); err != nil {
		return nil, fmt.Errorf("querying signals: %w", err)
	}
	return recs, nil
}

// KitPosition is one kit's estimator-usable position, taken from the health
// sample nearest the target time within the estimation window.
type KitPosition struct {
	KitID string  `db:"kit_id"`
	Lat   float64 `db:"lat"`
	Lon   float64 `db:"lon"`
}

// KitPositions resolves observer positions for the location estimator.
// Samples with missing or (0,0) coordinates are unusable and skipped.
func (s *Store) KitPositions(ctx context.Context, kitIDs []string, start, end, target time.Time) (map[string]KitPosition, error) {
	if len(kitIDs) == 0 {
		return map[string]KitPosition{}, nil
	}
	query, args, err := psql.Select("kit_id", "lat", "lon").
		Options("DISTINCT ON (kit_id)").
		From("system_health").
		Where(sq.Eq{"kit_id": kitIDs}).
		Where(sq.GtOrEq{"time": start}).
		Where(sq.LtOrEq{"time": end}).
		Where("lat IS NOT NULL AND lon IS NOT NULL").
		Where("NOT (lat = 0 AND lon = 0)").
		OrderByClause("kit_id, abs(extract(epoch FROM (time - ?)))", target).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building kit position query: %w", err)
	}
	var positions []KitPosition
	if err := s.db.SelectContext(ctx, &positions, query, args...); err != nil {
		return nil, fmt.Errorf("querying kit positions: %w", err)
	}
	out := make(map[string]KitPosition, len(positions))
	for _, p := range positions {
		out[p.KitID] = p
	}
	return out, nil
}

// ObservationsOf returns every observation of one drone inside a window,
// time ascending. The estimator selects per-kit best RSSI and the reported
// GPS position from these rows.
func (s *Store) ObservationsOf(ctx context.Context, droneID string, start, end time.Time) ([]telemetry.TrackRecord, error) {
	query, args, err := psql.Select(strings.Join(trackColumns, ", ")).
		From("drones").
		Where(sq.Eq{"drone_id": droneID}).
		Where(sq.GtOrEq{"time": start}).
		Where(sq.LtOrEq{"time": end}).
		OrderBy("time ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building observation query: %w", err)
	}
	var recs []telemetry.TrackRecord
	if err := s.db.SelectContext(ctx, &recs, query, args...); err != nil {
		return nil, fmt.Errorf("querying observations: %w", err)
	}
	return recs, nil
}
