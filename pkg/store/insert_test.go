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
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/go-cmp/cmp"

	"github.com/wardragon/analytics-engine/pkg/telemetry"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("creating sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewWithDB(nil, db), mock
}

func f64(v float64) *float64 { return &v }
func str(v string) *string   { return &v }

func validTrack(kit, drone string, ts time.Time) telemetry.TrackRecord {
	return telemetry.TrackRecord{
		Time:      ts,
		KitID:     kit,
		DroneID:   drone,
		TrackType: telemetry.TrackTypeDrone,
		Lat:       f64(51.5), Lon: f64(-0.1),
	}
}

func TestInsertTracksOutcome(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	for _, c := range []struct {
		doc      string
		recs     []telemetry.TrackRecord
		affected int64
		want     Outcome
	}{
		{
			doc: "all rows inserted",
			recs: []telemetry.TrackRecord{
				validTrack("kit-1", "drone-a", now),
				validTrack("kit-1", "drone-b", now),
			},
			affected: 2,
			want:     Outcome{Inserted: 2},
		},
		{
			doc: "replayed row counted as conflict",
			recs: []telemetry.TrackRecord{
				validTrack("kit-1", "drone-a", now),
				validTrack("kit-1", "drone-a", now),
			},
			affected: 1,
			want:     Outcome{Inserted: 1, Conflicted: 1},
		},
		{
			doc: "invalid row rejected without aborting batch",
			recs: []telemetry.TrackRecord{
				validTrack("kit-1", "drone-a", now),
				{Time: now, KitID: "kit-1"}, // no drone_id
				{Time: now, KitID: "kit-1", DroneID: "drone-c", TrackType: "drone", Lat: f64(123)},
			},
			affected: 1,
			want:     Outcome{Inserted: 1, Rejected: 2},
		},
	} {
		t.Run(c.doc, func(t *testing.T) {
			s, mock := newMockStore(t)
			mock.ExpectExec("INSERT INTO drones").
				WillReturnResult(sqlmock.NewResult(0, c.affected))

			got, err := s.InsertTracks(context.Background(), c.recs)
			if err != nil {
				t.Fatalf("InsertTracks: %v", err)
			}
			if diff := cmp.Diff(c.want, got); diff != "" {
				t.Errorf("unexpected outcome (-want +got):\n%s", diff)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unmet expectations: %v", err)
			}
		})
	}
}

func TestInsertTracksAllRejectedSkipsExec(t *testing.T) {
	s, mock := newMockStore(t)

	got, err := s.InsertTracks(context.Background(), []telemetry.TrackRecord{
		{KitID: "kit-1"}, // missing drone_id and time
	})
	if err != nil {
		t.Fatalf("InsertTracks: %v", err)
	}
	if diff := cmp.Diff(Outcome{Rejected: 1}, got); diff != "" {
		t.Errorf("unexpected outcome (-want +got):\n%s", diff)
	}
	// No Exec expectation was registered; any query would have failed.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestInsertSignalsOutcome(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO signals").
		WillReturnResult(sqlmock.NewResult(0, 1))

	got, err := s.InsertSignals(context.Background(), []telemetry.SignalRecord{
		{Time: now, KitID: "kit-1", FreqMHz: 5800, PowerDBm: f64(-62)},
		{Time: now, KitID: "kit-1"}, // no frequency
	})
	if err != nil {
		t.Fatalf("InsertSignals: %v", err)
	}
	if diff := cmp.Diff(Outcome{Inserted: 1, Rejected: 1}, got); diff != "" {
		t.Errorf("unexpected outcome (-want +got):\n%s", diff)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestInsertHealthOutcome(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO system_health").
		WillReturnResult(sqlmock.NewResult(0, 2))

	got, err := s.InsertHealth(context.Background(), []telemetry.HealthRecord{
		{Time: now, KitID: "kit-1", Lat: f64(51.5), Lon: f64(-0.1)},
		{Time: now.Add(time.Second), KitID: "kit-1"},
	})
	if err != nil {
		t.Fatalf("InsertHealth: %v", err)
	}
	if diff := cmp.Diff(Outcome{Inserted: 2}, got); diff != "" {
		t.Errorf("unexpected outcome (-want +got):\n%s", diff)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
