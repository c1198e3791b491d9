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

package bus

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/wardragon/analytics-engine/pkg/registry"
	"github.com/wardragon/analytics-engine/pkg/store"
	"github.com/wardragon/analytics-engine/pkg/telemetry"
)

func TestTopicClass(t *testing.T) {
	for _, c := range []struct {
		topic, want string
	}{
		{"drones", "drones"},
		{"drone/drone-abc", "drones"},
		{"aircraft", "aircraft"},
		{"signals", "signals"},
		{"system/attrs", "system"},
		{"something/else", "other"},
	} {
		if got := topicClass(c.topic); got != c.want {
			t.Errorf("topicClass(%q): got %q, want %q", c.topic, got, c.want)
		}
	}
}

func newTestSubscriber(t *testing.T) (*Subscriber, sqlmock.Sqlmock, func() error) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := store.NewWithDB(nil, db)
	reg := registry.New(nil, s)
	w := store.NewWriter(nil, s, store.Options{BatchSize: 100, BatchDelay: time.Hour, QueueSize: 16})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	sub := New(nil, w, reg, Options{TopicPrefix: "wardragon"})
	sub.ctx = ctx

	finish := func() error {
		cancel()
		return <-done
	}
	return sub, mock, finish
}

func TestIngestDroneAutoRegisters(t *testing.T) {
	sub, mock, finish := newTestSubscriber(t)

	// Unknown kit: tombstone check, upsert, snapshot refresh.
	mock.ExpectQuery("SELECT EXISTS .*kit_tombstones").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("INSERT INTO kits").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT .* FROM kits").
		WillReturnRows(sqlmock.NewRows([]string{
			"kit_id", "name", "location", "api_url", "source", "status",
			"enabled", "disabled_by_admin", "last_seen", "created_at",
		}).AddRow("wardragon-5", nil, nil, nil, "mqtt", "unknown", true, false, nil, time.Now()))
	// Shutdown flush: the track insert and the touch.
	mock.ExpectExec("INSERT INTO drones").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE kits SET last_seen").WillReturnResult(sqlmock.NewResult(0, 1))

	err := sub.ingest("drones", telemetry.Payload{
		"seen_by": "wardragon-5",
		"id":      "drone-77",
		"lat":     51.5,
		"lon":     -0.1,
	})
	require.NoError(t, err)
	require.NoError(t, finish())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIngestDropsPayloadWithoutKitID(t *testing.T) {
	sub, mock, finish := newTestSubscriber(t)

	err := sub.ingest("drones", telemetry.Payload{"id": "drone-1", "lat": 1.0})
	require.NoError(t, err)
	require.NoError(t, finish())
	// Nothing was expected and nothing may have run.
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIngestHealthAppliesBusRemap(t *testing.T) {
	sub, mock, finish := newTestSubscriber(t)

	// wardragon-3 already known as mqtt: no registration queries.
	mock.ExpectQuery("SELECT EXISTS .*kit_tombstones").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("INSERT INTO kits").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT .* FROM kits").
		WillReturnRows(sqlmock.NewRows([]string{
			"kit_id", "name", "location", "api_url", "source", "status",
			"enabled", "disabled_by_admin", "last_seen", "created_at",
		}).AddRow("wardragon-3", nil, nil, nil, "mqtt", "unknown", true, false, nil, time.Now()))
	mock.ExpectExec("INSERT INTO system_health").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE kits SET last_seen").WillReturnResult(sqlmock.NewResult(0, 1))

	err := sub.ingest("system", telemetry.Payload{
		"id":                  "wardragon-3",
		"latitude":            51.5,
		"longitude":           -0.1,
		"cpu_usage":           42.0,
		"memory_total_mb":     8000.0,
		"memory_available_mb": 2000.0,
		"uptime_s":            7200.0,
	})
	require.NoError(t, err)
	require.NoError(t, finish())
	require.NoError(t, mock.ExpectationsWereMet())
}
