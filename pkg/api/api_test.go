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
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/wardragon/analytics-engine/pkg/collector"
	"github.com/wardragon/analytics-engine/pkg/registry"
	"github.com/wardragon/analytics-engine/pkg/store"
)

func newTestServer(t *testing.T) (*Server, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	st := store.NewWithDB(nil, db)
	reg := registry.New(nil, st)
	probe := collector.NewClient(nil, time.Second, 0)
	return New(nil, st, reg, probe, Options{}), mock
}

func doRequest(t *testing.T, s *Server, method, target string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
	return out
}

// trackCols mirrors the column order of the track queries.
var trackCols = []string{
	"time", "kit_id", "drone_id", "track_type",
	"lat", "lon", "alt",
	"speed", "heading", "vspeed", "height", "direction",
	"pilot_lat", "pilot_lon", "home_lat", "home_lon",
	"mac", "rssi", "freq",
	"ua_type", "operator_id", "caa_id", "rid_make", "rid_model", "rid_source",
	"op_status", "runtime", "id_type",
}

func addTrackRow(rows *sqlmock.Rows, at time.Time, kitID, droneID string, lat, lon, rssi float64) {
	rows.AddRow(
		at, kitID, droneID, "drone",
		lat, lon, 100.0,
		5.0, nil, nil, nil, nil,
		nil, nil, nil, nil,
		nil, rssi, 2437.0,
		nil, nil, nil, nil, nil, nil,
		nil, nil, nil,
	)
}

func TestHealth(t *testing.T) {
	s, mock := newTestServer(t)
	mock.ExpectQuery("SELECT 1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	rec := doRequest(t, s, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", rec.Code)
	}
	if got := decodeBody(t, rec)["status"]; got != "healthy" {
		t.Errorf("status field %v, want healthy", got)
	}
}

func TestHealthDatabaseDown(t *testing.T) {
	s, mock := newTestServer(t)
	mock.ExpectQuery("SELECT 1").WillReturnError(errors.New("connection refused"))

	rec := doRequest(t, s, http.MethodGet, "/health", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d, want 503", rec.Code)
	}
}

func TestDronesCounts(t *testing.T) {
	s, mock := newTestServer(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows(trackCols)
	addTrackRow(rows, now.Add(-time.Minute), "kit-1", "drone-a", 51.5, -0.1, -60)
	addTrackRow(rows, now.Add(-2*time.Minute), "kit-1", "drone-b", 51.6, -0.2, -70)
	mock.ExpectQuery("SELECT DISTINCT ON").WillReturnRows(rows)
	mock.ExpectQuery("SELECT count").
		WillReturnRows(sqlmock.NewRows([]string{"total_detections", "unique_drones"}).AddRow(7, 2))

	rec := doRequest(t, s, http.MethodGet, "/api/drones", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if got := body["count"].(float64); got != 2 {
		t.Errorf("count = %v, want 2 unique drones", got)
	}
	if got := body["total_detections"].(float64); got != 7 {
		t.Errorf("total_detections = %v, want the raw row count 7", got)
	}
	if got := len(body["drones"].([]any)); got != 2 {
		t.Errorf("returned %d rows, want 2", got)
	}
}

func TestDronesRejectsBadTimeRange(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/api/drones?time_range=yesterday", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
	if _, ok := decodeBody(t, rec)["detail"]; !ok {
		t.Error("error body carries no detail field")
	}
}

func TestExportCSVEmptyResult(t *testing.T) {
	s, mock := newTestServer(t)
	mock.ExpectQuery("SELECT (.+) FROM drones").WillReturnRows(sqlmock.NewRows(trackCols))

	rec := doRequest(t, s, http.MethodGet, "/api/export/csv", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.HasPrefix(cd, "attachment; filename=wardragon_drones_") {
		t.Errorf("Content-Disposition = %q", cd)
	}
	want := strings.Join(csvHeader, ",") + "\n"
	if rec.Body.String() != want {
		t.Errorf("empty export body = %q, want header only", rec.Body.String())
	}
}

func TestCreateKitConflict(t *testing.T) {
	kit := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"kit_id": "kit-9"}`))
	}))
	defer kit.Close()

	s, mock := newTestServer(t)
	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	rec := doRequest(t, s, http.MethodPost, "/api/admin/kits/", `{"api_url": "`+kit.URL+`"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}
	if detail := decodeBody(t, rec)["detail"]; detail != "Kit already exists with ID: kit-9" {
		t.Errorf("detail = %v", detail)
	}
}

func TestCreateKitRequiresURL(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/api/admin/kits/", `{"kit_id": "kit-1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
}

func TestUpdateKitNotFound(t *testing.T) {
	s, mock := newTestServer(t)
	mock.ExpectExec("UPDATE kits SET").WillReturnResult(sqlmock.NewResult(0, 0))

	rec := doRequest(t, s, http.MethodPut, "/api/admin/kits/no-such-kit", `{"name": "x"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}
	if detail := decodeBody(t, rec)["detail"]; detail != "Kit not found: no-such-kit" {
		t.Errorf("detail = %v", detail)
	}
}

func TestEstimateLocationNoObservations(t *testing.T) {
	s, mock := newTestServer(t)
	mock.ExpectQuery("SELECT (.+) FROM drones").WillReturnRows(sqlmock.NewRows(trackCols))

	rec := doRequest(t, s, http.MethodGet,
		"/api/analysis/estimate-location/drone-x?timestamp=2026-08-25T12:00:00Z", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}
	detail := decodeBody(t, rec)["detail"].(string)
	if !strings.Contains(detail, "No observations found for drone drone-x") {
		t.Errorf("detail = %q", detail)
	}
}

func TestEstimateLocationRejectsBadTimestamp(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet,
		"/api/analysis/estimate-location/drone-x?timestamp=noon", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
}

func TestRepeatedDronesEndpoint(t *testing.T) {
	s, mock := newTestServer(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows(trackCols)
	addTrackRow(rows, now.Add(-30*time.Minute), "kit-1", "drone-a", 51.5, -0.1, -60)
	addTrackRow(rows, now.Add(-10*time.Minute), "kit-1", "drone-a", 51.51, -0.1, -62)
	addTrackRow(rows, now.Add(-5*time.Minute), "kit-1", "drone-b", 51.6, -0.2, -70)
	mock.ExpectQuery("SELECT (.+) FROM drones").WillReturnRows(rows)

	rec := doRequest(t, s, http.MethodGet, "/api/patterns/repeated-drones", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if got := body["count"].(float64); got != 1 {
		t.Errorf("count = %v, want only the drone seen twice", got)
	}
	if got := body["min_appearances"].(float64); got != 2 {
		t.Errorf("min_appearances echo = %v, want 2", got)
	}
}

func TestLoiteringRequiresCenter(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/api/patterns/loitering", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
	if detail := decodeBody(t, rec)["detail"]; detail != "lat is required" {
		t.Errorf("detail = %v", detail)
	}
}

func TestPatternParamBounds(t *testing.T) {
	s, _ := newTestServer(t)
	for _, target := range []string{
		"/api/patterns/repeated-drones?time_window_hours=0",
		"/api/patterns/coordinated?distance_threshold_m=1",
		"/api/patterns/anomalies?time_window_hours=48",
		"/api/patterns/night-activity?night_start_hour=24",
	} {
		rec := doRequest(t, s, http.MethodGet, target, "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status %d, want 400", target, rec.Code)
		}
	}
}
