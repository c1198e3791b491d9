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
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/go-cmp/cmp"
)

func TestUpsertKitArgs(t *testing.T) {
	for _, c := range []struct {
		doc  string
		up   KitUpsert
		args []driverValue
	}{
		{
			doc: "auto-registration from the bus provides only id and source",
			up:  KitUpsert{KitID: "wardragon-42", Source: str(SourceMQTT), Enabled: boolp(true)},
			args: []driverValue{
				{"wardragon-42"}, {nil}, {nil}, {nil}, {SourceMQTT}, {true},
			},
		},
		{
			doc: "config load provides name and url, leaves enabled alone",
			up: KitUpsert{
				KitID:  "kit-field-3",
				Name:   str("Field 3"),
				APIURL: str("http://10.0.0.3:8080"),
				Source: str(SourceHTTP),
			},
			args: []driverValue{
				{"kit-field-3"}, {"Field 3"}, {nil}, {"http://10.0.0.3:8080"}, {SourceHTTP}, {nil},
			},
		},
	} {
		t.Run(c.doc, func(t *testing.T) {
			s, mock := newMockStore(t)
			vals := make([]driver.Value, 0, len(c.args))
			for _, a := range c.args {
				vals = append(vals, a)
			}
			mock.ExpectExec("INSERT INTO kits").
				WithArgs(vals...).
				WillReturnResult(sqlmock.NewResult(0, 1))

			if err := s.UpsertKit(context.Background(), c.up); err != nil {
				t.Fatalf("UpsertKit: %v", err)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unmet expectations: %v", err)
			}
		})
	}
}

func TestUpsertKitEmptyID(t *testing.T) {
	s, _ := newMockStore(t)
	if err := s.UpsertKit(context.Background(), KitUpsert{}); err == nil {
		t.Fatal("expected error for empty kit_id")
	}
}

func TestTouchKit(t *testing.T) {
	s, mock := newMockStore(t)
	seen := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec("UPDATE kits SET last_seen = GREATEST").
		WithArgs("kit-1", seen).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.TouchKit(context.Background(), "kit-1", seen); err != nil {
		t.Fatalf("TouchKit: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCreateKitDuplicate(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	err := s.CreateKit(context.Background(), Kit{KitID: "kit-1", Source: SourceHTTP, Enabled: true})
	if !errors.Is(err, ErrKitExists) {
		t.Fatalf("expected ErrKitExists, got %v", err)
	}
}

func TestUpdateKitNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE kits SET").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.UpdateKit(context.Background(), "no-such-kit", KitUpdate{Name: str("x")})
	if !errors.Is(err, ErrKitNotFound) {
		t.Fatalf("expected ErrKitNotFound, got %v", err)
	}
}

func TestDeleteKitCascade(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM kits").
		WithArgs("kit-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO kit_tombstones").
		WithArgs("kit-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM drones").
		WithArgs("kit-1").
		WillReturnResult(sqlmock.NewResult(0, 120))
	mock.ExpectExec("DELETE FROM signals").
		WithArgs("kit-1").
		WillReturnResult(sqlmock.NewResult(0, 40))
	mock.ExpectExec("DELETE FROM system_health").
		WithArgs("kit-1").
		WillReturnResult(sqlmock.NewResult(0, 7))

	counts, err := s.DeleteKit(context.Background(), "kit-1", true)
	if err != nil {
		t.Fatalf("DeleteKit: %v", err)
	}
	want := &DeletedData{Tracks: 120, Signals: 40, Health: 7}
	if diff := cmp.Diff(want, counts); diff != "" {
		t.Errorf("unexpected counts (-want +got):\n%s", diff)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestDeleteKitNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM kits").
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := s.DeleteKit(context.Background(), "ghost", false)
	if !errors.Is(err, ErrKitNotFound) {
		t.Fatalf("expected ErrKitNotFound, got %v", err)
	}
}

// driverValue matches one exec argument, nil meaning SQL NULL.
type driverValue struct{ v any }

func (d driverValue) Match(v driver.Value) bool {
	if d.v == nil {
		return v == nil
	}
	return cmp.Equal(d.v, v)
}

func boolp(v bool) *bool { return &v }
