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

package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/go-cmp/cmp"

	"github.com/wardragon/analytics-engine/pkg/store"
)

func TestStatusFor(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	stale, offline := 30*time.Second, 120*time.Second
	seen := func(age time.Duration) *time.Time {
		ts := now.Add(-age)
		return &ts
	}

	for _, c := range []struct {
		doc      string
		lastSeen *time.Time
		want     string
	}{
		{"never seen is unknown", nil, store.StatusUnknown},
		{"just seen is online", seen(0), store.StatusOnline},
		{"under the stale threshold is online", seen(29 * time.Second), store.StatusOnline},
		{"at the stale boundary is stale", seen(30 * time.Second), store.StatusStale},
		{"under the offline threshold is stale", seen(119 * time.Second), store.StatusStale},
		{"at the offline boundary is offline", seen(120 * time.Second), store.StatusOffline},
		{"long gone is offline", seen(24 * time.Hour), store.StatusOffline},
	} {
		t.Run(c.doc, func(t *testing.T) {
			if got := StatusFor(c.lastSeen, now, stale, offline); got != c.want {
				t.Errorf("StatusFor: got %q, want %q", got, c.want)
			}
		})
	}
}

func TestDeriveKitID(t *testing.T) {
	for _, c := range []struct {
		doc, url, want string
	}{
		{"host and port", "http://10.0.0.3:8080", "kit-10-0-0-3-8080"},
		{"hostname", "http://wardragon-west.local", "kit-wardragon-west-local"},
		{"unparseable", "://", ""},
	} {
		t.Run(c.doc, func(t *testing.T) {
			if got := DeriveKitID(c.url); got != c.want {
				t.Errorf("DeriveKitID(%q): got %q, want %q", c.url, got, c.want)
			}
		})
	}
}

func TestNormalizeURL(t *testing.T) {
	for _, c := range []struct {
		doc, in, want string
	}{
		{"scheme defaulted", "10.0.0.3:8080", "http://10.0.0.3:8080"},
		{"trailing slash stripped", "http://kit.local/", "http://kit.local"},
		{"https kept", "https://kit.local", "https://kit.local"},
		{"empty stays empty", "  ", ""},
	} {
		t.Run(c.doc, func(t *testing.T) {
			if got := NormalizeURL(c.in); got != c.want {
				t.Errorf("NormalizeURL(%q): got %q, want %q", c.in, got, c.want)
			}
		})
	}
}

func newMockRegistry(t *testing.T) (*Registry, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("creating sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(nil, store.NewWithDB(nil, db)), mock
}

func kitRows(ids ...string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"kit_id", "name", "location", "api_url", "source", "status",
		"enabled", "disabled_by_admin", "last_seen", "created_at",
	})
	for _, id := range ids {
		rows.AddRow(id, nil, nil, nil, "http", "unknown", true, false, nil, time.Now())
	}
	return rows
}

func TestApplyKitsFileSkipsExistingAndTombstoned(t *testing.T) {
	r, mock := newMockRegistry(t)

	// Seed the snapshot with kit-known.
	mock.ExpectQuery("SELECT .* FROM kits").WillReturnRows(kitRows("kit-known"))
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	// kit-dead is tombstoned: only its tombstone check runs, no insert.
	mock.ExpectQuery("SELECT EXISTS .*kit_tombstones").
		WithArgs("kit-dead").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	// kit-new passes the tombstone check and is created.
	mock.ExpectQuery("SELECT EXISTS .*kit_tombstones").
		WithArgs("kit-new").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("INSERT INTO kits").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM kit_tombstones").
		WillReturnResult(sqlmock.NewResult(0, 0))
	// Final refresh.
	mock.ExpectQuery("SELECT .* FROM kits").WillReturnRows(kitRows("kit-known", "kit-new"))

	err := r.ApplyKitsFile(context.Background(), []KitsFileEntry{
		{KitID: "kit-known", APIURL: "http://10.0.0.1:8080"},
		{KitID: "kit-dead", APIURL: "http://10.0.0.2:8080"},
		{KitID: "kit-new", APIURL: "http://10.0.0.3:8080"},
	})
	if err != nil {
		t.Fatalf("ApplyKitsFile: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}

	want := []string{"kit-known", "kit-new"}
	var got []string
	for _, k := range r.Snapshot().Kits {
		got = append(got, k.KitID)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected snapshot kits (-want +got):\n%s", diff)
	}
}

func TestAutoRegisterKnownSourceIsNoop(t *testing.T) {
	r, mock := newMockRegistry(t)
	mock.ExpectQuery("SELECT .* FROM kits").WillReturnRows(kitRows("kit-1"))
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	// kit-1 is already source=http; observing it over http again queries nothing.
	if err := r.AutoRegister(context.Background(), "kit-1", store.SourceHTTP); err != nil {
		t.Fatalf("AutoRegister: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestAutoRegisterPromotesHybrid(t *testing.T) {
	r, mock := newMockRegistry(t)
	mock.ExpectQuery("SELECT .* FROM kits").WillReturnRows(kitRows("kit-1"))
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	// Seen over mqtt while registered as http: the upsert runs (the lattice
	// in SQL promotes to both) and the snapshot refreshes.
	mock.ExpectQuery("SELECT EXISTS .*kit_tombstones").
		WithArgs("kit-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("INSERT INTO kits").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT .* FROM kits").WillReturnRows(kitRows("kit-1"))

	if err := r.AutoRegister(context.Background(), "kit-1", store.SourceMQTT); err != nil {
		t.Fatalf("AutoRegister: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestLoadKitsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kits.yaml")
	content := `
- kit_id: kit-alpha
  api_url: http://10.0.0.1:8080/
  name: Alpha
- api_url: 10.0.0.2:8080
  enabled: false
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	entries, err := LoadKitsFile(path)
	if err != nil {
		t.Fatalf("LoadKitsFile: %v", err)
	}
	disabled := false
	want := []KitsFileEntry{
		{KitID: "kit-alpha", APIURL: "http://10.0.0.1:8080", Name: "Alpha"},
		{KitID: "kit-10-0-0-2-8080", APIURL: "http://10.0.0.2:8080", Enabled: &disabled},
	}
	if diff := cmp.Diff(want, entries); diff != "" {
		t.Errorf("unexpected entries (-want +got):\n%s", diff)
	}
}

func TestLoadKitsFileMalformed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kits.yaml")
	if err := os.WriteFile(path, []byte("{not yaml"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadKitsFile(path); err == nil {
		t.Fatal("expected error for malformed kits file")
	}
}
