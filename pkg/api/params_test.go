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
	"net/url"
	"testing"
	"time"
)

func TestParseTimeRange(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	for _, c := range []struct {
		doc     string
		value   string
		start   time.Time
		end     time.Time
		wantErr bool
	}{
		{
			doc:   "empty defaults to the last hour",
			value: "",
			start: now.Add(-time.Hour),
			end:   now,
		},
		{
			doc:   "hour token",
			value: "24h",
			start: now.Add(-24 * time.Hour),
			end:   now,
		},
		{
			doc:   "day token",
			value: "7d",
			start: now.Add(-7 * 24 * time.Hour),
			end:   now,
		},
		{
			doc:   "oversized window clamps to seven days",
			value: "30d",
			start: now.Add(-168 * time.Hour),
			end:   now,
		},
		{
			doc:   "custom range with explicit bounds",
			value: "custom:2026-08-24T00:00:00Z,2026-08-24T06:00:00Z",
			start: time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC),
			end:   time.Date(2026, 8, 24, 6, 0, 0, 0, time.UTC),
		},
		{
			doc:   "custom range accepts bare dates",
			value: "custom:2026-08-23,2026-08-24",
			start: time.Date(2026, 8, 23, 0, 0, 0, 0, time.UTC),
			end:   time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC),
		},
		{doc: "bare number is rejected", value: "24", wantErr: true},
		{doc: "garbage is rejected", value: "yesterday", wantErr: true},
		{doc: "zero duration is rejected", value: "0h", wantErr: true},
		{doc: "negative duration is rejected", value: "-2d", wantErr: true},
		{doc: "custom missing the end bound", value: "custom:2026-08-24T00:00:00Z", wantErr: true},
		{doc: "custom with unparseable start", value: "custom:noon,2026-08-24T06:00:00Z", wantErr: true},
		{doc: "custom end before start", value: "custom:2026-08-24T06:00:00Z,2026-08-24T00:00:00Z", wantErr: true},
	} {
		t.Run(c.doc, func(t *testing.T) {
			start, end, err := parseTimeRange(c.value, now, 168*time.Hour)
			if c.wantErr {
				if err == nil {
					t.Fatalf("parseTimeRange(%q) succeeded, want error", c.value)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseTimeRange(%q): %v", c.value, err)
			}
			if !start.Equal(c.start) || !end.Equal(c.end) {
				t.Errorf("got [%v, %v], want [%v, %v]", start, end, c.start, c.end)
			}
		})
	}
}

func TestIntParamBounds(t *testing.T) {
	q := url.Values{}
	if v, err := intParam(q, "limit", 1000, 1, 10000); err != nil || v != 1000 {
		t.Fatalf("default: got %d, %v", v, err)
	}
	q.Set("limit", "50")
	if v, err := intParam(q, "limit", 1000, 1, 10000); err != nil || v != 50 {
		t.Fatalf("explicit: got %d, %v", v, err)
	}
	q.Set("limit", "0")
	if _, err := intParam(q, "limit", 1000, 1, 10000); err == nil {
		t.Fatal("below minimum accepted")
	}
	q.Set("limit", "10001")
	if _, err := intParam(q, "limit", 1000, 1, 10000); err == nil {
		t.Fatal("above maximum accepted")
	}
	q.Set("limit", "lots")
	if _, err := intParam(q, "limit", 1000, 1, 10000); err == nil {
		t.Fatal("non-integer accepted")
	}
}

func TestBoolParam(t *testing.T) {
	q := url.Values{}
	if v, err := boolParam(q, "deduplicate", true); err != nil || !v {
		t.Fatalf("default: got %v, %v", v, err)
	}
	q.Set("deduplicate", "false")
	if v, err := boolParam(q, "deduplicate", true); err != nil || v {
		t.Fatalf("explicit: got %v, %v", v, err)
	}
	q.Set("deduplicate", "maybe")
	if _, err := boolParam(q, "deduplicate", true); err == nil {
		t.Fatal("non-boolean accepted")
	}
}

func TestCSVParam(t *testing.T) {
	q := url.Values{}
	if got := csvParam(q, "kit_id"); got != nil {
		t.Fatalf("missing param: got %v", got)
	}
	q.Set("kit_id", "kit-1, kit-2 ,,kit-3")
	got := csvParam(q, "kit_id")
	want := []string{"kit-1", "kit-2", "kit-3"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("element %d: got %q, want %q", i, got[i], want[i])
		}
	}
}
