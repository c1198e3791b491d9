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

package collector

import (
	"testing"
	"time"

	"github.com/wardragon/analytics-engine/pkg/store"
)

func TestKitHealthStatus(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	stale, offline := 30*time.Second, 120*time.Second

	for _, c := range []struct {
		doc     string
		prepare func(h *KitHealth)
		want    string
	}{
		{
			doc:     "never polled is unknown",
			prepare: func(*KitHealth) {},
			want:    store.StatusUnknown,
		},
		{
			doc:     "polled but never succeeded is offline",
			prepare: func(h *KitHealth) { h.Failure(now.Add(-time.Second)) },
			want:    store.StatusOffline,
		},
		{
			doc:     "recent success is online",
			prepare: func(h *KitHealth) { h.Success(now.Add(-29 * time.Second)) },
			want:    store.StatusOnline,
		},
		{
			doc:     "success at the stale boundary is stale",
			prepare: func(h *KitHealth) { h.Success(now.Add(-30 * time.Second)) },
			want:    store.StatusStale,
		},
		{
			doc:     "success just under the offline boundary is stale",
			prepare: func(h *KitHealth) { h.Success(now.Add(-119 * time.Second)) },
			want:    store.StatusStale,
		},
		{
			doc:     "success at the offline boundary is offline",
			prepare: func(h *KitHealth) { h.Success(now.Add(-120 * time.Second)) },
			want:    store.StatusOffline,
		},
	} {
		t.Run(c.doc, func(t *testing.T) {
			h := &KitHealth{}
			c.prepare(h)
			if got := h.Status(now, stale, offline); got != c.want {
				t.Errorf("Status: got %q, want %q", got, c.want)
			}
		})
	}
}

func TestPollDelayBackoff(t *testing.T) {
	base, ceiling := 5*time.Second, 300*time.Second
	now := time.Now()

	h := &KitHealth{}
	want := []time.Duration{
		5 * time.Second,   // 0 failures
		10 * time.Second,  // 1
		20 * time.Second,  // 2
		40 * time.Second,  // 3
		80 * time.Second,  // 4
		160 * time.Second, // 5
		300 * time.Second, // 6: 320s capped at ceiling
		300 * time.Second, // 7: exponent capped
	}
	for k, w := range want {
		if got := h.PollDelay(base, ceiling); got != w {
			t.Errorf("PollDelay after %d failures: got %v, want %v", k, got, w)
		}
		h.Failure(now)
	}

	h.Success(now)
	if got := h.PollDelay(base, ceiling); got != base {
		t.Errorf("PollDelay after success: got %v, want %v", got, base)
	}
}
