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
	"sync"
	"time"

	"github.com/wardragon/analytics-engine/pkg/store"
)

// backoffExpCap bounds the doubling, so the delay law is
// min(base * 2^min(failures, 6), ceiling).
const backoffExpCap = 6

// KitHealth tracks one polling loop's success history. The derived status
// and poll delay are pure functions of this state, which keeps them
// testable against the boundary definitions.
type KitHealth struct {
	mu sync.Mutex

	consecutiveSuccesses int
	consecutiveFailures  int
	lastSuccessAt        time.Time
	lastPollAt           time.Time
}

// Success records a successful tick.
func (h *KitHealth) Success(at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutiveSuccesses++
	h.consecutiveFailures = 0
	h.lastSuccessAt = at
	h.lastPollAt = at
}

// Failure records a failed tick.
func (h *KitHealth) Failure(at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutiveFailures++
	h.consecutiveSuccesses = 0
	h.lastPollAt = at
}

// ConsecutiveFailures returns the current failure streak.
func (h *KitHealth) ConsecutiveFailures() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.consecutiveFailures
}

// LastSuccess returns when the kit last answered, zero if never.
func (h *KitHealth) LastSuccess() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastSuccessAt
}

// Status classifies the loop: online under the stale threshold, stale under
// the offline threshold, offline beyond it. A loop that never succeeded is
// offline once it has polled, unknown before that.
func (h *KitHealth) Status(now time.Time, staleAfter, offlineAfter time.Duration) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lastSuccessAt.IsZero() {
		if h.lastPollAt.IsZero() {
			return store.StatusUnknown
		}
		return store.StatusOffline
	}
	age := now.Sub(h.lastSuccessAt)
	switch {
	case age < staleAfter:
		return store.StatusOnline
	case age < offlineAfter:
		return store.StatusStale
	default:
		return store.StatusOffline
	}
}

// PollDelay returns the next sleep: the base interval doubled per
// consecutive failure, capped at the ceiling. Success resets to base.
func (h *KitHealth) PollDelay(base, ceiling time.Duration) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	exp := h.consecutiveFailures
	if exp > backoffExpCap {
		exp = backoffExpCap
	}
	d := base << uint(exp)
	if d > ceiling {
		d = ceiling
	}
	return d
}
