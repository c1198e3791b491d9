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
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// paramError is a 400 with a field-naming detail.
type paramError struct{ detail string }

func (e *paramError) Error() string { return e.detail }

func paramErrorf(format string, args ...any) *paramError {
	return &paramError{detail: fmt.Sprintf(format, args...)}
}

// parseTimeRange parses the time_range parameter: "<N>h", "<N>d" or
// "custom:<ISO start>,<ISO end>". Empty means the default of one hour.
// Malformed input is an error, never a silent fallback. The start is
// clamped so the window never exceeds max.
func parseTimeRange(value string, now time.Time, max time.Duration) (start, end time.Time, err error) {
	if value == "" {
		value = "1h"
	}

	if rest, ok := strings.CutPrefix(value, "custom:"); ok {
		parts := strings.SplitN(rest, ",", 2)
		if len(parts) != 2 {
			return start, end, paramErrorf("time_range custom format is custom:<start>,<end>")
		}
		start, err = parseISOTime(parts[0])
		if err != nil {
			return start, end, paramErrorf("time_range: invalid start %q", parts[0])
		}
		end, err = parseISOTime(parts[1])
		if err != nil {
			return start, end, paramErrorf("time_range: invalid end %q", parts[1])
		}
		if !end.After(start) {
			return start, end, paramErrorf("time_range: end must be after start")
		}
		return clampRange(start, end, max), end, nil
	}

	unit := time.Hour
	numeric := strings.TrimSuffix(value, "h")
	if d, ok := strings.CutSuffix(value, "d"); ok {
		unit = 24 * time.Hour
		numeric = d
	} else if numeric == value {
		return start, end, paramErrorf("time_range must be <N>h, <N>d or custom:<start>,<end>")
	}
	n, err := strconv.Atoi(numeric)
	if err != nil || n <= 0 {
		return start, end, paramErrorf("time_range: invalid duration %q", value)
	}
	end = now
	return clampRange(now.Add(-time.Duration(n)*unit), end, max), end, nil
}

func clampRange(start, end time.Time, max time.Duration) time.Time {
	if end.Sub(start) > max {
		return end.Add(-max)
	}
	return start
}

// parseISOTime accepts RFC3339 with or without an offset.
func parseISOTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", s)
}

// intParam parses an integer query parameter with inclusive bounds.
func intParam(q url.Values, name string, def, min, max int) (int, error) {
	raw := q.Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, paramErrorf("%s must be an integer", name)
	}
	if v < min || v > max {
		return 0, paramErrorf("%s must be between %d and %d", name, min, max)
	}
	return v, nil
}

// floatParam parses a float query parameter with inclusive bounds.
func floatParam(q url.Values, name string, def, min, max float64) (float64, error) {
	raw := q.Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, paramErrorf("%s must be a number", name)
	}
	if v < min || v > max {
		return 0, paramErrorf("%s must be between %g and %g", name, min, max)
	}
	return v, nil
}

// requiredFloatParam parses a mandatory float query parameter.
func requiredFloatParam(q url.Values, name string) (float64, error) {
	raw := q.Get(name)
	if raw == "" {
		return 0, paramErrorf("%s is required", name)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, paramErrorf("%s must be a number", name)
	}
	return v, nil
}

// boolParam parses a boolean query parameter.
func boolParam(q url.Values, name string, def bool) (bool, error) {
	raw := q.Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, paramErrorf("%s must be true or false", name)
	}
	return v, nil
}

// csvParam splits a comma-separated parameter into trimmed values.
func csvParam(q url.Values, name string) []string {
	raw := q.Get(name)
	if raw == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(raw, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
