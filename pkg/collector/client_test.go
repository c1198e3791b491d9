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
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFetchRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`[{"id":"drone-1","lat":51.5,"lon":-0.1}]`))
	}))
	defer srv.Close()

	c := NewClient(nil, time.Second, 3)
	payloads, err := c.Drones(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Len(t, payloads, 1)
	require.EqualValues(t, 3, calls.Load())
}

func TestFetchDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(nil, time.Second, 3)
	_, err := c.Drones(context.Background(), srv.URL)
	require.Error(t, err)
	require.EqualValues(t, 1, calls.Load(), "4xx must fail without retry")
}

func TestFetchGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(nil, time.Second, 2)
	_, err := c.Signals(context.Background(), srv.URL)
	require.Error(t, err)
	require.EqualValues(t, 3, calls.Load(), "initial attempt plus two retries")
}

func TestStatusDecodesSingleObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/status", r.URL.Path)
		w.Write([]byte(`{"kit_id":"wardragon-7","latitude":51.5,"longitude":-0.1,"cpu_usage":41.5}`))
	}))
	defer srv.Close()

	c := NewClient(nil, time.Second, 0)
	payload, err := c.Status(context.Background(), srv.URL)
	require.NoError(t, err)
	id, ok := payload.KitID()
	require.True(t, ok)
	require.Equal(t, "wardragon-7", id)
}

func TestProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"uid":"wardragon-9"}`))
	}))
	defer srv.Close()

	c := NewClient(nil, time.Second, 0)

	res := c.Probe(context.Background(), srv.URL+"/")
	require.True(t, res.Success)
	require.Equal(t, "wardragon-9", res.KitID)
	require.Greater(t, res.ResponseTimeMS, 0.0)

	down := c.Probe(context.Background(), "http://127.0.0.1:1")
	require.False(t, down.Success)
	require.Empty(t, down.KitID)
	require.NotEmpty(t, down.Message)
}
