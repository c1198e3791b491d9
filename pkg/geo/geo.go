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

// Package geo provides great-circle distance math shared by the pattern
// queries and the RSSI location estimator. All coordinates are WGS84
// decimal degrees.
package geo

import "math"

// EarthRadiusM is the spherical earth radius used throughout.
const EarthRadiusM = 6371000.0

// Distance returns the haversine distance in meters between two points.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusM * c
}

// DistanceOpt is the NULL-propagating form used by query code: if any input
// is missing the result is missing.
func DistanceOpt(lat1, lon1, lat2, lon2 *float64) *float64 {
	if lat1 == nil || lon1 == nil || lat2 == nil || lon2 == nil {
		return nil
	}
	d := Distance(*lat1, *lon1, *lat2, *lon2)
	return &d
}

// MetersPerDegree returns the local scale of one degree of latitude and
// longitude at the given latitude. Used to run gradient descent in a flat
// meter space around a reference point.
func MetersPerDegree(lat float64) (perLat, perLon float64) {
	perLat = 2 * math.Pi * EarthRadiusM / 360
	perLon = perLat * math.Cos(lat*math.Pi/180)
	if perLon < 1 {
		// Degenerate at the poles; keep the math finite.
		perLon = 1
	}
	return perLat, perLon
}
