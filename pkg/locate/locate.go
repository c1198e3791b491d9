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

// Package locate estimates a drone position from per-kit RSSI readings and
// scores how plausible the drone's self-reported GPS position is against
// that estimate. Distances come from the log-distance path-loss model; with
// three or more kits the position is refined by gradient descent on the
// range residuals.
package locate

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/wardragon/analytics-engine/pkg/geo"
)

// Estimated distances are clamped to this range: below 10m the path-loss
// model is meaningless, above 10km the kit could not have heard the drone.
const (
	minDistanceM = 10
	maxDistanceM = 10000
)

// ErrNoObservations is returned when no observation carries a kit position.
var ErrNoObservations = errors.New("no observations with kit positions")

// Algorithm names reported in results, chosen by observation count.
const (
	AlgorithmSingleKit      = "single_kit"
	AlgorithmTwoKitWeighted = "two_kit_weighted"
	AlgorithmTrilateration  = "trilateration"
)

// Params are the path-loss and solver parameters. The zero TxPowerDBm is
// the real default (drone transmitters are modelled at 0 dBm).
type Params struct {
	TxPowerDBm       float64
	PathLossExponent float64
	MaxIterations    int
	ToleranceM       float64
}

// DefaultParams returns the parameters used when a request overrides none.
func DefaultParams() Params {
	return Params{
		TxPowerDBm:       0,
		PathLossExponent: 2.5,
		MaxIterations:    100,
		ToleranceM:       1,
	}
}

// Observation is one kit's sighting of the drone: the strongest RSSI the
// kit reported in the window, plus the kit's own position at that time.
type Observation struct {
	KitID  string
	Time   time.Time
	RSSI   float64
	KitLat float64
	KitLon float64
}

// Point is a WGS84 position.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// KitDistance is the modelled drone distance from one kit.
type KitDistance struct {
	KitID     string  `json:"kit_id"`
	DistanceM float64 `json:"distance_m"`
}

// Result is a position estimate with its expected accuracy.
type Result struct {
	Algorithm         string        `json:"algorithm"`
	Position          Point         `json:"estimated"`
	ConfidenceRadiusM float64       `json:"confidence_radius_m"`
	Distances         []KitDistance `json:"estimated_distances"`
}

// DistanceFromRSSI converts a received signal strength to an estimated
// distance via d = 10^((TxPower-RSSI)/(10n)), clamped to [10m, 10km].
// An RSSI at or above the transmit power collapses to the minimum.
func DistanceFromRSSI(rssi float64, p Params) float64 {
	if rssi >= p.TxPowerDBm {
		return minDistanceM
	}
	d := math.Pow(10, (p.TxPowerDBm-rssi)/(10*p.PathLossExponent))
	return math.Max(minDistanceM, math.Min(maxDistanceM, d))
}

// Estimate computes the drone position from the given observations. The
// algorithm depends on how many kits saw the drone: one kit can only place
// it near that kit, two kits give a point on the line between them, three
// or more trilaterate.
func Estimate(obs []Observation, p Params) (*Result, error) {
	if len(obs) == 0 {
		return nil, ErrNoObservations
	}
	switch len(obs) {
	case 1:
		return singleKit(obs[0], p), nil
	case 2:
		return twoKitWeighted(obs[0], obs[1], p), nil
	default:
		return trilaterate(obs, p), nil
	}
}

func singleKit(o Observation, p Params) *Result {
	d := DistanceFromRSSI(o.RSSI, p)
	return &Result{
		Algorithm:         AlgorithmSingleKit,
		Position:          Point{Lat: o.KitLat, Lon: o.KitLon},
		ConfidenceRadiusM: d,
		Distances:         []KitDistance{{KitID: o.KitID, DistanceM: d}},
	}
}

// twoKitWeighted places the estimate on the line between the two kits,
// pulled toward the closer one with weight 1/d. Two ranges cannot fix a
// unique point, so the confidence radius is the mean estimated distance.
func twoKitWeighted(a, b Observation, p Params) *Result {
	da := DistanceFromRSSI(a.RSSI, p)
	db := DistanceFromRSSI(b.RSSI, p)

	wa, wb := 1/da, 1/db
	total := wa + wb

	return &Result{
		Algorithm: AlgorithmTwoKitWeighted,
		Position: Point{
			Lat: (a.KitLat*wa + b.KitLat*wb) / total,
			Lon: (a.KitLon*wa + b.KitLon*wb) / total,
		},
		ConfidenceRadiusM: (da + db) / 2,
		Distances: []KitDistance{
			{KitID: a.KitID, DistanceM: da},
			{KitID: b.KitID, DistanceM: db},
		},
	}
}

// trilaterate refines an inverse-distance weighted centroid by gradient
// descent on the range residuals ||p-kit_i|| - d_i. Steps are small
// (0.5m-equivalent, decaying) so inconsistent ranges leave the estimate
// near the centroid instead of chasing a distant least-squares minimum.
// The confidence radius is the RMS range residual at the final position.
func trilaterate(obs []Observation, p Params) *Result {
	dists := make([]float64, len(obs))
	kitDists := make([]KitDistance, len(obs))
	var totalWeight, estLat, estLon, refLat float64
	for i, o := range obs {
		dists[i] = DistanceFromRSSI(o.RSSI, p)
		kitDists[i] = KitDistance{KitID: o.KitID, DistanceM: dists[i]}
		w := 1 / dists[i]
		totalWeight += w
		estLat += o.KitLat * w
		estLon += o.KitLon * w
		refLat += o.KitLat
	}
	estLat /= totalWeight
	estLon /= totalWeight
	refLat /= float64(len(obs))

	perLat, perLon := geo.MetersPerDegree(refLat)

	learningRate := 0.5
	for iter := 0; iter < p.MaxIterations; iter++ {
		var gradLat, gradLon float64
		for i, o := range obs {
			cur := geo.Distance(estLat, estLon, o.KitLat, o.KitLon)
			if cur < 1 {
				cur = 1
			}
			residual := cur - dists[i]
			gradLat += residual * (o.KitLat - estLat) / cur
			gradLon += residual * (o.KitLon - estLon) / cur
		}
		stepLat := learningRate * gradLat / perLat
		stepLon := learningRate * gradLon / perLon
		estLat += stepLat
		estLon += stepLon

		if math.Hypot(stepLat*perLat, stepLon*perLon) < p.ToleranceM {
			break
		}
		if iter > 50 {
			learningRate *= 0.99
		}
	}

	var sumSq float64
	for i, o := range obs {
		r := geo.Distance(estLat, estLon, o.KitLat, o.KitLon) - dists[i]
		sumSq += r * r
	}

	return &Result{
		Algorithm:         AlgorithmTrilateration,
		Position:          Point{Lat: estLat, Lon: estLon},
		ConfidenceRadiusM: math.Sqrt(sumSq / float64(len(obs))),
		Distances:         kitDists,
	}
}

// Spoofing grades the gap between a drone's reported GPS position and the
// RSSI estimate.
type Spoofing struct {
	Score     float64 `json:"spoofing_score"`
	Suspected bool    `json:"spoofing_suspected"`
	Reason    string  `json:"spoofing_reason,omitempty"`
}

// SpoofScore maps the ratio r = error / max(confidence, 1) onto a
// saturating 0..1 score: within the confidence radius scores below 0.3,
// r in (1,3] is worth monitoring, (3,6] is suspicious, and beyond 6 the
// score approaches 1. The curve is continuous and strictly increasing,
// and zero exactly when the error is zero.
func SpoofScore(errorM, confidenceM float64) Spoofing {
	r := errorM / math.Max(confidenceM, 1)

	var score float64
	switch {
	case r <= 1:
		score = 0.3 * r
	case r <= 3:
		score = 0.3 + 0.1*(r-1)
	case r <= 6:
		score = 0.5 + 0.2*(r-3)/3
	default:
		score = 0.7 + 0.3*(1-6/r)
	}

	s := Spoofing{Score: score, Suspected: score >= 0.5}
	switch {
	case s.Suspected:
		s.Reason = fmt.Sprintf("Position error (%.0fm) is %.1fx the expected accuracy (%.0fm)", errorM, r, confidenceM)
	case score >= 0.3:
		s.Reason = fmt.Sprintf("Position deviation (%.0fm) is outside expected accuracy - warrants monitoring", errorM)
	}
	return s
}
