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
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Kit source and status values.
const (
	SourceHTTP = "http"
	SourceMQTT = "mqtt"
	SourceBoth = "both"

	StatusOnline  = "online"
	StatusStale   = "stale"
	StatusOffline = "offline"
	StatusError   = "error"
	StatusUnknown = "unknown"
)

var (
	// ErrKitExists is returned by CreateKit when the id or URL is taken.
	ErrKitExists = errors.New("kit already exists")
	// ErrKitNotFound is returned for operations on an unknown kit.
	ErrKitNotFound = errors.New("kit not found")
)

// Kit is one registered field sensor unit.
type Kit struct {
	KitID           string     `db:"kit_id" json:"kit_id"`
	Name            *string    `db:"name" json:"name"`
	Location        *string    `db:"location" json:"location"`
	APIURL          *string    `db:"api_url" json:"api_url"`
	Source          string     `db:"source" json:"source"`
	Status          string     `db:"status" json:"status"`
	Enabled         bool       `db:"enabled" json:"enabled"`
	DisabledByAdmin bool       `db:"disabled_by_admin" json:"-"`
	LastSeen        *time.Time `db:"last_seen" json:"last_seen"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
}

// KitUpsert carries the fields of an upsert; nil fields are left untouched
// on an existing row (last-writer-wins applies only to provided fields).
type KitUpsert struct {
	KitID    string
	Name     *string
	Location *string
	APIURL   *string
	Source   *string
	Enabled  *bool
}

const kitColumns = "kit_id, name, location, api_url, source, status, enabled, disabled_by_admin, last_seen, created_at"

// UpsertKit inserts the kit if absent, otherwise updates exactly the
// provided fields. The source column follows a monotone lattice: observing a
// second ingest path promotes it to 'both', and 'both' is absorbing.
func (s *Store) UpsertKit(ctx context.Context, k KitUpsert) error {
	if k.KitID == "" {
		return errors.New("upsert kit: empty kit_id")
	}
	const q = `
INSERT INTO kits (kit_id, name, location, api_url, source, enabled)
VALUES ($1, $2, $3, $4, COALESCE($5, 'http'), COALESCE($6, true))
ON CONFLICT (kit_id) DO UPDATE SET
    name     = COALESCE($2, kits.name),
    location = COALESCE($3, kits.location),
    api_url  = COALESCE($4, kits.api_url),
    enabled  = COALESCE($6, kits.enabled),
    source   = CASE
        WHEN $5 IS NULL THEN kits.source
        WHEN kits.source = 'both' OR kits.source <> $5 THEN 'both'
        ELSE kits.source
    END`
	err := s.withRetry(ctx, "upsert kit", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, q, k.KitID, k.Name, k.Location, k.APIURL, k.Source, k.Enabled)
		return err
	})
	if err != nil {
		return fmt.Errorf("upserting kit %q: %w", k.KitID, err)
	}
	return nil
}

// TouchKit advances last_seen, never moving it backwards.
func (s *Store) TouchKit(ctx context.Context, kitID string, seenAt time.Time) error {
	const q = `
UPDATE kits SET last_seen = GREATEST(COALESCE(last_seen, 'epoch'::timestamptz), $2)
WHERE kit_id = $1`
	err := s.withRetry(ctx, "touch kit", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, q, kitID, seenAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("touching kit %q: %w", kitID, err)
	}
	return nil
}

// ListKits returns all kits ordered by display name, id as tiebreak.
func (s *Store) ListKits(ctx context.Context) ([]Kit, error) {
	var kits []Kit
	err := s.db.SelectContext(ctx, &kits,
		"SELECT "+kitColumns+" FROM kits ORDER BY COALESCE(name, kit_id), kit_id")
	if err != nil {
		return nil, fmt.Errorf("listing kits: %w", err)
	}
	return kits, nil
}

// GetKit returns one kit or ErrKitNotFound.
func (s *Store) GetKit(ctx context.Context, kitID string) (*Kit, error) {
	var k Kit
	err := s.db.GetContext(ctx, &k,
		"SELECT "+kitColumns+" FROM kits WHERE kit_id = $1", kitID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKitNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting kit %q: %w", kitID, err)
	}
	return &k, nil
}

// CreateKit inserts a brand-new kit for an explicit admin request. Both the
// id and the API URL must be free; an admin create also clears any
// tombstone left by a previous delete.
func (s *Store) CreateKit(ctx context.Context, k Kit) error {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `
SELECT EXISTS (
    SELECT 1 FROM kits WHERE kit_id = $1 OR (api_url IS NOT NULL AND api_url = $2)
)`, k.KitID, k.APIURL)
	if err != nil {
		return fmt.Errorf("checking kit existence: %w", err)
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrKitExists, k.KitID)
	}
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO kits (kit_id, name, location, api_url, source, enabled)
VALUES ($1, $2, $3, $4, $5, $6)`,
		k.KitID, k.Name, k.Location, k.APIURL, k.Source, k.Enabled); err != nil {
		return fmt.Errorf("creating kit %q: %w", k.KitID, err)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM kit_tombstones WHERE kit_id = $1", k.KitID); err != nil {
		return fmt.Errorf("clearing tombstone for %q: %w", k.KitID, err)
	}
	return nil
}

// KitUpdate is a partial admin update; nil fields are untouched.
// Disabling a kit records disabled_by_admin so the kits file cannot
// re-enable it behind the admin's back.
type KitUpdate struct {
	Name     *string
	Location *string
	APIURL   *string
	Enabled  *bool
}

// UpdateKit applies a partial admin update, returning ErrKitNotFound for an
// unknown id.
func (s *Store) UpdateKit(ctx context.Context, kitID string, u KitUpdate) error {
	const q = `
UPDATE kits SET
    name              = COALESCE($2, name),
    location          = COALESCE($3, location),
    api_url           = COALESCE($4, api_url),
    enabled           = COALESCE($5, enabled),
    disabled_by_admin = CASE
        WHEN $5 IS NULL THEN disabled_by_admin
        WHEN $5 THEN false
        ELSE true
    END
WHERE kit_id = $1`
	res, err := s.db.ExecContext(ctx, q, kitID, u.Name, u.Location, u.APIURL, u.Enabled)
	if err != nil {
		return fmt.Errorf("updating kit %q: %w", kitID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrKitNotFound
	}
	return nil
}

// DeletedData reports per-table row counts removed by a cascading delete.
type DeletedData struct {
	Tracks  int64 `json:"tracks"`
	Signals int64 `json:"signals"`
	Health  int64 `json:"health"`
}

// DeleteKit removes a kit and writes its tombstone. With deleteData set its
// telemetry rows are removed as well and the counts reported.
func (s *Store) DeleteKit(ctx context.Context, kitID string, deleteData bool) (*DeletedData, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM kits WHERE kit_id = $1", kitID)
	if err != nil {
		return nil, fmt.Errorf("deleting kit %q: %w", kitID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrKitNotFound
	}
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO kit_tombstones (kit_id) VALUES ($1)
ON CONFLICT (kit_id) DO UPDATE SET deleted_at = now()`, kitID); err != nil {
		return nil, fmt.Errorf("writing tombstone for %q: %w", kitID, err)
	}
	if !deleteData {
		return nil, nil
	}

	var counts DeletedData
	for _, d := range []struct {
		table string
		dst   *int64
	}{
		{"drones", &counts.Tracks},
		{"signals", &counts.Signals},
		{"system_health", &counts.Health},
	} {
		res, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE kit_id = $1", d.table), kitID)
		if err != nil {
			return nil, fmt.Errorf("deleting %s rows of kit %q: %w", d.table, kitID, err)
		}
		if *d.dst, err = res.RowsAffected(); err != nil {
			return nil, err
		}
	}
	return &counts, nil
}

// Tombstoned reports whether an admin previously deleted this kit id.
func (s *Store) Tombstoned(ctx context.Context, kitID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS (SELECT 1 FROM kit_tombstones WHERE kit_id = $1)", kitID)
	if err != nil {
		return false, fmt.Errorf("checking tombstone for %q: %w", kitID, err)
	}
	return exists, nil
}

// SetKitStatus persists a supervisor-derived status change.
func (s *Store) SetKitStatus(ctx context.Context, kitID, status string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE kits SET status = $2 WHERE kit_id = $1", kitID, status)
	if err != nil {
		return fmt.Errorf("setting status of kit %q: %w", kitID, err)
	}
	return nil
}

// DiscoveredKit is a kit id seen in telemetry without a registry row, shown
// to operators so they can promote it to a registered kit.
type DiscoveredKit struct {
	KitID      string    `db:"kit_id" json:"kit_id"`
	LastSeen   time.Time `db:"last_seen" json:"last_seen"`
	Detections int64     `db:"detections" json:"detections"`
}

// DiscoveredKits lists kit ids present in track rows since the given time
// but absent from the kits relation.
func (s *Store) DiscoveredKits(ctx context.Context, since time.Time) ([]DiscoveredKit, error) {
	var kits []DiscoveredKit
	err := s.db.SelectContext(ctx, &kits, `
SELECT d.kit_id, max(d.time) AS last_seen, count(*) AS detections
FROM drones d
LEFT JOIN kits k ON k.kit_id = d.kit_id
WHERE d.time >= $1 AND k.kit_id IS NULL
GROUP BY d.kit_id
ORDER BY last_seen DESC`, since)
	if err != nil {
		return nil, fmt.Errorf("listing discovered kits: %w", err)
	}
	return kits, nil
}
