package repo

import (
	"context"
	"database/sql"
)

// UpsertFacilityConfig stores the active policy document for a facility as
// raw JSON. The engine reloads it on demand rather than caching per-request.
func (r Repo) UpsertFacilityConfig(ctx context.Context, facilityID, configJSON, now string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO facility_configs(facility_id,config_json,created_at,updated_at)
VALUES (?,?,?,?)
ON CONFLICT(facility_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`,
		facilityID, configJSON, now, now)
	return err
}

func (r Repo) GetFacilityConfig(ctx context.Context, facilityID string) (string, error) {
	var configJSON string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM facility_configs WHERE facility_id=?`, facilityID).Scan(&configJSON)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return configJSON, err
}
