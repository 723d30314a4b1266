package places

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tripmark/tripsync/internal/common"
	"github.com/tripmark/tripsync/internal/dbx"
	"github.com/tripmark/tripsync/internal/region"
	"github.com/tripmark/tripsync/internal/server/models"
)

// PostgresRepository implements Repository over a dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const placeColumns = `user_id, region_type, region_code, region_name, status, visit_type,
	visited_date, departure_date, notes, marked_at, sync_version, last_modified_at,
	is_deleted, origin_device_id, origin_op_timestamp, server_timestamp`

func (r *PostgresRepository) Get(ctx context.Context, userID, regionType, regionCode string) (*models.Place, error) {
	query := `SELECT ` + placeColumns + ` FROM places
		WHERE user_id=$1 AND region_type=$2 AND region_code=$3`
	row := r.db.QueryRowContext(ctx, query, userID, regionType, regionCode)
	p, err := scanPlace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get place %s#%s: %w", regionType, regionCode, err)
	}
	return p, nil
}

// Upsert writes the row, refusing to move sync_version backwards. A guarded
// update that matches no row means a concurrent writer got there first.
func (r *PostgresRepository) Upsert(ctx context.Context, p *models.Place) error {
	query := `
		INSERT INTO places (` + placeColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (user_id, region_type, region_code)
		DO UPDATE SET
			region_name = EXCLUDED.region_name,
			status = EXCLUDED.status,
			visit_type = EXCLUDED.visit_type,
			visited_date = EXCLUDED.visited_date,
			departure_date = EXCLUDED.departure_date,
			notes = EXCLUDED.notes,
			marked_at = EXCLUDED.marked_at,
			sync_version = EXCLUDED.sync_version,
			last_modified_at = EXCLUDED.last_modified_at,
			is_deleted = EXCLUDED.is_deleted,
			origin_device_id = EXCLUDED.origin_device_id,
			origin_op_timestamp = EXCLUDED.origin_op_timestamp,
			server_timestamp = EXCLUDED.server_timestamp
		WHERE EXCLUDED.sync_version > places.sync_version
	`
	res, err := r.db.ExecContext(ctx, query,
		p.UserID, string(p.RegionType), p.RegionCode, p.RegionName, p.Status, p.VisitType,
		p.VisitedDate, p.DepartureDate, p.Notes, p.MarkedAt, p.SyncVersion, p.LastModifiedAt,
		p.IsDeleted, p.OriginDeviceID, p.OriginOpTimestamp, p.ServerTimestamp)
	if err != nil {
		return fmt.Errorf("failed to upsert place %s: %w", p.EntityKey(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	switch n {
	case 1:
		return nil
	case 0:
		return common.ErrVersionConflict
	default:
		return fmt.Errorf("unexpected rows affected: %d", n)
	}
}

// SelectChangedSince returns the user's rows with sync_version > minVersion,
// tombstones included, oldest version first.
func (r *PostgresRepository) SelectChangedSince(ctx context.Context, userID string, minVersion int64) ([]*models.Place, error) {
	query := `SELECT ` + placeColumns + ` FROM places
		WHERE user_id=$1 AND sync_version>$2 ORDER BY sync_version`
	rows, err := r.db.QueryContext(ctx, query, userID, minVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to select changed places: %w", err)
	}
	defer rows.Close()

	var result []*models.Place
	for rows.Next() {
		p, err := scanPlace(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlace(row rowScanner) (*models.Place, error) {
	var p models.Place
	var regionType string
	var visited, departure sql.NullTime

	err := row.Scan(&p.UserID, &regionType, &p.RegionCode, &p.RegionName, &p.Status,
		&p.VisitType, &visited, &departure, &p.Notes, &p.MarkedAt, &p.SyncVersion,
		&p.LastModifiedAt, &p.IsDeleted, &p.OriginDeviceID, &p.OriginOpTimestamp,
		&p.ServerTimestamp)
	if err != nil {
		return nil, err
	}
	p.RegionType = region.Type(regionType)
	if visited.Valid {
		t := visited.Time
		p.VisitedDate = &t
	}
	if departure.Valid {
		t := departure.Time
		p.DepartureDate = &t
	}
	return &p, nil
}
