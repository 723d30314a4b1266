package places

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tripmark/tripsync/internal/client/models"
	"github.com/tripmark/tripsync/internal/common"
	"github.com/tripmark/tripsync/internal/dbx"
	"github.com/tripmark/tripsync/internal/region"
)

// SQLiteRepository implements Repository using a DBTX (either *sql.DB or *sql.Tx).
type SQLiteRepository struct {
	db dbx.DBTX
}

// NewSQLiteRepository returns a new SQLiteRepository bound to the given DBTX.
func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const placeColumns = `region_type, region_code, region_name, status, visit_type,
	visited_date, departure_date, notes, marked_at, sync_version,
	last_modified_at, is_deleted, origin_device_id`

func (r *SQLiteRepository) Get(ctx context.Context, key models.Key) (*models.Place, error) {
	query := `SELECT ` + placeColumns + ` FROM places WHERE region_type=? AND region_code=?`
	row := r.db.QueryRowContext(ctx, query, string(key.Type), key.Code)
	p, err := scanPlace(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get place %s: %w", key, err)
	}
	return p, nil
}

// Put upserts a record, rejecting stale versions. The guard lives in the
// upsert itself so concurrent writers cannot race past it.
func (r *SQLiteRepository) Put(ctx context.Context, p *models.Place) error {
	query := `
		INSERT INTO places (` + placeColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(region_type, region_code) DO UPDATE SET
			region_name      = excluded.region_name,
			status           = excluded.status,
			visit_type       = excluded.visit_type,
			visited_date     = excluded.visited_date,
			departure_date   = excluded.departure_date,
			notes            = excluded.notes,
			marked_at        = excluded.marked_at,
			sync_version     = excluded.sync_version,
			last_modified_at = excluded.last_modified_at,
			is_deleted       = excluded.is_deleted,
			origin_device_id = excluded.origin_device_id
		WHERE excluded.sync_version >= places.sync_version
	`
	res, err := r.db.ExecContext(ctx, query,
		string(p.RegionType), p.RegionCode, p.RegionName, string(p.Status), string(p.VisitType),
		fmtTimePtr(p.VisitedDate), fmtTimePtr(p.DepartureDate), p.Notes,
		fmtTime(p.MarkedAt), p.SyncVersion, fmtTime(p.LastModifiedAt),
		boolToInt(p.IsDeleted), p.OriginDeviceID)
	if err != nil {
		return fmt.Errorf("failed to upsert place %s: %w", p.Key(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrVersionConflict
	}
	return nil
}

func (r *SQLiteRepository) List(ctx context.Context) ([]*models.Place, error) {
	query := `SELECT ` + placeColumns + ` FROM places WHERE is_deleted=0 ORDER BY region_type, region_code`
	return r.selectPlaces(ctx, query)
}

func (r *SQLiteRepository) ListModifiedSince(ctx context.Context, since time.Time) ([]*models.Place, error) {
	query := `SELECT ` + placeColumns + ` FROM places WHERE last_modified_at > ? ORDER BY last_modified_at`
	return r.selectPlaces(ctx, query, fmtTime(since))
}

// Delete physically removes a row. Normal deletion is a soft delete through
// Put; this exists for local cleanup of fully synchronized tombstones.
func (r *SQLiteRepository) Delete(ctx context.Context, key models.Key) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM places WHERE region_type=? AND region_code=?`,
		string(key.Type), key.Code)
	if err != nil {
		return fmt.Errorf("failed to delete place %s: %w", key, err)
	}
	return nil
}

func (r *SQLiteRepository) selectPlaces(ctx context.Context, query string, args ...any) ([]*models.Place, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select places: %w", err)
	}
	defer rows.Close()

	var result []*models.Place
	for rows.Next() {
		p, err := scanPlace(rows.Scan)
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

func scanPlace(scan func(dest ...any) error) (*models.Place, error) {
	var p models.Place
	var regionType, status, visitType, markedAt, lastModified string
	var visited, departure sql.NullString
	var deleted int

	err := scan(&regionType, &p.RegionCode, &p.RegionName, &status, &visitType,
		&visited, &departure, &p.Notes, &markedAt, &p.SyncVersion,
		&lastModified, &deleted, &p.OriginDeviceID)
	if err != nil {
		return nil, err
	}

	p.RegionType = region.Type(regionType)
	p.Status = models.Status(status)
	p.VisitType = models.VisitType(visitType)
	p.IsDeleted = deleted != 0
	if p.MarkedAt, err = parseTime(markedAt); err != nil {
		return nil, err
	}
	if p.LastModifiedAt, err = parseTime(lastModified); err != nil {
		return nil, err
	}
	if p.VisitedDate, err = parseTimePtr(visited); err != nil {
		return nil, err
	}
	if p.DepartureDate, err = parseTimePtr(departure); err != nil {
		return nil, err
	}
	return &p, nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
