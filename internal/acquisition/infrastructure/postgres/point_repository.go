package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	acquisition "scada-monitor/internal/acquisition/domain"
)

const defaultPointsTable = "ts_data"

// PointRepository persists polled tag values as time-series rows.
type PointRepository struct {
	db    *sql.DB
	table string
}

// PointOption configures the repository.
type PointOption func(*PointRepository)

// WithPointsTable overrides the default table name.
func WithPointsTable(table string) PointOption {
	return func(repo *PointRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// NewPointRepository constructs a repository with the default table name.
func NewPointRepository(db *sql.DB, opts ...PointOption) *PointRepository {
	repo := &PointRepository{db: db, table: defaultPointsTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// InsertPoint implements acquisition.PointSink. Numeric and boolean values
// land in value_numeric, text in value_string; null values keep both empty.
func (r *PointRepository) InsertPoint(ctx context.Context, point acquisition.DataPoint) error {
	if r == nil || r.db == nil {
		return errors.New("point repo: nil db")
	}
	if point.DeviceID == "" || point.TagName == "" || point.Timestamp.IsZero() {
		return errors.New("point repo: invalid point")
	}
	numeric, text := splitValue(point.Value)
	query := fmt.Sprintf(`
INSERT INTO %s (
	time, device_id, tag_name, value_numeric, value_string, quality
) VALUES (
	$1, $2, $3, $4, $5, $6
)`, r.table)
	_, err := r.db.ExecContext(ctx, query,
		point.Timestamp.UTC(),
		point.DeviceID,
		point.TagName,
		numeric,
		text,
		int(point.Quality),
	)
	return err
}

// LatestByDevice returns the newest stored value of every tag of a device.
func (r *PointRepository) LatestByDevice(ctx context.Context, deviceID string) ([]acquisition.DataPoint, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("point repo: nil db")
	}
	if deviceID == "" {
		return nil, errors.New("point repo: empty device id")
	}
	query := fmt.Sprintf(`
SELECT DISTINCT ON (tag_name) time, tag_name, value_numeric, value_string, quality
FROM %s
WHERE device_id = $1
ORDER BY tag_name ASC, time DESC`, r.table)
	rows, err := r.db.QueryContext(ctx, query, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []acquisition.DataPoint
	for rows.Next() {
		var point acquisition.DataPoint
		var numeric sql.NullFloat64
		var text sql.NullString
		var quality int
		if err := rows.Scan(&point.Timestamp, &point.TagName, &numeric, &text, &quality); err != nil {
			return nil, err
		}
		point.DeviceID = deviceID
		point.Timestamp = point.Timestamp.UTC()
		point.Quality = acquisition.Quality(quality)
		switch {
		case numeric.Valid:
			point.Value = acquisition.Number(numeric.Float64)
		case text.Valid:
			point.Value = acquisition.Text(text.String)
		default:
			point.Value = acquisition.Null()
		}
		result = append(result, point)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func splitValue(value acquisition.Value) (sql.NullFloat64, sql.NullString) {
	if f, ok := value.Float(); ok {
		return sql.NullFloat64{Float64: f, Valid: true}, sql.NullString{}
	}
	if b, ok := value.Bit(); ok {
		v := 0.0
		if b {
			v = 1
		}
		return sql.NullFloat64{Float64: v, Valid: true}, sql.NullString{}
	}
	if s, ok := value.Str(); ok {
		return sql.NullFloat64{}, sql.NullString{String: s, Valid: true}
	}
	return sql.NullFloat64{}, sql.NullString{}
}
