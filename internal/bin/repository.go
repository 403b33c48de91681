package bin

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

var ErrDuplicateDevice = errors.New("device id already registered")

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) List(ctx context.Context) ([]Bin, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, label, device_id, latitude, longitude, capacity_liters,
		       fill_percent, last_reported_at, created_at, updated_at
		FROM bins
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query bins: %w", err)
	}
	defer rows.Close()

	bins := make([]Bin, 0)
	for rows.Next() {
		b, err := scanBin(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bin: %w", err)
		}
		bins = append(bins, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bins: %w", err)
	}

	return bins, nil
}

func (r *Repository) Get(ctx context.Context, id string) (Bin, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, label, device_id, latitude, longitude, capacity_liters,
		       fill_percent, last_reported_at, created_at, updated_at
		FROM bins
		WHERE id = $1
	`, id)

	b, err := scanBin(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Bin{}, err
		}
		return Bin{}, fmt.Errorf("query bin: %w", err)
	}
	return b, nil
}

func (r *Repository) Create(ctx context.Context, input BinInput) (Bin, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Bin{}, fmt.Errorf("generate bin id: %w", err)
	}

	now := time.Now().UTC()
	b := Bin{
		ID:             id.String(),
		Label:          input.Label,
		DeviceID:       input.DeviceID,
		Latitude:       input.Latitude,
		Longitude:      input.Longitude,
		CapacityLiters: input.CapacityLiters,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO bins (id, label, device_id, latitude, longitude, capacity_liters, fill_percent, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $7)
	`, b.ID, b.Label, b.DeviceID, b.Latitude, b.Longitude, b.CapacityLiters, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return Bin{}, ErrDuplicateDevice
		}
		return Bin{}, fmt.Errorf("insert bin: %w", err)
	}

	return b, nil
}

func (r *Repository) Update(ctx context.Context, id string, input BinInput) (Bin, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE bins
		SET label = $2, device_id = $3, latitude = $4, longitude = $5, capacity_liters = $6, updated_at = $7
		WHERE id = $1
		RETURNING id, label, device_id, latitude, longitude, capacity_liters,
		          fill_percent, last_reported_at, created_at, updated_at
	`, id, input.Label, input.DeviceID, input.Latitude, input.Longitude, input.CapacityLiters, time.Now().UTC())

	b, err := scanBin(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Bin{}, err
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return Bin{}, ErrDuplicateDevice
		}
		return Bin{}, fmt.Errorf("update bin: %w", err)
	}
	return b, nil
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM bins WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete bin: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}

	return nil
}

// InsertReading stores one telemetry sample and mirrors the latest fill
// level onto the bin row.
func (r *Repository) InsertReading(ctx context.Context, binID string, input ReadingInput, now time.Time) (Reading, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Reading{}, fmt.Errorf("generate reading id: %w", err)
	}

	now = now.UTC()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Reading{}, fmt.Errorf("begin reading tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE bins
		SET fill_percent = $2, last_reported_at = $3, updated_at = $3
		WHERE id = $1
	`, binID, input.FillPercent, now)
	if err != nil {
		return Reading{}, fmt.Errorf("update bin fill level: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Reading{}, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return Reading{}, sql.ErrNoRows
	}

	reading := Reading{
		ID:             id.String(),
		BinID:          binID,
		FillPercent:    input.FillPercent,
		BatteryPercent: input.BatteryPercent,
		WeightKg:       input.WeightKg,
		RecordedAt:     now,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO bin_readings (id, bin_id, fill_percent, battery_percent, weight_kg, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, reading.ID, reading.BinID, reading.FillPercent, reading.BatteryPercent, reading.WeightKg, reading.RecordedAt)
	if err != nil {
		return Reading{}, fmt.Errorf("insert reading: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Reading{}, fmt.Errorf("commit reading tx: %w", err)
	}

	return reading, nil
}

func (r *Repository) ListReadings(ctx context.Context, binID string, limit int) ([]Reading, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, bin_id, fill_percent, battery_percent, weight_kg, recorded_at
		FROM bin_readings
		WHERE bin_id = $1
		ORDER BY recorded_at DESC
		LIMIT $2
	`, binID, limit)
	if err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}
	defer rows.Close()

	readings := make([]Reading, 0)
	for rows.Next() {
		var reading Reading
		var battery, weight sql.NullFloat64
		if err := rows.Scan(&reading.ID, &reading.BinID, &reading.FillPercent, &battery, &weight, &reading.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		if battery.Valid {
			reading.BatteryPercent = &battery.Float64
		}
		if weight.Valid {
			reading.WeightKg = &weight.Float64
		}
		readings = append(readings, reading)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate readings: %w", err)
	}

	return readings, nil
}

// DeleteReadingsBefore removes telemetry older than the cutoff in batches.
func (r *Repository) DeleteReadingsBefore(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM bin_readings
			WHERE recorded_at < $1
			ORDER BY recorded_at ASC
			LIMIT $2
		)
		DELETE FROM bin_readings t
		USING stale
		WHERE t.id = stale.id
	`, cutoff.UTC(), batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale readings: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale readings rows affected: %w", err)
	}

	return affected, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBin(row rowScanner) (Bin, error) {
	var b Bin
	var lastReported sql.NullTime
	err := row.Scan(
		&b.ID, &b.Label, &b.DeviceID, &b.Latitude, &b.Longitude, &b.CapacityLiters,
		&b.FillPercent, &lastReported, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return Bin{}, err
	}
	if lastReported.Valid {
		t := lastReported.Time.UTC()
		b.LastReportedAt = &t
	}
	return b, nil
}
