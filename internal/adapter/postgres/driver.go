package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Temutjin2k/trip-dispatch-system/internal/domain/types"
	wrap "github.com/Temutjin2k/trip-dispatch-system/pkg/logger/wrapper"
)

type DriverRepo struct {
	db *pgxpool.Pool
}

func NewDriverRepo(db *pgxpool.Pool) *DriverRepo {
	return &DriverRepo{db: db}
}

// Availability returns the driver's current availability state.
func (r *DriverRepo) Availability(ctx context.Context, driverID uuid.UUID) (types.DriverAvailability, error) {
	q := TxorDB(ctx, r.db)

	var availability types.DriverAvailability
	query := "SELECT availability FROM drivers WHERE id = $1;"

	if err := q.QueryRow(ctx, query, driverID).Scan(&availability); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", types.ErrDriverNotFound
		}
		return "", fmt.Errorf("driver repo: Availability: %w", err)
	}

	return availability, nil
}

func (r *DriverRepo) SetAvailability(ctx context.Context, driverID uuid.UUID, availability types.DriverAvailability) error {
	q := TxorDB(ctx, r.db)

	query := `
        UPDATE drivers
        SET availability = $2, updated_at = now()
        WHERE id = $1;`

	cmdTag, err := q.Exec(ctx, query, driverID, availability)
	if err != nil {
		return fmt.Errorf("driver repo: SetAvailability: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		return wrap.Error(ctx, types.ErrDriverNotFound)
	}

	return nil
}

// SetAvailabilityIf flips the driver from expected to next in one
// statement. Reports whether the flip happened; false means another
// writer got there first.
func (r *DriverRepo) SetAvailabilityIf(ctx context.Context, driverID uuid.UUID, expected, next types.DriverAvailability) (bool, error) {
	q := TxorDB(ctx, r.db)

	query := `
        UPDATE drivers
        SET availability = $3, updated_at = now()
        WHERE id = $1 AND availability = $2;`

	cmdTag, err := q.Exec(ctx, query, driverID, expected, next)
	if err != nil {
		return false, fmt.Errorf("driver repo: SetAvailabilityIf: %w", err)
	}

	return cmdTag.RowsAffected() > 0, nil
}

func (r *DriverRepo) IsDriverExist(ctx context.Context, driverID uuid.UUID) (bool, error) {
	q := TxorDB(ctx, r.db)

	var exist bool
	query := "SELECT EXISTS(SELECT 1 FROM drivers WHERE id = $1);"

	if err := q.QueryRow(ctx, query, driverID).Scan(&exist); err != nil {
		return false, fmt.Errorf("driver repo: IsDriverExist: %w", err)
	}

	return exist, nil
}
