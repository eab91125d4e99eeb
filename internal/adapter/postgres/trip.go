package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Temutjin2k/trip-dispatch-system/internal/domain/models"
	"github.com/Temutjin2k/trip-dispatch-system/internal/domain/types"
	wrap "github.com/Temutjin2k/trip-dispatch-system/pkg/logger/wrapper"
	"github.com/Temutjin2k/trip-dispatch-system/pkg/postgres"
)

type TripRepo struct {
	db *pgxpool.Pool
}

func NewTripRepo(db *pgxpool.Pool) *TripRepo {
	return &TripRepo{db: db}
}

const tripColumns = `
    id, trip_number, status, customer_id, assigned_driver_id,
    called_driver_ids, rejected_driver_ids, call_start_time, call_retry_count,
    pickup_address, pickup_lat, pickup_lon,
    dest_address, dest_lat, dest_lon,
    estimated_fare, final_fare, cancellation_reason,
    created_at, matched_at, completed_at, cancelled_at`

func (r *TripRepo) Create(ctx context.Context, trip *models.Trip) (*models.Trip, error) {
	q := TxorDB(ctx, r.db)

	query := `
        INSERT INTO trips (trip_number, status, customer_id,
                           pickup_address, pickup_lat, pickup_lon,
                           dest_address, dest_lat, dest_lon,
                           estimated_fare)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        RETURNING id, created_at;`

	err := q.QueryRow(ctx, query,
		trip.TripNumber, trip.Status, trip.CustomerID,
		trip.Pickup.Address, trip.Pickup.Latitude, trip.Pickup.Longitude,
		trip.Destination.Address, trip.Destination.Latitude, trip.Destination.Longitude,
		trip.EstimatedFare,
	).Scan(&trip.ID, &trip.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("trip repo: Create: %w", err)
	}

	return trip, nil
}

func (r *TripRepo) Get(ctx context.Context, tripID uuid.UUID) (*models.Trip, error) {
	q := TxorDB(ctx, r.db)

	query := `SELECT ` + tripColumns + ` FROM trips WHERE id = $1;`

	trip, err := scanTrip(q.QueryRow(ctx, query, tripID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.ErrTripNotFound
		}
		return nil, fmt.Errorf("trip repo: Get: %w", err)
	}

	return trip, nil
}

// Update applies the non-nil fields of patch. Callers hold the trip lock,
// so the patch is never raced by another writer.
func (r *TripRepo) Update(ctx context.Context, tripID uuid.UUID, patch models.TripPatch) error {
	q := TxorDB(ctx, r.db)

	query := `
        UPDATE trips
        SET
            status              = COALESCE($2, status),
            assigned_driver_id  = CASE WHEN $3 THEN $4 ELSE assigned_driver_id END,
            called_driver_ids   = COALESCE($5, called_driver_ids),
            rejected_driver_ids = COALESCE($6, rejected_driver_ids),
            call_start_time     = COALESCE($7, call_start_time),
            call_retry_count    = COALESCE($8, call_retry_count),
            cancellation_reason = COALESCE($9, cancellation_reason),
            matched_at          = COALESCE($10, matched_at),
            completed_at        = COALESCE($11, completed_at),
            cancelled_at        = COALESCE($12, cancelled_at),
            updated_at          = now()
        WHERE id = $1;`

	cmdTag, err := q.Exec(ctx, query,
		tripID,
		patch.Status,
		patch.AssignedDriverID != nil,
		patch.AssignedDriverID,
		patch.CalledDriverIDs,
		patch.RejectedDriverIDs,
		patch.CallStartTime,
		patch.CallRetryCount,
		patch.CancellationReason,
		patch.MatchedAt,
		patch.CompletedAt,
		patch.CancelledAt,
	)
	if err != nil {
		return fmt.Errorf("trip repo: Update: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		return wrap.Error(ctx, types.ErrTripNotFound)
	}

	return nil
}

// AppendRejectedDriver adds driverID to the rejected set without racing
// concurrent appends for other drivers of the same round.
func (r *TripRepo) AppendRejectedDriver(ctx context.Context, tripID, driverID uuid.UUID) error {
	q := TxorDB(ctx, r.db)

	query := `
        UPDATE trips
        SET rejected_driver_ids = array_append(rejected_driver_ids, $2),
            updated_at = now()
        WHERE id = $1 AND NOT ($2 = ANY(rejected_driver_ids));`

	if _, err := q.Exec(ctx, query, tripID, driverID); err != nil {
		return fmt.Errorf("trip repo: AppendRejectedDriver: %w", err)
	}

	return nil
}

// FindTimedOut lists trips still waiting for a driver whose dispatch
// round started before cutoff. Backstop for lost timeout jobs.
func (r *TripRepo) FindTimedOut(ctx context.Context, cutoff time.Time, limit int) ([]*models.Trip, error) {
	q := TxorDB(ctx, r.db)

	query := `SELECT ` + tripColumns + `
        FROM trips
        WHERE status = $1 AND call_start_time IS NOT NULL AND call_start_time < $2
        ORDER BY call_start_time
        LIMIT $3;`

	rows, err := q.Query(ctx, query, types.StatusWaitingForDriver, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("trip repo: FindTimedOut: %w", err)
	}
	defer rows.Close()

	var trips []*models.Trip
	for rows.Next() {
		trip, err := scanTrip(rows)
		if err != nil {
			return nil, fmt.Errorf("trip repo: FindTimedOut scan: %w", err)
		}
		trips = append(trips, trip)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("trip repo: FindTimedOut rows: %w", err)
	}

	return trips, nil
}

// HasActiveTrip reports whether the customer has a non-terminal trip
// other than excludeTripID. Pass uuid.Nil to consider every trip.
func (r *TripRepo) HasActiveTrip(ctx context.Context, customerID, excludeTripID uuid.UUID) (bool, error) {
	q := TxorDB(ctx, r.db)

	query := `
        SELECT EXISTS(
            SELECT 1 FROM trips
            WHERE customer_id = $1
              AND id <> $2
              AND status NOT IN ($3, $4)
        );`

	var exists bool
	err := q.QueryRow(ctx, query, customerID, excludeTripID,
		types.StatusCompleted, types.StatusCancelled).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("trip repo: HasActiveTrip: %w", err)
	}
	return exists, nil
}

func (r *TripRepo) CountByDate(ctx context.Context, date time.Time) (int, error) {
	q := TxorDB(ctx, r.db)

	var count int
	query := "SELECT COUNT(*) FROM trips WHERE DATE(created_at) = $1;"

	if err := q.QueryRow(ctx, query, date.Format("2006-01-02")).Scan(&count); err != nil {
		return 0, fmt.Errorf("trip repo: CountByDate: %w", err)
	}
	return count, nil
}

// InsertEvent appends an audit row to trip_events.
func (r *TripRepo) InsertEvent(ctx context.Context, tripID uuid.UUID, eventType string, eventData any) error {
	q := TxorDB(ctx, r.db)

	query := `
        INSERT INTO trip_events(trip_id, event_type, event_data)
        VALUES($1, $2, $3);`

	if _, err := q.Exec(ctx, query, tripID, eventType, eventData); err != nil {
		if postgres.IsForeignKeyViolation(err) {
			return types.ErrTripNotFound
		}
		return wrap.Error(wrap.WithAction(ctx, types.ActionDatabaseTransactionFailed),
			fmt.Errorf("trip repo: InsertEvent: %w", err))
	}

	return nil
}

func scanTrip(row pgx.Row) (*models.Trip, error) {
	var trip models.Trip
	err := row.Scan(
		&trip.ID, &trip.TripNumber, &trip.Status, &trip.CustomerID, &trip.AssignedDriverID,
		&trip.CalledDriverIDs, &trip.RejectedDriverIDs, &trip.CallStartTime, &trip.CallRetryCount,
		&trip.Pickup.Address, &trip.Pickup.Latitude, &trip.Pickup.Longitude,
		&trip.Destination.Address, &trip.Destination.Latitude, &trip.Destination.Longitude,
		&trip.EstimatedFare, &trip.FinalFare, &trip.CancellationReason,
		&trip.CreatedAt, &trip.MatchedAt, &trip.CompletedAt, &trip.CancelledAt,
	)
	if err != nil {
		return nil, err
	}
	return &trip, nil
}
