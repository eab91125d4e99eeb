package redisadapter

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Temutjin2k/trip-dispatch-system/internal/domain/models"
)

const driverGeoKey = "dispatch:drivers:geo"

// GeoIndex keeps last-known driver positions in a Redis GEO set and
// answers radius queries for the dispatch fan-out.
type GeoIndex struct {
	client *redis.Client
}

func NewGeoIndex(client *redis.Client) *GeoIndex {
	return &GeoIndex{client: client}
}

// UpsertDriver records the driver's last reported position.
func (g *GeoIndex) UpsertDriver(ctx context.Context, driverID uuid.UUID, loc models.Location) error {
	err := g.client.GeoAdd(ctx, driverGeoKey, &redis.GeoLocation{
		Name:      driverID.String(),
		Longitude: loc.Longitude,
		Latitude:  loc.Latitude,
	}).Err()
	if err != nil {
		return fmt.Errorf("geo index: upsert driver: %w", err)
	}
	return nil
}

// RemoveDriver drops the driver from the index, usually on disconnect.
func (g *GeoIndex) RemoveDriver(ctx context.Context, driverID uuid.UUID) error {
	if err := g.client.ZRem(ctx, driverGeoKey, driverID.String()).Err(); err != nil {
		return fmt.Errorf("geo index: remove driver: %w", err)
	}
	return nil
}

// FindNearby returns driver ids within radiusKm of the pickup point,
// nearest first.
func (g *GeoIndex) FindNearby(ctx context.Context, pickup models.Location, radiusKm float64) ([]uuid.UUID, error) {
	results, err := g.client.GeoSearch(ctx, driverGeoKey, &redis.GeoSearchQuery{
		Longitude:  pickup.Longitude,
		Latitude:   pickup.Latitude,
		Radius:     radiusKm,
		RadiusUnit: "km",
		Sort:       "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geo index: search: %w", err)
	}

	ids := make([]uuid.UUID, 0, len(results))
	for _, r := range results {
		id, err := uuid.Parse(r)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}
