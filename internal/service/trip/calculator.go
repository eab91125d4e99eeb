package trip

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/Temutjin2k/trip-dispatch-system/internal/domain/models"
	wrap "github.com/Temutjin2k/trip-dispatch-system/pkg/logger/wrapper"
)

const (
	earthRadiusKm   = 6371
	averageSpeedKmh = 50

	baseFare   = 500
	ratePerKm  = 100
	ratePerMin = 50
)

// calculateDistance is the haversine great-circle distance in km.
func calculateDistance(p1, p2 models.Location) float64 {
	lat1 := p1.Latitude * math.Pi / 180
	lon1 := p1.Longitude * math.Pi / 180
	lat2 := p2.Latitude * math.Pi / 180
	lon2 := p2.Longitude * math.Pi / 180

	diffLat := lat2 - lat1
	diffLon := lon2 - lon1

	a := math.Pow(math.Sin(diffLat/2), 2) + math.Cos(lat1)*math.Cos(lat2)*math.Pow(math.Sin(diffLon/2), 2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

func calculateDuration(distanceKm float64) int {
	if distanceKm <= 0 {
		return 0
	}
	return int(math.Ceil(distanceKm / averageSpeedKmh * 60))
}

func calculateFare(distanceKm float64) float64 {
	return baseFare + distanceKm*ratePerKm + float64(calculateDuration(distanceKm))*ratePerMin
}

// generateTripNumber builds a per-day sequential trip number.
func (s *Service) generateTripNumber(ctx context.Context) (string, error) {
	datePart := time.Now().Format("20060102")

	count, err := s.repo.CountByDate(ctx, time.Now())
	if err != nil {
		return "", wrap.Error(ctx, err)
	}

	return fmt.Sprintf("TRIP_%s_%03d", datePart, count+1), nil
}
