package pricing

import (
	"context"
	"math"
	"strings"

	"github.com/example/carpool/internal/apperr"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/routing"
)

type FuelType string

const (
	Essence FuelType = "essence"
	Diesel  FuelType = "diesel"
)

type fuelSpec struct {
	pricePerLitre  float64
	litresPer100Km float64
}

var fuels = map[FuelType]fuelSpec{
	Essence: {pricePerLitre: 2.350, litresPer100Km: 7.0},
	Diesel:  {pricePerLitre: 2.160, litresPer100Km: 5.5},
}

const (
	marginMultiplier = 1.3
	rangeSpread      = 0.2
)

// ParseFuel defaults anything but "diesel" to essence.
func ParseFuel(s string) FuelType {
	if strings.EqualFold(strings.TrimSpace(s), string(Diesel)) {
		return Diesel
	}
	return Essence
}

// Suggestion is a per-seat price with a ±20% band.
type Suggestion struct {
	DistanceKm float64  `json:"distance_km"`
	FuelType   FuelType `json:"fuel_type"`
	Seats      int      `json:"seats"`
	TripPrice  float64  `json:"trip_price"`
	Suggested  float64  `json:"suggested"`
	Min        float64  `json:"min"`
	Max        float64  `json:"max"`
}

// TripPrice is the fuel cost of the distance plus the carpool margin.
func TripPrice(distanceKm float64, fuel FuelType) float64 {
	f, ok := fuels[fuel]
	if !ok {
		f = fuels[Essence]
	}
	litres := distanceKm / 100 * f.litresPer100Km
	return round2(litres * f.pricePerLitre * marginMultiplier)
}

// Quote splits the trip price across seats.
func Quote(distanceKm float64, fuel FuelType, seats int) (Suggestion, error) {
	if seats <= 0 {
		return Suggestion{}, apperr.Validation("seats must be positive")
	}
	if distanceKm < 0 {
		return Suggestion{}, apperr.Validation("distance must not be negative")
	}
	total := TripPrice(distanceKm, fuel)
	perSeat := round2(total / float64(seats))
	return Suggestion{
		DistanceKm: round2(distanceKm),
		FuelType:   fuel,
		Seats:      seats,
		TripPrice:  total,
		Suggested:  perSeat,
		Min:        round2(perSeat * (1 - rangeSpread)),
		Max:        round2(perSeat * (1 + rangeSpread)),
	}, nil
}

// Calculator prices a route using the routing provider's distance.
type Calculator struct {
	routes routing.Provider
}

func NewCalculator(routes routing.Provider) *Calculator {
	return &Calculator{routes: routes}
}

func (c *Calculator) Suggest(ctx context.Context, from, to models.Coord, fuel FuelType, seats int) (Suggestion, error) {
	if !from.Valid() || !to.Valid() {
		return Suggestion{}, apperr.Validation("invalid coordinates")
	}
	km, err := c.routes.DistanceKm(ctx, from, to)
	if err != nil {
		return Suggestion{}, err
	}
	return Quote(km, fuel, seats)
}

// SeatPrice is the suggested per-seat price for a new trip.
func (c *Calculator) SeatPrice(ctx context.Context, from, to models.Coord, fuel string, seats int) (float64, error) {
	s, err := c.Suggest(ctx, from, to, ParseFuel(fuel), seats)
	if err != nil {
		return 0, err
	}
	return s.Suggested, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
