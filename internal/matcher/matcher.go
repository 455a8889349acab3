package matcher

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/example/carpool/internal/apperr"
	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/logging"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/storage"
)

const (
	DefaultRadiusKm = 6.5
	DefaultNearKm   = 2.0
)

// Candidate is one OPEN trip matching a search, with its rank inputs.
type Candidate struct {
	Trip            models.Trip `json:"trip"`
	StartDistanceKm float64     `json:"start_distance_km"`
	EndDistanceKm   float64     `json:"end_distance_km"`
	// Tier is 1 when both ends are near, 2 when one is, 3 otherwise.
	Tier int `json:"tier"`
}

// Finder looks up OPEN trips whose endpoints are close to a passenger's
// departure and destination.
type Finder struct {
	Index    geo.Index
	Store    storage.Store
	RadiusKm float64
	NearKm   float64
	Logger   *slog.Logger
}

func NewFinder(index geo.Index, store storage.Store, radiusKm, nearKm float64, logger *slog.Logger) *Finder {
	if radiusKm <= 0 {
		radiusKm = DefaultRadiusKm
	}
	if nearKm <= 0 {
		nearKm = DefaultNearKm
	}
	return &Finder{Index: index, Store: store, RadiusKm: radiusKm, NearKm: nearKm, Logger: logging.OrDefault(logger)}
}

// Find returns matching trips ranked by tier, then by the sum of both
// distances. It never mutates trips; stale index entries are dropped.
func (f *Finder) Find(ctx context.Context, from, to models.Coord) ([]Candidate, error) {
	if !from.Valid() || !to.Valid() {
		return nil, apperr.Validation("departure and destination must be valid coordinates")
	}
	started := time.Now()
	defer func() { observability.SearchLatency.Observe(time.Since(started).Seconds()) }()

	trips, err := f.candidates(ctx, from)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(trips))
	for _, t := range trips {
		ds := geo.Distance(from, t.Start)
		de := geo.Distance(to, t.End)
		if ds > f.RadiusKm || de > f.RadiusKm {
			continue
		}
		out = append(out, Candidate{Trip: t, StartDistanceKm: ds, EndDistanceKm: de, Tier: f.tier(ds, de)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Tier != out[j].Tier {
			return out[i].Tier < out[j].Tier
		}
		si := out[i].StartDistanceKm + out[i].EndDistanceKm
		sj := out[j].StartDistanceKm + out[j].EndDistanceKm
		if si != sj {
			return si < sj
		}
		return out[i].Trip.ID < out[j].Trip.ID
	})
	return out, nil
}

func (f *Finder) tier(ds, de float64) int {
	near := 0
	if ds <= f.NearKm {
		near++
	}
	if de <= f.NearKm {
		near++
	}
	return 3 - near
}

// candidates asks the index for trips starting nearby and re-reads each one
// from the store. Without an index every OPEN trip is scanned.
func (f *Finder) candidates(ctx context.Context, from models.Coord) ([]models.Trip, error) {
	open := []models.TripStatus{models.TripOpen}
	if f.Index == nil {
		var trips []models.Trip
		err := f.Store.View(ctx, func(tx storage.Tx) (err error) {
			trips, err = tx.ListTrips(ctx, storage.TripFilter{Statuses: open})
			return err
		})
		return trips, err
	}

	hits, err := f.Index.Within(ctx, from, f.RadiusKm)
	if err != nil {
		return nil, err
	}
	var (
		trips []models.Trip
		stale []string
	)
	err = f.Store.View(ctx, func(tx storage.Tx) error {
		for _, h := range hits {
			t, err := tx.GetTrip(ctx, h.ID)
			if apperr.Is(err, apperr.KindNotFound) {
				stale = append(stale, h.ID)
				continue
			}
			if err != nil {
				return err
			}
			if t.Status != models.TripOpen || t.Archived {
				stale = append(stale, h.ID)
				continue
			}
			trips = append(trips, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, id := range stale {
		if err := f.Index.Remove(ctx, id); err != nil {
			f.Logger.Warn("stale geo entry not removed", "trip_id", id, "error", err)
		}
	}
	return trips, nil
}

// Rebuild loads every OPEN, unarchived trip into the index. The server
// calls it on startup so a fresh in-memory index matches the store.
func (f *Finder) Rebuild(ctx context.Context) (int, error) {
	if f.Index == nil {
		return 0, nil
	}
	var trips []models.Trip
	err := f.Store.View(ctx, func(tx storage.Tx) (err error) {
		trips, err = tx.ListTrips(ctx, storage.TripFilter{Statuses: []models.TripStatus{models.TripOpen}})
		return err
	})
	if err != nil {
		return 0, err
	}
	for _, t := range trips {
		if err := f.Index.Upsert(ctx, t.ID, t.Start); err != nil {
			return 0, err
		}
	}
	return len(trips), nil
}
