package geo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/carpool/internal/models"
)

func TestHaversineZero(t *testing.T) {
	require.Zero(t, HaversineKm(0, 0, 0, 0))
}

func TestHaversineOneDegreeLatitude(t *testing.T) {
	require.InDelta(t, 111.19, HaversineKm(0, 0, 1, 0), 0.01)
}

func TestMemoryIndexWithin(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	origin := models.Coord{Lat: 36.8, Lon: 10.18}
	require.NoError(t, idx.Upsert(ctx, "near", models.Coord{Lat: 36.809, Lon: 10.18}))
	require.NoError(t, idx.Upsert(ctx, "far", models.Coord{Lat: 37.2, Lon: 10.18}))
	require.NoError(t, idx.Upsert(ctx, "gone", origin))
	require.NoError(t, idx.Remove(ctx, "gone"))

	hits, err := idx.Within(ctx, origin, 6.5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "near", hits[0].ID)
	require.InDelta(t, 1.0, hits[0].DistanceKm, 0.01)
}
