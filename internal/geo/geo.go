package geo

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/example/carpool/internal/models"
)

// Hit is one indexed point found by a radius query.
type Hit struct {
	ID         string
	DistanceKm float64
}

// Index stores the start points of OPEN trips. The finder asks it for
// trips starting near a departure point.
type Index interface {
	Upsert(ctx context.Context, id string, c models.Coord) error
	Remove(ctx context.Context, id string) error
	Within(ctx context.Context, c models.Coord, radiusKm float64) ([]Hit, error)
}

type MemoryIndex struct {
	mu     sync.RWMutex
	points map[string]models.Coord
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{points: make(map[string]models.Coord)}
}

func (g *MemoryIndex) Upsert(_ context.Context, id string, c models.Coord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.points[id] = c
	return nil
}

func (g *MemoryIndex) Remove(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.points, id)
	return nil
}

// Within does a linear scan; fine for the in-process index.
func (g *MemoryIndex) Within(_ context.Context, c models.Coord, radiusKm float64) ([]Hit, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Hit, 0)
	for id, p := range g.points {
		if d := Distance(c, p); d <= radiusKm {
			out = append(out, Hit{ID: id, DistanceKm: d})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	return out, nil
}

// Distance is the great-circle distance between two points in kilometres.
func Distance(a, b models.Coord) float64 {
	return HaversineKm(a.Lat, a.Lon, b.Lat, b.Lon)
}

func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
