package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/carpool/internal/models"
)

// Route is a driving route between two points.
type Route struct {
	DistanceKm  float64        `json:"distance_km"`
	DurationSec float64        `json:"duration_sec"`
	Geometry    []models.Coord `json:"geometry,omitempty"`
}

// Fetcher asks an upstream routing engine for a route.
type Fetcher interface {
	Fetch(ctx context.Context, from, to models.Coord) (Route, error)
}

// OSRMClient performs route lookups against an OSRM HTTP server.
type OSRMClient struct {
	Endpoint string
	Client   *http.Client
}

func NewOSRMClient(endpoint string, timeout time.Duration) *OSRMClient {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &OSRMClient{Endpoint: endpoint, Client: &http.Client{Timeout: timeout}}
}

// Fetch queries /route/v1/driving/{lon1},{lat1};{lon2},{lat2} with GeoJSON geometry.
func (o *OSRMClient) Fetch(ctx context.Context, from, to models.Coord) (Route, error) {
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=full&geometries=geojson",
		o.Endpoint, from.Lon, from.Lat, to.Lon, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Route{}, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return Route{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return Route{}, fmt.Errorf("osrm status %d", resp.StatusCode)
	}
	var out struct {
		Code   string `json:"code"`
		Routes []struct {
			Distance float64 `json:"distance"`
			Duration float64 `json:"duration"`
			Geometry struct {
				Coordinates [][2]float64 `json:"coordinates"`
			} `json:"geometry"`
		} `json:"routes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Route{}, fmt.Errorf("decode osrm response: %w", err)
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return Route{}, fmt.Errorf("osrm no route: %v", out.Code)
	}
	r := out.Routes[0]
	geometry := make([]models.Coord, 0, len(r.Geometry.Coordinates))
	for _, c := range r.Geometry.Coordinates {
		geometry = append(geometry, models.Coord{Lat: c[1], Lon: c[0]})
	}
	return Route{DistanceKm: r.Distance / 1000, DurationSec: r.Duration, Geometry: geometry}, nil
}
