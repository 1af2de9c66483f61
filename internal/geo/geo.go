package geo

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

const earthRadiusM = 6371000.0

var ErrNonFinite = errors.New("geo: non-finite coordinate")

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}

// DistanceMeters is the great-circle distance between a and b.
func DistanceMeters(a, b models.Coord) (float64, error) {
	if !Finite(a) || !Finite(b) {
		return 0, ErrNonFinite
	}
	return Haversine(a.Lat, a.Lng, b.Lat, b.Lng), nil
}

func Finite(c models.Coord) bool {
	return !math.IsNaN(c.Lat) && !math.IsInf(c.Lat, 0) && !math.IsNaN(c.Lng) && !math.IsInf(c.Lng, 0)
}

// Valid also checks the coordinate is on the globe.
func Valid(c models.Coord) bool {
	return Finite(c) && c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

// Position is a located driver.
type Position struct {
	ID       string
	Coord    models.Coord
	Updated  time.Time
	Distance float64 // meters from the query point, set by Within
}

// Locator stores last-known driver positions.
type Locator interface {
	Upsert(ctx context.Context, id string, c models.Coord) error
	Remove(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (Position, bool, error)
	Within(ctx context.Context, c models.Coord, radiusM float64) ([]Position, error)
}

type Index struct {
	mu        sync.RWMutex
	positions map[string]Position
	now       func() time.Time
}

func NewIndex() *Index {
	return &Index{positions: make(map[string]Position), now: time.Now}
}

func (g *Index) Upsert(_ context.Context, id string, c models.Coord) error {
	if !Finite(c) {
		return ErrNonFinite
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.positions[id] = Position{ID: id, Coord: c, Updated: g.now()}
	return nil
}

func (g *Index) Remove(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.positions, id)
	return nil
}

func (g *Index) Get(_ context.Context, id string) (Position, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.positions[id]
	return p, ok, nil
}

// naive scan; fine for a single process fleet, RedisGeo covers the rest
func (g *Index) Within(_ context.Context, c models.Coord, radiusM float64) ([]Position, error) {
	if !Finite(c) {
		return nil, ErrNonFinite
	}
	g.mu.RLock()
	out := make([]Position, 0, len(g.positions))
	for _, p := range g.positions {
		d := Haversine(c.Lat, c.Lng, p.Coord.Lat, p.Coord.Lng)
		if d <= radiusM {
			p.Distance = d
			out = append(out, p)
		}
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	return out, nil
}
