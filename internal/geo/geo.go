package geo

import (
	_ "embed"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/example/campus-share/internal/models"
)

//go:embed locations.yaml
var defaultLocations []byte

// Index holds the campus reference locations shown on the map and offered as
// ride endpoints. Locations are immutable once loaded.
type Index struct {
	mu        sync.RWMutex
	locations map[string]models.Location
}

func NewIndex() *Index {
	return &Index{locations: make(map[string]models.Location)}
}

// DefaultIndex returns an index seeded with the embedded campus locations.
func DefaultIndex() (*Index, error) {
	locs, err := ParseLocations(defaultLocations)
	if err != nil {
		return nil, err
	}
	idx := NewIndex()
	for _, l := range locs {
		idx.Upsert(l)
	}
	return idx, nil
}

// ParseLocations decodes a YAML list of locations.
func ParseLocations(b []byte) ([]models.Location, error) {
	var doc struct {
		Locations []models.Location `yaml:"locations"`
	}
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse locations: %w", err)
	}
	for i, l := range doc.Locations {
		if l.ID == "" || l.Name == "" {
			return nil, fmt.Errorf("location %d: id and name are required", i)
		}
		if !l.Category.Valid() {
			return nil, fmt.Errorf("location %s: unknown category %q", l.ID, l.Category)
		}
	}
	return doc.Locations, nil
}

func (g *Index) Upsert(l models.Location) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.locations[l.ID] = l
}

func (g *Index) Get(id string) (models.Location, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	l, ok := g.locations[id]
	return l, ok
}

// All returns every location sorted by name.
func (g *Index) All() []models.Location {
	g.mu.RLock()
	out := make([]models.Location, 0, len(g.locations))
	for _, l := range g.locations {
		out = append(out, l)
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Search returns locations whose name contains q, case-insensitively.
func (g *Index) Search(q string) []models.Location {
	q = strings.ToLower(strings.TrimSpace(q))
	var out []models.Location
	for _, l := range g.All() {
		if q == "" || strings.Contains(strings.ToLower(l.Name), q) {
			out = append(out, l)
		}
	}
	return out
}

// naive scan; the reference set is a few dozen entries
func (g *Index) Nearby(lat, lon float64, limit int) []models.Location {
	g.mu.RLock()
	type pair struct {
		l    models.Location
		dist float64
	}
	arr := make([]pair, 0, len(g.locations))
	for _, l := range g.locations {
		arr = append(arr, pair{l, Haversine(lat, lon, l.Coordinate.Lat, l.Coordinate.Lon)})
	}
	g.mu.RUnlock()

	sort.Slice(arr, func(i, j int) bool {
		if arr[i].dist == arr[j].dist {
			return arr[i].l.ID < arr[j].l.ID
		}
		return arr[i].dist < arr[j].dist
	})
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]models.Location, 0, limit)
	for i := 0; i < limit; i++ {
		out = append(out, arr[i].l)
	}
	return out
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// Distance is Haversine over two coordinates.
func Distance(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}
