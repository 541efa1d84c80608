package route

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tkrajina/gpxgo/gpx"

	"racecontrol/internal/models"
)

// ErrRouteNotFound is returned when the named route has no GPX file in the routes directory.
var ErrRouteNotFound = errors.New("route not found")

// ErrEmptyRoute is returned when a GPX file contains no track points.
var ErrEmptyRoute = errors.New("route contains no track points")

const earthRadiusKM = 6371.0

// Store loads rally routes from a directory of GPX files and samples them
// into waypoints at a fixed distance interval.
type Store struct {
	dir        string
	intervalKM float64
}

// NewStore creates a Store reading GPX files from dir, sampling a waypoint
// every intervalKM kilometers of route distance.
func NewStore(dir string, intervalKM float64) *Store {
	if intervalKM <= 0 {
		intervalKM = 5
	}
	return &Store{dir: dir, intervalKM: intervalKM}
}

// List returns the route names available in the store, sorted. A route name
// is the GPX file name without extension.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read routes dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.EqualFold(filepath.Ext(e.Name()), ".gpx") {
			names = append(names, strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())))
		}
	}
	sort.Strings(names)
	return names, nil
}

// Load parses the named route and samples it into waypoints. The result
// always starts with START and ends with FINISH; intermediate waypoints are
// named WP-01, WP-02, ... in route order.
func (s *Store) Load(name string) ([]models.Waypoint, error) {
	path := filepath.Join(s.dir, name+".gpx")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrRouteNotFound, name)
		}
		return nil, fmt.Errorf("read route %s: %w", name, err)
	}

	doc, err := gpx.ParseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("parse route %s: %w", name, err)
	}

	points := flatten(doc)
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyRoute, name)
	}
	return Sample(points, s.intervalKM), nil
}

// trackPoint is a bare coordinate pair extracted from the GPX document.
type trackPoint struct {
	lat, lon float64
}

// flatten collapses all tracks and segments into one ordered point list.
// Routes (rte) are used as a fallback for GPX files without tracks.
func flatten(doc *gpx.GPX) []trackPoint {
	var points []trackPoint
	for _, trk := range doc.Tracks {
		for _, seg := range trk.Segments {
			for _, p := range seg.Points {
				points = append(points, trackPoint{lat: p.Latitude, lon: p.Longitude})
			}
		}
	}
	if len(points) == 0 {
		for _, rte := range doc.Routes {
			for _, p := range rte.Points {
				points = append(points, trackPoint{lat: p.Latitude, lon: p.Longitude})
			}
		}
	}
	return points
}

// Sample walks the point list and emits a waypoint each time cumulative
// distance crosses another intervalKM. The first point is always emitted as
// START and the last as FINISH, whatever the route length; a single-point
// route yields START and FINISH at the same coordinates.
func Sample(points []trackPoint, intervalKM float64) []models.Waypoint {
	if len(points) == 0 {
		return nil
	}

	first := points[0]
	last := points[len(points)-1]

	waypoints := []models.Waypoint{{Name: "START", Latitude: first.lat, Longitude: first.lon}}

	var traveled float64
	nextAt := intervalKM
	n := 0
	for i := 1; i < len(points)-1; i++ {
		traveled += haversineKM(points[i-1].lat, points[i-1].lon, points[i].lat, points[i].lon)
		if traveled >= nextAt {
			n++
			waypoints = append(waypoints, models.Waypoint{
				Name:      fmt.Sprintf("WP-%02d", n),
				Latitude:  points[i].lat,
				Longitude: points[i].lon,
			})
			for nextAt <= traveled {
				nextAt += intervalKM
			}
		}
	}

	waypoints = append(waypoints, models.Waypoint{Name: "FINISH", Latitude: last.lat, Longitude: last.lon})
	return waypoints
}

// haversineKM returns the great-circle distance between two coordinates in km.
func haversineKM(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKM * math.Asin(math.Sqrt(a))
}
