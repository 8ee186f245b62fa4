// Package geo holds the point type, on-disk codec, and distance math
// behind geo columns. Points are stored as a 16-byte packed (lat, lon)
// pair; the per-column R-tree sidecar indexes the same coordinates for
// bounding-box pre-filtering.
package geo

import (
	"encoding/binary"
	"math"
)

// Point is one geographic coordinate in degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// BBox is an axis-aligned bounding box in degrees, inclusive on all
// edges, matching the R-tree sidecar's (minX..maxX, minY..maxY) cells.
type BBox struct {
	MinLat float64
	MaxLat float64
	MinLon float64
	MaxLon float64
}

// Contains reports whether p falls inside b.
func (b BBox) Contains(p Point) bool {
	return p.Lat >= b.MinLat && p.Lat <= b.MaxLat && p.Lon >= b.MinLon && p.Lon <= b.MaxLon
}

// Encode packs p into the 16-byte column blob: big-endian IEEE-754 lat
// then lon.
func Encode(p Point) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], math.Float64bits(p.Lat))
	binary.BigEndian.PutUint64(buf[8:16], math.Float64bits(p.Lon))
	return buf
}

// Decode unpacks a column blob produced by Encode. ok is false when the
// blob is not exactly 16 bytes (a null or corrupt cell).
func Decode(b []byte) (Point, bool) {
	if len(b) != 16 {
		return Point{}, false
	}
	return Point{
		Lat: math.Float64frombits(binary.BigEndian.Uint64(b[0:8])),
		Lon: math.Float64frombits(binary.BigEndian.Uint64(b[8:16])),
	}, true
}

const earthRadiusMeters = 6371000.0

// Distance returns the haversine great-circle distance between a and b
// in meters.
func Distance(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

// RadiusBBox returns the bounding box enclosing the circle of the given
// radius (meters) around center, used as the R-tree pre-filter before
// exact haversine filtering. Longitude spread widens toward the poles;
// past ±89.9° the box degenerates to the full longitude range.
func RadiusBBox(center Point, radiusMeters float64) BBox {
	dLat := radiusMeters / earthRadiusMeters * 180 / math.Pi
	cos := math.Cos(center.Lat * math.Pi / 180)
	var dLon float64
	if math.Abs(center.Lat) > 89.9 || cos <= 0 {
		dLon = 180
	} else {
		dLon = dLat / cos
	}
	return BBox{
		MinLat: center.Lat - dLat,
		MaxLat: center.Lat + dLat,
		MinLon: center.Lon - dLon,
		MaxLon: center.Lon + dLon,
	}
}
