package geo

import (
	"math"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	points := []Point{
		{Lat: 37.7749, Lon: -122.4194},
		{Lat: 0, Lon: 0},
		{Lat: -89.9, Lon: 179.999},
	}
	for _, p := range points {
		got, ok := Decode(Encode(p))
		if !ok {
			t.Fatalf("Decode(Encode(%v)) not ok", p)
		}
		if got != p {
			t.Errorf("round trip: got %v, want %v", got, p)
		}
	}
}

func TestDecodeRejectsBadLength(t *testing.T) {
	if _, ok := Decode([]byte{1, 2, 3}); ok {
		t.Error("Decode accepted a 3-byte blob")
	}
	if _, ok := Decode(nil); ok {
		t.Error("Decode accepted nil")
	}
}

func TestDistanceKnownPairs(t *testing.T) {
	sf := Point{Lat: 37.7749, Lon: -122.4194}
	oakland := Point{Lat: 37.8044, Lon: -122.2712}

	d := Distance(sf, oakland)
	// Roughly 13.4 km between downtown SF and downtown Oakland.
	if d < 12000 || d > 15000 {
		t.Errorf("SF-Oakland distance = %.0f m, want ~13400", d)
	}

	if z := Distance(sf, sf); z != 0 {
		t.Errorf("distance to self = %v, want 0", z)
	}
}

func TestRadiusBBoxContainsCircle(t *testing.T) {
	center := Point{Lat: 37.77, Lon: -122.42}
	box := RadiusBBox(center, 1000)

	if !box.Contains(center) {
		t.Fatal("bbox does not contain its own center")
	}
	// A point ~900m due north must fall inside the box.
	north := Point{Lat: center.Lat + 900.0/6371000.0*180/math.Pi, Lon: center.Lon}
	if !box.Contains(north) {
		t.Error("bbox excludes a point inside the radius")
	}
	// A point ~5km away must fall outside.
	far := Point{Lat: center.Lat + 5000.0/6371000.0*180/math.Pi, Lon: center.Lon}
	if box.Contains(far) {
		t.Error("bbox includes a point far outside the radius")
	}
}

func TestRadiusBBoxNearPole(t *testing.T) {
	box := RadiusBBox(Point{Lat: 89.95, Lon: 10}, 1000)
	if box.MaxLon-box.MinLon < 359 {
		t.Errorf("near-pole bbox should span all longitudes, got %v..%v", box.MinLon, box.MaxLon)
	}
}
