// Package geo implements point-in-shape containment for the geofence
// zones the processor evaluates against each fix: polygons (ray
// casting) and circles (haversine distance). No library in the
// retrieval pack imports a geospatial package for this — every match
// for "geo"/"orb"/"s2" turned out to be an unrelated substring hit
// (e.g. "mongo") — so this stays on stdlib math, which is more than
// adequate for the single-point containment checks the processor
// needs.
package geo

import "math"

const earthRadiusMeters = 6_371_000.0

// Point is a WGS84 coordinate pair.
type Point struct {
	Lat float64
	Lon float64
}

// HaversineMeters returns the great-circle distance between a and b.
func HaversineMeters(a, b Point) float64 {
	lat1 := radians(a.Lat)
	lat2 := radians(b.Lat)
	dLat := radians(b.Lat - a.Lat)
	dLon := radians(b.Lon - a.Lon)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusMeters * c
}

// InCircle reports whether p lies within radiusMeters of center.
func InCircle(p, center Point, radiusMeters float64) bool {
	return HaversineMeters(p, center) <= radiusMeters
}

// InPolygon reports whether p lies inside the polygon described by
// vertices, using the standard even-odd ray-casting rule. The ring
// need not be explicitly closed (the last vertex need not repeat the
// first) — the algorithm wraps implicitly. Vertices must number at
// least 3 or the point is never contained.
func InPolygon(p Point, vertices []Point) bool {
	n := len(vertices)
	if n < 3 {
		return false
	}

	inside := false
	j := n - 1
	for i := 0; i < n; i++ {
		vi, vj := vertices[i], vertices[j]
		if ((vi.Lat > p.Lat) != (vj.Lat > p.Lat)) &&
			(p.Lon < (vj.Lon-vi.Lon)*(p.Lat-vi.Lat)/(vj.Lat-vi.Lat)+vi.Lon) {
			inside = !inside
		}
		j = i
	}
	return inside
}

// BoundingBox returns the axis-aligned box enclosing vertices, used as
// a cheap prefilter before the more expensive ray-casting test.
func BoundingBox(vertices []Point) (minP, maxP Point) {
	if len(vertices) == 0 {
		return Point{}, Point{}
	}
	minP, maxP = vertices[0], vertices[0]
	for _, v := range vertices[1:] {
		if v.Lat < minP.Lat {
			minP.Lat = v.Lat
		}
		if v.Lon < minP.Lon {
			minP.Lon = v.Lon
		}
		if v.Lat > maxP.Lat {
			maxP.Lat = v.Lat
		}
		if v.Lon > maxP.Lon {
			maxP.Lon = v.Lon
		}
	}
	return minP, maxP
}

// InBoundingBox reports whether p falls within the box [minP, maxP].
func InBoundingBox(p, minP, maxP Point) bool {
	return p.Lat >= minP.Lat && p.Lat <= maxP.Lat && p.Lon >= minP.Lon && p.Lon <= maxP.Lon
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
