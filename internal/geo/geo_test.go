package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInCircle(t *testing.T) {
	center := Point{Lat: 37.7749, Lon: -122.4194}
	near := Point{Lat: 37.7750, Lon: -122.4194}
	far := Point{Lat: 38.5816, Lon: -121.4944}

	assert.True(t, InCircle(near, center, 200))
	assert.False(t, InCircle(far, center, 200))
}

func TestHaversineMeters_ZeroForSamePoint(t *testing.T) {
	p := Point{Lat: 10, Lon: 20}
	assert.InDelta(t, 0, HaversineMeters(p, p), 0.001)
}

func square() []Point {
	return []Point{
		{Lat: 0, Lon: 0},
		{Lat: 0, Lon: 1},
		{Lat: 1, Lon: 1},
		{Lat: 1, Lon: 0},
	}
}

func TestInPolygon_InsideSquare(t *testing.T) {
	assert.True(t, InPolygon(Point{Lat: 0.5, Lon: 0.5}, square()))
}

func TestInPolygon_OutsideSquare(t *testing.T) {
	assert.False(t, InPolygon(Point{Lat: 2, Lon: 2}, square()))
}

func TestInPolygon_DegenerateRingNeverContains(t *testing.T) {
	assert.False(t, InPolygon(Point{Lat: 0.5, Lon: 0.5}, []Point{{Lat: 0, Lon: 0}, {Lat: 1, Lon: 1}}))
}

func TestBoundingBoxAndInBoundingBox(t *testing.T) {
	minP, maxP := BoundingBox(square())
	assert.Equal(t, Point{Lat: 0, Lon: 0}, minP)
	assert.Equal(t, Point{Lat: 1, Lon: 1}, maxP)
	assert.True(t, InBoundingBox(Point{Lat: 0.5, Lon: 0.5}, minP, maxP))
	assert.False(t, InBoundingBox(Point{Lat: 2, Lon: 2}, minP, maxP))
}
