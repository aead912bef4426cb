package geometry

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidZoneGeometry is returned for polygons that cannot describe a zone
var ErrInvalidZoneGeometry = errors.New("invalid zone geometry")

// epsilon absorbs float rounding in boundary and collinearity tests
const epsilon = 1e-9

// Point is a position in frame-pixel coordinates
type Point struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Polygon is an ordered, implicitly closed ring of vertices
type Polygon []Point

// Distance returns the euclidean distance between two points
func Distance(a, b Point) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

// PointInCircle reports whether p lies inside or on the circle
func PointInCircle(p, center Point, radius float64) bool {
	dx := p.X - center.X
	dy := p.Y - center.Y
	return dx*dx+dy*dy <= radius*radius+epsilon
}

// PointInPolygon reports whether p lies inside poly.
// Points on an edge or vertex count as inside.
func PointInPolygon(p Point, poly Polygon) bool {
	n := len(poly)
	if n < 3 {
		return false
	}

	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		a, b := poly[j], poly[i]
		if onSegment(p, a, b) {
			return true
		}
		// Half-open rule on y keeps vertices from being counted twice
		if (b.Y > p.Y) != (a.Y > p.Y) {
			xCross := (a.X-b.X)*(p.Y-b.Y)/(a.Y-b.Y) + b.X
			if p.X < xCross {
				inside = !inside
			}
		}
	}
	return inside
}

// Area returns the unsigned shoelace area of the polygon
func Area(poly Polygon) float64 {
	n := len(poly)
	if n < 3 {
		return 0
	}
	var sum float64
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		sum += poly[j].X*poly[i].Y - poly[i].X*poly[j].Y
	}
	return math.Abs(sum) / 2
}

// Centroid returns the vertex average of the polygon
func Centroid(poly Polygon) Point {
	if len(poly) == 0 {
		return Point{}
	}
	var c Point
	for _, p := range poly {
		c.X += p.X
		c.Y += p.Y
	}
	n := float64(len(poly))
	return Point{X: c.X / n, Y: c.Y / n}
}

// ValidatePolygon rejects polygons with fewer than three vertices,
// non-finite coordinates, zero area or crossing edges.
func ValidatePolygon(poly Polygon) error {
	n := len(poly)
	if n < 3 {
		return fmt.Errorf("%w: polygon has %d vertices, need at least 3", ErrInvalidZoneGeometry, n)
	}

	for i, p := range poly {
		if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
			return fmt.Errorf("%w: vertex %d is not finite", ErrInvalidZoneGeometry, i)
		}
	}

	if Area(poly) <= epsilon {
		return fmt.Errorf("%w: polygon has zero area", ErrInvalidZoneGeometry)
	}

	for i := 0; i < n; i++ {
		a1, a2 := poly[i], poly[(i+1)%n]
		for j := i + 1; j < n; j++ {
			// Adjacent edges share a vertex by construction
			if j == i+1 || (i == 0 && j == n-1) {
				continue
			}
			b1, b2 := poly[j], poly[(j+1)%n]
			if segmentsIntersect(a1, a2, b1, b2) {
				return fmt.Errorf("%w: edges %d and %d intersect", ErrInvalidZoneGeometry, i, j)
			}
		}
	}
	return nil
}

func cross(o, a, b Point) float64 {
	return (a.X-o.X)*(b.Y-o.Y) - (a.Y-o.Y)*(b.X-o.X)
}

func onSegment(p, a, b Point) bool {
	if math.Abs(cross(a, b, p)) > epsilon*math.Max(1, Distance(a, b)) {
		return false
	}
	return p.X >= math.Min(a.X, b.X)-epsilon && p.X <= math.Max(a.X, b.X)+epsilon &&
		p.Y >= math.Min(a.Y, b.Y)-epsilon && p.Y <= math.Max(a.Y, b.Y)+epsilon
}

func sign(v float64) int {
	switch {
	case v > epsilon:
		return 1
	case v < -epsilon:
		return -1
	default:
		return 0
	}
}

// segmentsIntersect reports whether segments p1p2 and q1q2 touch or cross
func segmentsIntersect(p1, p2, q1, q2 Point) bool {
	d1 := sign(cross(q1, q2, p1))
	d2 := sign(cross(q1, q2, p2))
	d3 := sign(cross(p1, p2, q1))
	d4 := sign(cross(p1, p2, q2))

	if d1*d2 < 0 && d3*d4 < 0 {
		return true
	}
	switch {
	case d1 == 0 && onSegment(p1, q1, q2):
		return true
	case d2 == 0 && onSegment(p2, q1, q2):
		return true
	case d3 == 0 && onSegment(q1, p1, p2):
		return true
	case d4 == 0 && onSegment(q2, p1, p2):
		return true
	}
	return false
}
