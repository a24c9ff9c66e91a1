// Package geometry implements the planar tests used to place people in queue zones.
package geometry

// Point is a 2D position in frame pixel coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Polygon is an ordered, implicitly closed list of vertices.
// Callers must ensure it has at least 3 points.
type Polygon []Point

// Contains reports whether p lies inside the polygon using the even-odd rule.
// Points exactly on an edge may be classified either way.
func (poly Polygon) Contains(p Point) bool {
	n := len(poly)
	if n == 0 {
		return false
	}

	inside := false
	p1 := poly[0]
	for i := 1; i <= n; i++ {
		p2 := poly[i%n]
		if p.Y > min(p1.Y, p2.Y) && p.Y <= max(p1.Y, p2.Y) && p.X <= max(p1.X, p2.X) {
			// Vertical edges skip the slope division.
			if p1.X == p2.X {
				inside = !inside
			} else if p1.Y != p2.Y {
				xinters := (p.Y-p1.Y)*(p2.X-p1.X)/(p2.Y-p1.Y) + p1.X
				if p.X <= xinters {
					inside = !inside
				}
			}
		}
		p1 = p2
	}
	return inside
}

// Bounds returns the axis-aligned bounding box of the polygon.
func (poly Polygon) Bounds() (minPt, maxPt Point) {
	if len(poly) == 0 {
		return Point{}, Point{}
	}
	minPt, maxPt = poly[0], poly[0]
	for _, pt := range poly[1:] {
		minPt.X = min(minPt.X, pt.X)
		minPt.Y = min(minPt.Y, pt.Y)
		maxPt.X = max(maxPt.X, pt.X)
		maxPt.Y = max(maxPt.Y, pt.Y)
	}
	return minPt, maxPt
}

// Centroid returns the vertex mean, used to place zone labels.
func (poly Polygon) Centroid() Point {
	if len(poly) == 0 {
		return Point{}
	}
	var c Point
	for _, pt := range poly {
		c.X += pt.X
		c.Y += pt.Y
	}
	n := float64(len(poly))
	return Point{X: c.X / n, Y: c.Y / n}
}
