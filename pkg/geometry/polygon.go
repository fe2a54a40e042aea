package geometry

// Region is a closed polygon in panel pixel coordinates. Detector models use
// regions to mask pixels that must not receive predictions.
type Region []Point2D

// NewRectRegion returns the axis-aligned rectangle spanning (minFS,minSS)-(maxFS,maxSS).
func NewRectRegion(minFS, minSS, maxFS, maxSS float64) Region {
	return Region{
		{X: minFS, Y: minSS},
		{X: maxFS, Y: minSS},
		{X: maxFS, Y: maxSS},
		{X: minFS, Y: maxSS},
	}
}

// Contains tests if a point is inside the region using ray casting.
func (r Region) Contains(p Point2D) bool {
	return PointInPolygon(p, r)
}

// PointInPolygon tests if a point is inside a polygon using ray casting.
func PointInPolygon(p Point2D, polygon []Point2D) bool {
	if len(polygon) < 3 {
		return false
	}

	inside := false
	n := len(polygon)

	for i := 0; i < n; i++ {
		j := (i + 1) % n
		pi, pj := polygon[i], polygon[j]

		// Ray from p towards +X crosses edge pi-pj
		if ((pi.Y > p.Y) != (pj.Y > p.Y)) &&
			(p.X < (pj.X-pi.X)*(p.Y-pi.Y)/(pj.Y-pi.Y)+pi.X) {
			inside = !inside
		}
	}

	return inside
}
