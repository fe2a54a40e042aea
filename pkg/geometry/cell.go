package geometry

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Cell is a crystal lattice stored by its reciprocal basis vectors, in m^-1,
// in the laboratory frame (beam along +z).
type Cell struct {
	AStar r3.Vec `json:"astar"`
	BStar r3.Vec `json:"bstar"`
	CStar r3.Vec `json:"cstar"`
}

// Miller identifies a reciprocal lattice point.
type Miller struct {
	H, K, L int
}

// IsOrigin reports whether the indices are 000.
func (m Miller) IsOrigin() bool {
	return m.H == 0 && m.K == 0 && m.L == 0
}

// String formats the indices as "h k l".
func (m Miller) String() string {
	return fmt.Sprintf("%d %d %d", m.H, m.K, m.L)
}

// NewCellFromReciprocal creates a cell from its reciprocal basis vectors.
func NewCellFromReciprocal(as, bs, cs r3.Vec) Cell {
	return Cell{AStar: as, BStar: bs, CStar: cs}
}

// NewCellFromParameters builds a cell from direct-space lengths (m) and angles
// (radians) in the standard orientation: a along x, b in the xy plane.
func NewCellFromParameters(a, b, c, alpha, beta, gamma float64) (Cell, error) {
	if a <= 0 || b <= 0 || c <= 0 {
		return Cell{}, fmt.Errorf("cell lengths must be positive: %g %g %g", a, b, c)
	}
	sg := math.Sin(gamma)
	if math.Abs(sg) < 1e-12 {
		return Cell{}, fmt.Errorf("degenerate gamma angle %g", gamma)
	}
	cx := c * math.Cos(beta)
	cy := c * (math.Cos(alpha) - math.Cos(beta)*math.Cos(gamma)) / sg
	cz2 := c*c - cx*cx - cy*cy
	if cz2 <= 0 {
		return Cell{}, fmt.Errorf("impossible cell angles %g %g %g", alpha, beta, gamma)
	}

	av := r3.Vec{X: a}
	bv := r3.Vec{X: b * math.Cos(gamma), Y: b * sg}
	cv := r3.Vec{X: cx, Y: cy, Z: math.Sqrt(cz2)}

	return NewCellFromDirect(av, bv, cv)
}

// NewCellFromDirect builds a cell from direct-space basis vectors (m).
func NewCellFromDirect(a, b, c r3.Vec) (Cell, error) {
	vol := r3.Dot(a, r3.Cross(b, c))
	if math.Abs(vol) < 1e-300 {
		return Cell{}, fmt.Errorf("direct basis is singular")
	}
	return Cell{
		AStar: r3.Scale(1/vol, r3.Cross(b, c)),
		BStar: r3.Scale(1/vol, r3.Cross(c, a)),
		CStar: r3.Scale(1/vol, r3.Cross(a, b)),
	}, nil
}

// Direct returns the direct-space basis vectors (m).
func (c Cell) Direct() (a, b, cv r3.Vec, ok bool) {
	vol := r3.Dot(c.AStar, r3.Cross(c.BStar, c.CStar))
	if math.Abs(vol) < 1e-300 || math.IsNaN(vol) {
		return r3.Vec{}, r3.Vec{}, r3.Vec{}, false
	}
	a = r3.Scale(1/vol, r3.Cross(c.BStar, c.CStar))
	b = r3.Scale(1/vol, r3.Cross(c.CStar, c.AStar))
	cv = r3.Scale(1/vol, r3.Cross(c.AStar, c.BStar))
	return a, b, cv, true
}

// Q returns the Cartesian reciprocal-space position of (h,k,l).
func (c Cell) Q(m Miller) r3.Vec {
	return r3.Vec{
		X: float64(m.H)*c.AStar.X + float64(m.K)*c.BStar.X + float64(m.L)*c.CStar.X,
		Y: float64(m.H)*c.AStar.Y + float64(m.K)*c.BStar.Y + float64(m.L)*c.CStar.Y,
		Z: float64(m.H)*c.AStar.Z + float64(m.K)*c.BStar.Z + float64(m.L)*c.CStar.Z,
	}
}

// Resolution returns 1/2d for the reflection, in m^-1.
func (c Cell) Resolution(m Miller) float64 {
	return r3.Norm(c.Q(m)) / 2
}

// LowestReflection returns the shortest non-zero reciprocal lattice vector
// length among the low-order reflections, in m^-1.
func (c Cell) LowestReflection() float64 {
	lowest := math.Inf(1)
	for h := -1; h <= 1; h++ {
		for k := -1; k <= 1; k++ {
			for l := -1; l <= 1; l++ {
				m := Miller{h, k, l}
				if m.IsOrigin() {
					continue
				}
				if d := r3.Norm(c.Q(m)); d < lowest {
					lowest = d
				}
			}
		}
	}
	return lowest
}

// Components returns the nine reciprocal components in a*, b*, c* order.
func (c Cell) Components() [9]float64 {
	return [9]float64{
		c.AStar.X, c.AStar.Y, c.AStar.Z,
		c.BStar.X, c.BStar.Y, c.BStar.Z,
		c.CStar.X, c.CStar.Y, c.CStar.Z,
	}
}

// WithComponents returns a cell built from nine components in a*, b*, c* order.
func WithComponents(v [9]float64) Cell {
	return Cell{
		AStar: r3.Vec{X: v[0], Y: v[1], Z: v[2]},
		BStar: r3.Vec{X: v[3], Y: v[4], Z: v[5]},
		CStar: r3.Vec{X: v[6], Y: v[7], Z: v[8]},
	}
}

// RotateXY rotates the whole basis by ang1 about x, then by ang2 about y.
func (c Cell) RotateXY(ang1, ang2 float64) Cell {
	xAxis := r3.Vec{X: 1}
	yAxis := r3.Vec{Y: 1}
	rot := func(v r3.Vec) r3.Vec {
		return r3.Rotate(r3.Rotate(v, ang1, xAxis), ang2, yAxis)
	}
	return Cell{AStar: rot(c.AStar), BStar: rot(c.BStar), CStar: rot(c.CStar)}
}

// IsFinite reports whether every component is finite.
func (c Cell) IsFinite() bool {
	for _, v := range c.Components() {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
