// Package detector models a multi-panel area detector.
//
// Panels are flat. A pixel (fs, ss) of a panel sits in the laboratory frame at
//
//	((corner + fs*FS + ss*SS) * pitch) + (dx, dy, 0)
//
// where corner, FS and SS are expressed in pixel units and (dx, dy) is the
// per-crystal detector shift in metres. The beam travels along +z and the
// interaction point is the origin.
package detector

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"xtal-refine/pkg/geometry"
)

// Shift is an in-plane detector translation in metres.
type Shift struct {
	DX float64 `json:"dx"`
	DY float64 `json:"dy"`
}

// Panel is one flat detector module.
type Panel struct {
	Name       string            `json:"name"`
	Width      int               `json:"width"`  // pixels along fs
	Height     int               `json:"height"` // pixels along ss
	Corner     r3.Vec            `json:"corner"` // pixel units
	FS         r3.Vec            `json:"fs"`
	SS         r3.Vec            `json:"ss"`
	PixelPitch float64           `json:"pixel_pitch"` // metres
	MaxRes     float64           `json:"max_res,omitempty"`
	Bad        []geometry.Region `json:"bad,omitempty"`
}

// NewFlatPanel returns a panel perpendicular to the beam at distance clen (m),
// with fs along +x and ss along +y and the given corner in pixels.
func NewFlatPanel(name string, width, height int, cornerFS, cornerSS, clen, pitch float64) Panel {
	return Panel{
		Name:       name,
		Width:      width,
		Height:     height,
		Corner:     r3.Vec{X: cornerFS, Y: cornerSS, Z: clen / pitch},
		FS:         r3.Vec{X: 1},
		SS:         r3.Vec{Y: 1},
		PixelPitch: pitch,
	}
}

// Transform returns the in-plane (fs, ss) -> (x, y) mapping in metres, without shift.
func (p *Panel) Transform() geometry.AffineTransform {
	return geometry.AffineTransform{
		A: p.FS.X * p.PixelPitch, B: p.SS.X * p.PixelPitch, TX: p.Corner.X * p.PixelPitch,
		C: p.FS.Y * p.PixelPitch, D: p.SS.Y * p.PixelPitch, TY: p.Corner.Y * p.PixelPitch,
	}
}

// Origin returns the laboratory position of pixel (0,0) including shift.
func (p *Panel) Origin(shift Shift) r3.Vec {
	o := r3.Scale(p.PixelPitch, p.Corner)
	o.X += shift.DX
	o.Y += shift.DY
	return o
}

// LabPosition returns the laboratory position of (fs, ss) in metres.
func (p *Panel) LabPosition(fs, ss float64, shift Shift) r3.Vec {
	xy := p.Transform().Apply(geometry.NewPoint2D(fs, ss))
	z := (p.Corner.Z + fs*p.FS.Z + ss*p.SS.Z) * p.PixelPitch
	return r3.Vec{X: xy.X + shift.DX, Y: xy.Y + shift.DY, Z: z}
}

// Normal returns FS x SS scaled by the pixel pitch squared.
func (p *Panel) Normal() r3.Vec {
	return r3.Scale(p.PixelPitch*p.PixelPitch, r3.Cross(p.FS, p.SS))
}

// Hit is the intersection of a ray from the origin with a panel plane.
type Hit struct {
	FS, SS float64
	// T scales the ray direction to the intersection point.
	T float64
	// Point is the laboratory intersection point.
	Point r3.Vec
	// NDotU is the normal-direction product, kept for gradients.
	NDotU float64
}

// Intersect intersects the ray t*u (t > 0) with the panel plane.
// No bounds check is applied to the returned coordinates.
func (p *Panel) Intersect(u r3.Vec, shift Shift) (Hit, bool) {
	n := p.Normal()
	nu := r3.Dot(n, u)
	if nu == 0 || math.IsNaN(nu) {
		return Hit{}, false
	}
	o := p.Origin(shift)
	t := r3.Dot(n, o) / nu
	if t <= 0 || math.IsInf(t, 0) {
		return Hit{}, false
	}
	q := r3.Scale(t, u)

	// The in-plane mapping is invertible unless the panel is edge-on to the
	// beam axis; such panels fall back to solving in the panel plane.
	if inv, ok := p.Transform().Inverse(); ok {
		px := inv.Apply(geometry.NewPoint2D(q.X-shift.DX, q.Y-shift.DY))
		return Hit{FS: px.X, SS: px.Y, T: t, Point: q, NDotU: nu}, true
	}
	d := r3.Sub(q, o)
	f := r3.Scale(p.PixelPitch, p.FS)
	s := r3.Scale(p.PixelPitch, p.SS)
	nn := r3.Dot(n, n)
	fs := r3.Dot(r3.Cross(d, s), n) / nn
	ss := r3.Dot(r3.Cross(f, d), n) / nn

	return Hit{FS: fs, SS: ss, T: t, Point: q, NDotU: nu}, true
}

// Contains reports whether (fs, ss) lies on the panel.
func (p *Panel) Contains(fs, ss float64) bool {
	return fs >= 0 && fs < float64(p.Width) && ss >= 0 && ss < float64(p.Height)
}

// InBadRegion reports whether (fs, ss) lies in a masked region.
func (p *Panel) InBadRegion(fs, ss float64) bool {
	pt := geometry.NewPoint2D(fs, ss)
	for _, r := range p.Bad {
		if r.Contains(pt) {
			return true
		}
	}
	return false
}

// Detector is a set of panels.
type Detector struct {
	Panels []Panel `json:"panels"`
}

// Validate checks that every panel is usable.
func (d *Detector) Validate() error {
	if len(d.Panels) == 0 {
		return fmt.Errorf("detector has no panels")
	}
	for i := range d.Panels {
		p := &d.Panels[i]
		if p.Width <= 0 || p.Height <= 0 {
			return fmt.Errorf("panel %d (%s): invalid size %dx%d", i, p.Name, p.Width, p.Height)
		}
		if p.PixelPitch <= 0 {
			return fmt.Errorf("panel %d (%s): pixel pitch must be positive", i, p.Name)
		}
		if r3.Norm(r3.Cross(p.FS, p.SS)) == 0 {
			return fmt.Errorf("panel %d (%s): fs and ss are parallel", i, p.Name)
		}
	}
	return nil
}

// Panel returns panel i or nil.
func (d *Detector) Panel(i int) *Panel {
	if i < 0 || i >= len(d.Panels) {
		return nil
	}
	return &d.Panels[i]
}

// PanelByName returns the index of the named panel, or -1.
func (d *Detector) PanelByName(name string) int {
	for i := range d.Panels {
		if d.Panels[i].Name == name {
			return i
		}
	}
	return -1
}

// Location is a position on one panel.
type Location struct {
	Panel  int
	FS, SS float64
}

// Locate finds the panels hit by the ray t*u. It returns the last hit and the
// number of panels hit; callers treat anything but one hit as ambiguous.
func (d *Detector) Locate(u r3.Vec, shift Shift) (Location, int) {
	var loc Location
	hits := 0
	for i := range d.Panels {
		p := &d.Panels[i]
		h, ok := p.Intersect(u, shift)
		if !ok || !p.Contains(h.FS, h.SS) {
			continue
		}
		loc = Location{Panel: i, FS: h.FS, SS: h.SS}
		hits++
	}
	return loc, hits
}

// Reciprocal back-projects a pixel onto the Ewald sphere of radius k (m^-1)
// and returns the scattering vector.
func (d *Detector) Reciprocal(loc Location, shift Shift, k float64) (r3.Vec, error) {
	p := d.Panel(loc.Panel)
	if p == nil {
		return r3.Vec{}, fmt.Errorf("no panel %d", loc.Panel)
	}
	pos := p.LabPosition(loc.FS, loc.SS, shift)
	norm := r3.Norm(pos)
	if norm == 0 {
		return r3.Vec{}, fmt.Errorf("pixel at the interaction point")
	}
	r := r3.Scale(k/norm, pos)
	r.Z -= k
	return r, nil
}

// Resolution returns 1/d (m^-1) seen at a pixel for wavelength lambda.
func (d *Detector) Resolution(loc Location, shift Shift, lambda float64) (float64, error) {
	r, err := d.Reciprocal(loc, shift, 1/lambda)
	if err != nil {
		return 0, err
	}
	return r3.Norm(r), nil
}
