// Package crystal holds the per-crystal state mutated by the refinement
// stages, the images crystals come from and their reflection lists.
package crystal

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"xtal-refine/internal/detector"
	"xtal-refine/pkg/geometry"
)

// Flag records why a crystal was excluded from further processing.
type Flag int

const (
	FlagNone Flag = iota
	FlagFewReflections
	FlagSolveFailed
	FlagNonFinite
	FlagPostRefineFailed
	FlagScaleBad
	FlagPanicked
	FlagFailed
)

func (f Flag) String() string {
	switch f {
	case FlagNone:
		return "ok"
	case FlagFewReflections:
		return "not enough reflections"
	case FlagSolveFailed:
		return "solve failed"
	case FlagNonFinite:
		return "non-finite parameters"
	case FlagPostRefineFailed:
		return "post-refinement failed"
	case FlagScaleBad:
		return "scaling to reference failed"
	case FlagPanicked:
		return "task panicked"
	case FlagFailed:
		return "failed"
	}
	return fmt.Sprintf("flag(%d)", int(f))
}

// Peak is an observed spot reported by the peak finder.
type Peak struct {
	Panel     int     `json:"panel"`
	FS        float64 `json:"fs"`
	SS        float64 `json:"ss"`
	Intensity float64 `json:"intensity"`
}

// Image is one diffraction pattern.
type Image struct {
	Filename   string             `json:"filename"`
	Lambda     float64            `json:"lambda"`     // metres
	Bandwidth  float64            `json:"bandwidth"`  // fractional FWHM
	Divergence float64            `json:"divergence"` // radians
	Detector   *detector.Detector `json:"-"`
	Peaks      []Peak             `json:"peaks"`
}

// K returns the wavenumber 1/lambda in m^-1.
func (im *Image) K() float64 {
	return 1 / im.Lambda
}

// Crystal is one lattice found on an image.
type Crystal struct {
	ID            uuid.UUID      `json:"id"`
	Cell          geometry.Cell  `json:"cell"`
	ProfileRadius float64        `json:"profile_radius"` // m^-1
	Mosaicity     float64        `json:"mosaicity"`      // radians
	Scale         float64        `json:"scale"`          // G
	BFactor       float64        `json:"bfactor"`        // m^2
	Shift         detector.Shift `json:"shift"`
	Image         *Image         `json:"-"`
	Reflections   *RefList       `json:"-"`
	Flag          Flag           `json:"flag"`
	FlagReason    string         `json:"flag_reason,omitempty"`
	notes         []string
}

// New creates an unflagged crystal with unit scale.
func New(img *Image, cell geometry.Cell) *Crystal {
	return &Crystal{
		ID:            uuid.New(),
		Cell:          cell,
		ProfileRadius: 2e6,
		Scale:         1,
		Image:         img,
		Reflections:   NewRefList(),
	}
}

// SetFlag marks the crystal as excluded. The first flag wins.
func (c *Crystal) SetFlag(f Flag, reason string) {
	if c.Flag != FlagNone {
		return
	}
	c.Flag = f
	c.FlagReason = reason
}

// ClearFlag makes the crystal usable again.
func (c *Crystal) ClearFlag() {
	c.Flag = FlagNone
	c.FlagReason = ""
}

// Usable reports whether the crystal is unflagged.
func (c *Crystal) Usable() bool {
	return c.Flag == FlagNone
}

// AddNote appends a line to the crystal's notes.
func (c *Crystal) AddNote(format string, args ...any) {
	c.notes = append(c.notes, fmt.Sprintf(format, args...))
}

// Notes returns the notes, one per line.
func (c *Crystal) Notes() string {
	return strings.Join(c.notes, "\n")
}

// Snapshot holds the refinable parameters of a crystal.
type Snapshot struct {
	Cell          geometry.Cell
	Shift         detector.Shift
	ProfileRadius float64
	Scale         float64
	BFactor       float64
}

// Snapshot captures the refinable parameters.
func (c *Crystal) Snapshot() Snapshot {
	return Snapshot{
		Cell:          c.Cell,
		Shift:         c.Shift,
		ProfileRadius: c.ProfileRadius,
		Scale:         c.Scale,
		BFactor:       c.BFactor,
	}
}

// Restore resets the refinable parameters.
func (c *Crystal) Restore(s Snapshot) {
	c.Cell = s.Cell
	c.Shift = s.Shift
	c.ProfileRadius = s.ProfileRadius
	c.Scale = s.Scale
	c.BFactor = s.BFactor
}
