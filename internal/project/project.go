// Package project reads and writes refinement job files. Job files are JSON5
// so that detector descriptions and peak lists can carry comments; they are
// written back as plain JSON, which is valid JSON5.
package project

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	json5 "github.com/KevinWang15/go-json5"
	"github.com/google/uuid"

	"xtal-refine/internal/crystal"
	"xtal-refine/internal/detector"
	"xtal-refine/pkg/geometry"
)

// FormatVersion is the job file version written by Save.
const FormatVersion = 1

// File represents a refinement job file (.json5).
type File struct {
	Version     int       `json:"version"`
	Name        string    `json:"name"`
	Created     time.Time `json:"created"`
	Modified    time.Time `json:"modified"`
	Description string    `json:"description,omitempty"`

	Detector detector.Detector `json:"detector"`
	Images   []Image           `json:"images"`

	// Merged reference path (relative to the job file)
	ReferencePath string `json:"reference,omitempty"`
}

// Image is one diffraction pattern with its peaks and the crystals found on it.
type Image struct {
	Filename   string         `json:"filename"`
	Lambda     float64        `json:"lambda"`
	Bandwidth  float64        `json:"bandwidth,omitempty"`
	Divergence float64        `json:"divergence,omitempty"`
	Peaks      []crystal.Peak `json:"peaks"`
	Crystals   []Crystal      `json:"crystals"`
}

// Crystal is the stored state of one crystal.
type Crystal struct {
	ID            string               `json:"id,omitempty"`
	Cell          geometry.Cell        `json:"cell"`
	ProfileRadius float64              `json:"profile_radius,omitempty"`
	Mosaicity     float64              `json:"mosaicity,omitempty"`
	Scale         float64              `json:"scale,omitempty"`
	BFactor       float64              `json:"bfactor,omitempty"`
	Shift         detector.Shift       `json:"shift"`
	Flag          crystal.Flag         `json:"flag,omitempty"`
	FlagReason    string               `json:"flag_reason,omitempty"`
	Notes         string               `json:"notes,omitempty"`
	Reflections   []crystal.Reflection `json:"reflections,omitempty"`
}

// New creates an empty job for det.
func New(name string, det detector.Detector) *File {
	now := time.Now()
	return &File{
		Version:  FormatVersion,
		Name:     name,
		Created:  now,
		Modified: now,
		Detector: det,
	}
}

// Load loads a job from a JSON5 file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes and checks a job.
func Parse(data []byte) (*File, error) {
	var job File
	if err := json5.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("parsing job file: %w", err)
	}
	if job.Version > FormatVersion {
		return nil, fmt.Errorf("job file version %d is newer than supported version %d", job.Version, FormatVersion)
	}
	if err := job.Detector.Validate(); err != nil {
		return nil, fmt.Errorf("job file detector: %w", err)
	}
	for i, img := range job.Images {
		if !(img.Lambda > 0) {
			return nil, fmt.Errorf("image %d (%s): wavelength must be positive", i, img.Filename)
		}
		for j, pk := range img.Peaks {
			if job.Detector.Panel(pk.Panel) == nil {
				return nil, fmt.Errorf("image %d (%s): peak %d on unknown panel %d", i, img.Filename, j, pk.Panel)
			}
		}
	}
	return &job, nil
}

// Save saves the job to a file.
func (p *File) Save(path string) error {
	p.Modified = time.Now()
	if p.Version == 0 {
		p.Version = FormatVersion
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Crystals builds the in-memory crystals. Crystals from the same image share
// one *crystal.Image and every image shares the job's detector.
func (p *File) Crystals() ([]*crystal.Crystal, error) {
	det := p.Detector
	var out []*crystal.Crystal
	for i := range p.Images {
		src := &p.Images[i]
		img := &crystal.Image{
			Filename:   src.Filename,
			Lambda:     src.Lambda,
			Bandwidth:  src.Bandwidth,
			Divergence: src.Divergence,
			Detector:   &det,
			Peaks:      append([]crystal.Peak(nil), src.Peaks...),
		}
		for j, sc := range src.Crystals {
			cr := crystal.New(img, sc.Cell)
			if sc.ID != "" {
				id, err := uuid.Parse(sc.ID)
				if err != nil {
					return nil, fmt.Errorf("image %s crystal %d: %w", src.Filename, j, err)
				}
				cr.ID = id
			}
			if sc.ProfileRadius > 0 {
				cr.ProfileRadius = sc.ProfileRadius
			}
			if sc.Scale > 0 {
				cr.Scale = sc.Scale
			}
			cr.Mosaicity = sc.Mosaicity
			cr.BFactor = sc.BFactor
			cr.Shift = sc.Shift
			cr.SetFlag(sc.Flag, sc.FlagReason)
			if sc.Notes != "" {
				cr.AddNote("%s", sc.Notes)
			}
			for _, r := range sc.Reflections {
				if _, err := cr.Reflections.Add(r); err != nil {
					return nil, fmt.Errorf("image %s crystal %d: %w", src.Filename, j, err)
				}
			}
			out = append(out, cr)
		}
	}
	return out, nil
}

// SetCrystals replaces the stored images and crystals with the given ones,
// grouping crystals by image in first-seen order.
func (p *File) SetCrystals(crystals []*crystal.Crystal) {
	p.Images = p.Images[:0]
	byImage := make(map[*crystal.Image]int)
	for _, cr := range crystals {
		idx, ok := byImage[cr.Image]
		if !ok {
			idx = len(p.Images)
			byImage[cr.Image] = idx
			img := Image{}
			if cr.Image != nil {
				img = Image{
					Filename:   cr.Image.Filename,
					Lambda:     cr.Image.Lambda,
					Bandwidth:  cr.Image.Bandwidth,
					Divergence: cr.Image.Divergence,
					Peaks:      cr.Image.Peaks,
				}
			}
			p.Images = append(p.Images, img)
		}
		sc := Crystal{
			ID:            cr.ID.String(),
			Cell:          cr.Cell,
			ProfileRadius: cr.ProfileRadius,
			Mosaicity:     cr.Mosaicity,
			Scale:         cr.Scale,
			BFactor:       cr.BFactor,
			Shift:         cr.Shift,
			Flag:          cr.Flag,
			FlagReason:    cr.FlagReason,
			Notes:         cr.Notes(),
		}
		if cr.Reflections != nil {
			for _, r := range cr.Reflections.Sorted() {
				sc.Reflections = append(sc.Reflections, *r)
			}
		}
		p.Images[idx].Crystals = append(p.Images[idx].Crystals, sc)
	}
	p.Modified = time.Now()
}

// SetReference sets the reference path (relative to the job).
func (p *File) SetReference(projectPath, refPath string) {
	rel, err := filepath.Rel(filepath.Dir(projectPath), refPath)
	if err != nil {
		p.ReferencePath = refPath
	} else {
		p.ReferencePath = rel
	}
	p.Modified = time.Now()
}

// GetReferencePath returns the absolute path to the merged reference.
func (p *File) GetReferencePath(projectPath string) string {
	if p.ReferencePath == "" {
		// Default: job_name_reference.json
		base := projectPath[:len(projectPath)-len(filepath.Ext(projectPath))]
		return base + "_reference.json"
	}
	if filepath.IsAbs(p.ReferencePath) {
		return p.ReferencePath
	}
	return filepath.Join(filepath.Dir(projectPath), p.ReferencePath)
}

// SaveReference writes a merged reflection list in index order.
func SaveReference(path string, list *crystal.RefList) error {
	refs := make([]crystal.Reflection, 0, list.Len())
	for _, r := range list.Sorted() {
		refs = append(refs, *r)
	}
	data, err := json.MarshalIndent(refs, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// LoadReference reads a reflection list written by SaveReference or by hand.
func LoadReference(path string) (*crystal.RefList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var refs []crystal.Reflection
	if err := json5.Unmarshal(data, &refs); err != nil {
		return nil, fmt.Errorf("parsing reference %s: %w", path, err)
	}
	list := crystal.NewRefList()
	for _, r := range refs {
		if _, err := list.Add(r); err != nil {
			return nil, fmt.Errorf("reference %s: %w", path, err)
		}
	}
	return list, nil
}
