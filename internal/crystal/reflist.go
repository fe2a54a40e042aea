package crystal

import (
	"fmt"
	"sort"

	"xtal-refine/pkg/geometry"
)

// Reflection is one reciprocal lattice point as predicted or measured.
type Reflection struct {
	Index      geometry.Miller `json:"index"`
	Panel      int             `json:"panel"`
	FS         float64         `json:"fs"`
	SS         float64         `json:"ss"`
	Excitation float64         `json:"excitation"` // m^-1
	Intensity  float64         `json:"intensity"`
	Sigma      float64         `json:"sigma"`
	Partiality float64         `json:"partiality"`
	Lorentz    float64         `json:"lorentz"`
	Redundancy int             `json:"redundancy"`
	Free       bool            `json:"free,omitempty"`
}

// NewReflection returns a reflection with unit partiality and Lorentz factor.
func NewReflection(idx geometry.Miller) Reflection {
	return Reflection{Index: idx, Partiality: 1, Lorentz: 1}
}

// RefList stores reflections keyed by Miller index.
// Pointers returned by the list stay valid until the list is modified by Remove.
type RefList struct {
	refs  []*Reflection
	index map[geometry.Miller]int
}

// NewRefList creates an empty list.
func NewRefList() *RefList {
	return &RefList{index: make(map[geometry.Miller]int)}
}

// Add inserts a copy of r. Indices must be unique.
func (l *RefList) Add(r Reflection) (*Reflection, error) {
	if _, ok := l.index[r.Index]; ok {
		return nil, fmt.Errorf("duplicate reflection %s", r.Index)
	}
	cp := r
	l.index[r.Index] = len(l.refs)
	l.refs = append(l.refs, &cp)
	return &cp, nil
}

// Find returns the reflection with the given index or nil.
func (l *RefList) Find(idx geometry.Miller) *Reflection {
	if l == nil {
		return nil
	}
	i, ok := l.index[idx]
	if !ok {
		return nil
	}
	return l.refs[i]
}

// Remove deletes a reflection, if present.
func (l *RefList) Remove(idx geometry.Miller) {
	i, ok := l.index[idx]
	if !ok {
		return
	}
	last := len(l.refs) - 1
	if i != last {
		l.refs[i] = l.refs[last]
		l.index[l.refs[i].Index] = i
	}
	l.refs = l.refs[:last]
	delete(l.index, idx)
}

// Len returns the number of reflections.
func (l *RefList) Len() int {
	if l == nil {
		return 0
	}
	return len(l.refs)
}

// All returns the reflections in insertion order (modulo removals).
func (l *RefList) All() []*Reflection {
	if l == nil {
		return nil
	}
	return l.refs
}

// Sorted returns the reflections ordered by h, k, l.
func (l *RefList) Sorted() []*Reflection {
	out := make([]*Reflection, l.Len())
	copy(out, l.All())
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Index, out[j].Index
		if a.H != b.H {
			return a.H < b.H
		}
		if a.K != b.K {
			return a.K < b.K
		}
		return a.L < b.L
	})
	return out
}

// Copy returns a deep copy.
func (l *RefList) Copy() *RefList {
	out := NewRefList()
	for _, r := range l.All() {
		_, _ = out.Add(*r)
	}
	return out
}
