package crystal

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xtal-refine/pkg/geometry"
)

func TestRefListUniqueIndices(t *testing.T) {
	l := NewRefList()
	_, err := l.Add(NewReflection(geometry.Miller{H: 1, K: 2, L: 3}))
	require.NoError(t, err)
	_, err = l.Add(NewReflection(geometry.Miller{H: 1, K: 2, L: 3}))
	assert.Error(t, err)
	assert.Equal(t, 1, l.Len())
}

func TestRefListFindAndRemove(t *testing.T) {
	l := NewRefList()
	for h := 0; h < 5; h++ {
		_, err := l.Add(NewReflection(geometry.Miller{H: h}))
		require.NoError(t, err)
	}

	r := l.Find(geometry.Miller{H: 4})
	require.NotNil(t, r)
	r.Intensity = 42

	l.Remove(geometry.Miller{H: 1})
	assert.Equal(t, 4, l.Len())
	assert.Nil(t, l.Find(geometry.Miller{H: 1}))
	assert.InDelta(t, 42, l.Find(geometry.Miller{H: 4}).Intensity, 0)

	sorted := l.Sorted()
	require.Len(t, sorted, 4)
	assert.Equal(t, 0, sorted[0].Index.H)
	assert.Equal(t, 4, sorted[3].Index.H)

	var nilList *RefList
	assert.Nil(t, nilList.Find(geometry.Miller{}))
	assert.Zero(t, nilList.Len())
}

func TestCopyIsDeep(t *testing.T) {
	l := NewRefList()
	_, err := l.Add(NewReflection(geometry.Miller{L: 1}))
	require.NoError(t, err)

	cp := l.Copy()
	cp.Find(geometry.Miller{L: 1}).Intensity = 7
	assert.Zero(t, l.Find(geometry.Miller{L: 1}).Intensity)
}

func TestCrystalFlagsAndNotes(t *testing.T) {
	cr := New(&Image{Lambda: 1e-10}, geometry.Cell{})
	assert.NotEqual(t, uuid.Nil, cr.ID)
	assert.True(t, cr.Usable())

	cr.SetFlag(FlagFewReflections, "only 1")
	cr.SetFlag(FlagSolveFailed, "later")
	assert.Equal(t, FlagFewReflections, cr.Flag)
	assert.Equal(t, "only 1", cr.FlagReason)
	assert.Equal(t, "not enough reflections", cr.Flag.String())

	cr.ClearFlag()
	assert.True(t, cr.Usable())

	cr.AddNote("a = %d", 1)
	cr.AddNote("b")
	assert.Equal(t, "a = 1\nb", cr.Notes())
	assert.InDelta(t, 1e10, cr.Image.K(), 1)
}

func TestSnapshotRestore(t *testing.T) {
	cr := New(&Image{Lambda: 1e-10}, geometry.Cell{})
	snap := cr.Snapshot()
	cr.Scale = 3
	cr.Shift.DX = 1
	cr.Restore(snap)
	assert.InDelta(t, 1, cr.Scale, 0)
	assert.Zero(t, cr.Shift.DX)
}
