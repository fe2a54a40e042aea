package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	s := String()
	assert.True(t, strings.HasPrefix(s, "xtal-refine "+Version))
	assert.Contains(t, s, BuildTime)
}

func TestCommitPrefersLinkerValue(t *testing.T) {
	old := GitCommit
	t.Cleanup(func() { GitCommit = old })

	GitCommit = "abc123"
	assert.Equal(t, "abc123", Commit())
}
