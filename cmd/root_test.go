package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xtal-refine/internal/app"
	"xtal-refine/internal/project"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := RootCommand(app.NewContext())
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "xtal-refine "))
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xtal-refine.yaml")
	_, err := execute(t, "config", "init", path)
	require.NoError(t, err)
	_, err = os.Stat(path)
	require.NoError(t, err)

	out, err := execute(t, "--config", path, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "max_macrocycles: 10")
}

func TestPipeline(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())
	job := "run.json5"

	out, err := execute(t, "simulate", job, "-n", "3", "--perturb", "1e-4")
	require.NoError(t, err)
	assert.Contains(t, out, "wrote 3 synthetic crystals")

	out, err = execute(t, "-j", "2", "refine", job)
	require.NoError(t, err)
	assert.Contains(t, out, "refined 3 crystals (0 failed")

	_, err = execute(t, "scale", job)
	if err != nil {
		t.Logf("scale: %v", err)
	}

	_, err = execute(t, "postrefine", job)
	if err != nil {
		t.Logf("postrefine: %v", err)
	}

	loaded, err := project.Load(job)
	require.NoError(t, err)
	assert.Len(t, loaded.Images, 3)
	assert.NotEmpty(t, loaded.Images[0].Crystals[0].Reflections)

	out, err = execute(t, "gradcheck", job, "--limit", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "a*x")
}

func TestBadArguments(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())

	_, err := execute(t, "refine")
	assert.Error(t, err)

	_, err = execute(t, "refine", "missing.json5")
	assert.Error(t, err)

	_, err = execute(t, "--log-level", "loud", "refine", "missing.json5")
	assert.Error(t, err)
}
