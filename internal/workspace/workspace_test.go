package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNaming(t *testing.T) {
	prefix := OutputPrefix("data/complex.pdb")
	assert.Equal(t, "data/complex", prefix)

	name := OutputName(prefix, 7)
	assert.Equal(t, "data/complex_7", name)
	assert.Equal(t, "data/complex_7.sh", ScriptPath(name))
	assert.Equal(t, "data/complex_7_pre_filter.json", PreFilterPath(name))
	assert.Equal(t, "data/complex_7.out", StdoutPath(name))
	assert.Equal(t, "data/complex_7.err", StderrPath(name))
	assert.Equal(t, "data/complex_7.pdb", DecoyPath(name))
	assert.Equal(t, "data/complex_7.in_progress", MarkerPath(name))
	assert.Equal(t, "data/complex.fasc", ScoreFilePath(prefix))
}

func touch(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), nil, 0644))
	}
}

func TestArtifacts(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir,
		"complex.pdb",
		"complex_0.sh", "complex_0.out", "complex_0.err", "complex_0_pre_filter.json",
		"complex_1.sh", "complex_1.in_progress",
		"complex_0.pdb", "complex.fasc",
		"complex_old_0.sh", "other_0.sh",
	)

	files, err := Artifacts(filepath.Join(dir, "complex"))
	require.NoError(t, err)

	var names []string
	for _, f := range files {
		names = append(names, filepath.Base(f))
	}
	assert.Equal(t, []string{
		"complex_0.err",
		"complex_0.out",
		"complex_0.sh",
		"complex_0_pre_filter.json",
		"complex_1.in_progress",
		"complex_1.sh",
	}, names)
}

func TestArtifactsEscapesPrefix(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "c[1]_0.sh", "c1_0.sh")

	files, err := Artifacts(filepath.Join(dir, "c[1]"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "c[1]_0.sh", filepath.Base(files[0]))
}

func TestClean(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "complex_0.sh", "complex_0.out", "complex_0.pdb")

	removed, err := Clean(filepath.Join(dir, "complex"))
	require.NoError(t, err)
	assert.Len(t, removed, 2)

	_, err = os.Stat(filepath.Join(dir, "complex_0.pdb"))
	assert.NoError(t, err, "decoy structures are results and must survive clean")
	_, err = os.Stat(filepath.Join(dir, "complex_0.sh"))
	assert.True(t, os.IsNotExist(err))
}
