package main

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/decoy/internal/distributor"
	"github.com/mpataki/decoy/internal/orchestrator"
)

// fakeEngine stands in for single_dock_decoy.py: it writes <out>.pdb with a
// pose energies table.
const fakeEngine = `#!/bin/sh
out=""
while [ $# -gt 0 ]; do
  case "$1" in
    -o) out="$2"; shift 2 ;;
    *) shift ;;
  esac
done
cat > "$out.pdb" <<'PDB'
ATOM      1  N   MET A   1      27.340  24.430   2.614  1.00  0.00           N
#BEGIN_POSE_ENERGIES_TABLE decoy
label fa_atr total
weights 1 NA
pose -20.5 -15.25
#END_POSE_ENERGIES_TABLE decoy
PDB
`

func execute(t *testing.T, args ...string) error {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	cmd := newRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	return cmd.ExecuteContext(context.Background())
}

func writeInput(t *testing.T) (dir, input string) {
	t.Helper()
	dir = t.TempDir()
	input = filepath.Join(dir, "complex.pdb")
	require.NoError(t, os.WriteFile(input, []byte("ATOM\n"), 0644))
	return dir, input
}

func TestDockSerial(t *testing.T) {
	dir, input := writeInput(t)
	engine := filepath.Join(t.TempDir(), "engine.sh")
	require.NoError(t, os.WriteFile(engine, []byte(fakeEngine), 0755))
	t.Setenv("DECOY_SERIAL_RUNNER_COMMAND", "/bin/sh "+engine)

	err := execute(t, "--data-dir", t.TempDir(), "dock", input, "-d", "2", "-n", "5")
	require.NoError(t, err)

	for _, name := range []string{"complex_0.pdb", "complex_1.pdb"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}
	_, err = os.Stat(filepath.Join(dir, "complex_2.pdb"))
	assert.True(t, os.IsNotExist(err))

	f, err := os.Open(filepath.Join(dir, "complex.fasc"))
	require.NoError(t, err)
	defer f.Close()
	scanner := bufio.NewScanner(f)
	var records []distributor.ScoreRecord
	for scanner.Scan() {
		var rec distributor.ScoreRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		records = append(records, rec)
	}
	require.Len(t, records, 2)
	assert.Equal(t, -15.25, records[0].TotalScore)
}

func TestDockRejectsInvalidArguments(t *testing.T) {
	err := execute(t, "--data-dir", t.TempDir(), "dock", "complex.cif", "--decoys=-1")
	require.ErrorIs(t, err, orchestrator.ErrInvalidInput)
	assert.Contains(t, err.Error(), "must end in .pdb")
	assert.Contains(t, err.Error(), "decoys must be >= 0")
}

func TestDockSlurmWithoutScheduler(t *testing.T) {
	dir, input := writeInput(t)
	t.Setenv("PATH", t.TempDir())

	err := execute(t, "--data-dir", t.TempDir(), "dock", input, "--slurm", "-d", "1", "-n", "10")
	require.ErrorIs(t, err, exec.ErrNotFound)

	script, err := os.ReadFile(filepath.Join(dir, "complex_0.sh"))
	require.NoError(t, err, "the script is written before the queue is polled")
	assert.Contains(t, string(script), input+" -ns 10 -o "+filepath.Join(dir, "complex_0")+"\n")
}

func TestDockLoadsPreFilterFile(t *testing.T) {
	dir, input := writeInput(t)
	pf := filepath.Join(dir, "tight.yaml")
	require.NoError(t, os.WriteFile(pf, []byte("contact_min_count: 6\n"), 0644))
	tune := filepath.Join(dir, "tune.lua")
	require.NoError(t, os.WriteFile(tune, []byte("function tune(pf, ctx) pf.clash_max = 2.5 end\n"), 0644))
	t.Setenv("PATH", t.TempDir())

	err := execute(t, "--data-dir", t.TempDir(), "dock", input, "-s", "-d", "1", "-p", pf, "--tune", tune)
	require.ErrorIs(t, err, exec.ErrNotFound)

	data, err := os.ReadFile(filepath.Join(dir, "complex_0_pre_filter.json"))
	require.NoError(t, err)
	var params map[string]any
	require.NoError(t, json.Unmarshal(data, &params))
	assert.Equal(t, map[string]any{"contact_min_count": float64(6), "clash_max": 2.5}, params)
}

func TestClean(t *testing.T) {
	dir, input := writeInput(t)
	for _, name := range []string{"complex_0.sh", "complex_0.out", "complex_0.err", "complex_1.pdb"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}

	require.NoError(t, execute(t, "--data-dir", t.TempDir(), "clean", input))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var left []string
	for _, e := range entries {
		left = append(left, e.Name())
	}
	assert.ElementsMatch(t, []string{"complex.pdb", "complex_1.pdb"}, left)
}

func TestListEmpty(t *testing.T) {
	require.NoError(t, execute(t, "--data-dir", t.TempDir(), "list"))
}

func TestStatusUnknownDeployment(t *testing.T) {
	err := execute(t, "--data-dir", t.TempDir(), "status", "7")
	assert.Error(t, err)

	err = execute(t, "--data-dir", t.TempDir(), "status", "seven")
	assert.ErrorContains(t, err, "invalid deployment ID")
}

func TestDockSerialFailsWithoutOutputDirectory(t *testing.T) {
	input := filepath.Join(t.TempDir(), "missing", "complex.pdb")

	err := execute(t, "--data-dir", t.TempDir(), "dock", input, "-d", "2")
	require.ErrorIs(t, err, os.ErrNotExist)
}
