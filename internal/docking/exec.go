package docking

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/mpataki/decoy/internal/workspace"
)

// ExecRunner runs the external decoy command for a single trial inside a
// scratch directory and reads back the structure it wrote.
type ExecRunner struct {
	command string
	workDir string
	cfg     TrialConfig
	logger  *zap.Logger
}

// NewExecRunnerFactory returns a RunnerFactory whose runners invoke command
// (a shell command line, e.g. "python ~/scripts/single_dock_decoy.py") with
// scratch directories created under workDir.
func NewExecRunnerFactory(command, workDir string, logger *zap.Logger) RunnerFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(cfg TrialConfig) DockingTrialRunner {
		return &ExecRunner{command: command, workDir: workDir, cfg: cfg, logger: logger}
	}
}

func (r *ExecRunner) RunTrial(ctx context.Context, inputFile, outputName string) (*Structure, error) {
	scratch, err := os.MkdirTemp(r.workDir, "trial-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(scratch)

	absInput, err := filepath.Abs(inputFile)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve input path: %w", err)
	}

	base := filepath.Join(scratch, filepath.Base(outputName))
	args := []string{absInput, "-ns", strconv.Itoa(r.cfg.Steps), "-o", base}
	if !r.cfg.PreFilter.IsDefault() {
		pfPath := workspace.PreFilterPath(base)
		if err := r.cfg.PreFilter.Save(pfPath); err != nil {
			return nil, err
		}
		args = append(args, "-pf", pfPath)
	}
	if r.cfg.DesignMover != "" && r.cfg.DesignMover != AutoDesignMover {
		args = append(args, "-dm", r.cfg.DesignMover)
	}

	line := r.command + " " + shellJoin(args)
	r.logger.Debug("Running trial", zap.String("command", line))

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", line)
	cmd.Dir = scratch
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("decoy command failed: %w\n%s", err, tail(output.String(), 20))
	}

	pdb, err := os.ReadFile(workspace.DecoyPath(base))
	if err != nil {
		return nil, fmt.Errorf("decoy command produced no structure: %w", err)
	}
	return &Structure{Name: filepath.Base(outputName), PDB: pdb}, nil
}

// shellJoin single-quotes every argument for /bin/sh.
func shellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}

func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
