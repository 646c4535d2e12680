package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mpataki/decoy/internal/lua"
	"github.com/mpataki/decoy/internal/workspace"
)

var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrCapacityTimeout = errors.New("timed out waiting for queue capacity")
)

// DockArgs are the user supplied parameters of one deployment.
type DockArgs struct {
	InputFile  string
	Decoys     int
	Steps      int
	Slurm      bool
	PreFilter  string
	TuneScript string
}

// Validate checks every argument and reports all problems at once.
func (a DockArgs) Validate() error {
	var problems []string

	if !strings.HasSuffix(a.InputFile, workspace.InputExt) {
		problems = append(problems, fmt.Sprintf("input file %q must end in %s", a.InputFile, workspace.InputExt))
	}
	if a.Decoys < 0 {
		problems = append(problems, fmt.Sprintf("decoys must be >= 0, got %d", a.Decoys))
	}
	if a.Steps < 0 {
		problems = append(problems, fmt.Sprintf("steps must be >= 0, got %d", a.Steps))
	}
	if a.TuneScript != "" && !lua.IsTuneScript(a.TuneScript) {
		problems = append(problems, fmt.Sprintf("tune script %q must be a .lua file", a.TuneScript))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(problems, "; "))
	}
	return nil
}
