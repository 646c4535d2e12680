// Package docking defines the contracts between the deployment loops and the
// external docking/design engine that actually runs a PASSO trial.
package docking

import (
	"context"

	"github.com/mpataki/decoy/internal/prefilter"
)

// AutoDesignMover lets the engine pick its default design mover.
const AutoDesignMover = "auto"

// Structure is one frame produced by a trial, kept as PDB text.
type Structure struct {
	Name string
	PDB  []byte
}

type Scorer interface {
	Score(ctx context.Context, s *Structure) (float64, error)
}

// DockingTrialRunner runs one full trial against inputFile and returns the
// final frame of the simulation. The final frame is not necessarily the
// lowest-energy one; picking the best decoy happens after the deployment.
type DockingTrialRunner interface {
	RunTrial(ctx context.Context, inputFile, outputName string) (*Structure, error)
}

// TrialConfig is everything a runner needs to be constructed for one trial.
type TrialConfig struct {
	Steps       int
	PreFilter   *prefilter.PreFilter
	Scorer      Scorer
	DesignMover string
}

// RunnerFactory builds a fresh runner per trial so no engine state leaks
// between decoys.
type RunnerFactory func(cfg TrialConfig) DockingTrialRunner
