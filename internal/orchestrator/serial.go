package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mpataki/decoy/internal/distributor"
	"github.com/mpataki/decoy/internal/docking"
	"github.com/mpataki/decoy/internal/models"
	"github.com/mpataki/decoy/internal/prefilter"
	"github.com/mpataki/decoy/internal/workspace"
)

// releaser is implemented by distributors that can hand an unfinished trial
// back, such as distributor.FileDistributor.
type releaser interface {
	Release() error
}

// DeploySerial runs trials one after another in this process until dist
// reports that none remain. A fresh runner is built for every trial. The
// first failing trial aborts the deployment, and a distributor that stops
// with trials unwritten fails it.
func (o *Orchestrator) DeploySerial(
	ctx context.Context,
	d *models.Deployment,
	pf *prefilter.PreFilter,
	dist distributor.JobDistributor,
	scorer docking.Scorer,
	newRunner docking.RunnerFactory,
) error {
	logger := o.logger.With(zap.Int64("deployment_id", d.ID))

	if err := o.setStatus(d, models.DeploymentStatusRunning); err != nil {
		return err
	}

	for !dist.Complete() {
		id := dist.CurrentID()
		if err := o.runSerialTrial(ctx, d, pf, dist, scorer, newRunner, id, logger); err != nil {
			if r, ok := dist.(releaser); ok {
				if rerr := r.Release(); rerr != nil {
					logger.Warn("Failed to release trial", zap.Int("trial", id), zap.Error(rerr))
				}
			}
			return o.finish(ctx, d, err)
		}
	}

	if err := dist.Err(); err != nil {
		return o.finish(ctx, d, err)
	}

	logger.Info("Serial deployment complete", zap.Int("decoys", d.Decoys))
	return o.finish(ctx, d, nil)
}

func (o *Orchestrator) runSerialTrial(
	ctx context.Context,
	d *models.Deployment,
	pf *prefilter.PreFilter,
	dist distributor.JobDistributor,
	scorer docking.Scorer,
	newRunner docking.RunnerFactory,
	id int,
	logger *zap.Logger,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	name := workspace.OutputName(d.OutputPrefix, id)
	started := time.Now()
	trial := &models.Trial{
		DeploymentID: d.ID,
		Index:        id,
		OutputName:   name,
		Status:       models.TrialStatusRunning,
		SubmittedAt:  &started,
	}
	trialID, err := o.storage.CreateTrial(trial)
	if err != nil {
		return fmt.Errorf("failed to create trial: %w", err)
	}
	trial.ID = trialID

	runner := newRunner(docking.TrialConfig{
		Steps:       d.Steps,
		PreFilter:   pf,
		Scorer:      scorer,
		DesignMover: o.cfg.Serial.DesignMover,
	})

	// the final frame goes to the distributor, best-frame selection happens
	// downstream of the deployment
	structure, err := runner.RunTrial(ctx, d.InputFile, name)
	if err == nil {
		err = dist.OutputDecoy(ctx, structure)
	}

	now := time.Now()
	trial.CompletedAt = &now
	trial.Status = models.TrialStatusComplete
	if err != nil {
		trial.Status = models.TrialStatusFailed
		if ctx.Err() != nil {
			trial.Status = models.TrialStatusCancelled
		}
	}
	if uerr := o.storage.UpdateTrial(trial); uerr != nil && err == nil {
		err = uerr
	}
	if err != nil {
		return fmt.Errorf("trial %d: %w", id, err)
	}

	logger.Info("Trial complete",
		zap.Int("trial", id),
		zap.Duration("elapsed", now.Sub(started).Round(time.Millisecond)))
	return nil
}
