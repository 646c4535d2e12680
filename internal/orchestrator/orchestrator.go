package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mpataki/decoy/internal/config"
	"github.com/mpataki/decoy/internal/models"
	"github.com/mpataki/decoy/internal/prefilter"
	"github.com/mpataki/decoy/internal/storage"
	"github.com/mpataki/decoy/internal/workspace"
)

// Queue is the part of the batch scheduler the deployer depends on.
type Queue interface {
	Outstanding(ctx context.Context, user string) (int, error)
	Submit(ctx context.Context, script string) (string, error)
	RecoverHeld(ctx context.Context, user string) (int, error)
	State(ctx context.Context, jobID string) (string, error)
	Cancel(ctx context.Context, jobIDs ...string) error
}

type Orchestrator struct {
	storage *storage.Storage
	cfg     *config.Config
	queue   Queue
	logger  *zap.Logger
}

func New(store *storage.Storage, cfg *config.Config, queue Queue, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		storage: store,
		cfg:     cfg,
		queue:   queue,
		logger:  logger,
	}
}

// StartDeployment validates args and records a pending deployment for them.
func (o *Orchestrator) StartDeployment(args DockArgs, pf *prefilter.PreFilter) (*models.Deployment, error) {
	if err := args.Validate(); err != nil {
		return nil, err
	}

	mode := models.ModeSerial
	if args.Slurm {
		mode = models.ModeSlurm
	}
	source := prefilter.Auto
	if pf != nil && pf.Source != "" {
		source = pf.Source
	}
	if args.TuneScript != "" {
		source += "+tune:" + args.TuneScript
	}

	d := &models.Deployment{
		Key:          uuid.NewString(),
		InputFile:    args.InputFile,
		OutputPrefix: workspace.OutputPrefix(args.InputFile),
		Mode:         mode,
		Decoys:       args.Decoys,
		Steps:        args.Steps,
		PreFilter:    source,
		Status:       models.DeploymentStatusPending,
	}

	id, err := o.storage.CreateDeployment(d)
	if err != nil {
		return nil, fmt.Errorf("failed to create deployment: %w", err)
	}
	d.ID = id
	d.CreatedAt = time.Now()

	o.logger.Info("Deployment created",
		zap.Int64("deployment_id", d.ID),
		zap.String("key", d.Key),
		zap.String("mode", string(d.Mode)),
		zap.Int("decoys", d.Decoys),
		zap.Int("steps", d.Steps))
	return d, nil
}

func (o *Orchestrator) setStatus(d *models.Deployment, status models.DeploymentStatus) error {
	d.Status = status
	return o.storage.UpdateDeployment(d)
}

// finish records the terminal state of d. A cancelled context marks the
// deployment cancelled rather than failed. The returned error is cause.
func (o *Orchestrator) finish(ctx context.Context, d *models.Deployment, cause error) error {
	now := time.Now()
	d.CompletedAt = &now
	switch {
	case cause == nil:
		d.Status = models.DeploymentStatusComplete
	case ctx.Err() != nil:
		d.Status = models.DeploymentStatusCancelled
		d.Error = cause.Error()
	default:
		d.Status = models.DeploymentStatusFailed
		d.Error = cause.Error()
	}

	if err := o.storage.UpdateDeployment(d); err != nil {
		o.logger.Error("Failed to record deployment result",
			zap.Int64("deployment_id", d.ID), zap.Error(err))
	}
	return cause
}

// Read methods for the CLI and TUI

func (o *Orchestrator) ListDeployments(limit int) ([]*models.Deployment, error) {
	return o.storage.ListDeployments(limit)
}

func (o *Orchestrator) GetDeployment(id int64) (*models.Deployment, error) {
	return o.storage.GetDeployment(id)
}

func (o *Orchestrator) GetTrials(deploymentID int64) ([]*models.Trial, error) {
	return o.storage.GetTrialsForDeployment(deploymentID)
}

func (o *Orchestrator) TrialCounts(deploymentID int64) (map[models.TrialStatus]int, error) {
	return o.storage.TrialCounts(deploymentID)
}

// Refresh asks the scheduler for the state of every unfinished queue trial
// and settles the deployment once all of its trials are done.
func (o *Orchestrator) Refresh(ctx context.Context, deploymentID int64) (*models.Deployment, error) {
	d, err := o.storage.GetDeployment(deploymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment: %w", err)
	}
	if d.Mode != models.ModeSlurm {
		return d, nil
	}

	trials, err := o.storage.GetTrialsForDeployment(deploymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get trials: %w", err)
	}

	done, failed := 0, 0
	for _, t := range trials {
		if !t.Done() && t.JobID != "" {
			state, err := o.queue.State(ctx, t.JobID)
			if err != nil {
				return nil, fmt.Errorf("failed to query job %s: %w", t.JobID, err)
			}
			if status, ok := trialStatusFor(state); ok && status != t.Status {
				t.Status = status
				if t.Done() {
					now := time.Now()
					t.CompletedAt = &now
				}
				if err := o.storage.UpdateTrial(t); err != nil {
					return nil, err
				}
			}
		}
		if t.Done() {
			done++
		}
		if t.Status == models.TrialStatusFailed {
			failed++
		}
	}

	if d.Status == models.DeploymentStatusSubmitted && done == d.Decoys && len(trials) == d.Decoys {
		now := time.Now()
		d.CompletedAt = &now
		d.Status = models.DeploymentStatusComplete
		if failed > 0 {
			d.Status = models.DeploymentStatusFailed
			d.Error = fmt.Sprintf("%d of %d trials failed", failed, d.Decoys)
		}
		if err := o.storage.UpdateDeployment(d); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// trialStatusFor maps a SLURM job state onto a trial status. ok is false for
// states that say nothing new, like UNKNOWN.
func trialStatusFor(state string) (status models.TrialStatus, ok bool) {
	switch strings.ToUpper(state) {
	case "PENDING", "CONFIGURING", "REQUEUED", "REQUEUE_HOLD", "REQUEUE_FED", "SUSPENDED", "RESV_DEL_HOLD":
		return models.TrialStatusSubmitted, true
	case "RUNNING", "COMPLETING", "STAGE_OUT", "SIGNALING", "RESIZING":
		return models.TrialStatusRunning, true
	case "COMPLETED":
		return models.TrialStatusComplete, true
	case "CANCELLED", "REVOKED":
		return models.TrialStatusCancelled, true
	case "FAILED", "TIMEOUT", "NODE_FAIL", "OUT_OF_MEMORY", "BOOT_FAIL", "DEADLINE", "PREEMPTED", "SPECIAL_EXIT":
		return models.TrialStatusFailed, true
	default:
		return "", false
	}
}

// Cancel removes the deployment's queued jobs from the scheduler and marks
// every unfinished trial cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, deploymentID int64) error {
	d, err := o.storage.GetDeployment(deploymentID)
	if err != nil {
		return fmt.Errorf("failed to get deployment: %w", err)
	}

	trials, err := o.storage.GetTrialsForDeployment(deploymentID)
	if err != nil {
		return fmt.Errorf("failed to get trials: %w", err)
	}

	var jobIDs []string
	for _, t := range trials {
		if !t.Done() && t.JobID != "" {
			jobIDs = append(jobIDs, t.JobID)
		}
	}
	if len(jobIDs) > 0 {
		if err := o.queue.Cancel(ctx, jobIDs...); err != nil {
			return fmt.Errorf("failed to cancel jobs: %w", err)
		}
		o.logger.Info("Cancelled jobs",
			zap.Int64("deployment_id", d.ID),
			zap.Strings("job_ids", jobIDs))
	}

	now := time.Now()
	for _, t := range trials {
		if t.Done() {
			continue
		}
		t.Status = models.TrialStatusCancelled
		t.CompletedAt = &now
		if err := o.storage.UpdateTrial(t); err != nil {
			return err
		}
	}

	if !d.Active() {
		return nil
	}
	d.Status = models.DeploymentStatusCancelled
	d.CompletedAt = &now
	return o.storage.UpdateDeployment(d)
}

// Delete removes the deployment's generated scripts, logs and markers and
// then its records. Decoy structures and the score file are kept.
func (o *Orchestrator) Delete(deploymentID int64) error {
	d, err := o.storage.GetDeployment(deploymentID)
	if err != nil {
		return fmt.Errorf("failed to get deployment: %w", err)
	}

	removed, err := workspace.Clean(d.OutputPrefix)
	if err != nil {
		return fmt.Errorf("failed to clean artifacts: %w", err)
	}
	o.logger.Debug("Removed artifacts",
		zap.Int64("deployment_id", d.ID),
		zap.Int("files", len(removed)))

	return o.storage.DeleteDeployment(deploymentID)
}
