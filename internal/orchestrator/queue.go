package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mpataki/decoy/internal/models"
	"github.com/mpataki/decoy/internal/prefilter"
	"github.com/mpataki/decoy/internal/slurm"
	"github.com/mpataki/decoy/internal/workspace"
)

// queueFullError is the retryable result of a poll that found the user's
// queue at or above the ceiling.
type queueFullError struct {
	outstanding int
	ceiling     int
}

func (e *queueFullError) Error() string {
	return fmt.Sprintf("%d jobs outstanding, ceiling is %d", e.outstanding, e.ceiling)
}

// DeployQueue writes one launch script per trial and submits it once the
// user's queue has room. Trials are submitted in index order and none is
// skipped: the call returns only when every trial is submitted, the wait for
// capacity exceeds poll.max_wait, or ctx is cancelled.
func (o *Orchestrator) DeployQueue(ctx context.Context, d *models.Deployment, pf *prefilter.PreFilter) error {
	logger := o.logger.With(zap.Int64("deployment_id", d.ID))
	gen := slurm.NewGenerator(o.cfg.Slurm.DecoyCommand, o.resources())
	limiter := o.submitLimiter()

	if err := o.setStatus(d, models.DeploymentStatusRunning); err != nil {
		return err
	}

	for i := 0; i < d.Decoys; i++ {
		name := workspace.OutputName(d.OutputPrefix, i)
		trial := &models.Trial{
			DeploymentID: d.ID,
			Index:        i,
			OutputName:   name,
			Status:       models.TrialStatusPending,
		}

		job, err := gen.Generate(name, d.InputFile, d.Steps, pf)
		if err != nil {
			return o.finish(ctx, d, fmt.Errorf("failed to generate script for trial %d: %w", i, err))
		}
		trial.ScriptPath = job.ScriptPath

		trialID, err := o.storage.CreateTrial(trial)
		if err != nil {
			return o.finish(ctx, d, fmt.Errorf("failed to create trial: %w", err))
		}
		trial.ID = trialID

		if err := o.waitForCapacity(ctx, logger); err != nil {
			return o.finish(ctx, d, err)
		}
		if err := limiter.Wait(ctx); err != nil {
			return o.finish(ctx, d, err)
		}

		jobID, err := o.queue.Submit(ctx, job.ScriptPath)
		if err != nil {
			trial.Status = models.TrialStatusFailed
			if uerr := o.storage.UpdateTrial(trial); uerr != nil {
				logger.Warn("Failed to record trial failure", zap.Int("trial", i), zap.Error(uerr))
			}
			return o.finish(ctx, d, fmt.Errorf("failed to submit %s: %w", job.ScriptPath, err))
		}

		now := time.Now()
		trial.JobID = jobID
		trial.Status = models.TrialStatusSubmitted
		trial.SubmittedAt = &now
		if err := o.storage.UpdateTrial(trial); err != nil {
			return o.finish(ctx, d, err)
		}

		logger.Info("Submitted trial",
			zap.Int("trial", i),
			zap.String("job_name", job.Name),
			zap.String("job_id", jobID))
	}

	// the scheduler owns the trials from here; Refresh settles the deployment
	if err := o.setStatus(d, models.DeploymentStatusSubmitted); err != nil {
		return err
	}
	logger.Info("All trials submitted", zap.Int("decoys", d.Decoys))
	return nil
}

// waitForCapacity polls the outstanding job count until it is at most the
// configured ceiling. Each poll over the ceiling first releases held jobs.
// The interval grows exponentially up to poll.max_interval.
func (o *Orchestrator) waitForCapacity(ctx context.Context, logger *zap.Logger) error {
	user := o.cfg.User
	ceiling := o.cfg.Slurm.MaxJobs
	maxWait := o.cfg.Poll.MaxWait

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.Poll.InitialInterval
	b.MaxInterval = o.cfg.Poll.MaxInterval
	b.Multiplier = o.cfg.Poll.Multiplier
	b.MaxElapsedTime = maxWait
	b.Reset()

	poll := func() error {
		n, err := o.queue.Outstanding(ctx, user)
		if err != nil {
			if slurm.IsMissingBinary(err) {
				return backoff.Permanent(err)
			}
			return fmt.Errorf("failed to poll queue: %w", err)
		}
		if n <= ceiling {
			return nil
		}

		released, err := o.queue.RecoverHeld(ctx, user)
		switch {
		case err != nil && slurm.IsMissingBinary(err):
			return backoff.Permanent(err)
		case err != nil:
			logger.Warn("Held job recovery failed", zap.Error(err))
		case released > 0:
			logger.Info("Released held jobs", zap.Int("count", released))
		}
		return &queueFullError{outstanding: n, ceiling: ceiling}
	}

	start := time.Now()
	notify := func(err error, next time.Duration) {
		fields := []zap.Field{
			zap.Error(err),
			zap.Duration("retry_in", next),
			zap.Duration("waited", time.Since(start).Round(time.Second)),
		}
		if maxWait == 0 {
			// nothing bounds this wait but the scheduler or a signal
			logger.Warn("Queue full, waiting without a deadline", fields...)
			return
		}
		logger.Info("Queue full, waiting for capacity", append(fields, zap.Duration("max_wait", maxWait))...)
	}

	err := backoff.RetryNotify(poll, backoff.WithContext(b, ctx), notify)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var full *queueFullError
	if errors.As(err, &full) {
		return fmt.Errorf("%w: %s after %s", ErrCapacityTimeout, full, time.Since(start).Round(time.Second))
	}
	return err
}

func (o *Orchestrator) submitLimiter() *rate.Limiter {
	if o.cfg.Slurm.SubmitRate <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := o.cfg.Slurm.SubmitBurst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(o.cfg.Slurm.SubmitRate), burst)
}

func (o *Orchestrator) resources() slurm.Resources {
	res := slurm.DefaultResources()
	if o.cfg.Slurm.Partition != "" {
		res.Partition = o.cfg.Slurm.Partition
	}
	if o.cfg.Slurm.Memory != "" {
		res.Memory = o.cfg.Slurm.Memory
	}
	if o.cfg.Slurm.TimeLimit != "" {
		res.TimeLimit = o.cfg.Slurm.TimeLimit
	}
	res.Requeue = o.cfg.Slurm.Requeue
	return res
}
