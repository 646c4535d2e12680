package slurm

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// heldReason is the squeue %r text of jobs that failed to launch and were
// requeued in a held state. They occupy a queue slot until released.
const heldReason = "launch failed requeued held"

var ErrUnparsableSubmit = errors.New("unable to parse sbatch output")

// Runner executes a scheduler command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs the command on the local host. Failures carry stderr.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out, fmt.Errorf("%s: %w (stderr: %s)", name, err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return out, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// Client talks to SLURM through its command line tools.
type Client struct {
	run    Runner
	logger *zap.Logger
}

func NewClient(run Runner, logger *zap.Logger) *Client {
	if run == nil {
		run = ExecRunner
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{run: run, logger: logger}
}

// Outstanding returns the number of jobs user has in the queue, in any state.
func (c *Client) Outstanding(ctx context.Context, user string) (int, error) {
	out, err := c.run(ctx, "squeue", "-h", "-u", user, "-o", "%i")
	if err != nil {
		return 0, err
	}
	return len(nonEmptyLines(out)), nil
}

// Submit hands script to sbatch and returns the scheduler job id.
func (c *Client) Submit(ctx context.Context, script string) (string, error) {
	out, err := c.run(ctx, "sbatch", script)
	if err != nil {
		return "", err
	}

	// Typical sbatch output: "Submitted batch job 2723147", optionally
	// followed by "on cluster <name>" on federated setups.
	text := strings.TrimSpace(string(out))
	jobID := ""
	fields := strings.Fields(text)
	for i := 0; i+1 < len(fields); i++ {
		if fields[i] == "job" && isJobID(fields[i+1]) {
			jobID = fields[i+1]
			break
		}
	}
	if jobID == "" {
		return "", fmt.Errorf("%w: %q", ErrUnparsableSubmit, text)
	}
	c.logger.Debug("Submitted job", zap.String("script", script), zap.String("job_id", jobID))
	return jobID, nil
}

// RecoverHeld releases user's jobs stuck in the "launch failed requeued held"
// state and returns how many were released.
func (c *Client) RecoverHeld(ctx context.Context, user string) (int, error) {
	out, err := c.run(ctx, "squeue", "-h", "-u", user, "-t", "PD", "-o", "%i|%r")
	if err != nil {
		return 0, err
	}

	var held []string
	for _, line := range nonEmptyLines(out) {
		id, reason, ok := strings.Cut(line, "|")
		if !ok {
			continue
		}
		if normalizeReason(reason) == heldReason {
			held = append(held, strings.TrimSpace(id))
		}
	}
	if len(held) == 0 {
		return 0, nil
	}

	c.logger.Warn("Releasing held jobs", zap.Strings("job_ids", held))
	args := append([]string{"release"}, strings.Join(held, ","))
	if _, err := c.run(ctx, "scontrol", args...); err != nil {
		return 0, err
	}
	return len(held), nil
}

// State returns the scheduler state of jobID (PENDING, RUNNING, COMPLETED, ...).
// Jobs that left squeue are looked up in accounting; UNKNOWN is returned when
// neither source knows the job.
func (c *Client) State(ctx context.Context, jobID string) (string, error) {
	if jobID == "" {
		return "UNKNOWN", nil
	}

	out, err := c.run(ctx, "squeue", "-h", "-j", jobID, "-o", "%T")
	if err == nil {
		if lines := nonEmptyLines(out); len(lines) > 0 {
			return strings.TrimSpace(lines[0]), nil
		}
	}

	// squeue forgets finished jobs (and errors on unknown ids), sacct does not.
	out, err = c.run(ctx, "sacct", "-n", "-X", "-j", jobID, "-o", "State")
	if err != nil {
		// sacct is optional on many clusters
		c.logger.Debug("sacct unavailable", zap.String("job_id", jobID), zap.Error(err))
		return "UNKNOWN", nil
	}
	if lines := nonEmptyLines(out); len(lines) > 0 {
		state := strings.Fields(lines[0])[0]
		return strings.Trim(state, "+"), nil
	}
	return "UNKNOWN", nil
}

func (c *Client) Cancel(ctx context.Context, jobIDs ...string) error {
	if len(jobIDs) == 0 {
		return nil
	}
	_, err := c.run(ctx, "scancel", jobIDs...)
	return err
}

// IsMissingBinary reports whether err came from a scheduler tool that is not
// installed, which no amount of retrying will fix.
func IsMissingBinary(err error) bool {
	return errors.Is(err, exec.ErrNotFound)
}

func nonEmptyLines(out []byte) []string {
	var lines []string
	for _, line := range strings.Split(string(out), "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func normalizeReason(reason string) string {
	reason = strings.ToLower(strings.TrimSpace(reason))
	reason = strings.Trim(reason, "()")
	return strings.ReplaceAll(reason, "_", " ")
}

func isJobID(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
