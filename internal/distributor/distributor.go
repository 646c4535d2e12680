package distributor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/gammazero/deque"
	"go.uber.org/zap"

	"github.com/mpataki/decoy/internal/docking"
	"github.com/mpataki/decoy/internal/workspace"
)

// JobDistributor hands out trial ids for serial execution and records each
// finished trial.
type JobDistributor interface {
	// Complete reports whether no trial remains to be run.
	Complete() bool
	// CurrentID is the trial id to run next. Only valid while !Complete().
	CurrentID() int
	// OutputDecoy stores the frame for the current trial and advances.
	OutputDecoy(ctx context.Context, s *docking.Structure) error
	// Err reports why Complete returned true with trials left unwritten.
	Err() error
}

var (
	ErrNoCurrentTrial = errors.New("no trial is claimed")
	ErrTrialsHeld     = errors.New("trials held by other processes")
)

// ScoreRecord is one line of the <prefix>.fasc score table.
type ScoreRecord struct {
	Decoy      string    `json:"decoy"`
	TrialID    int       `json:"trial_id"`
	TotalScore float64   `json:"total_score"`
	WrittenAt  time.Time `json:"written_at"`
}

// FileDistributor tracks trials through files next to the output prefix, so
// several processes started on the same input share the work: a trial is
// done when <prefix>_<id>.pdb exists and taken while <prefix>_<id>.in_progress
// exists.
type FileDistributor struct {
	prefix string
	scorer docking.Scorer
	logger *zap.Logger

	pending  deque.Deque[int]
	current  int
	written  int
	held     []int
	claimErr error
}

func NewFileDistributor(prefix string, total int, scorer docking.Scorer, logger *zap.Logger) *FileDistributor {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &FileDistributor{
		prefix:  prefix,
		scorer:  scorer,
		logger:  logger,
		current: -1,
	}
	for id := 0; id < total; id++ {
		if exists(workspace.DecoyPath(workspace.OutputName(prefix, id))) {
			logger.Debug("Skipping finished decoy", zap.Int("trial", id))
			continue
		}
		d.pending.PushBack(id)
	}
	return d
}

// Complete claims the next unfinished trial if none is held and reports
// whether the deployment is exhausted. A failed claim stops distribution;
// Err returns the cause.
func (d *FileDistributor) Complete() bool {
	if d.current >= 0 {
		return false
	}
	if d.claimErr != nil {
		return true
	}
	for d.pending.Len() > 0 {
		id := d.pending.PopFront()
		name := workspace.OutputName(d.prefix, id)
		if exists(workspace.DecoyPath(name)) {
			continue
		}
		claimed, err := claim(workspace.MarkerPath(name))
		if err != nil {
			d.claimErr = fmt.Errorf("failed to claim trial %d: %w", id, err)
			return true
		}
		if !claimed {
			d.logger.Debug("Trial claimed by another process", zap.Int("trial", id))
			d.held = append(d.held, id)
			continue
		}
		d.current = id
		return false
	}
	return true
}

func (d *FileDistributor) CurrentID() int {
	return d.current
}

func (d *FileDistributor) OutputDecoy(ctx context.Context, s *docking.Structure) error {
	if d.current < 0 {
		return ErrNoCurrentTrial
	}
	name := workspace.OutputName(d.prefix, d.current)

	score, err := d.scorer.Score(ctx, s)
	if err != nil {
		return fmt.Errorf("failed to score %s: %w", name, err)
	}

	if err := os.WriteFile(workspace.DecoyPath(name), s.PDB, 0644); err != nil {
		return fmt.Errorf("failed to write decoy: %w", err)
	}
	if err := d.appendScore(ScoreRecord{
		Decoy:      workspace.DecoyPath(name),
		TrialID:    d.current,
		TotalScore: score,
		WrittenAt:  time.Now().UTC(),
	}); err != nil {
		return err
	}
	if err := os.Remove(workspace.MarkerPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release trial marker: %w", err)
	}

	d.logger.Info("Decoy written",
		zap.String("decoy", workspace.DecoyPath(name)),
		zap.Float64("total_score", score))

	d.written++
	d.current = -1
	return nil
}

// Release drops the claim on the current trial without producing a decoy,
// leaving it for a later run.
func (d *FileDistributor) Release() error {
	if d.current < 0 {
		return nil
	}
	marker := workspace.MarkerPath(workspace.OutputName(d.prefix, d.current))
	d.current = -1
	if err := os.Remove(marker); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Err returns the claim failure that stopped distribution, or
// ErrTrialsHeld listing skipped trials whose decoys still do not exist.
func (d *FileDistributor) Err() error {
	if d.claimErr != nil {
		return d.claimErr
	}
	var missing []int
	for _, id := range d.held {
		if !exists(workspace.DecoyPath(workspace.OutputName(d.prefix, id))) {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %v", ErrTrialsHeld, missing)
	}
	return nil
}

// Written is the number of decoys this distributor produced.
func (d *FileDistributor) Written() int {
	return d.written
}

func (d *FileDistributor) appendScore(rec ScoreRecord) error {
	f, err := os.OpenFile(workspace.ScoreFilePath(d.prefix), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open score file: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append score: %w", err)
	}
	return nil
}

// claim creates marker exclusively; false means another process holds it.
func claim(marker string) (bool, error) {
	f, err := os.OpenFile(marker, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()
	_, err = f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	return true, err
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
