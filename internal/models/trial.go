package models

import "time"

type TrialStatus string

const (
	TrialStatusPending   TrialStatus = "pending"
	TrialStatusSubmitted TrialStatus = "submitted"
	TrialStatusRunning   TrialStatus = "running"
	TrialStatusComplete  TrialStatus = "complete"
	TrialStatusFailed    TrialStatus = "failed"
	TrialStatusCancelled TrialStatus = "cancelled"
)

type Trial struct {
	ID           int64
	DeploymentID int64
	Index        int
	OutputName   string
	ScriptPath   string // empty for serial trials
	JobID        string // scheduler job id, queue mode only
	Status       TrialStatus
	SubmittedAt  *time.Time
	CompletedAt  *time.Time
}

// Done reports whether the trial reached a terminal status.
func (t *Trial) Done() bool {
	switch t.Status {
	case TrialStatusComplete, TrialStatusFailed, TrialStatusCancelled:
		return true
	}
	return false
}
