package models

import "time"

type DeploymentStatus string

const (
	DeploymentStatusPending   DeploymentStatus = "pending"
	DeploymentStatusRunning   DeploymentStatus = "running"
	DeploymentStatusSubmitted DeploymentStatus = "submitted"
	DeploymentStatusComplete  DeploymentStatus = "complete"
	DeploymentStatusFailed    DeploymentStatus = "failed"
	DeploymentStatusCancelled DeploymentStatus = "cancelled"
)

type DeploymentMode string

const (
	ModeSlurm  DeploymentMode = "slurm"
	ModeSerial DeploymentMode = "serial"
)

type Deployment struct {
	ID           int64
	Key          string
	CreatedAt    time.Time
	CompletedAt  *time.Time
	InputFile    string
	OutputPrefix string
	Mode         DeploymentMode
	Decoys       int
	Steps        int
	PreFilter    string
	Status       DeploymentStatus
	Error        string
}

// Active reports whether the deployment still has work in flight, either in
// this process or in the scheduler.
func (d *Deployment) Active() bool {
	switch d.Status {
	case DeploymentStatusPending, DeploymentStatusRunning, DeploymentStatusSubmitted:
		return true
	}
	return false
}
