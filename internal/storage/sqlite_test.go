package storage

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/decoy/internal/models"
)

func newStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "decoy.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newDeployment(key string) *models.Deployment {
	return &models.Deployment{
		Key:          key,
		InputFile:    "data/complex.pdb",
		OutputPrefix: "data/complex",
		Mode:         models.ModeSlurm,
		Decoys:       3,
		Steps:        10,
		PreFilter:    "auto",
		Status:       models.DeploymentStatusPending,
	}
}

func TestDeploymentLifecycle(t *testing.T) {
	s := newStorage(t)

	id, err := s.CreateDeployment(newDeployment("k1"))
	require.NoError(t, err)

	d, err := s.GetDeployment(id)
	require.NoError(t, err)
	assert.Equal(t, "k1", d.Key)
	assert.Equal(t, models.ModeSlurm, d.Mode)
	assert.Equal(t, 3, d.Decoys)
	assert.Equal(t, models.DeploymentStatusPending, d.Status)
	assert.Nil(t, d.CompletedAt)
	assert.Empty(t, d.Error)

	now := time.Now()
	d.Status = models.DeploymentStatusFailed
	d.CompletedAt = &now
	d.Error = "queue unavailable"
	require.NoError(t, s.UpdateDeployment(d))

	d, err = s.GetDeployment(id)
	require.NoError(t, err)
	assert.Equal(t, models.DeploymentStatusFailed, d.Status)
	assert.Equal(t, "queue unavailable", d.Error)
	require.NotNil(t, d.CompletedAt)
}

func TestGetDeploymentNotFound(t *testing.T) {
	s := newStorage(t)
	_, err := s.GetDeployment(42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateDeploymentDuplicateKey(t *testing.T) {
	s := newStorage(t)
	_, err := s.CreateDeployment(newDeployment("same"))
	require.NoError(t, err)
	_, err = s.CreateDeployment(newDeployment("same"))
	assert.Error(t, err)
}

func TestListDeployments(t *testing.T) {
	s := newStorage(t)
	for _, key := range []string{"a", "b", "c"} {
		_, err := s.CreateDeployment(newDeployment(key))
		require.NoError(t, err)
	}

	list, err := s.ListDeployments(2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "c", list[0].Key, "newest first")
	assert.Equal(t, "b", list[1].Key)
}

func TestTrials(t *testing.T) {
	s := newStorage(t)
	depID, err := s.CreateDeployment(newDeployment("k"))
	require.NoError(t, err)

	for i := 2; i >= 0; i-- {
		_, err := s.CreateTrial(&models.Trial{
			DeploymentID: depID,
			Index:        i,
			OutputName:   fmt.Sprintf("data/complex_%d", i),
			Status:       models.TrialStatusPending,
		})
		require.NoError(t, err)
	}

	_, err = s.CreateTrial(&models.Trial{DeploymentID: depID, Index: 1, OutputName: "dup", Status: models.TrialStatusPending})
	assert.Error(t, err, "trial index is unique per deployment")

	trials, err := s.GetTrialsForDeployment(depID)
	require.NoError(t, err)
	require.Len(t, trials, 3)
	assert.Equal(t, 0, trials[0].Index, "ordered by trial index")
	assert.Empty(t, trials[0].JobID)
	assert.Nil(t, trials[0].SubmittedAt)

	now := time.Now()
	trials[0].ScriptPath = "data/complex_0.sh"
	trials[0].JobID = "123"
	trials[0].Status = models.TrialStatusSubmitted
	trials[0].SubmittedAt = &now
	require.NoError(t, s.UpdateTrial(trials[0]))

	trials, err = s.GetTrialsForDeployment(depID)
	require.NoError(t, err)
	assert.Equal(t, "123", trials[0].JobID)
	assert.Equal(t, "data/complex_0.sh", trials[0].ScriptPath)
	require.NotNil(t, trials[0].SubmittedAt)

	counts, err := s.TrialCounts(depID)
	require.NoError(t, err)
	assert.Equal(t, map[models.TrialStatus]int{
		models.TrialStatusPending:   2,
		models.TrialStatusSubmitted: 1,
	}, counts)
}

func TestDeleteDeployment(t *testing.T) {
	s := newStorage(t)
	depID, err := s.CreateDeployment(newDeployment("k"))
	require.NoError(t, err)
	_, err = s.CreateTrial(&models.Trial{DeploymentID: depID, Index: 0, OutputName: "x_0", Status: models.TrialStatusPending})
	require.NoError(t, err)

	require.NoError(t, s.DeleteDeployment(depID))

	_, err = s.GetDeployment(depID)
	assert.ErrorIs(t, err, ErrNotFound)
	trials, err := s.GetTrialsForDeployment(depID)
	require.NoError(t, err)
	assert.Empty(t, trials)
}

func TestFormatTimeAgo(t *testing.T) {
	assert.Equal(t, "just now", FormatTimeAgo(time.Now()))
	assert.Equal(t, "5m ago", FormatTimeAgo(time.Now().Add(-5*time.Minute-time.Second)))
	assert.Equal(t, "3h ago", FormatTimeAgo(time.Now().Add(-3*time.Hour-time.Second)))
}
