package tui

import (
	"context"
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/decoy/internal/models"
)

type fakeBackend struct {
	deployments []*models.Deployment
	trials      map[int64][]*models.Trial
	counts      map[int64]map[models.TrialStatus]int

	refreshed []int64
	cancelled []int64
	deleted   []int64
	deleteErr error
}

func (f *fakeBackend) ListDeployments(int) ([]*models.Deployment, error) {
	return f.deployments, nil
}

func (f *fakeBackend) GetDeployment(id int64) (*models.Deployment, error) {
	for _, d := range f.deployments {
		if d.ID == id {
			return d, nil
		}
	}
	return nil, errors.New("not found")
}

func (f *fakeBackend) GetTrials(id int64) ([]*models.Trial, error) {
	return f.trials[id], nil
}

func (f *fakeBackend) TrialCounts(id int64) (map[models.TrialStatus]int, error) {
	return f.counts[id], nil
}

func (f *fakeBackend) Refresh(_ context.Context, id int64) (*models.Deployment, error) {
	f.refreshed = append(f.refreshed, id)
	return f.GetDeployment(id)
}

func (f *fakeBackend) Cancel(_ context.Context, id int64) error {
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeBackend) Delete(id int64) error {
	f.deleted = append(f.deleted, id)
	return f.deleteErr
}

func newBackend() *fakeBackend {
	now := time.Now()
	return &fakeBackend{
		deployments: []*models.Deployment{
			{ID: 2, InputFile: "/data/complex.pdb", OutputPrefix: "/data/complex", Mode: models.ModeSlurm,
				Decoys: 4, Steps: 10, PreFilter: "auto", Status: models.DeploymentStatusSubmitted, CreatedAt: now},
			{ID: 1, InputFile: "/data/other.pdb", OutputPrefix: "/data/other", Mode: models.ModeSerial,
				Decoys: 2, Steps: 10, PreFilter: "auto", Status: models.DeploymentStatusComplete, CreatedAt: now},
		},
		trials: map[int64][]*models.Trial{
			2: {
				{ID: 1, DeploymentID: 2, Index: 0, OutputName: "/data/complex_0", JobID: "101", Status: models.TrialStatusComplete},
				{ID: 2, DeploymentID: 2, Index: 1, OutputName: "/data/complex_1", JobID: "102", Status: models.TrialStatusRunning},
			},
		},
		counts: map[int64]map[models.TrialStatus]int{
			2: {models.TrialStatusComplete: 1, models.TrialStatusRunning: 1},
			1: {models.TrialStatusComplete: 2},
		},
	}
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

// send delivers msg and runs the resulting command once, feeding its message
// back in. Batches and ticks are not followed.
func send(t *testing.T, a *App, msg tea.Msg) {
	t.Helper()
	_, cmd := a.Update(msg)
	if cmd == nil {
		return
	}
	switch next := cmd().(type) {
	case deploymentsLoadedMsg, detailLoadedMsg, actionDoneMsg:
		send(t, a, next)
	}
}

func loadedApp(t *testing.T, b *fakeBackend) *App {
	t.Helper()
	a := NewApp(context.Background(), b)
	send(t, a, a.loadDeployments())
	require.Len(t, a.rows, 2)
	return a
}

func TestListView(t *testing.T) {
	a := loadedApp(t, newBackend())

	view := a.View()
	assert.Contains(t, view, "complex.pdb")
	assert.Contains(t, view, "other.pdb")
	assert.Contains(t, view, "1/4")
	assert.Contains(t, view, "2/2")
	assert.Equal(t, 0.25, a.rows[0].percent())
	assert.True(t, a.hasActiveDeployments())
}

func TestEmptyList(t *testing.T) {
	a := NewApp(context.Background(), &fakeBackend{})
	send(t, a, a.loadDeployments())
	assert.Contains(t, a.View(), "No deployments yet")
	assert.False(t, a.hasActiveDeployments())
}

func TestDetailView(t *testing.T) {
	a := loadedApp(t, newBackend())

	send(t, a, key("enter"))
	require.Equal(t, ViewDeploymentDetail, a.view)
	require.Len(t, a.trials, 2)

	view := a.View()
	assert.Contains(t, view, "Deployment #2: complex.pdb")
	assert.Contains(t, view, "complex_1")
	assert.Contains(t, view, "job 102")

	send(t, a, key("esc"))
	assert.Equal(t, ViewDeploymentList, a.view)
	assert.Nil(t, a.selected)
}

func TestRefreshOnlySubmittedQueueDeployments(t *testing.T) {
	b := newBackend()
	a := loadedApp(t, b)

	send(t, a, key("r"))
	assert.Equal(t, []int64{2}, b.refreshed)
}

func TestCancelAndDelete(t *testing.T) {
	b := newBackend()
	a := loadedApp(t, b)

	send(t, a, key("j"))
	assert.Equal(t, 1, a.selectedIdx)

	send(t, a, key("x"))
	assert.Equal(t, []int64{1}, b.cancelled)

	b.deleteErr = errors.New("busy")
	send(t, a, key("d"))
	assert.Equal(t, []int64{1}, b.deleted)
	assert.EqualError(t, a.err, "busy")
	assert.Contains(t, a.View(), "Error: busy")
}

func TestNavigationBounds(t *testing.T) {
	a := loadedApp(t, newBackend())

	send(t, a, key("k"))
	assert.Equal(t, 0, a.selectedIdx)
	send(t, a, key("j"))
	send(t, a, key("j"))
	assert.Equal(t, 1, a.selectedIdx)
}

func TestTickReloadsWhileActive(t *testing.T) {
	a := loadedApp(t, newBackend())
	_, cmd := a.Update(tickMsg(time.Now()))
	assert.NotNil(t, cmd)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "500ms", formatDuration(500*time.Millisecond))
	assert.Equal(t, "42s", formatDuration(42*time.Second))
	assert.Equal(t, "3m5s", formatDuration(3*time.Minute+5*time.Second))
	assert.Equal(t, "2h10m", formatDuration(2*time.Hour+10*time.Minute))
}
