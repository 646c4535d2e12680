package tui

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mpataki/decoy/internal/models"
	"github.com/mpataki/decoy/internal/storage"
)

// Backend is what the watch view reads and acts on. *orchestrator.Orchestrator
// satisfies it.
type Backend interface {
	ListDeployments(limit int) ([]*models.Deployment, error)
	GetDeployment(id int64) (*models.Deployment, error)
	GetTrials(deploymentID int64) ([]*models.Trial, error)
	TrialCounts(deploymentID int64) (map[models.TrialStatus]int, error)
	Refresh(ctx context.Context, deploymentID int64) (*models.Deployment, error)
	Cancel(ctx context.Context, deploymentID int64) error
	Delete(deploymentID int64) error
}

type View int

const (
	ViewDeploymentList View = iota
	ViewDeploymentDetail
)

const listLimit = 20

// row is a deployment plus the trial tally its progress bar shows.
type row struct {
	deployment *models.Deployment
	counts     map[models.TrialStatus]int
}

func (r row) done() int {
	return r.counts[models.TrialStatusComplete] + r.counts[models.TrialStatusFailed] + r.counts[models.TrialStatusCancelled]
}

func (r row) percent() float64 {
	if r.deployment.Decoys == 0 {
		return 1
	}
	return float64(r.done()) / float64(r.deployment.Decoys)
}

type App struct {
	ctx     context.Context
	backend Backend
	bar     progress.Model

	view             View
	rows             []row
	selectedIdx      int
	selected         *models.Deployment
	trials           []*models.Trial
	selectedTrialIdx int

	width  int
	height int
	err    error
}

func NewApp(ctx context.Context, backend Backend) *App {
	return &App{
		ctx:     ctx,
		backend: backend,
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(24)),
		view:    ViewDeploymentList,
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadDeployments, a.tickCmd())
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) hasActiveDeployments() bool {
	for _, r := range a.rows {
		if r.deployment.Active() {
			return true
		}
	}
	return false
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		return a, nil

	case deploymentsLoadedMsg:
		a.rows = msg.rows
		a.err = msg.err
		if a.selectedIdx >= len(a.rows) && a.selectedIdx > 0 {
			a.selectedIdx = len(a.rows) - 1
		}
		return a, nil

	case tickMsg:
		// the deploy process writes progress to the database; re-read it
		// while anything is still moving
		switch {
		case a.view == ViewDeploymentList && a.hasActiveDeployments():
			return a, tea.Batch(a.loadDeployments, a.tickCmd())
		case a.view == ViewDeploymentDetail && a.selected != nil && a.selected.Active():
			return a, tea.Batch(a.loadDetail(a.selected.ID), a.tickCmd())
		}
		return a, a.tickCmd()

	case detailLoadedMsg:
		a.err = msg.err
		if msg.err == nil {
			a.selected = msg.deployment
			a.trials = msg.trials
			if a.selectedTrialIdx >= len(a.trials) {
				a.selectedTrialIdx = 0
			}
			a.view = ViewDeploymentDetail
		}
		return a, nil

	case actionDoneMsg:
		a.err = msg.err
		if msg.err != nil {
			return a, nil
		}
		if a.view == ViewDeploymentDetail && a.selected != nil && msg.action != "delete" {
			return a, a.loadDetail(a.selected.ID)
		}
		a.view = ViewDeploymentList
		return a, a.loadDeployments
	}

	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch a.view {
	case ViewDeploymentList:
		return a.handleListKey(msg)
	case ViewDeploymentDetail:
		return a.handleDetailKey(msg)
	}
	return a, nil
}

func (a *App) current() *models.Deployment {
	if len(a.rows) == 0 || a.selectedIdx >= len(a.rows) {
		return nil
	}
	return a.rows[a.selectedIdx].deployment
}

func (a *App) handleListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.rows)-1 {
			a.selectedIdx++
		}

	case "enter":
		if d := a.current(); d != nil {
			return a, a.loadDetail(d.ID)
		}

	case "r":
		return a, a.refreshDeployments(a.submittedIDs())

	case "x":
		if d := a.current(); d != nil {
			return a, a.cancelDeployment(d.ID)
		}

	case "d":
		if d := a.current(); d != nil {
			return a, a.deleteDeployment(d.ID)
		}
	}

	return a, nil
}

func (a *App) handleDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewDeploymentList
		a.selected = nil
		a.trials = nil
		a.selectedTrialIdx = 0
		return a, a.loadDeployments

	case "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedTrialIdx > 0 {
			a.selectedTrialIdx--
		}

	case "down", "j":
		if a.selectedTrialIdx < len(a.trials)-1 {
			a.selectedTrialIdx++
		}

	case "r":
		if a.selected != nil {
			return a, a.refreshDetail(a.selected.ID)
		}

	case "x":
		if a.selected != nil {
			return a, a.cancelDeployment(a.selected.ID)
		}
	}

	return a, nil
}

func (a *App) View() string {
	switch a.view {
	case ViewDeploymentList:
		return a.viewList()
	case ViewDeploymentDetail:
		return a.viewDetail()
	}
	return ""
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusRunning   = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusSubmitted = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	statusComplete  = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusCancelled = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

func (a *App) viewList() string {
	s := titleStyle.Render("Decoy") + "\n\n"

	if a.err != nil {
		s += statusFailed.Render(fmt.Sprintf("Error: %v", a.err)) + "\n"
	}

	if len(a.rows) == 0 {
		s += "No deployments yet. Start one with 'decoy dock INPUT.pdb'.\n"
	} else {
		s += "Deployments\n"
		s += "───────────\n"

		for i, r := range a.rows {
			line := a.formatRow(r)
			if i == a.selectedIdx {
				line = selectedStyle.Render("▶ " + line)
			} else if !r.deployment.Active() {
				line = "  " + dimStyle.Render(line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[enter] trials  [r] refresh  [x] cancel  [d] delete  [q] quit")

	return s
}

func (a *App) formatRow(r row) string {
	d := r.deployment
	return fmt.Sprintf("#%-3d %-20s %-6s %s %s %4d/%-4d %s",
		d.ID,
		truncate(filepath.Base(d.InputFile), 20),
		d.Mode,
		a.formatStatus(d.Status),
		a.bar.ViewAs(r.percent()),
		r.done(), d.Decoys,
		storage.FormatTimeAgo(d.CreatedAt))
}

func (a *App) formatStatus(status models.DeploymentStatus) string {
	switch status {
	case models.DeploymentStatusRunning:
		return statusRunning.Render("● running  ")
	case models.DeploymentStatusSubmitted:
		return statusSubmitted.Render("◆ submitted")
	case models.DeploymentStatusComplete:
		return statusComplete.Render("✓ complete ")
	case models.DeploymentStatusFailed:
		return statusFailed.Render("✗ failed   ")
	case models.DeploymentStatusCancelled:
		return statusCancelled.Render("■ cancelled")
	default:
		return dimStyle.Render(fmt.Sprintf("○ %-9s", status))
	}
}

func (a *App) formatTrialStatus(status models.TrialStatus) string {
	switch status {
	case models.TrialStatusComplete:
		return statusComplete.Render("✓")
	case models.TrialStatusRunning:
		return statusRunning.Render("●")
	case models.TrialStatusSubmitted:
		return statusSubmitted.Render("◆")
	case models.TrialStatusFailed:
		return statusFailed.Render("✗")
	case models.TrialStatusCancelled:
		return statusCancelled.Render("■")
	default:
		return "○"
	}
}

func (a *App) viewDetail() string {
	if a.selected == nil {
		return "No deployment selected"
	}

	d := a.selected
	header := fmt.Sprintf("Deployment #%d: %s", d.ID, filepath.Base(d.InputFile))
	s := titleStyle.Render(header) + "  " + a.formatStatus(d.Status) + "\n\n"

	s += labelStyle.Render("Input:      ") + d.InputFile + "\n"
	s += labelStyle.Render("Output:     ") + d.OutputPrefix + "_<trial>\n"
	s += labelStyle.Render("Mode:       ") + string(d.Mode) + "\n"
	s += labelStyle.Render("Decoys:     ") + fmt.Sprintf("%d x %d steps", d.Decoys, d.Steps) + "\n"
	s += labelStyle.Render("Pre-filter: ") + d.PreFilter + "\n"
	s += labelStyle.Render("Key:        ") + dimStyle.Render(d.Key) + "\n"
	if d.Error != "" {
		s += labelStyle.Render("Error:      ") + statusFailed.Render(d.Error) + "\n"
	}
	s += "\n"

	s += "Trials\n"
	s += "──────\n"

	if len(a.trials) == 0 {
		s += "(no trials yet)\n"
	} else {
		for i, t := range a.trials {
			line := fmt.Sprintf("%4d %s %-22s", t.Index, a.formatTrialStatus(t.Status), truncate(filepath.Base(t.OutputName), 22))
			if t.JobID != "" {
				line += "  " + dimStyle.Render("job "+t.JobID)
			}
			if t.SubmittedAt != nil && t.CompletedAt != nil {
				line += "  " + dimStyle.Render(formatDuration(t.CompletedAt.Sub(*t.SubmittedAt)))
			} else if t.SubmittedAt != nil && !t.Done() {
				line += "  " + statusRunning.Render(formatDuration(time.Since(*t.SubmittedAt))+"...")
			}

			if i == a.selectedTrialIdx {
				line = selectedStyle.Render("▶ " + line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[↑/↓] select  [r] refresh  [x] cancel  [esc] back")

	return s
}

// Messages

type deploymentsLoadedMsg struct {
	rows []row
	err  error
}

type detailLoadedMsg struct {
	deployment *models.Deployment
	trials     []*models.Trial
	err        error
}

type actionDoneMsg struct {
	action       string
	deploymentID int64
	err          error
}

// Commands

func (a *App) loadDeployments() tea.Msg {
	deployments, err := a.backend.ListDeployments(listLimit)
	if err != nil {
		return deploymentsLoadedMsg{err: err}
	}

	rows := make([]row, 0, len(deployments))
	for _, d := range deployments {
		counts, err := a.backend.TrialCounts(d.ID)
		if err != nil {
			return deploymentsLoadedMsg{err: err}
		}
		rows = append(rows, row{deployment: d, counts: counts})
	}
	return deploymentsLoadedMsg{rows: rows}
}

// submittedIDs lists the queue deployments whose trials may have moved on
// in the scheduler since the last refresh.
func (a *App) submittedIDs() []int64 {
	var ids []int64
	for _, r := range a.rows {
		d := r.deployment
		if d.Mode == models.ModeSlurm && d.Status == models.DeploymentStatusSubmitted {
			ids = append(ids, d.ID)
		}
	}
	return ids
}

func (a *App) refreshDeployments(ids []int64) tea.Cmd {
	return func() tea.Msg {
		for _, id := range ids {
			if _, err := a.backend.Refresh(a.ctx, id); err != nil {
				msg := a.loadDeployments().(deploymentsLoadedMsg)
				if msg.err == nil {
					msg.err = err
				}
				return msg
			}
		}
		return a.loadDeployments()
	}
}

func (a *App) loadDetail(id int64) tea.Cmd {
	return func() tea.Msg {
		d, err := a.backend.GetDeployment(id)
		if err != nil {
			return detailLoadedMsg{err: err}
		}
		trials, err := a.backend.GetTrials(id)
		return detailLoadedMsg{deployment: d, trials: trials, err: err}
	}
}

func (a *App) refreshDetail(id int64) tea.Cmd {
	return func() tea.Msg {
		if _, err := a.backend.Refresh(a.ctx, id); err != nil {
			return detailLoadedMsg{err: err}
		}
		return a.loadDetail(id)()
	}
}

func (a *App) cancelDeployment(id int64) tea.Cmd {
	return func() tea.Msg {
		return actionDoneMsg{action: "cancel", deploymentID: id, err: a.backend.Cancel(a.ctx, id)}
	}
}

func (a *App) deleteDeployment(id int64) tea.Cmd {
	return func() tea.Msg {
		return actionDoneMsg{action: "delete", deploymentID: id, err: a.backend.Delete(id)}
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}
