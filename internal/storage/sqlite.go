package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mpataki/decoy/internal/models"
)

var ErrNotFound = errors.New("not found")

type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, err
	}
	// one writer; avoids SQLITE_BUSY between the deploy loop and readers
	db.SetMaxOpenConns(1)

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS deployments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		key TEXT NOT NULL UNIQUE,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		completed_at TIMESTAMP,
		input_file TEXT NOT NULL,
		output_prefix TEXT NOT NULL,
		mode TEXT NOT NULL,
		decoys INTEGER NOT NULL,
		steps INTEGER NOT NULL,
		pre_filter TEXT NOT NULL DEFAULT 'auto',
		status TEXT NOT NULL DEFAULT 'pending',
		error TEXT
	);

	CREATE TABLE IF NOT EXISTS trials (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		deployment_id INTEGER NOT NULL REFERENCES deployments(id),
		trial_index INTEGER NOT NULL,
		output_name TEXT NOT NULL,
		script_path TEXT,
		job_id TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		submitted_at TIMESTAMP,
		completed_at TIMESTAMP,
		UNIQUE(deployment_id, trial_index)
	);

	CREATE INDEX IF NOT EXISTS idx_deployments_status ON deployments(status);
	CREATE INDEX IF NOT EXISTS idx_trials_deployment ON trials(deployment_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

const deploymentColumns = `id, key, created_at, completed_at, input_file, output_prefix, mode, decoys, steps, pre_filter, status, error`

func (s *Storage) CreateDeployment(d *models.Deployment) (int64, error) {
	result, err := s.db.Exec(
		`INSERT INTO deployments (key, input_file, output_prefix, mode, decoys, steps, pre_filter, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.Key, d.InputFile, d.OutputPrefix, d.Mode, d.Decoys, d.Steps, d.PreFilter, d.Status,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDeployment(row scanner) (*models.Deployment, error) {
	var d models.Deployment
	var completedAt sql.NullTime
	var errText sql.NullString

	err := row.Scan(
		&d.ID, &d.Key, &d.CreatedAt, &completedAt, &d.InputFile, &d.OutputPrefix,
		&d.Mode, &d.Decoys, &d.Steps, &d.PreFilter, &d.Status, &errText,
	)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		d.CompletedAt = &completedAt.Time
	}
	if errText.Valid {
		d.Error = errText.String
	}
	return &d, nil
}

func (s *Storage) GetDeployment(id int64) (*models.Deployment, error) {
	row := s.db.QueryRow(`SELECT `+deploymentColumns+` FROM deployments WHERE id = ?`, id)
	d, err := scanDeployment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("deployment %d: %w", id, ErrNotFound)
	}
	return d, err
}

func (s *Storage) UpdateDeployment(d *models.Deployment) error {
	_, err := s.db.Exec(
		`UPDATE deployments SET completed_at = ?, status = ?, error = ? WHERE id = ?`,
		d.CompletedAt, d.Status, nullString(d.Error), d.ID,
	)
	return err
}

func (s *Storage) ListDeployments(limit int) ([]*models.Deployment, error) {
	rows, err := s.db.Query(
		`SELECT `+deploymentColumns+` FROM deployments ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deployments []*models.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, d)
	}

	return deployments, rows.Err()
}

func (s *Storage) DeleteDeployment(id int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM trials WHERE deployment_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM deployments WHERE id = ?`, id); err != nil {
		return err
	}

	return tx.Commit()
}

const trialColumns = `id, deployment_id, trial_index, output_name, script_path, job_id, status, submitted_at, completed_at`

func (s *Storage) CreateTrial(t *models.Trial) (int64, error) {
	result, err := s.db.Exec(
		`INSERT INTO trials (deployment_id, trial_index, output_name, script_path, job_id, status, submitted_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.DeploymentID, t.Index, t.OutputName, nullString(t.ScriptPath), nullString(t.JobID),
		t.Status, t.SubmittedAt, t.CompletedAt,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *Storage) UpdateTrial(t *models.Trial) error {
	_, err := s.db.Exec(
		`UPDATE trials SET script_path = ?, job_id = ?, status = ?, submitted_at = ?, completed_at = ? WHERE id = ?`,
		nullString(t.ScriptPath), nullString(t.JobID), t.Status, t.SubmittedAt, t.CompletedAt, t.ID,
	)
	return err
}

func (s *Storage) GetTrialsForDeployment(deploymentID int64) ([]*models.Trial, error) {
	rows, err := s.db.Query(
		`SELECT `+trialColumns+` FROM trials WHERE deployment_id = ? ORDER BY trial_index`, deploymentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trials []*models.Trial
	for rows.Next() {
		var t models.Trial
		var scriptPath, jobID sql.NullString
		var submittedAt, completedAt sql.NullTime

		err := rows.Scan(
			&t.ID, &t.DeploymentID, &t.Index, &t.OutputName, &scriptPath, &jobID,
			&t.Status, &submittedAt, &completedAt,
		)
		if err != nil {
			return nil, err
		}

		if scriptPath.Valid {
			t.ScriptPath = scriptPath.String
		}
		if jobID.Valid {
			t.JobID = jobID.String
		}
		if submittedAt.Valid {
			t.SubmittedAt = &submittedAt.Time
		}
		if completedAt.Valid {
			t.CompletedAt = &completedAt.Time
		}

		trials = append(trials, &t)
	}

	return trials, rows.Err()
}

// TrialCounts returns the number of trials per status for a deployment.
func (s *Storage) TrialCounts(deploymentID int64) (map[models.TrialStatus]int, error) {
	rows, err := s.db.Query(
		`SELECT status, COUNT(*) FROM trials WHERE deployment_id = ? GROUP BY status`, deploymentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.TrialStatus]int)
	for rows.Next() {
		var status models.TrialStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// FormatTimeAgo renders t relative to now for listings.
func FormatTimeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("Jan 2")
	}
}
