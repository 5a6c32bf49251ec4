package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for match jobs and their diagnostics.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS match_jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            template_path TEXT,
            science_path TEXT,
            output_path TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS job_results (
            job_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS match_summaries (
            job_id TEXT PRIMARY KEY,
            basis_set TEXT,
            basis_size INTEGER,
            kernel_order INTEGER,
            bg_order INTEGER,
            detected INTEGER,
            accepted INTEGER,
            selected INTEGER,
            solved INTEGER,
            ill_posed INTEGER,
            sigma_clipped INTEGER,
            iterations INTEGER,
            rejections_json TEXT,
            kernel_coeffs_json TEXT,
            bg_coeffs_json TEXT,
            duration_ms INTEGER,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS candidates (
            job_id TEXT NOT NULL,
            candidate_id INTEGER NOT NULL,
            x REAL,
            y REAL,
            npix INTEGER,
            chi2 REAL,
            condition_number REAL,
            background REAL,
            kernel_sum REAL,
            status TEXT,
            reason TEXT,
            PRIMARY KEY (job_id, candidate_id)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_candidates_status ON candidates(job_id, status);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// JobRecord captures persisted job info.
type JobRecord struct {
	ID           string
	JobType      string
	Status       string
	TemplatePath string
	SciencePath  string
	OutputPath   string
	OptionsJSON  string
	Error        string
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// MatchSummary is the persisted outcome of one template/science match.
type MatchSummary struct {
	JobID        string
	BasisSet     string
	BasisSize    int
	KernelOrder  int
	BgOrder      int
	Detected     int
	Accepted     int
	Selected     int
	Solved       int
	IllPosed     int
	SigmaClipped int
	Iterations   int
	Rejections   map[string]int
	KernelCoeffs [][]float64
	BgCoeffs     []float64
	Duration     time.Duration
}

// CandidateRecord is one candidate's per-region solve diagnostics.
type CandidateRecord struct {
	ID         int
	X, Y       float64
	NPix       int
	Chi2       float64
	Condition  float64
	Background float64
	KernelSum  float64
	Status     string
	Reason     string
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO match_jobs (id, job_type, status, template_path, science_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.TemplatePath, rec.SciencePath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE match_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(`UPDATE match_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, job_type, status, template_path, science_path, output_path, options_json, created_at, started_at, completed_at, error_message FROM match_jobs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		var rec JobRecord
		var created time.Time
		var started, completed sql.NullTime
		var errorMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.JobType, &rec.Status, &rec.TemplatePath, &rec.SciencePath, &rec.OutputPath, &rec.OptionsJSON, &created, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.CreatedAt = created
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		if errorMsg.Valid {
			rec.Error = errorMsg.String
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// RecordMatchSummary stores (or replaces) the spatial model summary of a job.
func (s *Store) RecordMatchSummary(sum MatchSummary) error {
	if s == nil {
		return nil
	}
	rejections, err := json.Marshal(sum.Rejections)
	if err != nil {
		return fmt.Errorf("marshal rejections: %w", err)
	}
	kernel, err := json.Marshal(sum.KernelCoeffs)
	if err != nil {
		return fmt.Errorf("marshal kernel coefficients: %w", err)
	}
	bg, err := json.Marshal(sum.BgCoeffs)
	if err != nil {
		return fmt.Errorf("marshal background coefficients: %w", err)
	}
	_, err = s.DB.Exec(`INSERT OR REPLACE INTO match_summaries (job_id, basis_set, basis_size, kernel_order, bg_order, detected, accepted, selected, solved, ill_posed, sigma_clipped, iterations, rejections_json, kernel_coeffs_json, bg_coeffs_json, duration_ms)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		sum.JobID, sum.BasisSet, sum.BasisSize, sum.KernelOrder, sum.BgOrder, sum.Detected, sum.Accepted, sum.Selected,
		sum.Solved, sum.IllPosed, sum.SigmaClipped, sum.Iterations, string(rejections), string(kernel), string(bg), sum.Duration.Milliseconds())
	return err
}

// MatchSummary loads the summary recorded for jobID.
func (s *Store) MatchSummary(jobID string) (*MatchSummary, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	sum := &MatchSummary{JobID: jobID}
	var rejections, kernel, bg string
	var durationMS int64
	err := s.DB.QueryRow(`SELECT basis_set, basis_size, kernel_order, bg_order, detected, accepted, selected, solved, ill_posed, sigma_clipped, iterations, rejections_json, kernel_coeffs_json, bg_coeffs_json, duration_ms FROM match_summaries WHERE job_id=?;`, jobID).
		Scan(&sum.BasisSet, &sum.BasisSize, &sum.KernelOrder, &sum.BgOrder, &sum.Detected, &sum.Accepted, &sum.Selected,
			&sum.Solved, &sum.IllPosed, &sum.SigmaClipped, &sum.Iterations, &rejections, &kernel, &bg, &durationMS)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(rejections), &sum.Rejections); err != nil {
		return nil, fmt.Errorf("unmarshal rejections: %w", err)
	}
	if err := json.Unmarshal([]byte(kernel), &sum.KernelCoeffs); err != nil {
		return nil, fmt.Errorf("unmarshal kernel coefficients: %w", err)
	}
	if err := json.Unmarshal([]byte(bg), &sum.BgCoeffs); err != nil {
		return nil, fmt.Errorf("unmarshal background coefficients: %w", err)
	}
	sum.Duration = time.Duration(durationMS) * time.Millisecond
	return sum, nil
}

// RecordCandidates replaces the candidate diagnostics stored for jobID.
func (s *Store) RecordCandidates(jobID string, recs []CandidateRecord) error {
	if s == nil {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM candidates WHERE job_id=?;`, jobID); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO candidates (job_id, candidate_id, x, y, npix, chi2, condition_number, background, kernel_sum, status, reason) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range recs {
		if _, err := stmt.Exec(jobID, r.ID, r.X, r.Y, r.NPix, r.Chi2, r.Condition, r.Background, r.KernelSum, r.Status, r.Reason); err != nil {
			return fmt.Errorf("insert candidate %d: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// Candidates returns the stored candidates of jobID ordered by id. A non-empty
// status filters on it.
func (s *Store) Candidates(jobID, status string) ([]CandidateRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	query := `SELECT candidate_id, x, y, npix, chi2, condition_number, background, kernel_sum, status, reason FROM candidates WHERE job_id=?`
	args := []any{jobID}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	rows, err := s.DB.Query(query+` ORDER BY candidate_id;`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []CandidateRecord
	for rows.Next() {
		var r CandidateRecord
		if err := rows.Scan(&r.ID, &r.X, &r.Y, &r.NPix, &r.Chi2, &r.Condition, &r.Background, &r.KernelSum, &r.Status, &r.Reason); err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}
