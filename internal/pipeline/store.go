package pipeline

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/zxc88645/AudioAssuranceSystem/internal/provider"
)

// ErrNotFound is returned by Get when no report exists for the id.
var ErrNotFound = errors.New("report not found")

// sqlTimeLayout is fixed-width, unlike RFC3339Nano which trims trailing
// fractional zeros. created_at is compared and ordered lexically in SQL, so
// every stored timestamp must have the same length.
const sqlTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const reportSchema = `
CREATE TABLE IF NOT EXISTS reports (
    id                   TEXT PRIMARY KEY,
    session_id           TEXT NOT NULL,
    status               TEXT NOT NULL,
    local_artifact_id    TEXT NOT NULL,
    remote_url           TEXT NOT NULL,
    reference_transcript TEXT NOT NULL DEFAULT '',
    candidate_transcript TEXT NOT NULL DEFAULT '',
    result               TEXT,
    error_message        TEXT NOT NULL DEFAULT '',
    created_at           TEXT NOT NULL,
    updated_at           TEXT NOT NULL,
    completed_at         TEXT
);

CREATE INDEX IF NOT EXISTS idx_reports_created ON reports(created_at);
CREATE INDEX IF NOT EXISTS idx_reports_session ON reports(session_id);
`

// Store persists reports in SQLite. Every state transition is saved as a
// snapshot, so a report visible through the API always reflects the last
// transition that actually happened.
type Store struct {
	db *sql.DB
}

// OpenStore opens (and migrates) the report database under dataDir.
func OpenStore(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "reports.db")
	db, err := sql.Open("sqlite3", "file:"+dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open report db: %w", err)
	}

	if _, err := db.Exec(reportSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate report db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save writes the report snapshot, inserting or replacing by id.
func (s *Store) Save(r *Report) error {
	var result any
	if r.Result != nil {
		encoded, err := json.Marshal(r.Result)
		if err != nil {
			return fmt.Errorf("encode comparison result: %w", err)
		}
		result = string(encoded)
	}

	var completedAt any
	if r.CompletedAt != nil {
		completedAt = r.CompletedAt.Format(sqlTimeLayout)
	}

	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO reports
		 (id, session_id, status, local_artifact_id, remote_url, reference_transcript, candidate_transcript, result, error_message, created_at, updated_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SessionID, string(r.Status), r.LocalArtifactID, r.RemoteURL,
		r.ReferenceTranscript, r.CandidateTranscript, result, r.ErrorMessage,
		r.CreatedAt.Format(sqlTimeLayout), r.UpdatedAt.Format(sqlTimeLayout), completedAt,
	)
	if err != nil {
		return fmt.Errorf("save report %s: %w", r.ID, err)
	}
	return nil
}

// Get loads one full report. Returns ErrNotFound when absent.
func (s *Store) Get(id string) (*Report, error) {
	row := s.db.QueryRow(
		`SELECT id, session_id, status, local_artifact_id, remote_url, reference_transcript, candidate_transcript, result, error_message, created_at, updated_at, completed_at
		 FROM reports WHERE id = ?`, id,
	)
	return scanReport(row)
}

// rowScanner covers both sql.Row and sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(row rowScanner) (*Report, error) {
	var r Report
	var status string
	var result, completedAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&r.ID, &r.SessionID, &status, &r.LocalArtifactID, &r.RemoteURL,
		&r.ReferenceTranscript, &r.CandidateTranscript, &result, &r.ErrorMessage,
		&createdAt, &updatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan report: %w", err)
	}

	r.Status = Status(status)
	if result.Valid {
		var cr provider.ComparisonResult
		if err := json.Unmarshal([]byte(result.String), &cr); err != nil {
			return nil, fmt.Errorf("decode comparison result: %w", err)
		}
		r.Result = &cr
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		r.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		r.UpdatedAt = t
	}
	if completedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completedAt.String); err == nil {
			r.CompletedAt = &t
		}
	}

	return &r, nil
}

// List returns report summaries, newest first. A non-positive limit means
// no limit.
func (s *Store) List(limit int) ([]Summary, error) {
	query := `SELECT id, session_id, status, local_artifact_id, remote_url, reference_transcript, candidate_transcript, result, error_message, created_at, updated_at, completed_at
	          FROM reports ORDER BY created_at DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	summaries := make([]Summary, 0)
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, r.summary())
	}

	return summaries, rows.Err()
}

// DeleteOlderThan removes reports created more than the given number of
// days ago and returns how many were removed.
func (s *Store) DeleteOlderThan(days int) (int64, error) {
	if days <= 0 {
		return 0, fmt.Errorf("days must be positive, got %d", days)
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(sqlTimeLayout)
	res, err := s.db.Exec(`DELETE FROM reports WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old reports: %w", err)
	}
	return res.RowsAffected()
}
