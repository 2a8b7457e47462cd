package archive

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/zxc88645/AudioAssuranceSystem/internal/audio"
)

// ErrNotFound is returned by Retrieve when no artifact exists for the id.
var ErrNotFound = errors.New("artifact not found")

// Artifact is a permanently stored audio file. Immutable once created;
// nothing in this service ever mutates or deletes one.
type Artifact struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"session_id"`
	Path            string    `json:"path"`
	OriginalName    string    `json:"original_name"`
	DurationSeconds float64   `json:"duration_seconds"`
	SizeBytes       int64     `json:"size_bytes"`
	Format          string    `json:"format"`
	ParticipantIDs  []string  `json:"participant_ids"`
	CreatedAt       time.Time `json:"created_at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS artifacts (
    id               TEXT PRIMARY KEY,
    session_id       TEXT NOT NULL,
    path             TEXT NOT NULL,
    original_name    TEXT NOT NULL DEFAULT '',
    duration_seconds REAL NOT NULL DEFAULT 0,
    size_bytes       INTEGER NOT NULL DEFAULT 0,
    format           TEXT NOT NULL DEFAULT 'wav',
    participant_ids  TEXT NOT NULL DEFAULT '[]',
    created_at       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_artifacts_session ON artifacts(session_id);
`

// Store assigns permanent identities to merged audio files, copies them into
// durable storage and records their metadata in SQLite.
type Store struct {
	db       *sql.DB
	audioDir string
	logger   *slog.Logger
}

// Open prepares the archive directory and metadata database. Unreachable
// storage here is fatal for the process, by way of the caller.
func Open(dataDir string, logger *slog.Logger) (*Store, error) {
	audioDir := filepath.Join(dataDir, "audio")
	if err := os.MkdirAll(audioDir, 0o755); err != nil {
		return nil, fmt.Errorf("create audio dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "artifacts.db")
	db, err := sql.Open("sqlite3", "file:"+dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open artifact db: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate artifact db: %w", err)
	}

	return &Store{db: db, audioDir: audioDir, logger: logger}, nil
}

// Close closes the metadata database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Archive copies the source file into durable storage under a freshly
// assigned opaque id, measures it and records its metadata. The copy and the
// metadata insert are not crash-atomic; there is no concurrent writer for a
// new id, so a torn pair can only leave an orphaned file behind.
func (s *Store) Archive(sourcePath, sessionID string, participantIDs []string) (*Artifact, error) {
	src, err := os.Open(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("cannot archive %s: %w", sourcePath, err)
	}
	defer src.Close()

	format := strings.TrimPrefix(filepath.Ext(sourcePath), ".")
	if format == "" {
		format = "wav"
	}

	id := uuid.New().String()
	permanentPath := filepath.Join(s.audioDir, id+"."+format)

	dst, err := os.Create(permanentPath)
	if err != nil {
		return nil, fmt.Errorf("create archive file: %w", err)
	}

	size, err := io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(permanentPath)
		return nil, fmt.Errorf("copy into archive: %w", err)
	}

	duration := s.measureDuration(permanentPath)

	a := &Artifact{
		ID:              id,
		SessionID:       sessionID,
		Path:            permanentPath,
		OriginalName:    filepath.Base(sourcePath),
		DurationSeconds: duration,
		SizeBytes:       size,
		Format:          format,
		ParticipantIDs:  participantIDs,
		CreatedAt:       time.Now().UTC(),
	}

	ids, err := json.Marshal(a.ParticipantIDs)
	if err != nil {
		return nil, fmt.Errorf("encode participant ids: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO artifacts (id, session_id, path, original_name, duration_seconds, size_bytes, format, participant_ids, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.SessionID, a.Path, a.OriginalName, a.DurationSeconds, a.SizeBytes, a.Format, string(ids), a.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("index artifact: %w", err)
	}

	s.logger.Info("Artifact archived",
		slog.String("artifact_id", a.ID),
		slog.String("session_id", sessionID),
		slog.Int64("size_bytes", size),
		slog.Float64("duration_seconds", duration),
	)

	return a, nil
}

// Retrieve looks up artifact metadata by id. Returns ErrNotFound when absent.
func (s *Store) Retrieve(id string) (*Artifact, error) {
	row := s.db.QueryRow(
		`SELECT id, session_id, path, original_name, duration_seconds, size_bytes, format, participant_ids, created_at
		 FROM artifacts WHERE id = ?`, id,
	)

	var a Artifact
	var ids, createdAt string
	err := row.Scan(&a.ID, &a.SessionID, &a.Path, &a.OriginalName, &a.DurationSeconds, &a.SizeBytes, &a.Format, &ids, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan artifact: %w", err)
	}

	if err := json.Unmarshal([]byte(ids), &a.ParticipantIDs); err != nil {
		return nil, fmt.Errorf("decode participant ids: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		a.CreatedAt = t
	}

	return &a, nil
}

// measureDuration reads just the WAV header of an archived file. A file in
// another container simply reports zero; duration is advisory metadata.
func (s *Store) measureDuration(path string) float64 {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	header := make([]byte, 44)
	if _, err := io.ReadFull(f, header); err != nil {
		return 0
	}

	info, err := audio.GetWAVInfo(header)
	if err != nil {
		s.logger.Debug("Archived file is not plain WAV, duration unknown", slog.String("path", path))
		return 0
	}
	return info.Duration
}
