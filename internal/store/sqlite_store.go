package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xMarcinator/VMWareReboot/internal/models"
	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dbPath, err := resolveDBPath(path)
	if err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if err := initSchema(db); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, errors.Join(err, cerr)
		}
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

// resolveDBPath accepts either a *.db file path or a directory, in which
// case the database is history.db inside it.
func resolveDBPath(path string) (string, error) {
	abs := filepath.Clean(path)
	if strings.HasSuffix(abs, ".db") {
		if err := os.MkdirAll(filepath.Dir(abs), 0o750); err != nil {
			return "", err
		}
		return abs, nil
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return "", err
	}
	return filepath.Join(abs, "history.db"), nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		"CREATE TABLE IF NOT EXISTS runs (id TEXT PRIMARY KEY, mode TEXT NOT NULL, dry_run INTEGER NOT NULL, started_at TEXT NOT NULL, finished_at TEXT NOT NULL, succeeded INTEGER NOT NULL, failed INTEGER NOT NULL, skipped INTEGER NOT NULL, blocked INTEGER NOT NULL, data BLOB NOT NULL);",
		"CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);",
		"CREATE TABLE IF NOT EXISTS vms (id TEXT PRIMARY KEY, name TEXT NOT NULL, power_state TEXT NOT NULL, seen_at TEXT NOT NULL, data BLOB NOT NULL);",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveRun stores a report. Saving the same run id again replaces it.
func (s *SQLiteStore) SaveRun(report *models.Report) error {
	if report.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	data, err := json.Marshal(report)
	if err != nil {
		return err
	}
	sum := report.Summary()
	_, err = s.db.Exec(`INSERT INTO runs (id, mode, dry_run, started_at, finished_at, succeeded, failed, skipped, blocked, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET mode=excluded.mode, dry_run=excluded.dry_run, started_at=excluded.started_at,
			finished_at=excluded.finished_at, succeeded=excluded.succeeded, failed=excluded.failed,
			skipped=excluded.skipped, blocked=excluded.blocked, data=excluded.data`,
		report.RunID, report.Mode.String(), report.DryRun,
		formatTime(report.StartedAt), formatTime(report.FinishedAt),
		sum.Succeeded, sum.Failed, sum.Skipped, sum.Blocked, data)
	return err
}

func (s *SQLiteStore) GetRun(id string) (*models.Report, error) {
	var raw []byte
	err := s.db.QueryRow(`SELECT data FROM runs WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var report models.Report
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// ListRuns returns the most recent runs first. A limit <= 0 returns all.
func (s *SQLiteStore) ListRuns(limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`SELECT id, mode, dry_run, started_at, finished_at, succeeded, failed, skipped, blocked
		FROM runs ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var runs []RunSummary
	for rows.Next() {
		var (
			r                 RunSummary
			mode              string
			started, finished string
		)
		if err := rows.Scan(&r.RunID, &mode, &r.DryRun, &started, &finished,
			&r.Summary.Succeeded, &r.Summary.Failed, &r.Summary.Skipped, &r.Summary.Blocked); err != nil {
			return nil, err
		}
		if r.Mode, err = models.ParseRunMode(mode); err != nil {
			return nil, fmt.Errorf("run %s: %w", r.RunID, err)
		}
		if r.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if r.FinishedAt, err = parseTime(finished); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// SaveVM records the last observed state of a VM.
func (s *SQLiteStore) SaveVM(vm *models.VMSummary, seenAt time.Time) error {
	data, err := json.Marshal(vm)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO vms (id, name, power_state, seen_at, data) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, power_state=excluded.power_state, seen_at=excluded.seen_at, data=excluded.data`,
		vm.ID, vm.Name, vm.PowerState.String(), formatTime(seenAt), data)
	return err
}

func (s *SQLiteStore) ListVMs() ([]*models.VMSummary, error) {
	rows, err := s.db.Query(`SELECT data FROM vms ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var vms []*models.VMSummary
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var vm models.VMSummary
		if err := json.Unmarshal(raw, &vm); err != nil {
			return nil, err
		}
		vms = append(vms, &vm)
	}
	return vms, rows.Err()
}

// timeLayout has a fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}
