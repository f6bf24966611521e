package store

import (
	"errors"
	"time"

	"github.com/xMarcinator/VMWareReboot/internal/models"
)

// ErrNotFound is returned when a run id is not in the history.
var ErrNotFound = errors.New("not found")

// RunSummary is one row of the run history listing.
type RunSummary struct {
	RunID      string         `json:"run_id"`
	Mode       models.RunMode `json:"mode"`
	DryRun     bool           `json:"dry_run,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Summary    models.Summary `json:"summary"`
}

// Store defines the interface for run history persistence.
type Store interface {
	// Run related methods
	SaveRun(report *models.Report) error
	GetRun(id string) (*models.Report, error)
	ListRuns(limit int) ([]RunSummary, error)

	// VM related methods
	SaveVM(vm *models.VMSummary, seenAt time.Time) error
	ListVMs() ([]*models.VMSummary, error)

	Close() error
}
