package service

import (
	"context"
	"net/url"

	"github.com/xMarcinator/VMWareReboot/internal/models"
)

// Requester issues authenticated calls. SessionClient implements it.
type Requester interface {
	Do(ctx context.Context, method, path string, query url.Values) (*RawResponse, error)
}

// InventoryLister abstracts inventory queries for testability.
type InventoryLister interface {
	ListFiltered(ctx context.Context, filter models.VMListFilter) ([]models.VMSummary, error)
	ListByIDs(ctx context.Context, ids []string) ([]models.VMSummary, error)
}

// PowerInvoker abstracts per-VM power actions for testability.
type PowerInvoker interface {
	ApplyAction(ctx context.Context, vmID string, action models.PowerAction) (models.ActionOutcome, error)
}

var (
	_ Requester       = (*SessionClient)(nil)
	_ InventoryLister = (*InventoryService)(nil)
	_ PowerInvoker    = (*PowerService)(nil)
)
