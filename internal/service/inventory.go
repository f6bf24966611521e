package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/xMarcinator/VMWareReboot/internal/logger"
	"github.com/xMarcinator/VMWareReboot/internal/models"
)

const vmPath = "/api/vcenter/vm"

// InventoryService lists VMs from the management plane. Results are never
// cached: each call reflects the inventory at query time.
type InventoryService struct {
	client Requester
	logger *logger.Logger
}

func NewInventoryService(client Requester, log *logger.Logger) *InventoryService {
	if log == nil {
		log = logger.NewWithWriter(io.Discard)
	}
	return &InventoryService{client: client, logger: log}
}

// ListAll lists every VM visible to the session's credentials.
func (s *InventoryService) ListAll(ctx context.Context) ([]models.VMSummary, error) {
	return s.ListFiltered(ctx, models.VMListFilter{})
}

// ListFiltered lists the VMs matching filter. Absent filter dimensions are
// not sent at all.
func (s *InventoryService) ListFiltered(ctx context.Context, filter models.VMListFilter) ([]models.VMSummary, error) {
	query := filter.Values()
	resp, err := s.client.Do(ctx, http.MethodGet, vmPath, query)
	if err != nil {
		return nil, &QueryError{Kind: QueryTransportFailure, Err: err}
	}
	if !resp.Success() {
		return nil, &QueryError{Kind: QueryTransportFailure, Err: newAPIError(resp.StatusCode, resp.Body)}
	}

	vms, err := decodeSummaries(resp.Body)
	if err != nil {
		return nil, &QueryError{Kind: QueryDecodeFailure, Err: err}
	}

	s.logger.Debug("Inventory listed", logger.Action("inventory"), logger.Count(len(vms)), logger.F("FILTER", query.Encode()))
	return vms, nil
}

// ListByIDs lists the given VMs. An empty id set matches nothing and makes
// no call.
func (s *InventoryService) ListByIDs(ctx context.Context, ids []string) ([]models.VMSummary, error) {
	if len(ids) == 0 {
		return []models.VMSummary{}, nil
	}
	unique := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		unique[id] = struct{}{}
	}
	sorted := make([]string, 0, len(unique))
	for id := range unique {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)
	return s.ListFiltered(ctx, models.VMListFilter{VMs: sorted})
}

func decodeSummaries(body []byte) ([]models.VMSummary, error) {
	var vms []models.VMSummary
	if err := json.Unmarshal(body, &vms); err != nil {
		return nil, fmt.Errorf("failed to decode VM list: %w", err)
	}
	for i, vm := range vms {
		if err := vm.Validate(); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
	}
	if vms == nil {
		vms = []models.VMSummary{}
	}
	return vms, nil
}
