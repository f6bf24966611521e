package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/xMarcinator/VMWareReboot/internal/logger"
	"github.com/xMarcinator/VMWareReboot/internal/models"
)

// PowerService issues power actions against single VMs.
type PowerService struct {
	client Requester
	logger *logger.Logger
	now    func() time.Time
}

func NewPowerService(client Requester, log *logger.Logger) *PowerService {
	if log == nil {
		log = logger.NewWithWriter(io.Discard)
	}
	return &PowerService{client: client, logger: log, now: time.Now}
}

// ActionRequest returns the endpoint and query for action on vmID. Guest
// actions signal the guest OS; start is a hypervisor-level power on.
func ActionRequest(vmID string, action models.PowerAction) (string, url.Values, error) {
	if vmID == "" {
		return "", nil, fmt.Errorf("vm id is required")
	}
	escaped := url.PathEscape(vmID)
	switch {
	case action.IsGuest():
		return fmt.Sprintf("%s/%s/guest/power", vmPath, escaped), url.Values{"action": {action.String()}}, nil
	case action == models.ActionStart:
		return fmt.Sprintf("%s/%s/power", vmPath, escaped), url.Values{"action": {"start"}}, nil
	default:
		return "", nil, fmt.Errorf("unsupported power action %s", action)
	}
}

// ApplyAction issues action for exactly one VM. Per-VM failures are
// reported in the outcome, never as an error: the error return is reserved
// for an invalid session that could not be renewed.
//
// A guest action that is accepted is not guaranteed to converge; a guest
// without tools ignores the signal.
func (s *PowerService) ApplyAction(ctx context.Context, vmID string, action models.PowerAction) (models.ActionOutcome, error) {
	outcome := models.ActionOutcome{
		VMID:      vmID,
		Action:    action,
		StartedAt: s.now(),
	}

	path, query, err := ActionRequest(vmID, action)
	if err != nil {
		outcome.FinishedAt = s.now()
		outcome.Error = models.ErrorRejected
		outcome.Reason = err.Error()
		return outcome, nil
	}

	resp, err := s.client.Do(ctx, http.MethodPost, path, query)
	outcome.FinishedAt = s.now()

	if err != nil {
		outcome.Reason = err.Error()
		if errors.Is(err, ErrSessionExpired) {
			outcome.Error = models.ErrorSessionExpired
			return outcome, err
		}
		outcome.Error = classifyTransport(ctx, err)
		s.logger.Error("Power action failed", logger.Action(action.String()), logger.Status(string(outcome.Error)), logger.VMID(vmID), logger.Error(err))
		return outcome, nil
	}

	if !resp.Success() {
		apiErr := newAPIError(resp.StatusCode, resp.Body)
		outcome.Error = models.ErrorRejected
		outcome.Reason = apiErr.Error()
		s.logger.Error("Power action rejected", logger.Action(action.String()), logger.Status("rejected"), logger.VMID(vmID), logger.Error(apiErr))
		return outcome, nil
	}

	outcome.Success = true
	s.logger.Info("Power action accepted", logger.Action(action.String()), logger.Status("accepted"), logger.VMID(vmID))
	return outcome, nil
}

func classifyTransport(ctx context.Context, err error) models.ErrorKind {
	if errors.Is(ctx.Err(), context.Canceled) {
		return models.ErrorCanceled
	}
	var te *TransportError
	if errors.As(err, &te) && te.Timeout() {
		return models.ErrorTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.ErrorTimeout
	}
	return models.ErrorTransportFailure
}
