package device

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/CaioWing/Flotilla/internal/api/middleware"
	"github.com/CaioWing/Flotilla/internal/api/response"
	"github.com/CaioWing/Flotilla/internal/domain"
	"github.com/CaioWing/Flotilla/internal/service"
)

// ActionHandler is the polling surface of the update agent: fetch open
// actions, report progress and outcomes.
type ActionHandler struct {
	deploySvc *service.DeploymentService
}

func NewActionHandler(deploySvc *service.DeploymentService) *ActionHandler {
	return &ActionHandler{deploySvc: deploySvc}
}

type pendingActionResponse struct {
	ID                string `json:"id"`
	DistributionSetID string `json:"distribution_set_id"`
	Type              string `json:"type"`
	State             string `json:"state"`
	Forced            bool   `json:"forced"`
	Canceling         bool   `json:"canceling"`
}

// GetPending returns the target's open actions, newest first. The head
// entry is the one the agent should work on; canceling entries must be
// confirmed with a canceled report.
func (h *ActionHandler) GetPending(w http.ResponseWriter, r *http.Request) {
	target, ok := r.Context().Value(middleware.TargetKey).(*domain.Target)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "invalid target context")
		return
	}

	actions, err := h.deploySvc.FindActiveActionsByTarget(r.Context(), target.ControllerID)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "failed to get pending actions")
		return
	}

	now := time.Now()
	out := make([]pendingActionResponse, 0, len(actions))
	for _, a := range actions {
		out = append(out, pendingActionResponse{
			ID:                a.ID.String(),
			DistributionSetID: a.DistributionSetID.String(),
			Type:              string(a.Type),
			State:             string(a.State),
			Forced:            a.IsForced(now),
			Canceling:         a.State == domain.ActionStateCanceling,
		})
	}

	response.JSON(w, http.StatusOK, map[string]interface{}{"data": out})
}

type feedbackRequest struct {
	Code     string   `json:"code"`
	Messages []string `json:"messages,omitempty"`
}

// UpdateStatus ingests one feedback report for an action owned by the
// authenticated target.
func (h *ActionHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	target, ok := r.Context().Value(middleware.TargetKey).(*domain.Target)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "invalid target context")
		return
	}

	actionID, err := uuid.Parse(chi.URLParam(r, "actionID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "invalid action id")
		return
	}

	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	code := domain.ActionState(req.Code)
	switch code {
	case domain.ActionStateRunning, domain.ActionStateDownload, domain.ActionStateRetrieved,
		domain.ActionStateWarning, domain.ActionStateFinished, domain.ActionStateError,
		domain.ActionStateCanceled:
	default:
		response.Error(w, http.StatusBadRequest, "invalid status code")
		return
	}

	action, err := h.deploySvc.GetAction(r.Context(), actionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "action not found")
			return
		}
		response.Error(w, http.StatusInternalServerError, "failed to get action")
		return
	}
	if action.TargetID != target.ID {
		response.Error(w, http.StatusForbidden, "action belongs to another target")
		return
	}

	if err := h.deploySvc.AddUpdateActionStatus(r.Context(), actionID, code, req.Messages...); err != nil {
		switch {
		case errors.Is(err, domain.ErrActionClosed):
			response.Error(w, http.StatusGone, "action is already closed")
		case errors.Is(err, domain.ErrInvalidInput):
			response.Error(w, http.StatusBadRequest, err.Error())
		default:
			response.Error(w, http.StatusInternalServerError, "failed to record status")
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
