package management

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/CaioWing/Flotilla/internal/api/response"
	"github.com/CaioWing/Flotilla/internal/domain"
	"github.com/CaioWing/Flotilla/internal/service"
)

type RolloutHandler struct {
	rolloutSvc *service.RolloutService
	deploySvc  *service.DeploymentService
}

func NewRolloutHandler(rolloutSvc *service.RolloutService, deploySvc *service.DeploymentService) *RolloutHandler {
	return &RolloutHandler{rolloutSvc: rolloutSvc, deploySvc: deploySvc}
}

type createRolloutRequest struct {
	Name              string                         `json:"name"`
	FilterQuery       string                         `json:"filter_query"`
	DistributionSetID string                         `json:"distribution_set_id"`
	GroupCount        int                            `json:"group_count"`
	ActionType        string                         `json:"action_type"`
	ForcedTime        int64                          `json:"forced_time"`
	RequiresApproval  bool                           `json:"requires_approval"`
	Conditions        *domain.RolloutGroupConditions `json:"conditions,omitempty"`
}

func (h *RolloutHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRolloutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	setID, err := uuid.Parse(req.DistributionSetID)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "invalid distribution_set_id")
		return
	}

	rollout, err := h.rolloutSvc.Create(r.Context(), service.CreateRolloutInput{
		Name:              req.Name,
		FilterQuery:       req.FilterQuery,
		DistributionSetID: setID,
		GroupCount:        req.GroupCount,
		ActionType:        domain.ActionType(req.ActionType),
		ForcedTime:        req.ForcedTime,
		RequiresApproval:  req.RequiresApproval,
		Conditions:        req.Conditions,
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrInvalidCondition):
			response.Error(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, domain.ErrNotFound):
			response.Error(w, http.StatusNotFound, "distribution set not found")
		case errors.Is(err, domain.ErrIncompleteSet):
			response.Error(w, http.StatusBadRequest, "distribution set is incomplete")
		case errors.Is(err, domain.ErrNoMatchingTargets):
			response.Error(w, http.StatusBadRequest, "filter matches no targets")
		case errors.Is(err, domain.ErrConflict):
			response.Error(w, http.StatusConflict, "rollout name already exists")
		default:
			response.Error(w, http.StatusInternalServerError, "failed to create rollout")
		}
		return
	}

	response.JSON(w, http.StatusCreated, rollout)
}

func (h *RolloutHandler) List(w http.ResponseWriter, r *http.Request) {
	page, perPage := response.ParsePagination(r)

	filter := domain.RolloutFilter{Page: page, PerPage: perPage}
	if s := r.URL.Query().Get("status"); s != "" {
		status := domain.RolloutStatus(s)
		filter.Status = &status
	}

	rollouts, total, err := h.rolloutSvc.List(r.Context(), filter)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "failed to list rollouts")
		return
	}

	response.Paginated(w, http.StatusOK, rollouts, page, perPage, total)
}

func (h *RolloutHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "invalid rollout id")
		return
	}

	rollout, err := h.rolloutSvc.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "rollout not found")
			return
		}
		response.Error(w, http.StatusInternalServerError, "failed to get rollout")
		return
	}

	response.JSON(w, http.StatusOK, rollout)
}

// lifecycle wraps the start/pause/resume/approve/deny transitions, which
// only differ in the service call.
func (h *RolloutHandler) lifecycle(w http.ResponseWriter, r *http.Request, fn func(r *http.Request, id uuid.UUID) error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "invalid rollout id")
		return
	}

	if err := fn(r, id); err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			response.Error(w, http.StatusNotFound, "rollout not found")
		case errors.Is(err, domain.ErrRolloutIllegalState):
			response.Error(w, http.StatusConflict, err.Error())
		default:
			response.Error(w, http.StatusInternalServerError, "rollout transition failed")
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *RolloutHandler) Start(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, func(r *http.Request, id uuid.UUID) error {
		return h.rolloutSvc.Start(r.Context(), id)
	})
}

func (h *RolloutHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, func(r *http.Request, id uuid.UUID) error {
		return h.rolloutSvc.Pause(r.Context(), id)
	})
}

func (h *RolloutHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, func(r *http.Request, id uuid.UUID) error {
		return h.rolloutSvc.Resume(r.Context(), id)
	})
}

func (h *RolloutHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, func(r *http.Request, id uuid.UUID) error {
		return h.rolloutSvc.Approve(r.Context(), id)
	})
}

func (h *RolloutHandler) Deny(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, func(r *http.Request, id uuid.UUID) error {
		return h.rolloutSvc.Deny(r.Context(), id)
	})
}

func (h *RolloutHandler) GetGroups(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "invalid rollout id")
		return
	}

	groups, err := h.rolloutSvc.FindGroups(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "rollout not found")
			return
		}
		response.Error(w, http.StatusInternalServerError, "failed to get rollout groups")
		return
	}

	response.JSON(w, http.StatusOK, map[string]interface{}{"data": groups})
}

// GetActions lists the rollout's actions filtered by state.
func (h *RolloutHandler) GetActions(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "invalid rollout id")
		return
	}

	state := domain.ActionState(r.URL.Query().Get("status"))
	if state == "" {
		response.Error(w, http.StatusBadRequest, "status query parameter is required")
		return
	}

	actions, err := h.deploySvc.FindActionsByRolloutAndStatus(r.Context(), id, state)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "failed to get rollout actions")
		return
	}

	response.JSON(w, http.StatusOK, map[string]interface{}{"data": actions})
}

func (h *RolloutHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "invalid rollout id")
		return
	}

	counts, err := h.rolloutSvc.GetDetailedStatus(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "rollout not found")
			return
		}
		response.Error(w, http.StatusInternalServerError, "failed to get rollout status")
		return
	}

	response.JSON(w, http.StatusOK, counts)
}

func (h *RolloutHandler) GetGroupStatus(w http.ResponseWriter, r *http.Request) {
	groupID, err := uuid.Parse(chi.URLParam(r, "groupID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "invalid group id")
		return
	}

	counts, err := h.rolloutSvc.GetGroupDetailedStatus(r.Context(), groupID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "rollout group not found")
			return
		}
		response.Error(w, http.StatusInternalServerError, "failed to get group status")
		return
	}

	response.JSON(w, http.StatusOK, counts)
}
