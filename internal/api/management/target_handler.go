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

type TargetHandler struct {
	targetSvc *service.TargetService
	deploySvc *service.DeploymentService
}

func NewTargetHandler(targetSvc *service.TargetService, deploySvc *service.DeploymentService) *TargetHandler {
	return &TargetHandler{targetSvc: targetSvc, deploySvc: deploySvc}
}

type registerTargetRequest struct {
	ControllerID string `json:"controller_id"`
}

type registerTargetResponse struct {
	Target *domain.Target `json:"target"`
	Token  string         `json:"token"`
}

func (h *TargetHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerTargetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	target, token, err := h.targetSvc.Register(r.Context(), req.ControllerID)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			response.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		if errors.Is(err, domain.ErrConflict) {
			response.Error(w, http.StatusConflict, "controller id already registered")
			return
		}
		response.Error(w, http.StatusInternalServerError, "failed to register target")
		return
	}

	response.JSON(w, http.StatusCreated, registerTargetResponse{Target: target, Token: token})
}

func (h *TargetHandler) List(w http.ResponseWriter, r *http.Request) {
	page, perPage := response.ParsePagination(r)

	filter := domain.TargetFilter{Page: page, PerPage: perPage}
	if s := r.URL.Query().Get("update_status"); s != "" {
		status := domain.TargetUpdateStatus(s)
		filter.UpdateStatus = &status
	}

	targets, total, err := h.targetSvc.List(r.Context(), filter)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "failed to list targets")
		return
	}

	response.Paginated(w, http.StatusOK, targets, page, perPage, total)
}

func (h *TargetHandler) Get(w http.ResponseWriter, r *http.Request) {
	target, err := h.targetSvc.GetByControllerID(r.Context(), chi.URLParam(r, "controllerID"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "target not found")
			return
		}
		response.Error(w, http.StatusInternalServerError, "failed to get target")
		return
	}

	response.JSON(w, http.StatusOK, target)
}

func (h *TargetHandler) RotateToken(w http.ResponseWriter, r *http.Request) {
	token, err := h.targetSvc.RotateToken(r.Context(), chi.URLParam(r, "controllerID"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "target not found")
			return
		}
		response.Error(w, http.StatusInternalServerError, "failed to rotate token")
		return
	}

	response.JSON(w, http.StatusOK, map[string]string{"token": token})
}

type assignSetRequest struct {
	DistributionSetID string `json:"distribution_set_id"`
	ActionType        string `json:"action_type"`
	ForcedTime        int64  `json:"forced_time"`
}

// AssignSet assigns a distribution set directly to one target, outside of
// any rollout.
func (h *TargetHandler) AssignSet(w http.ResponseWriter, r *http.Request) {
	controllerID := chi.URLParam(r, "controllerID")

	var req assignSetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	setID, err := uuid.Parse(req.DistributionSetID)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "invalid distribution_set_id")
		return
	}

	actionType := domain.ActionType(req.ActionType)
	if actionType == "" {
		actionType = domain.ActionTypeForced
	}

	result, err := h.deploySvc.AssignDistributionSet(r.Context(), setID, []service.AssignmentRequest{
		{ControllerID: controllerID, ActionType: actionType, ForcedTime: req.ForcedTime},
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			response.Error(w, http.StatusNotFound, "distribution set not found")
		case errors.Is(err, domain.ErrIncompleteSet):
			response.Error(w, http.StatusBadRequest, "distribution set is incomplete")
		case errors.Is(err, domain.ErrInvalidInput):
			response.Error(w, http.StatusBadRequest, err.Error())
		default:
			response.Error(w, http.StatusInternalServerError, "assignment failed")
		}
		return
	}

	response.JSON(w, http.StatusOK, result)
}

func (h *TargetHandler) GetActions(w http.ResponseWriter, r *http.Request) {
	controllerID := chi.URLParam(r, "controllerID")

	var actions []*domain.Action
	var err error
	if r.URL.Query().Get("active") == "true" {
		actions, err = h.deploySvc.FindActiveActionsByTarget(r.Context(), controllerID)
	} else {
		actions, err = h.deploySvc.FindActionsByTarget(r.Context(), controllerID)
	}
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "target not found")
			return
		}
		response.Error(w, http.StatusInternalServerError, "failed to get target actions")
		return
	}

	response.JSON(w, http.StatusOK, map[string]interface{}{"data": actions})
}
