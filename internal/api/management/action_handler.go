package management

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/CaioWing/Flotilla/internal/api/response"
	"github.com/CaioWing/Flotilla/internal/domain"
	"github.com/CaioWing/Flotilla/internal/service"
)

type ActionHandler struct {
	deploySvc *service.DeploymentService
	statusLog *service.StatusLogService
}

func NewActionHandler(deploySvc *service.DeploymentService, statusLog *service.StatusLogService) *ActionHandler {
	return &ActionHandler{deploySvc: deploySvc, statusLog: statusLog}
}

func (h *ActionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "invalid action id")
		return
	}

	action, err := h.deploySvc.GetAction(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "action not found")
			return
		}
		response.Error(w, http.StatusInternalServerError, "failed to get action")
		return
	}

	response.JSON(w, http.StatusOK, action)
}

// GetStatusHistory pages through the append-only status log of an action.
func (h *ActionHandler) GetStatusHistory(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "invalid action id")
		return
	}
	page, perPage := response.ParsePagination(r)

	entries, total, err := h.statusLog.ListByAction(r.Context(), id, page, perPage)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "failed to get action status history")
		return
	}

	response.Paginated(w, http.StatusOK, entries, page, perPage, total)
}

func (h *ActionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "invalid action id")
		return
	}

	action, err := h.deploySvc.CancelAction(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			response.Error(w, http.StatusNotFound, "action not found")
		case errors.Is(err, domain.ErrCancelNotAllowed):
			response.Error(w, http.StatusConflict, err.Error())
		default:
			response.Error(w, http.StatusInternalServerError, "failed to cancel action")
		}
		return
	}

	response.JSON(w, http.StatusOK, action)
}

func (h *ActionHandler) ForceQuit(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "invalid action id")
		return
	}

	action, err := h.deploySvc.ForceQuitAction(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			response.Error(w, http.StatusNotFound, "action not found")
		case errors.Is(err, domain.ErrForceQuitNotAllowed):
			response.Error(w, http.StatusConflict, err.Error())
		default:
			response.Error(w, http.StatusInternalServerError, "failed to force quit action")
		}
		return
	}

	response.JSON(w, http.StatusOK, action)
}

// Force switches a soft or timeforced action to forced.
func (h *ActionHandler) Force(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "invalid action id")
		return
	}

	action, err := h.deploySvc.ForceTargetAction(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "action not found")
			return
		}
		response.Error(w, http.StatusInternalServerError, "failed to force action")
		return
	}

	response.JSON(w, http.StatusOK, action)
}
