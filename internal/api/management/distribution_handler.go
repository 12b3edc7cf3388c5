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

type DistributionSetHandler struct {
	dsSvc *service.DistributionSetService
}

func NewDistributionSetHandler(dsSvc *service.DistributionSetService) *DistributionSetHandler {
	return &DistributionSetHandler{dsSvc: dsSvc}
}

type createSetRequest struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Complete bool   `json:"complete"`
}

func (h *DistributionSetHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ds, err := h.dsSvc.Create(r.Context(), req.Name, req.Version, req.Complete)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			response.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		if errors.Is(err, domain.ErrConflict) {
			response.Error(w, http.StatusConflict, "name and version already exist")
			return
		}
		response.Error(w, http.StatusInternalServerError, "failed to create distribution set")
		return
	}

	response.JSON(w, http.StatusCreated, ds)
}

func (h *DistributionSetHandler) List(w http.ResponseWriter, r *http.Request) {
	page, perPage := response.ParsePagination(r)

	sets, total, err := h.dsSvc.List(r.Context(), page, perPage)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "failed to list distribution sets")
		return
	}

	response.Paginated(w, http.StatusOK, sets, page, perPage, total)
}

func (h *DistributionSetHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "invalid distribution set id")
		return
	}

	ds, err := h.dsSvc.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "distribution set not found")
			return
		}
		response.Error(w, http.StatusInternalServerError, "failed to get distribution set")
		return
	}

	response.JSON(w, http.StatusOK, ds)
}
