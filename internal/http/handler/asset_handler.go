package handler

import (
	"net/http"
	"strings"

	"github.com/utstyr/custody-service/internal/http/response"
	"github.com/utstyr/custody-service/internal/observability"
	"github.com/utstyr/custody-service/internal/repository"
	"github.com/utstyr/custody-service/internal/service"
)

type AssetHandler struct {
	assets *service.AssetService
}

func NewAssetHandler(assets *service.AssetService) *AssetHandler {
	return &AssetHandler{assets: assets}
}

func (h *AssetHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := h.assets.List(r.Context(), identityFrom(r), repository.AssetListQuery{
		PageRequest: repository.PageRequest{Page: queryInt(r, "page"), PageSize: queryInt(r, "page_size")},
		Status:      strings.ToUpper(strings.TrimSpace(q.Get("status"))),
		Search:      strings.TrimSpace(q.Get("q")),
	})
	if err != nil {
		response.DomainError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, page)
}

func (h *AssetHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		response.DomainError(w, r, err)
		return
	}
	asset, err := h.assets.Get(r.Context(), identityFrom(r), id)
	if err != nil {
		response.DomainError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, asset)
}

func (h *AssetHandler) History(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		response.DomainError(w, r, err)
		return
	}
	history, err := h.assets.History(r.Context(), identityFrom(r), id)
	if err != nil {
		response.DomainError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, history)
}

type lookupRequest struct {
	Code string `json:"code"`
}

func (h *AssetHandler) Lookup(w http.ResponseWriter, r *http.Request) {
	var req lookupRequest
	if err := decodeJSON(r, &req); err != nil {
		response.DomainError(w, r, err)
		return
	}
	assets, err := h.assets.Lookup(r.Context(), identityFrom(r), req.Code)
	if err != nil {
		response.DomainError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]any{"items": assets})
}

func (h *AssetHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in service.CreateAssetInput
	if err := decodeJSON(r, &in); err != nil {
		response.DomainError(w, r, err)
		return
	}
	asset, err := h.assets.Create(r.Context(), identityFrom(r), in)
	if err != nil {
		observability.Audit(r, "asset.create", "failure", "external_tag_id", in.ExternalTagID)
		response.DomainError(w, r, err)
		return
	}
	observability.Audit(r, "asset.create", "success", "asset_id", asset.ID)
	response.JSON(w, r, http.StatusCreated, asset)
}

func (h *AssetHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		response.DomainError(w, r, err)
		return
	}
	var in service.UpdateAssetInput
	if err := decodeJSON(r, &in); err != nil {
		response.DomainError(w, r, err)
		return
	}
	asset, err := h.assets.Update(r.Context(), identityFrom(r), id, in)
	if err != nil {
		observability.Audit(r, "asset.update", "failure", "asset_id", id)
		response.DomainError(w, r, err)
		return
	}
	observability.Audit(r, "asset.update", "success", "asset_id", id)
	response.JSON(w, r, http.StatusOK, asset)
}

func (h *AssetHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		response.DomainError(w, r, err)
		return
	}
	asset, err := h.assets.Delete(r.Context(), identityFrom(r), id)
	if err != nil {
		observability.Audit(r, "asset.delete", "failure", "asset_id", id)
		response.DomainError(w, r, err)
		return
	}
	observability.Audit(r, "asset.delete", "success", "asset_id", id)
	response.JSON(w, r, http.StatusOK, asset)
}
