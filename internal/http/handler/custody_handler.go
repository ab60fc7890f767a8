package handler

import (
	"net/http"
	"time"

	"github.com/utstyr/custody-service/internal/http/response"
	"github.com/utstyr/custody-service/internal/observability"
	"github.com/utstyr/custody-service/internal/service"
)

type CustodyHandler struct {
	ledger *service.CustodyLedger
	events *service.EventRecorder
}

func NewCustodyHandler(ledger *service.CustodyLedger, events *service.EventRecorder) *CustodyHandler {
	return &CustodyHandler{ledger: ledger, events: events}
}

type checkoutRequest struct {
	AssetID uint       `json:"asset_id"`
	UserID  uint       `json:"user_id"`
	DueAt   *time.Time `json:"due_at"`
}

func (h *CustodyHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := decodeJSON(r, &req); err != nil {
		response.DomainError(w, r, err)
		return
	}
	assignment, err := h.ledger.Checkout(r.Context(), identityFrom(r), service.CheckoutRequest{
		AssetID: req.AssetID,
		UserID:  req.UserID,
		DueAt:   req.DueAt,
	})
	if err != nil {
		observability.Audit(r, "custody.checkout", "failure", "asset_id", req.AssetID, "user_id", req.UserID, "error", err.Error())
		response.DomainError(w, r, err)
		return
	}
	observability.Audit(r, "custody.checkout", "success", "asset_id", req.AssetID, "user_id", req.UserID, "assignment_id", assignment.ID)
	response.JSON(w, r, http.StatusCreated, assignment)
}

type returnRequest struct {
	AssetID uint `json:"asset_id"`
}

func (h *CustodyHandler) Return(w http.ResponseWriter, r *http.Request) {
	var req returnRequest
	if err := decodeJSON(r, &req); err != nil {
		response.DomainError(w, r, err)
		return
	}
	assignment, err := h.ledger.Return(r.Context(), identityFrom(r), req.AssetID)
	if err != nil {
		observability.Audit(r, "custody.return", "failure", "asset_id", req.AssetID, "error", err.Error())
		response.DomainError(w, r, err)
		return
	}
	observability.Audit(r, "custody.return", "success", "asset_id", req.AssetID, "assignment_id", assignment.ID)
	response.JSON(w, r, http.StatusOK, assignment)
}

func (h *CustodyHandler) Active(w http.ResponseWriter, r *http.Request) {
	userID, err := queryUint(r, "user_id")
	if err != nil {
		response.DomainError(w, r, err)
		return
	}
	assetID, err := queryUint(r, "asset_id")
	if err != nil {
		response.DomainError(w, r, err)
		return
	}
	items, err := h.ledger.ListActive(r.Context(), identityFrom(r), service.ActiveAssignmentFilter{UserID: userID, AssetID: assetID})
	if err != nil {
		response.DomainError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]any{"items": items})
}

func (h *CustodyHandler) Events(w http.ResponseWriter, r *http.Request) {
	userID, err := queryUint(r, "user_id")
	if err != nil {
		response.DomainError(w, r, err)
		return
	}
	assetID, err := queryUint(r, "asset_id")
	if err != nil {
		response.DomainError(w, r, err)
		return
	}
	items, err := h.events.List(r.Context(), identityFrom(r), service.EventFilter{
		AssetID: assetID,
		UserID:  userID,
		Limit:   queryInt(r, "limit"),
	})
	if err != nil {
		response.DomainError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]any{"items": items})
}
