package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pixelmind/backend/internal/middleware"
	"github.com/pixelmind/backend/internal/services"
)

type AdminHandler struct {
	service   *services.AdminService
	validator *services.ValidationHelper
}

func NewAdminHandler(service *services.AdminService) *AdminHandler {
	return &AdminHandler{
		service:   service,
		validator: services.NewValidationHelper(),
	}
}

// AdjustRequest is a manual credit correction
type AdjustRequest struct {
	Amount int64  `json:"amount" validate:"required" example:"25"`
	Reason string `json:"reason" validate:"required,max=500" example:"support goodwill"`
}

// Stats returns platform totals
// @Summary Platform stats
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Success 200 {object} models.Stats
// @Failure 403 {object} services.ErrorResponse
// @Router /admin/stats [get]
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		writeServiceError(w, "ADMIN", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Accounts lists accounts, newest first
// @Summary List accounts
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Param limit query int false "Page size"
// @Param offset query int false "Offset"
// @Success 200 {object} object{accounts=[]AccountView}
// @Router /admin/accounts [get]
func (h *AdminHandler) Accounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.service.ListAccounts(r.Context(), queryInt(r, "limit"), queryInt(r, "offset"))
	if err != nil {
		writeServiceError(w, "ADMIN", err)
		return
	}

	views := make([]AccountView, 0, len(accounts))
	for i := range accounts {
		views = append(views, accountView(&accounts[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": views})
}

// Adjust posts a credit adjustment to an account
// @Summary Adjust credits
// @Tags Admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param accountId path string true "Account ID"
// @Param request body AdjustRequest true "Adjustment"
// @Success 200 {object} AccountView
// @Failure 400 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Failure 422 {object} services.ErrorResponse
// @Router /admin/accounts/{accountId}/adjust [post]
func (h *AdminHandler) Adjust(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if !decodeBody(w, r, h.validator, &req) {
		return
	}

	acct, err := h.service.Adjust(r.Context(), chi.URLParam(r, "accountId"), req.Amount, req.Reason, middleware.Email(r.Context()))
	if err != nil {
		writeServiceError(w, "ADMIN", err)
		return
	}
	writeJSON(w, http.StatusOK, accountView(acct))
}

// Reconciliations lists refunds parked for manual handling
// @Summary Manual reconciliations
// @Tags Admin
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{items=[]store.ManualReconciliation}
// @Router /admin/reconciliations [get]
func (h *AdminHandler) Reconciliations(w http.ResponseWriter, r *http.Request) {
	items, err := h.service.ManualReconciliations(r.Context(), queryInt(r, "limit"))
	if err != nil {
		writeServiceError(w, "ADMIN", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
