package handlers

import (
	"net/http"

	"github.com/pixelmind/backend/internal/middleware"
	"github.com/pixelmind/backend/internal/models"
	"github.com/pixelmind/backend/internal/services"
)

type AccountHandler struct {
	service *services.AccountService
}

func NewAccountHandler(service *services.AccountService) *AccountHandler {
	return &AccountHandler{service: service}
}

// AccountView is the balance summary of the caller
type AccountView struct {
	ID                 string      `json:"id"`
	Email              string      `json:"email"`
	FullName           string      `json:"fullName"`
	Balance            int64       `json:"balance"`
	LifetimeUsed       int64       `json:"lifetimeUsed"`
	Plan               models.Plan `json:"plan"`
	SubscriptionActive bool        `json:"subscriptionActive"`
	ReferralCode       string      `json:"referralCode"`
}

func accountView(a *models.Account) AccountView {
	return AccountView{
		ID:                 a.ID,
		Email:              a.Email,
		FullName:           a.FullName,
		Balance:            a.Balance,
		LifetimeUsed:       a.LifetimeUsed,
		Plan:               a.Plan,
		SubscriptionActive: a.SubscriptionActive,
		ReferralCode:       a.ReferralCode,
	}
}

// Me returns the caller's balance and plan
// @Summary Current account
// @Tags Accounts
// @Produce json
// @Security BearerAuth
// @Success 200 {object} AccountView
// @Failure 401 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Router /accounts/me [get]
func (h *AccountHandler) Me(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	acct, err := h.service.Me(r.Context(), accountID)
	if err != nil {
		writeServiceError(w, "ACCOUNTS", err)
		return
	}

	writeJSON(w, http.StatusOK, accountView(acct))
}

// Ledger returns the caller's recent ledger entries, newest first
// @Summary Ledger history
// @Tags Accounts
// @Produce json
// @Security BearerAuth
// @Param limit query int false "Max entries (default 20, max 100)"
// @Success 200 {object} object{entries=[]models.LedgerEntry}
// @Router /accounts/me/ledger [get]
func (h *AccountHandler) Ledger(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	entries, err := h.service.Ledger(r.Context(), accountID, queryInt(r, "limit"))
	if err != nil {
		writeServiceError(w, "ACCOUNTS", err)
		return
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
