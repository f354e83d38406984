package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/pixelmind/backend/internal/middleware"
	"github.com/pixelmind/backend/internal/models"
	"github.com/pixelmind/backend/internal/services"
)

type BillingHandler struct {
	service   *services.BillingService
	validator *services.ValidationHelper
}

func NewBillingHandler(service *services.BillingService) *BillingHandler {
	return &BillingHandler{
		service:   service,
		validator: services.NewValidationHelper(),
	}
}

// CreateOrderRequest selects the plan to buy
type CreateOrderRequest struct {
	Plan models.Plan `json:"plan" validate:"required,oneof=starter pro studio" example:"pro"`
}

// TopupResponse reports the balance after a top-up
type TopupResponse struct {
	Duplicate bool         `json:"duplicate"`
	Account   *AccountView `json:"account,omitempty"`
}

// CreateOrder opens a payment order for a plan
// @Summary Create payment order
// @Tags Billing
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body CreateOrderRequest true "Plan"
// @Success 201 {object} services.Order
// @Failure 400 {object} services.ErrorResponse
// @Router /billing/orders [post]
func (h *BillingHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req CreateOrderRequest
	if !decodeBody(w, r, h.validator, &req) {
		return
	}

	order, err := h.service.CreateOrder(r.Context(), accountID, req.Plan)
	if err != nil {
		writeServiceError(w, "BILLING", err)
		return
	}

	writeJSON(w, http.StatusCreated, order)
}

// Topup applies a verified payment. Replaying a payment id is a no-op.
// @Summary Apply top-up
// @Description Verify the gateway signature and credit the plan once per payment id
// @Tags Billing
// @Accept json
// @Produce json
// @Param request body services.PaymentConfirmation true "Gateway confirmation"
// @Success 200 {object} TopupResponse
// @Failure 400 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Router /billing/topups [post]
func (h *BillingHandler) Topup(w http.ResponseWriter, r *http.Request) {
	var req services.PaymentConfirmation
	if !decodeBody(w, r, h.validator, &req) {
		return
	}

	acct, err := h.service.ConfirmPayment(r.Context(), req)
	if errors.Is(err, services.ErrDuplicatePayment) {
		log.Printf("[BILLING] Duplicate payment %s ignored", req.PaymentID)
		writeJSON(w, http.StatusOK, TopupResponse{Duplicate: true})
		return
	}
	if err != nil {
		writeServiceError(w, "BILLING", err)
		return
	}

	view := accountView(acct)
	writeJSON(w, http.StatusOK, TopupResponse{Account: &view})
}
