package handlers

import (
	"net/http"

	"github.com/pixelmind/backend/internal/middleware"
	"github.com/pixelmind/backend/internal/services"
)

type QRHandler struct {
	service *services.QRService
}

func NewQRHandler(service *services.QRService) *QRHandler {
	return &QRHandler{service: service}
}

// Referral returns the caller's referral code with a QR image of the invite link
// @Summary Get referral QR code
// @Tags Accounts
// @Produce json
// @Security BearerAuth
// @Success 200 {object} services.Referral
// @Failure 401 {object} services.ErrorResponse
// @Failure 404 {object} services.ErrorResponse
// @Router /accounts/me/referral [get]
func (h *QRHandler) Referral(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	referral, err := h.service.Referral(r.Context(), accountID)
	if err != nil {
		writeServiceError(w, "QR", err)
		return
	}

	writeJSON(w, http.StatusOK, referral)
}
