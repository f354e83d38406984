package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/pixelmind/backend/internal/models"
	"github.com/pixelmind/backend/internal/services"
)

// writeServiceError maps the service error taxonomy onto HTTP responses
func writeServiceError(w http.ResponseWriter, tag string, err error) {
	var insufficient *services.InsufficientCreditsError
	if errors.As(err, &insufficient) {
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":     "Insufficient credits",
			"required":  insufficient.Required,
			"available": insufficient.Available,
			"action":    "upgrade",
		})
		return
	}

	var paramsErr *models.ParamsError
	switch {
	case errors.As(err, &paramsErr):
		services.SendErrorResponse(w, "Invalid params for "+string(paramsErr.Tool), http.StatusBadRequest, paramsErr.Err)
	case errors.Is(err, services.ErrUnknownTool):
		services.SendErrorResponse(w, "Unknown tool", http.StatusBadRequest, nil)
	case errors.Is(err, services.ErrInvalidParams):
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
	case errors.Is(err, services.ErrAccountNotFound):
		services.SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
	case errors.Is(err, services.ErrJobNotFound):
		services.SendErrorResponse(w, "Job not found", http.StatusNotFound, nil)
	case errors.Is(err, services.ErrAlreadyFinalized):
		log.Printf("[%s] Conflicting outcome: %v", tag, err)
		services.SendErrorResponse(w, "Job already finalized", http.StatusConflict, nil)
	case errors.Is(err, services.ErrPendingOutcome):
		services.SendErrorResponse(w, "Outcome is not terminal", http.StatusBadRequest, nil)
	case errors.Is(err, services.ErrUnknownPlan):
		services.SendErrorResponse(w, "Unknown plan", http.StatusBadRequest, nil)
	case errors.Is(err, services.ErrInvalidSignature):
		services.SendErrorResponse(w, "Invalid payment signature", http.StatusBadRequest, nil)
	case errors.Is(err, services.ErrOrderNotFound):
		services.SendErrorResponse(w, "Payment order not found", http.StatusNotFound, nil)
	case errors.Is(err, services.ErrOrderMismatch):
		services.SendErrorResponse(w, "Payment does not match its order", http.StatusBadRequest, nil)
	case errors.Is(err, services.ErrNegativeBalance):
		services.SendErrorResponse(w, "Adjustment would make the balance negative", http.StatusUnprocessableEntity, nil)
	case errors.Is(err, services.ErrEmailTaken):
		services.SendErrorResponse(w, "Email already registered", http.StatusConflict, nil)
	case errors.Is(err, services.ErrInvalidLogin):
		services.SendErrorResponse(w, "Invalid credentials", http.StatusUnauthorized, nil)
	default:
		log.Printf("[%s] Internal error: %v", tag, err)
		services.SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
	}
}
