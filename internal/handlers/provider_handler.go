package handlers

import (
	"bytes"
	"io"
	"log"
	"net/http"

	"github.com/pixelmind/backend/internal/provider"
	"github.com/pixelmind/backend/internal/services"
)

type ProviderHandler struct {
	reconciler *services.Reconciler
	secret     string
	validator  *services.ValidationHelper
}

func NewProviderHandler(reconciler *services.Reconciler, callbackSecret string) *ProviderHandler {
	return &ProviderHandler{
		reconciler: reconciler,
		secret:     callbackSecret,
		validator:  services.NewValidationHelper(),
	}
}

// Callback finalizes a job from a provider push
// @Summary Provider callback
// @Description Signed push from the AI provider with a job's terminal outcome
// @Tags Providers
// @Accept json
// @Produce json
// @Param X-Provider-Signature header string true "Hex HMAC-SHA256 of the body"
// @Param request body provider.Callback true "Outcome"
// @Success 200 {object} object{jobId=string,state=string}
// @Failure 400 {object} services.ErrorResponse
// @Failure 401 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /providers/callback [post]
func (h *ProviderHandler) Callback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if !provider.VerifyCallback(h.secret, body, r.Header.Get(provider.SignatureHeader)) {
		log.Printf("[PROVIDER] Rejected callback with bad signature")
		services.SendErrorResponse(w, "Invalid signature", http.StatusUnauthorized, nil)
		return
	}

	var cb provider.Callback
	r.Body = io.NopCloser(bytes.NewReader(body))
	if !decodeBody(w, r, h.validator, &cb) {
		return
	}

	job, err := h.reconciler.Reconcile(r.Context(), cb.JobID, cb.Outcome())
	if err != nil {
		writeServiceError(w, "PROVIDER", err)
		return
	}

	log.Printf("[PROVIDER] Callback applied: %s", cb)
	writeJSON(w, http.StatusOK, map[string]any{"jobId": job.ID, "state": job.State})
}
