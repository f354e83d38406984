package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/pixelmind/backend/internal/middleware"
	"github.com/pixelmind/backend/internal/services"
	"github.com/pixelmind/backend/internal/storage"
)

// UploadSigner issues presigned upload URLs
type UploadSigner interface {
	PresignUpload(ctx context.Context, accountID, contentType string) (*storage.Upload, error)
}

type UploadHandler struct {
	signer    UploadSigner
	validator *services.ValidationHelper
}

func NewUploadHandler(signer UploadSigner) *UploadHandler {
	return &UploadHandler{
		signer:    signer,
		validator: services.NewValidationHelper(),
	}
}

// UploadRequest names the type of the image about to be uploaded
type UploadRequest struct {
	ContentType string `json:"contentType" validate:"required" example:"image/png"`
}

// Create issues a presigned PUT URL for an input image
// @Summary Create upload URL
// @Description The returned ref is what job params use as imageRef
// @Tags Uploads
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body UploadRequest true "Content type"
// @Success 201 {object} storage.Upload
// @Failure 400 {object} services.ErrorResponse
// @Failure 503 {object} services.ErrorResponse
// @Router /uploads [post]
func (h *UploadHandler) Create(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	if h.signer == nil {
		services.SendErrorResponse(w, "Uploads are not configured", http.StatusServiceUnavailable, nil)
		return
	}

	var req UploadRequest
	if !decodeBody(w, r, h.validator, &req) {
		return
	}

	upload, err := h.signer.PresignUpload(r.Context(), accountID, req.ContentType)
	if errors.Is(err, storage.ErrUnsupportedType) {
		services.SendErrorResponse(w, "Unsupported content type", http.StatusBadRequest, nil)
		return
	}
	if err != nil {
		log.Printf("[UPLOADS] Presign failed for account %s: %v", accountID, err)
		services.SendErrorResponse(w, "Failed to create upload", http.StatusInternalServerError, nil)
		return
	}

	writeJSON(w, http.StatusCreated, upload)
}
