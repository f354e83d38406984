package handlers

import (
	"log"
	"net/http"
	"strings"

	"github.com/pixelmind/backend/internal/middleware"
	"github.com/pixelmind/backend/internal/services"
)

type AuthHandler struct {
	service   *services.AccountService
	validator *services.ValidationHelper
}

func NewAuthHandler(service *services.AccountService) *AuthHandler {
	return &AuthHandler{
		service:   service,
		validator: services.NewValidationHelper(),
	}
}

// LoginRequest represents login request
// @Description Login request structure
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email" example:"user@example.com"`
	Password string `json:"password" validate:"required" example:"password123"`
}

// SessionResponse is returned by signup and login
type SessionResponse struct {
	Token   string      `json:"token"`
	Account AccountView `json:"account"`
}

// Signup registers a free-plan account
// @Summary Sign up
// @Description Create an account with the free plan's starting credits
// @Tags Auth
// @Accept json
// @Produce json
// @Param request body services.SignupInput true "Signup payload"
// @Success 201 {object} SessionResponse
// @Failure 400 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /auth/signup [post]
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req services.SignupInput
	if !decodeBody(w, r, h.validator, &req) {
		return
	}

	session, err := h.service.Signup(r.Context(), req)
	if err != nil {
		writeServiceError(w, "AUTH", err)
		return
	}

	log.Printf("[AUTH] Account %s signed up", session.Account.ID)
	writeJSON(w, http.StatusCreated, SessionResponse{Token: session.Token, Account: accountView(session.Account)})
}

// Login authenticates a user
// @Summary Log in
// @Tags Auth
// @Accept json
// @Produce json
// @Param request body LoginRequest true "Credentials"
// @Success 200 {object} SessionResponse
// @Failure 400 {object} services.ErrorResponse
// @Failure 401 {object} services.ErrorResponse
// @Router /auth/login [post]
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeBody(w, r, h.validator, &req) {
		return
	}

	session, err := h.service.Login(r.Context(), strings.ToLower(strings.TrimSpace(req.Email)), req.Password)
	if err != nil {
		writeServiceError(w, "AUTH", err)
		return
	}

	writeJSON(w, http.StatusOK, SessionResponse{Token: session.Token, Account: accountView(session.Account)})
}

// Logout revokes the bearer token
// @Summary Log out
// @Tags Auth
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{message=string}
// @Router /auth/logout [post]
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Logout(r.Context(), middleware.Token(r.Context())); err != nil {
		log.Printf("[AUTH] Failed to blacklist token: %v", err)
		services.SendErrorResponse(w, "Logout failed", http.StatusInternalServerError, nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out successfully"})
}
