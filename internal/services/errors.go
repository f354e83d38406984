package services

import (
	"errors"
	"fmt"

	"github.com/pixelmind/backend/internal/models"
)

var (
	ErrUnknownTool      = models.ErrUnknownTool
	ErrInvalidParams    = models.ErrInvalidParams
	ErrAccountNotFound  = errors.New("account not found")
	ErrJobNotFound      = errors.New("job not found")
	ErrAlreadyFinalized = errors.New("job already finalized with a different outcome")
	ErrDuplicatePayment = errors.New("payment already applied")
	ErrInvalidSignature = errors.New("invalid payment signature")
	ErrOrderNotFound    = errors.New("payment order not found")
	ErrOrderMismatch    = errors.New("payment does not match its order")
	ErrUnknownPlan      = errors.New("plan cannot be purchased")
	ErrPollTimeout      = errors.New("job did not finish before the poll limit")
	ErrEmailTaken       = errors.New("email already registered")
	ErrInvalidLogin     = errors.New("invalid credentials")
	ErrNegativeBalance  = errors.New("adjustment would make the balance negative")
	ErrPendingOutcome   = errors.New("outcome is not terminal")
)

// InsufficientCreditsError is returned by Submit when the balance does not
// cover the tool's cost
type InsufficientCreditsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d", e.Required, e.Available)
}
