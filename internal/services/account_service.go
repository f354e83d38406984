package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/pixelmind/backend/internal/models"
	"github.com/pixelmind/backend/internal/store"
)

// SignupInput is the registration payload
// @Description Registration request structure
type SignupInput struct {
	Email    string `json:"email" validate:"required,email" example:"user@example.com"`
	Password string `json:"password" validate:"required,min=8" example:"password123"`
	FullName string `json:"fullName" validate:"required,min=2" example:"Asha Rao"`
}

// Session is returned by signup and login
type Session struct {
	Token   string          `json:"token"`
	Account *models.Account `json:"account"`
}

type AccountService struct {
	store     store.Store
	ledger    *LedgerService
	tokens    *TokenService
	passwords *PasswordHasher
	redis     *redis.Client
	now       func() time.Time
	referral  func() (string, error)
}

// referralAttempts bounds how often Signup redraws a colliding referral code
const referralAttempts = 5

func NewAccountService(st store.Store, ledger *LedgerService, tokens *TokenService, passwords *PasswordHasher, rdb *redis.Client) *AccountService {
	return &AccountService{
		store:     st,
		ledger:    ledger,
		tokens:    tokens,
		passwords: passwords,
		redis:     rdb,
		now:       time.Now,
		referral:  newReferralCode,
	}
}

// Signup creates a free-plan account. The starting balance is granted through
// an adjustment entry so the ledger alone explains the balance.
func (s *AccountService) Signup(ctx context.Context, in SignupInput) (*Session, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if _, err := s.store.GetAccountByEmail(ctx, email); err == nil {
		return nil, ErrEmailTaken
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	hash, err := s.passwords.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	now := s.now().UTC()
	acct := &models.Account{
		ID:           uuid.NewString(),
		Email:        email,
		FullName:     strings.TrimSpace(in.FullName),
		PasswordHash: hash,
		Plan:         models.PlanFree,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	entry, err := s.createAccount(ctx, acct)
	if err != nil {
		return nil, err
	}
	s.ledger.Committed(entry)
	log.Printf("[AUTH] Account %s created for %s", acct.ID, email)

	token, err := s.tokens.Issue(acct.ID, acct.Email)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	return &Session{Token: token, Account: acct}, nil
}

func (s *AccountService) Login(ctx context.Context, email, password string) (*Session, error) {
	acct, err := s.store.GetAccountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidLogin
		}
		return nil, err
	}
	if !s.passwords.Verify(password, acct.PasswordHash) {
		return nil, ErrInvalidLogin
	}

	token, err := s.tokens.Issue(acct.ID, acct.Email)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	return &Session{Token: token, Account: acct}, nil
}

// Logout blacklists a token until it would have expired
func (s *AccountService) Logout(ctx context.Context, token string) error {
	if s.redis == nil || token == "" {
		return nil
	}
	key := fmt.Sprintf("blacklist:%s", token)
	return s.redis.Set(ctx, key, "1", s.tokens.Expiry()).Err()
}

func (s *AccountService) Me(ctx context.Context, accountID string) (*models.Account, error) {
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return acct, nil
}

// Ledger returns the account's most recent entries, newest first
func (s *AccountService) Ledger(ctx context.Context, accountID string, limit int) ([]models.LedgerEntry, error) {
	if _, err := s.Me(ctx, accountID); err != nil {
		return nil, err
	}
	return s.store.ListEntries(ctx, accountID, ClampLimit(limit))
}

const referralAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// createAccount inserts the account with its signup grant. A referral code
// collision draws a new code; only an email collision is ErrEmailTaken.
func (s *AccountService) createAccount(ctx context.Context, acct *models.Account) (*models.LedgerEntry, error) {
	for attempt := 1; ; attempt++ {
		code, err := s.referral()
		if err != nil {
			return nil, err
		}
		acct.ReferralCode = code

		var entry *models.LedgerEntry
		err = s.store.WithTx(ctx, func(tx store.Tx) error {
			if err := tx.InsertAccount(ctx, acct); err != nil {
				return err
			}
			entry, err = s.ledger.Post(ctx, tx, acct, Posting{
				Kind:        models.EntryAdjustment,
				Amount:      models.SignupCredits,
				Description: "signup grant",
			})
			return err
		})
		switch {
		case err == nil:
			return entry, nil
		case store.DuplicateConstraint(err) == store.ConstraintAccountReferral && attempt < referralAttempts:
			log.Printf("[AUTH] Referral code %s already taken, drawing another", code)
			continue
		case store.DuplicateConstraint(err) == store.ConstraintAccountEmail:
			return nil, ErrEmailTaken
		}
		return nil, err
	}
}

func newReferralCode() (string, error) {
	var sb strings.Builder
	sb.WriteString("REF")
	max := big.NewInt(int64(len(referralAlphabet)))
	for i := 0; i < 9; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		sb.WriteByte(referralAlphabet[n.Int64()])
	}
	return sb.String(), nil
}
