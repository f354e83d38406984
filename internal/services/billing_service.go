package services

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/pixelmind/backend/internal/config"
	"github.com/pixelmind/backend/internal/metrics"
	"github.com/pixelmind/backend/internal/models"
	"github.com/pixelmind/backend/internal/store"
)

// Order is what the client needs to open the payment gateway's checkout
type Order struct {
	OrderID  string      `json:"orderId"`
	KeyID    string      `json:"keyId,omitempty"`
	Plan     models.Plan `json:"plan"`
	Amount   int64       `json:"amount"`
	Currency string      `json:"currency"`
	Credits  int64       `json:"credits"`
}

// PaymentConfirmation is the gateway's client-side success payload. The
// account and plan are echoed back by the client and must match the order.
type PaymentConfirmation struct {
	AccountID string      `json:"accountId" validate:"required"`
	OrderID   string      `json:"orderId" validate:"required"`
	PaymentID string      `json:"paymentId" validate:"required"`
	Signature string      `json:"signature" validate:"required,hexadecimal"`
	Plan      models.Plan `json:"plan" validate:"required,oneof=starter pro studio"`
}

type BillingService struct {
	store  store.Store
	ledger *LedgerService
	cfg    config.PaymentsConfig
	now    func() time.Time
}

func NewBillingService(st store.Store, ledger *LedgerService, cfg config.PaymentsConfig) *BillingService {
	if cfg.Currency == "" {
		cfg.Currency = "INR"
	}
	return &BillingService{
		store:  st,
		ledger: ledger,
		cfg:    cfg,
		now:    time.Now,
	}
}

// CreateOrder prices a plan purchase and records which account and plan the
// order is for. Confirmations are checked against this record.
func (s *BillingService) CreateOrder(ctx context.Context, accountID string, plan models.Plan) (*Order, error) {
	offer, ok := models.OfferFor(plan)
	if !ok {
		return nil, ErrUnknownPlan
	}

	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	order := &models.PaymentOrder{
		OrderID:   "order_" + hex.EncodeToString(b),
		AccountID: accountID,
		Plan:      plan,
		Amount:    offer.Price,
		Currency:  offer.Currency,
		Credits:   offer.Credits,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.InsertOrder(ctx, order); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("save order: %w", err)
	}
	log.Printf("[BILLING] Opened order %s for account %s (%s)", order.OrderID, accountID, plan)

	return &Order{
		OrderID:  order.OrderID,
		KeyID:    s.cfg.KeyID,
		Plan:     plan,
		Amount:   order.Amount,
		Currency: order.Currency,
		Credits:  order.Credits,
	}, nil
}

// SignPayment computes the gateway signature for an order and payment pair
func SignPayment(secret, orderID, paymentID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyPaymentSignature checks a hex HMAC-SHA256 over "orderId|paymentId"
func (s *BillingService) VerifyPaymentSignature(orderID, paymentID, signature string) bool {
	if s.cfg.KeySecret == "" {
		return false
	}
	expected := SignPayment(s.cfg.KeySecret, orderID, paymentID)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}

// ConfirmPayment verifies the gateway signature and applies the top-up. The
// signature only covers the order and payment ids, so the credited plan and
// account come from the stored order, never from the request.
func (s *BillingService) ConfirmPayment(ctx context.Context, c PaymentConfirmation) (*models.Account, error) {
	if !s.VerifyPaymentSignature(c.OrderID, c.PaymentID, c.Signature) {
		metrics.Topups.WithLabelValues(string(c.Plan), "bad_signature").Inc()
		return nil, ErrInvalidSignature
	}

	order, err := s.store.GetOrder(ctx, c.OrderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	if order.AccountID != c.AccountID || order.Plan != c.Plan {
		metrics.Topups.WithLabelValues(string(order.Plan), "order_mismatch").Inc()
		log.Printf("[BILLING] Payment %s for order %s claims account %s plan %s, order is for account %s plan %s",
			c.PaymentID, order.OrderID, c.AccountID, c.Plan, order.AccountID, order.Plan)
		return nil, ErrOrderMismatch
	}
	return s.applyTopup(ctx, order.AccountID, c.PaymentID, order.OrderID, order.Plan)
}

// ApplyTopup credits the plan's credits once per payment reference and
// activates the subscription. A replayed reference fails with
// ErrDuplicatePayment and changes nothing.
func (s *BillingService) ApplyTopup(ctx context.Context, accountID, paymentRef string, plan models.Plan) (*models.Account, error) {
	return s.applyTopup(ctx, accountID, paymentRef, "", plan)
}

func (s *BillingService) applyTopup(ctx context.Context, accountID, paymentRef, orderID string, plan models.Plan) (*models.Account, error) {
	offer, ok := models.OfferFor(plan)
	if !ok {
		return nil, ErrUnknownPlan
	}
	if strings.TrimSpace(paymentRef) == "" {
		return nil, fmt.Errorf("%w: payment reference is required", ErrInvalidParams)
	}

	var (
		account *models.Account
		entry   *models.LedgerEntry
	)
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		acct, err := tx.LockAccount(ctx, accountID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrAccountNotFound
			}
			return err
		}

		now := s.now().UTC()
		err = tx.InsertPayment(ctx, &models.Payment{
			Reference: paymentRef,
			OrderID:   orderID,
			AccountID: accountID,
			Plan:      plan,
			Credits:   offer.Credits,
			CreatedAt: now,
		})
		if err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return ErrDuplicatePayment
			}
			return err
		}

		acct.Plan = plan
		acct.SubscriptionActive = true
		entry, err = s.ledger.Post(ctx, tx, acct, Posting{
			Kind:        models.EntryTopup,
			Amount:      offer.Credits,
			PaymentRef:  &paymentRef,
			Description: fmt.Sprintf("%s plan top-up", plan),
		})
		if err != nil {
			return err
		}

		account = acct
		return tx.Enqueue(ctx, models.TopicCreditsTopup, models.TopupEvent{
			AccountID:  accountID,
			PaymentRef: paymentRef,
			Plan:       plan,
			Credits:    offer.Credits,
			Balance:    acct.Balance,
			At:         now,
		})
	})
	if err != nil {
		result := "error"
		if errors.Is(err, ErrDuplicatePayment) {
			result = "duplicate"
			log.Printf("[BILLING] Payment %s already applied, ignoring replay", paymentRef)
		}
		metrics.Topups.WithLabelValues(string(plan), result).Inc()
		return nil, err
	}

	s.ledger.Committed(entry)
	metrics.Topups.WithLabelValues(string(plan), "applied").Inc()
	log.Printf("[BILLING] Applied %d credits to account %s for payment %s", offer.Credits, accountID, paymentRef)
	return account, nil
}
