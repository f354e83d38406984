package models

import "time"

// Plan is the subscription tier of an account
type Plan string

const (
	PlanFree    Plan = "free"
	PlanStarter Plan = "starter"
	PlanPro     Plan = "pro"
	PlanStudio  Plan = "studio"
)

// SignupCredits is the balance granted to every new account on the free plan
const SignupCredits int64 = 10

// PlanOffer describes what a paid plan costs and how many credits it grants
type PlanOffer struct {
	Plan     Plan   `json:"plan"`
	Price    int64  `json:"price"` // minor units
	Currency string `json:"currency"`
	Credits  int64  `json:"credits"`
}

var planOffers = map[Plan]PlanOffer{
	PlanStarter: {Plan: PlanStarter, Price: 19900, Currency: "INR", Credits: 300},
	PlanPro:     {Plan: PlanPro, Price: 49900, Currency: "INR", Credits: 1000},
	PlanStudio:  {Plan: PlanStudio, Price: 99900, Currency: "INR", Credits: 5000},
}

// OfferFor returns the paid offer for a plan. The free plan cannot be purchased.
func OfferFor(p Plan) (PlanOffer, bool) {
	offer, ok := planOffers[p]
	return offer, ok
}

// PlanCredits returns the number of credits a top-up for the plan grants
func PlanCredits(p Plan) int64 {
	return planOffers[p].Credits
}

// Valid reports whether p is a known plan
func (p Plan) Valid() bool {
	switch p {
	case PlanFree, PlanStarter, PlanPro, PlanStudio:
		return true
	}
	return false
}

// Account holds a user's credit balance. Balance is a materialized view of the
// account's ledger entries and is only written together with a new entry.
type Account struct {
	ID                 string    `json:"id" db:"id"`
	Email              string    `json:"email" db:"email"`
	FullName           string    `json:"fullName" db:"full_name"`
	PasswordHash       string    `json:"-" db:"password_hash"`
	Balance            int64     `json:"balance" db:"balance"`
	LifetimeUsed       int64     `json:"lifetimeUsed" db:"lifetime_used"`
	Plan               Plan      `json:"plan" db:"plan"`
	SubscriptionActive bool      `json:"subscriptionActive" db:"subscription_active"`
	ReferralCode       string    `json:"referralCode" db:"referral_code"`
	Version            int       `json:"-" db:"version"` // for optimistic locking
	CreatedAt          time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt          time.Time `json:"updatedAt" db:"updated_at"`
}

// Payment is a verified payment that has been credited. The reference is the
// idempotency key for top-ups.
type Payment struct {
	Reference string    `json:"reference" db:"reference"`
	OrderID   string    `json:"orderId" db:"order_id"`
	AccountID string    `json:"accountId" db:"account_id"`
	Plan      Plan      `json:"plan" db:"plan"`
	Credits   int64     `json:"credits" db:"credits"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// PaymentOrder is an order opened with the payment gateway. A confirmation
// is only honored for the plan and account the order was created for.
type PaymentOrder struct {
	OrderID   string    `json:"orderId" db:"order_id"`
	AccountID string    `json:"accountId" db:"account_id"`
	Plan      Plan      `json:"plan" db:"plan"`
	Amount    int64     `json:"amount" db:"amount"`
	Currency  string    `json:"currency" db:"currency"`
	Credits   int64     `json:"credits" db:"credits"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// Stats is the admin dashboard summary
type Stats struct {
	TotalAccounts    int64            `json:"totalAccounts"`
	TotalCreditsUsed int64            `json:"totalCreditsUsed"`
	TotalToppedUp    int64            `json:"totalToppedUp"`
	JobsByState      map[JobState]int `json:"jobsByState"`
	ToolUsage        map[Tool]int     `json:"toolUsage"`
}
