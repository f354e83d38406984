package models

import (
	"time"
)

// EntryKind classifies a balance-affecting event
type EntryKind string

const (
	EntryReserve    EntryKind = "reserve"
	EntryCommit     EntryKind = "commit"
	EntryRefund     EntryKind = "refund"
	EntryTopup      EntryKind = "topup"
	EntryAdjustment EntryKind = "adjustment"
)

// LedgerEntry is an append-only record. Entries are never updated or deleted.
type LedgerEntry struct {
	ID           string    `json:"id" db:"id"`
	AccountID    string    `json:"accountId" db:"account_id"`
	Kind         EntryKind `json:"kind" db:"kind"`
	Amount       int64     `json:"amount" db:"amount"` // signed, in credits
	BalanceAfter int64     `json:"balanceAfter" db:"balance_after"`
	JobID        *string   `json:"jobId,omitempty" db:"job_id"`
	PaymentRef   *string   `json:"paymentRef,omitempty" db:"payment_ref"`
	Description  string    `json:"description" db:"description"`
	CreatedAt    time.Time `json:"createdAt" db:"created_at"`
}

// OutboxMessage is written in the same transaction as the state change it
// announces and relayed by the worker.
type OutboxMessage struct {
	ID          int64      `json:"id" db:"id"`
	Topic       string     `json:"topic" db:"topic"`
	Payload     []byte     `json:"payload" db:"payload"`
	Attempts    int        `json:"attempts" db:"attempts"`
	AvailableAt time.Time  `json:"availableAt" db:"next_attempt_at"`
	PublishedAt *time.Time `json:"publishedAt,omitempty" db:"published_at"`
	LastError   string     `json:"lastError,omitempty" db:"last_error"`
	CreatedAt   time.Time  `json:"createdAt" db:"created_at"`
}

const (
	TopicJobDispatch  = "job.dispatch"
	TopicJobFinalized = "job.finalized"
	TopicCreditsTopup = "credits.topup"
)

// JobDispatchEvent asks the worker to hand a job to the provider
type JobDispatchEvent struct {
	JobID string `json:"jobId"`
}

// JobFinalizedEvent announces a job that reached a terminal state
type JobFinalizedEvent struct {
	JobID     string    `json:"jobId"`
	AccountID string    `json:"accountId"`
	Tool      Tool      `json:"tool"`
	State     JobState  `json:"state"`
	Cost      int64     `json:"cost"`
	OutputRef string    `json:"outputRef,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// TopupEvent announces credited payments
type TopupEvent struct {
	AccountID  string    `json:"accountId"`
	PaymentRef string    `json:"paymentRef"`
	Plan       Plan      `json:"plan"`
	Credits    int64     `json:"credits"`
	Balance    int64     `json:"balance"`
	At         time.Time `json:"at"`
}
