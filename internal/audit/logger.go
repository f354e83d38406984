package audit

import (
	"encoding/json"
	"io"
	"log"
	"time"

	"github.com/pixelmind/backend/internal/models"
)

type Event struct {
	Timestamp    time.Time `json:"timestamp"`
	EventType    string    `json:"event_type"`
	AccountID    string    `json:"account_id,omitempty"`
	JobID        string    `json:"job_id,omitempty"`
	PaymentRef   string    `json:"payment_ref,omitempty"`
	Amount       int64     `json:"amount"`
	BalanceAfter *int64    `json:"balance_after,omitempty"`
	Status       string    `json:"status"`
	Details      any       `json:"details,omitempty"`
}

// Logger writes one JSON line per balance-affecting event
type Logger struct {
	out *log.Logger
}

func NewLogger() *Logger {
	return &Logger{out: log.Default()}
}

// NewLoggerTo writes audit lines to w without a timestamp prefix
func NewLoggerTo(w io.Writer) *Logger {
	return &Logger{out: log.New(w, "", 0)}
}

// LogEntry records a ledger entry that was just committed
func (a *Logger) LogEntry(e models.LedgerEntry) {
	balance := e.BalanceAfter
	event := Event{
		Timestamp:    e.CreatedAt,
		EventType:    "LEDGER_" + string(e.Kind),
		AccountID:    e.AccountID,
		Amount:       e.Amount,
		BalanceAfter: &balance,
		Status:       "SUCCESS",
		Details:      map[string]string{"description": e.Description},
	}
	if e.JobID != nil {
		event.JobID = *e.JobID
	}
	if e.PaymentRef != nil {
		event.PaymentRef = *e.PaymentRef
	}
	a.log(event)
}

func (a *Logger) LogJobFinalized(j *models.Job) {
	details := map[string]string{"tool": string(j.Tool), "state": string(j.State)}
	if j.FailureReason != nil {
		details["reason"] = *j.FailureReason
	}
	a.log(Event{
		Timestamp: time.Now(),
		EventType: "JOB_FINALIZED",
		AccountID: j.AccountID,
		JobID:     j.ID,
		Amount:    j.Cost,
		Status:    string(j.State),
		Details:   details,
	})
}

func (a *Logger) LogError(operation, accountID, jobID string, err error) {
	a.log(Event{
		Timestamp: time.Now(),
		EventType: "ERROR",
		AccountID: accountID,
		JobID:     jobID,
		Status:    "FAILED",
		Details:   map[string]string{"operation": operation, "error": err.Error()},
	})
}

func (a *Logger) LogOperation(operation, accountID, details string) {
	a.log(Event{
		Timestamp: time.Now(),
		EventType: operation,
		AccountID: accountID,
		Status:    "SUCCESS",
		Details:   map[string]string{"details": details},
	})
}

func (a *Logger) log(event Event) {
	data, _ := json.Marshal(event)
	a.out.Printf("AUDIT: %s", string(data))
}
