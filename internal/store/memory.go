package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pixelmind/backend/internal/models"
)

type outboxRow struct {
	msg                 models.OutboxMessage
	status              string
	processingStartedAt time.Time
}

type memState struct {
	accounts map[string]models.Account
	emails   map[string]string
	entries  []models.LedgerEntry
	jobs     map[string]models.Job
	payments map[string]models.Payment
	orders   map[string]models.PaymentOrder
	outbox   []outboxRow
	manual   map[string]ManualReconciliation
	nextMsg  int64
}

func (st *memState) clone() *memState {
	c := &memState{
		accounts: make(map[string]models.Account, len(st.accounts)),
		emails:   make(map[string]string, len(st.emails)),
		entries:  append([]models.LedgerEntry(nil), st.entries...),
		jobs:     make(map[string]models.Job, len(st.jobs)),
		payments: make(map[string]models.Payment, len(st.payments)),
		orders:   make(map[string]models.PaymentOrder, len(st.orders)),
		outbox:   append([]outboxRow(nil), st.outbox...),
		manual:   make(map[string]ManualReconciliation, len(st.manual)),
		nextMsg:  st.nextMsg,
	}
	for k, v := range st.accounts {
		c.accounts[k] = v
	}
	for k, v := range st.emails {
		c.emails[k] = v
	}
	for k, v := range st.jobs {
		c.jobs[k] = v
	}
	for k, v := range st.payments {
		c.payments[k] = v
	}
	for k, v := range st.orders {
		c.orders[k] = v
	}
	for k, v := range st.manual {
		c.manual[k] = v
	}
	return c
}

// Memory is an in-process Store used by tests. A transaction holds the store
// mutex for its whole duration and works on a copy of the state that replaces
// the original only when fn succeeds.
type Memory struct {
	mu    sync.RWMutex
	state *memState
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		state: &memState{
			accounts: make(map[string]models.Account),
			emails:   make(map[string]string),
			jobs:     make(map[string]models.Job),
			payments: make(map[string]models.Payment),
			orders:   make(map[string]models.PaymentOrder),
			manual:   make(map[string]ManualReconciliation),
		},
		now: time.Now,
	}
}

func (m *Memory) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	draft := m.state.clone()
	if err := fn(&memTx{st: draft, now: m.now}); err != nil {
		return err
	}
	m.state = draft
	return nil
}

type memTx struct {
	st  *memState
	now func() time.Time
}

func (t *memTx) LockAccount(_ context.Context, accountID string) (*models.Account, error) {
	a, ok := t.st.accounts[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (t *memTx) InsertAccount(_ context.Context, a *models.Account) error {
	email := strings.ToLower(a.Email)
	if _, exists := t.st.accounts[a.ID]; exists {
		return &DuplicateError{Constraint: "accounts_pkey"}
	}
	if _, exists := t.st.emails[email]; exists {
		return &DuplicateError{Constraint: ConstraintAccountEmail}
	}
	for _, other := range t.st.accounts {
		if other.ReferralCode == a.ReferralCode {
			return &DuplicateError{Constraint: ConstraintAccountReferral}
		}
	}
	stored := *a
	stored.Email = email
	t.st.accounts[a.ID] = stored
	t.st.emails[email] = a.ID
	return nil
}

func (t *memTx) UpdateAccount(_ context.Context, a *models.Account) error {
	current, ok := t.st.accounts[a.ID]
	if !ok || current.Version != a.Version {
		return fmt.Errorf("account %s: %w", a.ID, ErrConflict)
	}
	a.Version++
	a.UpdatedAt = t.now().UTC()

	current.Balance = a.Balance
	current.LifetimeUsed = a.LifetimeUsed
	current.Plan = a.Plan
	current.SubscriptionActive = a.SubscriptionActive
	current.Version = a.Version
	current.UpdatedAt = a.UpdatedAt
	t.st.accounts[a.ID] = current
	return nil
}

func (t *memTx) AppendEntry(_ context.Context, e *models.LedgerEntry) error {
	if _, ok := t.st.accounts[e.AccountID]; !ok {
		return fmt.Errorf("ledger_entries_account_id_fkey: %w", ErrNotFound)
	}
	t.st.entries = append(t.st.entries, *e)
	return nil
}

func (t *memTx) GetJob(_ context.Context, jobID string) (*models.Job, error) {
	j, ok := t.st.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return &j, nil
}

func (t *memTx) InsertJob(_ context.Context, j *models.Job) error {
	if _, exists := t.st.jobs[j.ID]; exists {
		return &DuplicateError{Constraint: "jobs_pkey"}
	}
	t.st.jobs[j.ID] = *j
	return nil
}

func (t *memTx) FinalizeJob(_ context.Context, f Finalization) (bool, error) {
	j, ok := t.st.jobs[f.JobID]
	if !ok || j.State != models.JobProcessing {
		return false, nil
	}
	completedAt := f.CompletedAt
	j.State = f.State
	j.OutputRef = f.OutputRef
	j.FailureReason = f.FailureReason
	j.CompletedAt = &completedAt
	t.st.jobs[f.JobID] = j
	return true, nil
}

func (t *memTx) InsertPayment(_ context.Context, p *models.Payment) error {
	if _, exists := t.st.payments[p.Reference]; exists {
		return &DuplicateError{Constraint: "payments_pkey"}
	}
	if p.OrderID != "" {
		for _, other := range t.st.payments {
			if other.OrderID == p.OrderID {
				return &DuplicateError{Constraint: ConstraintPaymentOrder}
			}
		}
	}
	t.st.payments[p.Reference] = *p
	return nil
}

func (t *memTx) ResolveManualReconciliation(_ context.Context, jobID string, at time.Time) error {
	rec, ok := t.st.manual[jobID]
	if !ok || rec.ResolvedAt != nil {
		return nil
	}
	resolved := at
	rec.ResolvedAt = &resolved
	t.st.manual[jobID] = rec
	return nil
}

func (t *memTx) Enqueue(_ context.Context, topic string, payload any) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	t.st.nextMsg++
	now := t.now().UTC()
	t.st.outbox = append(t.st.outbox, outboxRow{
		msg: models.OutboxMessage{
			ID:          t.st.nextMsg,
			Topic:       strings.TrimSpace(topic),
			Payload:     blob,
			AvailableAt: now,
			CreatedAt:   now,
		},
		status: "pending",
	})
	return nil
}

func (m *Memory) GetAccount(_ context.Context, accountID string) (*models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.state.accounts[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (m *Memory) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	m.mu.RLock()
	id, ok := m.state.emails[strings.ToLower(strings.TrimSpace(email))]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.GetAccount(ctx, id)
}

func (m *Memory) ListAccounts(_ context.Context, limit, offset int) ([]models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	accounts := make([]models.Account, 0, len(m.state.accounts))
	for _, a := range m.state.accounts {
		accounts = append(accounts, a)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].CreatedAt.After(accounts[j].CreatedAt)
	})
	return page(accounts, limit, offset), nil
}

func (m *Memory) ListEntries(_ context.Context, accountID string, limit int) ([]models.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var entries []models.LedgerEntry
	for i := len(m.state.entries) - 1; i >= 0 && len(entries) < limit; i-- {
		if m.state.entries[i].AccountID == accountID {
			entries = append(entries, m.state.entries[i])
		}
	}
	return entries, nil
}

func (m *Memory) GetJob(_ context.Context, jobID string) (*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.state.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return &j, nil
}

func (m *Memory) ListJobs(_ context.Context, accountID string, limit int) ([]models.Job, error) {
	return m.filterJobs(limit, true, func(j models.Job) bool { return j.AccountID == accountID }), nil
}

func (m *Memory) ListInFlightJobs(_ context.Context, limit int) ([]models.Job, error) {
	return m.filterJobs(limit, false, func(j models.Job) bool {
		return j.State == models.JobProcessing && j.ProviderHandle != nil
	}), nil
}

func (m *Memory) ListStaleJobs(_ context.Context, startedBefore time.Time, limit int) ([]models.Job, error) {
	return m.filterJobs(limit, false, func(j models.Job) bool {
		return j.State == models.JobProcessing && j.CreatedAt.Before(startedBefore)
	}), nil
}

func (m *Memory) filterJobs(limit int, newestFirst bool, keep func(models.Job) bool) []models.Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]models.Job, 0)
	for _, j := range m.state.jobs {
		if keep(j) {
			jobs = append(jobs, j)
		}
	}
	sort.Slice(jobs, func(a, b int) bool {
		if newestFirst {
			return jobs[a].CreatedAt.After(jobs[b].CreatedAt)
		}
		return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
	})
	return page(jobs, limit, 0)
}

func (m *Memory) SetProviderHandle(_ context.Context, jobID, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.state.jobs[jobID]
	if !ok || j.State != models.JobProcessing {
		return nil
	}
	j.ProviderHandle = &handle
	m.state.jobs[jobID] = j
	return nil
}

func (m *Memory) ClaimOutbox(_ context.Context, limit int, staleAfter time.Duration) ([]models.OutboxMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	now := m.now().UTC()
	var claimed []models.OutboxMessage
	for i := range m.state.outbox {
		if len(claimed) >= limit {
			break
		}
		row := &m.state.outbox[i]
		ready := row.status == "pending" && !row.msg.AvailableAt.After(now)
		stale := row.status == "processing" && row.processingStartedAt.Before(now.Add(-staleAfter))
		if !ready && !stale {
			continue
		}
		row.status = "processing"
		row.processingStartedAt = now
		row.msg.Attempts++
		claimed = append(claimed, row.msg)
	}
	return claimed, nil
}

func (m *Memory) MarkOutboxPublished(_ context.Context, id int64) error {
	return m.updateOutbox(id, func(row *outboxRow) {
		now := m.now().UTC()
		row.status = "published"
		row.msg.PublishedAt = &now
		row.msg.LastError = ""
	})
}

func (m *Memory) MarkOutboxFailed(_ context.Context, id int64, retryAfter time.Duration, reason string) error {
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return m.updateOutbox(id, func(row *outboxRow) {
		row.status = "pending"
		row.msg.AvailableAt = m.now().UTC().Add(retryAfter)
		row.msg.LastError = truncateReason(reason)
	})
}

func (m *Memory) updateOutbox(id int64, fn func(row *outboxRow)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.state.outbox {
		if m.state.outbox[i].msg.ID == id {
			fn(&m.state.outbox[i])
			return nil
		}
	}
	return ErrNotFound
}

// PendingOutbox returns messages not yet published, oldest first
func (m *Memory) PendingOutbox() []models.OutboxMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.OutboxMessage
	for _, row := range m.state.outbox {
		if row.status != "published" {
			out = append(out, row.msg)
		}
	}
	return out
}

func (m *Memory) InsertOrder(_ context.Context, o *models.PaymentOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.state.accounts[o.AccountID]; !ok {
		return ErrNotFound
	}
	if _, exists := m.state.orders[o.OrderID]; exists {
		return &DuplicateError{Constraint: "payment_orders_pkey"}
	}
	m.state.orders[o.OrderID] = *o
	return nil
}

func (m *Memory) GetOrder(_ context.Context, orderID string) (*models.PaymentOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.state.orders[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	return &o, nil
}

func (m *Memory) RecordManualReconciliation(_ context.Context, rec ManualReconciliation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.state.manual[rec.JobID]; ok {
		existing.Reason = truncateReason(rec.Reason)
		if existing.AccountID == "" {
			existing.AccountID = rec.AccountID
		}
		existing.Amount = max(existing.Amount, rec.Amount)
		m.state.manual[rec.JobID] = existing
		return nil
	}
	rec.Reason = truncateReason(rec.Reason)
	m.state.manual[rec.JobID] = rec
	return nil
}

func (m *Memory) ListManualReconciliations(_ context.Context, limit int) ([]ManualReconciliation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ManualReconciliation, 0, len(m.state.manual))
	for _, rec := range m.state.manual {
		if rec.ResolvedAt == nil {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return page(out, limit, 0), nil
}

func (m *Memory) LedgerDrift(_ context.Context) ([]BalanceDrift, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sums := make(map[string]int64)
	counts := make(map[string]int64)
	for _, e := range m.state.entries {
		sums[e.AccountID] += e.Amount
		counts[e.AccountID]++
	}

	var drifts []BalanceDrift
	for id, a := range m.state.accounts {
		if a.Balance != sums[id] {
			drifts = append(drifts, BalanceDrift{AccountID: id, Balance: a.Balance, LedgerSum: sums[id], EntryCount: counts[id]})
		}
	}
	sort.Slice(drifts, func(i, j int) bool { return drifts[i].AccountID < drifts[j].AccountID })
	return drifts, nil
}

func (m *Memory) Stats(_ context.Context) (*models.Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &models.Stats{
		TotalAccounts: int64(len(m.state.accounts)),
		JobsByState:   make(map[models.JobState]int),
		ToolUsage:     make(map[models.Tool]int),
	}
	for _, a := range m.state.accounts {
		stats.TotalCreditsUsed += a.LifetimeUsed
	}
	for _, e := range m.state.entries {
		if e.Kind == models.EntryTopup {
			stats.TotalToppedUp += e.Amount
		}
	}
	for _, j := range m.state.jobs {
		stats.JobsByState[j.State]++
		stats.ToolUsage[j.Tool]++
	}
	return stats, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

// Entries returns every ledger entry of an account in append order
func (m *Memory) Entries(accountID string) []models.LedgerEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.LedgerEntry
	for _, e := range m.state.entries {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	return out
}

// SetClock replaces the store's time source
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func page[T any](items []T, limit, offset int) []T {
	if offset > len(items) {
		offset = len(items)
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}
