package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/pixelmind/backend/internal/models"
)

const accountColumns = `id, email, full_name, password_hash, balance, lifetime_used, plan,
	subscription_active, referral_code, version, created_at, updated_at`

const jobColumns = `id, account_id, tool, cost, state, params, input_ref, output_ref,
	provider_handle, failure_reason, created_at, completed_at`

// Postgres is the production Store backed by database/sql and lib/pq
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Postgres) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) LockAccount(ctx context.Context, accountID string) (*models.Account, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE id = $1
		FOR UPDATE`, accountID)
	return scanAccount(row)
}

func (t *pgTx) InsertAccount(ctx context.Context, a *models.Account) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO accounts (id, email, full_name, password_hash, balance, lifetime_used, plan,
			subscription_active, referral_code, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.ID, strings.ToLower(a.Email), a.FullName, a.PasswordHash, a.Balance, a.LifetimeUsed, a.Plan,
		a.SubscriptionActive, a.ReferralCode, a.Version, a.CreatedAt, a.UpdatedAt)
	return translate(err)
}

func (t *pgTx) UpdateAccount(ctx context.Context, a *models.Account) error {
	now := time.Now().UTC()
	result, err := t.tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = $1, lifetime_used = $2, plan = $3, subscription_active = $4,
			version = version + 1, updated_at = $5
		WHERE id = $6 AND version = $7`,
		a.Balance, a.LifetimeUsed, a.Plan, a.SubscriptionActive, now, a.ID, a.Version)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("account %s: %w", a.ID, ErrConflict)
	}

	a.Version++
	a.UpdatedAt = now
	return nil
}

func (t *pgTx) AppendEntry(ctx context.Context, e *models.LedgerEntry) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, account_id, kind, amount, balance_after, job_id, payment_ref, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.AccountID, e.Kind, e.Amount, e.BalanceAfter, e.JobID, e.PaymentRef, e.Description, e.CreatedAt)
	return translate(err)
}

func (t *pgTx) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	return getJob(ctx, t.tx, jobID)
}

func (t *pgTx) InsertJob(ctx context.Context, j *models.Job) error {
	params, err := json.Marshal(j.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO jobs (id, account_id, tool, cost, state, params, input_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8)`,
		j.ID, j.AccountID, j.Tool, j.Cost, j.State, string(params), j.InputRef, j.CreatedAt)
	return translate(err)
}

func (t *pgTx) FinalizeJob(ctx context.Context, f Finalization) (bool, error) {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE jobs
		SET state = $1, output_ref = $2, failure_reason = $3, completed_at = $4
		WHERE id = $5 AND state = 'processing'`,
		f.State, f.OutputRef, f.FailureReason, f.CompletedAt, f.JobID)
	if err != nil {
		return false, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rowsAffected == 1, nil
}

func (t *pgTx) InsertPayment(ctx context.Context, p *models.Payment) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO payments (reference, order_id, account_id, plan, credits, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		p.Reference, p.OrderID, p.AccountID, p.Plan, p.Credits, p.CreatedAt)
	return translate(err)
}

func (t *pgTx) ResolveManualReconciliation(ctx context.Context, jobID string, at time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE manual_reconciliations
		SET resolved_at = $2
		WHERE job_id = $1 AND resolved_at IS NULL`, jobID, at)
	return err
}

func (t *pgTx) Enqueue(ctx context.Context, topic string, payload any) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO event_outbox (topic, payload)
		VALUES ($1, $2::jsonb)`, strings.TrimSpace(topic), string(blob))
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	return nil
}

func (s *Postgres) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, accountID)
	return scanAccount(row)
}

func (s *Postgres) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = $1`,
		strings.ToLower(strings.TrimSpace(email)))
	return scanAccount(row)
}

func (s *Postgres) ListAccounts(ctx context.Context, limit, offset int) ([]models.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := make([]models.Account, 0, limit)
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

func (s *Postgres) ListEntries(ctx context.Context, accountID string, limit int) ([]models.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, kind, amount, balance_after, job_id, payment_ref, description, created_at
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY seq DESC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]models.LedgerEntry, 0, limit)
	for rows.Next() {
		var (
			e          models.LedgerEntry
			jobID      sql.NullString
			paymentRef sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Kind, &e.Amount, &e.BalanceAfter,
			&jobID, &paymentRef, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.JobID = nullString(jobID)
		e.PaymentRef = nullString(paymentRef)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Postgres) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	return getJob(ctx, s.db, jobID)
}

func (s *Postgres) ListJobs(ctx context.Context, accountID string, limit int) ([]models.Job, error) {
	return listJobs(ctx, s.db, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, limit, accountID, limit)
}

func (s *Postgres) ListInFlightJobs(ctx context.Context, limit int) ([]models.Job, error) {
	return listJobs(ctx, s.db, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE state = 'processing' AND provider_handle IS NOT NULL
		ORDER BY created_at
		LIMIT $1`, limit, limit)
}

func (s *Postgres) ListStaleJobs(ctx context.Context, startedBefore time.Time, limit int) ([]models.Job, error) {
	return listJobs(ctx, s.db, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE state = 'processing' AND created_at < $1
		ORDER BY created_at
		LIMIT $2`, limit, startedBefore, limit)
}

func (s *Postgres) SetProviderHandle(ctx context.Context, jobID, handle string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET provider_handle = $1
		WHERE id = $2 AND state = 'processing'`, handle, jobID)
	return err
}

func (s *Postgres) ClaimOutbox(ctx context.Context, limit int, staleAfter time.Duration) ([]models.OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	staleAfterSeconds := int(staleAfter.Seconds())
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}

	rows, err := s.db.QueryContext(ctx, `
		WITH candidates AS (
			SELECT id
			FROM event_outbox
			WHERE (
				(status = 'pending' AND next_attempt_at <= NOW())
				OR (status = 'processing' AND processing_started_at < NOW() - ($2 * INTERVAL '1 second'))
			)
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE event_outbox AS o
		SET status = 'processing',
			processing_started_at = NOW(),
			attempts = o.attempts + 1
		FROM candidates
		WHERE o.id = candidates.id
		RETURNING o.id, o.topic, o.payload::text, o.attempts, o.next_attempt_at, o.created_at`,
		limit, staleAfterSeconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]models.OutboxMessage, 0, limit)
	for rows.Next() {
		var (
			msg         models.OutboxMessage
			payloadText string
		)
		if err := rows.Scan(&msg.ID, &msg.Topic, &payloadText, &msg.Attempts, &msg.AvailableAt, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.Payload = []byte(payloadText)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *Postgres) MarkOutboxPublished(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE event_outbox
		SET status = 'published',
			published_at = NOW(),
			processing_started_at = NULL,
			last_error = NULL
		WHERE id = $1`, id)
	return err
}

func (s *Postgres) MarkOutboxFailed(ctx context.Context, id int64, retryAfter time.Duration, reason string) error {
	retryAfterSeconds := int(retryAfter.Seconds())
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE event_outbox
		SET status = 'pending',
			next_attempt_at = NOW() + ($2 * INTERVAL '1 second'),
			processing_started_at = NULL,
			last_error = $3
		WHERE id = $1`, id, retryAfterSeconds, truncateReason(reason))
	return err
}

func (s *Postgres) InsertOrder(ctx context.Context, o *models.PaymentOrder) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_orders (order_id, account_id, plan, amount, currency, credits, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		o.OrderID, o.AccountID, o.Plan, o.Amount, o.Currency, o.Credits, o.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23503" {
		return ErrNotFound
	}
	return translate(err)
}

func (s *Postgres) GetOrder(ctx context.Context, orderID string) (*models.PaymentOrder, error) {
	var o models.PaymentOrder
	err := s.db.QueryRowContext(ctx, `
		SELECT order_id, account_id, plan, amount, currency, credits, created_at
		FROM payment_orders WHERE order_id = $1`, orderID).
		Scan(&o.OrderID, &o.AccountID, &o.Plan, &o.Amount, &o.Currency, &o.Credits, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *Postgres) RecordManualReconciliation(ctx context.Context, m ManualReconciliation) error {
	var accountID sql.NullString
	if m.AccountID != "" {
		accountID = sql.NullString{String: m.AccountID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO manual_reconciliations (job_id, account_id, amount, reason, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (job_id)
		DO UPDATE SET reason = EXCLUDED.reason,
			account_id = COALESCE(manual_reconciliations.account_id, EXCLUDED.account_id),
			amount = GREATEST(manual_reconciliations.amount, EXCLUDED.amount)`,
		m.JobID, accountID, m.Amount, truncateReason(m.Reason), m.CreatedAt)
	return err
}

func (s *Postgres) ListManualReconciliations(ctx context.Context, limit int) ([]ManualReconciliation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, account_id, amount, reason, created_at, resolved_at
		FROM manual_reconciliations
		WHERE resolved_at IS NULL
		ORDER BY created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ManualReconciliation
	for rows.Next() {
		var (
			m         ManualReconciliation
			accountID sql.NullString
			resolved  sql.NullTime
		)
		if err := rows.Scan(&m.JobID, &accountID, &m.Amount, &m.Reason, &m.CreatedAt, &resolved); err != nil {
			return nil, err
		}
		m.AccountID = accountID.String
		if resolved.Valid {
			m.ResolvedAt = &resolved.Time
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Postgres) LedgerDrift(ctx context.Context) ([]BalanceDrift, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.balance, COALESCE(SUM(e.amount), 0), COUNT(e.id)
		FROM accounts a
		LEFT JOIN ledger_entries e ON e.account_id = a.id
		GROUP BY a.id, a.balance
		HAVING a.balance <> COALESCE(SUM(e.amount), 0)`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var drifts []BalanceDrift
	for rows.Next() {
		var d BalanceDrift
		if err := rows.Scan(&d.AccountID, &d.Balance, &d.LedgerSum, &d.EntryCount); err != nil {
			return nil, err
		}
		drifts = append(drifts, d)
	}
	return drifts, rows.Err()
}

func (s *Postgres) Stats(ctx context.Context) (*models.Stats, error) {
	stats := &models.Stats{
		JobsByState: make(map[models.JobState]int),
		ToolUsage:   make(map[models.Tool]int),
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(lifetime_used), 0) FROM accounts`,
	).Scan(&stats.TotalAccounts, &stats.TotalCreditsUsed); err != nil {
		return nil, fmt.Errorf("account totals: %w", err)
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE kind = 'topup'`,
	).Scan(&stats.TotalToppedUp); err != nil {
		return nil, fmt.Errorf("topup totals: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT tool, state, COUNT(*) FROM jobs GROUP BY tool, state`)
	if err != nil {
		return nil, fmt.Errorf("job totals: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			tool  models.Tool
			state models.JobState
			n     int
		)
		if err := rows.Scan(&tool, &state, &n); err != nil {
			return nil, err
		}
		stats.JobsByState[state] += n
		stats.ToolUsage[tool] += n
	}
	return stats, rows.Err()
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func getJob(ctx context.Context, q queryer, jobID string) (*models.Job, error) {
	row := q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	return scanJob(row)
}

func listJobs(ctx context.Context, q queryer, query string, limit int, args ...any) ([]models.Job, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := make([]models.Job, 0, limit)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func scanAccount(row rowScanner) (*models.Account, error) {
	var a models.Account
	err := row.Scan(&a.ID, &a.Email, &a.FullName, &a.PasswordHash, &a.Balance, &a.LifetimeUsed, &a.Plan,
		&a.SubscriptionActive, &a.ReferralCode, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		j              models.Job
		params         []byte
		outputRef      sql.NullString
		providerHandle sql.NullString
		failureReason  sql.NullString
		completedAt    sql.NullTime
	)
	err := row.Scan(&j.ID, &j.AccountID, &j.Tool, &j.Cost, &j.State, &params, &j.InputRef,
		&outputRef, &providerHandle, &failureReason, &j.CreatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if len(params) > 0 {
		p, err := models.UnmarshalParams(j.Tool, params)
		if err != nil {
			return nil, err
		}
		j.Params = p
	}
	j.OutputRef = nullString(outputRef)
	j.ProviderHandle = nullString(providerHandle)
	j.FailureReason = nullString(failureReason)
	if completedAt.Valid {
		j.CompletedAt = &completedAt.Time
	}
	return &j, nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

// translate maps unique violations to ErrDuplicate
func translate(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return &DuplicateError{Constraint: pqErr.Constraint}
	}
	return err
}
