package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/pixelmind/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var accountRowColumns = []string{"id", "email", "full_name", "password_hash", "balance", "lifetime_used", "plan",
	"subscription_active", "referral_code", "version", "created_at", "updated_at"}

var jobRowColumns = []string{"id", "account_id", "tool", "cost", "state", "params", "input_ref", "output_ref",
	"provider_handle", "failure_reason", "created_at", "completed_at"}

func newMockStore(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgres(db), mock
}

func TestPostgres_ReserveTransaction(t *testing.T) {
	st, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Now()

	mock.ExpectBegin()

	// Lock account
	mock.ExpectQuery("SELECT (.+) FROM accounts WHERE id = \\$1 FOR UPDATE").
		WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows(accountRowColumns).
			AddRow("acct-1", "a@b.co", "A", "hash", 10, 0, "free", false, "REF1", 3, now, now))

	// Insert job
	mock.ExpectExec("INSERT INTO jobs").
		WithArgs("job-1", "acct-1", models.ToolUpscale, int64(2), models.JobProcessing, `{"imageRef":"s3://b/in.png"}`, "s3://b/in.png", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	// Reserve entry
	mock.ExpectExec("INSERT INTO ledger_entries").
		WithArgs("entry-1", "acct-1", models.EntryReserve, int64(-2), int64(8), "job-1", nil, "reserve", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	// Balance update guarded by version
	mock.ExpectExec("UPDATE accounts\\s+SET balance = \\$1, lifetime_used = \\$2, plan = \\$3, subscription_active = \\$4,\\s+version = version \\+ 1, updated_at = \\$5\\s+WHERE id = \\$6 AND version = \\$7").
		WithArgs(int64(8), int64(0), models.PlanFree, false, sqlmock.AnyArg(), "acct-1", 3).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectExec("INSERT INTO event_outbox").
		WithArgs(models.TopicJobDispatch, `{"jobId":"job-1"}`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	mock.ExpectCommit()

	err := st.WithTx(ctx, func(tx Tx) error {
		acct, err := tx.LockAccount(ctx, "acct-1")
		if err != nil {
			return err
		}
		jobID := "job-1"
		if err := tx.InsertJob(ctx, &models.Job{
			ID: jobID, AccountID: acct.ID, Tool: models.ToolUpscale, Cost: 2, State: models.JobProcessing,
			Params: models.UpscaleParams{ImageRef: "s3://b/in.png"}, InputRef: "s3://b/in.png", CreatedAt: now,
		}); err != nil {
			return err
		}
		acct.Balance -= 2
		if err := tx.AppendEntry(ctx, &models.LedgerEntry{
			ID: "entry-1", AccountID: acct.ID, Kind: models.EntryReserve, Amount: -2, BalanceAfter: acct.Balance,
			JobID: &jobID, Description: "reserve", CreatedAt: now,
		}); err != nil {
			return err
		}
		if err := tx.UpdateAccount(ctx, acct); err != nil {
			return err
		}
		assert.Equal(t, 4, acct.Version)
		return tx.Enqueue(ctx, models.TopicJobDispatch, models.JobDispatchEvent{JobID: jobID})
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpdateAccountVersionConflictRollsBack(t *testing.T) {
	st, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE accounts").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := st.WithTx(ctx, func(tx Tx) error {
		return tx.UpdateAccount(ctx, &models.Account{ID: "acct-1", Balance: 5, Plan: models.PlanFree, Version: 1})
	})
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_InsertPaymentDuplicate(t *testing.T) {
	st, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO payments").
		WithArgs("pay_1", "order_1", "acct-1", models.PlanPro, int64(1000), sqlmock.AnyArg()).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "payments_pkey"})
	mock.ExpectRollback()

	err := st.WithTx(ctx, func(tx Tx) error {
		return tx.InsertPayment(ctx, &models.Payment{
			Reference: "pay_1", OrderID: "order_1", AccountID: "acct-1", Plan: models.PlanPro, Credits: 1000, CreatedAt: time.Now(),
		})
	})
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, "payments_pkey", DuplicateConstraint(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_InsertAccountReportsConstraint(t *testing.T) {
	st, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO accounts").
		WillReturnError(&pq.Error{Code: "23505", Constraint: ConstraintAccountReferral})
	mock.ExpectRollback()

	err := st.WithTx(ctx, func(tx Tx) error {
		return tx.InsertAccount(ctx, &models.Account{ID: "acct-1", Email: "a@b.co", ReferralCode: "REFX", Version: 1})
	})
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, ConstraintAccountReferral, DuplicateConstraint(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Orders(t *testing.T) {
	st, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Now()

	mock.ExpectExec("INSERT INTO payment_orders").
		WithArgs("order_1", "acct-1", models.PlanPro, int64(49900), "INR", int64(1000), now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO payment_orders").
		WillReturnError(&pq.Error{Code: "23503", Constraint: "payment_orders_account_id_fkey"})
	mock.ExpectQuery("SELECT (.+) FROM payment_orders WHERE order_id = \\$1").
		WithArgs("order_1").
		WillReturnRows(sqlmock.NewRows([]string{"order_id", "account_id", "plan", "amount", "currency", "credits", "created_at"}).
			AddRow("order_1", "acct-1", "pro", 49900, "INR", 1000, now))
	mock.ExpectQuery("SELECT (.+) FROM payment_orders WHERE order_id = \\$1").
		WithArgs("order_2").
		WillReturnRows(sqlmock.NewRows([]string{"order_id"}))

	order := &models.PaymentOrder{OrderID: "order_1", AccountID: "acct-1", Plan: models.PlanPro,
		Amount: 49900, Currency: "INR", Credits: 1000, CreatedAt: now}
	require.NoError(t, st.InsertOrder(ctx, order))
	assert.ErrorIs(t, st.InsertOrder(ctx, &models.PaymentOrder{OrderID: "order_x", AccountID: "ghost", CreatedAt: now}), ErrNotFound)

	got, err := st.GetOrder(ctx, "order_1")
	require.NoError(t, err)
	assert.Equal(t, "acct-1", got.AccountID)
	assert.Equal(t, models.PlanPro, got.Plan)

	_, err = st.GetOrder(ctx, "order_2")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ManualReconciliationUnknownAccount(t *testing.T) {
	st, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Now()

	mock.ExpectExec("INSERT INTO manual_reconciliations").
		WithArgs("job-1", nil, int64(0), "refund failed", now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT (.+) FROM manual_reconciliations\\s+WHERE resolved_at IS NULL").
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows([]string{"job_id", "account_id", "amount", "reason", "created_at", "resolved_at"}).
			AddRow("job-1", nil, 0, "refund failed", now, nil))

	require.NoError(t, st.RecordManualReconciliation(ctx, ManualReconciliation{JobID: "job-1", Reason: "refund failed", CreatedAt: now}))

	open, err := st.ListManualReconciliations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Empty(t, open[0].AccountID)
	assert.Nil(t, open[0].ResolvedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ResolveManualReconciliation(t *testing.T) {
	st, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE manual_reconciliations\\s+SET resolved_at = \\$2\\s+WHERE job_id = \\$1 AND resolved_at IS NULL").
		WithArgs("job-1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := st.WithTx(ctx, func(tx Tx) error {
		return tx.ResolveManualReconciliation(ctx, "job-1", now)
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_FinalizeJobCompareAndSet(t *testing.T) {
	st, mock := newMockStore(t)
	ctx := context.Background()
	out := "s3://b/out.png"

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE jobs\\s+SET state = \\$1, output_ref = \\$2, failure_reason = \\$3, completed_at = \\$4\\s+WHERE id = \\$5 AND state = 'processing'").
		WithArgs(models.JobSuccess, out, nil, sqlmock.AnyArg(), "job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE jobs").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	var first, second bool
	err := st.WithTx(ctx, func(tx Tx) error {
		var err error
		f := Finalization{JobID: "job-1", State: models.JobSuccess, OutputRef: &out, CompletedAt: time.Now()}
		if first, err = tx.FinalizeJob(ctx, f); err != nil {
			return err
		}
		second, err = tx.FinalizeJob(ctx, f)
		return err
	})
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, second)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetAccountNotFound(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM accounts WHERE id = \\$1").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(accountRowColumns))

	_, err := st.GetAccount(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetJobDecodesParams(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id = \\$1").
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows(jobRowColumns).
			AddRow("job-1", "acct-1", "upscale", 2, "failed", []byte(`{"imageRef":"s3://b/in.png","scale":4}`), "s3://b/in.png",
				nil, "pred-1", "timed out", now, now))

	job, err := st.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.UpscaleParams{ImageRef: "s3://b/in.png", Scale: 4}, job.Params)
	assert.Equal(t, models.JobFailed, job.State)
	assert.Nil(t, job.OutputRef)
	require.NotNil(t, job.FailureReason)
	assert.Equal(t, "timed out", *job.FailureReason)
	require.NotNil(t, job.CompletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ClaimOutbox(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery("WITH candidates AS").
		WithArgs(10, 120).
		WillReturnRows(sqlmock.NewRows([]string{"id", "topic", "payload", "attempts", "next_attempt_at", "created_at"}).
			AddRow(7, models.TopicJobFinalized, `{"jobId":"job-1"}`, 1, now, now))

	msgs, err := st.ClaimOutbox(context.Background(), 10, 2*time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(7), msgs[0].ID)
	assert.Equal(t, models.TopicJobFinalized, msgs[0].Topic)
	assert.JSONEq(t, `{"jobId":"job-1"}`, string(msgs[0].Payload))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_MarkOutboxFailedTruncatesReason(t *testing.T) {
	st, mock := newMockStore(t)
	long := make([]byte, maxOutboxError+50)
	for i := range long {
		long[i] = 'x'
	}

	mock.ExpectExec("UPDATE event_outbox\\s+SET status = 'pending'").
		WithArgs(int64(7), 30, string(long[:maxOutboxError])).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, st.MarkOutboxFailed(context.Background(), 7, 30*time.Second, string(long)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_LedgerDrift(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery("SELECT a.id, a.balance, COALESCE\\(SUM\\(e.amount\\), 0\\), COUNT\\(e.id\\)").
		WillReturnRows(sqlmock.NewRows([]string{"id", "balance", "sum", "count"}).AddRow("acct-1", 12, 10, 3))

	drift, err := st.LedgerDrift(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []BalanceDrift{{AccountID: "acct-1", Balance: 12, LedgerSum: 10, EntryCount: 3}}, drift)
	assert.NoError(t, mock.ExpectationsWereMet())
}
