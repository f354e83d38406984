package services

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/pixelmind/backend/internal/config"
	"github.com/pixelmind/backend/internal/models"
	"github.com/pixelmind/backend/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAccounts(t *testing.T, f *fixture) (*AccountService, *TokenService, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	tokens := NewTokenService(config.JWTConfig{SecretKey: "test-secret", ExpiryHours: 1})
	passwords := NewPasswordHasher(config.Argon2Config{Time: 1, Memory: 1024, Threads: 1})
	return NewAccountService(f.store, f.ledger, tokens, passwords, rdb), tokens, mr
}

func TestAccount_SignupGrantsStartingCredits(t *testing.T) {
	f := newFixture(t)
	accounts, tokens, _ := newAccounts(t, f)

	session, err := accounts.Signup(context.Background(), SignupInput{
		Email:    "  Asha@Example.com ",
		Password: "correct-horse",
		FullName: "Asha Rao",
	})
	require.NoError(t, err)

	acct := session.Account
	assert.Equal(t, "asha@example.com", acct.Email)
	assert.Equal(t, models.SignupCredits, acct.Balance)
	assert.Equal(t, models.PlanFree, acct.Plan)
	assert.NotEqual(t, "correct-horse", acct.PasswordHash)
	assert.Regexp(t, `^REF[A-HJ-NP-Z2-9]{9}$`, acct.ReferralCode)

	entries := f.store.Entries(acct.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, models.EntryAdjustment, entries[0].Kind)
	assert.Equal(t, models.SignupCredits, entries[0].Amount)

	claims, err := tokens.Verify(session.Token)
	require.NoError(t, err)
	assert.Equal(t, acct.ID, claims.AccountID)
	f.requireNoDrift(t)
}

func TestAccount_SignupRedrawsCollidingReferralCode(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "acct-1", 0)
	accounts, _, _ := newAccounts(t, f)

	codes := []string{"REFacct-1", "REFacct-1", "REFFRESH"}
	draws := 0
	accounts.referral = func() (string, error) {
		code := codes[draws]
		draws++
		return code, nil
	}

	session, err := accounts.Signup(context.Background(), SignupInput{
		Email: "new@example.com", Password: "correct-horse", FullName: "New User",
	})
	require.NoError(t, err)
	assert.Equal(t, "REFFRESH", session.Account.ReferralCode)
	assert.Equal(t, 3, draws)
	assert.Equal(t, models.SignupCredits, f.account(t, session.Account.ID).Balance)
	f.requireNoDrift(t)
}

func TestAccount_SignupGivesUpOnReferralCollisions(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "acct-1", 0)
	accounts, _, _ := newAccounts(t, f)

	draws := 0
	accounts.referral = func() (string, error) {
		draws++
		return "REFacct-1", nil
	}

	_, err := accounts.Signup(context.Background(), SignupInput{
		Email: "new@example.com", Password: "correct-horse", FullName: "New User",
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrEmailTaken)
	assert.Equal(t, referralAttempts, draws)

	_, err = f.store.GetAccountByEmail(context.Background(), "new@example.com")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAccount_SignupRejectsTakenEmail(t *testing.T) {
	f := newFixture(t)
	accounts, _, _ := newAccounts(t, f)
	ctx := context.Background()

	in := SignupInput{Email: "a@example.com", Password: "password1", FullName: "A B"}
	_, err := accounts.Signup(ctx, in)
	require.NoError(t, err)

	in.Email = "A@EXAMPLE.COM"
	_, err = accounts.Signup(ctx, in)
	assert.ErrorIs(t, err, ErrEmailTaken)
}

// racingStore hides existing emails from the pre-check, like a concurrent
// signup that commits between the check and the insert
type racingStore struct {
	store.Store
}

func (racingStore) GetAccountByEmail(context.Context, string) (*models.Account, error) {
	return nil, store.ErrNotFound
}

func TestAccount_SignupEmailRaceIsEmailTaken(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "acct-1", 0)
	accounts, _, _ := newAccounts(t, f)
	accounts.store = racingStore{Store: f.store}

	_, err := accounts.Signup(context.Background(), SignupInput{
		Email: "acct-1@example.com", Password: "correct-horse", FullName: "Dup User",
	})
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestAccount_Login(t *testing.T) {
	f := newFixture(t)
	accounts, _, _ := newAccounts(t, f)
	ctx := context.Background()

	_, err := accounts.Signup(ctx, SignupInput{Email: "a@example.com", Password: "password1", FullName: "A B"})
	require.NoError(t, err)

	session, err := accounts.Login(ctx, "a@example.com", "password1")
	require.NoError(t, err)
	assert.NotEmpty(t, session.Token)

	_, err = accounts.Login(ctx, "a@example.com", "password2")
	assert.ErrorIs(t, err, ErrInvalidLogin)

	_, err = accounts.Login(ctx, "b@example.com", "password1")
	assert.ErrorIs(t, err, ErrInvalidLogin)
}

func TestAccount_LogoutBlacklistsToken(t *testing.T) {
	f := newFixture(t)
	accounts, _, mr := newAccounts(t, f)

	require.NoError(t, accounts.Logout(context.Background(), "tok-123"))
	assert.True(t, mr.Exists("blacklist:tok-123"))
	assert.Equal(t, time.Hour, mr.TTL("blacklist:tok-123"))

	require.NoError(t, accounts.Logout(context.Background(), ""))
}

func TestAccount_LedgerNewestFirst(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "acct-1", 10)
	accounts, _, _ := newAccounts(t, f)
	ctx := context.Background()

	job := f.submit(t, "acct-1")
	_, err := f.reconciler.Reconcile(ctx, job.ID, models.Failed("x"))
	require.NoError(t, err)

	entries, err := accounts.Ledger(ctx, "acct-1", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, models.EntryRefund, entries[0].Kind)
	assert.Equal(t, models.EntryReserve, entries[1].Kind)

	_, err = accounts.Ledger(ctx, "ghost", 10)
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestQRService_Referral(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "acct-1", 0)
	accounts, _, _ := newAccounts(t, f)
	qr := NewQRService(accounts, "https://pixelmind.app/")

	ref, err := qr.Referral(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "REFacct-1", ref.Code)
	assert.Equal(t, "https://pixelmind.app/auth/signup?ref=REFacct-1", ref.Link)

	png, err := base64.StdEncoding.DecodeString(ref.QRImage)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(png), "\x89PNG"))

	_, err = qr.Referral(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestTokenService(t *testing.T) {
	tokens := NewTokenService(config.JWTConfig{SecretKey: "k1"})
	assert.Equal(t, 24*time.Hour, tokens.Expiry())

	tok, err := tokens.Issue("acct-1", "a@example.com")
	require.NoError(t, err)
	claims, err := tokens.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "acct-1", claims.AccountID)
	assert.Equal(t, "a@example.com", claims.Email)

	other := NewTokenService(config.JWTConfig{SecretKey: "k2"})
	_, err = other.Verify(tok)
	assert.Error(t, err)

	_, err = tokens.Verify("not-a-token")
	assert.Error(t, err)
}

func TestPasswordHasher(t *testing.T) {
	h := NewPasswordHasher(config.Argon2Config{Time: 1, Memory: 1024, Threads: 1})

	hash, err := h.Hash("s3cret-pass")
	require.NoError(t, err)
	assert.Len(t, strings.Split(hash, "$"), 2)
	assert.True(t, h.Verify("s3cret-pass", hash))
	assert.False(t, h.Verify("s3cret-pasS", hash))
	assert.False(t, h.Verify("s3cret-pass", "garbage"))

	again, err := h.Hash("s3cret-pass")
	require.NoError(t, err)
	assert.NotEqual(t, hash, again)
}
