package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/pixelmind/backend/internal/audit"
	"github.com/pixelmind/backend/internal/config"
	"github.com/pixelmind/backend/internal/database"
	"github.com/pixelmind/backend/internal/services"
	"github.com/pixelmind/backend/internal/store"
)

type app struct {
	store    store.Store
	admin    *services.AdminService
	accounts *services.AccountService
	credits  *services.CreditService
	migrate  func(ctx context.Context) (int, error)
	close    func()
}

func wireApp() (*app, error) {
	cfg := config.Load()

	db, err := database.Open(context.Background(), cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("wire database: %w", err)
	}

	a := newApp(store.NewPostgres(db), audit.NewLogger())
	a.migrate = func(ctx context.Context) (int, error) { return database.Migrate(ctx, db) }
	a.close = func() { closeQuietly(db) }
	return a, nil
}

func newApp(st store.Store, auditLogger *audit.Logger) *app {
	ledger := services.NewLedgerService(auditLogger)
	return &app{
		store:    st,
		admin:    services.NewAdminService(st, ledger),
		accounts: services.NewAccountService(st, ledger, nil, nil, nil),
		credits:  services.NewCreditService(st, ledger, nil),
		migrate: func(context.Context) (int, error) {
			return 0, fmt.Errorf("migrations need a database")
		},
		close: func() {},
	}
}

func closeQuietly(c io.Closer) { _ = c.Close() }
