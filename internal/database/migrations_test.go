package database

import (
	"context"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/pixelmind/backend/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrate(t *testing.T) {
	t.Run("applies pending migrations", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT COALESCE\\(MAX\\(version\\), 0\\) FROM schema_migrations").
			WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(LatestVersion() - 2))

		for _, m := range migrations[len(migrations)-2:] {
			mock.ExpectBegin()
			mock.ExpectExec(regexp.QuoteMeta(strings.TrimSpace(m.sql))).WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectExec("INSERT INTO schema_migrations").
				WithArgs(m.version, m.name).
				WillReturnResult(sqlmock.NewResult(1, 1))
			mock.ExpectCommit()
		}

		applied, err := Migrate(context.Background(), db)
		assert.NoError(t, err)
		assert.Equal(t, 2, applied)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("up to date", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT COALESCE").
			WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(LatestVersion()))

		applied, err := Migrate(context.Background(), db)
		assert.NoError(t, err)
		assert.Zero(t, applied)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestDSN(t *testing.T) {
	cfg := config.DatabaseConfig{Host: "db", Port: "5432", User: "app", Password: "secret", Name: "pixelmind", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=app password=secret dbname=pixelmind sslmode=disable", DSN(cfg))
}
