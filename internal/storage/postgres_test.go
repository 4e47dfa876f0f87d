package storage

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"gitlab.com/timkado/api/daisi-crm-automation/internal/apperrors"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/tenant"
	"gitlab.com/timkado/api/daisi-crm-automation/pkg/logger"
)

// Queries are matched by prefix with sqlmock's regexp matcher. GORM appends
// ORDER BY / LIMIT / FOR UPDATE clauses whose rendering varies between versions.

const testCompanyID = "company-test-123"

// AnyTime matches any time.Time argument.
type AnyTime struct{}

func (a AnyTime) Match(v driver.Value) bool {
	_, ok := v.(time.Time)
	return ok
}

func newMockRepo(t *testing.T) (*PostgresRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn:                 db,
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 gormLogger.Default.LogMode(gormLogger.Silent),
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return &PostgresRepo{db: gormDB}, mock
}

func testContext(t *testing.T) context.Context {
	ctx := tenant.WithCompanyID(context.Background(), testCompanyID)
	return logger.WithLogger(ctx, zaptest.NewLogger(t))
}

func q(prefix string) string {
	return "^" + regexp.QuoteMeta(prefix)
}

func TestIsTransientError(t *testing.T) {
	testCases := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "Nil error", err: nil, expected: false},
		{name: "Context deadline exceeded", err: context.DeadlineExceeded, expected: true},
		{name: "Wrapped context deadline exceeded", err: fmt.Errorf("operation failed: %w", context.DeadlineExceeded), expected: true},
		{name: "GORM record not found", err: gorm.ErrRecordNotFound, expected: false},
		{name: "PG connection exception (08000)", err: &pgconn.PgError{Code: "08000"}, expected: true},
		{name: "PG insufficient resources (53100)", err: &pgconn.PgError{Code: "53100"}, expected: true},
		{name: "PG deadlock (40P01)", err: &pgconn.PgError{Code: "40P01"}, expected: true},
		{name: "PG serialization failure (40001)", err: &pgconn.PgError{Code: "40001"}, expected: true},
		{name: "PG syntax error (42601)", err: &pgconn.PgError{Code: "42601"}, expected: false},
		{name: "PG unique violation (23505)", err: &pgconn.PgError{Code: "23505"}, expected: false},
		{name: "Connection refused", err: errors.New("dial tcp 127.0.0.1:5432: connect: connection refused"), expected: true},
		{name: "I/O timeout", err: errors.New("read tcp 10.0.0.1:1234->10.0.0.2:5432: i/o timeout"), expected: true},
		{name: "Broken pipe", err: errors.New("write: broken pipe"), expected: true},
		{name: "DB starting up", err: errors.New("FATAL: the database system is starting up"), expected: true},
		{name: "Generic error", err: errors.New("some other database error"), expected: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, isTransientError(tc.err))
		})
	}
}

func TestCheckConstraintViolation(t *testing.T) {
	testCases := []struct {
		name     string
		err      error
		expected error
	}{
		{name: "record not found", err: gorm.ErrRecordNotFound, expected: apperrors.ErrNotFound},
		{name: "gorm duplicated key", err: gorm.ErrDuplicatedKey, expected: apperrors.ErrDuplicate},
		{name: "gorm foreign key", err: gorm.ErrForeignKeyViolated, expected: apperrors.ErrBadRequest},
		{name: "unique violation", err: &pgconn.PgError{Code: "23505", ConstraintName: "uniq_deal_automations_open"}, expected: apperrors.ErrDuplicate},
		{name: "foreign key violation", err: &pgconn.PgError{Code: "23503"}, expected: apperrors.ErrBadRequest},
		{name: "not null violation", err: &pgconn.PgError{Code: "23502", ColumnName: "deal_id"}, expected: apperrors.ErrBadRequest},
		{name: "check violation", err: &pgconn.PgError{Code: "23514"}, expected: apperrors.ErrBadRequest},
		{name: "invalid text", err: &pgconn.PgError{Code: "22P02"}, expected: apperrors.ErrBadRequest},
		{name: "serialization failure", err: &pgconn.PgError{Code: "40001"}, expected: apperrors.ErrDatabase},
		{name: "connection error", err: &pgconn.PgError{Code: "08006"}, expected: apperrors.ErrDatabase},
		{name: "unknown pg code", err: &pgconn.PgError{Code: "42P01"}, expected: apperrors.ErrDatabase},
		{name: "plain error", err: errors.New("boom"), expected: apperrors.ErrDatabase},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := checkConstraintViolation(tc.err)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.expected)
			assert.ErrorIs(t, err, tc.err)
		})
	}

	assert.NoError(t, checkConstraintViolation(nil))
}

func TestTenantNamer(t *testing.T) {
	namer := tenantNamer{schemaName: SchemaName("acme")}
	assert.Equal(t, "daisi_acme", SchemaName("acme"))
	assert.Equal(t, `"daisi_acme".deal_automations`, namer.TableName("deal_automations"))

	var n schema.Namer = namer
	assert.Equal(t, `"daisi_acme".stages`, n.TableName("stages"))
}

func TestOpenRunIndexSQL(t *testing.T) {
	sql := openRunIndexSQL("daisi_acme")
	assert.Contains(t, sql, `"daisi_acme".deal_automations (deal_id, stage_id)`)
	assert.Contains(t, sql, "WHERE status IN ('pending','flow_sent','waiting')")
	assert.Contains(t, sql, "CREATE UNIQUE INDEX IF NOT EXISTS")
}

func TestRetryableOperation_RetriesTransientErrors(t *testing.T) {
	ctx := testContext(t)
	calls := 0
	err := retryableOperation(ctx, newRetryPolicy(ctx, time.Second), "test", func() error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryableOperation_StopsOnPermanentErrors(t *testing.T) {
	ctx := testContext(t)
	calls := 0
	err := retryableOperation(ctx, newRetryPolicy(ctx, time.Second), "test", func() error {
		calls++
		return fmt.Errorf("%w: missing", apperrors.ErrNotFound)
	})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.Equal(t, 1, calls)
}

func TestCompanyFromContext(t *testing.T) {
	assert.Equal(t, "unknown", companyFromContext(context.Background()))
	assert.Equal(t, testCompanyID, companyFromContext(testContext(t)))
}

func TestNewPostgresRepo(t *testing.T) {
	t.Skip("NewPostgresRepo opens its own connections; covered by running the migrate command against a database.")
}
