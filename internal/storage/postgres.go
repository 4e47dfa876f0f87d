package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"gitlab.com/timkado/api/daisi-crm-automation/internal/apperrors"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/model"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/tenant"
	"gitlab.com/timkado/api/daisi-crm-automation/pkg/logger"
)

const (
	defaultRetryInitialInterval = 50 * time.Millisecond
	defaultRetryMaxInterval     = 2 * time.Second
	readRetryMaxElapsedTime     = 5 * time.Second
	commitRetryMaxElapsedTime   = 15 * time.Second

	connectRetryInitialInterval = time.Second
	connectRetryMaxInterval     = 15 * time.Second
	connectRetryMaxElapsedTime  = time.Minute
)

// PostgresRepo stores automation rules, runs and logs, and reads/moves CRM deals,
// all inside the tenant schema daisi_<company>.
type PostgresRepo struct {
	db *gorm.DB
}

// tenantNamer qualifies every table with the tenant schema.
type tenantNamer struct {
	schema.NamingStrategy
	schemaName string
}

func (tn tenantNamer) TableName(table string) string {
	return fmt.Sprintf("%q.%s", tn.schemaName, table)
}

// SchemaName returns the Postgres schema that holds a company's tables.
func SchemaName(companyID string) string {
	return fmt.Sprintf("daisi_%s", companyID)
}

// NewPostgresRepo connects with retries, ensures the tenant schema exists and,
// when autoMigrate is set, migrates every table the engine touches.
func NewPostgresRepo(dsn string, autoMigrate bool, companyID string) (*PostgresRepo, error) {
	schemaName := SchemaName(companyID)

	bootstrap, err := connectWithRetry(dsn, &gorm.Config{Logger: gormLogger.Default.LogMode(gormLogger.Silent)}, "default")
	if err != nil {
		return nil, err
	}
	logger.Log.Info("Ensuring PostgreSQL schema exists", zap.String("schema", schemaName))
	createErr := bootstrap.Exec(fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %q", schemaName)).Error
	closeDB(bootstrap)
	if createErr != nil {
		return nil, fmt.Errorf("failed to create schema %s: %w", schemaName, createErr)
	}

	db, err := connectWithRetry(dsn, &gorm.Config{
		NamingStrategy: tenantNamer{schemaName: schemaName},
		Logger:         gormLogger.Default.LogMode(gormLogger.Warn),
		TranslateError: true,
	}, schemaName)
	if err != nil {
		return nil, err
	}

	repo := &PostgresRepo{db: db}
	if !autoMigrate {
		logger.Log.Info("Auto-migration disabled")
		return repo, nil
	}
	if err := repo.Migrate(context.Background(), schemaName); err != nil {
		closeDB(db)
		return nil, err
	}
	return repo, nil
}

func connectWithRetry(dsn string, cfg *gorm.Config, target string) (*gorm.DB, error) {
	connect := func() (*gorm.DB, error) {
		db, err := gorm.Open(postgres.Open(dsn), cfg)
		if err != nil {
			if isTransientError(err) {
				return nil, err
			}
			return nil, backoff.Permanent(fmt.Errorf("failed to connect to postgres (%s): %w", target, err))
		}
		return db, nil
	}
	notify := func(err error, d time.Duration) {
		logger.Log.Warn("Retrying DB connection", zap.String("target", target), zap.Error(err), zap.Duration("after", d))
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = connectRetryInitialInterval
	b.MaxInterval = connectRetryMaxInterval
	b.MaxElapsedTime = connectRetryMaxElapsedTime

	db, err := backoff.RetryNotifyWithData(connect, b, notify)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres (%s) after retries: %w", target, err)
	}
	return db, nil
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// openRunIndexSQL backs the one-open-run-per-(deal, stage) rule at the database level.
func openRunIndexSQL(schemaName string) string {
	return fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS uniq_deal_automations_open ON %q.deal_automations (deal_id, stage_id) WHERE status IN ('pending','flow_sent','waiting')`, schemaName)
}

// Migrate creates or updates the tables and the open-run unique index.
func (r *PostgresRepo) Migrate(ctx context.Context, schemaName string) error {
	logger.Log.Info("Running auto-migration for schema", zap.String("schema", schemaName))
	db := r.db.WithContext(ctx)
	if err := db.AutoMigrate(
		&model.Funnel{},
		&model.Stage{},
		&model.Contact{},
		&model.Deal{},
		&model.StageAutomationConfig{},
		&model.DealAutomationRun{},
		&model.AutomationLog{},
		&model.ExhaustedEvent{},
	); err != nil {
		return fmt.Errorf("%w: auto-migration failed for schema %s: %w", apperrors.ErrDatabase, schemaName, err)
	}
	if err := db.Exec(openRunIndexSQL(schemaName)).Error; err != nil {
		return fmt.Errorf("%w: failed to create open run index: %w", apperrors.ErrDatabase, err)
	}
	return nil
}

// Ping checks the connection; used by the readiness probe.
func (r *PostgresRepo) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrDatabase, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: ping: %w", apperrors.ErrDatabase, err)
	}
	return nil
}

// Close closes the database connection
func (r *PostgresRepo) Close(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		logger.FromContext(ctx).Warn("Failed to get underlying SQL DB for closing", zap.Error(err))
		return nil
	}
	if err := sqlDB.Close(); err != nil {
		logger.FromContext(ctx).Error("Failed to close database connection", zap.Error(err))
		return fmt.Errorf("failed to close SQL DB: %w", err)
	}
	logger.FromContext(ctx).Info("Database connection closed successfully")
	return nil
}

// companyFromContext returns the tenant for metric labels, "unknown" when absent.
func companyFromContext(ctx context.Context) string {
	companyID, err := tenant.FromContext(ctx)
	if err != nil {
		return "unknown"
	}
	return companyID
}

// tableName resolves the qualified table of a model for raw joins.
func (r *PostgresRepo) tableName(m interface {
	TableName(schema.Namer) string
}) string {
	return m.TableName(r.db.NamingStrategy)
}

func newRetryPolicy(ctx context.Context, maxElapsedTime time.Duration) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = defaultRetryInitialInterval
	b.MaxInterval = defaultRetryMaxInterval
	b.MaxElapsedTime = maxElapsedTime
	b.Reset()
	return backoff.WithContext(b, ctx)
}

// retryableOperation retries operation while it fails with transient errors.
func retryableOperation(ctx context.Context, policy backoff.BackOffContext, opName string, operation func() error) error {
	notify := func(err error, d time.Duration) {
		logger.FromContext(ctx).Warn("Retrying DB operation",
			zap.String("operation", opName),
			zap.Error(err),
			zap.Duration("after", d),
		)
	}

	return backoff.RetryNotify(func() error {
		err := operation()
		if err == nil {
			return nil
		}
		if errors.Is(err, gorm.ErrRecordNotFound) ||
			errors.Is(err, gorm.ErrInvalidTransaction) ||
			errors.Is(err, gorm.ErrDuplicatedKey) ||
			errors.Is(err, gorm.ErrForeignKeyViolated) ||
			apperrors.IsNotFoundError(err) ||
			errors.Is(err, apperrors.ErrDuplicate) ||
			apperrors.IsConflictError(err) ||
			errors.Is(err, apperrors.ErrBadRequest) {
			return backoff.Permanent(err)
		}
		if isTransientError(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy, notify)
}

// isTransientError reports whether err looks like a connection or contention problem worth retrying.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 08 connection exception, 53 insufficient resources, 40P01 deadlock, 40001 serialization
		return strings.HasPrefix(pgErr.Code, "08") ||
			strings.HasPrefix(pgErr.Code, "53") ||
			pgErr.Code == "40P01" ||
			pgErr.Code == "40001"
	}

	errStr := strings.ToLower(err.Error())
	for _, indicator := range []string{
		"connection refused",
		"network is unreachable",
		"i/o timeout",
		"broken pipe",
		"connection reset",
		"could not translate host name",
		"no route to host",
		"database system is starting up",
		"connection timed out",
	} {
		if strings.Contains(errStr, indicator) {
			return true
		}
	}
	return false
}

// checkConstraintViolation maps database errors onto apperrors sentinels.
func checkConstraintViolation(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %w", apperrors.ErrNotFound, err)
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %w", apperrors.ErrDuplicate, err)
	}
	if errors.Is(err, gorm.ErrForeignKeyViolated) {
		return fmt.Errorf("%w: %w", apperrors.ErrBadRequest, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: constraint %s: %w", apperrors.ErrDuplicate, pgErr.ConstraintName, err)
		case "23503": // foreign_key_violation
			return fmt.Errorf("%w: constraint %s: %w", apperrors.ErrBadRequest, pgErr.ConstraintName, err)
		case "23502": // not_null_violation
			return fmt.Errorf("%w: null value in column %s: %w", apperrors.ErrBadRequest, pgErr.ColumnName, err)
		case "23514": // check_violation
			return fmt.Errorf("%w: constraint %s: %w", apperrors.ErrBadRequest, pgErr.ConstraintName, err)
		case "22001": // string_data_right_truncation
			return fmt.Errorf("%w: value too long for column %s: %w", apperrors.ErrBadRequest, pgErr.ColumnName, err)
		case "22P02": // invalid_text_representation
			return fmt.Errorf("%w: invalid input syntax for type %s: %w", apperrors.ErrBadRequest, pgErr.DataTypeName, err)
		case "40001", "40P01":
			return fmt.Errorf("%w: transaction rollback (%s): %w", apperrors.ErrDatabase, pgErr.Code, err)
		default:
			if strings.HasPrefix(pgErr.Code, "53") {
				return fmt.Errorf("%w: insufficient resources (%s): %w", apperrors.ErrDatabase, pgErr.Code, err)
			}
			if strings.HasPrefix(pgErr.Code, "08") {
				return fmt.Errorf("%w: connection error (%s): %w", apperrors.ErrDatabase, pgErr.Code, err)
			}
			return fmt.Errorf("%w: unhandled pgcode %s: %w", apperrors.ErrDatabase, pgErr.Code, err)
		}
	}

	return fmt.Errorf("%w: %w", apperrors.ErrDatabase, err)
}
