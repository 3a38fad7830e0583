package cmdutil

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
	"go.uber.org/zap"

	"github.com/terraconstructs/authbridge/internal/config"
	"github.com/terraconstructs/authbridge/internal/db/bunx"
	"github.com/terraconstructs/authbridge/internal/logging"
	"github.com/terraconstructs/authbridge/internal/repository"
	"github.com/terraconstructs/authbridge/internal/security/password"
	"github.com/terraconstructs/authbridge/internal/services/accountsync"
	"github.com/terraconstructs/authbridge/internal/services/iam"
	"github.com/terraconstructs/authbridge/internal/services/identity"
	"github.com/terraconstructs/authbridge/internal/telemetry"
	"github.com/terraconstructs/authbridge/internal/tokens"
)

// Stack bundles the services with the DB connection they share.
type Stack struct {
	DB      *bun.DB
	Logger  *zap.Logger
	Metrics *telemetry.AuthMetrics

	Users  repository.UserDirectory
	Hasher *password.Hasher
	IAM    iam.Service
	Mapper *identity.Mapper
	Tokens *tokens.Service
	Sync   *accountsync.Service
}

// Close releases the underlying database connection.
func (s *Stack) Close() {
	if s == nil || s.DB == nil {
		return
	}
	if err := bunx.Close(s.DB); err != nil {
		s.Logger.Warn("close database", zap.Error(err))
	}
}

// NewLogger builds the process logger from cfg.
func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	logger, err := logging.Init(logging.Config{Level: cfg.Log.Level, Dev: cfg.Log.Dev, File: cfg.Log.File})
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	return logger, nil
}

// NewStack opens the database and wires every service used by the server and
// the CLI commands.
func NewStack(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Stack, error) {
	db, err := bunx.NewDB(ctx, cfg.DatabaseURL, bunx.Options{MaxOpenConns: cfg.MaxDBConnections})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	metrics, err := telemetry.NewAuthMetrics()
	if err != nil {
		logger.Warn("auth metrics disabled", zap.Error(err))
		metrics = nil
	}

	users, err := repository.NewCachedUserDirectory(repository.NewBunUserDirectory(db), cfg.CacheSize)
	if err != nil {
		bunx.Close(db)
		return nil, err
	}

	hasher := password.NewHasher(0)
	iamSvc, err := iam.NewService(iam.Dependencies{
		Repo:   repository.NewBunIAMRepository(db),
		Hasher: hasher,
		Logger: logger.Named("iam"),
	}, cfg.IAM)
	if err != nil {
		bunx.Close(db)
		return nil, fmt.Errorf("create iam service: %w", err)
	}

	tokenSvc := tokens.NewService(tokens.Dependencies{
		Users:   users,
		Secrets: tokens.NewConfigSecretProvider(cfg.JWT),
		Logger:  logger.Named("tokens"),
		Metrics: metrics,
	}, tokens.Config{
		Renewal:           cfg.JWT.Refresh.Renewal,
		SameTokenIDPeriod: cfg.JWT.SameTokenIDPeriod,
	})

	mapper := identity.NewMapper(users, iamSvc, logger.Named("identity"))

	return &Stack{
		DB:      db,
		Logger:  logger,
		Metrics: metrics,
		Users:   users,
		Hasher:  hasher,
		IAM:     iamSvc,
		Mapper:  mapper,
		Tokens:  tokenSvc,
		Sync: accountsync.NewService(accountsync.Dependencies{
			Users:  users,
			IAM:    iamSvc,
			Mapper: mapper,
			Tokens: tokenSvc,
			Hasher: hasher,
			Logger: logger.Named("accountsync"),
		}),
	}, nil
}
