// Package app assembles a Ledger from configuration: it opens the configured
// store, loads signing keys and applies ledger options.
package app

import (
	"context"
	"fmt"

	"github.com/artpromedia/evidence-ledger/internal/auditchain"
	"github.com/artpromedia/evidence-ledger/internal/config"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// App owns the ledger and the resources behind it.
type App struct {
	Ledger *auditchain.Ledger
	Repo   auditchain.Repository

	closers []func() error
	logger  *zap.Logger
}

// New opens storage and builds the ledger described by cfg. The caller must
// call Close.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{logger: logger}

	repo, err := a.openRepository(ctx, cfg.Storage)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Repo = repo

	signer, err := auditchain.LoadSignerFiles(cfg.Signing.PrivateKeyPath, cfg.Signing.PublicKeyPath)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("load signing keys: %w", err)
	}
	switch {
	case signer.CanSign():
		logger.Info("audit entries will be signed", zap.String("algorithm", auditchain.SignatureAlgorithm))
	case signer.CanVerify():
		logger.Info("verification key loaded; new entries will not be signed")
	default:
		logger.Warn("no signing keys configured; audit entries will be unsigned")
	}

	a.Ledger = auditchain.NewLedger(repo, signer, logger,
		auditchain.WithMaxAppendRetries(cfg.Ledger.MaxAppendRetries),
		auditchain.WithStatsSampleSize(cfg.Ledger.StatsSampleSize),
		auditchain.WithVerifyPolicy(cfg.Ledger.VerifyPolicy),
	)
	return a, nil
}

func (a *App) openRepository(ctx context.Context, sc config.StorageConfig) (auditchain.Repository, error) {
	switch sc.Driver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, sc.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		if err := pool.Ping(ctx); err != nil {
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		a.logger.Info("connected to postgres")
		return auditchain.NewPostgresRepository(pool, a.logger), nil

	case config.DriverSQLite:
		repo, err := auditchain.OpenSQLiteRepository(sc.SQLitePath, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, repo.Close)
		a.logger.Info("opened sqlite store", zap.String("path", sc.SQLitePath))
		return repo, nil

	case config.DriverBadger:
		bc := auditchain.DefaultBadgerConfig(sc.BadgerPath)
		bc.InMemory = sc.BadgerInMemory
		repo, err := auditchain.OpenBadgerRepository(bc, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, repo.Close)
		a.logger.Info("opened badger store",
			zap.String("path", sc.BadgerPath),
			zap.Bool("in_memory", sc.BadgerInMemory),
		)
		return repo, nil

	case config.DriverMemory, "":
		a.logger.Warn("using in-memory store; audit entries are lost on exit")
		return auditchain.NewMemoryRepository(), nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", sc.Driver)
}

// Close releases storage in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Error("close storage", zap.Error(err))
		}
	}
	a.closers = nil
}
