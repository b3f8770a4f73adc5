package main

import (
	"context"
	"errors"
	"fmt"

	"codeflow/api/internal/app"
	"codeflow/api/internal/commitsync"
	"codeflow/api/internal/config"
	"codeflow/api/internal/errclass"
	"codeflow/api/internal/gitexport"
	"codeflow/api/internal/history"
	"codeflow/api/internal/identity"
	"codeflow/api/internal/localstore"
	"codeflow/api/internal/objectstore"
	"codeflow/api/internal/redisstore"
	"codeflow/api/internal/remote"
	"codeflow/api/internal/store"

	"go.uber.org/zap"
)

// runtime is the wired object graph behind every command.
type runtime struct {
	service *app.Service
	tokens  *identity.Authority
	closers []func() error
}

func (r *runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func buildRuntime(ctx context.Context, cfg config.Config, logger *zap.Logger) (*runtime, error) {
	rt := &runtime{}
	fail := func(err error) (*runtime, error) {
		_ = rt.Close()
		return nil, err
	}

	var tier localstore.Tier
	if cfg.LocalInMemory {
		tier = localstore.NewMemoryTier()
	} else {
		badgerTier, err := localstore.OpenBadger(localstore.BadgerConfig{
			Path:       cfg.LocalDataDir,
			SyncWrites: true,
			Logger:     logger,
		})
		if err != nil {
			return fail(err)
		}
		rt.closers = append(rt.closers, badgerTier.Close)
		tier = badgerTier
	}

	var (
		commitRemote  remote.CommitStore  = remote.Disabled{}
		historyRemote remote.HistoryStore = remote.Disabled{}.History()
		users         identity.UserStore
		checks        = map[string]app.Pinger{}
	)

	if cfg.UsesPostgres() {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if db == nil {
			return fail(err)
		}
		rt.closers = append(rt.closers, db.Close)
		if err != nil {
			if errclass.Classify(err) != errclass.LocalFallback {
				return fail(err)
			}
			logger.Warn("database unreachable, starting offline; migrations deferred", zap.Error(err))
		} else {
			applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
			if err != nil {
				return fail(fmt.Errorf("migrations failed: %w", err))
			}
			if len(applied) > 0 {
				logger.Info("applied migrations", zap.Strings("versions", applied))
			}
		}
		pg := store.NewPostgresStore(db)
		checks["postgres"] = pg
		users = pg
		if cfg.CommitBackend == config.BackendPostgres {
			commitRemote = pg
		}
		if cfg.HistoryBackend == config.BackendPostgres {
			historyRemote = pg.History()
		}
	}

	if cfg.CommitBackend == config.BackendMinio {
		cs, err := objectstore.Dial(objectstore.Config{
			Endpoint:  cfg.MinioEndpoint,
			Bucket:    cfg.MinioBucket,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return fail(err)
		}
		if err := cs.EnsureBucket(ctx); err != nil {
			if errclass.Classify(err) != errclass.LocalFallback {
				return fail(err)
			}
			logger.Warn("object store unreachable, starting offline", zap.Error(err))
		}
		checks["minio"] = cs
		commitRemote = cs
	}

	if cfg.HistoryBackend == config.BackendRedis {
		hs, err := redisstore.Dial(cfg.RedisURL)
		if err != nil {
			return fail(err)
		}
		rt.closers = append(rt.closers, hs.Close)
		if err := hs.Ping(ctx); err != nil {
			logger.Warn("redis unreachable, starting offline", zap.Error(err))
		}
		checks["redis"] = hs
		historyRemote = hs
	}

	rt.tokens = identity.NewAuthority(cfg.TokenSecret, cfg.TokenTTL)
	var passwords *identity.Passwords
	if users != nil {
		passwords = identity.NewPasswords(users)
	}
	var exporter *gitexport.Exporter
	if cfg.GitExportDir != "" {
		exporter = gitexport.New(cfg.GitExportDir)
	}

	rt.service = app.NewService(app.Deps{
		Commits:   commitsync.New(localstore.NewCommitLog(tier), commitRemote, logger),
		History:   history.New(localstore.NewHistoryLog(tier), historyRemote, logger),
		Tokens:    rt.tokens,
		Passwords: passwords,
		Exporter:  exporter,
		Checks:    checks,
		Logger:    logger,
	})
	logger.Debug("runtime ready",
		zap.String("commit_backend", cfg.CommitBackend),
		zap.String("history_backend", cfg.HistoryBackend),
		zap.Bool("commit_remote", !remote.IsDisabled(commitRemote)),
		zap.Bool("history_remote", !remote.IsDisabled(historyRemote)))
	return rt, nil
}

// currentIdentity resolves --token into an identity.
func (r *runtime) currentIdentity(ctx context.Context, token string) (identity.Identity, error) {
	return identity.TokenProvider{Authority: r.tokens, Token: token}.CurrentIdentity(ctx)
}
