package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/txn-pipeline/internal/config"
	"github.com/sells-group/txn-pipeline/internal/lock"
	"github.com/sells-group/txn-pipeline/internal/monitoring"
	"github.com/sells-group/txn-pipeline/internal/pipeline"
	"github.com/sells-group/txn-pipeline/internal/store"
)

// pipelineEnv holds the store, lock and orchestrator needed by the ingest
// and serve commands.
type pipelineEnv struct {
	Store        store.Store
	Locker       lock.Locker
	Metrics      *monitoring.Metrics
	Orchestrator *pipeline.Orchestrator

	redis *redis.Client
}

// Close releases resources held by the environment.
func (pe *pipelineEnv) Close() {
	if pe.redis != nil {
		_ = pe.redis.Close()
	}
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline validates config for mode, opens and migrates the store, picks
// a lock, and builds the orchestrator. Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string, registerer prometheus.Registerer) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &pipelineEnv{Store: st}

	locker, client, err := initLocker(ctx, cfg.Redis)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Locker = locker
	env.redis = client

	if registerer != nil {
		env.Metrics = monitoring.NewMetrics(registerer)
	}

	env.Orchestrator = pipeline.New(st, locker, env.Metrics, pipeline.Options{
		FeatureWorkers: cfg.Pipeline.FeatureWorkers,
		LockTimeout:    time.Duration(cfg.Pipeline.LockTimeoutSecs) * time.Second,
		MaxRejections:  cfg.Pipeline.MaxRejectionsReported,
	})
	return env, nil
}

// openStore opens the configured store and applies migrations.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "txn-pipeline.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initLocker returns a Redis lock when an address is configured, otherwise
// an in-process lock. The returned client is nil for the local lock.
func initLocker(ctx context.Context, rc config.RedisConfig) (lock.Locker, *redis.Client, error) {
	if rc.Addr == "" {
		zap.L().Debug("redis not configured, using in-process batch lock")
		return lock.NewLocal(), nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, eris.Wrapf(err, "redis ping %s", rc.Addr)
	}

	zap.L().Info("using redis batch lock", zap.String("addr", rc.Addr))
	return lock.NewRedis(client, lock.RedisOptions{
		TTL: time.Duration(rc.LockTTLSec) * time.Second,
	}), client, nil
}
