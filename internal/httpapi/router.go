package httpapi

import (
	"context"
	"fmt"
	"net/http"

	"account_gateway/internal/config"
	"account_gateway/internal/logging"
	"account_gateway/internal/oauth"
	"account_gateway/internal/queue"
	"account_gateway/internal/quota"
	"account_gateway/internal/selector"
	"account_gateway/internal/storage"
	"account_gateway/internal/upstream"
)

// Dependencies aggregates all services the HTTP layer needs.
type Dependencies struct {
	DB            *storage.DB
	Users         *storage.UserRepository
	Credentials   *storage.CredentialRepository
	Ledger        *quota.Ledger
	Queue         queue.Queue
	Worker        *quota.ConsumptionWorker
	Recovery      *quota.RecoveryJob
	Selector      *selector.Selector
	Orchestrator  *upstream.Orchestrator
	Refresher     oauth.Refresher
	States        *oauth.StateStore
	RequestLogger *logging.RequestLogger
	Config        *config.Config
}

// NewRouter creates an HTTP router with all dependencies wired up
func NewRouter(cfg *config.Config) (*http.ServeMux, *Dependencies, error) {
	// Initialize database
	db, err := storage.NewDB(storage.DBConfig{
		DSN:                 cfg.Database.URL,
		MaxOpenConns:        cfg.Database.MaxOpenConns,
		MaxIdleConns:        cfg.Database.MaxIdleConns,
		ConnMaxLifetime:     cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime:     cfg.Database.ConnMaxIdleTime,
		CredentialCacheSize: cfg.Database.CredentialCacheSize,
		CredentialCacheTTL:  cfg.Database.CredentialCacheTTL,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Initialize repositories
	userRepo := storage.NewUserRepository(db)
	credRepo := storage.NewCredentialRepository(db)
	quotaRepo := storage.NewQuotaRepository(db)

	// Consumption queue: in-memory unless Redis is explicitly selected
	queueCfg := queue.DefaultConfig("consumption")
	queueCfg.UseRedis = cfg.Queue.UseRedis
	queueCfg.RedisAddr = cfg.Redis.Address
	queueCfg.RedisPassword = cfg.Redis.Password
	queueCfg.RedisDB = cfg.Redis.DB
	consumptionQueue, err := queue.New(queueCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create consumption queue: %w", err)
	}

	// Quota ledger and its workers
	usageClient := upstream.NewUsageClient(cfg.Upstream.AntigravityEndpoints)
	ledger := quota.NewLedger(quotaRepo, credRepo, usageClient, quota.Config{
		CacheTTL:      cfg.Quota.CacheTTL,
		RecoveryRate:  cfg.Quota.RecoveryRate,
		PoolPerShared: cfg.Quota.PoolPerShared,
	})

	worker := quota.NewConsumptionWorker(consumptionQueue, ledger, queueCfg)
	worker.Start(context.Background())

	recovery := quota.NewRecoveryJob(ledger, cfg.Quota.RecoveryInterval)
	recovery.Start(context.Background())

	// Token refresh and pending OAuth state
	refresher := oauth.NewHTTPRefresher(oauth.Config{
		AntigravityTokenURL: cfg.OAuth.AntigravityTokenURL,
		AntigravityClientID: cfg.OAuth.AntigravityClientID,
		KiroTokenURL:        cfg.OAuth.KiroTokenURL,
	})
	states := oauth.NewStateStore(cfg.OAuth.StateTTL)

	// Selection and the retry state machine
	sel := selector.New(credRepo, ledger, refresher, cfg.OAuth.RefreshMargin)
	orch := upstream.NewOrchestrator(sel, credRepo, ledger, worker, cfg.Upstream, cfg.Defaults)

	// Initialize request logger
	requestLogger, err := logging.NewRequestLogger(
		cfg.RequestLogger.FilePathTemplate,
		cfg.RequestLogger.MaxSize,
		cfg.RequestLogger.MaxFiles,
		cfg.RequestLogger.BufferSize,
		cfg.RequestLogger.FlushInterval,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize request logger: %w", err)
	}

	deps := &Dependencies{
		DB:            db,
		Users:         userRepo,
		Credentials:   credRepo,
		Ledger:        ledger,
		Queue:         consumptionQueue,
		Worker:        worker,
		Recovery:      recovery,
		Selector:      sel,
		Orchestrator:  orch,
		Refresher:     refresher,
		States:        states,
		RequestLogger: requestLogger,
		Config:        cfg,
	}

	mux := http.NewServeMux()
	registerRoutes(mux, deps)

	return mux, deps, nil
}

func registerRoutes(mux *http.ServeMux, deps *Dependencies) {
	authed := deps.apiKeyMiddleware

	mux.Handle("/v1/chat/completions", authed(http.HandlerFunc(deps.handleChatCompletions)))
	mux.Handle("/v1/images/generations", authed(http.HandlerFunc(deps.handleImageGenerations)))
	mux.Handle("/v1/models", authed(http.HandlerFunc(deps.handleListModels)))

	mux.Handle("/v1/credentials/authorize", authed(http.HandlerFunc(deps.handleAuthorizeCredential)))
	mux.Handle("/v1/credentials/complete", authed(http.HandlerFunc(deps.handleCompleteCredential)))

	mux.HandleFunc("/health", deps.handleHealth)
}

// Shutdown stops background work in dependency order: no new requests are
// assumed at this point.
func (d *Dependencies) Shutdown() {
	d.Recovery.Stop()
	_ = d.Worker.Stop()
	_ = d.Queue.Close()
	d.States.Close()
	d.RequestLogger.Shutdown()
	_ = d.DB.Close()
}
