package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"ai_gateway/internal/agents"
	"ai_gateway/internal/auth"
	"ai_gateway/internal/breaker"
	"ai_gateway/internal/config"
	"ai_gateway/internal/logging"
	"ai_gateway/internal/middleware"
	"ai_gateway/internal/pricing"
	"ai_gateway/internal/providers"
	"ai_gateway/internal/queue"
	"ai_gateway/internal/session"
	"ai_gateway/internal/storage"
	"ai_gateway/internal/stream"
	"ai_gateway/internal/usage"
	"ai_gateway/internal/utils"
)

// Dependencies aggregates all services the HTTP layer needs.
type Dependencies struct {
	Config       *config.Config
	DB           *storage.DB
	Redis        *redis.Client
	Keys         auth.KeyStore
	AdminUsers   *storage.AdminUserRepository
	Router       *providers.Router
	Sessions     *session.Manager
	Orchestrator *agents.Orchestrator
	Monitor      *usage.Monitor
	Pipeline     *stream.Pipeline
	Audit        logging.Sink
	UsageWorker  *storage.UsageQueueWorker
	UsageQueue   queue.Queue

	logger *utils.Logger
}

// NewRouter creates an HTTP router with all dependencies wired up
func NewRouter(cfg *config.Config) (*http.ServeMux, *Dependencies, error) {
	logger := utils.NewLogger("gateway", utils.ParseLogLevel(cfg.LogLevel))

	db, err := storage.NewDB(storage.DBConfig{
		URL:              cfg.Database.URL,
		MaxOpenConns:     cfg.Database.MaxOpenConns,
		MaxIdleConns:     cfg.Database.MaxIdleConns,
		ConnMaxLifetime:  cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime:  cfg.Database.ConnMaxIdleTime,
		APIKeyCacheSize:  cfg.Cache.LimitsCacheSize,
		APIKeyCacheTTL:   cfg.Cache.LimitsCacheTTL,
		LimitsCacheSize:  cfg.Cache.LimitsCacheSize,
		LimitsCacheTTL:   cfg.Cache.LimitsCacheTTL,
		SessionCacheSize: cfg.Cache.SessionCacheSize,
		SessionCacheTTL:  cfg.Cache.SessionCacheTTL,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if err := db.EnsureSchema(context.Background()); err != nil {
		return nil, nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	redisClient, err := storage.NewRedisClient(storage.RedisConfig{
		Address:      cfg.Redis.Address,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize Redis: %w", err)
	}

	pricingTable, err := pricing.LoadTable()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load pricing table: %w", err)
	}

	catalog, err := agents.LoadCatalog()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load agent catalog: %w", err)
	}

	// Backend providers are registered only when their credentials are
	// present; the router reports the rest as unknown models.
	var provs []providers.Provider
	if cfg.Provider.OpenAIAPIKey != "" {
		p, err := providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:  cfg.Provider.OpenAIAPIKey,
			BaseURL: cfg.Provider.OpenAIBaseURL,
			Timeout: cfg.Provider.RequestTimeout,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize OpenAI provider: %w", err)
		}
		provs = append(provs, p)
	}
	if cfg.Provider.AnthropicAPIKey != "" {
		p, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:  cfg.Provider.AnthropicAPIKey,
			BaseURL: cfg.Provider.AnthropicBaseURL,
			Timeout: cfg.Provider.RequestTimeout,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize Anthropic provider: %w", err)
		}
		provs = append(provs, p)
	}

	router := providers.NewRouter(providers.RouterConfig{
		Breaker:  breaker.NewRegistry(cfg.Breaker.FailureThreshold, cfg.Breaker.RecoveryTimeout),
		Fallback: cfg.Provider.Fallback,
		Timeout:  cfg.Provider.RequestTimeout,
	}, provs...)

	sessions := session.NewManager(storage.NewSessionRepository(db))
	orchestrator := agents.NewOrchestrator(catalog, router, cfg.Stream.HistoryTurns)

	usageQueue := queue.NewRedisQueue(redisClient, "usage")
	usageDLQ := queue.NewRedisDeadLetterQueue(redisClient, "usage")
	usageQueueCfg := queue.DefaultConfig("usage")

	monitor := usage.NewMonitor(usage.MonitorConfig{
		Counters:    usage.NewCounters(redisClient),
		LimitsStore: storage.NewLimitsRepository(db),
		Pricing:     pricingTable,
		RecordQueue: usageQueue,
		Defaults: usage.Limits{
			DailyTokens:           cfg.Limits.DailyTokens,
			MonthlyTokens:         cfg.Limits.MonthlyTokens,
			DailyCostUSD:          cfg.Limits.DailyCostUSD,
			MonthlyCostUSD:        cfg.Limits.MonthlyCostUSD,
			MaxRequestsPerHour:    cfg.Limits.MaxRequestsPerHour,
			MaxConcurrentSessions: cfg.Limits.MaxConcurrentSessions,
		},
		SessionTTL: cfg.Stream.SessionSlotTTL,
		Logger:     utils.NewLogger("usage-monitor", utils.ParseLogLevel(cfg.LogLevel)),
	})

	usageWorker := storage.NewUsageQueueWorker(usageQueue, usageDLQ, storage.NewUsageRepository(db), usageQueueCfg)
	usageWorker.Start(context.Background())

	var audit logging.Sink = logging.NewNopSink()
	if cfg.AuditSink.Enabled {
		writer, err := logging.NewS3Writer(context.Background(),
			cfg.AuditSink.S3Bucket, cfg.AuditSink.S3Region,
			cfg.AuditSink.S3Prefix, cfg.AuditSink.PodName)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize audit writer: %w", err)
		}
		buffer := logging.NewRedisBuffer(redisClient, cfg.AuditSink.BufferKey, int64(cfg.AuditSink.BufferMax))
		audit = logging.NewAuditSink(buffer, writer, cfg.AuditSink.FlushSize, cfg.AuditSink.FlushInterval)
	}

	pipeline := stream.NewPipeline(stream.PipelineConfig{
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Router:       router,
		Monitor:      monitor,
		EventBuffer:  cfg.Stream.EventBuffer,
		Logger:       utils.NewLogger("stream", utils.ParseLogLevel(cfg.LogLevel)),
	})

	deps := &Dependencies{
		Config:       cfg,
		DB:           db,
		Redis:        redisClient,
		Keys:         storage.NewAPIKeyRepository(db),
		AdminUsers:   storage.NewAdminUserRepository(db),
		Router:       router,
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Monitor:      monitor,
		Pipeline:     pipeline,
		Audit:        audit,
		UsageWorker:  usageWorker,
		UsageQueue:   usageQueue,
		logger:       logger,
	}

	mux := http.NewServeMux()
	registerRoutes(mux, deps)
	return mux, deps, nil
}

func registerRoutes(mux *http.ServeMux, deps *Dependencies) {
	callerAuth := middleware.CallerMiddleware(deps.Keys)
	adminAuth := middleware.AdminJWTMiddleware(deps.Config.JWTSecret, auth.RoleAdmin)

	mux.Handle("POST /stream", callerAuth(http.HandlerFunc(deps.handleStream)))

	mux.Handle("GET /usage", callerAuth(http.HandlerFunc(deps.handleUsageSummary)))
	mux.Handle("POST /usage", callerAuth(http.HandlerFunc(deps.handleUsageRecord)))
	mux.Handle("PUT /usage", adminAuth(http.HandlerFunc(deps.handleUsageLimits)))

	mux.Handle("GET /agents", callerAuth(http.HandlerFunc(deps.handleAgentsList)))
	mux.Handle("POST /agents/execute", callerAuth(http.HandlerFunc(deps.handleAgentExecute)))

	mux.HandleFunc("GET /health", deps.handleHealth)

	adminAuthHandler := NewAdminAuthHandler(deps.AdminUsers, deps.Config)
	mux.HandleFunc("POST /admin/auth/login", adminAuthHandler.Login)
}

// handleHealth reports liveness plus backend reachability.
func (d *Dependencies) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	checks := map[string]string{"database": "ok", "redis": "ok"}
	if err := d.DB.Health(ctx); err != nil {
		status, checks["database"] = "degraded", err.Error()
	}
	if err := d.Redis.Ping(ctx).Err(); err != nil {
		status, checks["redis"] = "degraded", err.Error()
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	utils.RespondWithJSON(w, code, map[string]interface{}{
		"status":    status,
		"checks":    checks,
		"providers": d.Router.Breaker().Snapshot(),
	})
}

// Shutdown drains the async machinery in dependency order: no new work,
// then workers, then sinks, then connections.
func (d *Dependencies) Shutdown(ctx context.Context) {
	if err := d.UsageWorker.Stop(); err != nil {
		d.logger.Error("Failed to stop usage worker", "error", err)
	}
	if err := d.Audit.Close(); err != nil {
		d.logger.Error("Failed to close audit sink", "error", err)
	}
	if err := d.Router.Close(); err != nil {
		d.logger.Error("Failed to close providers", "error", err)
	}
	if err := d.Redis.Close(); err != nil {
		d.logger.Error("Failed to close Redis", "error", err)
	}
	if err := d.DB.Close(); err != nil {
		d.logger.Error("Failed to close database", "error", err)
	}
}
