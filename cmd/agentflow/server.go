// Package main provides the AgentFlow server implementation.
package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/agentflow/api/handlers"
	"github.com/BaSui01/agentflow/config"
	"github.com/BaSui01/agentflow/internal/database"
	"github.com/BaSui01/agentflow/internal/metrics"
	"github.com/BaSui01/agentflow/internal/server"
	"github.com/BaSui01/agentflow/internal/telemetry"
	"github.com/BaSui01/agentflow/llm"
	"github.com/BaSui01/agentflow/llm/cache"
	"github.com/BaSui01/agentflow/llm/circuitbreaker"
	"github.com/BaSui01/agentflow/llm/coalescer"
	"github.com/BaSui01/agentflow/llm/dispatch"
	"github.com/BaSui01/agentflow/llm/embedding"
	"github.com/BaSui01/agentflow/llm/factory"
	"github.com/BaSui01/agentflow/llm/memory"
	"github.com/BaSui01/agentflow/llm/pacer"
	"github.com/BaSui01/agentflow/llm/router"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// =============================================================================
// 🖥️ Server 结构（重构版）
// =============================================================================

// Server 是 AgentFlow 的主服务器
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	otel       *telemetry.Providers
	db         *gorm.DB
	dbPool     *database.PoolManager

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// Handlers
	healthHandler *handlers.HealthHandler
	streamHandler *handlers.StreamHandler

	// Dispatch Pipeline 及其依赖（网关编排核心）
	pipeline  *dispatch.Pipeline
	memIndex  *memory.Index
	threadsDB *memory.GormStore

	// 指标收集器
	metricsCollector *metrics.Collector

	// 热更新管理器
	hotReloadManager *config.HotReloadManager
	configAPIHandler *config.ConfigAPIHandler

	wg sync.WaitGroup
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, otel *telemetry.Providers, db *gorm.DB, dbPool *database.PoolManager) *Server {
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		otel:       otel,
		db:         db,
		dbPool:     dbPool,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 初始化指标收集器
	s.metricsCollector = metrics.NewCollector("agentflow", s.logger)

	// 2. 初始化 Handlers
	if err := s.initHandlers(); err != nil {
		return fmt.Errorf("failed to init handlers: %w", err)
	}

	// 3. 初始化热更新管理器
	if err := s.initHotReloadManager(); err != nil {
		return fmt.Errorf("failed to init hot reload manager: %w", err)
	}

	// 4. 启动 HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 5. 启动 Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("hot_reload_enabled", s.configPath != ""),
	)

	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initHandlers 初始化所有 handlers，并组装 Dispatch Pipeline 的完整依赖图：
// Provider 目录 → 凭据过滤 → 路由 → 限速 → 请求合并 → 熔断 → 记忆持久化。
func (s *Server) initHandlers() error {
	s.healthHandler = handlers.NewHealthHandler(s.logger)

	gw := s.cfg.Gateway

	// --- 记忆持久化（跨线程对话记忆，见 llm/memory） ---
	var persistent memory.PersistentStore
	if s.db != nil {
		store := memory.NewGormStore(s.db, s.logger)
		if err := store.AutoMigrate(); err != nil {
			s.logger.Error("gateway thread store auto-migrate failed", zap.Error(err))
		}
		s.threadsDB = store
		persistent = store
	} else {
		s.logger.Warn("no database configured, gateway threads will not survive a restart")
		persistent = memory.NewNoopStore()
	}
	s.memIndex = memory.NewIndex(persistent, s.logger)

	// --- 跨线程记忆片段（Memory Fragment 检索，见 llm/memory/fragments.go） ---
	var fragmentStore memory.FragmentStore
	if gs, ok := persistent.(*memory.GormStore); ok {
		fs := memory.NewGormFragmentStore(gs.DB(), s.logger)
		if err := fs.AutoMigrate(); err != nil {
			s.logger.Error("memory fragment store auto-migrate failed", zap.Error(err))
		}
		fragmentStore = fs
	} else {
		fragmentStore = memory.NewNoopFragmentStore()
	}
	fragmentRetriever := memory.NewFragmentRetriever(fragmentStore, s.logger)
	embedder := newEmbeddingProvider(gw.Embedding, s.logger)

	// --- 响应缓存（本地 LRU + 可选 Redis 层） ---
	var rdb *redis.Client
	if s.cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     s.cfg.Redis.Addr,
			Password: s.cfg.Redis.Password,
			DB:       s.cfg.Redis.DB,
			PoolSize: s.cfg.Redis.PoolSize,
		})
	}
	respCache := cache.NewResponseCache(rdb, cache.ResponseCacheConfig{
		LocalMaxSize: gw.Routing.Caching.LocalMaxSize,
		LocalTTL:     gw.Routing.Caching.LocalTTL,
		EnableLocal:  gw.Routing.Caching.EnableLocal,
		EnableRedis:  gw.Routing.Caching.EnableRedis && rdb != nil,
	}, s.logger)

	// --- Provider 目录与路由（llm/router 加权路由 + 意图阶梯） ---
	weighted := router.NewWeightedRouter(s.logger, gw.Routing.PrefixRules)
	weighted.LoadCandidates(&gw.Routing)
	gatewayRouter := router.NewGatewayRouter(weighted, router.DefaultLadders(), s.logger)

	// --- Provider 实例（由凭据配置驱动的工厂装配） ---
	providers := make(map[string]llm.Provider, len(gw.Credentials))
	breakers := make(map[string]circuitbreaker.CircuitBreaker, len(gw.Credentials))
	for name, cred := range gw.Credentials {
		p, err := factory.NewProviderFromConfig(name, factory.ProviderConfig{
			APIKey:  cred.APIKey,
			APIKeys: cred.APIKeys,
			BaseURL: cred.BaseURL,
			Model:   cred.Model,
		}, s.logger)
		if err != nil {
			s.logger.Warn("skipping gateway provider: construction failed", zap.String("provider", name), zap.Error(err))
			continue
		}
		providers[name] = p
		breakers[name] = circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig(), s.logger)
	}
	hasCredential := func(orgID, provider string) bool {
		_, ok := providers[provider]
		return ok
	}

	// --- 限速（每 Provider 的令牌桶 + 并发整形，AIMD 回退） ---
	pacerConfigs := make(map[string]pacer.Config, len(gw.Pacing))
	for name, pc := range gw.Pacing {
		pacerConfigs[name] = pacer.Config{
			Rate:              pc.RPS,
			Burst:             pc.Burst,
			Concurrency:       pc.Concurrency,
			PenaltyMultiplier: pc.PenaltyMultiplier,
			MinRate:           pc.MinRPS,
			RecoveryStep:      pc.RecoveryStep,
			CooldownWindow:    pc.CooldownWindow,
		}
	}
	pacers := pacer.NewRegistry(pacerConfigs, s.logger)

	// --- 请求合并（同一线程内并发重复请求去重广播） ---
	coalesceCfg := coalescer.DefaultConfig()
	if gw.Coalesce.NegativeCacheTTL > 0 {
		coalesceCfg.NegativeCacheTTL = gw.Coalesce.NegativeCacheTTL
	}
	coal := coalescer.New(coalesceCfg, s.logger)

	s.pipeline = dispatch.New(dispatch.Deps{
		Index:             s.memIndex,
		ResponseCache:     respCache,
		Router:            gatewayRouter,
		Pacers:            pacers,
		Coalescer:         coal,
		Providers:         providers,
		Breakers:          breakers,
		HasCredential:     hasCredential,
		FragmentRetriever: fragmentRetriever,
		Embedder:          embedder,
		Logger:            s.logger,
	})

	s.streamHandler = handlers.NewStreamHandler(s.pipeline, s.logger)

	s.logger.Info("Handlers initialized",
		zap.Int("providers_wired", len(providers)),
		zap.Bool("database_connected", s.db != nil),
		zap.Bool("redis_connected", rdb != nil),
	)
	return nil
}

// newEmbeddingProvider constructs the embedding.Provider backing cross-thread
// Memory Fragment retrieval, per cfg.Provider. An empty or unrecognised
// provider name leaves fragment retrieval in its unranked mode (nil Embedder).
func newEmbeddingProvider(cfg config.EmbeddingConfig, logger *zap.Logger) embedding.Provider {
	if cfg.Provider == "" {
		return nil
	}
	if cfg.APIKey == "" {
		logger.Warn("embedding provider configured without an API key, disabling fragment ranking", zap.String("provider", cfg.Provider))
		return nil
	}

	switch cfg.Provider {
	case "openai":
		c := embedding.DefaultOpenAIConfig()
		c.APIKey = cfg.APIKey
		if cfg.BaseURL != "" {
			c.BaseURL = cfg.BaseURL
		}
		if cfg.Model != "" {
			c.Model = cfg.Model
		}
		return embedding.NewOpenAIProvider(c)
	case "cohere":
		c := embedding.DefaultCohereConfig()
		c.APIKey = cfg.APIKey
		if cfg.BaseURL != "" {
			c.BaseURL = cfg.BaseURL
		}
		if cfg.Model != "" {
			c.Model = cfg.Model
		}
		return embedding.NewCohereProvider(c)
	case "voyage":
		c := embedding.DefaultVoyageConfig()
		c.APIKey = cfg.APIKey
		if cfg.BaseURL != "" {
			c.BaseURL = cfg.BaseURL
		}
		if cfg.Model != "" {
			c.Model = cfg.Model
		}
		return embedding.NewVoyageProvider(c)
	case "jina":
		c := embedding.DefaultJinaConfig()
		c.APIKey = cfg.APIKey
		if cfg.BaseURL != "" {
			c.BaseURL = cfg.BaseURL
		}
		if cfg.Model != "" {
			c.Model = cfg.Model
		}
		return embedding.NewJinaProvider(c)
	case "gemini":
		c := embedding.DefaultGeminiConfig()
		c.APIKey = cfg.APIKey
		if cfg.BaseURL != "" {
			c.BaseURL = cfg.BaseURL
		}
		if cfg.Model != "" {
			c.Model = cfg.Model
		}
		return embedding.NewGeminiProvider(c)
	default:
		logger.Warn("unknown embedding provider, disabling fragment ranking", zap.String("provider", cfg.Provider))
		return nil
	}
}

// initHotReloadManager 初始化热更新管理器
func (s *Server) initHotReloadManager() error {
	opts := []config.HotReloadOption{
		config.WithHotReloadLogger(s.logger),
	}

	if s.configPath != "" {
		opts = append(opts, config.WithConfigPath(s.configPath))
	}

	s.hotReloadManager = config.NewHotReloadManager(s.cfg, opts...)

	// 注册配置变更回调
	s.hotReloadManager.OnChange(func(change config.ConfigChange) {
		s.logger.Info("Configuration changed",
			zap.String("path", change.Path),
			zap.String("source", change.Source),
			zap.Bool("requires_restart", change.RequiresRestart),
		)
	})

	// 注册配置重载回调
	s.hotReloadManager.OnReload(func(oldConfig, newConfig *config.Config) {
		s.logger.Info("Configuration reloaded")
		s.cfg = newConfig
	})

	// 启动热更新管理器
	ctx := context.Background()
	if err := s.hotReloadManager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hot reload manager: %w", err)
	}

	// 创建配置 API 处理器
	s.configAPIHandler = config.NewConfigAPIHandler(s.hotReloadManager)

	return nil
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// startHTTPServer 启动 HTTP 服务器（使用新的 handlers）
func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	// ========================================
	// 健康检查端点（使用新的 HealthHandler）
	// ========================================
	mux.HandleFunc("/health", s.healthHandler.HandleHealth)
	mux.HandleFunc("/healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("/ready", s.healthHandler.HandleReady)
	mux.HandleFunc("/readyz", s.healthHandler.HandleReady)

	// 版本信息端点
	mux.HandleFunc("/version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// ========================================
	// 网关流式对话 API
	// ========================================
	mux.HandleFunc("POST /threads/{thread_id}/messages/stream", s.streamHandler.HandleMessagesStream)
	mux.HandleFunc("POST /threads/{thread_id}/cancel/{request_id}", s.streamHandler.HandleCancelRequest)

	// ========================================
	// 配置管理 API
	// ========================================
	if s.configAPIHandler != nil {
		s.configAPIHandler.RegisterRoutes(mux)
		s.logger.Info("Configuration API registered")
	}

	// ========================================
	// 构建中间件链
	// ========================================
	skipAuthPaths := []string{"/health", "/healthz", "/ready", "/readyz", "/version", "/metrics"}
	handler := Chain(mux,
		Recovery(s.logger),
		RequestLogger(s.logger),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(context.Background(), float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger),
		APIKeyAuth(s.cfg.Server.APIKeys, skipAuthPaths, s.cfg.Server.AllowQueryAPIKey, s.logger),
	)

	// ========================================
	// 使用 internal/server.Manager
	// ========================================
	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,   // 2x ReadTimeout
		MaxHeaderBytes:  1 << 20,                        // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	// 启动服务器（非阻塞）
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 启动 Metrics 服务器
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)

	// 启动服务器（非阻塞）
	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	// 使用 httpManager 的 WaitForShutdown（它会监听信号）
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}

	// 执行清理
	s.Shutdown()
}

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx := context.Background()

	// 1. 停止热更新管理器
	if s.hotReloadManager != nil {
		if err := s.hotReloadManager.Stop(); err != nil {
			s.logger.Error("Hot reload manager shutdown error", zap.Error(err))
		}
	}

	// 2. 关闭 HTTP 服务器
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 3. 关闭 Metrics 服务器
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 4. 关闭 OpenTelemetry 导出器
	if s.otel != nil {
		if err := s.otel.Shutdown(ctx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	// 5. 关闭数据库连接池
	if s.dbPool != nil {
		if err := s.dbPool.Close(); err != nil {
			s.logger.Error("Database pool shutdown error", zap.Error(err))
		}
	}

	// 6. 等待所有 goroutine 完成
	s.wg.Wait()

	s.logger.Info("Graceful shutdown completed")
}
