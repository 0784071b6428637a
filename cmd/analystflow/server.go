package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/BaSui01/analystflow/api"
	"github.com/BaSui01/analystflow/api/handlers"
	"github.com/BaSui01/analystflow/config"
	"github.com/BaSui01/analystflow/internal/cache"
	"github.com/BaSui01/analystflow/internal/database"
	"github.com/BaSui01/analystflow/internal/metrics"
	"github.com/BaSui01/analystflow/internal/migration"
	"github.com/BaSui01/analystflow/internal/server"
	"github.com/BaSui01/analystflow/internal/telemetry"
	"github.com/BaSui01/analystflow/runstore"
	"github.com/BaSui01/analystflow/stages"
	"github.com/BaSui01/analystflow/workflow"
)

const (
	// sseKeepAlive SSE 注释心跳间隔
	sseKeepAlive = 15 * time.Second
	// statsInterval 连接池指标与内存缓存清理周期
	statsInterval = 30 * time.Second
)

// skipAuthPaths 探针与版本端点不需要认证
var skipAuthPaths = []string{"/health", "/healthz", "/ready", "/version"}

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 AnalystFlow 的主服务器
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 可观测性
	registry  *prometheus.Registry
	collector *metrics.Collector
	telemetry *telemetry.Providers

	// 后端连接，按配置按需创建
	redis    *cache.Manager
	db       *database.PoolManager
	mongo    *mongo.Client
	memCache *cache.MemoryStepCache

	store        runstore.Store
	stageSet     workflow.StageSet
	orchestrator *workflow.Orchestrator

	healthHandler   *handlers.HealthHandler
	workflowHandler *handlers.WorkflowHandler
	historyHandler  *handlers.HistoryHandler

	// 后台 goroutine 生命周期
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 依次初始化可观测性、后端连接、编排器与 HTTP 服务
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	// 1. 指标与遥测
	s.initObservability()

	// 2. 后端连接
	if err := s.initBackends(ctx); err != nil {
		return fmt.Errorf("failed to init backends: %w", err)
	}

	// 3. 编排器
	if err := s.initWorkflow(); err != nil {
		return fmt.Errorf("failed to init workflow: %w", err)
	}

	// 4. Handlers
	s.initHandlers()

	// 5. HTTP 服务器
	if err := s.startHTTPServer(ctx); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 6. Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.startBackgroundLoops(ctx)

	s.logger.Info("All servers started",
		zap.String("http_addr", s.httpManager.Addr()),
		zap.Bool("tls", s.httpManager.IsTLS()),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.String("cache_backend", s.cfg.Workflow.CacheBackend),
		zap.String("store_backend", s.cfg.Workflow.StoreBackend),
	)
	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

func (s *Server) initObservability() {
	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.collector = metrics.NewCollector("analystflow", s.registry, s.logger)

	providers, err := telemetry.Init(s.cfg.Telemetry, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize telemetry, tracing disabled", zap.Error(err))
		providers = &telemetry.Providers{}
	}
	s.telemetry = providers
}

// initBackends 只连接缓存与运行存储实际用到的后端
func (s *Server) initBackends(ctx context.Context) error {
	wf := s.cfg.Workflow

	if wf.CacheBackend == "redis" || wf.StoreBackend == string(runstore.StoreRedis) {
		manager, err := cache.NewManager(redisConfig(s.cfg.Redis), s.logger)
		if err != nil {
			return err
		}
		s.redis = manager
	}

	if wf.StoreBackend == string(runstore.StoreDatabase) {
		if err := s.openDatabase(ctx); err != nil {
			return err
		}
	}

	if wf.StoreBackend == string(runstore.StoreMongo) {
		if err := s.connectMongo(ctx); err != nil {
			return err
		}
	}
	return nil
}

// redisConfig 将应用配置映射为缓存管理器配置
func redisConfig(rc config.RedisConfig) cache.Config {
	c := cache.DefaultConfig()
	c.Addr = rc.Addr
	c.Password = rc.Password
	c.DB = rc.DB
	c.KeyPrefix = rc.KeyPrefix
	c.TLSEnabled = rc.TLSEnabled
	if rc.PoolSize > 0 {
		c.PoolSize = rc.PoolSize
	}
	if rc.MinIdleConns > 0 {
		c.MinIdleConns = rc.MinIdleConns
	}
	return c
}

// openDatabase 打开连接池；AutoMigrate 开启时先执行内嵌迁移
func (s *Server) openDatabase(ctx context.Context) error {
	dbCfg := s.cfg.Database

	if dbCfg.AutoMigrate {
		migrator, err := migration.NewMigratorFromDatabaseConfig(dbCfg, s.logger)
		if err != nil {
			return fmt.Errorf("create migrator: %w", err)
		}
		err = migrator.Up(ctx)
		if closeErr := migrator.Close(); closeErr != nil {
			s.logger.Warn("failed to close migrator", zap.Error(closeErr))
		}
		if err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
	}

	poolCfg := database.DefaultPoolConfig()
	if dbCfg.MaxOpenConns > 0 {
		poolCfg.MaxOpenConns = dbCfg.MaxOpenConns
	}
	if dbCfg.MaxIdleConns > 0 {
		poolCfg.MaxIdleConns = dbCfg.MaxIdleConns
	}
	if dbCfg.ConnMaxLifetime > 0 {
		poolCfg.ConnMaxLifetime = dbCfg.ConnMaxLifetime
	}

	pool, err := database.Open(dbCfg.Driver, dbCfg.DSN(), poolCfg, s.logger)
	if err != nil {
		return err
	}
	s.db = pool
	return nil
}

func (s *Server) connectMongo(ctx context.Context) error {
	mc := s.cfg.Mongo

	opts := options.Client().ApplyURI(mc.URI)
	if mc.ConnectTimeout > 0 {
		opts.SetConnectTimeout(mc.ConnectTimeout)
	}
	client, err := mongo.Connect(opts)
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return fmt.Errorf("ping mongo: %w", err)
	}

	s.mongo = client
	s.logger.Info("mongo connected", zap.String("database", mc.Database))
	return nil
}

// initWorkflow 组装结果缓存、运行存储、阶段集合与编排器
func (s *Server) initWorkflow() error {
	wf := s.cfg.Workflow

	var resultCache workflow.ResultCache
	if wf.CacheBackend == "redis" {
		resultCache = cache.NewStepCache(s.redis, s.logger)
	} else {
		s.memCache = cache.NewMemoryStepCache(wf.CacheTTL)
		resultCache = s.memCache
	}

	kind, err := runstore.ParseStoreType(wf.StoreBackend)
	if err != nil {
		return err
	}
	backends := runstore.Backends{
		RedisKeyPrefix: s.cfg.Redis.KeyPrefix,
		Database:       s.db,
	}
	if s.redis != nil {
		backends.Redis = s.redis.Client()
	}
	if s.mongo != nil {
		backends.Mongo = s.mongo.Database(s.cfg.Mongo.Database)
	}
	store, err := runstore.New(kind, backends, runstore.WithLogger(s.logger))
	if err != nil {
		return err
	}
	s.store = store

	if ms, ok := store.(*runstore.MongoStore); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := ms.EnsureIndexes(ctx); err != nil {
			return fmt.Errorf("ensure mongo indexes: %w", err)
		}
	}

	stageSet, err := stages.NewStageSet(s.cfg.Stages,
		stages.WithLogger(s.logger),
		stages.WithRecorder(s.collector),
		stages.WithTracerProvider(s.telemetry.TracerProvider()),
		stages.WithMeter(s.telemetry.Meter()),
	)
	if err != nil {
		return fmt.Errorf("build stages: %w", err)
	}
	s.stageSet = stageSet
	if configured := stages.Configured(stageSet); len(configured) < len(workflow.StageOrder) {
		s.logger.Warn("some stages have no endpoint and will fail with STAGE_NOT_CONFIGURED",
			zap.Any("configured", configured))
	}

	s.orchestrator = workflow.NewOrchestrator(stageSet, resultCache, store, workflowConfig(wf), s.logger,
		workflow.WithObserver(s.collector),
		workflow.WithTracerProvider(s.telemetry.TracerProvider()),
	)
	return nil
}

// workflowConfig 将应用配置映射为编排器配置
func workflowConfig(wf config.WorkflowConfig) workflow.Config {
	c := workflow.DefaultConfig()
	if wf.StageTimeout > 0 {
		c.StageTimeout = wf.StageTimeout
	}
	if wf.CacheTTL > 0 {
		c.CacheTTL = wf.CacheTTL
	}
	if wf.PersistTimeout > 0 {
		c.PersistTimeout = wf.PersistTimeout
	}
	if len(wf.StageTimeouts) > 0 {
		c.StageTimeouts = make(map[workflow.StageName]time.Duration, len(wf.StageTimeouts))
		for name, d := range wf.StageTimeouts {
			c.StageTimeouts[workflow.StageName(name)] = d
		}
	}
	return c
}

// initHandlers 初始化所有 handlers 并注册依赖检查
func (s *Server) initHandlers() {
	s.healthHandler = handlers.NewHealthHandler(s.logger)
	if s.redis != nil {
		s.healthHandler.RegisterCheck(handlers.NewCheck("redis", s.redis.Ping))
	}
	if s.db != nil {
		s.healthHandler.RegisterCheck(handlers.NewCheck("database", s.db.Ping))
	}
	if s.mongo != nil {
		client := s.mongo
		s.healthHandler.RegisterCheck(handlers.NewCheck("mongo", func(ctx context.Context) error {
			return client.Ping(ctx, nil)
		}))
	}

	s.workflowHandler = handlers.NewWorkflowHandler(s.orchestrator, s.store, handlers.WorkflowHandlerConfig{
		KeepAlive:      sseKeepAlive,
		OriginPatterns: originPatterns(s.cfg.Server.CORSAllowedOrigins),
		RecordTimeout:  s.cfg.Workflow.PersistTimeout,
	}, s.logger)
	s.historyHandler = handlers.NewHistoryHandler(s.store, s.logger)

	s.logger.Info("Handlers initialized")
}

// originPatterns 将 CORS 来源转换为 WebSocket 来源匹配模式（host[:port]）
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		u, err := url.Parse(o)
		if err != nil || u.Host == "" {
			continue
		}
		patterns = append(patterns, u.Host)
	}
	return patterns
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// routes 注册全部 API 路由
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	// 健康检查
	mux.HandleFunc("GET /health", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("GET /ready", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(api.VersionInfo{
		Version:   Version,
		BuildTime: BuildTime,
		GitCommit: GitCommit,
		Stages:    stages.Configured(s.stageSet),
	}))

	// 工作流
	mux.HandleFunc("POST /v1/workflow/run", s.workflowHandler.HandleRun)
	mux.HandleFunc("POST /v1/workflow/stream", s.workflowHandler.HandleStream)
	mux.HandleFunc("GET /v1/workflow/ws", s.workflowHandler.HandleWebSocket)

	// 运行历史
	mux.HandleFunc("GET /v1/workflow/runs", s.historyHandler.HandleList)
	mux.HandleFunc("GET /v1/workflow/runs/{id}", s.historyHandler.HandleGet)
	mux.HandleFunc("GET /v1/workflow/runs/{id}/events", s.historyHandler.HandleEvents)

	return mux
}

// startHTTPServer 构建中间件链并启动 API 服务器
func (s *Server) startHTTPServer(ctx context.Context) error {
	var limiter Middleware
	if rl := s.cfg.RateLimit; rl.Enabled {
		limiter = RateLimiter(ctx, rl.RPS, rl.Burst, s.logger)
	}

	handler := Chain(s.routes(),
		Recovery(s.logger),
		RequestID(),
		OTelTracing(s.telemetry.TracerProvider()),
		MetricsMiddleware(s.collector),
		SecurityHeaders(),
		RequestLogger(s.logger),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		limiter,
		Auth(s.cfg.Auth, skipAuthPaths, s.logger),
	)

	s.httpManager = server.NewManager(handler, server.APIConfig(s.cfg.Server), s.logger)
	return s.httpManager.Start()
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 在独立端口暴露 /metrics；端口为 0 时不启动
func (s *Server) startMetricsServer() error {
	if s.cfg.Server.MetricsPort == 0 {
		s.logger.Info("Metrics server disabled")
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		Registry:          s.registry,
		EnableOpenMetrics: true,
	}))

	s.metricsManager = server.NewManager(mux, server.MetricsConfig(s.cfg.Server), s.logger)
	return s.metricsManager.Start()
}

// startBackgroundLoops 周期上报连接池指标并清理过期的内存缓存条目
func (s *Server) startBackgroundLoops(ctx context.Context) {
	if s.db == nil && s.memCache == nil {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if s.db != nil {
					stats := s.db.Stats()
					s.collector.RecordDBConnections(s.cfg.Database.Driver, stats.OpenConnections, stats.Idle)
				}
				if s.memCache != nil {
					if n := s.memCache.Purge(); n > 0 {
						s.logger.Debug("purged expired cache entries", zap.Int("count", n))
					}
				}
			}
		}
	}()
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待信号或服务器异常退出，然后优雅关闭
func (s *Server) WaitForShutdown() error {
	var err error
	if s.httpManager != nil {
		err = s.httpManager.WaitForShutdown(context.Background())
	}
	s.Shutdown()
	return err
}

// Shutdown 按依赖逆序关闭：HTTP → Metrics → 后台任务 → 存储与连接 → 遥测
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error

	if s.httpManager != nil {
		errs = append(errs, s.httpManager.Shutdown(ctx))
	}
	if s.metricsManager != nil {
		errs = append(errs, s.metricsManager.Shutdown(ctx))
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	if s.mongo != nil {
		errs = append(errs, s.mongo.Disconnect(ctx))
	}
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	if s.telemetry != nil {
		errs = append(errs, s.telemetry.Shutdown(ctx))
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.Error("Shutdown completed with errors", zap.Error(err))
		return
	}
	s.logger.Info("Graceful shutdown completed")
}
