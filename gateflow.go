// Package gateflow 把网关的全部组件装配为一个可运行的整体：
// 配置 → 日志 → Redis → 数据库 → 目录 → 路由状态 → 选择器 →
// 指标缓冲 → 执行器 → 钩子 → HTTP 表面。
//
// 用法:
//
//	cfg, _ := config.NewLoader().WithConfigPath("config.yaml").Load()
//	gw, err := gateflow.New(cfg, logger)
//	gw.Start(ctx)
//	http.ListenAndServe(addr, gw.Handler())
//	gw.Close(ctx)
package gateflow

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/BaSui01/gateflow/api/handlers"
	"github.com/BaSui01/gateflow/catalog"
	"github.com/BaSui01/gateflow/config"
	"github.com/BaSui01/gateflow/executor"
	"github.com/BaSui01/gateflow/hooks/audit"
	"github.com/BaSui01/gateflow/hooks/billing"
	"github.com/BaSui01/gateflow/hooks/moderation"
	"github.com/BaSui01/gateflow/internal/cache"
	"github.com/BaSui01/gateflow/internal/database"
	"github.com/BaSui01/gateflow/internal/metrics"
	"github.com/BaSui01/gateflow/routing"
	"github.com/BaSui01/gateflow/transport"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Version 构建时通过 -ldflags 注入。
var Version = "dev"

// Gateway 网关实例：持有全部组件与后台循环。
type Gateway struct {
	cfg    *config.Config
	logger *zap.Logger

	cacheMgr *cache.Manager
	poolMgr  *database.PoolManager
	db       *gorm.DB

	catalog   *catalog.Catalog
	state     *routing.State
	sessions  *routing.SessionManager
	selector  *routing.Selector
	buffer    *routing.Buffer
	executor  *executor.Executor
	collector *metrics.Collector

	moderator moderation.Moderator
	ledger    billing.Ledger
	audit     audit.Sink

	handler   http.Handler
	runCancel context.CancelFunc
}

// New 按配置装配网关。collector 可为 nil（测试或指标关闭时）。
func New(cfg *config.Config, collector *metrics.Collector, logger *zap.Logger) (*Gateway, error) {
	g := &Gateway{cfg: cfg, logger: logger, collector: collector}

	cacheMgr, err := cache.NewManager(cache.Config{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DefaultTTL:   5 * time.Minute,
		MaxRetries:   3,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("gateflow: connect redis: %w", err)
	}
	g.cacheMgr = cacheMgr

	db, err := database.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		cacheMgr.Close()
		return nil, fmt.Errorf("gateflow: open database: %w", err)
	}
	poolMgr, err := database.NewPoolManager(db, database.PoolConfig{
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: 10 * time.Minute,
	}, logger)
	if err != nil {
		cacheMgr.Close()
		return nil, fmt.Errorf("gateflow: configure pool: %w", err)
	}
	g.db = db
	g.poolMgr = poolMgr

	// AutoMigrate 确保表结构最新；生产环境仍以 migrate 子命令为准
	tables := append(catalog.AutoMigrateModels(), billing.AutoMigrateModels()...)
	if err := db.AutoMigrate(tables...); err != nil {
		logger.Error("database auto-migrate failed", zap.Error(err))
	}

	g.catalog = catalog.New(db, cacheMgr, cfg.Routing.CatalogRefreshInterval, logger)

	client := cacheMgr.Client()
	g.state = routing.NewState(client, routing.StateConfig{
		FailureThreshold:   cfg.Routing.ProviderFailureThreshold,
		CooldownSeconds:    cfg.Routing.ProviderFailureCooldownSeconds,
		HealthCacheTTLSecs: cfg.Routing.ProviderHealthCacheTTLSeconds,
	}, collector, logger)
	g.sessions = routing.NewSessionManager(client, cfg.Routing.SessionTTLSeconds, collector, logger)
	g.selector = routing.NewSelector(g.catalog, g.state, g.sessions, routing.SelectorConfig{
		EnableHealthCheck:    cfg.Routing.EnableProviderHealthCheck,
		AvailabilityCacheTTL: time.Duration(cfg.Routing.CandidateAvailabilityCacheTTLSeconds) * time.Second,
		StreamingMinTokens:   cfg.Routing.StreamingMinTokens,
	}, logger)

	g.buffer = routing.NewBuffer(db, g.state, routing.BufferConfig{
		FlushInterval:     cfg.Routing.MetricsFlushInterval,
		MaxBufferedKeys:   cfg.Routing.MetricsMaxBufferedKeys,
		SuccessSampleRate: cfg.Routing.MetricsSuccessSampleRate,
	}, collector, logger)

	httpClient := &http.Client{
		Transport: &http.Transport{
			ResponseHeaderTimeout: cfg.Routing.ConnectTimeout,
			MaxIdleConnsPerHost:   32,
		},
	}
	g.executor = executor.New(transport.NewRegistry(logger), g.state, g.catalog, g.buffer,
		collector, httpClient, executor.Config{
			UpstreamTimeout:   cfg.Routing.UpstreamTimeout,
			HeartbeatInterval: cfg.Routing.StreamHeartbeatInterval,
		}, logger)

	g.moderator = moderation.NewFromConfig(cfg.Moderation, logger)
	if cfg.Billing.Enabled {
		g.ledger = billing.NewGormLedger(db, logger)
	} else {
		g.ledger = billing.NopLedger{}
	}
	sink, err := audit.NewFromConfig(cfg.Audit, logger)
	if err != nil {
		logger.Warn("audit sink unavailable, falling back to nop", zap.Error(err))
		sink = audit.NopSink{}
	}
	g.audit = sink

	g.handler = g.buildHandler()
	return g, nil
}

func (g *Gateway) buildHandler() http.Handler {
	gateway := handlers.NewGatewayHandler(
		g.catalog, g.selector, g.executor, g.sessions, routing.NewCostEstimator(),
		g.moderator, g.ledger, g.audit, g.collector,
		handlers.GatewayConfig{
			DefaultStrategy:    g.cfg.Routing.Strategy,
			StreamingMinTokens: g.cfg.Routing.StreamingMinTokens,
		}, g.logger)

	health := handlers.NewHealthHandler(Version, g.logger)
	health.RegisterCheck(handlers.CheckFunc{CheckName: "redis", Fn: g.cacheMgr.Ping})
	health.RegisterCheck(handlers.CheckFunc{CheckName: "database", Fn: g.poolMgr.Ping})
	health.RegisterCheck(handlers.CheckFunc{CheckName: "catalog", Fn: func(ctx context.Context) error {
		if len(g.catalog.List()) == 0 {
			_, err := g.catalog.Refresh(ctx)
			return err
		}
		return nil
	}})

	auth := handlers.NewAuthMiddleware(g.cfg.Auth, g.logger)
	return handlers.NewRouter(gateway, health, auth)
}

// Handler 返回客户端表面的 HTTP handler。
func (g *Gateway) Handler() http.Handler { return g.handler }

// Start 同步加载目录快照并启动后台循环（目录刷新、指标刷新）。
func (g *Gateway) Start(ctx context.Context) error {
	if _, err := g.catalog.Refresh(ctx); err != nil {
		// 数据库暂不可用时目录为空，后台刷新循环会继续重试
		g.logger.Warn("initial catalog refresh failed", zap.Error(err))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g.runCancel = cancel
	go g.catalog.Run(runCtx)
	go g.buffer.Run()
	return nil
}

// Close 停止后台循环、排空指标缓冲并释放连接。
func (g *Gateway) Close(ctx context.Context) error {
	if g.runCancel != nil {
		g.runCancel()
	}
	g.catalog.Stop()
	g.buffer.Stop()
	if err := g.audit.Close(ctx); err != nil {
		g.logger.Warn("audit sink close failed", zap.Error(err))
	}
	if err := g.poolMgr.Close(); err != nil {
		g.logger.Warn("database close failed", zap.Error(err))
	}
	return g.cacheMgr.Close()
}
