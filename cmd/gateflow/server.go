package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	gateflow "github.com/BaSui01/gateflow"
	"github.com/BaSui01/gateflow/config"
	"github.com/BaSui01/gateflow/internal/metrics"
	"github.com/BaSui01/gateflow/internal/server"
	"github.com/BaSui01/gateflow/internal/telemetry"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 GateFlow 的主服务器：装配 Gateway 并管理 HTTP、Metrics 双端口。
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	gateway *gateflow.Gateway

	httpManager    *server.Manager
	metricsManager *server.Manager

	metricsCollector *metrics.Collector
	otelProviders    *telemetry.Providers
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{cfg: cfg, logger: logger}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 初始化指标收集器（promauto 注册到默认 registry，进程内只创建一次）
	s.metricsCollector = metrics.NewCollector("gateflow", s.logger)

	// 2. 初始化 OpenTelemetry
	otelProviders, err := telemetry.Init(s.cfg.Telemetry, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	s.otelProviders = otelProviders

	// 3. 装配网关
	gateflow.Version = Version
	gw, err := gateflow.New(s.cfg, s.metricsCollector, s.logger)
	if err != nil {
		return fmt.Errorf("failed to assemble gateway: %w", err)
	}
	s.gateway = gw

	if err := s.gateway.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
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
	)

	return nil
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

func (s *Server) startHTTPServer() error {
	handler := Chain(s.gateway.Handler(),
		Recovery(s.logger),
		RequestLogger(s.logger),
		OTelTracing(),
	)

	// WriteTimeout 必须保持 0：SSE 转发的持续时间由每次上游尝试的超时约束
	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.ReadTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)

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
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	// 1. 关闭 HTTP 服务器，停止接收新请求
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 2. 关闭 Metrics 服务器
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 3. 停止网关后台循环并排空指标缓冲
	if s.gateway != nil {
		if err := s.gateway.Close(ctx); err != nil {
			s.logger.Error("Gateway shutdown error", zap.Error(err))
		}
	}

	// 4. 关闭遥测
	if s.otelProviders != nil {
		if err := s.otelProviders.Shutdown(ctx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown complete")
}
