package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// 🌐 HTTP 服务器管理器
// =============================================================================

// lifecycle 服务器生命周期状态，只能单向推进
type lifecycle int

const (
	lifecycleNew lifecycle = iota
	lifecycleRunning
	lifecycleStopped
)

// Config 服务器配置
type Config struct {
	// 监听地址
	Addr string `yaml:"addr" json:"addr"`

	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// 写入超时。注意：生成任务通过异步 API 提交，
	// 该超时只约束单个 HTTP 响应，不约束任务本身。
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// 空闲超时
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// 最大请求头大小
	MaxHeaderBytes int `yaml:"max_header_bytes" json:"max_header_bytes"`

	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// DefaultConfig 返回默认服务器配置
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    60 * time.Second,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: 30 * time.Second,
	}
}

// Manager 管理单个 http.Server 的监听、启动与优雅关闭。
// 生命周期单向推进：创建 -> 运行 -> 停止，停止后不可复用。
type Manager struct {
	server   *http.Server
	config   Config
	logger   *zap.Logger
	errCh    chan error
	baseCtx  context.Context
	stopBase context.CancelFunc

	mu       sync.RWMutex
	state    lifecycle
	listener net.Listener
}

// NewManager 创建服务器管理器
func NewManager(handler http.Handler, config Config, logger *zap.Logger) *Manager {
	// 关闭时取消 baseCtx，让长连接 handler（如事件流）感知停机
	baseCtx, stopBase := context.WithCancel(context.Background())

	readHeaderTimeout := config.ReadTimeout
	if readHeaderTimeout <= 0 || readHeaderTimeout > 10*time.Second {
		readHeaderTimeout = 10 * time.Second
	}

	srv := &http.Server{
		Addr:              config.Addr,
		Handler:           handler,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		MaxHeaderBytes:    config.MaxHeaderBytes,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	return &Manager{
		server:   srv,
		config:   config,
		logger:   logger.With(zap.String("component", "http_server")),
		errCh:    make(chan error, 1),
		baseCtx:  baseCtx,
		stopBase: stopBase,
	}
}

// =============================================================================
// 🎯 核心方法
// =============================================================================

// Start 启动服务器（非阻塞）
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case lifecycleRunning:
		return fmt.Errorf("server already started")
	case lifecycleStopped:
		return fmt.Errorf("server is closed")
	}

	listener, err := net.Listen("tcp", m.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.config.Addr, err)
	}

	m.listener = listener
	m.state = lifecycleRunning
	m.logger.Info("starting HTTP server", zap.String("addr", listener.Addr().String()))

	go func() {
		if err := m.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			m.logger.Error("HTTP server failed", zap.Error(err))
			select {
			case m.errCh <- err:
			default:
			}
		}
	}()

	return nil
}

// Shutdown 优雅关闭服务器，重复调用为空操作。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == lifecycleStopped {
		return nil
	}
	m.state = lifecycleStopped
	m.listener = nil

	m.logger.Info("shutting down HTTP server")
	m.stopBase()

	shutdownCtx, cancel := context.WithTimeout(ctx, m.config.ShutdownTimeout)
	defer cancel()

	if err := m.server.Shutdown(shutdownCtx); err != nil {
		m.logger.Error("HTTP server shutdown failed", zap.Error(err))
		return err
	}

	m.logger.Info("HTTP server stopped")
	return nil
}

// WaitForShutdown 阻塞等待 SIGINT/SIGTERM 或异步服务错误，
// 然后优雅关闭服务器。
func (m *Manager) WaitForShutdown() {
	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-sigCtx.Done():
		m.logger.Info("received shutdown signal")
	case err := <-m.errCh:
		if err != nil {
			m.logger.Error("server exited unexpectedly", zap.Error(err))
		}
	}

	if err := m.Shutdown(context.Background()); err != nil {
		m.logger.Error("shutdown error", zap.Error(err))
	}
}

// Errors returns asynchronous server errors.
func (m *Manager) Errors() <-chan error {
	return m.errCh
}

// =============================================================================
// 🔧 辅助方法
// =============================================================================

// Addr 返回配置的监听地址
func (m *Manager) Addr() string {
	return m.config.Addr
}

// BoundAddr 返回实际监听地址（Addr 为 :0 时有用）
func (m *Manager) BoundAddr() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr().String()
}

// IsRunning 检查服务器是否已停止之外的状态
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state != lifecycleStopped
}

// BaseContext 返回随服务器关闭而取消的根上下文
func (m *Manager) BaseContext() context.Context {
	return m.baseCtx
}
