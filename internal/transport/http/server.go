package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"stockdeck/internal/gateway/marketdata"
	"stockdeck/internal/pipeline"
	"stockdeck/internal/store"
	"stockdeck/internal/transport/http/preset"

	"github.com/gin-gonic/gin"
)

// Config HTTP 服务配置。
type Config struct {
	Addr        string
	Pipe        *pipeline.Pipeline
	Gateway     *marketdata.Client
	Store       store.SnapshotStore
	Hub         *Hub
	PresetsPath string
}

// Server 对外 REST + WebSocket 服务。
type Server struct {
	addr   string
	pipe   *pipeline.Pipeline
	gw     *marketdata.Client
	st     store.SnapshotStore
	hub    *Hub
	router *gin.Engine
}

// NewServer 创建 HTTP 服务。
func NewServer(cfg Config) (*Server, error) {
	if cfg.Pipe == nil {
		return nil, fmt.Errorf("pipeline 不能为空")
	}

	addr := cfg.Addr
	if addr == "" {
		addr = ":8089"
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		addr:   addr,
		pipe:   cfg.Pipe,
		gw:     cfg.Gateway,
		st:     cfg.Store,
		hub:    cfg.Hub,
		router: router,
	}
	s.registerRoutes(cfg.PresetsPath)
	return s, nil
}

func (s *Server) registerRoutes(presetsPath string) {
	api := s.router.Group("/api/v1")
	api.GET("/series", s.handleSeries)
	api.GET("/series/tail", s.handleSeriesTail)
	api.PUT("/context", s.handleSetContext)
	api.POST("/refresh", s.handleRefresh)
	api.PUT("/indicators", s.handleIndicators)
	api.PUT("/events", s.handleEvents)
	api.GET("/overlays", s.handleOverlays)
	api.GET("/stats", s.handleStats)

	if presetsPath != "" {
		preset.NewRouter(presetsPath, s.pipe).Register(api.Group("/presets"))
	}
	if s.hub != nil {
		s.router.GET("/ws", s.hub.Handle)
	}
}

// Router 暴露底层引擎,测试用。
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start 运行 HTTP 服务,上下文取消时优雅退出。
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
