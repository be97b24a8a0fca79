package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"trend-grid-bot-go/internal/bot"
	"trend-grid-bot-go/internal/filter"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Controller is the part of the bot the control API drives.
type Controller interface {
	Status() bot.StatusView
	Filters() []filter.State
	Activate() bool
	Deactivate() bool
	SetTrigger(on bool) bool
	EnableFilter(name string) (bool, error)
	DisableFilter(name string) error
	EnableAllFilters() bool
	DisableAllFilters()
}

// Server 控制接口 HTTP 服务
type Server struct {
	router     *gin.Engine
	ctrl       Controller
	metrics    http.Handler
	httpServer *http.Server
	addr       string
	logger     *zap.Logger
}

// NewServer builds the router. metrics may be nil, in which case /metrics is not served.
func NewServer(addr string, ctrl Controller, metrics http.Handler, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	s := &Server{
		router:  router,
		ctrl:    ctrl,
		metrics: metrics,
		addr:    addr,
		logger:  logger,
	}
	s.setupRoutes()
	return s
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("api request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/status", s.handleStatus)

		api.GET("/filters", s.handleFilters)
		api.POST("/filters/enable-all", s.handleEnableAllFilters)
		api.POST("/filters/disable-all", s.handleDisableAllFilters)
		api.POST("/filters/:name/enable", s.handleEnableFilter)
		api.POST("/filters/:name/disable", s.handleDisableFilter)

		api.POST("/strategy/activate", s.handleActivate)
		api.POST("/strategy/deactivate", s.handleDeactivate)
		api.POST("/strategy/trigger", s.handleTrigger)
	}
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics))
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start 阻塞运行直到 Shutdown 被调用
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("控制接口已启动", zap.String("addr", s.addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleFilters(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"filters": s.ctrl.Filters()})
}

func (s *Server) handleEnableFilter(c *gin.Context) {
	name := c.Param("name")
	cancelled, err := s.ctrl.EnableFilter(name)
	if err != nil {
		s.filterError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"filter": name, "enabled": true, "orders_cancelled": cancelled})
}

func (s *Server) handleDisableFilter(c *gin.Context) {
	name := c.Param("name")
	if err := s.ctrl.DisableFilter(name); err != nil {
		s.filterError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"filter": name, "enabled": false})
}

func (s *Server) filterError(c *gin.Context, err error) {
	if errors.Is(err, filter.ErrUnknownFilter) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func (s *Server) handleEnableAllFilters(c *gin.Context) {
	cancelled := s.ctrl.EnableAllFilters()
	c.JSON(http.StatusOK, gin.H{"filters": s.ctrl.Filters(), "orders_cancelled": cancelled})
}

func (s *Server) handleDisableAllFilters(c *gin.Context) {
	s.ctrl.DisableAllFilters()
	c.JSON(http.StatusOK, gin.H{"filters": s.ctrl.Filters()})
}

func (s *Server) handleActivate(c *gin.Context) {
	s.override(c, "activate", s.ctrl.Activate())
}

func (s *Server) handleDeactivate(c *gin.Context) {
	s.override(c, "deactivate", s.ctrl.Deactivate())
}

type triggerRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (s *Server) handleTrigger(c *gin.Context) {
	var req triggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.override(c, "trigger", s.ctrl.SetTrigger(*req.Enabled))
}

// override 手动操作被拒绝 (INACTIVE 期间) 时返回 409
func (s *Server) override(c *gin.Context, action string, accepted bool) {
	st := s.ctrl.Status()
	if !accepted {
		c.JSON(http.StatusConflict, gin.H{
			"error":  action + " rejected while grid state is " + st.State.String(),
			"status": st,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"action": action, "status": st})
}
