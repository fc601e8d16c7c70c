package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"golang.org/x/net/http2"
	"golang.org/x/time/rate"

	"github.com/dray-io/ttlmerge/internal/engine"
	"github.com/dray-io/ttlmerge/internal/logging"
	"github.com/dray-io/ttlmerge/internal/part"
	"github.com/dray-io/ttlmerge/internal/replication"
	"github.com/dray-io/ttlmerge/internal/table"
	"github.com/dray-io/ttlmerge/internal/ttl"
)

// Engine is the replica surface the admin API drives.
type Engine interface {
	ID() string
	Tables() []string
	CreateTable(ctx context.Context, def table.Definition, rules ttl.RuleSet) error
	AttachTable(ctx context.Context, name string) error
	Definition(ctx context.Context, tableName string) (*table.Definition, error)
	DefineTTLRules(ctx context.Context, tableName string, rules ttl.RuleSet) (ttl.Version, error)
	AddColumn(ctx context.Context, tableName string, col part.Column) error
	Insert(ctx context.Context, tableName string, rows []part.Row) ([]string, error)
	Rows(ctx context.Context, tableName, partition string) ([]part.Row, error)
	ForceOptimize(ctx context.Context, tableName string, req engine.OptimizeRequest) (*engine.OptimizeResult, error)
	StopTTLMerges(tableName string)
	StartTTLMerges(tableName string)
	StopFetches(tableName string) error
	StartFetches(tableName string) error
	SyncReplica(ctx context.Context, tableName string) error
	Status(ctx context.Context, tableName string) (*engine.Status, error)
	Queue(tableName string) ([]replication.EntryStatus, error)
	ActiveParts(ctx context.Context, tableName string) ([]*part.Meta, error)
}

// AdminConfig configures the admin API.
type AdminConfig struct {
	Addr string

	// OptimizeRate and OptimizeBurst limit forced merges per client IP.
	OptimizeRate  rate.Limit
	OptimizeBurst int

	// SyncTimeout caps a sync request that does not pass its own timeout.
	SyncTimeout time.Duration

	Logger *logging.Logger
}

// AdminServer is the HTTP admin API of one replica.
type AdminServer struct {
	cfg    AdminConfig
	engine Engine
	logger *logging.Logger
	echo   *echo.Echo

	mu        sync.RWMutex
	boundAddr string
}

type customValidator struct {
	validator *validator.Validate
}

func (cv *customValidator) Validate(i any) error {
	if err := cv.validator.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

// NewAdminServer builds the routes. Call Start to listen, or use Handler.
func NewAdminServer(eng Engine, cfg AdminConfig) *AdminServer {
	if cfg.OptimizeRate == 0 {
		cfg.OptimizeRate = rate.Every(time.Second)
	}
	if cfg.OptimizeBurst <= 0 {
		cfg.OptimizeBurst = 5
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = time.Minute
	}
	s := &AdminServer{
		cfg:    cfg,
		engine: eng,
		logger: logging.OrGlobal(cfg.Logger).With(map[string]any{"replica": eng.ID()}),
		echo:   echo.New(),
	}
	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.Validator = &customValidator{validator: validator.New()}
	e.HTTPErrorHandler = s.handleError
	e.Use(s.createReqContext)
	e.Use(s.logRequests)

	limiter := newIPLimiter(cfg.OptimizeRate, cfg.OptimizeBurst)

	g := e.Group("/admin")
	g.GET("/tables", s.listTables)
	g.POST("/tables", s.createTable)
	g.POST("/tables/:table/attach", s.attachTable)
	g.GET("/tables/:table", s.describeTable)
	g.GET("/tables/:table/status", s.tableStatus)
	g.GET("/tables/:table/queue", s.tableQueue)
	g.GET("/tables/:table/parts", s.tableParts)
	g.GET("/tables/:table/rows", s.readRows)
	g.POST("/tables/:table/rows", s.insertRows)
	g.PUT("/tables/:table/ttl", s.defineRules)
	g.POST("/tables/:table/columns", s.addColumn)
	g.POST("/tables/:table/optimize", s.optimize, limiter.middleware)
	g.POST("/tables/:table/merges/stop", s.stopMerges)
	g.POST("/tables/:table/merges/start", s.startMerges)
	g.POST("/tables/:table/fetches/stop", s.stopFetches)
	g.POST("/tables/:table/fetches/start", s.startFetches)
	g.POST("/tables/:table/sync", s.syncReplica)
	return s
}

// Handler returns the routes without binding a listener.
func (s *AdminServer) Handler() http.Handler { return s.echo }

// Start binds the listener and serves h2c in the background.
func (s *AdminServer) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.boundAddr = ln.Addr().String()
	s.mu.Unlock()

	s.echo.Listener = ln
	s.logger.Infof("admin server listening", map[string]any{"addr": ln.Addr().String()})
	go func() {
		err := s.echo.StartH2CServer("", &http2.Server{})
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("admin server failed", map[string]any{"error": err.Error()})
		}
	}()
	return nil
}

// Addr returns the bound address once started, the configured one before.
func (s *AdminServer) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.boundAddr != "" {
		return s.boundAddr
	}
	return s.cfg.Addr
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *AdminServer) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// reqContext carries the request ID and the request-scoped logger.
type reqContext struct {
	echo.Context
	RequestID string
	Logger    *logging.Logger
}

const headerRequestID = "X-Request-Id"

func (s *AdminServer) createReqContext(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		reqID := c.Request().Header.Get(headerRequestID)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		logger := s.logger.WithCorrelationID(reqID)
		ctx := logging.WithCorrelationIDCtx(c.Request().Context(), reqID)
		ctx = logging.WithLoggerCtx(ctx, logger)
		c.SetRequest(c.Request().WithContext(ctx))
		c.Response().Header().Set(headerRequestID, reqID)
		return next(&reqContext{Context: c, RequestID: reqID, Logger: logger})
	}
}

func (s *AdminServer) logRequests(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		if err := next(c); err != nil {
			c.Error(err)
		}
		req := c.Request()
		logging.FromCtx(req.Context()).Debugf("admin request", map[string]any{
			"method":    req.Method,
			"path":      c.Path(),
			"uri":       req.RequestURI,
			"status":    c.Response().Status,
			"latencyMs": time.Since(start).Milliseconds(),
			"remoteIp":  c.RealIP(),
			"bytesOut":  c.Response().Size,
		})
		return nil
	}
}

// bindAndValidate decodes the body into v and runs the struct validator.
func bindAndValidate(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.Validate(v)
}

// ipLimiter keeps one token bucket per client IP.
type ipLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newIPLimiter(limit rate.Limit, burst int) *ipLimiter {
	return &ipLimiter{limiters: make(map[string]*rate.Limiter), limit: limit, burst: burst}
}

func (l *ipLimiter) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[ip] = lim
	}
	return lim
}

func (l *ipLimiter) middleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !l.get(c.RealIP()).Allow() {
			return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
		}
		return next(c)
	}
}
