package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/elee1766/godefrag/pkg/config"
	"github.com/elee1766/godefrag/pkg/handlers"
	"github.com/elee1766/godefrag/pkg/history"
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

var Module = fx.Module("api",
	fx.Provide(
		NewServer,
		func(r *history.Recorder) handlers.Controller { return r },
		handlers.NewHealthHandler,
		handlers.NewSessionHandler,
		handlers.NewEventsHandler,
		handlers.NewHistoryHandler,
	),
	fx.Invoke(registerHooks),
)

type Server struct {
	http   *http.Server
	logger *slog.Logger
	// cancel ends long-lived requests such as event streams on shutdown.
	cancel context.CancelFunc
}

type HandlerParams struct {
	fx.In

	Health  *handlers.HealthHandler
	Session *handlers.SessionHandler
	Events  *handlers.EventsHandler
	History *handlers.HistoryHandler
}

type ServerParams struct {
	fx.In

	Config   *config.Config
	Logger   *slog.Logger
	Handlers HandlerParams
}

func NewServer(p ServerParams) *Server {
	logger := p.Logger.With("component", "api")

	if p.Config.LogLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := NewRouter(logger, p.Handlers)

	router.Any("/debug/pprof/*name", pprofHandler)
	logger.Info("pprof endpoints enabled at /debug/pprof/")

	// h2c so event streams multiplex over one cleartext connection
	h2cHandler := h2c.NewHandler(router, &http2.Server{})

	base, cancel := context.WithCancel(context.Background())
	return &Server{
		http: &http.Server{
			Addr:        p.Config.APIAddress,
			Handler:     h2cHandler,
			BaseContext: func(net.Listener) context.Context { return base },
		},
		logger: logger,
		cancel: cancel,
	}
}

// NewRouter routes the session, history and health endpoints.
func NewRouter(logger *slog.Logger, h HandlerParams) *gin.Engine {
	gin.EnableJsonDecoderDisallowUnknownFields()

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	rg := r.Group("/")
	h.Health.AddRoutes(rg)
	h.Session.AddRoutes(rg)
	h.Events.AddRoutes(rg)
	h.History.AddRoutes(rg)
	return r
}

// requestLogger logs each request through slog instead of gin's writer.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func pprofHandler(c *gin.Context) {
	switch strings.TrimPrefix(c.Param("name"), "/") {
	case "cmdline":
		pprof.Cmdline(c.Writer, c.Request)
	case "profile":
		pprof.Profile(c.Writer, c.Request)
	case "symbol":
		pprof.Symbol(c.Writer, c.Request)
	case "trace":
		pprof.Trace(c.Writer, c.Request)
	default:
		pprof.Index(c.Writer, c.Request)
	}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func registerHooks(lc fx.Lifecycle, s *Server) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", s.http.Addr)
			if err != nil {
				return err
			}
			go func() {
				s.logger.Info("starting api server", "address", ln.Addr().String())
				if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					s.logger.Error("api server error", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			s.logger.Info("stopping api server")
			s.cancel()
			return s.http.Shutdown(ctx)
		},
	})
}
