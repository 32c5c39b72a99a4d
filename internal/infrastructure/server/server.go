// Package server wires the kernel host into its HTTP and gRPC front ends.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apihttp "github.com/GriffinCanCode/capkernel/internal/api/http"
	"github.com/GriffinCanCode/capkernel/internal/api/middleware"
	"github.com/GriffinCanCode/capkernel/internal/api/ws"
	kgrpc "github.com/GriffinCanCode/capkernel/internal/grpc"
	"github.com/GriffinCanCode/capkernel/internal/infrastructure/config"
	"github.com/GriffinCanCode/capkernel/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/capkernel/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/capkernel/internal/logging"
	"github.com/GriffinCanCode/capkernel/internal/service"
)

// Options shape the HTTP router.
type Options struct {
	Development bool
	CORS        middleware.CORSConfig
	// RateLimit is applied per client when set.
	RateLimit *middleware.RateLimitConfig
	// Peers are other instances polled by /metrics/json.
	Peers []string
}

// NewRouter builds the HTTP API for host. metrics and tracer may be nil.
func NewRouter(host *service.Host, metrics *monitoring.Metrics, tracer *tracing.Tracer, log *zap.Logger, opts Options) *gin.Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if tracer == nil {
		tracer = tracing.New("capkernel-http", log)
	}
	if !opts.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(log.Named("http")))
	router.Use(tracing.HTTPMiddleware(tracer))
	if metrics != nil {
		router.Use(monitoring.Middleware(metrics))
	}
	if opts.CORS.AllowOrigins != nil {
		router.Use(middleware.CORS(opts.CORS))
	}
	if opts.RateLimit != nil {
		router.Use(middleware.RateLimit(*opts.RateLimit))
	}

	handlers := apihttp.NewHandlers(host, apihttp.NewHandlerMetrics(metrics), tracer, log)
	console := ws.NewHandler(host, metrics, log.Named("console"))
	aggregator := apihttp.NewMetricsAggregator(metrics, host, opts.Peers...)

	router.GET("/", handlers.Root)
	router.GET("/health", handlers.Health)

	k := router.Group("/kernel")
	k.GET("/state", handlers.GetState)
	k.GET("/slots", handlers.ListSlots)
	k.GET("/threads/:tid", handlers.GetThread)
	k.POST("/threads/:tid/syscall", handlers.Syscall)
	k.POST("/tick", handlers.Tick)
	k.POST("/irq/:irq", handlers.RaiseIRQ)
	k.GET("/scheduler/stats", handlers.GetSchedulerStats)
	k.POST("/snapshots", handlers.SaveSnapshot)
	k.GET("/snapshots", handlers.ListSnapshots)
	k.GET("/snapshot", handlers.GetSnapshot)

	router.GET("/console", console.HandleConnection)

	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	router.GET("/metrics/json", aggregator.GetAggregatedMetrics)
	return router
}

// Server runs the HTTP and gRPC front ends of one host.
type Server struct {
	cfg    *config.Config
	host   *service.Host
	log    *logging.Logger
	router *gin.Engine
	grpc   *kgrpc.Server
}

// NewServer creates the front ends described by cfg.
func NewServer(cfg *config.Config, host *service.Host, metrics *monitoring.Metrics, log *logging.Logger) *Server {
	tracer := tracing.New("capkernel", log.Logger)
	opts := Options{
		Development: cfg.Logging.Development,
		CORS:        middleware.DefaultCORSConfig(),
		Peers:       cfg.Server.MetricsPeers,
	}
	if cfg.RateLimit.Enabled {
		log.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		rl := middleware.DefaultRateLimitConfig()
		rl.RequestsPerSecond, rl.Burst = cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst
		opts.RateLimit = &rl
	}
	s := &Server{
		cfg:    cfg,
		host:   host,
		log:    log,
		router: NewRouter(host, metrics, tracer, log.Logger, opts),
	}
	if cfg.GRPC.Enabled {
		s.grpc = kgrpc.NewServer(host, metrics, tracer, log.Named("grpc"))
	}
	return s
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler { return s.router }

// Run listens on the configured addresses and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	httpLis, err := net.Listen("tcp", s.cfg.Server.Addr())
	if err != nil {
		return err
	}
	var grpcLis net.Listener
	if s.grpc != nil {
		if grpcLis, err = net.Listen("tcp", s.cfg.GRPC.Address); err != nil {
			httpLis.Close()
			return err
		}
	}
	return s.Serve(ctx, httpLis, grpcLis)
}

// Serve serves on the given listeners until ctx is done, then shuts both
// down. grpcLis may be nil when gRPC is disabled.
func (s *Server) Serve(ctx context.Context, httpLis, grpcLis net.Listener) error {
	srv := &http.Server{Handler: s.router}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("Starting HTTP server", zap.String("addr", httpLis.Addr().String()))
		if err := srv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if s.grpc != nil && grpcLis != nil {
		g.Go(func() error {
			return s.grpc.Serve(grpcLis)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		s.log.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		if s.grpc != nil {
			s.grpc.Stop()
		}
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	_ = s.log.Sync()
	return err
}
