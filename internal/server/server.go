package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/creditmeter/internal/cloudmetrics"
	"github.com/smallbiznis/creditmeter/internal/config"
	"github.com/smallbiznis/creditmeter/internal/ledger"
	ledgerdomain "github.com/smallbiznis/creditmeter/internal/ledger/domain"
	"github.com/smallbiznis/creditmeter/internal/monitor"
	monitordomain "github.com/smallbiznis/creditmeter/internal/monitor/domain"
	"github.com/smallbiznis/creditmeter/internal/observability"
	obsmiddleware "github.com/smallbiznis/creditmeter/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditmeter/internal/observability/metrics"
	obstracing "github.com/smallbiznis/creditmeter/internal/observability/tracing"
	"github.com/smallbiznis/creditmeter/internal/preflight"
	preflightdomain "github.com/smallbiznis/creditmeter/internal/preflight/domain"
	"github.com/smallbiznis/creditmeter/internal/pricing"
	"github.com/smallbiznis/creditmeter/internal/purchase"
	purchasedomain "github.com/smallbiznis/creditmeter/internal/purchase/domain"
	"github.com/smallbiznis/creditmeter/internal/ratelimit"
	"github.com/smallbiznis/creditmeter/internal/reconcile"
	"github.com/smallbiznis/creditmeter/internal/usage"
	usagedomain "github.com/smallbiznis/creditmeter/internal/usage/domain"
	"github.com/smallbiznis/creditmeter/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	cloudmetrics.Module,
	db.RedisModule,
	fx.Provide(registerGin),
	pricing.Module,
	ledger.Module,
	usage.Module,
	preflight.Module,
	monitor.Module,
	purchase.Module,
	reconcile.Module,
	ratelimit.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

type EngineParams struct {
	fx.In

	ObsCfg      observability.Config
	HTTPMetrics *obsmetrics.HTTPMetrics `optional:"true"`
	Accounting  *prometheus.Registry    `optional:"true"`
}

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics, gatherers ...prometheus.Gatherer) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	if httpMetrics != nil {
		r.Use(obsmetrics.GinMiddleware(httpMetrics))
	}
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	metricsGatherers := prometheus.Gatherers{prometheus.DefaultGatherer}
	metricsGatherers = append(metricsGatherers, gatherers...)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metricsGatherers, promhttp.HandlerOpts{})))

	return r
}

func registerGin(p EngineParams) *gin.Engine {
	if p.Accounting == nil {
		return NewEngine(p.ObsCfg, p.HTTPMetrics)
	}
	return NewEngine(p.ObsCfg, p.HTTPMetrics, p.Accounting)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	addr := ":" + strings.TrimPrefix(strings.TrimSpace(cfg.HTTPPort), ":")
	if addr == ":" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.String("addr", addr), zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine       *gin.Engine
	cfg          config.Config
	ledgerSvc    ledgerdomain.Service
	usagesvc     usagedomain.Service
	preflightSvc preflightdomain.Service
	monitors     monitordomain.Manager
	purchaseSvc  purchasedomain.Service
	obsMetrics   *obsmetrics.Metrics
	usageLimiter *ratelimit.UsageIngestLimiter
}

type ServerParams struct {
	fx.In

	Gin          *gin.Engine
	Cfg          config.Config
	LedgerSvc    ledgerdomain.Service
	Usagesvc     usagedomain.Service
	PreflightSvc preflightdomain.Service
	Monitors     monitordomain.Manager
	PurchaseSvc  purchasedomain.Service
	ObsMetrics   *obsmetrics.Metrics           `optional:"true"`
	UsageLimiter *ratelimit.UsageIngestLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:       p.Gin,
		cfg:          p.Cfg,
		ledgerSvc:    p.LedgerSvc,
		usagesvc:     p.Usagesvc,
		preflightSvc: p.PreflightSvc,
		monitors:     p.Monitors,
		purchaseSvc:  p.PurchaseSvc,
		obsMetrics:   p.ObsMetrics,
		usageLimiter: p.UsageLimiter,
	}

	svc.registerAPIRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/v1")

	// -------- Usage --------
	api.POST("/usage", s.UsageIngestRateLimit(), s.RecordUsage)

	// -------- Preflight & reservations --------
	api.POST("/preflight", s.Preflight)
	api.POST("/reservations", s.CreateReservation)
	api.DELETE("/reservations/:id", s.ReleaseReservation)

	// -------- Purchases --------
	api.POST("/purchases", s.ConfirmPurchase)
	api.POST("/refunds", s.ConfirmRefund)

	// -------- Accounts --------
	api.GET("/accounts/:id/balance", s.GetBalance)
	api.GET("/accounts/:id/transactions", s.ListTransactions)

	// -------- Live sessions --------
	api.POST("/sessions", s.StartSession)
	api.GET("/sessions/:id", s.GetSession)
	api.DELETE("/sessions/:id", s.StopSession)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
