package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	auditdomain "github.com/smallbiznis/duka/internal/audit/domain"
	"github.com/smallbiznis/duka/internal/authorization"
	"github.com/smallbiznis/duka/internal/config"
	deliverydomain "github.com/smallbiznis/duka/internal/delivery/domain"
	"github.com/smallbiznis/duka/internal/observability"
	obsmiddleware "github.com/smallbiznis/duka/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/duka/internal/observability/metrics"
	obstracing "github.com/smallbiznis/duka/internal/observability/tracing"
	operatordomain "github.com/smallbiznis/duka/internal/operator/domain"
	orderdomain "github.com/smallbiznis/duka/internal/order/domain"
	paymentdomain "github.com/smallbiznis/duka/internal/payment/domain"
	"github.com/smallbiznis/duka/internal/payment/webhook"
	"github.com/smallbiznis/duka/internal/ratelimit"
	"github.com/smallbiznis/duka/internal/scheduler"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(provideSweeper),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	if httpMetrics != nil {
		r.Use(httpMetrics.GinMiddleware())
	}
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func provideSweeper(s *scheduler.Scheduler) Sweeper {
	return s
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	addr := strings.TrimSpace(cfg.HTTPAddr)
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server listening", zap.String("addr", addr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

// Sweeper runs the reconcile and expire sweeps for the cron routes.
type Sweeper interface {
	Reconcile(ctx context.Context, opts scheduler.ReconcileOptions) (scheduler.Sweep[scheduler.ReconcileResult], error)
	Expire(ctx context.Context) (scheduler.Sweep[scheduler.ExpireResult], error)
}

type Server struct {
	engine         *gin.Engine
	cfg            config.Config
	orderSvc       orderdomain.Service
	paymentSvc     paymentdomain.Service
	webhookSvc     *webhook.Service
	deliverySvc    deliverydomain.Service
	operators      operatordomain.Service
	authzSvc       authorization.Service
	auditSvc       auditdomain.Service
	paymentLimiter *ratelimit.PaymentLimiter
	sweeper        Sweeper
}

type ServerParams struct {
	fx.In

	Gin            *gin.Engine
	Cfg            config.Config
	OrderSvc       orderdomain.Service
	PaymentSvc     paymentdomain.Service
	WebhookSvc     *webhook.Service
	DeliverySvc    deliverydomain.Service
	Operators      operatordomain.Service
	AuthzSvc       authorization.Service
	AuditSvc       auditdomain.Service
	PaymentLimiter *ratelimit.PaymentLimiter `optional:"true"`
	Sweeper        Sweeper
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:         p.Gin,
		cfg:            p.Cfg,
		orderSvc:       p.OrderSvc,
		paymentSvc:     p.PaymentSvc,
		webhookSvc:     p.WebhookSvc,
		deliverySvc:    p.DeliverySvc,
		operators:      p.Operators,
		authzSvc:       p.AuthzSvc,
		auditSvc:       p.AuditSvc,
		paymentLimiter: p.PaymentLimiter,
		sweeper:        p.Sweeper,
	}

	svc.registerAPIRoutes()
	svc.registerAdminRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	// -------- Storefront payments --------
	api.POST("/payments/stk", s.STKRateLimit(), s.InitiateSTKPush)
	api.GET("/orders/:id/payment", s.GetOrderPayment)

	// -------- Gateway callbacks --------
	api.POST("/payments/callbacks/stk", s.HandleSTKCallback)
	api.POST("/payments/c2b/validation", s.HandleC2BValidation)
	api.POST("/payments/c2b/confirmation", s.HandleC2BConfirmation)

	// -------- Cron --------
	cron := api.Group("/cron", s.CronAuthRequired())
	{
		cron.GET("/reconcile", s.RunReconcile)
		cron.POST("/reconcile", s.RunReconcile)
		cron.GET("/expire", s.RunExpire)
		cron.POST("/expire", s.RunExpire)
	}

	// -------- Delivery --------
	api.GET("/delivery/quote", s.GetDeliveryQuote)
	api.GET("/delivery/zones", s.ListDeliveryZones)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin")
	admin.Use(s.OperatorAuthRequired())

	admin.POST("/orders/:id/payment-override", s.OverrideOrderPayment)
	admin.GET("/orders/:id/audit-logs", s.authorizeOperatorAction(authorization.ObjectAuditLog, authorization.ActionAuditLogView), s.ListOrderAuditLogs)

	admin.GET("/delivery/zones", s.ListDeliveryZones)
	admin.POST("/delivery/zones", s.CreateDeliveryZone)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
