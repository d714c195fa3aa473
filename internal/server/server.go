package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/coachpay/internal/config"
	"github.com/smallbiznis/coachpay/internal/notification"
	"github.com/smallbiznis/coachpay/internal/observability"
	obsmiddleware "github.com/smallbiznis/coachpay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/coachpay/internal/observability/metrics"
	obstracing "github.com/smallbiznis/coachpay/internal/observability/tracing"
	"github.com/smallbiznis/coachpay/internal/outbox"
	paymentdomain "github.com/smallbiznis/coachpay/internal/payment/domain"
	"github.com/smallbiznis/coachpay/internal/ratelimit"
	"github.com/smallbiznis/coachpay/internal/scheduler"
	subscriptiondomain "github.com/smallbiznis/coachpay/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Module serves every route group from one process.
var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(ProvideBackgroundRunner),
	fx.Provide(NewServer),
	fx.Invoke(func(s *Server) {
		s.RegisterPaymentRoutes()
		s.RegisterInternalRoutes()
		s.RegisterAdminRoutes()
	}),
	fx.Invoke(RunHTTP),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func RunHTTP(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	addr := cfg.HTTPAddr
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
			go func() {
				log.Info("http server listening", zap.String("addr", addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server failed", zap.Error(err))
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

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	db              *gorm.DB
	log             *zap.Logger
	paymentSvc      paymentdomain.Service
	subscriptionSvc subscriptiondomain.Service
	notificationSvc *notification.Service
	outboxRepo      outbox.Repository
	paymentLimiter  *ratelimit.PaymentLimiter
	background      *BackgroundRunner
	obsMetrics      *obsmetrics.Metrics
	scheduler       *scheduler.Scheduler
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	DB              *gorm.DB
	Log             *zap.Logger
	PaymentSvc      paymentdomain.Service      `optional:"true"`
	SubscriptionSvc subscriptiondomain.Service `optional:"true"`
	NotificationSvc *notification.Service      `optional:"true"`
	OutboxRepo      outbox.Repository          `optional:"true"`
	PaymentLimiter  *ratelimit.PaymentLimiter  `optional:"true"`
	Background      *BackgroundRunner          `optional:"true"`
	ObsMetrics      *obsmetrics.Metrics        `optional:"true"`
	Scheduler       *scheduler.Scheduler       `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	registerValidations()

	background := p.Background
	if background == nil {
		background = NewBackgroundRunner(p.Log, defaultBackgroundWorkers, defaultBackgroundTimeout)
	}
	return &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		db:              p.DB,
		log:             p.Log.Named("server"),
		paymentSvc:      p.PaymentSvc,
		subscriptionSvc: p.SubscriptionSvc,
		notificationSvc: p.NotificationSvc,
		outboxRepo:      p.OutboxRepo,
		paymentLimiter:  p.PaymentLimiter,
		background:      background,
		obsMetrics:      p.ObsMetrics,
		scheduler:       p.Scheduler,
	}
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// RegisterPaymentRoutes serves checkout, callback, webhook and status polling.
func (s *Server) RegisterPaymentRoutes() {
	if s.paymentSvc == nil {
		s.log.Warn("payment service not provided, payment routes disabled")
		return
	}
	s.registerPaymentRoutes()
}

// RegisterInternalRoutes serves the notification endpoint used by other
// services with the service-role key.
func (s *Server) RegisterInternalRoutes() {
	if s.notificationSvc == nil {
		return
	}
	internal := s.engine.Group("/internal", s.ServiceRoleRequired())
	internal.POST("/notifications/invoice-email", s.SendInvoiceEmail)
}

func (s *Server) RegisterAdminRoutes() {
	admin := s.engine.Group("/admin", s.ServiceRoleRequired())

	if s.subscriptionSvc != nil {
		admin.GET("/subscriptions/:userId", s.GetSubscription)
		admin.POST("/subscriptions/:userId/renew", s.RenewSubscription)
		admin.POST("/subscriptions/:userId/cancel", s.CancelSubscription)
	}
	if s.outboxRepo != nil {
		admin.GET("/outbox/stats", s.GetOutboxStats)
	}
	admin.POST("/outbox/drain", s.DrainOutbox)
}
