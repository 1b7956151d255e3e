package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/patronage/internal/catalog"
	catalogdomain "github.com/smallbiznis/patronage/internal/catalog/domain"
	"github.com/smallbiznis/patronage/internal/clock"
	"github.com/smallbiznis/patronage/internal/config"
	"github.com/smallbiznis/patronage/internal/customer"
	customerdomain "github.com/smallbiznis/patronage/internal/customer/domain"
	"github.com/smallbiznis/patronage/internal/entitlement"
	entitlementdomain "github.com/smallbiznis/patronage/internal/entitlement/domain"
	"github.com/smallbiznis/patronage/internal/ledger"
	ledgerdomain "github.com/smallbiznis/patronage/internal/ledger/domain"
	"github.com/smallbiznis/patronage/internal/observability"
	obsmiddleware "github.com/smallbiznis/patronage/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/patronage/internal/observability/metrics"
	obstracing "github.com/smallbiznis/patronage/internal/observability/tracing"
	"github.com/smallbiznis/patronage/internal/payment"
	paymentdomain "github.com/smallbiznis/patronage/internal/payment/domain"
	"github.com/smallbiznis/patronage/internal/ratelimit"
	"github.com/smallbiznis/patronage/internal/subscription"
	subscriptiondomain "github.com/smallbiznis/patronage/internal/subscription/domain"
	"github.com/smallbiznis/patronage/internal/user"
	userdomain "github.com/smallbiznis/patronage/internal/user/domain"
	"github.com/smallbiznis/patronage/internal/webhook"
	webhookdomain "github.com/smallbiznis/patronage/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const maxAPIBodyBytes = 1 << 20

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	user.Module,
	customer.Module,
	catalog.Module,
	subscription.Module,
	ledger.Module,
	webhook.Module,
	entitlement.Module,
	payment.Module,
	ratelimit.Module,
	fx.Provide(NewServer),
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
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
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

func run(lc fx.Lifecycle, s *Server, log *zap.Logger) {
	srv := &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.String("addr", srv.Addr), zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", srv.Addr))
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
	clock           clock.Clock
	log             *zap.Logger
	userSvc         userdomain.Service
	customerSvc     customerdomain.Service
	catalogSvc      catalogdomain.Service
	subscriptionSvc subscriptiondomain.Service
	ledgerSvc       ledgerdomain.Service
	entitlementSvc  entitlementdomain.Service
	paymentSvc      paymentdomain.Service
	webhookSvc      webhookdomain.Service
	ppvLimiter      *ratelimit.PayPerViewLimiter
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	Clock           clock.Clock
	Log             *zap.Logger
	UserSvc         userdomain.Service
	CustomerSvc     customerdomain.Service
	CatalogSvc      catalogdomain.Service
	SubscriptionSvc subscriptiondomain.Service
	LedgerSvc       ledgerdomain.Service
	EntitlementSvc  entitlementdomain.Service
	PaymentSvc      paymentdomain.Service
	WebhookSvc      webhookdomain.Service
	PPVLimiter      *ratelimit.PayPerViewLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		clock:           p.Clock,
		log:             p.Log.Named("http.server"),
		userSvc:         p.UserSvc,
		customerSvc:     p.CustomerSvc,
		catalogSvc:      p.CatalogSvc,
		subscriptionSvc: p.SubscriptionSvc,
		ledgerSvc:       p.LedgerSvc,
		entitlementSvc:  p.EntitlementSvc,
		paymentSvc:      p.PaymentSvc,
		webhookSvc:      p.WebhookSvc,
		ppvLimiter:      p.PPVLimiter,
	}

	// The webhook route reads the raw body for signature checks, so it is
	// registered outside the /api group and its body middleware.
	svc.registerWebhookRoutes()
	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/billing", s.HandleBillingWebhook)
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api", LimitBody(maxAPIBodyBytes))

	// -------- Users --------
	api.POST("/users", s.CreateUser)
	api.GET("/users/:id", s.GetUser)
	api.GET("/users/:id/payment-methods", s.ListPaymentMethods)

	// -------- Creators --------
	api.PUT("/creators/:id/tiers", s.SetTier)
	api.GET("/creators/:id/tiers", s.ListTiers)
	api.DELETE("/creators/:id/tiers/:interval", s.DisableTier)
	api.GET("/creators/:id/subscriber-count", s.GetSubscriberCount)
	api.GET("/creators/:id/earnings", s.GetEarnings)
	api.POST("/creators/:id/earnings/reconcile", s.ReconcileEarnings)

	// -------- Subscriptions --------
	api.POST("/subscriptions", s.Subscribe)
	api.GET("/subscriptions/:id", s.GetSubscription)
	api.POST("/subscriptions/:id/cancel", s.CancelSubscription)
	api.GET("/subscribers/:id/subscriptions", s.ListSubscriberSubscriptions)

	// -------- Entitlements --------
	api.GET("/entitlements", s.CheckEntitlement)

	// -------- Payments --------
	api.POST("/payments/pay-per-view", s.CreatePayPerViewIntent)
}
