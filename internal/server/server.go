package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/creditflow/internal/account"
	accountdomain "github.com/smallbiznis/creditflow/internal/account/domain"
	"github.com/smallbiznis/creditflow/internal/config"
	"github.com/smallbiznis/creditflow/internal/costpolicy"
	"github.com/smallbiznis/creditflow/internal/gateway"
	gatewaydomain "github.com/smallbiznis/creditflow/internal/gateway/domain"
	"github.com/smallbiznis/creditflow/internal/ledger"
	ledgerdomain "github.com/smallbiznis/creditflow/internal/ledger/domain"
	"github.com/smallbiznis/creditflow/internal/observability"
	obslogger "github.com/smallbiznis/creditflow/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditflow/internal/observability/metrics"
	obstracing "github.com/smallbiznis/creditflow/internal/observability/tracing"
	"github.com/smallbiznis/creditflow/internal/purchase"
	"github.com/smallbiznis/creditflow/internal/ratelimit"
	"github.com/smallbiznis/creditflow/internal/referral"
	referraldomain "github.com/smallbiznis/creditflow/internal/referral/domain"
	"github.com/smallbiznis/creditflow/internal/subscription"
	subscriptiondomain "github.com/smallbiznis/creditflow/internal/subscription/domain"
	"github.com/smallbiznis/creditflow/internal/webhook"
	webhookdomain "github.com/smallbiznis/creditflow/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Domains groups the services the HTTP layer depends on. The scheduler and
// CLI reuse it without the server.
var Domains = fx.Options(
	costpolicy.Module,
	ledger.Module,
	account.Module,
	subscription.Module,
	purchase.Module,
	referral.Module,
	webhook.Module,
	gateway.Module,
	ratelimit.Module,
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
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

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, _ *Server, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
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
	accountSvc      accountdomain.Service
	ledgerSvc       ledgerdomain.Service
	gatewaySvc      gatewaydomain.Service
	subscriptionSvc subscriptiondomain.Service
	referralSvc     referraldomain.Service
	webhookSvc      webhookdomain.Service
	costPolicy      *costpolicy.Policy
	limiter         *ratelimit.Limiter
	obsMetrics      *obsmetrics.Metrics
	provisionGroup  singleflight.Group
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	AccountSvc      accountdomain.Service
	LedgerSvc       ledgerdomain.Service
	GatewaySvc      gatewaydomain.Service
	SubscriptionSvc subscriptiondomain.Service
	ReferralSvc     referraldomain.Service
	WebhookSvc      webhookdomain.Service
	CostPolicy      *costpolicy.Policy
	Limiter         *ratelimit.Limiter  `optional:"true"`
	ObsMetrics      *obsmetrics.Metrics `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		accountSvc:      p.AccountSvc,
		ledgerSvc:       p.LedgerSvc,
		gatewaySvc:      p.GatewaySvc,
		subscriptionSvc: p.SubscriptionSvc,
		referralSvc:     p.ReferralSvc,
		webhookSvc:      p.WebhookSvc,
		costPolicy:      p.CostPolicy,
		limiter:         p.Limiter,
		obsMetrics:      p.ObsMetrics,
	}

	svc.registerPublicRoutes()
	svc.registerAPIRoutes()
	svc.registerWebhookRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerPublicRoutes() {
	s.engine.GET("/v1/credits/costs", s.CreditCosts)
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/v1", s.AuthRequired())

	api.POST("/metered", s.MeteredRateLimit(), s.Metered)
	api.POST("/credits/deduct", s.DeductCredits)
	api.GET("/credits/usage", s.CreditUsage)
	api.GET("/credits/history", s.CreditHistory)

	api.GET("/profile", s.GetProfile)

	api.POST("/referrals/apply", s.ApplyReferral)
	api.GET("/referrals/stats", s.ReferralStats)
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/:provider", s.HandleWebhook)
}
