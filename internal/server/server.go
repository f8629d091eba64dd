package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/orderledger/internal/config"
	"github.com/smallbiznis/orderledger/internal/observability"
	obsmiddleware "github.com/smallbiznis/orderledger/internal/observability/logger"
	obstracing "github.com/smallbiznis/orderledger/internal/observability/tracing"
	orderdomain "github.com/smallbiznis/orderledger/internal/ordersession/domain"
	referraldomain "github.com/smallbiznis/orderledger/internal/referral/domain"
	webhookdomain "github.com/smallbiznis/orderledger/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config) *gin.Engine {
	return NewEngine(obsCfg)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
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
	engine    *gin.Engine
	cfg       config.Config
	log       *zap.Logger
	webhooks  webhookdomain.Service
	sessions  orderdomain.Service
	referrals referraldomain.Service
}

type ServerParams struct {
	fx.In

	Engine    *gin.Engine
	Cfg       config.Config
	Log       *zap.Logger
	Webhooks  webhookdomain.Service
	Sessions  orderdomain.Service
	Referrals referraldomain.Service
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:    p.Engine,
		cfg:       p.Cfg,
		log:       p.Log.Named("http.server"),
		webhooks:  p.Webhooks,
		sessions:  p.Sessions,
		referrals: p.Referrals,
	}

	s.registerWebhookRoutes()
	s.registerInternalRoutes()

	return s
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerWebhookRoutes() {
	hooks := s.engine.Group("/webhooks")
	hooks.POST("/:provider/:webhookKey", s.HandleProviderWebhook)
	hooks.GET("/:provider/:webhookKey", s.HandleProviderWebhook)
}

func (s *Server) registerInternalRoutes() {
	internal := s.engine.Group("/internal", s.InternalTokenRequired())

	internal.POST("/sales", s.CreateSale)
	internal.POST("/sales/cancel-latest", s.CancelLatestSale)

	internal.GET("/order-sessions/:id", s.GetOrderSession)
	internal.POST("/order-sessions/:id/reserve", s.ReserveOrderPoints)
	internal.POST("/order-sessions/:id/release", s.ReleaseOrderPoints)
	internal.POST("/order-sessions/:id/consume", s.ConsumeOrderPoints)

	internal.POST("/referrals/claims", s.CreateReferralClaim)

	internal.GET("/webhook-events/:id", s.GetWebhookEvent)
	internal.POST("/webhook-events/:id/retry", s.RetryWebhookEvent)
}
