package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/cloudact/quotagate/internal/billingsync"
	billingsyncdomain "github.com/cloudact/quotagate/internal/billingsync/domain"
	"github.com/cloudact/quotagate/internal/config"
	"github.com/cloudact/quotagate/internal/gate"
	gatedomain "github.com/cloudact/quotagate/internal/gate/domain"
	"github.com/cloudact/quotagate/internal/integration"
	integrationdomain "github.com/cloudact/quotagate/internal/integration/domain"
	"github.com/cloudact/quotagate/internal/observability"
	obsmiddleware "github.com/cloudact/quotagate/internal/observability/logger"
	obsmetrics "github.com/cloudact/quotagate/internal/observability/metrics"
	obstracing "github.com/cloudact/quotagate/internal/observability/tracing"
	"github.com/cloudact/quotagate/internal/organization"
	orgdomain "github.com/cloudact/quotagate/internal/organization/domain"
	"github.com/cloudact/quotagate/internal/pipeline"
	"github.com/cloudact/quotagate/internal/plan"
	"github.com/cloudact/quotagate/internal/quota"
	quotadomain "github.com/cloudact/quotagate/internal/quota/domain"
	"github.com/cloudact/quotagate/internal/ratelimit"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	plan.Module,
	quota.Module,
	pipeline.Module,
	gate.Module,
	billingsync.Module,
	integration.Module,
	organization.Module,
	ratelimit.Module,
	fx.Provide(NewServer),
	fx.Invoke(func(*Server) {}),
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
	r.Use(httpMetrics.GinMiddleware())
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

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
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

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	db              *gorm.DB
	genID           *snowflake.Node
	quotaSvc        quotadomain.Service
	gateSvc         gatedomain.Service
	billingSyncSvc  billingsyncdomain.Service
	integrationSvc  integrationdomain.Service
	organizationSvc orgdomain.Service
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	DB              *gorm.DB
	GenID           *snowflake.Node
	QuotaSvc        quotadomain.Service
	GateSvc         gatedomain.Service
	BillingSyncSvc  billingsyncdomain.Service
	IntegrationSvc  integrationdomain.Service
	OrganizationSvc orgdomain.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		db:              p.DB,
		genID:           p.GenID,
		quotaSvc:        p.QuotaSvc,
		gateSvc:         p.GateSvc,
		billingSyncSvc:  p.BillingSyncSvc,
		integrationSvc:  p.IntegrationSvc,
		organizationSvc: p.OrganizationSvc,
	}

	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	// -------- Organizations --------
	api.POST("/organizations", s.OnboardOrganization)
	api.GET("/organizations/current", OrgContext(), s.GetOrganization)
	api.GET("/organizations/members", OrgContext(), s.ListMembers)
	api.POST("/organizations/members", OrgContext(), s.AddMember)
	api.DELETE("/organizations/members/:userId", OrgContext(), s.RemoveMember)

	// -------- Quota --------
	api.POST("/quota/reserve", OrgContext(), s.ReserveQuota)
	api.POST("/quota/release", OrgContext(), s.ReleaseQuota)
	api.GET("/quota/status", OrgContext(), s.QuotaStatus)

	// -------- Integrations --------
	api.GET("/integrations", OrgContext(), s.ListIntegrations)
	api.POST("/integrations", OrgContext(), s.RegisterIntegration)
	api.DELETE("/integrations/:id", OrgContext(), s.RemoveIntegration)

	// -------- Billing Webhooks --------
	// Signature verification is the only gate on this route.
	api.POST("/billing/webhooks/:provider", s.HandleBillingWebhook)
}
