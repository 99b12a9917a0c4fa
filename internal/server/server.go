// Package server exposes the gateway HTTP API consumed by the trunk
// backend and the operations tooling.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"

	apilogdomain "github.com/nexfon/cbg/internal/apilog/domain"
	branchdomain "github.com/nexfon/cbg/internal/branch/domain"
	"github.com/nexfon/cbg/internal/clock"
	"github.com/nexfon/cbg/internal/config"
	customerdomain "github.com/nexfon/cbg/internal/customer/domain"
	destinationdomain "github.com/nexfon/cbg/internal/destination/domain"
	failedjobdomain "github.com/nexfon/cbg/internal/failedjob/domain"
	invoicedomain "github.com/nexfon/cbg/internal/invoice/domain"
	"github.com/nexfon/cbg/internal/observability/metrics"
	operatordomain "github.com/nexfon/cbg/internal/operator/domain"
	packagedomain "github.com/nexfon/cbg/internal/packageplan/domain"
	paymentdomain "github.com/nexfon/cbg/internal/payment/domain"
	profitdomain "github.com/nexfon/cbg/internal/profit/domain"
	runtimeconfigdomain "github.com/nexfon/cbg/internal/runtimeconfig/domain"
	subscriptiondomain "github.com/nexfon/cbg/internal/subscription/domain"
)

type Server struct {
	engine *gin.Engine
	cfg    *config.Config
	log    *zap.Logger

	subscriptionSvc  subscriptiondomain.Service
	customerSvc      customerdomain.Service
	invoiceSvc       invoicedomain.Service
	paymentSvc       paymentdomain.Service
	destinationSvc   destinationdomain.Service
	branchSvc        branchdomain.Service
	operatorSvc      operatordomain.Service
	packageSvc       packagedomain.Service
	profitSvc        profitdomain.Service
	runtimeConfigSvc runtimeconfigdomain.Service
	failedJobSvc     failedjobdomain.Service
	apiLogSvc        apilogdomain.Service
	clock            clock.Clock
}

type ServerParams struct {
	fx.In

	Gin    *gin.Engine
	Cfg    *config.Config
	Log    *zap.Logger

	SubscriptionSvc  subscriptiondomain.Service
	CustomerSvc      customerdomain.Service
	InvoiceSvc       invoicedomain.Service
	PaymentSvc       paymentdomain.Service
	DestinationSvc   destinationdomain.Service
	BranchSvc        branchdomain.Service
	OperatorSvc      operatordomain.Service
	PackageSvc       packagedomain.Service
	ProfitSvc        profitdomain.Service
	RuntimeConfigSvc runtimeconfigdomain.Service
	FailedJobSvc     failedjobdomain.Service
	APILogSvc        apilogdomain.Service
	Clock            clock.Clock
}

func registerGin(cfg *config.Config, m *metrics.Metrics) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	return r
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:           p.Gin,
		cfg:              p.Cfg,
		log:              p.Log.Named("server"),
		subscriptionSvc:  p.SubscriptionSvc,
		customerSvc:      p.CustomerSvc,
		invoiceSvc:       p.InvoiceSvc,
		paymentSvc:       p.PaymentSvc,
		destinationSvc:   p.DestinationSvc,
		branchSvc:        p.BranchSvc,
		operatorSvc:      p.OperatorSvc,
		packageSvc:       p.PackageSvc,
		profitSvc:        p.ProfitSvc,
		runtimeConfigSvc: p.RuntimeConfigSvc,
		failedJobSvc:     p.FailedJobSvc,
		apiLogSvc:        p.APILogSvc,
		clock:            p.Clock,
	}
	s.registerRoutes()
	return s
}

func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) registerRoutes() {
	api := s.engine.Group("/api/v1")
	api.Use(BearerAuth(s.cfg.Trunk.InboundToken))
	api.Use(RequestLog(s.apiLogSvc, s.clock))

	api.POST("/subscriptions", s.AddSubscription)
	api.GET("/subscriptions/:code", s.GetSubscription)
	api.DELETE("/subscriptions/:code", s.RemoveSubscription)
	api.PUT("/subscriptions/:code/availability", s.ChangeAvailability)
	api.POST("/subscriptions/:code/deallocate", s.DeallocateSubscription)
	api.POST("/subscriptions/:code/renew-branch", s.RenewBranch)
	api.POST("/subscriptions/:code/renew-type", s.RenewSubscriptionType)
	api.POST("/subscriptions/:code/interim-invoices", s.IssueInterimInvoice)
	api.POST("/subscriptions/:code/base-balance-invoices", s.IssueBaseBalanceInvoice)
	api.POST("/subscriptions/:code/package-invoices", s.PurchasePackage)
	api.POST("/subscriptions/:code/verify", s.VerifyCredit)

	api.GET("/invoices/:id", s.GetInvoice)
	api.DELETE("/invoices/:id", s.DeleteInvoice)
	api.POST("/invoices/periodic", s.IssuePeriodicInvoice)
	api.POST("/package-invoices/:id/expire", s.ExpirePackageInvoice)

	api.POST("/payments", s.CreatePayment)
	api.GET("/payments/:id", s.GetPayment)
	api.POST("/payments/:id/resolve", s.ResolvePayment)

	api.POST("/customers", s.CreateCustomer)
	api.GET("/customers/:code", s.GetCustomer)
	api.DELETE("/customers/:code", s.DeleteCustomer)

	api.GET("/destinations", s.ListDestinations)
	api.POST("/destinations", s.CreateDestination)
	api.GET("/destinations/:id", s.GetDestination)
	api.PUT("/destinations/:id", s.UpdateDestination)
	api.DELETE("/destinations/:id", s.DeleteDestination)

	api.GET("/branches", s.ListBranches)
	api.POST("/branches", s.CreateBranch)
	api.GET("/branches/:code", s.GetBranch)
	api.PUT("/branches/:code", s.UpdateBranch)
	api.DELETE("/branches/:code", s.DeleteBranch)
	api.POST("/branches/:code/sync", s.SyncBranch)

	api.GET("/operators", s.ListOperators)
	api.POST("/operators", s.CreateOperator)
	api.GET("/operators/:code", s.GetOperator)
	api.PUT("/operators/:code", s.UpdateOperator)
	api.DELETE("/operators/:code", s.DeleteOperator)

	api.GET("/packages", s.ListPackages)
	api.POST("/packages", s.CreatePackage)
	api.GET("/packages/:code", s.GetPackage)
	api.PUT("/packages/:code", s.UpdatePackage)
	api.DELETE("/packages/:code", s.DeactivatePackage)

	api.GET("/profits", s.ListProfits)
	api.POST("/profits/:id/receive", s.ReceiveProfit)
	api.POST("/profits/:id/revoke", s.RevokeProfit)

	api.GET("/configs", s.ListRuntimeConfigs)
	api.PUT("/configs/:key", s.SaveRuntimeConfig)

	api.GET("/failed-jobs", s.ListFailedJobs)
	api.POST("/failed-jobs/replay", s.ReplayFailedJobs)
}

func run(lc fx.Lifecycle, cfg *config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(func(*Server) {}),
	fx.Invoke(run),
)
