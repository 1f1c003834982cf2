// Package server wires the settlement core together and runs the HTTP API.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/worklane/worklane/internal/catalog"
	"github.com/worklane/worklane/internal/config"
	"github.com/worklane/worklane/internal/health"
	"github.com/worklane/worklane/internal/identity"
	"github.com/worklane/worklane/internal/invoices"
	"github.com/worklane/worklane/internal/metrics"
	"github.com/worklane/worklane/internal/notify"
	"github.com/worklane/worklane/internal/orders"
	"github.com/worklane/worklane/internal/payments"
	"github.com/worklane/worklane/internal/ratelimit"
	"github.com/worklane/worklane/internal/realtime"
	"github.com/worklane/worklane/internal/security"
	"github.com/worklane/worklane/internal/settlement"
	"github.com/worklane/worklane/internal/sweeper"
	"github.com/worklane/worklane/internal/validation"
	"github.com/worklane/worklane/internal/wallet"
)

// Server is the composed application: stores, services, HTTP router, and
// background workers.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	db      *sql.DB
	router  *gin.Engine
	httpSrv *http.Server

	wallets     *wallet.Service
	orders      *orders.Service
	settlement  *settlement.Service
	payments    *payments.Service
	invoices    *invoices.Service
	dispatcher  *notify.Dispatcher
	notifyStore notify.Store
	hub         *realtime.Hub
	sweep       *sweeper.Sweeper
	limiter     *ratelimit.Limiter
	checks      *health.Registry

	ready        atomic.Bool
	cancelRunCtx context.CancelFunc
}

// Option customizes server construction, mainly for injecting the catalog
// and identity boundaries in deployments where those subsystems exist.
type Option func(*options)

type options struct {
	catalog  catalog.Provider
	identity identity.Provider
	provider payments.Provider
}

// WithCatalog injects a catalog provider.
func WithCatalog(p catalog.Provider) Option {
	return func(o *options) { o.catalog = p }
}

// WithIdentity injects an identity provider.
func WithIdentity(p identity.Provider) Option {
	return func(o *options) { o.identity = p }
}

// WithPaymentProvider injects a payment provider, overriding config.
func WithPaymentProvider(p payments.Provider) Option {
	return func(o *options) { o.provider = p }
}

// New builds a fully wired server. With cfg.DatabaseURL set all stores are
// PostgreSQL-backed; otherwise everything runs in memory.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		checks: health.NewRegistry(),
	}

	// Stores: postgres when configured, in-memory otherwise.
	var (
		walletStore  wallet.Store
		orderStore   orders.Store
		escrowStore  settlement.Store
		paymentStore payments.Store
		notifyStore  notify.Store
		invoiceStore invoices.Store
	)

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}

		s.db = db
		walletStore = wallet.NewPostgresStore(db)
		orderStore = orders.NewPostgresStore(db)
		escrowStore = settlement.NewPostgresStore(db)
		paymentStore = payments.NewPostgresStore(db)
		notifyStore = notify.NewPostgresStore(db)
		invoiceStore = invoices.NewPostgresStore(db)

		s.checks.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})

		logger.Info("using PostgreSQL storage", "dsn", maskDSN(cfg.DatabaseURL))
	} else {
		walletStore = wallet.NewMemoryStore()
		orderStore = orders.NewMemoryStore()
		escrowStore = settlement.NewMemoryStore()
		paymentStore = payments.NewMemoryStore()
		notifyStore = notify.NewMemoryStore()
		invoiceStore = invoices.NewMemoryStore()

		logger.Warn("using in-memory storage, data will be lost on restart")
	}

	// Catalog and identity boundaries. Demo mode seeds a small catalog so
	// the API is usable out of the box.
	cat := o.catalog
	idp := o.identity
	if cat == nil {
		mem := catalog.NewMemoryCatalog()
		if cfg.IsDevelopment() {
			seedDemoCatalog(mem)
		}
		cat = mem
	}
	if idp == nil {
		idp = identity.AllowAll{}
	}

	// Services.
	s.wallets = wallet.New(walletStore)
	s.invoices = invoices.NewService(invoiceStore)
	s.notifyStore = notifyStore
	s.dispatcher = notify.NewDispatcher(notifyStore, logger)
	s.hub = realtime.NewHub(logger)

	s.orders = orders.NewService(orderStore, cat, idp, cfg.AutoConfirmWindow)

	notifier := &fanoutNotifier{dispatcher: s.dispatcher, hub: s.hub}
	s.settlement = settlement.NewService(
		escrowStore,
		&walletCreditAdapter{wallets: s.wallets},
		s.orders,
		cfg.CommissionBPS,
		logger,
	).WithNotifier(notifier).WithInvoices(s.invoices)

	// Orders confirm by releasing escrow; settlement transitions orders.
	// The adapter interfaces break the import cycle, this closes the loop.
	s.orders.WithReleaser(s.settlement)

	provider := o.provider
	if provider == nil {
		switch cfg.Provider {
		case "stripe":
			provider = payments.NewStripeProvider(cfg.StripeSecretKey)
		default:
			provider = payments.NewMockProvider()
		}
	}
	logger.Info("payment provider configured", "provider", provider.Name())

	s.payments = payments.NewService(
		paymentStore,
		&orderReaderAdapter{orders: s.orders},
		&escrowCreatorAdapter{settlement: s.settlement},
		provider,
		cfg.ProviderTimeout,
		logger,
	)

	s.sweep = sweeper.New(s.orders, cfg.SweepInterval, logger)

	rlCfg := ratelimit.DefaultConfig()
	if !cfg.IsProduction() {
		rlCfg = ratelimit.Config{RequestsPerMinute: 600, BurstSize: 200}
	}
	s.limiter = ratelimit.NewLimiter(rlCfg)

	s.router = s.buildRouter()
	s.httpSrv = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// buildRouter assembles the middleware chain and routes.
func (s *Server) buildRouter() *gin.Engine {
	r := gin.New()

	r.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		s.logger.Error("panic recovered", "error", recovered, "path", c.Request.URL.Path)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal server error",
		})
	}))
	r.Use(security.HeadersMiddleware())
	r.Use(security.CORSMiddleware([]string{"*"}))
	r.Use(requestSizeMiddleware(1 << 20)) // 1 MiB
	r.Use(s.limiter.Middleware())
	r.Use(metrics.Middleware())
	r.Use(requestIDMiddleware())
	r.Use(s.loggingMiddleware())

	r.GET("/health", s.handleHealth)
	r.GET("/health/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/health/ready", func(c *gin.Context) {
		if !s.ready.Load() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", metrics.Handler())
	r.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})
	r.GET("/ws/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.hub.Stats())
	})

	v1 := r.Group("/v1")
	v1.Use(validation.IDParamMiddleware("id"), validation.IDParamMiddleware("userId"))
	wallet.NewHandler(s.wallets).RegisterRoutes(v1)
	orders.NewHandler(s.orders).RegisterRoutes(v1)
	settlement.NewHandler(s.settlement).RegisterRoutes(v1)
	payments.NewHandler(s.payments, s.cfg.WebhookSecret).RegisterRoutes(v1)
	notify.NewHandler(s.notifyStore).RegisterRoutes(v1)
	invoices.NewHandler(s.invoices).RegisterRoutes(v1)

	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())
	code := http.StatusOK
	status := "healthy"
	if !healthy {
		code = http.StatusServiceUnavailable
		status = "unhealthy"
	}
	c.JSON(code, gin.H{"status": status, "checks": statuses})
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run starts the HTTP server and background workers, blocking until a
// shutdown signal arrives or the listener fails.
func (s *Server) Run() error {
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancelRunCtx = cancel

	go s.hub.Run(runCtx)
	s.sweep.Start()
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.httpSrv.Addr, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.ready.Store(true)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		cancel()
		return fmt.Errorf("server failed: %w", err)
	case sig := <-quit:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown drains in-flight requests and stops background workers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)

	// Give load balancers a moment to observe the readiness flip.
	if s.cfg.IsProduction() {
		time.Sleep(5 * time.Second)
	}

	var firstErr error
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		firstErr = fmt.Errorf("http shutdown: %w", err)
	}

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.sweep.Stop()
	s.limiter.Stop()

	if s.db != nil {
		if err := s.db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("db close: %w", err)
		}
	}

	s.logger.Info("server stopped")
	return firstErr
}

// seedDemoCatalog populates a handful of listings so the API can be
// exercised without a catalog service.
func seedDemoCatalog(cat *catalog.MemoryCatalog) {
	cat.Put(&catalog.Service{ID: "svc_logo", SellerID: "seller-demo-1", Title: "Logo design", Price: 15000})
	cat.Put(&catalog.Service{ID: "svc_copy", SellerID: "seller-demo-1", Title: "Landing page copy", Price: 8000})
	cat.Put(&catalog.Service{ID: "svc_audit", SellerID: "seller-demo-2", Title: "Security audit", Price: 250000})
}

// maskDSN hides credentials in a database URL for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "<unparseable>"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "xxx")
	}
	return u.String()
}

// Adapters bridging package interfaces. Kept here so the domain packages
// stay free of each other's types.

// walletCreditAdapter narrows wallet.Service to the settlement credit call.
type walletCreditAdapter struct {
	wallets *wallet.Service
}

func (a *walletCreditAdapter) Credit(ctx context.Context, userID string, amount int64, description, orderID string) error {
	_, err := a.wallets.Credit(ctx, userID, amount, description, orderID)
	return err
}

// orderReaderAdapter projects orders into the slice payments needs.
type orderReaderAdapter struct {
	orders *orders.Service
}

func (a *orderReaderAdapter) ReadOrder(ctx context.Context, orderID string) (*payments.OrderInfo, error) {
	o, err := a.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &payments.OrderInfo{
		ID:       o.ID,
		BuyerID:  o.BuyerID,
		SellerID: o.SellerID,
		Amount:   o.Amount,
		Pending:  o.Status == orders.StatusPending,
	}, nil
}

// escrowCreatorAdapter drops the escrow return value payments doesn't need.
type escrowCreatorAdapter struct {
	settlement *settlement.Service
}

func (a *escrowCreatorAdapter) CreateEscrow(ctx context.Context, orderID, buyerID, sellerID string, amount int64) error {
	_, err := a.settlement.CreateEscrow(ctx, orderID, buyerID, sellerID, amount)
	return err
}

// fanoutNotifier delivers settlement events to webhook subscribers and
// WebSocket clients.
type fanoutNotifier struct {
	dispatcher *notify.Dispatcher
	hub        *realtime.Hub
}

func (f *fanoutNotifier) Publish(ctx context.Context, eventType, orderID string, payload any) {
	f.dispatcher.Publish(ctx, eventType, orderID, payload)

	data, ok := payload.(map[string]interface{})
	if !ok {
		data = map[string]interface{}{"payload": payload}
	}
	data["orderId"] = orderID
	data["event"] = eventType

	switch {
	case strings.HasPrefix(eventType, "escrow."):
		f.hub.BroadcastEscrowMovement(data)
	case strings.HasPrefix(eventType, "payment."):
		f.hub.Broadcast(&realtime.Event{Type: realtime.EventPaymentUpdate, Timestamp: time.Now(), Data: data})
	default:
		f.hub.BroadcastOrderUpdate(data)
	}
}

// Compile-time assertions for the adapter wiring.
var (
	_ settlement.WalletService     = (*walletCreditAdapter)(nil)
	_ payments.OrderReader         = (*orderReaderAdapter)(nil)
	_ payments.EscrowCreator       = (*escrowCreatorAdapter)(nil)
	_ settlement.Notifier          = (*fanoutNotifier)(nil)
	_ settlement.OrderTransitioner = (*orders.Service)(nil)
	_ orders.Releaser              = (*settlement.Service)(nil)
	_ sweeper.Confirmer            = (*orders.Service)(nil)
	_ settlement.InvoiceIssuer     = (*invoices.Service)(nil)
)
