// Package httpapi exposes the wallet, transfer, purchase and admin pricing
// operations over HTTP behind a TAuth session.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/billpay/internal/draftstore"
	"github.com/MarkoPoloResearchLab/billpay/pkg/billing"
	"github.com/MarkoPoloResearchLab/billpay/pkg/giftcard"
	"github.com/MarkoPoloResearchLab/billpay/pkg/ledger"
	"github.com/MarkoPoloResearchLab/billpay/pkg/pricing"
	"github.com/MarkoPoloResearchLab/billpay/pkg/transfer"
)

const (
	claimsContextKey = "auth_claims"
	shutdownTimeout  = 5 * time.Second
)

// PlanSource reads provider catalogs.
type PlanSource interface {
	FetchPlans(ctx context.Context, credential transfer.Credential, productType pricing.ProductType) ([]pricing.Plan, error)
	FindPlan(ctx context.Context, credential transfer.Credential, productType pricing.ProductType, planID string) (pricing.Plan, error)
}

// StatusSource asks the provider for the current status of an order.
type StatusSource interface {
	QueryStatus(ctx context.Context, credential transfer.Credential, reference billing.Reference) (string, error)
}

// ProfileStore records the directory entry of every authenticated user.
type ProfileStore interface {
	UpsertProfile(ctx context.Context, recipient transfer.Recipient) error
}

// Dependencies are the services behind the handlers.
type Dependencies struct {
	Engine    *transfer.Engine
	Ledger    *ledger.Service
	Catalog   *pricing.Catalog
	Plans     PlanSource
	Statuses  StatusSource
	Profiles  ProfileStore
	GiftCards giftcard.Store
	Drafts    draftstore.Store
	Logger    *zap.Logger
	Now       func() int64
}

func (deps Dependencies) validate() error {
	switch {
	case deps.Engine == nil:
		return fmt.Errorf("%w: engine dependency is nil", billing.ErrInvalidConfig)
	case deps.Ledger == nil:
		return fmt.Errorf("%w: ledger dependency is nil", billing.ErrInvalidConfig)
	case deps.Catalog == nil:
		return fmt.Errorf("%w: catalog dependency is nil", billing.ErrInvalidConfig)
	case deps.Plans == nil:
		return fmt.Errorf("%w: plan source dependency is nil", billing.ErrInvalidConfig)
	case deps.Statuses == nil:
		return fmt.Errorf("%w: status source dependency is nil", billing.ErrInvalidConfig)
	case deps.Profiles == nil:
		return fmt.Errorf("%w: profile store dependency is nil", billing.ErrInvalidConfig)
	case deps.GiftCards == nil:
		return fmt.Errorf("%w: gift card store dependency is nil", billing.ErrInvalidConfig)
	case deps.Drafts == nil:
		return fmt.Errorf("%w: draft store dependency is nil", billing.ErrInvalidConfig)
	}
	return nil
}

// RouterOption customizes router construction.
type RouterOption func(*routerOptions)

type routerOptions struct {
	authMiddleware gin.HandlerFunc
}

// WithAuthMiddleware replaces the TAuth session middleware. The replacement
// must store *sessionvalidator.Claims under the "auth_claims" key.
func WithAuthMiddleware(middleware gin.HandlerFunc) RouterOption {
	return func(options *routerOptions) {
		options.authMiddleware = middleware
	}
}

// NewRouter wires the gin engine. cfg must already be validated.
func NewRouter(cfg Config, deps Dependencies, options ...RouterOption) (*gin.Engine, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if err := registerValidators(); err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = func() int64 { return time.Now().UTC().Unix() }
	}
	resolved := routerOptions{}
	for _, option := range options {
		if option != nil {
			option(&resolved)
		}
	}
	if resolved.authMiddleware == nil {
		validator, err := sessionvalidator.New(sessionvalidator.Config{
			SigningKey: []byte(cfg.SessionSigningKey),
			Issuer:     cfg.SessionIssuer,
			CookieName: cfg.SessionCookieName,
		})
		if err != nil {
			return nil, fmt.Errorf("session validator: %w", err)
		}
		resolved.authMiddleware = validator.GinMiddleware(claimsContextKey)
	}

	handler := &httpHandler{
		cfg:        cfg,
		deps:       deps,
		logger:     deps.Logger,
		credential: transfer.NewCredential(cfg.ProviderToken),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(resolved.authMiddleware, handler.trackProfile)

	api.GET("/wallet", handler.handleWallet)
	api.POST("/transfers/reward", handler.handleReward)
	api.POST("/transfers/peer/lookup", handler.handlePeerLookup)
	api.POST("/transfers/peer/:draftID/confirm", handler.handlePeerConfirm)
	api.DELETE("/transfers/peer/:draftID", handler.handlePeerCancel)
	api.POST("/purchases", handler.handlePurchase)
	api.POST("/purchases/:reference/status", handler.requireRole, handler.handlePurchaseStatus)
	api.POST("/giftcards/redeem", handler.handleRedeem)
	api.GET("/prices/:productType", handler.handlePrices)

	admin := api.Group("/admin", handler.requireRole)
	admin.PUT("/prices/:productType", handler.handleBulkOverride)
	admin.PATCH("/prices/:productType/:planID", handler.handleOverrideStatus)
	admin.POST("/giftcards", handler.handleCreateCard)
	admin.POST("/purchases/:reference/reconcile", handler.handleReconcile)
	admin.POST("/transfers/peer/:reference/reconcile", handler.handlePeerReconcile)

	return router, nil
}

// Run serves the router until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, cfg Config, router http.Handler, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("billpay http listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
