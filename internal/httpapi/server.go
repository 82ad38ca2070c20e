// Package httpapi exposes the credit ledger and admission gate over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/creditgate/pkg/credits"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

// BalanceService is the balance surface the handlers consume.
type BalanceService interface {
	Get(ctx context.Context, userID string) (credits.Credits, error)
	Add(ctx context.Context, userID string, amount credits.Credits) (credits.Credits, error)
}

// LedgerService is the audit-trail surface the handlers consume.
type LedgerService interface {
	Append(ctx context.Context, entry credits.Entry) (credits.Entry, error)
	History(ctx context.Context, userID string, beforeUnixUTC int64, limit int) ([]credits.Entry, error)
	Summary(ctx context.Context, userID string) (credits.Summary, error)
}

// HoldService is the reservation surface the handlers consume.
type HoldService interface {
	Place(ctx context.Context, userID string, amount credits.Credits, description string, origin string, expiresAtUnixUTC int64) (credits.Hold, error)
	Commit(ctx context.Context, holdID string) (bool, error)
	Release(ctx context.Context, holdID string) (bool, error)
}

// RuleSource exposes the active pricing rules.
type RuleSource interface {
	Rules() []credits.CostRule
}

// Dependencies carries the collaborators the router needs. Now defaults to
// the wall clock when nil.
type Dependencies struct {
	Balances BalanceService
	Ledger   LedgerService
	Holds    HoldService
	Rules    RuleSource
	Gate     Gate
	Now      func() int64
}

// Run boots the HTTP server and blocks until ctx is cancelled or the listener
// fails.
func Run(ctx context.Context, cfg Config, deps Dependencies) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("zap init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}

	router := NewRouter(cfg, deps, sessionValidator.GinMiddleware(claimsContextKey), logger)
	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("credit api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
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

// NewRouter assembles the gin engine. The session middleware is injected so
// tests can substitute a canned identity.
func NewRouter(cfg Config, deps Dependencies, sessionMiddleware gin.HandlerFunc, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = func() int64 { return time.Now().UTC().Unix() }
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	handler := &httpHandler{logger: logger, deps: deps}

	api := router.Group("/api")
	api.Use(sessionMiddleware)
	api.Use(identityFromSession())
	api.Use(admission(deps.Gate, cfg.AdminRole))

	user := api.Group("/credits")
	user.Use(requireUser())
	user.GET("", handler.handleBalance)
	user.GET("/history", handler.handleHistory)
	user.GET("/summary", handler.handleSummary)
	user.GET("/rules", handler.handleRules)
	user.POST("/holds", handler.handleCreateHold)
	user.POST("/holds/:hold_id/commit", handler.handleCommitHold)
	user.POST("/holds/:hold_id/release", handler.handleReleaseHold)

	admin := router.Group("/api/admin")
	admin.Use(adminBearerAuth(cfg.AdminTokenKey, cfg.AdminRole))
	admin.POST("/credits/grant", handler.handleAdminGrant)

	return router
}

type httpHandler struct {
	logger *zap.Logger
	deps   Dependencies
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	identity := getIdentity(ctx)
	spendable, err := handler.deps.Balances.Get(ctx.Request.Context(), identity.UserID)
	if err != nil {
		handler.fail(ctx, "balance fetch failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id":   identity.UserID,
		"spendable": spendable.Int64(),
	})
}

func (handler *httpHandler) handleHistory(ctx *gin.Context) {
	identity := getIdentity(ctx)
	before := parseInt64Query(ctx, "before", 0)
	limit := int(parseInt64Query(ctx, "limit", defaultHistoryLimit))
	if limit <= 0 || limit > maximumHistoryLimit {
		limit = defaultHistoryLimit
	}
	entries, err := handler.deps.Ledger.History(ctx.Request.Context(), identity.UserID, before, limit)
	if err != nil {
		handler.fail(ctx, "history fetch failed", err)
		return
	}
	payload := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, newEntryPayload(entry))
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": payload})
}

func (handler *httpHandler) handleSummary(ctx *gin.Context) {
	identity := getIdentity(ctx)
	summary, err := handler.deps.Ledger.Summary(ctx.Request.Context(), identity.UserID)
	if err != nil {
		handler.fail(ctx, "summary fetch failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"added":    summary.Added.Int64(),
		"deducted": summary.Deducted.Int64(),
		"count":    summary.Count,
	})
}

func (handler *httpHandler) handleRules(ctx *gin.Context) {
	rules := handler.deps.Rules.Rules()
	payload := make([]rulePayload, 0, len(rules))
	for _, rule := range rules {
		payload = append(payload, rulePayload{
			RuleID:      rule.RuleID,
			PathPattern: rule.PathPattern,
			Cost:        rule.Cost.Int64(),
			Priority:    rule.Priority,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"rules": payload})
}

func (handler *httpHandler) handleCreateHold(ctx *gin.Context) {
	identity := getIdentity(ctx)
	var request createHoldRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	expiresAt := int64(0)
	if request.TTLSeconds > 0 {
		expiresAt = handler.deps.Now() + request.TTLSeconds
	}
	hold, err := handler.deps.Holds.Place(ctx.Request.Context(), identity.UserID, credits.Credits(request.Amount), request.Description, ctx.Request.URL.Path, expiresAt)
	if err != nil {
		switch {
		case errors.Is(err, credits.ErrInsufficientCredits):
			ctx.JSON(http.StatusPaymentRequired, errorResponse("insufficient_credits", "balance does not cover the hold"))
		case errors.Is(err, credits.ErrInvalidAmount):
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "amount must be greater than zero"))
		default:
			handler.fail(ctx, "hold placement failed", err)
		}
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"hold": newHoldPayload(hold)})
}

func (handler *httpHandler) handleCommitHold(ctx *gin.Context) {
	handler.transitionHold(ctx, "committed", handler.deps.Holds.Commit)
}

func (handler *httpHandler) handleReleaseHold(ctx *gin.Context) {
	handler.transitionHold(ctx, "released", handler.deps.Holds.Release)
}

func (handler *httpHandler) transitionHold(ctx *gin.Context, outcome string, transition func(context.Context, string) (bool, error)) {
	holdID := ctx.Param("hold_id")
	ok, err := transition(ctx.Request.Context(), holdID)
	if err != nil {
		if errors.Is(err, credits.ErrUnknownHold) {
			ctx.JSON(http.StatusNotFound, errorResponse("unknown_hold", "no such hold"))
			return
		}
		handler.fail(ctx, "hold transition failed", err)
		return
	}
	if !ok {
		ctx.JSON(http.StatusConflict, errorResponse("hold_finalized", "hold already committed or released"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": outcome, "hold_id": holdID})
}

func (handler *httpHandler) handleAdminGrant(ctx *gin.Context) {
	var request grantRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	remaining, err := handler.deps.Balances.Add(ctx.Request.Context(), request.UserID, credits.Credits(request.Amount))
	if err != nil {
		switch {
		case errors.Is(err, credits.ErrInvalidUserID):
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user", "user id is required"))
		case errors.Is(err, credits.ErrInvalidAmount):
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "amount must be greater than zero"))
		default:
			handler.fail(ctx, "grant failed", err)
		}
		return
	}
	description := request.Description
	if description == "" {
		description = "admin grant"
	}
	if _, err := handler.deps.Ledger.Append(ctx.Request.Context(), credits.Entry{
		UserID:       request.UserID,
		Kind:         credits.EntryAddition,
		Amount:       credits.Credits(request.Amount),
		BalanceAfter: remaining,
		Description:  description,
		Origin:       ctx.Request.URL.Path,
	}); err != nil {
		// The grant already landed; surface the balance and log the gap.
		handler.logger.Error("grant audit write failed", zap.Error(err))
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id":   request.UserID,
		"spendable": remaining.Int64(),
	})
}

func (handler *httpHandler) fail(ctx *gin.Context, message string, err error) {
	handler.logger.Error(message, zap.Error(err))
	ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", message))
}

func parseInt64Query(ctx *gin.Context, name string, fallback int64) int64 {
	raw := ctx.Query(name)
	if raw == "" {
		return fallback
	}
	var value int64
	if _, err := fmt.Sscan(raw, &value); err != nil {
		return fallback
	}
	return value
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type createHoldRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
	TTLSeconds  int64  `json:"ttl_seconds"`
}

type grantRequest struct {
	UserID      string `json:"user_id"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

type entryPayload struct {
	EntryID        string `json:"entry_id"`
	Kind           string `json:"kind"`
	Amount         int64  `json:"amount"`
	BalanceAfter   int64  `json:"balance_after"`
	Description    string `json:"description"`
	Origin         string `json:"origin"`
	HoldID         string `json:"hold_id,omitempty"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

func newEntryPayload(entry credits.Entry) entryPayload {
	return entryPayload{
		EntryID:        entry.EntryID,
		Kind:           entry.Kind.String(),
		Amount:         entry.Amount.Int64(),
		BalanceAfter:   entry.BalanceAfter.Int64(),
		Description:    entry.Description,
		Origin:         entry.Origin,
		HoldID:         entry.HoldID,
		CreatedUnixUTC: entry.CreatedUnixUTC,
	}
}

type holdPayload struct {
	HoldID           string `json:"hold_id"`
	UserID           string `json:"user_id"`
	Amount           int64  `json:"amount"`
	Description      string `json:"description"`
	State            string `json:"state"`
	ExpiresAtUnixUTC int64  `json:"expires_at_unix_utc,omitempty"`
	CreatedUnixUTC   int64  `json:"created_unix_utc"`
}

func newHoldPayload(hold credits.Hold) holdPayload {
	return holdPayload{
		HoldID:           hold.HoldID,
		UserID:           hold.UserID,
		Amount:           hold.Amount.Int64(),
		Description:      hold.Description,
		State:            hold.State.String(),
		ExpiresAtUnixUTC: hold.ExpiresAtUnixUTC,
		CreatedUnixUTC:   hold.CreatedUnixUTC,
	}
}

type rulePayload struct {
	RuleID      string `json:"rule_id"`
	PathPattern string `json:"path_pattern"`
	Cost        int64  `json:"cost"`
	Priority    int    `json:"priority"`
}
