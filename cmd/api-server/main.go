package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sentineliq/risk-engine/configs"
	"github.com/sentineliq/risk-engine/internal/audit"
	"github.com/sentineliq/risk-engine/internal/auth"
	"github.com/sentineliq/risk-engine/internal/ingestion"
	"github.com/sentineliq/risk-engine/internal/linkgraph"
	"github.com/sentineliq/risk-engine/internal/models"
	"github.com/sentineliq/risk-engine/internal/queue"
	"github.com/sentineliq/risk-engine/internal/repositories"
	"github.com/sentineliq/risk-engine/internal/riskerr"
	"github.com/sentineliq/risk-engine/internal/rules"
	"github.com/sentineliq/risk-engine/internal/services"
	"github.com/sentineliq/risk-engine/internal/shadowmode"
)

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	// Load configuration
	cfg := configs.Load()

	// Setup logging
	setupLogging(cfg.Server.Environment)

	log.Info().
		Str("environment", cfg.Server.Environment).
		Str("port", cfg.Server.Port).
		Msg("Starting risk engine API server")

	// Initialize database
	db, err := repositories.NewDatabase(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	cacheClient, err := queue.NewCacheClient(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer cacheClient.Close()

	// Initialize repositories
	operatorRepo := repositories.NewOperatorRepository(db)
	outboxRepo := repositories.NewOutboxRepository(db)
	decisionRepo := repositories.NewDecisionRepository(db)
	auditRepo := repositories.NewAuditRepository(db)
	shadowRepo := repositories.NewShadowRepository(db)
	webhookRepo := repositories.NewWebhookRepository(db)
	connectionRepo := repositories.NewConnectionRepository(db)

	// Initialize the rule registry and load its initial version; a server
	// that can't load its own rule source has nothing to decide with.
	ruleRegistry := rules.NewRegistry(cfg.RuleRegistry.SourcePath, cacheClient)
	if _, err := ruleRegistry.Reload(context.Background(), true); err != nil {
		log.Fatal().Err(err).Msg("Failed to load initial rule set")
	}
	go ruleRegistry.WatchPeers(context.Background(), func(version, hash string) {
		log.Info().Str("version", version).Str("hash", hash).Msg("peer installed new rule version")
	})
	if cfg.RuleRegistry.ReloadInterval > 0 {
		go periodicReload(context.Background(), ruleRegistry, cfg.RuleRegistry.ReloadInterval)
	}

	// Initialize services
	jwtManager := auth.NewJWTManager(cfg.JWT.Secret, cfg.JWT.Expiration)
	authService := services.NewAuthService(operatorRepo, jwtManager)
	gateway := ingestion.NewGateway(db, outboxRepo)
	auditService := audit.NewService(auditRepo)
	shadowService := shadowmode.NewService(shadowRepo)

	// Setup Gin router
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(loggingMiddleware())
	router.Use(corsMiddleware())

	// Rate limiting: 100 requests per minute per IP
	rateLimiter := NewRateLimiter(100, time.Minute)
	router.Use(rateLimitMiddleware(rateLimiter))

	deps := routeDeps{
		jwtManager:     jwtManager,
		authService:    authService,
		gateway:        gateway,
		ruleRegistry:   ruleRegistry,
		auditService:   auditService,
		shadowService:  shadowService,
		decisionRepo:   decisionRepo,
		webhookRepo:    webhookRepo,
		connectionRepo: connectionRepo,
	}
	setupRoutes(router, deps)

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}

func setupLogging(env string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// periodicReload re-reads the rule source on a fixed interval so instances
// converge on a changed source even without an explicit reload request.
// Unchanged content is a no-op inside Reload.
func periodicReload(ctx context.Context, registry *rules.Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := registry.Reload(ctx, false); err != nil {
				log.Warn().Err(err).Msg("scheduled rule reload failed")
			}
		}
	}
}

// routeDeps bundles the services setupRoutes wires into handlers, so adding
// a new admin surface doesn't grow the setupRoutes signature itself.
type routeDeps struct {
	jwtManager     *auth.JWTManager
	authService    *services.AuthService
	gateway        *ingestion.Gateway
	ruleRegistry   *rules.Registry
	auditService   *audit.Service
	shadowService  *shadowmode.Service
	decisionRepo   *repositories.DecisionRepository
	webhookRepo    *repositories.WebhookRepository
	connectionRepo *repositories.ConnectionRepository
}

func setupRoutes(router *gin.Engine, d routeDeps) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now().Format(time.RFC3339),
		})
	})

	v1 := router.Group("/api/v1")

	// Auth routes (public, operator accounts only)
	authRoutes := v1.Group("/auth")
	{
		authRoutes.POST("/register", registerHandler(d.authService))
		authRoutes.POST("/login", loginHandler(d.authService))
		authRoutes.POST("/refresh", refreshTokenHandler(d.authService))
	}

	protected := v1.Group("")
	protected.Use(auth.AuthMiddleware(d.jwtManager))

	// Ingress: every event enters here (spec §4.1). The auth/transaction
	// routes are convenience subtypes (spec §6) that accept a narrower,
	// type-specific payload and promote it to the canonical Event shape.
	eventRoutes := protected.Group("/events")
	{
		eventRoutes.POST("/ingest", ingestEventHandler(d.gateway))
		eventRoutes.POST("/auth", ingestAuthEventHandler(d.gateway))
		eventRoutes.POST("/transaction", ingestTransactionEventHandler(d.gateway))
	}

	// Risk decisions: read-only lookup of what the engine decided (spec §4.2).
	riskRoutes := protected.Group("/risk")
	{
		riskRoutes.GET("/decisions/:event_id", getDecisionHandler(d.decisionRepo))
		riskRoutes.GET("/users/:user_id/decisions", getUserDecisionsHandler(d.decisionRepo))
		riskRoutes.GET("/levels/:level/decisions", getDecisionsByLevelHandler(d.decisionRepo))
	}

	// Rule registry: hot reload and rollback are mutating and admin-only;
	// reads are open to any authenticated operator (spec §4.4, §12).
	ruleRoutes := protected.Group("/rules")
	{
		ruleRoutes.GET("/current", getCurrentRuleSetHandler(d.ruleRegistry))
		ruleRoutes.GET("/history", getRuleHistoryHandler(d.ruleRegistry))
		ruleRoutes.GET("/stats", getRuleStatsHandler(d.ruleRegistry, d.decisionRepo))
		ruleRoutes.POST("/validate", validateRuleSetHandler())

		adminRuleRoutes := ruleRoutes.Group("")
		adminRuleRoutes.Use(auth.RoleMiddleware(models.OperatorRoleAdmin))
		{
			adminRuleRoutes.POST("/reload", reloadRulesHandler(d.ruleRegistry, d.auditService))
			adminRuleRoutes.POST("/rollback/:version", rollbackRulesHandler(d.ruleRegistry, d.auditService))
		}
	}

	// Audit/compliance: admin and analyst read access, per the operator
	// roles this service recognizes (spec §4.5).
	auditRoutes := protected.Group("/audit")
	auditRoutes.Use(auth.RoleMiddleware(models.OperatorRoleAdmin, models.OperatorRoleAnalyst))
	{
		auditRoutes.GET("/logs", getAuditChainHandler(d.auditService))
		auditRoutes.GET("/resource/:type/:id", getAuditByResourceHandler(d.auditService))
		auditRoutes.GET("/verify", verifyAuditChainHandler(d.auditService))
		auditRoutes.GET("/compliance-report", complianceReportHandler(d.auditService))
	}

	// Shadow mode: candidate rule evaluation and ground-truth labeling
	// (spec §4.7, §12).
	shadowRoutes := protected.Group("/shadow-mode")
	shadowRoutes.Use(auth.RoleMiddleware(models.OperatorRoleAdmin, models.OperatorRoleAnalyst))
	{
		shadowRoutes.POST("/evaluate", logShadowHandler(d.shadowService))
		shadowRoutes.POST("/label/:id", labelShadowHandler(d.shadowService, d.auditService))
		shadowRoutes.GET("/pending-labels", pendingLabelsHandler(d.shadowService))
		shadowRoutes.GET("/accuracy/:rule_id", shadowAccuracyHandler(d.shadowService))
		shadowRoutes.GET("/trends/:rule_id", shadowTrendsHandler(d.shadowService))
		shadowRoutes.GET("/compare", shadowCompareHandler(d.shadowService))
	}

	// Link analysis: fraud-ring graph queries (spec §4.6).
	linkRoutes := protected.Group("/link-analysis")
	linkRoutes.Use(auth.RoleMiddleware(models.OperatorRoleAdmin, models.OperatorRoleAnalyst))
	{
		linkRoutes.GET("/user/:id", linkUserRingHandler(d.connectionRepo))
		linkRoutes.GET("/ring/:id", linkRingAnalysisHandler(d.connectionRepo))
		linkRoutes.GET("/hubs", linkTopHubsHandler(d.connectionRepo))
		linkRoutes.GET("/graph/:id", linkGraphDataHandler(d.connectionRepo))
		linkRoutes.POST("/flag-ring", flagRingHandler(d.connectionRepo))
	}

	// Webhooks: registered delivery targets and their history (spec §4.8).
	webhookRoutes := protected.Group("/webhooks")
	webhookRoutes.Use(auth.RoleMiddleware(models.OperatorRoleAdmin))
	{
		webhookRoutes.POST("", createWebhookHandler(d.webhookRepo))
		webhookRoutes.GET("/:id/deliveries/:event_id", webhookDeliveryHistoryHandler(d.webhookRepo))
	}
}

// Middleware

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = fmt.Sprintf("%d", time.Now().UnixNano())
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		log.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("latency", latency).
			Str("request_id", c.GetString("request_id")).
			Str("client_ip", c.ClientIP()).
			Msg("Request completed")
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Request-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// RateLimiter implements a simple in-memory token-bucket rate limiter.
type RateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     int
	window   time.Duration
}

type visitor struct {
	tokens   int
	lastSeen time.Time
}

func NewRateLimiter(rate int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate,
		window:   window,
	}
	go rl.cleanup()
	return rl
}

func (rl *RateLimiter) cleanup() {
	for {
		time.Sleep(time.Minute)
		rl.mu.Lock()
		for ip, v := range rl.visitors {
			if time.Since(v.lastSeen) > rl.window*2 {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}

func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.visitors[ip]
	now := time.Now()

	if !exists {
		rl.visitors[ip] = &visitor{tokens: rl.rate - 1, lastSeen: now}
		return true
	}

	elapsed := now.Sub(v.lastSeen)
	refill := int(elapsed / (rl.window / time.Duration(rl.rate)))
	v.tokens += refill
	if v.tokens > rl.rate {
		v.tokens = rl.rate
	}
	v.lastSeen = now

	if v.tokens > 0 {
		v.tokens--
		return true
	}
	return false
}

func rateLimitMiddleware(limiter *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !limiter.Allow(ip) {
			c.Header("Retry-After", "60")
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": 60,
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// statusForKind maps a riskerr.Kind to the HTTP status the error taxonomy
// assigns it. Kinds the engine never constructs fall through KindOf's own
// default before reaching here, so Transient is this function's fallback
// too.
func statusForKind(kind riskerr.Kind) int {
	switch kind {
	case riskerr.InvalidInput:
		return http.StatusBadRequest
	case riskerr.Unauthorized:
		return http.StatusUnauthorized
	case riskerr.Forbidden:
		return http.StatusForbidden
	case riskerr.NotFound:
		return http.StatusNotFound
	case riskerr.Conflict:
		return http.StatusConflict
	case riskerr.RuleValidationFailed:
		return http.StatusUnprocessableEntity
	case riskerr.IntegrityBreach:
		return http.StatusInternalServerError
	case riskerr.Transient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusServiceUnavailable
	}
}

// respondError is the single status-mapping translator every handler below
// routes non-binding errors through, so callers can distinguish retryable,
// permanent, and conflicting failures instead of seeing an undifferentiated
// 500.
func respondError(c *gin.Context, err error) {
	c.JSON(statusForKind(riskerr.KindOf(err)), gin.H{"error": err.Error()})
}

// Handlers: auth

func registerHandler(authService *services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req services.RegisterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		resp, err := authService.Register(c.Request.Context(), &req)
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusCreated, resp)
	}
}

func loginHandler(authService *services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req services.LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		resp, err := authService.Login(c.Request.Context(), &req)
		if err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, resp)
	}
}

func refreshTokenHandler(authService *services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader(auth.AuthorizationHeader)
		token := ""
		if len(authHeader) > len(auth.BearerPrefix) {
			token = authHeader[len(auth.BearerPrefix):]
		}
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		resp, err := authService.RefreshToken(c.Request.Context(), token)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// Handlers: ingestion

func ingestEventHandler(gateway *ingestion.Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ingestion.EventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		orgID, _ := auth.GetUserOrgFromContext(c)
		resp, err := gateway.Ingest(c.Request.Context(), orgID, &req, c.ClientIP(), c.Request.UserAgent())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, resp)
	}
}

// authEventRequest is the narrow payload accepted at POST /events/auth: an
// authentication attempt, promoted to a canonical "auth" Event.
type authEventRequest struct {
	EventID   string            `json:"event_id"`
	Timestamp *time.Time        `json:"timestamp,omitempty"`
	Actor     models.Actor      `json:"actor"`
	Context   models.GeoContext `json:"context,omitempty"`
	Success   bool              `json:"success"`
	Method    string            `json:"method,omitempty"`
}

func ingestAuthEventHandler(gateway *ingestion.Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req authEventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		eventReq := ingestion.EventRequest{
			EventID:   req.EventID,
			EventType: models.EventTypeAuth,
			Timestamp: req.Timestamp,
			Actor:     req.Actor,
			Context:   req.Context,
			Payload: map[string]interface{}{
				"success": req.Success,
				"method":  req.Method,
			},
		}

		orgID, _ := auth.GetUserOrgFromContext(c)
		resp, err := gateway.Ingest(c.Request.Context(), orgID, &eventReq, c.ClientIP(), c.Request.UserAgent())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, resp)
	}
}

// transactionEventRequest is the narrow payload accepted at
// POST /events/transaction, promoted to a canonical "transaction" Event.
type transactionEventRequest struct {
	EventID   string            `json:"event_id"`
	Timestamp *time.Time        `json:"timestamp,omitempty"`
	Actor     models.Actor      `json:"actor"`
	Context   models.GeoContext `json:"context,omitempty"`
	Amount    float64           `json:"amount"`
	Currency  string            `json:"currency,omitempty"`
	Merchant  string            `json:"merchant,omitempty"`
}

func ingestTransactionEventHandler(gateway *ingestion.Gateway) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req transactionEventRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		eventReq := ingestion.EventRequest{
			EventID:   req.EventID,
			EventType: models.EventTypeTransaction,
			Timestamp: req.Timestamp,
			Actor:     req.Actor,
			Context:   req.Context,
			Payload: map[string]interface{}{
				"amount":   req.Amount,
				"currency": req.Currency,
				"merchant": req.Merchant,
			},
		}

		orgID, _ := auth.GetUserOrgFromContext(c)
		resp, err := gateway.Ingest(c.Request.Context(), orgID, &eventReq, c.ClientIP(), c.Request.UserAgent())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, resp)
	}
}

// Handlers: risk decisions

func getDecisionHandler(repo *repositories.DecisionRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, _ := auth.GetUserOrgFromContext(c)
		decision, err := repo.GetByEventID(c.Request.Context(), orgID, c.Param("event_id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, decision)
	}
}

func getUserDecisionsHandler(repo *repositories.DecisionRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, _ := auth.GetUserOrgFromContext(c)
		page, pageSize := paginationParams(c)
		decisions, total, err := repo.GetByUser(c.Request.Context(), orgID, c.Param("user_id"), page, pageSize)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, models.PaginatedResponse{
			Data:       decisions,
			Pagination: models.Pagination{Page: page, PageSize: pageSize, Total: total},
		})
	}
}

func getDecisionsByLevelHandler(repo *repositories.DecisionRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, _ := auth.GetUserOrgFromContext(c)
		page, pageSize := paginationParams(c)
		decisions, total, err := repo.GetByLevel(c.Request.Context(), orgID, c.Param("level"), page, pageSize)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, models.PaginatedResponse{
			Data:       decisions,
			Pagination: models.Pagination{Page: page, PageSize: pageSize, Total: total},
		})
	}
}

func paginationParams(c *gin.Context) (page, pageSize int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ = strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 20
	}
	return
}

// Handlers: rule registry

func getCurrentRuleSetHandler(registry *rules.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		rs := registry.Current()
		if rs == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no rule set installed"})
			return
		}
		c.JSON(http.StatusOK, rs)
	}
}

func getRuleHistoryHandler(registry *rules.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"versions": registry.History()})
	}
}

// getRuleStatsHandler surfaces the installed rule set's composition
// (per-type counts, gates, scoring config, load time) alongside how often
// each rule has triggered over the trailing 7 days.
func getRuleStatsHandler(registry *rules.Registry, repo *repositories.DecisionRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		rs := registry.Current()
		if rs == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no rule set installed"})
			return
		}

		orgID, _ := auth.GetUserOrgFromContext(c)
		since := time.Now().AddDate(0, 0, -7)
		counts, err := repo.RuleTriggerCounts(c.Request.Context(), orgID, since)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"rule_set":       rs.Stats(),
			"window_days":    7,
			"trigger_counts": counts,
		})
	}
}

// validateRuleSetHandler parses and validates a candidate rule source
// without installing it, so an analyst can check a draft before it's ever
// written to the live source path (spec §12).
func validateRuleSetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var src rules.Source
		if err := c.ShouldBindYAML(&src); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"valid": false, "error": err.Error()})
			return
		}
		if err := src.Validate(); err != nil {
			c.JSON(http.StatusOK, gin.H{"valid": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"valid": true})
	}
}

func reloadRulesHandler(registry *rules.Registry, auditSvc *audit.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		force := c.Query("force") == "true"
		result, err := registry.Reload(c.Request.Context(), force)
		if err != nil {
			c.JSON(statusForKind(riskerr.KindOf(err)), gin.H{"error": err.Error(), "status": result.Status})
			return
		}
		if result.Status == "installed" {
			auditRuleChange(c, auditSvc, "rule_reload", result.Version, models.JSONB{
				"version": result.Version, "hash": result.Hash,
			})
		}
		c.JSON(http.StatusOK, result)
	}
}

func rollbackRulesHandler(registry *rules.Registry, auditSvc *audit.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		version := c.Param("version")
		if err := registry.Rollback(c.Request.Context(), version); err != nil {
			respondError(c, err)
			return
		}
		auditRuleChange(c, auditSvc, "rule_rollback", version, models.JSONB{"version": version})
		c.JSON(http.StatusOK, gin.H{"status": "rolled_back", "version": version})
	}
}

// auditRuleChange appends a rule-change entry to the operator's org chain.
// Append failures are logged, not surfaced: the change itself already took
// effect and the caller shouldn't see a success turn into an error.
func auditRuleChange(c *gin.Context, svc *audit.Service, eventType, version string, payload models.JSONB) {
	orgID, _ := auth.GetUserOrgFromContext(c)
	actorID := ""
	if id, ok := auth.GetUserIDFromContext(c); ok {
		actorID = id.String()
	}
	actorRole, _ := auth.GetUserRoleFromContext(c)

	if err := svc.Append(c.Request.Context(), &models.AuditEntry{
		OrgID:        orgID,
		ActorID:      actorID,
		ActorRole:    actorRole,
		EventType:    eventType,
		ResourceType: "rule_set",
		ResourceID:   version,
		Payload:      payload,
	}); err != nil {
		log.Error().Err(err).Str("event_type", eventType).Msg("failed to append rule-change audit entry")
	}
}

// Handlers: audit

func getAuditChainHandler(svc *audit.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, _ := auth.GetUserOrgFromContext(c)
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		filter := repositories.AuditFilter{
			EventType:    c.Query("event_type"),
			ActorID:      c.Query("actor_id"),
			ResourceType: c.Query("resource_type"),
			Limit:        limit,
		}
		entries, err := svc.Query(c.Request.Context(), orgID, filter)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, entries)
	}
}

func getAuditByResourceHandler(svc *audit.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, _ := auth.GetUserOrgFromContext(c)
		entries, err := svc.GetByResource(c.Request.Context(), orgID, c.Param("type"), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, entries)
	}
}

func verifyAuditChainHandler(svc *audit.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, _ := auth.GetUserOrgFromContext(c)
		anomalies, err := svc.VerifyChain(c.Request.Context(), orgID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"intact": len(anomalies) == 0, "anomalies": anomalies})
	}
}

func complianceReportHandler(svc *audit.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, _ := auth.GetUserOrgFromContext(c)
		kind := c.DefaultQuery("report_type", audit.ReportSOC2)
		report, err := svc.GenerateComplianceReport(c.Request.Context(), orgID, kind)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

// Handlers: shadow mode

type logShadowRequest struct {
	RuleID           string  `json:"rule_id" binding:"required"`
	EventID          string  `json:"event_id" binding:"required"`
	UserID           string  `json:"user_id" binding:"required"`
	WouldHaveBlocked bool    `json:"would_have_blocked"`
	Confidence       float64 `json:"confidence"`
}

func logShadowHandler(svc *shadowmode.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req logShadowRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		orgID, _ := auth.GetUserOrgFromContext(c)
		if err := svc.LogShadow(c.Request.Context(), orgID, req.RuleID, req.EventID, req.UserID, req.WouldHaveBlocked, req.Confidence); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"status": "logged"})
	}
}

type labelShadowRequest struct {
	ActualFraud bool   `json:"actual_fraud"`
	Analyst     string `json:"analyst" binding:"required"`
}

func labelShadowHandler(svc *shadowmode.Service, auditSvc *audit.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			respondError(c, riskerr.Wrap(riskerr.InvalidInput, "invalid id", err))
			return
		}
		var req labelShadowRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := svc.Label(c.Request.Context(), id, req.ActualFraud, req.Analyst); err != nil {
			respondError(c, err)
			return
		}

		orgID, _ := auth.GetUserOrgFromContext(c)
		actorRole, _ := auth.GetUserRoleFromContext(c)
		if aerr := auditSvc.Append(c.Request.Context(), &models.AuditEntry{
			OrgID:        orgID,
			ActorID:      req.Analyst,
			ActorRole:    actorRole,
			EventType:    "shadow_label",
			ResourceType: "shadow_result",
			ResourceID:   id.String(),
			Payload:      models.JSONB{"actual_fraud": req.ActualFraud},
			ShadowMode:   true,
		}); aerr != nil {
			log.Error().Err(aerr).Str("shadow_result_id", id.String()).Msg("failed to append shadow-label audit entry")
		}

		c.JSON(http.StatusOK, gin.H{"status": "labeled"})
	}
}

func pendingLabelsHandler(svc *shadowmode.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, _ := auth.GetUserOrgFromContext(c)
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		results, err := svc.PendingLabels(c.Request.Context(), orgID, limit)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, results)
	}
}

func shadowAccuracyHandler(svc *shadowmode.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, _ := auth.GetUserOrgFromContext(c)
		windowHours, _ := strconv.Atoi(c.DefaultQuery("window_hours", "168"))
		acc, err := svc.Accuracy(c.Request.Context(), orgID, c.Param("rule_id"), windowHours)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, acc)
	}
}

func shadowTrendsHandler(svc *shadowmode.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, _ := auth.GetUserOrgFromContext(c)
		days, _ := strconv.Atoi(c.DefaultQuery("days", "14"))
		trends, err := svc.Trends(c.Request.Context(), orgID, c.Param("rule_id"), days)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, trends)
	}
}

func shadowCompareHandler(svc *shadowmode.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, _ := auth.GetUserOrgFromContext(c)
		windowHours, _ := strconv.Atoi(c.DefaultQuery("window_hours", "168"))
		ruleA := c.Query("rule_a")
		ruleB := c.Query("rule_b")
		if ruleA == "" || ruleB == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "rule_a and rule_b are required"})
			return
		}
		cmp, err := svc.Compare(c.Request.Context(), orgID, ruleA, ruleB, windowHours)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, cmp)
	}
}

// Handlers: link analysis

func linkUserRingHandler(repo *repositories.ConnectionRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, _ := auth.GetUserOrgFromContext(c)
		graph, err := linkgraph.Load(c.Request.Context(), repo, orgID)
		if err != nil {
			respondError(c, err)
			return
		}
		depth, _ := strconv.Atoi(c.DefaultQuery("depth", "5"))
		c.JSON(http.StatusOK, gin.H{"connected_users": graph.Connected(c.Param("id"), depth)})
	}
}

func linkRingAnalysisHandler(repo *repositories.ConnectionRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, _ := auth.GetUserOrgFromContext(c)
		graph, err := linkgraph.Load(c.Request.Context(), repo, orgID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, graph.RingAnalysis(c.Param("id")))
	}
}

func linkTopHubsHandler(repo *repositories.ConnectionRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, _ := auth.GetUserOrgFromContext(c)
		graph, err := linkgraph.Load(c.Request.Context(), repo, orgID)
		if err != nil {
			respondError(c, err)
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
		c.JSON(http.StatusOK, graph.TopHubs(limit))
	}
}

func linkGraphDataHandler(repo *repositories.ConnectionRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, _ := auth.GetUserOrgFromContext(c)
		graph, err := linkgraph.Load(c.Request.Context(), repo, orgID)
		if err != nil {
			respondError(c, err)
			return
		}
		nodes, edges := graph.GraphData(c.Param("id"), nil)
		c.JSON(http.StatusOK, gin.H{"nodes": nodes, "edges": edges})
	}
}

type flagRingRequest struct {
	UserIDs []string `json:"user_ids" binding:"required"`
}

func flagRingHandler(repo *repositories.ConnectionRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req flagRingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		orgID, _ := auth.GetUserOrgFromContext(c)
		if err := linkgraph.FlagRing(c.Request.Context(), repo, orgID, req.UserIDs); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "flagged", "user_count": len(req.UserIDs)})
	}
}

// Handlers: webhooks

type createWebhookRequest struct {
	URL            string   `json:"url" binding:"required"`
	Secret         string   `json:"secret"`
	EventTypes     []string `json:"event_types"`
	MinRiskLevel   string   `json:"min_risk_level"`
	TimeoutSeconds int      `json:"timeout_seconds"`
	MaxRetries     int      `json:"max_retries"`
}

func createWebhookHandler(repo *repositories.WebhookRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createWebhookRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		orgID, _ := auth.GetUserOrgFromContext(c)

		secret := req.Secret
		if secret == "" {
			secret = uuid.NewString()
		}

		wh := &models.Webhook{
			OrgID:          orgID,
			URL:            req.URL,
			Secret:         secret,
			EventTypes:     req.EventTypes,
			MinRiskLevel:   req.MinRiskLevel,
			TimeoutSeconds: req.TimeoutSeconds,
			MaxRetries:     req.MaxRetries,
		}
		if err := repo.Create(c.Request.Context(), wh); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"id": wh.ID, "secret": secret})
	}
}

func webhookDeliveryHistoryHandler(repo *repositories.WebhookRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		webhookID, err := uuid.Parse(c.Param("id"))
		if err != nil {
			respondError(c, riskerr.Wrap(riskerr.InvalidInput, "invalid webhook id", err))
			return
		}
		deliveries, err := repo.DeliveryHistory(c.Request.Context(), webhookID, c.Param("event_id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, deliveries)
	}
}
