// Package api exposes the custody guard over HTTP: the transaction
// security pipeline, time-lock confirmation, whitelist management,
// incident review, lockdown controls and proof-of-reserves queries.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/cryptanex/custodyguard/internal/incident"
	"github.com/cryptanex/custodyguard/internal/reserves"
	"github.com/cryptanex/custodyguard/internal/security"
	"github.com/cryptanex/custodyguard/internal/security/antiphish"
	"github.com/cryptanex/custodyguard/internal/security/lockdown"
	"github.com/cryptanex/custodyguard/internal/security/timelock"
	"github.com/cryptanex/custodyguard/internal/security/whitelist"
	"github.com/cryptanex/custodyguard/internal/ws"
)

// Config carries the HTTP-layer tunables.
type Config struct {
	AllowedOrigins  []string
	RateLimitRPS    float64
	RateLimitBurst  int
	JWTSecret       string
	JWTIssuer       string
	AdminTOTPSecret string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
}

// Server is the API server.
type Server struct {
	router  *gin.Engine
	httpSrv *http.Server
	logger  *zap.Logger
	config  Config

	pipeline  *security.Service
	timelocks *timelock.Manager
	reserves  *reserves.Service
	whitelist *whitelist.Gate
	incidents *incident.Service
	lockdown  *lockdown.Controller
	phishing  *antiphish.Service
	feed      *ws.Hub

	verifier    *TokenVerifier
	rateLimiter gin.HandlerFunc
}

// NewServer wires the router with the injected services.
func NewServer(
	config Config,
	pipeline *security.Service,
	timelocks *timelock.Manager,
	reservesSvc *reserves.Service,
	whitelistGate *whitelist.Gate,
	incidents *incident.Service,
	lockdownCtl *lockdown.Controller,
	phishing *antiphish.Service,
	feed *ws.Hub,
	logger *zap.Logger,
) *Server {
	if config.RateLimitRPS <= 0 {
		config.RateLimitRPS = 50
	}
	if config.RateLimitBurst <= 0 {
		config.RateLimitBurst = 100
	}
	if len(config.AllowedOrigins) == 0 {
		config.AllowedOrigins = []string{"*"}
	}

	server := &Server{
		logger:      logger,
		config:      config,
		pipeline:    pipeline,
		timelocks:   timelocks,
		reserves:    reservesSvc,
		whitelist:   whitelistGate,
		incidents:   incidents,
		lockdown:    lockdownCtl,
		phishing:    phishing,
		feed:        feed,
		verifier:    NewTokenVerifier(config.JWTSecret, config.JWTIssuer),
		rateLimiter: rateLimitMiddleware(config.RateLimitRPS, config.RateLimitBurst),
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(otelgin.Middleware("custodyguard-api"))
	router.Use(securityHeadersMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     config.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-TOTP-Code"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	server.router = router
	server.registerRoutes()
	return server
}

// Router returns the gin engine, for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start serves until Shutdown is called or the listener fails.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
	s.logger.Info("starting API server", zap.String("addr", addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	s.logger.Info("shutting down API server")
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// live security event feed
	s.router.GET("/ws/security", s.authMiddleware(), func(c *gin.Context) {
		s.feed.Serve(c.Writer, c.Request)
	})

	v1 := s.router.Group("/api/v1")

	// proof-of-reserves reads are public: anyone may audit solvency
	reservesPub := v1.Group("/reserves")
	{
		reservesPub.GET("/snapshot", s.getSnapshot)
		reservesPub.GET("/snapshots", s.listSnapshots)
		reservesPub.GET("/proof", s.getInclusionProof)
		reservesPub.GET("/verify", s.verifyBalance)
	}

	protected := v1.Group("")
	protected.Use(s.authMiddleware(), s.rateLimiter)
	{
		sec := protected.Group("/security")
		{
			sec.POST("/validate-transaction", s.validateTransaction)

			sec.GET("/timelocks/:id", s.getTimeLock)
			sec.POST("/timelocks/:id/confirm", s.confirmTimeLock)
			sec.POST("/timelocks/:id/cancel", s.cancelTimeLock)

			sec.GET("/whitelist", s.listWhitelist)
			sec.POST("/whitelist", s.addWhitelistEntry)
			sec.DELETE("/whitelist", s.removeWhitelistEntry)

			sec.GET("/incidents", s.listIncidents)
			sec.GET("/incidents/:id", s.getIncident)
			sec.GET("/fraud", s.listFraudLogs)

			sec.POST("/anti-phishing", s.setAntiPhishingCode)

			sec.GET("/lockdown", s.lockdownStatus)
		}

		reservesAuth := protected.Group("/reserves")
		{
			reservesAuth.POST("/snapshot", s.generateSnapshot)
			reservesAuth.POST("/proof", s.generateMultiChainProof)
		}
	}

	admin := v1.Group("/security")
	admin.Use(s.authMiddleware(), s.adminMiddleware())
	{
		admin.POST("/incidents/:id/resolve", s.resolveIncident)

		lock := admin.Group("/lockdown")
		lock.Use(s.totpStepUp())
		{
			lock.POST("/activate", s.activateLockdown)
			lock.POST("/deactivate", s.deactivateLockdown)
		}
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

// writeError hides internal detail behind a 500; the real error goes to
// the log.
func (s *Server) writeError(c *gin.Context, err error) {
	s.logger.Error("handler error",
		zap.String("path", c.FullPath()),
		zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

// actor resolves who is acting from the authenticated claims.
func actor(c *gin.Context) string {
	claims, exists := c.Get("user_claims")
	if !exists {
		return "api"
	}
	userClaims, ok := claims.(*TokenClaims)
	if !ok {
		return "api"
	}
	if userClaims.Email != "" {
		return userClaims.Email
	}
	return userClaims.UserID.String()
}
