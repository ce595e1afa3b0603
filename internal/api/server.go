package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"spot-trading-bot/config"
	"spot-trading-bot/internal/bot"
	"spot-trading-bot/internal/events"
	"spot-trading-bot/internal/trader"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

// maxRecentTrades bounds the in-memory trade history served to the
// dashboard. The full history lives in the trade log on disk.
const maxRecentTrades = 200

// BotControl is the surface the dashboard drives.
type BotControl interface {
	Start() error
	Stop()
	IsRunning() bool
	SellAll()
	Status() bot.Status
	AnalysisSnapshot() []bot.Analysis
}

// Server is the dashboard HTTP and WebSocket surface.
type Server struct {
	cfg        config.ServerConfig
	authCfg    config.AuthConfig
	router     *gin.Engine
	httpServer *http.Server
	bot        BotControl
	manager    *trader.Manager
	hub        *WSHub
	logger     zerolog.Logger

	mu     sync.Mutex
	trades []trader.TradeRecord
}

func NewServer(cfg config.ServerConfig, authCfg config.AuthConfig, botCtl BotControl, manager *trader.Manager, bus *events.EventBus, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	if origins := cfg.ParseOrigins(); len(origins) == 1 && origins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = origins
		corsConfig.AllowCredentials = true
	}
	router.Use(cors.New(corsConfig))

	s := &Server{
		cfg:     cfg,
		authCfg: authCfg,
		router:  router,
		bot:     botCtl,
		manager: manager,
		hub:     NewWSHub(logger),
		logger:  logger.With().Str("component", "api").Logger(),
	}

	go s.hub.Run()
	if bus != nil {
		bus.SubscribeAll(s.hub.BroadcastEvent)
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ws", s.handleWebSocket)

	if s.authCfg.Enabled {
		s.router.POST("/api/auth/login", s.handleLogin)
	}

	api := s.router.Group("/api")
	if s.authCfg.Enabled {
		api.Use(s.authMiddleware())
	}
	api.GET("/status", s.handleStatus)
	api.GET("/positions", s.handlePositions)
	api.GET("/analysis", s.handleAnalysis)
	api.GET("/trades", s.handleTrades)
	api.GET("/problems", s.handleProblems)
	api.POST("/bot/start", s.handleBotStart)
	api.POST("/bot/stop", s.handleBotStop)
	api.POST("/bot/sell-all", s.handleSellAll)
}

// Start serves HTTP on the configured address until Stop is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	s.logger.Info().Str("addr", addr).Msg("dashboard server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard server: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// RecordTrade keeps a bounded in-memory history for the dashboard.
// Wired into the position manager's trade handler.
func (s *Server) RecordTrade(record trader.TradeRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trades = append(s.trades, record)
	if len(s.trades) > maxRecentTrades {
		s.trades = s.trades[len(s.trades)-maxRecentTrades:]
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.bot.Status())
}

func (s *Server) handlePositions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"positions": s.manager.Snapshot()})
}

func (s *Server) handleAnalysis(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"analysis": s.bot.AnalysisSnapshot()})
}

func (s *Server) handleTrades(c *gin.Context) {
	s.mu.Lock()
	trades := append([]trader.TradeRecord(nil), s.trades...)
	s.mu.Unlock()

	// Newest first.
	for i, j := 0, len(trades)-1; i < j; i, j = i+1, j-1 {
		trades[i], trades[j] = trades[j], trades[i]
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) handleProblems(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"problems": s.manager.Problems()})
}

func (s *Server) handleBotStart(c *gin.Context) {
	if err := s.bot.Start(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"running": true})
}

func (s *Server) handleBotStop(c *gin.Context) {
	s.bot.Stop()
	c.JSON(http.StatusOK, gin.H{"running": false})
}

func (s *Server) handleSellAll(c *gin.Context) {
	s.bot.SellAll()
	c.JSON(http.StatusOK, gin.H{"message": "all positions liquidated"})
}

type loginRequest struct {
	Password string `json:"password" binding:"required"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "password required"})
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(s.authCfg.PasswordHash), []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	duration := s.authCfg.TokenDuration
	if duration <= 0 {
		duration = 24 * time.Hour
	}
	claims := jwt.RegisteredClaims{
		Subject:   "dashboard",
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(duration)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.authCfg.JWTSecret))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      signed,
		"expires_in": int(duration.Seconds()),
	})
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		token, err := jwt.ParseWithClaims(header[len(prefix):], &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(s.authCfg.JWTSecret), nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Next()
	}
}
