package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"mindmap-trading-bot/config"
	"mindmap-trading-bot/internal/database"
	"mindmap-trading-bot/internal/logging"
	"mindmap-trading-bot/internal/paper"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// Server hosts the status API and the dashboard WebSocket endpoint.
type Server struct {
	cfg        config.ServerConfig
	store      *database.PositionStore
	archive    *database.TradeArchive
	ledger     *paper.Ledger
	hub        *Hub
	quoteMint  string
	simDeposit float64

	httpServer *http.Server
	startedAt  time.Time
	log        *logging.Logger
}

// NewServer wires the server. archive and ledger may be nil when those
// features are disabled.
func NewServer(
	cfg config.ServerConfig,
	store *database.PositionStore,
	archive *database.TradeArchive,
	ledger *paper.Ledger,
	hub *Hub,
	quoteMint string,
	simInitialBalance float64,
) *Server {
	return &Server{
		cfg:        cfg,
		store:      store,
		archive:    archive,
		ledger:     ledger,
		hub:        hub,
		quoteMint:  quoteMint,
		simDeposit: simInitialBalance,
		log:        logging.WithComponent("api"),
	}
}

// Start launches the HTTP server and the hub pump.
func (s *Server) Start(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	if s.cfg.AllowedOrigins == "" || s.cfg.AllowedOrigins == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = strings.Split(s.cfg.AllowedOrigins, ",")
	}
	corsCfg.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	router.Use(cors.New(corsCfg))

	s.routes(router)

	go s.hub.Run(ctx)

	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler: router,
	}

	go func() {
		s.log.Info("status server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("status server failed", "error", err)
		}
	}()
	return nil
}

// Shutdown drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) routes(router *gin.Engine) {
	apiGroup := router.Group("/api")
	{
		apiGroup.GET("/status", s.handleStatus)
		apiGroup.GET("/positions", s.handlePositions)
		apiGroup.GET("/positions/:id", s.handlePosition)
		apiGroup.GET("/paper/balances", s.handlePaperBalances)
		apiGroup.POST("/paper/reset", s.handlePaperReset)
		apiGroup.GET("/archive/summary", s.handleArchiveSummary)
		apiGroup.GET("/archive/recent", s.handleArchiveRecent)
	}
	router.GET("/ws", func(c *gin.Context) {
		s.hub.ServeWS(c.Writer, c.Request)
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	stats := s.store.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":          "running",
		"uptime_seconds":  int(time.Since(s.startedAt).Seconds()),
		"positions":       stats,
		"redis_available": s.store.IsRedisAvailable(),
		"simulation":      s.ledger != nil,
	})
}

func (s *Server) handlePositions(c *gin.Context) {
	filter := database.QueryFilter{
		AgentID:   c.Query("agent"),
		TokenMint: c.Query("token"),
		Status:    database.PositionStatus(c.Query("status")),
	}

	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}
	if v := c.Query("min_pnl"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			filter.MinPnL = &f
		}
	}
	if v := c.Query("max_pnl"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			filter.MaxPnL = &f
		}
	}
	if v := c.Query("tags"); v != "" {
		filter.Tags = strings.Split(v, ",")
	}

	positions, err := s.store.Query(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions, "count": len(positions)})
}

func (s *Server) handlePosition(c *gin.Context) {
	pos, err := s.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "position not found"})
		return
	}
	c.JSON(http.StatusOK, pos)
}

func (s *Server) handlePaperBalances(c *gin.Context) {
	if s.ledger == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "simulation disabled"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"balances": s.ledger.GetAll()})
}

func (s *Server) handlePaperReset(c *gin.Context) {
	if s.ledger == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "simulation disabled"})
		return
	}
	s.ledger.Reset(s.quoteMint, s.simDeposit)
	s.log.Info("paper ledger reset", "initial_balance", s.simDeposit)
	c.JSON(http.StatusOK, gin.H{"balances": s.ledger.GetAll()})
}

func (s *Server) handleArchiveSummary(c *gin.Context) {
	if s.archive == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "archive disabled"})
		return
	}
	summary, err := s.archive.Summary(c.Request.Context(), c.Query("agent"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleArchiveRecent(c *gin.Context) {
	if s.archive == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "archive disabled"})
		return
	}
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	trades, err := s.archive.Recent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}
