package httpapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dnewmon/broadcast-socket-sub000/internal/broadcast"
	"github.com/dnewmon/broadcast-socket-sub000/internal/config"
	"github.com/dnewmon/broadcast-socket-sub000/internal/gateway"
	"github.com/dnewmon/broadcast-socket-sub000/internal/logger"
	"github.com/dnewmon/broadcast-socket-sub000/internal/metrics"
	"github.com/dnewmon/broadcast-socket-sub000/internal/store"
	"github.com/dnewmon/broadcast-socket-sub000/internal/subscription"
)

// APIError is the standard error response body.
type APIError struct {
	Error string `json:"error"`
}

// Server wires the REST surface, the WebSocket upgrade endpoint and the
// metrics endpoint onto one gin router.
type Server struct {
	cfg        *config.Config
	store      store.Store
	engine     *broadcast.Engine
	supervisor *gateway.Supervisor
	subs       *subscription.Registry
	metrics    *metrics.Metrics
	logger     *logger.Logger
	startedAt  time.Time

	rateMu     sync.Mutex
	lastCount  int64
	lastSample time.Time
}

func NewServer(cfg *config.Config, st store.Store, engine *broadcast.Engine, sup *gateway.Supervisor, subs *subscription.Registry, m *metrics.Metrics, log *logger.Logger) *Server {
	now := time.Now()
	return &Server{
		cfg:        cfg,
		store:      st,
		engine:     engine,
		supervisor: sup,
		subs:       subs,
		metrics:    m,
		logger:     log.WithComponent("http"),
		startedAt:  now,
		lastSample: now,
	}
}

// Router builds the gin engine with CORS and all routes attached.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	// CORS middleware
	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", s.cfg.CORSOrigin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	router.GET("/health", s.handleHealth)
	router.GET("/stats", s.handleStats)
	router.POST("/broadcast", s.handleBroadcast)
	router.GET("/history/:channel", s.handleHistory)
	router.GET("/ws", func(c *gin.Context) {
		s.supervisor.HandleWS(c.Writer, c.Request)
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})))

	return router
}

func (s *Server) handleHealth(c *gin.Context) {
	active, _ := s.supervisor.Counts()
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"uptime":      int64(time.Since(s.startedAt).Seconds()),
		"connections": active,
	})
}

func (s *Server) handleStats(c *gin.Context) {
	active, accepted := s.supervisor.Counts()

	totalMessages := int64(0)
	if raw, err := s.store.Get(c.Request.Context(), store.TotalMessagesKey()); err == nil {
		totalMessages, _ = strconv.ParseInt(string(raw), 10, 64)
	}

	c.JSON(http.StatusOK, gin.H{
		"totalConnections":  accepted,
		"activeConnections": active,
		"totalMessages":     totalMessages,
		"messagesPerSecond": s.messagesPerSecond(totalMessages),
		"channels":          s.subs.Stats(),
		"uptime":            int64(time.Since(s.startedAt).Seconds()),
	})
}

// messagesPerSecond derives the publish rate from the shared counter's
// delta since the previous stats call.
func (s *Server) messagesPerSecond(totalMessages int64) float64 {
	s.rateMu.Lock()
	defer s.rateMu.Unlock()

	now := time.Now()
	elapsed := now.Sub(s.lastSample).Seconds()
	if elapsed <= 0 {
		return 0
	}
	delta := totalMessages - s.lastCount
	if delta < 0 {
		// Counter expired and restarted.
		delta = totalMessages
	}
	s.lastCount = totalMessages
	s.lastSample = now
	return float64(delta) / elapsed
}

type broadcastRequest struct {
	Channel string      `json:"channel"`
	Data    interface{} `json:"data"`
}

func (s *Server) handleBroadcast(c *gin.Context) {
	var req broadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, APIError{Error: "invalid request body"})
		return
	}
	if req.Channel == "" {
		req.Channel = "*"
	}
	if req.Data == nil {
		c.JSON(http.StatusBadRequest, APIError{Error: "data is required"})
		return
	}

	data, err := jsonMarshal(req.Data)
	if err != nil {
		c.JSON(http.StatusBadRequest, APIError{Error: "unencodable data"})
		return
	}

	messageID, err := s.engine.BroadcastToChannel(c.Request.Context(), req.Channel, data, "")
	if err != nil {
		status := http.StatusInternalServerError
		if isValidationError(err) {
			status = http.StatusBadRequest
		}
		c.JSON(status, APIError{Error: err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"messageId": messageID,
		"timestamp": time.Now().UnixMilli(),
	})
}

func (s *Server) handleHistory(c *gin.Context) {
	channel := c.Param("channel")
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	history, err := s.engine.MessageHistory(c.Request.Context(), channel, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, APIError{Error: "history lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"channel":  channel,
		"messages": history,
	})
}
