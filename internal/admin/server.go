// Package admin implements the replica's operator-facing HTTP surface:
// status/health endpoints, JWT-gated operator actions (force snapshot),
// a Prometheus scrape endpoint, and a websocket stream of decided client
// requests. It talks to internal/replica only through the small exported
// accessor surface (Pending, CurrentView, IsLeader, ForceSnapshot,
// SubscribeDecided, SubmitClientRequest) — the admin surface is a
// collaborator of the replica, never the other way around.
package admin

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ruvnet/paxosrep/internal/middleware"
	"github.com/ruvnet/paxosrep/internal/replica"
	"github.com/ruvnet/paxosrep/pkg/metrics"
)

var validate = validator.New()

// Server owns the gin engine backing the replica's admin HTTP surface.
type Server struct {
	rep    *replica.Replica
	mx     *metrics.Metrics
	logger *zap.Logger
	engine *gin.Engine
	hub    *hub
}

// New builds an admin Server wired to rep. jwtSecret gates the
// operator-only routes; an empty secret disables the /admin group
// entirely (status/health/metrics/ws stay open), which is convenient for
// local clusters that don't need operator auth.
func New(rep *replica.Replica, mx *metrics.Metrics, jwtSecret string, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	h := newHub(logger)
	rep.SubscribeDecided(func(ev replica.DecidedEvent) {
		h.broadcast(ev)
	})

	s := &Server{rep: rep, mx: mx, logger: logger, engine: engine, hub: h}
	s.routes(jwtSecret)
	return s
}

// Handler returns the underlying http.Handler, for http.Server / httptest.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes(jwtSecret string) {
	s.engine.GET("/health", s.health)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.mx.Registry(), promhttp.HandlerOpts{})))
	s.engine.GET("/status", s.status)
	s.engine.GET("/ws/decided", s.wsDecided)

	if jwtSecret == "" {
		s.logger.Warn("admin JWT secret is empty, operator routes are disabled")
		return
	}

	auth := middleware.NewJWTAuthService(jwtSecret)
	ops := s.engine.Group("/admin")
	ops.Use(middleware.Auth(auth))
	ops.Use(middleware.RateLimit(60, 10))
	{
		ops.POST("/snapshot", middleware.RequireRole("operator"), s.forceSnapshot)
		ops.POST("/propose", middleware.RequireRole("operator"), s.proposeOverride)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "time": time.Now()})
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"view":    s.rep.CurrentView(),
		"leader":  s.rep.IsLeader(),
		"pending": s.rep.Pending(),
	})
}

func (s *Server) forceSnapshot(c *gin.Context) {
	if err := s.rep.ForceSnapshot(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "snapshot triggered"})
}

// proposeOverrideRequest lets an operator inject a raw command through
// SubmitClientRequest, the same admission-controlled path a client request
// takes — for break-glass operational use, not the normal client write path.
type proposeOverrideRequest struct {
	ClientID int64  `json:"client_id" validate:"required"`
	Seq      int32  `json:"seq" validate:"required"`
	Payload  string `json:"payload" validate:"required"`
}

func (s *Server) proposeOverride(c *gin.Context) {
	var req proposeOverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := validate.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	reply, err := s.rep.SubmitClientRequest(ctx, req.ClientID, req.Seq, []byte(req.Payload))
	if err != nil {
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": reply.Status, "result": string(reply.Result)})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// hub fans out DecidedEvent notifications to every connected websocket
// client, dropping slow readers rather than blocking the dispatcher
// goroutine that feeds it.
type hub struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]chan replica.DecidedEvent
	logger  *zap.Logger
}

func newHub(logger *zap.Logger) *hub {
	return &hub{clients: map[uuid.UUID]chan replica.DecidedEvent{}, logger: logger}
}

func (h *hub) broadcast(ev replica.DecidedEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.clients {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *hub) register() (uuid.UUID, chan replica.DecidedEvent) {
	id := uuid.New()
	ch := make(chan replica.DecidedEvent, 64)
	h.mu.Lock()
	h.clients[id] = ch
	h.mu.Unlock()
	return id, ch
}

func (h *hub) unregister(id uuid.UUID) {
	h.mu.Lock()
	if ch, ok := h.clients[id]; ok {
		close(ch)
		delete(h.clients, id)
	}
	h.mu.Unlock()
}

func (s *Server) wsDecided(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	id, ch := s.hub.register()
	defer s.hub.unregister(id)

	for ev := range ch {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}
