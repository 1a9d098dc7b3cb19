// Package api exposes the HTTP surface of the OMS core: order entry,
// queries, positions, metrics, and the admin group.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"oms-core/internal/events"
	"oms-core/internal/monitor"
	"oms-core/internal/oms"
	"oms-core/internal/outbox"
	"oms-core/internal/position"
	"oms-core/internal/reconcile"
	"oms-core/pkg/db"
	"oms-core/pkg/refdata"
)

// Server wires HTTP endpoints around the core services.
type Server struct {
	Router     *gin.Engine
	Bus        *events.Bus
	DB         *db.Database
	Orders     *oms.Service
	Dispatcher *outbox.Dispatcher
	Positions  *position.Aggregator
	Reconciler *reconcile.Service
	Catalog    *refdata.Catalog
	Metrics    *monitor.Metrics
	JWTSecret  string
}

func NewServer(bus *events.Bus, database *db.Database, orders *oms.Service,
	dispatcher *outbox.Dispatcher, positions *position.Aggregator,
	reconciler *reconcile.Service, catalog *refdata.Catalog,
	metrics *monitor.Metrics, jwtSecret string) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(metrics))
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:     r,
		Bus:        bus,
		DB:         database,
		Orders:     orders,
		Dispatcher: dispatcher,
		Positions:  positions,
		Reconciler: reconciler,
		Catalog:    catalog,
		Metrics:    metrics,
		JWTSecret:  jwtSecret,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/metrics", s.getMetrics)

	s.Router.POST("/orders", s.createOrder)
	s.Router.GET("/orders", s.listOrders)
	s.Router.GET("/orders/:id", s.getOrder)
	s.Router.POST("/orders/:id/cancel", s.cancelOrder)
	s.Router.GET("/positions", s.getPositions)

	admin := s.Router.Group("/admin")
	admin.Use(AuthMiddleware(s.JWTSecret))
	{
		admin.GET("/reconcile/internal", s.reconcileInternal)
		admin.GET("/risk-limits", s.listRiskLimits)
		admin.POST("/risk-limits", s.createRiskLimit)
		admin.PUT("/risk-limits/:id", s.updateRiskLimit)
		admin.DELETE("/orders/:id", s.deleteOrder)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.Metrics.Snapshot())
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
