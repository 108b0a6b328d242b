// Package api exposes read-only HTTP and websocket views of the execution
// core for UI collaborators. It carries no auth: sessions are an external
// collaborator's concern.
package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"terminal-core/internal/connection"
	"terminal-core/internal/engine"
	"terminal-core/internal/events"
	"terminal-core/internal/feed"
	"terminal-core/internal/ledger"
	"terminal-core/pkg/db"
)

// Server wires HTTP endpoints around the core components.
type Server struct {
	Router *gin.Engine
	Bus    *events.Bus
	DB     *db.Database
	Conn   *connection.Manager
	Feed   *feed.Feed
	Engine *engine.Engine
	Ledger *ledger.Ledger
	Meta   SystemMeta
}

// SystemMeta describes runtime status exposed to the UI.
type SystemMeta struct {
	Venue   string
	Symbols []string
	Sim     bool
	Version string
}

func NewServer(bus *events.Bus, database *db.Database, conn *connection.Manager,
	priceFeed *feed.Feed, eng *engine.Engine, ldg *ledger.Ledger, meta SystemMeta) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router: r,
		Bus:    bus,
		DB:     database,
		Conn:   conn,
		Feed:   priceFeed,
		Engine: eng,
		Ledger: ldg,
		Meta:   meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/healthz", s.healthz)

	v1 := s.Router.Group("/api/v1")
	{
		v1.GET("/status", s.status)
		v1.GET("/prices/:symbol", s.price)
		v1.GET("/positions", s.positions)
		v1.GET("/positions/:ticket", s.position)
		v1.GET("/account/:id", s.account)
		v1.GET("/trades", s.trades)
	}

	s.Router.GET("/ws/ticks", s.websocket)
}

// Run blocks serving HTTP on addr.
func (s *Server) Run(addr string) error {
	return s.Router.Run(addr)
}
