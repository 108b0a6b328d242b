package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"terminal-core/internal/connection"
	"terminal-core/internal/engine"
	"terminal-core/internal/ledger"
)

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected": s.Conn.IsConnected(),
		"state":     s.Conn.State().String(),
		"venue":     s.Meta.Venue,
		"symbols":   s.Meta.Symbols,
		"sim":       s.Meta.Sim,
		"version":   s.Meta.Version,
	})
}

func (s *Server) price(c *gin.Context) {
	symbol := c.Param("symbol")
	if p, ok := s.Feed.LastPrice(symbol); ok {
		c.JSON(http.StatusOK, p)
		return
	}

	p, err := s.Feed.CurrentPrice(c.Request.Context(), symbol)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, connection.ErrNotConnected) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) positions(c *gin.Context) {
	if c.Query("all") == "true" {
		c.JSON(http.StatusOK, s.Engine.Positions())
		return
	}
	c.JSON(http.StatusOK, s.Engine.OpenPositions())
}

func (s *Server) position(c *gin.Context) {
	ticket, err := strconv.ParseInt(c.Param("ticket"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ticket"})
		return
	}
	pos, err := s.Engine.Position(ticket)
	if err != nil {
		if errors.Is(err, engine.ErrTicketNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, pos)
}

func (s *Server) account(c *gin.Context) {
	snap, err := s.Ledger.Snapshot(c.Param("id"))
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) trades(c *gin.Context) {
	if s.DB == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "trade store not configured"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	trades, err := s.DB.ListTrades(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, trades)
}
