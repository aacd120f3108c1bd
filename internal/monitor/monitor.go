// Package monitor exposes the conductor over HTTP: a JSON status snapshot,
// the stats of the current song, and a WebSocket feed of live events.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/1ureka/ensemble/internal/conductor"
	"github.com/1ureka/ensemble/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Source provides the status snapshot.
type Source interface {
	Status() conductor.Status
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	conductor.Status
	Stats   util.Snapshot `json:"stats"`
	Clients int           `json:"monitor_clients"`
}

// Server is the monitor HTTP server.
type Server struct {
	src    Source
	hub    *Hub
	router *gin.Engine
	srv    *http.Server
}

// New builds the router. Nothing listens until Start.
func New(src Source, hub *Hub) *Server {
	s := &Server{src: src, hub: hub, router: gin.New()}
	s.router.Use(gin.Recovery())
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.router.GET("/status", s.status)
	s.router.GET("/song", s.song)
	s.router.GET("/ws", s.ws)
	return s
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on addr and serves in the background. It returns the bound
// address.
func (s *Server) Start(addr string) (net.Addr, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start monitor: %w", err)
	}
	s.srv = &http.Server{Handler: s.router}

	go func() {
		if err := s.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("monitor stopped: %v", err)
		}
	}()
	return listener.Addr(), nil
}

// Shutdown stops the server and disconnects WebSocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		Status:  s.src.Status(),
		Stats:   util.Stats.Snapshot(),
		Clients: s.hub.Clients(),
	})
}

func (s *Server) song(c *gin.Context) {
	st, ok := s.hub.LastSong()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no song loaded"})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) ws(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	s.hub.serve(conn)
}
