package ui

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/d1nch8g/interviewer/engine"
	"github.com/d1nch8g/interviewer/logger"
)

const writeWait = 5 * time.Second

// Session is the part of the engine the UI may touch. The UI reads
// snapshots and sends commands; it never writes conversation state.
type Session interface {
	Snapshot() engine.Snapshot
	End() error
	ToggleMic() (bool, error)
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type MicResponse struct {
	Muted bool `json:"muted"`
}

// Server serves the live room: state snapshots over HTTP and websocket, plus
// the end-call and mic buttons.
type Server struct {
	session  Session
	hub      *Hub
	log      *zap.SugaredLogger
	router   *gin.Engine
	upgrader websocket.Upgrader
	srv      *http.Server
}

func NewServer(addr string, session Session, hub *Hub, log *zap.SugaredLogger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		session: session,
		hub:     hub,
		log:     logger.OrNop(log),
		router:  gin.New(),
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	s.router.Use(gin.Recovery(), s.requestLog())
	s.routes()
	s.srv = &http.Server{Addr: addr, Handler: s.router.Handler()}
	return s
}

func (s *Server) routes() {
	s.router.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	api := s.router.Group("/api/session")
	{
		api.GET("/state", s.handleState)
		api.POST("/end", s.handleEnd)
		api.POST("/mic", s.handleMic)
	}
	s.router.GET("/ws", s.handleWebSocket)
}

func (s *Server) Handler() http.Handler { return s.router.Handler() }

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		s.log.Infow("ui listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorw("ui server stopped", "error", err)
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debugw("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start))
	}
}

func (s *Server) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, s.session.Snapshot())
}

func (s *Server) handleEnd(c *gin.Context) {
	err := s.session.End()
	switch {
	case errors.Is(err, engine.ErrNotStarted):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
	case err != nil:
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
	default:
		c.Status(http.StatusAccepted)
	}
}

func (s *Server) handleMic(c *gin.Context) {
	muted, err := s.session.ToggleMic()
	switch {
	case errors.Is(err, engine.ErrNotStarted):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
	case errors.Is(err, engine.ErrSessionEnded):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
	case errors.Is(err, engine.ErrNoMicrophone):
		c.JSON(http.StatusNotImplemented, ErrorResponse{Error: err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	default:
		c.JSON(http.StatusOK, MicResponse{Muted: muted})
	}
}

// handleWebSocket streams every snapshot to the client until it disconnects.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warnw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	snaps, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()

	// The feed is one-way; reading only notices the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if _, ok := s.hub.Latest(); !ok {
		if err := s.write(conn, s.session.Snapshot()); err != nil {
			return
		}
	}

	for {
		select {
		case <-closed:
			return
		case snap := <-snaps:
			if err := s.write(conn, snap); err != nil {
				s.log.Debugw("websocket write failed", "error", err)
				return
			}
		}
	}
}

func (s *Server) write(conn *websocket.Conn, snap engine.Snapshot) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(snap)
}
