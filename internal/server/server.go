// Package server implements the WebSocket gateway engine: listener setup,
// connection admission, frame dispatch, heartbeat liveness probing, and
// graceful shutdown. The gateway is a dumb pipe; it owns framing,
// multiplexing, lifecycle and resource safety, never model semantics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/jeffnash/bridge-ws/internal/config"
	"github.com/jeffnash/bridge-ws/internal/protocol"
	"github.com/jeffnash/bridge-ws/internal/runner"
)

// Close codes for admission failures. Reported via the close frame only;
// rejected connections never see a protocol frame.
const (
	CloseAuthFailed     = 4001
	CloseOriginRejected = 4003
)

// closeWriteTimeout bounds the best-effort close handshake on rejection.
const closeWriteTimeout = 5 * time.Second

// Factories carries the per-provider runner constructors. Zero-valued
// entries fall back to the production runners; tests substitute in-memory
// runners here.
type Factories struct {
	Claude runner.Factory
	Codex  runner.Factory
	Ollama runner.Factory
}

// Server is the gateway engine. It exclusively owns the connection set; each
// connection exclusively owns its runners and request registry.
type Server struct {
	cfg       atomic.Pointer[config.Config]
	factories Factories

	upgrader websocket.Upgrader
	httpSrv  *http.Server

	mu    sync.Mutex
	conns map[*connection]struct{}
}

// New constructs a server from configuration. Factory overrides left nil use
// the production runners.
func New(cfg *config.Config, factories Factories) *Server {
	s := &Server{
		factories: factories,
		conns:     make(map[*connection]struct{}),
	}
	s.cfg.Store(cfg)

	timeout := cfg.RunTimeout()
	sessionSubdir := cfg.SessionDir()
	if s.factories.Claude == nil {
		claudeCfg := cfg.Claude
		s.factories.Claude = func() runner.Runner {
			return runner.NewClaude(claudeCfg, sessionSubdir, timeout)
		}
	}
	if s.factories.Codex == nil {
		codexCfg := cfg.Codex
		s.factories.Codex = func() runner.Runner {
			return runner.NewCodex(codexCfg, sessionSubdir, timeout)
		}
	}
	if s.factories.Ollama == nil {
		ollamaCfg := cfg.Ollama
		s.factories.Ollama = func() runner.Runner {
			return runner.NewOllama(ollamaCfg.BaseURL, ollamaCfg.DefaultModel, timeout)
		}
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Origin policy is enforced after the upgrade so rejections can
		// carry the 4003 close code.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", s.handleHealthz)
	router.GET("/", s.handleUpgrade)
	router.NoRoute(func(c *gin.Context) { c.Status(http.StatusNotFound) })

	s.httpSrv = &http.Server{Handler: router}
	return s
}

// ApplyConfig swaps the admission settings (API key, origin allowlist) at
// runtime. Listener address, timeouts and provider wiring keep their boot
// values.
func (s *Server) ApplyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	s.cfg.Store(cfg)
	log.WithFields(log.Fields{
		"api_key_set":     cfg.APIKey != "",
		"allowed_origins": len(cfg.AllowedOrigins),
	}).Info("server: admission settings updated")
}

// ConnectionCount returns the number of live connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Run serves until ctx is cancelled, then drains: every connection's runners
// are disposed and its socket terminated before the listener closes.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.cfg.Load()
	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	if cfg.MaxConnections > 0 {
		listener = netutil.LimitListener(listener, cfg.MaxConnections)
	}
	log.WithFields(log.Fields{"addr": addr, "agent": cfg.Agent()}).Info("server: listening")

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if errServe := s.httpSrv.Serve(listener); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			return errServe
		}
		return nil
	})

	group.Go(func() error {
		s.heartbeatLoop(groupCtx)
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		s.shutdown()
		return nil
	})

	return group.Wait()
}

// shutdown terminates every connection and stops the HTTP server.
func (s *Server) shutdown() {
	s.mu.Lock()
	conns := make([]*connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[*connection]struct{})
	s.mu.Unlock()

	for _, c := range conns {
		c.terminate()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)
	log.Info("server: stopped")
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": s.ConnectionCount(),
	})
}

// handleUpgrade admits one WebSocket connection: upgrade, origin check, API
// key check, handshake frame, then the read loop until the peer goes away.
func (s *Server) handleUpgrade(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithFields(log.Fields{"error": err.Error()}).Warn("server: upgrade failed")
		return
	}

	cfg := s.cfg.Load()
	origin := c.GetHeader("Origin")
	if !cfg.OriginAllowed(origin) {
		log.WithFields(log.Fields{"origin": origin}).Warn("server: origin rejected")
		rejectConn(ws, CloseOriginRejected, "Origin not allowed")
		return
	}
	if cfg.APIKey != "" && c.GetHeader("Authorization") != "Bearer "+cfg.APIKey {
		log.Warn("server: authentication failed")
		rejectConn(ws, CloseAuthFailed, "Invalid or missing API key")
		return
	}

	conn := newConnection(uuid.NewString(), ws, s)
	ws.SetReadLimit(cfg.FrameLimit())
	ws.SetPongHandler(func(string) error {
		conn.isAlive.Store(true)
		return nil
	})

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	total := len(s.conns)
	s.mu.Unlock()
	log.WithFields(log.Fields{"conn_id": conn.id, "connections": total}).Info("server: connection established")

	// The connected frame precedes all others on the connection.
	conn.send(protocol.NewConnected(cfg.Agent()))

	s.readLoop(conn)
}

// rejectConn closes an admitted socket with an application close code. No
// protocol frame is sent on rejection paths.
func rejectConn(ws *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(closeWriteTimeout)
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = ws.Close()
}

// readLoop processes inbound frames in arrival order until the peer closes
// or the socket errors, then tears the connection down.
func (s *Server) readLoop(conn *connection) {
	defer s.dropConnection(conn, "peer closed")
	for {
		msgType, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		conn.dispatch(data)
	}
}

// dropConnection removes the connection from the table and releases its
// resources. Safe when the connection was already removed by the heartbeat
// or shutdown path.
func (s *Server) dropConnection(conn *connection, reason string) {
	s.mu.Lock()
	_, present := s.conns[conn]
	delete(s.conns, conn)
	total := len(s.conns)
	s.mu.Unlock()

	conn.terminate()
	if present {
		log.WithFields(log.Fields{"conn_id": conn.id, "reason": reason, "connections": total}).Info("server: connection closed")
	}
}

// heartbeatLoop probes liveness on a fixed cadence: a connection that failed
// to pong since the previous sweep is terminated; everyone else is pinged
// and must pong before the next sweep.
func (s *Server) heartbeatLoop(ctx context.Context) {
	interval := s.cfg.Load().HeartbeatInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepConnections()
		}
	}
}

func (s *Server) sweepConnections() {
	s.mu.Lock()
	conns := make([]*connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		if !conn.isAlive.Load() {
			log.WithFields(log.Fields{"conn_id": conn.id}).Warn("server: heartbeat timeout")
			s.dropConnection(conn, "heartbeat timeout")
			continue
		}
		conn.isAlive.Store(false)
		deadline := time.Now().Add(closeWriteTimeout)
		if err := conn.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			log.WithFields(log.Fields{"conn_id": conn.id, "error": err.Error()}).Warn("server: ping failed")
			s.dropConnection(conn, "ping failed")
		}
	}
}

// newRunner constructs a runner for the given provider tag.
func (s *Server) newRunner(provider protocol.Provider) runner.Runner {
	switch provider {
	case protocol.ProviderCodex:
		return s.factories.Codex()
	case protocol.ProviderOllama:
		return s.factories.Ollama()
	default:
		return s.factories.Claude()
	}
}
