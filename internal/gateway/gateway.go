package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rasta-dave/lightninglens-platform-sub000/internal/config"
	"github.com/rasta-dave/lightninglens-platform-sub000/internal/connclient"
	"github.com/rasta-dave/lightninglens-platform-sub000/internal/errors"
	"github.com/rasta-dave/lightninglens-platform-sub000/internal/httpmw"
	"github.com/rasta-dave/lightninglens-platform-sub000/internal/version"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Dashboards connect from arbitrary origins.
	},
}

// Gateway accepts inbound subscriber connections and relays each one
// to the upstream broadcast server through its own exclusive session.
// Plain HTTP requests are path-prefix routed to upstream targets.
type Gateway struct {
	echo   *echo.Echo
	config *config.Config
	router *Router
	clock  clockwork.Clock

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewGateway(cfg *config.Config, clock clockwork.Clock) *Gateway {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	prefixes := map[string]Target{
		"/api/predictions":        {Name: "predictions", BaseURL: cfg.PredictionsTargetURL},
		"/api/latest-predictions": {Name: "predictions", BaseURL: cfg.PredictionsTargetURL},
	}
	for prefix, url := range cfg.ExtraRoutes {
		prefixes[prefix] = Target{Name: prefix, BaseURL: url}
	}
	router := NewRouter(Target{Name: "broadcast", BaseURL: cfg.DefaultTargetURL}, prefixes)

	g := &Gateway{
		echo:     e,
		config:   cfg,
		router:   router,
		clock:    clock,
		sessions: make(map[string]*Session),
	}
	g.registerRoutes()
	return g
}

func (g *Gateway) registerRoutes() {
	g.echo.Use(httpmw.RequestLogger())
	g.echo.Use(middleware.Recover())
	g.echo.Use(errors.Middleware())
	g.echo.Use(httpmw.RateLimiter(20, 40))

	g.echo.GET("/health", g.handleHealth)
	g.echo.GET("/ws-health", g.handleWSHealth)
	g.echo.GET("/api/status", g.handleStatus)
	g.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	g.echo.GET("/ws", g.handleWebsocket)

	// Everything else is proxied by path prefix.
	g.echo.Any("/*", g.router.Proxy)
}

func (g *Gateway) Start() error {
	slog.Info("Starting relay gateway", "port", g.config.GatewayPort, "upstream", g.config.UpstreamWSURL)
	if err := g.echo.Start(":" + g.config.GatewayPort); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}
	return nil
}

func (g *Gateway) Shutdown(ctx context.Context) error {
	if err := g.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown gateway: %w", err)
	}
	// echo.Shutdown leaves hijacked websocket connections alone, so
	// live relay sessions must be closed explicitly to send the
	// going-away frame to their subscribers.
	for _, session := range g.snapshotSessions() {
		session.Close()
	}
	return nil
}

func (g *Gateway) addSession(id string, s *Session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions[id] = s
}

func (g *Gateway) removeSession(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.sessions, id)
}

func (g *Gateway) snapshotSessions() []*Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	sessions := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

func (g *Gateway) sessionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

func (g *Gateway) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) handleWSHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": g.sessionCount(),
	})
}

func (g *Gateway) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"gateway":  "ok",
		"sessions": g.sessionCount(),
		"targets":  g.router.Health(c.Request().Context()),
		"build":    version.Get(),
	})
}

// handleWebsocket upgrades the inbound connection and runs a relay
// session against a dedicated upstream client until either side ends.
func (g *Gateway) handleWebsocket(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return errors.TransportError("websocket upgrade failed", err)
	}

	sessionID := uuid.NewString()
	upstream := connclient.New("relay-"+sessionID, g.config.UpstreamWSURL, connclient.Options{
		Clock: g.clock,
	})
	session := NewSession(sessionID, g.config.UpstreamWSURL, conn, upstream, g.clock)

	g.addSession(sessionID, session)
	defer g.removeSession(sessionID)

	session.Run(c.Request().Context())
	return nil
}
