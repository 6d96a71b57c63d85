package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rasta-dave/lightninglens-platform-sub000/internal/config"
	"github.com/rasta-dave/lightninglens-platform-sub000/internal/errors"
	"github.com/rasta-dave/lightninglens-platform-sub000/internal/httpmw"
	"github.com/rasta-dave/lightninglens-platform-sub000/internal/simulation"
	"github.com/rasta-dave/lightninglens-platform-sub000/internal/version"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Consumers connect via the gateway or directly.
	},
}

// HTTPServer exposes the broadcast server over HTTP: the subscriber
// WebSocket endpoint plus the simulation and prediction APIs.
type HTTPServer struct {
	echo   *echo.Echo
	config *config.Config
	server *Server
}

func NewHTTPServer(cfg *config.Config, server *Server) *HTTPServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	h := &HTTPServer{echo: e, config: cfg, server: server}
	h.registerRoutes()
	return h
}

func (h *HTTPServer) registerRoutes() {
	h.echo.Use(httpmw.RequestLogger())
	h.echo.Use(middleware.Recover())
	h.echo.Use(errors.Middleware())
	h.echo.Use(httpmw.RateLimiter(20, 40))

	h.echo.GET("/health", h.handleHealth)
	h.echo.GET("/ws-health", h.handleWSHealth)
	h.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	h.echo.GET("/ws", h.handleWebsocket)

	h.echo.GET("/api/simulations", h.handleListSimulations)
	h.echo.POST("/api/switch-simulation", h.handleSwitchSimulation)
	h.echo.GET("/api/predictions", h.handlePredictions)
	h.echo.GET("/api/latest-predictions", h.handlePredictions)
}

func (h *HTTPServer) Start() error {
	slog.Info("Starting broadcast server", "port", h.config.BroadcastPort, "data_dir", h.config.DataDir)
	if err := h.echo.Start(":" + h.config.BroadcastPort); err != nil {
		return fmt.Errorf("failed to start broadcast server: %w", err)
	}
	return nil
}

func (h *HTTPServer) Shutdown(ctx context.Context) error {
	if err := h.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown broadcast server: %w", err)
	}
	return nil
}

func (h *HTTPServer) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"status": "ok", "build": version.Get()})
}

func (h *HTTPServer) handleWSHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":      "ok",
		"subscribers": h.server.SubscriberCount(),
	})
}

func (h *HTTPServer) handleListSimulations(c echo.Context) error {
	files, err := simulation.ListFiles(h.config.DataDir, h.config.FilePattern)
	if err != nil {
		return errors.InternalError("failed to list simulation files", err)
	}
	names := make([]string, len(files))
	for i, f := range files {
		names[i] = filepath.Base(f)
	}
	return c.JSON(http.StatusOK, map[string]any{"simulations": names})
}

type switchRequest struct {
	FilePath string `json:"filePath"`
}

func (h *HTTPServer) handleSwitchSimulation(c echo.Context) error {
	var req switchRequest
	if err := c.Bind(&req); err != nil {
		return errors.ValidationError("invalid request body")
	}
	if req.FilePath == "" {
		return errors.ValidationError("filePath is required")
	}

	if err := h.server.SwitchFile("", req.FilePath, true); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "switched", "file": filepath.Base(req.FilePath)})
}

func (h *HTTPServer) handlePredictions(c echo.Context) error {
	preds, file, err := simulation.LoadLatestPredictions(h.config.PredictionsDir)
	if err != nil {
		return errors.InternalError("failed to load predictions", err)
	}
	if len(preds) == 0 {
		return c.JSON(http.StatusOK, map[string]any{"predictions": []simulation.Prediction{}, "file": ""})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"predictions": preds,
		"file":        filepath.Base(file),
	})
}

// handleWebsocket upgrades the connection, registers a subscriber, and
// pumps inbound messages into the actor until the consumer leaves.
func (h *HTTPServer) handleWebsocket(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return errors.TransportError("websocket upgrade failed", err)
	}

	clientID := uuid.NewString()
	if err := h.server.Subscribe(clientID, conn); err != nil {
		conn.Close()
		return errors.TransportError("subscribe failed", err)
	}
	defer h.server.Unsubscribe(clientID)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil
		}
		h.server.HandleInbound(clientID, data)
	}
}

