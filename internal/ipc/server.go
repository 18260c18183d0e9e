package ipc

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server wraps an echo instance with the thread API routes.
type Server struct {
	echo *echo.Echo
	addr string
}

// NewServer creates a Server that binds to listenAddr. A nil gatherer
// serves the default prometheus registry on /metrics.
func NewServer(h *Handler, listenAddr string, gatherer prometheus.Gatherer) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization},
	}))

	log := h.logger()
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if m, ok := he.Message.(string); ok {
				msg = m
			}
		}
		req := c.Request()
		log.Warn("http request failed",
			zap.Int("status", code), zap.String("method", req.Method),
			zap.String("path", req.URL.Path), zap.Error(err))
		if !c.Response().Committed {
			_ = c.JSON(code, APIError{Code: code, Message: msg})
		}
	}

	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := e.Group("/api/v1")
	api.GET("/health", h.Health)
	api.GET("/domains", h.ListDomains)
	api.POST("/manifest/reload", h.ReloadManifest)

	// Thread endpoints.
	api.POST("/threads", h.CreateThread)
	api.GET("/threads/:id", h.GetThread)
	api.POST("/threads/:id/messages", h.PostMessage)
	api.POST("/threads/:id/responses", h.PostResponse)
	api.POST("/threads/:id/resume", h.ResumeThread)

	// Event endpoints.
	api.GET("/threads/:id/events", h.ListEvents)
	api.GET("/threads/:id/events/stream", h.StreamEvents)

	return &Server{echo: e, addr: listenAddr}
}

// Handler exposes the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start begins listening for HTTP connections. Blocks until the server
// stops; a graceful shutdown returns nil.
func (s *Server) Start() error {
	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// FormatListenURL turns a listen address into a URL a local client can
// reach, e.g. ":9800" becomes "http://127.0.0.1:9800".
func FormatListenURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}
