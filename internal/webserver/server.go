// Package webserver hosts the HTTP surface on echo. Route registration is
// split between root-level endpoints (pairing, health) and the /api group.
package webserver

import (
	"context"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	appconfig "github.com/vtry813-sketch/bout-kk/config"
	"go.uber.org/zap"
)

type WebServer struct {
	cfg  *appconfig.AppConfig
	root *echo.Echo
	api  *echo.Group
}

func NewWebServer(cfg *appconfig.AppConfig) *WebServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			zap.L().Debug("http request",
				zap.String("method", v.Method), zap.String("uri", v.URI), zap.Int("status", v.Status))
			return nil
		},
	}))
	return &WebServer{cfg: cfg, root: e, api: e.Group("/api")}
}

func (s *WebServer) GET(path string, h echo.HandlerFunc)  { s.root.GET(path, h) }
func (s *WebServer) POST(path string, h echo.HandlerFunc) { s.root.POST(path, h) }

func (s *WebServer) ApiGET(path string, h echo.HandlerFunc)    { s.api.GET(path, h) }
func (s *WebServer) ApiPOST(path string, h echo.HandlerFunc)   { s.api.POST(path, h) }
func (s *WebServer) ApiPUT(path string, h echo.HandlerFunc)    { s.api.PUT(path, h) }
func (s *WebServer) ApiDELETE(path string, h echo.HandlerFunc) { s.api.DELETE(path, h) }

// ServeHTTP drives the router directly, without a listener.
func (s *WebServer) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.root.ServeHTTP(w, r) }

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *WebServer) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Web.Host, s.cfg.Web.Port)
	zap.L().Info("web server listening", zap.String("addr", addr))
	err := s.root.Start(addr)
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *WebServer) Shutdown(ctx context.Context) error {
	return s.root.Shutdown(ctx)
}
