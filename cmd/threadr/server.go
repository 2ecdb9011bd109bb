package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mastothread/mastothread/mastodon"
	"github.com/mastothread/mastothread/thread"

	"github.com/flosch/pongo2/v6"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"golang.org/x/sync/singleflight"
)

type Server struct {
	echo   *echo.Echo
	httpd  *http.Server
	logger *slog.Logger
	walker *thread.Walker

	// concurrent requests for the same post share one walk
	fetches singleflight.Group
}

type Config struct {
	Logger          *slog.Logger
	Bind            string
	PublicFilesPath string
	Debug           bool
	Walker          *thread.Walker
	// Registry for HTTP request metrics. Defaults to the global prometheus registry.
	Registerer prometheus.Registerer
}

func NewServer(config Config) (*Server, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	if config.Walker == nil {
		return nil, errors.New("thread walker is required")
	}
	publicPath := config.PublicFilesPath
	if publicPath == "" {
		publicPath = "public"
	}

	renderer, err := NewRenderer(config.Debug)
	if err != nil {
		return nil, fmt.Errorf("failed to load templates: %w", err)
	}

	e := echo.New()

	// httpd
	var (
		httpTimeout        = 1 * time.Minute
		httpMaxHeaderBytes = 1 * (1024 * 1024)
	)

	srv := &Server{
		echo:   e,
		logger: logger,
		walker: config.Walker,
	}
	srv.httpd = &http.Server{
		Handler:        srv,
		Addr:           config.Bind,
		WriteTimeout:   httpTimeout,
		ReadTimeout:    httpTimeout,
		MaxHeaderBytes: httpMaxHeaderBytes,
	}

	e.HideBanner = true
	e.Use(slogecho.New(logger))
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("threadr"))
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Subsystem:  "threadr",
		Registerer: config.Registerer,
	}))
	e.Use(middleware.BodyLimit("4M"))
	e.HTTPErrorHandler = srv.errorHandler
	e.Renderer = renderer
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "SAMEORIGIN",
		HSTSMaxAge:         31536000, // 365 days
	}))

	// redirect trailing slash to non-trailing slash.
	// all of our current endpoints have no trailing slash.
	e.Use(middleware.RemoveTrailingSlashWithConfig(middleware.TrailingSlashConfig{
		RedirectCode: http.StatusFound,
	}))

	staticHandler := http.FileServer(http.Dir(publicPath))
	e.GET("/public/*", echo.WrapHandler(http.StripPrefix("/public/", staticHandler)))
	e.GET("/healthz", srv.HandleHealthCheck)

	e.GET("/", srv.WebHome)
	e.GET("/thread", srv.WebThread)
	e.GET("/markdown", srv.WebMarkdown)

	return srv, nil
}

func (srv *Server) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	srv.echo.ServeHTTP(rw, req)
}

// RunAPI serves until SIGINT or SIGTERM, then shuts down gracefully. Returns an error if the listener
// could not be started.
func (srv *Server) RunAPI() error {
	srv.logger.Info("starting server", "bind", srv.httpd.Addr)
	listenErr := make(chan error, 1)
	go func() {
		if err := srv.httpd.ListenAndServe(); err != nil {
			if !errors.Is(err, http.ErrServerClosed) {
				srv.logger.Error("HTTP server shutting down unexpectedly", "err", err)
				listenErr <- err
			}
		}
	}()

	// Wait for a signal to exit.
	srv.logger.Info("registering OS exit signal handler")
	exitSignals := make(chan os.Signal, 1)
	signal.Notify(exitSignals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(exitSignals)

	select {
	case err := <-listenErr:
		return fmt.Errorf("HTTP listener failed: %w", err)
	case sig := <-exitSignals:
		srv.logger.Info("received OS exit signal", "signal", sig)
	}

	// Shut down the HTTP server
	if err := srv.Shutdown(); err != nil {
		srv.logger.Error("HTTP server shutdown error", "err", err)
	}
	srv.logger.Info("graceful shutdown complete")
	return nil
}

// RunMetrics serves prometheus metrics, and the pprof handlers registered on the default mux.
func (srv *Server) RunMetrics(listen string) error {
	http.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(listen, nil)
}

func (srv *Server) Shutdown() error {
	srv.logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.httpd.Shutdown(ctx)
}

// fetchThread walks the thread containing the post at raw. Concurrent calls for the same post URL
// share the result of a single walk. The walk is detached from any one caller's cancellation; each
// caller stops waiting when its own ctx is done.
func (srv *Server) fetchThread(ctx context.Context, raw string) (*thread.Thread, error) {
	key := strings.TrimSpace(raw)
	if p, err := mastodon.ParsePostURL(raw); err == nil {
		key = p.Key()
	}
	// bounded by the upstream client timeout and the walk limit
	walkCtx := context.WithoutCancel(ctx)
	ch := srv.fetches.DoChan(key, func() (interface{}, error) {
		return srv.walker.Fetch(walkCtx, raw)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			srv.logger.Debug("shared thread walk", "url", key)
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*thread.Thread), nil
	}
}

// errorStatus maps an error from the thread walker or request parsing to an HTTP status code.
func errorStatus(err error) int {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he.Code
	case errors.Is(err, mastodon.ErrInvalidURL):
		return http.StatusBadRequest
	case errors.Is(err, mastodon.ErrNotFound):
		return http.StatusNotFound
	default:
		// ErrUpstream, ErrWalkLimit, and anything unexpected
		return http.StatusInternalServerError
	}
}

func (srv *Server) errorHandler(err error, c echo.Context) {
	code := errorStatus(err)
	errorMessage := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		errorMessage = fmt.Sprintf("%v", he.Message)
	}
	if code >= 500 {
		srv.logger.Warn("threadr-http-internal-error", "err", err, "path", c.Request().URL.Path)
	}
	data := pongo2.Context{
		"title":        "Uh-oh",
		"statusCode":   code,
		"statusText":   http.StatusText(code),
		"errorMessage": errorMessage,
	}
	if c.Response().Committed {
		return
	}
	if err := c.Render(code, "error.html", data); err != nil {
		srv.logger.Error("failed to render error page", "err", err)
		c.String(code, fmt.Sprintf("%d %s: %s", code, http.StatusText(code), errorMessage))
	}
}
