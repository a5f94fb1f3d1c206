package echoapi

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"

	"github.com/trezcool/proctor/core"
	"github.com/trezcool/proctor/core/metrics"
	"github.com/trezcool/proctor/core/proctor"
	"github.com/trezcool/proctor/core/relay"
)

type (
	// SnapshotReader serves stored webcam snapshots back to invigilators.
	SnapshotReader interface {
		ListSnapshots(ctx context.Context, key proctor.SessionKey) ([]proctor.Snapshot, error)
		GetSnapshot(ctx context.Context, key proctor.SessionKey, id string) (proctor.Snapshot, error)
	}

	Deps struct {
		ProctorSvc *proctor.Service
		// Hub is nil when the relay is deployed separately.
		Hub       *relay.Hub
		Snapshots SnapshotReader
	}

	Server struct {
		*http.Server
		app        *echo.Echo
		conf       *core.Config
		logger     core.Logger
		validate   *validator.Validate
		translator ut.Translator
		deps       *Deps
		errors     chan error
		shutdown   chan os.Signal
	}
)

func NewServer(
	conf *core.Config,
	logger core.Logger,
	validate *validator.Validate,
	translator ut.Translator,
	deps *Deps,
) *Server {
	s := &Server{
		app:        echo.New(),
		conf:       conf,
		logger:     logger,
		validate:   validate,
		translator: translator,
		deps:       deps,
		errors:     make(chan error, 1),
		shutdown:   make(chan os.Signal, 1),
	}
	s.Server = &http.Server{
		Addr:    conf.Server.Address,
		Handler: s.app,
	}
	signal.Notify(s.shutdown, os.Interrupt, syscall.SIGTERM)
	s.setup()
	return s
}

func (s *Server) setup() {
	s.app.HideBanner = true
	s.app.Pre(middleware.RemoveTrailingSlash())
	if !s.conf.Server.DisableReqLogs {
		s.app.Use(middleware.Logger())
	}
	// do not recover in DEV|TEST mode
	if !(s.conf.Debug || s.conf.TestMode) {
		s.app.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{LogLevel: log.ERROR}))
	}

	s.app.HTTPErrorHandler = newAppHTTPErrorHandler(s.logger, s.translator, s.signalShutdown)
	s.app.Debug = s.conf.Debug

	s.app.GET("/", s.home)
	s.app.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	registerRelayAPI(s.app, s)

	v1 := s.app.Group("/v1")
	registerProctorAPI(v1, jwtMiddleware(s.conf.SecretKey), s)
}

// Start serves until the server is shut down; failures are reported on Errors().
func (s *Server) Start() {
	s.logger.Info("API listening on " + s.Addr)
	if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.errors <- err
	}
}

func (s *Server) Errors() <-chan error { return s.errors }

func (s *Server) ShutdownSignal() <-chan os.Signal { return s.shutdown }

func (s *Server) signalShutdown() {
	select {
	case s.shutdown <- syscall.SIGTERM:
	default: // already shutting down
	}
}

func (s *Server) home(ctx echo.Context) error {
	return ctx.String(http.StatusOK, "Welcome to "+s.conf.AppName+"!")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { // for tests
	s.app.ServeHTTP(w, r)
}
