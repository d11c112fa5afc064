package echoportal

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/sessions"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trezcool/masomo-portal/core"
	"github.com/trezcool/masomo-portal/core/query"
	apisvc "github.com/trezcool/masomo-portal/services/api"
	"github.com/trezcool/masomo-portal/storage"
)

type ServerDeps struct {
	Conf       *core.Config
	Logger     core.Logger
	Storage    storage.Backend
	API        *apisvc.Client
	Validate   *validator.Validate
	Translator ut.Translator
	// Registry collects the metrics served at /metrics; a fresh registry is used when nil.
	Registry *prometheus.Registry
}

// Server is the portal edge server: the edge filter, the API passthrough and the role dashboards.
type Server struct {
	deps        ServerDeps
	app         *echo.Echo
	devices     *devices
	cookieStore *sessions.CookieStore
	metrics     *query.Metrics
	edge        EdgeFilter

	shutdown chan os.Signal
	errors   chan error
}

func NewServer(deps ServerDeps) (*Server, error) {
	if deps.Registry == nil {
		deps.Registry = prometheus.NewRegistry()
	}
	s := &Server{
		deps:        deps,
		app:         echo.New(),
		cookieStore: newCookieStore(deps.Conf.Portal.CookieSecret, !deps.Conf.Debug),
		metrics:     query.NewMetrics(deps.Registry),
		edge:        newEdgeFilter(deps.Conf.Portal),
		shutdown:    make(chan os.Signal, 1),
		errors:      make(chan error, 1),
	}
	s.devices = newDevices(s.newDevice, s.forgetDevice, deps.Conf.Portal.DeviceIdleTTL)
	if err := s.setup(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) setup() error {
	conf := s.deps.Conf
	s.app.HideBanner = true
	s.app.HidePort = true

	rdr, err := newRenderer()
	if err != nil {
		return err
	}
	s.app.Renderer = rdr

	s.app.Pre(middleware.RemoveTrailingSlash())
	s.app.Pre(s.edge.Middleware())
	if !conf.TestMode {
		s.app.Use(middleware.Logger())
	}
	// do not recover in DEV|TEST mode
	if !(conf.Debug || conf.TestMode) {
		s.app.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{LogLevel: log.ERROR}))
	}

	s.app.HTTPErrorHandler = s.newAppHTTPErrorHandler(s.signalShutdown)
	s.app.Debug = conf.Debug && !conf.TestMode

	s.app.GET("/healthz", s.healthz)
	s.app.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.deps.Registry, promhttp.HandlerOpts{})))

	proxy, err := s.newAPIProxy()
	if err != nil {
		return err
	}
	s.app.Any(conf.Portal.APIPrefix+"/*", echo.NotFoundHandler, s.invalidateOnWrite, proxy)

	pages := s.app.Group("", s.deviceMiddleware)
	pages.GET(conf.Portal.LoginPath, s.loginPage)
	pages.POST(conf.Portal.LoginPath, s.login)
	pages.GET(conf.Portal.LogoutPath, s.logout)
	pages.POST(conf.Portal.LogoutPath, s.logout)

	pages.GET("/", s.home)
	pages.GET("/:role", s.dashboard)
	pages.GET("/:role/profile", s.profile)
	pages.POST("/:role/profile", s.updateProfile)
	pages.GET("/:role/:resource", s.list)
	pages.POST("/:role/:resource", s.create)
	pages.GET("/:role/:resource/:id", s.detail)
	pages.POST("/:role/:resource/:id", s.update)
	pages.POST("/:role/:resource/:id/delete", s.destroy)
	return nil
}

// Start serves until Shutdown or Close; failures are reported on Errors.
func (s *Server) Start() {
	signal.Notify(s.shutdown, os.Interrupt, syscall.SIGTERM)
	s.devices.start()
	if err := s.app.Start(s.deps.Conf.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.errors <- err
	}
}

func (s *Server) Errors() <-chan error { return s.errors }

func (s *Server) ShutdownSignal() <-chan os.Signal { return s.shutdown }

func (s *Server) signalShutdown() {
	select {
	case s.shutdown <- syscall.SIGTERM:
	default:
	}
}

// Shutdown stops accepting requests, waits for the outstanding ones, then releases every device.
func (s *Server) Shutdown(ctx context.Context) error {
	defer signal.Stop(s.shutdown)
	err := s.app.Shutdown(ctx)
	s.devices.close()
	return err
}

func (s *Server) Close() error {
	defer signal.Stop(s.shutdown)
	err := s.app.Close()
	s.devices.close()
	return err
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { // for tests
	s.app.ServeHTTP(w, r)
}

func (s *Server) healthz(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, echo.Map{
		"status":  "ok",
		"build":   s.deps.Conf.Build,
		"devices": s.devices.len(),
	})
}
