package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Temutjin2k/trip-dispatch-system/config"
	"github.com/Temutjin2k/trip-dispatch-system/internal/adapter/http/handler"
	"github.com/Temutjin2k/trip-dispatch-system/internal/adapter/http/middleware"
	wshandler "github.com/Temutjin2k/trip-dispatch-system/internal/adapter/http/ws"
	"github.com/Temutjin2k/trip-dispatch-system/internal/domain/types"
	"github.com/Temutjin2k/trip-dispatch-system/pkg/logger"
	wrap "github.com/Temutjin2k/trip-dispatch-system/pkg/logger/wrapper"
)

const serverIPAddress = "%s:%s"

// Handlers groups the route targets for a single service mode. Fields
// that do not apply to the running mode stay nil.
type Handlers struct {
	Health *handler.Health
	Trip   *handler.Trip
	Driver *handler.Driver
	Admin  *handler.Admin

	DriverWS   *wshandler.DriverEndpoint
	CustomerWS *wshandler.CustomerEndpoint
}

type API struct {
	mode   types.ServiceMode
	mux    *http.ServeMux
	server *http.Server
	routes Handlers
	m      *middleware.Middleware

	addr string
	cfg  config.Config
	log  logger.Logger
}

func New(cfg config.Config, routes Handlers, log logger.Logger) (*API, error) {
	var addr string

	switch cfg.Mode {
	case types.DispatchService:
		addr = fmt.Sprintf(serverIPAddress, "0.0.0.0", cfg.Services.DispatchService)
	case types.TimeoutWorker:
		addr = fmt.Sprintf(serverIPAddress, "0.0.0.0", cfg.Services.TimeoutWorker)
	default:
		return nil, fmt.Errorf("invalid mode: %s", cfg.Mode)
	}

	api := &API{
		mode: cfg.Mode,

		mux:    http.NewServeMux(),
		routes: routes,
		m:      middleware.NewMiddleware(cfg.Auth.JWTSecret, log),
		addr:   addr,
		cfg:    cfg,
		log:    log,
	}

	api.server = &http.Server{
		Addr:    api.addr,
		Handler: api.withMiddleware(),
	}

	setupRoutes(api.mux, api.routes, api.m, api.mode)

	return api, nil
}

func (a *API) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	ctx = wrap.WithAction(ctx, "http_server_stop")

	a.log.Debug(ctx, "shutting down HTTP server...", "address", a.addr)
	if err := a.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("error shutting down server: %w", err)
	}
	a.log.Debug(ctx, "shutting down HTTP server completed")

	return nil
}

func (a *API) Run(ctx context.Context, errCh chan<- error) {
	go func() {
		ctx = wrap.WithAction(ctx, "http_server_start")
		a.log.Info(ctx, "started http server", "address", a.addr, "mode", a.mode)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("failed to start HTTP server: %w", err)
			return
		}
	}()
}

// withMiddleware applies middlewares to the mux
func (a *API) withMiddleware() http.Handler {
	return a.m.Recover(a.m.RequestID(a.m.Auth(a.m.Metrics(string(a.mode))(a.m.Logging(a.mux)))))
}
