package microservices

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/Temutjin2k/trip-dispatch-system/config"
	"github.com/Temutjin2k/trip-dispatch-system/internal/adapter/http/handler"
	"github.com/Temutjin2k/trip-dispatch-system/internal/adapter/http/server"
	wshandler "github.com/Temutjin2k/trip-dispatch-system/internal/adapter/http/ws"
	"github.com/Temutjin2k/trip-dispatch-system/internal/adapter/notify"
	repo "github.com/Temutjin2k/trip-dispatch-system/internal/adapter/postgres"
	rabbitadapter "github.com/Temutjin2k/trip-dispatch-system/internal/adapter/rabbit"
	redisadapter "github.com/Temutjin2k/trip-dispatch-system/internal/adapter/redis"
	"github.com/Temutjin2k/trip-dispatch-system/internal/service/dispatch"
	driversvc "github.com/Temutjin2k/trip-dispatch-system/internal/service/driver"
	"github.com/Temutjin2k/trip-dispatch-system/internal/service/trip"
	"github.com/Temutjin2k/trip-dispatch-system/pkg/logger"
	"github.com/Temutjin2k/trip-dispatch-system/pkg/postgres"
	"github.com/Temutjin2k/trip-dispatch-system/pkg/rabbit"
	redispkg "github.com/Temutjin2k/trip-dispatch-system/pkg/redis"
	"github.com/Temutjin2k/trip-dispatch-system/pkg/trm"
	ws "github.com/Temutjin2k/trip-dispatch-system/pkg/wsHub"
	goredis "github.com/redis/go-redis/v9"
)

// DispatchService hosts the customer and driver API: trip lifecycle,
// driver presence, offer responses and the websocket push channels.
type DispatchService struct {
	postgresDB  *postgres.PostgreDB
	redisClient *goredis.Client
	rabbitMQ    *rabbit.RabbitMQ
	driverHub   *ws.ConnectionHub
	customerHub *ws.ConnectionHub
	httpServer  *server.API

	cfg config.Config
	log logger.Logger
}

func NewDispatch(ctx context.Context, cfg config.Config, log logger.Logger) (*DispatchService, error) {
	serviceName := string(cfg.Mode)

	postgresDB, err := postgres.New(ctx, cfg.Database)
	if err != nil {
		log.Error(ctx, "Failed to setup database", err)
		return nil, err
	}

	redisClient, err := redispkg.New(ctx, cfg.Redis)
	if err != nil {
		log.Error(ctx, "Failed to setup redis", err)
		return nil, err
	}

	rabbitMQ, err := rabbit.New(ctx, cfg.RabbitMQ.GetDSN(), log)
	if err != nil {
		log.Error(ctx, "Failed to setup rabbitmq", err)
		return nil, err
	}

	driverHub := ws.NewConnHub(log)
	customerHub := ws.NewConnHub(log)

	tripRepo := repo.NewTripRepo(postgresDB.Pool)
	driverRepo := repo.NewDriverRepo(postgresDB.Pool)
	txm := trm.New(postgresDB.Pool)

	offerQueue := redisadapter.NewOfferQueue(redisClient)
	geoIndex := redisadapter.NewGeoIndex(redisClient)
	jobStore := redisadapter.NewJobStore(redisClient)
	locker := redisadapter.NewLocker(redisClient, serviceName, log)

	broker := rabbitadapter.NewDispatchBroker(rabbitMQ, serviceName, log)
	if err := broker.Setup(ctx); err != nil {
		log.Error(ctx, "Failed to declare rabbitmq topology", err)
		return nil, err
	}
	notifier := notify.New(driverHub, customerHub, broker, log)

	orchestrator := dispatch.NewOrchestrator(
		tripRepo, offerQueue, geoIndex, driverRepo,
		notifier, jobStore, locker,
		cfg.Dispatch, serviceName, log,
	)
	tripService := trip.NewService(tripRepo, orchestrator, driverRepo, notifier, locker, cfg.Dispatch, serviceName, txm, log)
	driverService := driversvc.NewService(driverRepo, geoIndex, offerQueue, log)

	routes := server.Handlers{
		Health:     handler.NewHealth(serviceName, log),
		Trip:       handler.NewTrip(tripService, log),
		Driver:     handler.NewDriver(driverService, tripService, log),
		Admin:      handler.NewAdmin(offerQueue, jobStore, nil, log),
		DriverWS:   wshandler.NewDriverEndpoint(driverHub, tripService, orchestrator, serviceName, log),
		CustomerWS: wshandler.NewCustomerEndpoint(customerHub, serviceName, log),
	}

	httpServer, err := server.New(cfg, routes, log)
	if err != nil {
		log.Error(ctx, "Failed to setup http server", err)
		return nil, err
	}

	return &DispatchService{
		postgresDB:  postgresDB,
		redisClient: redisClient,
		rabbitMQ:    rabbitMQ,
		driverHub:   driverHub,
		customerHub: customerHub,
		httpServer:  httpServer,
		cfg:         cfg,
		log:         log,
	}, nil
}

func (s *DispatchService) Start(ctx context.Context) error {
	errCh := make(chan error, 1)

	s.httpServer.Run(ctx, errCh)
	defer func() {
		s.close(ctx)
		s.log.Info(ctx, "dispatch service closed")
	}()

	// Waiting signal
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	s.log.Info(ctx, "Dispatch service has been started")

	select {
	case errRun := <-errCh:
		return errRun
	case sig := <-shutdownCh:
		s.log.Info(ctx, "shutting down application", "signal", sig.String())
		return nil
	}
}

func (s *DispatchService) close(ctx context.Context) {
	if s.httpServer != nil {
		if err := s.httpServer.Stop(ctx); err != nil {
			s.log.Warn(ctx, "Failed to gracefully close http server", "error", err.Error())
		}
	}

	if s.driverHub != nil {
		s.driverHub.Close()
	}
	if s.customerHub != nil {
		s.customerHub.Close()
	}

	if s.rabbitMQ != nil {
		if err := s.rabbitMQ.Close(ctx); err != nil {
			s.log.Warn(ctx, "Failed to close rabbitmq connection", "error", err.Error())
		}
	}

	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.log.Warn(ctx, "Failed to close redis client", "error", err.Error())
		}
	}

	if s.postgresDB != nil && s.postgresDB.Pool != nil {
		s.postgresDB.Pool.Close()
	}
}
