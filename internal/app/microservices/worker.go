package microservices

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/Temutjin2k/trip-dispatch-system/config"
	"github.com/Temutjin2k/trip-dispatch-system/internal/adapter/http/handler"
	"github.com/Temutjin2k/trip-dispatch-system/internal/adapter/http/server"
	"github.com/Temutjin2k/trip-dispatch-system/internal/adapter/notify"
	repo "github.com/Temutjin2k/trip-dispatch-system/internal/adapter/postgres"
	rabbitadapter "github.com/Temutjin2k/trip-dispatch-system/internal/adapter/rabbit"
	redisadapter "github.com/Temutjin2k/trip-dispatch-system/internal/adapter/redis"
	"github.com/Temutjin2k/trip-dispatch-system/internal/service/dispatch"
	"github.com/Temutjin2k/trip-dispatch-system/pkg/logger"
	"github.com/Temutjin2k/trip-dispatch-system/pkg/postgres"
	"github.com/Temutjin2k/trip-dispatch-system/pkg/rabbit"
	redispkg "github.com/Temutjin2k/trip-dispatch-system/pkg/redis"
	ws "github.com/Temutjin2k/trip-dispatch-system/pkg/wsHub"
	goredis "github.com/redis/go-redis/v9"
)

// WorkerService consumes due timeout jobs and runs the periodic sweep.
// It has no websocket clients of its own; driver and customer pushes
// that originate here reach clients through the rabbit mirror.
type WorkerService struct {
	postgresDB  *postgres.PostgreDB
	redisClient *goredis.Client
	rabbitMQ    *rabbit.RabbitMQ
	scheduler   *dispatch.TimeoutScheduler
	sweeper     *dispatch.Sweeper
	httpServer  *server.API

	cfg config.Config
	log logger.Logger
}

func NewWorker(ctx context.Context, cfg config.Config, log logger.Logger) (*WorkerService, error) {
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

	tripRepo := repo.NewTripRepo(postgresDB.Pool)
	driverRepo := repo.NewDriverRepo(postgresDB.Pool)

	offerQueue := redisadapter.NewOfferQueue(redisClient)
	geoIndex := redisadapter.NewGeoIndex(redisClient)
	jobStore := redisadapter.NewJobStore(redisClient)
	locker := redisadapter.NewLocker(redisClient, serviceName, log)

	broker := rabbitadapter.NewDispatchBroker(rabbitMQ, serviceName, log)
	if err := broker.Setup(ctx); err != nil {
		log.Error(ctx, "Failed to declare rabbitmq topology", err)
		return nil, err
	}
	notifier := notify.New(ws.NewConnHub(log), ws.NewConnHub(log), broker, log)

	orchestrator := dispatch.NewOrchestrator(
		tripRepo, offerQueue, geoIndex, driverRepo,
		notifier, jobStore, locker,
		cfg.Dispatch, serviceName, log,
	)
	scheduler := dispatch.NewTimeoutScheduler(jobStore, orchestrator, cfg.Dispatch, serviceName, log)
	sweeper := dispatch.NewSweeper(tripRepo, offerQueue, orchestrator, cfg.Dispatch, log)

	routes := server.Handlers{
		Health: handler.NewHealth(serviceName, log),
		Admin:  handler.NewAdmin(offerQueue, jobStore, scheduler, log),
	}

	httpServer, err := server.New(cfg, routes, log)
	if err != nil {
		log.Error(ctx, "Failed to setup http server", err)
		return nil, err
	}

	return &WorkerService{
		postgresDB:  postgresDB,
		redisClient: redisClient,
		rabbitMQ:    rabbitMQ,
		scheduler:   scheduler,
		sweeper:     sweeper,
		httpServer:  httpServer,
		cfg:         cfg,
		log:         log,
	}, nil
}

func (s *WorkerService) Start(ctx context.Context) error {
	errCh := make(chan error, 1)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.scheduler.Run(runCtx)
	go s.sweeper.Run(runCtx)

	s.httpServer.Run(ctx, errCh)
	defer func() {
		s.close(ctx)
		s.log.Info(ctx, "timeout worker closed")
	}()

	// Waiting signal
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	s.log.Info(ctx, "Timeout worker has been started")

	select {
	case errRun := <-errCh:
		return errRun
	case sig := <-shutdownCh:
		s.log.Info(ctx, "shutting down application", "signal", sig.String())
		return nil
	}
}

func (s *WorkerService) close(ctx context.Context) {
	if s.httpServer != nil {
		if err := s.httpServer.Stop(ctx); err != nil {
			s.log.Warn(ctx, "Failed to gracefully close http server", "error", err.Error())
		}
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
