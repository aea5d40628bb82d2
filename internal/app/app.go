package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	grpcsvc "github.com/vladislavdragonenkov/shopcore/internal/service/grpc"
)

const shutdownTimeout = 5 * time.Second

// Run собирает зависимости, запускает фоновые воркеры, gRPC и операторский
// HTTP-сервер и блокируется до отмены ctx.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	deps, err := NewDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	workersCtx, cancelWorkers := context.WithCancel(ctx)
	stopWorkers := startWorkers(workersCtx, deps)
	defer func() {
		cancelWorkers()
		stopWorkers()
		logger.Info("background workers stopped")
	}()

	consumer, err := deps.NewOutcomeConsumer()
	if err != nil {
		return err
	}
	if consumer != nil {
		if err := consumer.Start(workersCtx); err != nil {
			return err
		}
		defer func() {
			if err := consumer.Stop(); err != nil {
				logger.WithError(err).Warn("failed to stop kafka consumer")
			}
		}()
	}

	grpcServer, healthServer := newGRPCServer(deps, logger)

	opsSrv := startOpsServer(cfg.MetricsAddr, NewOpsRouter(OpsRouterConfig{
		Health:   deps.Health,
		Failures: deps.Repos.Failures,
		Replayer: deps.Replayer,
		Logger:   logger.WithField("layer", "ops-http"),
	}), logger)
	defer shutdownHTTP(opsSrv, logger)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("gRPC server listening on %s", cfg.GRPCAddr)
		errCh <- grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, stopping gRPC server")
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		stoppedCh := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stoppedCh)
		}()
		select {
		case <-stoppedCh:
		case <-time.After(shutdownTimeout):
			logger.Warn("graceful stop timed out, forcing stop")
			grpcServer.Stop()
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

// startWorkers запускает фоновые воркеры, которые останавливаются вместе с ctx,
// и возвращает функцию ожидания их остановки.
//
// Диспетчер исходов живёт дольше остальных: после остановки производителей
// очередь закрывается, и диспетчер передаёт координатору всё, что в ней осталось.
func startWorkers(ctx context.Context, deps *Dependencies) (wait func()) {
	var producers sync.WaitGroup
	for _, run := range []func(context.Context){
		deps.Simulator.Run,
		deps.Sweeper.Run,
		deps.Replayer.Run,
		deps.Relay.Run,
		deps.Cleanup.Run,
	} {
		producers.Add(1)
		go func(run func(context.Context)) {
			defer producers.Done()
			run(ctx)
		}(run)
	}

	dispatcherDone := make(chan struct{})
	if deps.Dispatcher == nil {
		close(dispatcherDone)
	} else {
		dispatchCtx, cancelDispatch := context.WithCancel(context.WithoutCancel(ctx))
		go func() {
			defer close(dispatcherDone)
			deps.Dispatcher.Run(dispatchCtx)
		}()
		go func() {
			<-ctx.Done()
			producers.Wait()
			deps.Queue.Close()
			cancelDispatch()
		}()
	}

	return func() {
		producers.Wait()
		<-dispatcherDone
	}
}

func newGRPCServer(deps *Dependencies, logger *log.Entry) (*grpc.Server, *health.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok2 := are.ExistingCollector.(*promgrpc.ServerMetrics); ok2 {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}
	server := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()))

	orderService := grpcsvc.NewOrderService(deps.Orders, deps.Payments,
		grpcsvc.WithLogger(logger.WithField("layer", "grpc")),
		grpcsvc.WithIdempotency(deps.Repos.Idempotency, deps.Config.IdempotencyTTL),
		grpcsvc.WithMetrics(deps.BackgroundMetrics),
	)
	grpcsvc.RegisterOrderServer(server, orderService)
	grpcMetrics.InitializeMetrics(server)

	// grpcurl и нагрузочные утилиты
	reflection.Register(server)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(grpcsvc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthServer)

	return server, healthServer
}

// startOpsServer запускает HTTP-сервер с /metrics, health checks и ops-ручками.
func startOpsServer(addr string, handler http.Handler, logger *log.Entry) *http.Server {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Infof("metrics available at %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/livez, %s/readyz", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("ops server failed")
		}
	}()
	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("ops server shutdown with error")
	}
}
