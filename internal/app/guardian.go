package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"wisefido-guardian/internal/config"
	"wisefido-guardian/internal/consumer"
	"wisefido-guardian/internal/evaluator"
	httpapi "wisefido-guardian/internal/http"
	"wisefido-guardian/internal/lock"
	"wisefido-guardian/internal/metrics"
	"wisefido-guardian/internal/notify"
	"wisefido-guardian/internal/repository"
	"wisefido-guardian/internal/scheduler"
	"wisefido-guardian/internal/service"
	"wisefido-guardian/owl-common/database"
	"wisefido-guardian/owl-common/mqtt"
	owlredis "wisefido-guardian/owl-common/redis"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// 巡检任务名，同时作为跨实例租约 key
const (
	JobInactivity   = "inactivity"
	JobCallFallback = "call-fallback"
)

// GuardianService 监护服务（整合各层）
type GuardianService struct {
	config *config.Config
	logger *zap.Logger

	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqtt.Client

	store      repository.Store
	metrics    *metrics.Metrics
	escalation *service.Escalation
	sweeper    *service.Sweeper
	scheduler  *scheduler.Scheduler
	sensors    *consumer.SensorConsumer
	server     *http.Server
}

// NewGuardianService 创建监护服务
func NewGuardianService(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*GuardianService, error) {
	s := &GuardianService{config: cfg, logger: logger}

	// 1. 存储
	switch cfg.Store.Driver {
	case config.StoreDriverMemory:
		logger.Warn("Using in-memory store, state is lost on restart and not shared across instances")
		s.store = repository.NewMemoryStore()
	default:
		db, err := database.NewPostgresDB(ctx, &cfg.Database)
		if err != nil {
			return nil, err
		}
		s.db = db
		if err := repository.Migrate(ctx, db); err != nil {
			s.Stop()
			return nil, fmt.Errorf("failed to migrate schema: %w", err)
		}
		s.store = repository.NewPostgresStore(db, logger)
	}

	// 2. 巡检租约：Redis 可用时跨实例互斥，否则只在进程内互斥
	var lease lock.Lease
	if cfg.Redis.Enabled() {
		client, err := owlredis.NewRedisClient(ctx, &cfg.Redis)
		if err != nil {
			s.Stop()
			return nil, err
		}
		s.redisClient = client
		lease = lock.NewRedisLease(client, "guardian:lease:", logger)
	} else {
		logger.Info("Redis not configured, sweep lease is process-local")
		lease = lock.NewLocalLease()
	}

	// 3. 通知渠道
	s.metrics = metrics.NewMetrics()
	channel := notify.NewMultiChannel(
		notify.NewFCMPusher(cfg.Notify.FCMEndpoint, cfg.Notify.FCMServerKey, logger, s.metrics),
		notify.NewTwilioCaller(notify.TwilioConfig{
			BaseURL:    cfg.Notify.TwilioBaseURL,
			AccountSID: cfg.Notify.TwilioAccountSID,
			AuthToken:  cfg.Notify.TwilioAuthToken,
			FromNumber: cfg.Notify.TwilioFromNumber,
		}, logger, s.metrics),
	)
	fanout := notify.NewFanout(s.store, channel, cfg.Notify.DispatchTimeout, logger)

	// 4. 升级与巡检
	mon := cfg.Monitor
	s.escalation = service.NewEscalation(
		s.store,
		evaluator.NewCooldownGuard(mon.Cooldown),
		fanout,
		mon.HeartbeatInterval,
		logger,
		s.metrics,
	)
	policy := evaluator.NewThresholdPolicy(
		mon.StandardThreshold,
		mon.NightThreshold,
		mon.HighRiskThreshold,
		mon.NightStartHour,
		mon.NightEndHour,
		mon.Location,
	)
	s.sweeper = service.NewSweeper(s.store, s.escalation, policy, fanout, mon.CallDelay, logger)

	s.scheduler = scheduler.New(lease, logger, s.metrics)
	jobs := []scheduler.Job{
		{
			Name:     JobInactivity,
			Every:    mon.InactivitySweepInterval,
			Timeout:  mon.SweepTimeout,
			LeaseTTL: mon.LeaseTTL,
			Run:      sweepJob(s.sweeper.SweepInactivity),
		},
		{
			Name:     JobCallFallback,
			Every:    mon.FallbackSweepInterval,
			Timeout:  mon.SweepTimeout,
			LeaseTTL: mon.LeaseTTL,
			Run:      sweepJob(s.sweeper.SweepCallFallbacks),
		},
	}
	for _, job := range jobs {
		if err := s.scheduler.Add(job); err != nil {
			s.Stop()
			return nil, fmt.Errorf("failed to schedule %s: %w", job.Name, err)
		}
	}

	// 5. 传感器事件（可选）
	if cfg.MQTT.Enabled() {
		client, err := mqtt.NewClient(&cfg.MQTT, logger)
		if err != nil {
			s.Stop()
			return nil, err
		}
		s.mqttClient = client
		s.sensors = consumer.NewSensorConsumer(client, s.escalation, cfg.MQTT.Topic, cfg.MQTT.QoS, logger, s.metrics)
	}

	// 6. HTTP
	router := httpapi.NewRouter(logger)
	router.RegisterEventRoutes(httpapi.NewEventHandler(s.escalation, s.store, logger))
	router.RegisterCaregiverRoutes(httpapi.NewCaregiverHandler(s.store, logger))
	router.RegisterDeviceRoutes(httpapi.NewDeviceHandler(s.store, logger))
	router.RegisterSafeZoneRoutes(httpapi.NewSafeZoneHandler(s.store, logger))
	router.RegisterOpsRoutes(s.store, s.metrics.Handler())
	s.server = httpapi.NewServer(cfg.HTTP.Addr, router.Middleware(router))

	return s, nil
}

// sweepJob 巡检报告已由 Sweeper 记录，调度只关心错误
func sweepJob(sweep func(context.Context) (service.SweepReport, error)) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := sweep(ctx)
		return err
	}
}

// Start 启动巡检、传感器订阅与 HTTP 服务，阻塞到 ctx 结束或 HTTP 服务出错
func (s *GuardianService) Start(ctx context.Context) error {
	s.logger.Info("Starting guardian service",
		zap.String("addr", s.config.HTTP.Addr),
		zap.String("store", s.config.Store.Driver),
	)

	if s.sensors != nil {
		if err := s.sensors.Start(ctx); err != nil {
			return err
		}
	}
	s.scheduler.Start()

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Failed to shutdown http server", zap.Error(err))
		}
		return nil
	case err := <-errCh:
		return err
	}
}

// Stop 停止服务并释放连接
func (s *GuardianService) Stop() {
	s.logger.Info("Stopping guardian service")

	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	if s.sensors != nil {
		s.sensors.Stop()
	}
	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}
	if s.redisClient != nil {
		if err := owlredis.Close(s.redisClient); err != nil {
			s.logger.Error("Failed to close redis", zap.Error(err))
		}
	}
	if s.db != nil {
		if err := database.Close(s.db); err != nil {
			s.logger.Error("Failed to close database", zap.Error(err))
		}
	}
}
