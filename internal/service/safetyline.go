package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jongwoo108/yak-sok/common/database"
	mqttcommon "github.com/jongwoo108/yak-sok/common/mqtt"
	rediscommon "github.com/jongwoo108/yak-sok/common/redis"
	"github.com/jongwoo108/yak-sok/internal/config"
	"github.com/jongwoo108/yak-sok/internal/consumer"
	"github.com/jongwoo108/yak-sok/internal/dedup"
	"github.com/jongwoo108/yak-sok/internal/httpapi"
	"github.com/jongwoo108/yak-sok/internal/notifier"
	"github.com/jongwoo108/yak-sok/internal/policy"
	"github.com/jongwoo108/yak-sok/internal/repository"
	"github.com/jongwoo108/yak-sok/internal/safetyline"
	"github.com/jongwoo108/yak-sok/internal/scheduler"
)

// SafetyLineService 安全线服务：任务 worker、服药事件消费、日扫描、HTTP 接口
type SafetyLineService struct {
	config      *config.Config
	logger      *zap.Logger
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqttcommon.Client

	engine        *safetyline.Engine
	worker        *scheduler.Worker
	eventConsumer *consumer.DoseEventConsumer
	dailyTrigger  *safetyline.DailyTrigger
	httpServer    *http.Server
}

// NewSafetyLineService 创建服务并连接外部依赖
func NewSafetyLineService(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*SafetyLineService, error) {
	// 初始化数据库
	db, err := database.NewPostgresDB(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// 初始化 Redis（去重锁、任务队列、事件流）
	redisClient := rediscommon.NewRedisClient(&cfg.Redis)
	if err := rediscommon.Ping(ctx, redisClient); err != nil {
		_ = database.Close(db)
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	sender, mqttClient, err := newSender(cfg, logger)
	if err != nil {
		_ = database.Close(db)
		_ = rediscommon.Close(redisClient)
		return nil, err
	}

	loc := cfg.Location()

	// 创建 Repository
	alertsRepo := repository.NewAlertsRepository(db, logger)
	dosesRepo := repository.NewDosesRepository(db, logger)
	directoryRepo := repository.NewDirectoryRepository(db, logger)

	taskScheduler := scheduler.NewRedisScheduler(redisClient, logger, cfg.SafetyLine.KeyPrefix, cfg.Worker.Lease)

	engine := safetyline.NewEngine(safetyline.Deps{
		Doses:     dosesRepo,
		Alerts:    alertsRepo,
		Directory: directoryRepo,
		Scheduler: taskScheduler,
		Locker:    dedup.NewRedisLock(redisClient, logger),
		Keys:      dedup.NewKeyPolicy(cfg.SafetyLine.KeyPrefix, cfg.SafetyLine.KeyGranularity, loc),
		Sender:    sender,
		Policy:    policy.New(cfg.SafetyLine.ThresholdMinutes),
	}, safetyline.Options{
		DedupTTL:           cfg.SafetyLine.DedupTTL,
		ScheduleAttempts:   cfg.SafetyLine.ScheduleAttempts,
		ScheduleRetryDelay: cfg.SafetyLine.ScheduleRetryDelay,
		SendTimeout:        cfg.SafetyLine.SendTimeout,
		ScheduleTimeout:    cfg.SafetyLine.ScheduleTimeout,
		Location:           loc,
	}, logger)

	svc := &SafetyLineService{
		config:      cfg,
		logger:      logger,
		db:          db,
		redisClient: redisClient,
		mqttClient:  mqttClient,
		engine:      engine,
		worker: scheduler.NewWorker(taskScheduler, engine, scheduler.WorkerConfig{
			PollInterval: cfg.Worker.PollInterval,
			BatchSize:    cfg.Worker.BatchSize,
			Concurrency:  cfg.Worker.Concurrency,
		}, logger),
	}

	if cfg.Stream.Enabled {
		svc.eventConsumer = consumer.NewDoseEventConsumer(
			redisClient,
			engine,
			logger,
			cfg.Stream.Name,
			cfg.Stream.ConsumerGroup,
			cfg.Stream.ConsumerName,
			cfg.Stream.BatchSize,
		)
	}

	if cfg.Sweep.Enabled {
		svc.dailyTrigger = safetyline.NewDailyTrigger(engine, cfg.Sweep.Hour, cfg.Sweep.Minute, loc, logger)
	}

	if cfg.HTTP.Enabled {
		api := httpapi.NewServer(engine, alertsRepo, directoryRepo, loc, cfg.HTTP.AllowedOrigins, logger)
		svc.httpServer = &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           api.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	return svc, nil
}

// newSender 按配置选择推送通道
func newSender(cfg *config.Config, logger *zap.Logger) (notifier.Sender, *mqttcommon.Client, error) {
	expo := notifier.NewExpoSender(
		cfg.Push.ExpoURL,
		cfg.Push.ExpoToken,
		cfg.SafetyLine.SendTimeout,
		cfg.Push.RatePerSecond,
		cfg.Push.Burst,
		logger,
	)

	switch cfg.Push.Provider {
	case "expo":
		return expo, nil, nil

	case "mqtt":
		client, err := mqttcommon.NewClient(&cfg.MQTT)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
		}
		return notifier.NewMQTTSender(client, cfg.MQTT.TopicPrefix, cfg.MQTT.QoS, cfg.SafetyLine.SendTimeout, logger), client, nil

	default:
		client, err := mqttcommon.NewClient(&cfg.MQTT)
		if err != nil {
			// 网关不可用时全部走 Expo
			logger.Warn("MQTT push gateway unavailable, routing all pushes to Expo", zap.Error(err))
			return notifier.NewRouter(expo, nil), nil, nil
		}
		native := notifier.NewMQTTSender(client, cfg.MQTT.TopicPrefix, cfg.MQTT.QoS, cfg.SafetyLine.SendTimeout, logger)
		return notifier.NewRouter(expo, native), client, nil
	}
}

// Engine 供 CLI 直接调用
func (s *SafetyLineService) Engine() *safetyline.Engine {
	return s.engine
}

// Start 启动所有后台组件，阻塞直到 ctx 取消或任一组件出错
func (s *SafetyLineService) Start(ctx context.Context) error {
	s.logger.Info("Starting safety line service",
		zap.Bool("stream_enabled", s.eventConsumer != nil),
		zap.Bool("sweep_enabled", s.dailyTrigger != nil),
		zap.Bool("http_enabled", s.httpServer != nil),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.worker.Start(gctx)
	})

	if s.eventConsumer != nil {
		g.Go(func() error {
			return s.eventConsumer.Start(gctx)
		})
	}

	if s.dailyTrigger != nil {
		g.Go(func() error {
			return s.dailyTrigger.Start(gctx)
		})
	}

	if s.httpServer != nil {
		g.Go(func() error {
			s.logger.Info("HTTP server listening", zap.String("addr", s.httpServer.Addr))
			if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return s.httpServer.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// Stop 释放连接
func (s *SafetyLineService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping safety line service")

	var errs []error
	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}
	if s.redisClient != nil {
		if err := rediscommon.Close(s.redisClient); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if s.db != nil {
		if err := database.Close(s.db); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	return errors.Join(errs...)
}
