package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"owl-telemetry/common/database"
	"owl-telemetry/common/mqtt"
	commonredis "owl-telemetry/common/redis"
	"owl-telemetry/internal/calculator"
	"owl-telemetry/internal/config"
	"owl-telemetry/internal/evaluator"
	"owl-telemetry/internal/httpapi"
	"owl-telemetry/internal/metrics"
	"owl-telemetry/internal/payload"
	"owl-telemetry/internal/repository"
	"owl-telemetry/internal/sink"
	"owl-telemetry/internal/synchronizer"
	"owl-telemetry/internal/telemetry"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

// Broker 引擎使用的 broker 能力（由 common/mqtt.Client 实现）
type Broker interface {
	OnMessage(handler mqtt.MessageHandler)
	Subscribe(topics ...string) error
	Unsubscribe(topics ...string) error
	Publish(topic string, payload []byte) error
	IsConnected() bool
	Disconnect()
}

// deps 引擎依赖（NewEngineService 从配置构建，测试直接注入）
type deps struct {
	broker          Broker
	store           synchronizer.ConfigStore
	sink            evaluator.EventSink
	reloadFlag      synchronizer.ReloadFlag
	reloadRequester httpapi.ReloadRequester

	refreshInterval time.Duration
	reloadInterval  time.Duration
	messageBuffer   int
	httpAddr        string
}

type inboundMessage struct {
	topic   string
	payload []byte
}

// EngineService 遥测规则引擎（整合各组件）
// broker 回调只负责入队，所有状态变更都在 run goroutine 上串行执行
type EngineService struct {
	db          *sql.DB
	redisClient *redis.Client
	logger      *zap.Logger

	broker     Broker
	sync       *synchronizer.Synchronizer
	cache      *telemetry.Cache
	evaluator  *evaluator.AlarmEvaluator
	computer   *calculator.MetricComputer
	httpServer *http.Server
	hooks      []*sink.AsyncHook

	refreshInterval time.Duration
	reloadInterval  time.Duration
	messages        chan inboundMessage

	running  atomic.Bool
	loopDone chan struct{}
	stopOnce sync.Once
}

// NewEngineService 创建引擎服务
func NewEngineService(cfg *config.Config, logger *zap.Logger) (*EngineService, error) {
	// 1. 连接数据库
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, err
	}

	// 2. 连接 Redis
	redisClient := commonredis.NewRedisClient(&cfg.Redis)
	if err := commonredis.Ping(context.Background(), redisClient); err != nil {
		database.Close(db)
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	// 3. 连接 MQTT（连不上时后台重试）
	broker, err := mqtt.NewClient(&cfg.MQTT, logger)
	if err != nil {
		database.Close(db)
		commonredis.Close(redisClient)
		return nil, fmt.Errorf("failed to create mqtt client: %w", err)
	}

	// 4. Repository 层
	configRepo := repository.NewConfigRepository(db, logger)
	alarmLogRepo := repository.NewAlarmLogRepository(db, logger)
	notificationRepo := repository.NewNotificationRepository(db, logger)

	// 5. 事件 sink 及外部推送（推送在独立 goroutine 中执行）
	var asyncHooks []*sink.AsyncHook
	if cfg.Engine.EventStream != "" {
		stream := sink.NewStreamPublisher(redisClient, cfg.Engine.EventStream, cfg.Engine.EventStreamMaxLen)
		asyncHooks = append(asyncHooks, sink.NewAsyncHook(stream, 0, 0, logger))
	}
	if cfg.Engine.WebhookURL != "" {
		webhook := sink.NewWebhookNotifier(cfg.Engine.WebhookURL, logger)
		asyncHooks = append(asyncHooks, sink.NewAsyncHook(webhook, 0, 0, logger))
	}
	hooks := make([]sink.Hook, 0, len(asyncHooks))
	for _, h := range asyncHooks {
		hooks = append(hooks, h)
	}
	eventSink := sink.NewSink(alarmLogRepo, notificationRepo, logger, hooks...)

	reloadFlag := synchronizer.NewRedisReloadFlag(redisClient, cfg.Engine.ReloadKey)

	s := newEngine(deps{
		broker:          broker,
		store:           configRepo,
		sink:            eventSink,
		reloadFlag:      reloadFlag,
		reloadRequester: reloadFlag,
		refreshInterval: time.Duration(cfg.Engine.RefreshInterval) * time.Second,
		reloadInterval:  time.Duration(cfg.Engine.ReloadPollInterval) * time.Second,
		messageBuffer:   cfg.Engine.MessageBuffer,
		httpAddr:        cfg.HTTP.Addr,
	}, logger)
	s.db = db
	s.redisClient = redisClient
	s.hooks = asyncHooks

	return s, nil
}

// newEngine 组装组件
func newEngine(d deps, logger *zap.Logger) *EngineService {
	if d.messageBuffer <= 0 {
		d.messageBuffer = 1024
	}
	if d.refreshInterval <= 0 {
		d.refreshInterval = 15 * time.Second
	}
	if d.reloadInterval <= 0 {
		d.reloadInterval = 5 * time.Second
	}

	cache := telemetry.NewCache()
	eval := evaluator.NewAlarmEvaluator(d.sink, logger)
	computer := calculator.NewMetricComputer(cache, d.broker, logger)
	syncer := synchronizer.NewSynchronizer(d.store, d.broker, d.reloadFlag, logger)
	syncer.OnRefresh(func(snap *synchronizer.Snapshot) {
		eval.SetRules(snap.RulesByTopic)
		computer.SetCalcs(snap.CalcsByTopic)
	})

	s := &EngineService{
		logger:          logger,
		broker:          d.broker,
		sync:            syncer,
		cache:           cache,
		evaluator:       eval,
		computer:        computer,
		refreshInterval: d.refreshInterval,
		reloadInterval:  d.reloadInterval,
		messages:        make(chan inboundMessage, d.messageBuffer),
		loopDone:        make(chan struct{}),
	}

	if d.httpAddr != "" {
		handler := httpapi.NewHandler(d.broker, syncer, d.reloadRequester, logger)
		s.httpServer = httpapi.NewServer(d.httpAddr, httpapi.NewRouter(handler))
	}

	d.broker.OnMessage(s.enqueue)
	return s
}

// Start 启动服务，阻塞直到 ctx 取消
func (s *EngineService) Start(ctx context.Context) error {
	s.running.Store(true)
	s.logger.Info("Starting telemetry engine",
		zap.Duration("refresh_interval", s.refreshInterval),
		zap.Duration("reload_poll_interval", s.reloadInterval),
	)

	// 首次加载失败不退出，等下一个周期重试
	if err := s.sync.Refresh(ctx); err != nil {
		s.logger.Warn("Initial config refresh failed", zap.Error(err))
	}

	if s.httpServer != nil {
		go func() {
			s.logger.Info("Ops HTTP server listening", zap.String("addr", s.httpServer.Addr))
			if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("Ops HTTP server failed", zap.Error(err))
			}
		}()
	}

	s.run(ctx)
	return nil
}

// Stop 停止服务：退订全部 topic、断开 broker、关闭 HTTP / Redis / 数据库
func (s *EngineService) Stop() error {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping telemetry engine")

		if s.running.Load() {
			select {
			case <-s.loopDone:
			case <-time.After(shutdownTimeout):
				s.logger.Warn("Dispatch loop did not exit in time")
			}
		}

		if topics := s.sync.Topics(); len(topics) > 0 {
			if err := s.broker.Unsubscribe(topics...); err != nil {
				s.logger.Error("Failed to unsubscribe topics", zap.Error(err))
			}
		}
		s.broker.Disconnect()

		for _, h := range s.hooks {
			h.Close(shutdownTimeout)
		}

		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := s.httpServer.Shutdown(ctx); err != nil {
				s.logger.Error("Failed to shut down HTTP server", zap.Error(err))
			}
			cancel()
		}

		if err := commonredis.Close(s.redisClient); err != nil {
			s.logger.Error("Failed to close redis", zap.Error(err))
		}
		if err := database.Close(s.db); err != nil {
			s.logger.Error("Failed to close database", zap.Error(err))
		}
	})
	return nil
}

// enqueue broker 回调：只入队，队列满时丢弃
func (s *EngineService) enqueue(topic string, data []byte) error {
	select {
	case s.messages <- inboundMessage{topic: topic, payload: data}:
		return nil
	default:
		metrics.MessagesTotal.WithLabelValues("dropped").Inc()
		return fmt.Errorf("message queue full, dropping message on %s", topic)
	}
}

// run 单一调度循环：消息、全量刷新、reload 轮询互不重叠
func (s *EngineService) run(ctx context.Context) {
	defer close(s.loopDone)

	refresh := time.NewTicker(s.refreshInterval)
	defer refresh.Stop()
	reload := time.NewTicker(s.reloadInterval)
	defer reload.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.messages:
			s.process(ctx, msg)
		case <-refresh.C:
			if err := s.sync.Refresh(ctx); err != nil {
				s.logger.Debug("Periodic config refresh failed, keeping previous snapshot", zap.Error(err))
			}
		case <-reload.C:
			if _, err := s.sync.CheckReload(ctx); err != nil {
				s.logger.Warn("Reload check failed", zap.Error(err))
			}
		}
	}
}

// process 单条消息：解码一次，依次交给报警评估与指标计算
func (s *EngineService) process(ctx context.Context, msg inboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			metrics.MessagesTotal.WithLabelValues("panic").Inc()
			s.logger.Error("Recovered from panic while processing message",
				zap.String("topic", msg.topic),
				zap.Any("panic", r),
			)
		}
	}()

	p, err := payload.Decode(msg.payload)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("decode_error").Inc()
		s.logger.Warn("Dropping malformed message",
			zap.String("topic", msg.topic),
			zap.Error(err),
		)
		return
	}

	now := time.Now()
	s.evaluator.Handle(ctx, msg.topic, p, now)
	s.computer.Handle(msg.topic, p, now)
	metrics.MessagesTotal.WithLabelValues("processed").Inc()
}
