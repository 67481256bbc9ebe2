package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	commonredis "owl-telemetry/common/redis"
	"owl-telemetry/internal/metrics"

	"github.com/go-redis/redis/v8"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// ErrHookQueueFull 推送队列已满，事件被丢弃
var ErrHookQueueFull = errors.New("hook queue full")

const (
	defaultHookQueueSize   = 256
	defaultHookSendTimeout = 10 * time.Second
)

// AsyncHook 在独立 goroutine 中投递事件，调度循环只负责入队
type AsyncHook struct {
	hook        Hook
	queue       chan Event
	sendTimeout time.Duration
	logger      *zap.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// NewAsyncHook 包装 hook；queueSize/sendTimeout <= 0 时使用默认值
func NewAsyncHook(hook Hook, queueSize int, sendTimeout time.Duration, logger *zap.Logger) *AsyncHook {
	if queueSize <= 0 {
		queueSize = defaultHookQueueSize
	}
	if sendTimeout <= 0 {
		sendTimeout = defaultHookSendTimeout
	}
	a := &AsyncHook{
		hook:        hook,
		queue:       make(chan Event, queueSize),
		sendTimeout: sendTimeout,
		logger:      logger,
		done:        make(chan struct{}),
	}
	go a.worker()
	return a
}

func (a *AsyncHook) Name() string { return a.hook.Name() }

// Send 非阻塞入队，队列满时丢弃
func (a *AsyncHook) Send(_ context.Context, event Event) error {
	select {
	case a.queue <- event:
		return nil
	default:
		metrics.HookEventsTotal.WithLabelValues(a.hook.Name(), "dropped").Inc()
		return fmt.Errorf("%w: %s", ErrHookQueueFull, a.hook.Name())
	}
}

// Close 停止接收并等待已入队事件投递完成，超时返回
func (a *AsyncHook) Close(timeout time.Duration) {
	a.closeOnce.Do(func() { close(a.queue) })
	select {
	case <-a.done:
	case <-time.After(timeout):
		a.logger.Warn("Alarm hook did not drain in time", zap.String("hook", a.hook.Name()))
	}
}

func (a *AsyncHook) worker() {
	defer close(a.done)
	for event := range a.queue {
		a.deliver(event)
	}
}

func (a *AsyncHook) deliver(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), a.sendTimeout)
	defer cancel()

	if err := a.hook.Send(ctx, event); err != nil {
		metrics.HookEventsTotal.WithLabelValues(a.hook.Name(), "failed").Inc()
		a.logger.Warn("Alarm hook delivery failed",
			zap.String("hook", a.hook.Name()),
			zap.String("rule_id", event.RuleID),
			zap.Error(err),
		)
		return
	}
	metrics.HookEventsTotal.WithLabelValues(a.hook.Name(), "sent").Inc()
}

// StreamPublisher 将报警事件写入 Redis Streams，由下游通知通道消费
type StreamPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewStreamPublisher 创建 Streams 推送
func NewStreamPublisher(client *redis.Client, stream string, maxLen int64) *StreamPublisher {
	return &StreamPublisher{
		client: client,
		stream: stream,
		maxLen: maxLen,
	}
}

func (p *StreamPublisher) Name() string { return "redis_stream" }

func (p *StreamPublisher) Send(ctx context.Context, event Event) error {
	if _, err := commonredis.PublishJSONToStream(ctx, p.client, p.stream, p.maxLen, event); err != nil {
		return fmt.Errorf("failed to publish to stream %s: %w", p.stream, err)
	}
	return nil
}

// WebhookNotifier 将报警事件 POST 到外部通知网关
type WebhookNotifier struct {
	httpClient *resty.Client
	url        string
}

// NewWebhookNotifier 创建 Webhook 推送
func NewWebhookNotifier(url string, logger *zap.Logger) *WebhookNotifier {
	client := resty.New().
		SetLogger(logger.Sugar()).
		SetTimeout(5 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Content-Type", "application/json")

	return &WebhookNotifier{
		httpClient: client,
		url:        url,
	}
}

func (w *WebhookNotifier) Name() string { return "webhook" }

func (w *WebhookNotifier) Send(ctx context.Context, event Event) error {
	resp, err := w.httpClient.R().
		SetContext(ctx).
		SetBody(event).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("failed to call webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}
	return nil
}
