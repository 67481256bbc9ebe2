package mqtt

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"owl-telemetry/common/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 10 * time.Second
	retryInterval  = 5 * time.Second
)

// MessageHandler 消息处理函数类型
type MessageHandler func(topic string, payload []byte) error

// Client MQTT客户端封装
// 维护当前订阅的完整主题集合，每次（重新）连接后整体重新订阅
type Client struct {
	client mqtt.Client
	config *config.MQTTConfig
	logger *zap.Logger

	mu      sync.Mutex
	topics  map[string]struct{}
	handler MessageHandler
}

// NewClient 创建MQTT客户端
// 连接失败不会返回错误：paho 会在后台持续重试，连上后 OnConnect 负责补订阅
func NewClient(cfg *config.MQTTConfig, logger *zap.Logger) (*Client, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt broker address is required")
	}

	c := &Client{
		config: cfg,
		logger: logger,
		topics: make(map[string]struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(retryInterval)
	opts.SetCleanSession(true)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.client = mqtt.NewClient(opts)

	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		logger.Warn("MQTT broker not reachable yet, retrying in background",
			zap.String("broker", cfg.Broker),
		)
	} else if token.Error() != nil {
		logger.Error("Failed to connect to MQTT broker",
			zap.String("broker", cfg.Broker),
			zap.Error(token.Error()),
		)
	}

	return c, nil
}

// newClientWith 使用已有的 paho 客户端构建（测试用）
func newClientWith(pc mqtt.Client, cfg *config.MQTTConfig, logger *zap.Logger) *Client {
	return &Client{
		client: pc,
		config: cfg,
		logger: logger,
		topics: make(map[string]struct{}),
	}
}

// OnMessage 设置消息回调
func (c *Client) OnMessage(handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// Subscribe 订阅主题
// 未连接时只记录主题，连接建立后由 onConnect 统一订阅
func (c *Client) Subscribe(topics ...string) error {
	if len(topics) == 0 {
		return nil
	}

	// 先记录再检查连接，并发的 onConnect 总能读到这些主题
	c.mu.Lock()
	added := make([]string, 0, len(topics))
	for _, topic := range topics {
		if _, ok := c.topics[topic]; !ok {
			c.topics[topic] = struct{}{}
			added = append(added, topic)
		}
	}
	c.mu.Unlock()

	if !c.client.IsConnectionOpen() {
		c.logger.Debug("MQTT not connected, subscription deferred",
			zap.Strings("topics", topics),
		)
		return nil
	}

	filters := make(map[string]byte, len(topics))
	for _, topic := range topics {
		filters[topic] = c.config.QoS
	}

	token := c.client.SubscribeMultiple(filters, c.dispatch)
	token.Wait()
	if token.Error() != nil {
		c.mu.Lock()
		for _, topic := range added {
			delete(c.topics, topic)
		}
		c.mu.Unlock()
		return fmt.Errorf("failed to subscribe to %d topics: %w", len(topics), token.Error())
	}

	return nil
}

// Unsubscribe 取消订阅
// 主题总是先从集合中移除，重连时不会再被订阅
func (c *Client) Unsubscribe(topics ...string) error {
	if len(topics) == 0 {
		return nil
	}

	c.mu.Lock()
	for _, topic := range topics {
		delete(c.topics, topic)
	}
	c.mu.Unlock()

	if !c.client.IsConnectionOpen() {
		return nil
	}

	token := c.client.Unsubscribe(topics...)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("failed to unsubscribe: %w", token.Error())
	}

	return nil
}

// Publish 发布消息（QoS 取配置值，不保留）
func (c *Client) Publish(topic string, payload []byte) error {
	token := c.client.Publish(topic, c.config.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("timed out publishing to topic %s", topic)
	}
	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}

	return nil
}

// Topics 返回当前订阅的主题（已排序）
func (c *Client) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	topics := make([]string, 0, len(c.topics))
	for topic := range c.topics {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// Disconnect 断开连接
func (c *Client) Disconnect() {
	c.client.Disconnect(250) // 250ms等待时间
}

// IsConnected 检查连接状态
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// onConnect 每次（重新）连接成功后重新订阅全部主题
func (c *Client) onConnect(pc mqtt.Client) {
	topics := c.Topics()
	c.logger.Info("Connected to MQTT broker",
		zap.String("broker", c.config.Broker),
		zap.Int("topic_count", len(topics)),
	)
	if len(topics) == 0 {
		return
	}

	filters := make(map[string]byte, len(topics))
	for _, topic := range topics {
		filters[topic] = c.config.QoS
	}

	token := pc.SubscribeMultiple(filters, c.dispatch)
	token.Wait()
	if token.Error() != nil {
		c.logger.Error("Failed to resubscribe after connect",
			zap.Int("topic_count", len(topics)),
			zap.Error(token.Error()),
		)
	}
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.logger.Warn("MQTT connection lost, reconnecting",
		zap.String("broker", c.config.Broker),
		zap.Error(err),
	)
}

// dispatch 调用消息回调；错误和 panic 只记录，不影响后续消息
func (c *Client) dispatch(_ mqtt.Client, msg mqtt.Message) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Panic while handling MQTT message",
				zap.String("topic", msg.Topic()),
				zap.Any("panic", r),
			)
		}
	}()

	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler == nil {
		return
	}

	if err := handler(msg.Topic(), msg.Payload()); err != nil {
		c.logger.Warn("Error handling MQTT message",
			zap.String("topic", msg.Topic()),
			zap.Error(err),
		)
	}
}
