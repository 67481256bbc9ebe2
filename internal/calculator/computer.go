package calculator

import (
	"encoding/json"
	"fmt"
	"time"

	"owl-telemetry/internal/metrics"
	"owl-telemetry/internal/payload"
	"owl-telemetry/internal/telemetry"

	"go.uber.org/zap"
)

// timestampLayout ISO 8601，UTC 毫秒精度
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Publisher 发布派生指标（由 MQTT 客户端实现）
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Envelope 出站派生指标消息
type Envelope struct {
	DeviceName string `json:"device_name"`
	Value      string `json:"value"` // 计算结果的 JSON 字符串
	Timestamp  string `json:"Timestamp"`
}

// MetricComputer 派生指标计算器
// 每条消息先写缓存，再对依赖该设备的配置检查就绪并计算发布
type MetricComputer struct {
	cache     *telemetry.Cache
	publisher Publisher
	logger    *zap.Logger

	byTopic map[string][]Calc
}

// NewMetricComputer 创建计算器
func NewMetricComputer(cache *telemetry.Cache, publisher Publisher, logger *zap.Logger) *MetricComputer {
	return &MetricComputer{
		cache:     cache,
		publisher: publisher,
		logger:    logger,
		byTopic:   make(map[string][]Calc),
	}
}

// Index 按依赖的设备 topic 建立索引，同一配置在一个 topic 下只出现一次
func Index(calcs []Calc) map[string][]Calc {
	index := make(map[string][]Calc)
	for _, c := range calcs {
		seen := make(map[string]bool)
		for _, src := range c.RequiredSources() {
			if seen[src.Topic] {
				continue
			}
			seen[src.Topic] = true
			index[src.Topic] = append(index[src.Topic], c)
		}
	}
	return index
}

// SetCalcs 替换 topic -> 配置索引（刷新后调用）
func (m *MetricComputer) SetCalcs(byTopic map[string][]Calc) {
	if byTopic == nil {
		byTopic = make(map[string][]Calc)
	}
	m.byTopic = byTopic
}

// Handle 处理一条已解码的设备消息
func (m *MetricComputer) Handle(topic string, p *payload.Payload, now time.Time) {
	for field, raw := range p.Fields {
		if v, ok := payload.Scalar(raw); ok {
			m.cache.Put(telemetry.Key(topic, field), v, now)
		}
	}
	metrics.CacheEntries.Set(float64(m.cache.Len()))

	for _, calc := range m.byTopic[topic] {
		m.computeAndPublish(calc, now)
	}
}

func (m *MetricComputer) computeAndPublish(calc Calc, now time.Time) {
	kind := string(calc.Kind())

	if missing := Missing(calc, m.cache); len(missing) > 0 {
		m.logger.Debug("Calc sources not ready",
			zap.String("calc_id", calc.ID()),
			zap.String("calc_name", calc.Name()),
			zap.Strings("missing_keys", missing),
		)
		metrics.MetricsPublishedTotal.WithLabelValues(kind, "not_ready").Inc()
		return
	}

	body, err := Render(calc, m.cache, now)
	if err != nil {
		m.logger.Error("Failed to compute derived metric",
			zap.String("calc_id", calc.ID()),
			zap.Error(err),
		)
		metrics.MetricsPublishedTotal.WithLabelValues(kind, "failed").Inc()
		return
	}

	if err := m.publisher.Publish(calc.PublishTopic(), body); err != nil {
		m.logger.Error("Failed to publish derived metric",
			zap.String("calc_id", calc.ID()),
			zap.String("topic", calc.PublishTopic()),
			zap.Error(err),
		)
		metrics.MetricsPublishedTotal.WithLabelValues(kind, "failed").Inc()
		return
	}

	metrics.MetricsPublishedTotal.WithLabelValues(kind, "published").Inc()
	m.logger.Debug("Derived metric published",
		zap.String("calc_id", calc.ID()),
		zap.String("topic", calc.PublishTopic()),
	)
}

// Missing 返回尚未缓存的依赖键（去重，保持顺序）
func Missing(calc Calc, r Reader) []string {
	var missing []string
	seen := make(map[string]bool)
	for _, src := range calc.RequiredSources() {
		key := src.CacheKey()
		if seen[key] {
			continue
		}
		seen[key] = true
		if _, ok := r.Get(key); !ok {
			missing = append(missing, key)
		}
	}
	return missing
}

// Render 计算并封装为出站消息
func Render(calc Calc, r Reader, now time.Time) ([]byte, error) {
	result, err := calc.Compute(r)
	if err != nil {
		return nil, err
	}
	value, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	body, err := json.Marshal(Envelope{
		DeviceName: calc.Name(),
		Value:      string(value),
		Timestamp:  now.UTC().Format(timestampLayout),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return body, nil
}
