package synchronizer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"owl-telemetry/internal/calculator"
	"owl-telemetry/internal/metrics"
	"owl-telemetry/internal/models"

	"go.uber.org/zap"
)

// ConfigStore 规则/派生指标配置读取
type ConfigStore interface {
	LoadDevices(ctx context.Context) ([]models.Device, error)
	LoadAlarmRules(ctx context.Context) ([]models.AlarmRule, error)
	LoadCalcConfigs(ctx context.Context) ([]models.CalcConfigRow, error)
}

// Subscriber 订阅管理（由 MQTT 客户端实现）
type Subscriber interface {
	Subscribe(topics ...string) error
	Unsubscribe(topics ...string) error
}

// ReloadFlag 一次性重新加载标志
type ReloadFlag interface {
	Consume(ctx context.Context) (bool, error)
}

// Snapshot 一次刷新得到的完整配置视图，刷新后只读
type Snapshot struct {
	RulesByTopic map[string][]models.AlarmRule
	CalcsByTopic map[string][]calculator.Calc
	Calcs        []calculator.Calc
	Topics       []string // 需要订阅的 topic，已排序
	LoadedAt     time.Time
}

// Synchronizer 配置同步器
// 周期性从存储加载配置，计算所需 topic 集合并与当前订阅做差量同步
type Synchronizer struct {
	store      ConfigStore
	subscriber Subscriber
	flag       ReloadFlag
	logger     *zap.Logger
	listeners  []func(*Snapshot)

	mu          sync.RWMutex
	current     map[string]struct{}
	snapshot    *Snapshot
	lastRefresh time.Time
}

// NewSynchronizer 创建同步器，flag 可以为 nil
func NewSynchronizer(store ConfigStore, subscriber Subscriber, flag ReloadFlag, logger *zap.Logger) *Synchronizer {
	return &Synchronizer{
		store:      store,
		subscriber: subscriber,
		flag:       flag,
		logger:     logger,
		current:    make(map[string]struct{}),
	}
}

// OnRefresh 注册刷新成功后的回调（在调用 Refresh 的 goroutine 上执行）
func (s *Synchronizer) OnRefresh(fn func(*Snapshot)) {
	s.listeners = append(s.listeners, fn)
}

// Refresh 全量加载配置并同步订阅
// 存储不可用时保留上一次的配置与订阅，返回错误，下个周期重试
func (s *Synchronizer) Refresh(ctx context.Context) error {
	start := time.Now()

	snap, err := s.load(ctx)
	if err != nil {
		metrics.RefreshTotal.WithLabelValues("failed").Inc()
		s.logger.Error("Config refresh failed, keeping previous configuration",
			zap.Error(err),
		)
		return err
	}

	s.applyTopics(snap.Topics)

	s.mu.Lock()
	s.snapshot = snap
	s.lastRefresh = snap.LoadedAt
	subscribed := len(s.current)
	s.mu.Unlock()

	for _, fn := range s.listeners {
		fn(snap)
	}

	metrics.RefreshTotal.WithLabelValues("success").Inc()
	metrics.RefreshDuration.Observe(time.Since(start).Seconds())
	metrics.SubscribedTopics.Set(float64(subscribed))

	s.logger.Debug("Config refreshed",
		zap.Int("rules", countRules(snap.RulesByTopic)),
		zap.Int("calcs", len(snap.Calcs)),
		zap.Int("topics", len(snap.Topics)),
		zap.Int("subscribed", subscribed),
	)
	return nil
}

// CheckReload 消费重新加载标志，已设置时立即刷新
func (s *Synchronizer) CheckReload(ctx context.Context) (bool, error) {
	if s.flag == nil {
		return false, nil
	}
	requested, err := s.flag.Consume(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to check reload flag: %w", err)
	}
	if !requested {
		return false, nil
	}

	s.logger.Info("Reload requested, refreshing configuration")
	return true, s.Refresh(ctx)
}

// Topics 当前已订阅的 topic（已排序）
func (s *Synchronizer) Topics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.current)
}

// Snapshot 最近一次成功刷新的配置，从未成功时为 nil
func (s *Synchronizer) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// LastRefresh 最近一次成功刷新的时间
func (s *Synchronizer) LastRefresh() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRefresh
}

func (s *Synchronizer) load(ctx context.Context) (*Snapshot, error) {
	devices, err := s.store.LoadDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load devices: %w", err)
	}
	rules, err := s.store.LoadAlarmRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load alarm rules: %w", err)
	}
	rows, err := s.store.LoadCalcConfigs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load calc configs: %w", err)
	}

	topicByDevice := make(map[string]string, len(devices))
	for _, d := range devices {
		topicByDevice[d.ID] = d.Topic
	}
	resolve := func(deviceID string) (string, bool) {
		topic, ok := topicByDevice[deviceID]
		return topic, ok
	}

	snap := &Snapshot{
		RulesByTopic: make(map[string][]models.AlarmRule),
		LoadedAt:     time.Now(),
	}
	required := make(map[string]struct{})

	for _, rule := range rules {
		if !rule.KeyType.Valid() {
			s.logger.Warn("Skipping rule with unsupported key type",
				zap.String("rule_id", rule.ID),
				zap.String("key_type", string(rule.KeyType)),
			)
			continue
		}
		topic, ok := resolve(rule.DeviceID)
		if !ok {
			s.logger.Warn("Skipping rule with unresolvable device",
				zap.String("rule_id", rule.ID),
				zap.String("device_id", rule.DeviceID),
			)
			continue
		}
		rule.Topic = topic
		snap.RulesByTopic[topic] = append(snap.RulesByTopic[topic], rule)
		required[topic] = struct{}{}
	}

	for _, row := range rows {
		calc, err := calculator.Parse(row, resolve)
		if err != nil {
			s.logger.Warn("Skipping invalid calc config",
				zap.String("calc_id", row.ID),
				zap.String("kind", string(row.Kind)),
				zap.Error(err),
			)
			continue
		}
		snap.Calcs = append(snap.Calcs, calc)
		for _, src := range calc.RequiredSources() {
			required[src.Topic] = struct{}{}
		}
	}
	snap.CalcsByTopic = calculator.Index(snap.Calcs)
	snap.Topics = sortedKeys(required)

	return snap, nil
}

// applyTopics 差量订阅
// 订阅失败的 topic 不记入当前集合，退订失败的 topic 保留，下次刷新重试
func (s *Synchronizer) applyTopics(required []string) {
	s.mu.RLock()
	want := make(map[string]struct{}, len(required))
	for _, t := range required {
		want[t] = struct{}{}
	}
	var removed, added []string
	for t := range s.current {
		if _, ok := want[t]; !ok {
			removed = append(removed, t)
		}
	}
	for _, t := range required {
		if _, ok := s.current[t]; !ok {
			added = append(added, t)
		}
	}
	s.mu.RUnlock()
	sort.Strings(removed)

	if len(removed) > 0 {
		if err := s.subscriber.Unsubscribe(removed...); err != nil {
			s.logger.Error("Failed to unsubscribe topics",
				zap.Strings("topics", removed),
				zap.Error(err),
			)
		} else {
			s.mu.Lock()
			for _, t := range removed {
				delete(s.current, t)
			}
			s.mu.Unlock()
			s.logger.Info("Unsubscribed topics", zap.Strings("topics", removed))
		}
	}

	if len(added) > 0 {
		if err := s.subscriber.Subscribe(added...); err != nil {
			s.logger.Error("Failed to subscribe topics",
				zap.Strings("topics", added),
				zap.Error(err),
			)
		} else {
			s.mu.Lock()
			for _, t := range added {
				s.current[t] = struct{}{}
			}
			s.mu.Unlock()
			s.logger.Info("Subscribed topics", zap.Strings("topics", added))
		}
	}
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func countRules(byTopic map[string][]models.AlarmRule) int {
	n := 0
	for _, rules := range byTopic {
		n += len(rules)
	}
	return n
}
