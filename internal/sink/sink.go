package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"owl-telemetry/internal/models"
	"owl-telemetry/internal/repository"

	"go.uber.org/zap"
)

// Edge 状态跳变方向
type Edge string

const (
	EdgeRising  Edge = "rising"
	EdgeFalling Edge = "falling"
)

// Transition 一次报警状态跳变
type Transition struct {
	Rule  models.AlarmRule
	Bit   *models.BitRule // BIT_VALUE 规则的具体位，其余为 nil
	Value string          // 触发值（字符串化）
	At    time.Time
}

// BitRuleID 位规则 ID，整值规则为 nil
func (t Transition) BitRuleID() *string {
	if t.Bit == nil {
		return nil
	}
	id := t.Bit.ID
	return &id
}

// DisplayName 规则名，位规则追加位名
func (t Transition) DisplayName() string {
	if t.Bit == nil {
		return t.Rule.Name
	}
	return fmt.Sprintf("%s / %s", t.Rule.Name, t.Bit.Name)
}

// Event 对外推送的报警事件（Redis Streams / Webhook）
type Event struct {
	Edge      Edge               `json:"edge"`
	Status    models.AlarmStatus `json:"status"`
	LogID     string             `json:"log_id,omitempty"`
	RuleID    string             `json:"rule_id"`
	BitRuleID *string            `json:"bit_rule_id,omitempty"`
	DeviceID  string             `json:"device_id"`
	Topic     string             `json:"topic"`
	Name      string             `json:"name"`
	Value     string             `json:"value"`
	At        time.Time          `json:"at"`
}

// AlarmLogStore 报警日志写路径
type AlarmLogStore interface {
	FindOpen(ctx context.Context, ruleID string, bitRuleID *string) (*models.AlarmLogEntry, error)
	Create(ctx context.Context, entry *models.AlarmLogEntry) error
	CloseLatestOpen(ctx context.Context, ruleID string, bitRuleID *string, clearedAt time.Time) (string, error)
}

// NotificationStore 通知写路径
type NotificationStore interface {
	ListUserIDs(ctx context.Context) ([]string, error)
	CreateNotifications(ctx context.Context, notifications []models.Notification) error
}

// Hook 可选的外部推送（失败只记录日志）
type Hook interface {
	Name() string
	Send(ctx context.Context, event Event) error
}

// Sink 报警事件落库 + 通知扇出
type Sink struct {
	logs          AlarmLogStore
	notifications NotificationStore
	hooks         []Hook
	logger        *zap.Logger
}

// NewSink 创建事件 sink
func NewSink(logs AlarmLogStore, notifications NotificationStore, logger *zap.Logger, hooks ...Hook) *Sink {
	return &Sink{
		logs:          logs,
		notifications: notifications,
		hooks:         hooks,
		logger:        logger,
	}
}

// AlarmRaised 上升沿：写入 ACTIVE 记录（已有未关闭记录时复用），并通知所有用户
func (s *Sink) AlarmRaised(ctx context.Context, t Transition) error {
	bitID := t.BitRuleID()

	open, err := s.logs.FindOpen(ctx, t.Rule.ID, bitID)
	if err != nil {
		return fmt.Errorf("failed to look up open alarm: %w", err)
	}

	var logID string
	if open != nil {
		logID = open.ID
		s.logger.Info("Reusing open alarm log entry",
			zap.String("log_id", logID),
			zap.String("rule_id", t.Rule.ID),
		)
	} else {
		entry := &models.AlarmLogEntry{
			RuleID:          t.Rule.ID,
			BitRuleID:       bitID,
			Status:          models.AlarmStatusActive,
			TriggeringValue: t.Value,
			Timestamp:       t.At,
		}
		if err := s.logs.Create(ctx, entry); err != nil {
			return fmt.Errorf("failed to record alarm: %w", err)
		}
		logID = entry.ID
	}

	s.logger.Info("Alarm raised",
		zap.String("log_id", logID),
		zap.String("rule_id", t.Rule.ID),
		zap.String("name", t.DisplayName()),
		zap.String("value", t.Value),
	)

	notifyErr := s.notify(ctx, t, models.AlarmStatusActive)
	s.fire(ctx, s.event(EdgeRising, models.AlarmStatusActive, logID, t))

	return notifyErr
}

// AlarmCleared 下降沿：关闭最近一条未关闭记录，并通知所有用户
// 没有未关闭记录时仍然发送通知
func (s *Sink) AlarmCleared(ctx context.Context, t Transition) error {
	logID, err := s.logs.CloseLatestOpen(ctx, t.Rule.ID, t.BitRuleID(), t.At)
	if err != nil {
		if !errors.Is(err, repository.ErrNoOpenAlarm) {
			return fmt.Errorf("failed to clear alarm: %w", err)
		}
		s.logger.Warn("No open alarm log entry to clear",
			zap.String("rule_id", t.Rule.ID),
			zap.String("name", t.DisplayName()),
			zap.Error(err),
		)
	}

	s.logger.Info("Alarm cleared",
		zap.String("log_id", logID),
		zap.String("rule_id", t.Rule.ID),
		zap.String("name", t.DisplayName()),
		zap.String("value", t.Value),
	)

	notifyErr := s.notify(ctx, t, models.AlarmStatusCleared)
	s.fire(ctx, s.event(EdgeFalling, models.AlarmStatusCleared, logID, t))

	return notifyErr
}

// notify 每个注册用户一条通知
func (s *Sink) notify(ctx context.Context, t Transition, status models.AlarmStatus) error {
	userIDs, err := s.notifications.ListUserIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list users: %w", err)
	}
	if len(userIDs) == 0 {
		return nil
	}

	message := Message(t, status)
	notifications := make([]models.Notification, 0, len(userIDs))
	for _, userID := range userIDs {
		notifications = append(notifications, models.Notification{
			UserID:    userID,
			Message:   message,
			CreatedAt: t.At,
		})
	}

	if err := s.notifications.CreateNotifications(ctx, notifications); err != nil {
		return fmt.Errorf("failed to create notifications: %w", err)
	}
	return nil
}

func (s *Sink) event(edge Edge, status models.AlarmStatus, logID string, t Transition) Event {
	return Event{
		Edge:      edge,
		Status:    status,
		LogID:     logID,
		RuleID:    t.Rule.ID,
		BitRuleID: t.BitRuleID(),
		DeviceID:  t.Rule.DeviceID,
		Topic:     t.Rule.Topic,
		Name:      t.DisplayName(),
		Value:     t.Value,
		At:        t.At,
	}
}

func (s *Sink) fire(ctx context.Context, event Event) {
	for _, h := range s.hooks {
		if err := h.Send(ctx, event); err != nil {
			s.logger.Warn("Alarm hook failed",
				zap.String("hook", h.Name()),
				zap.String("rule_id", event.RuleID),
				zap.Error(err),
			)
		}
	}
}

// Message 通知文案
func Message(t Transition, status models.AlarmStatus) string {
	return fmt.Sprintf("%s is %s (value: %s)", t.DisplayName(), status, t.Value)
}
