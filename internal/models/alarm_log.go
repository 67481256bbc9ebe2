package models

import "time"

// AlarmStatus 报警日志状态
type AlarmStatus string

const (
	AlarmStatusActive  AlarmStatus = "ACTIVE"
	AlarmStatusCleared AlarmStatus = "CLEARED"
)

// AlarmLogEntry 报警日志（对应 alarm_logs 表）
// 同一 (rule, bit) 同时最多只有一条未关闭的 ACTIVE 记录
type AlarmLogEntry struct {
	ID              string      `json:"id" db:"id"`
	RuleID          string      `json:"rule_id" db:"rule_id"`
	BitRuleID       *string     `json:"bit_rule_id,omitempty" db:"bit_rule_id"`
	Status          AlarmStatus `json:"status" db:"status"`
	TriggeringValue string      `json:"triggering_value" db:"triggering_value"`
	Timestamp       time.Time   `json:"timestamp" db:"triggered_at"`
	ClearedAt       *time.Time  `json:"cleared_at,omitempty" db:"cleared_at"`
}

// Notification 用户通知（对应 notifications 表）
type Notification struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Message   string    `json:"message" db:"message"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
