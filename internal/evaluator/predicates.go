package evaluator

import (
	"strings"

	"owl-telemetry/internal/models"
)

// ThresholdActive 阈值判断
// maxOnly 时只看上限；否则低于下限或高于上限均为报警。未配置的边界不参与判断
func ThresholdActive(rule models.AlarmRule, value float64) bool {
	above := rule.MaxValue != nil && value > *rule.MaxValue
	if rule.MaxOnly {
		return above
	}
	below := rule.MinValue != nil && value < *rule.MinValue
	return below || above
}

// DirectActive 直接报警：true / 1 / "1" / "true" 为报警，其余均为正常
func DirectActive(value interface{}) bool {
	switch v := value.(type) {
	case bool:
		return v
	case float64:
		return v == 1
	case string:
		s := strings.TrimSpace(v)
		return s == "1" || strings.EqualFold(s, "true")
	}
	return false
}

// BitActive 第 position 位是否为 1
func BitActive(value int64, position int) bool {
	if position < 0 || position > 63 {
		return false
	}
	return (value>>uint(position))&1 == 1
}
