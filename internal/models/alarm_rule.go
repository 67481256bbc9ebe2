package models

// KeyType 报警规则类型
type KeyType string

const (
	KeyTypeThreshold KeyType = "THRESHOLD" // 阈值（min/max）
	KeyTypeDirect    KeyType = "DIRECT"    // 布尔/0-1 直接报警
	KeyTypeBitValue  KeyType = "BIT_VALUE" // 整数位图，每一位独立报警
)

// Valid 是否为支持的规则类型
func (k KeyType) Valid() bool {
	switch k {
	case KeyTypeThreshold, KeyTypeDirect, KeyTypeBitValue:
		return true
	}
	return false
}

// AlarmRule 报警规则（对应 alarm_rules 表）
type AlarmRule struct {
	ID       string   `json:"id" db:"id"`
	DeviceID string   `json:"device_id" db:"device_id"`
	Topic    string   `json:"topic" db:"-"` // 由设备解析得到，同步时填充
	FieldKey string   `json:"field_key" db:"field_key"`
	KeyType  KeyType  `json:"key_type" db:"key_type"`
	MinValue *float64 `json:"min_value,omitempty" db:"min_value"`
	MaxValue *float64 `json:"max_value,omitempty" db:"max_value"`
	MaxOnly  bool     `json:"max_only" db:"max_only"`
	Name     string   `json:"name" db:"name"`

	BitRules []BitRule `json:"bit_rules,omitempty"` // 仅 BIT_VALUE 有效，按 bit_position 排序
}

// BitRule 位规则（对应 alarm_bit_rules 表）
type BitRule struct {
	ID          string `json:"id" db:"id"`
	RuleID      string `json:"rule_id" db:"rule_id"`
	BitPosition int    `json:"bit_position" db:"bit_position"`
	Name        string `json:"name" db:"name"`
}

// Device 设备（对应 devices 表），topic 即设备标识
type Device struct {
	ID    string `json:"id" db:"id"`
	Name  string `json:"name" db:"name"`
	Topic string `json:"topic" db:"topic"`
}
