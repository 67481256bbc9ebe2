package models

// CalcKind 派生指标类型
type CalcKind string

const (
	CalcKindBill          CalcKind = "BILL"
	CalcKindPUE           CalcKind = "PUE"
	CalcKindPowerAnalyzer CalcKind = "POWER_ANALYZER"
)

// CalcConfigRow 派生指标配置原始行（对应 calc_configs 表）
// MainPower / PDUGroups 为 JSON 文本列，由 calculator.Parse 解析
type CalcConfigRow struct {
	ID             string   `db:"id"`
	Kind           CalcKind `db:"kind"`
	Name           string   `db:"name"`
	PublishTopic   string   `db:"publish_topic"`
	SourceDeviceID *string  `db:"source_device_id"` // Bill
	SourceKey      *string  `db:"source_key"`       // Bill
	RupiahRate     float64  `db:"rupiah_rate"`      // Bill，每 kWh 价格
	DollarRate     float64  `db:"dollar_rate"`      // Bill，每 kWh 价格
	MainPower      []byte   `db:"main_power"`       // PUE/PowerAnalyzer: {"deviceId":"..","key":".."}
	PDUGroups      []byte   `db:"pdu_groups"`       // PUE/PowerAnalyzer: [{"name":"..","deviceId":"..","keys":[..]}]
}
