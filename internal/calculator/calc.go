package calculator

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"owl-telemetry/internal/models"
	"owl-telemetry/internal/telemetry"

	"github.com/shopspring/decimal"
)

// ErrNotReady 依赖的缓存值尚未全部到达
var ErrNotReady = errors.New("calc sources not ready")

// ErrNonFinite 计算结果溢出为 ±Inf 或 NaN
var ErrNonFinite = errors.New("non-finite result")

// SourceRef 依赖源：设备 topic + 字段
type SourceRef struct {
	Topic string
	Key   string
}

// CacheKey 对应的缓存键
func (s SourceRef) CacheKey() string {
	return telemetry.Key(s.Topic, s.Key)
}

// Reader 只读缓存
type Reader interface {
	Get(key string) (telemetry.CachedValue, bool)
}

// Calc 派生指标配置
// 由 Parse 按 kind 构造，之后只通过接口调用
type Calc interface {
	ID() string
	Name() string
	Kind() models.CalcKind
	PublishTopic() string
	RequiredSources() []SourceRef
	Compute(r Reader) (any, error)
}

type base struct {
	id           string
	name         string
	publishTopic string
}

func (b base) ID() string           { return b.id }
func (b base) Name() string         { return b.name }
func (b base) PublishTopic() string { return b.publishTopic }

// ============================================
// Bill
// ============================================

// Bill 电费：原始值单位 Wh，按每 kWh 费率计算
type Bill struct {
	base
	Source     SourceRef
	RupiahRate float64
	DollarRate float64
}

// BillResult Bill 计算结果
type BillResult struct {
	RawValue   float64 `json:"rawValue"`
	RupiahCost float64 `json:"rupiahCost"`
	DollarCost float64 `json:"dollarCost"`
}

func (b *Bill) Kind() models.CalcKind { return models.CalcKindBill }

func (b *Bill) RequiredSources() []SourceRef {
	return []SourceRef{b.Source}
}

func (b *Bill) Compute(r Reader) (any, error) {
	v, ok := r.Get(b.Source.CacheKey())
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotReady, b.Source.CacheKey())
	}
	energyKwh := v.Value / 1000
	rupiah := energyKwh * b.RupiahRate
	dollar := energyKwh * b.DollarRate
	if err := checkFinite(b.id, rupiah, dollar); err != nil {
		return nil, err
	}
	return BillResult{
		RawValue:   v.Value,
		RupiahCost: round2(rupiah),
		DollarCost: round2(dollar),
	}, nil
}

// ============================================
// PUE / PowerAnalyzer
// ============================================

// PDUGroup 一组 PDU 读数，组内各字段求和
type PDUGroup struct {
	Name    string
	Sources []SourceRef
}

// PowerDetail 每个 PDU 组的 IT 功率
type PowerDetail struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// powerInputs PUE 与 PowerAnalyzer 共用的输入：总功率 + PDU 分组
type powerInputs struct {
	MainPower SourceRef
	Groups    []PDUGroup
}

func (p powerInputs) sources() []SourceRef {
	refs := []SourceRef{p.MainPower}
	for _, g := range p.Groups {
		refs = append(refs, g.Sources...)
	}
	return refs
}

// aggregate 读取总功率并按组汇总 IT 功率
func (p powerInputs) aggregate(id string, r Reader) (facility, itPower float64, details []PowerDetail, err error) {
	main, ok := r.Get(p.MainPower.CacheKey())
	if !ok {
		return 0, 0, nil, fmt.Errorf("%w: %s", ErrNotReady, p.MainPower.CacheKey())
	}

	details = make([]PowerDetail, 0, len(p.Groups))
	for _, g := range p.Groups {
		var sum float64
		for _, src := range g.Sources {
			v, ok := r.Get(src.CacheKey())
			if !ok {
				return 0, 0, nil, fmt.Errorf("%w: %s", ErrNotReady, src.CacheKey())
			}
			sum += v.Value
		}
		if err := checkFinite(id, sum); err != nil {
			return 0, 0, nil, err
		}
		itPower += sum
		details = append(details, PowerDetail{Name: g.Name, Value: round2(sum)})
	}

	if err := checkFinite(id, main.Value, itPower); err != nil {
		return 0, 0, nil, err
	}
	return main.Value, itPower, details, nil
}

// PUE 能源使用效率 = 设施总功率 / IT 功率
type PUE struct {
	base
	powerInputs
}

// PUEResult PUE 计算结果
type PUEResult struct {
	TotalFacilityPower float64       `json:"totalFacilityPower"`
	TotalItPower       float64       `json:"totalItPower"`
	PUEValue           float64       `json:"pueValue"`
	ItPowerDetails     []PowerDetail `json:"itPowerDetails"`
}

func (p *PUE) Kind() models.CalcKind { return models.CalcKindPUE }

func (p *PUE) RequiredSources() []SourceRef { return p.sources() }

func (p *PUE) Compute(r Reader) (any, error) {
	facility, itPower, details, err := p.aggregate(p.id, r)
	if err != nil {
		return nil, err
	}
	var pue float64
	if itPower > 0 {
		ratio := facility / itPower
		if err := checkFinite(p.id, ratio); err != nil {
			return nil, err
		}
		pue = round2(ratio)
	}
	return PUEResult{
		TotalFacilityPower: round2(facility),
		TotalItPower:       round2(itPower),
		PUEValue:           pue,
		ItPowerDetails:     details,
	}, nil
}

// PowerAnalyzer IT 负载占比 = IT 功率 / 设施总功率
type PowerAnalyzer struct {
	base
	powerInputs
}

// PowerAnalyzerResult PowerAnalyzer 计算结果
type PowerAnalyzerResult struct {
	TotalFacilityPower float64       `json:"totalFacilityPower"`
	TotalItPower       float64       `json:"totalItPower"`
	ItLoadPercentage   string        `json:"itLoadPercentage"`
	ItPowerDetails     []PowerDetail `json:"itPowerDetails"`
}

func (p *PowerAnalyzer) Kind() models.CalcKind { return models.CalcKindPowerAnalyzer }

func (p *PowerAnalyzer) RequiredSources() []SourceRef { return p.sources() }

func (p *PowerAnalyzer) Compute(r Reader) (any, error) {
	facility, itPower, details, err := p.aggregate(p.id, r)
	if err != nil {
		return nil, err
	}
	pct := decimal.Zero
	if facility > 0 {
		pct = decimal.NewFromFloat(itPower).Div(decimal.NewFromFloat(facility)).Mul(decimal.NewFromInt(100))
	}
	return PowerAnalyzerResult{
		TotalFacilityPower: round2(facility),
		TotalItPower:       round2(itPower),
		ItLoadPercentage:   pct.StringFixed(2) + "%",
		ItPowerDetails:     details,
	}, nil
}

// ============================================
// 解析
// ============================================

type mainPowerJSON struct {
	DeviceID string `json:"deviceId"`
	Key      string `json:"key"`
}

type pduGroupJSON struct {
	Name     string   `json:"name"`
	DeviceID string   `json:"deviceId"`
	Keys     []string `json:"keys"`
}

// Resolver 设备 ID -> topic
type Resolver func(deviceID string) (string, bool)

// Parse 将配置行解析为 Calc
// JSON 子结构非法或设备无法解析时返回错误，调用方跳过该配置
func Parse(row models.CalcConfigRow, resolve Resolver) (Calc, error) {
	if row.PublishTopic == "" {
		return nil, fmt.Errorf("calc %s: publish_topic is required", row.ID)
	}
	b := base{id: row.ID, name: row.Name, publishTopic: row.PublishTopic}

	switch row.Kind {
	case models.CalcKindBill:
		if row.SourceDeviceID == nil || row.SourceKey == nil || *row.SourceKey == "" {
			return nil, fmt.Errorf("calc %s: bill source is required", row.ID)
		}
		topic, ok := resolve(*row.SourceDeviceID)
		if !ok {
			return nil, fmt.Errorf("calc %s: unknown device %s", row.ID, *row.SourceDeviceID)
		}
		return &Bill{
			base:       b,
			Source:     SourceRef{Topic: topic, Key: *row.SourceKey},
			RupiahRate: row.RupiahRate,
			DollarRate: row.DollarRate,
		}, nil

	case models.CalcKindPUE:
		in, err := parsePowerInputs(row, resolve)
		if err != nil {
			return nil, err
		}
		return &PUE{base: b, powerInputs: in}, nil

	case models.CalcKindPowerAnalyzer:
		in, err := parsePowerInputs(row, resolve)
		if err != nil {
			return nil, err
		}
		return &PowerAnalyzer{base: b, powerInputs: in}, nil
	}

	return nil, fmt.Errorf("calc %s: unsupported kind %q", row.ID, row.Kind)
}

func parsePowerInputs(row models.CalcConfigRow, resolve Resolver) (powerInputs, error) {
	var in powerInputs

	if len(row.MainPower) == 0 {
		return in, fmt.Errorf("calc %s: main_power is required", row.ID)
	}
	var main mainPowerJSON
	if err := json.Unmarshal(row.MainPower, &main); err != nil {
		return in, fmt.Errorf("calc %s: failed to parse main_power: %w", row.ID, err)
	}
	if main.DeviceID == "" || main.Key == "" {
		return in, fmt.Errorf("calc %s: main_power requires deviceId and key", row.ID)
	}
	topic, ok := resolve(main.DeviceID)
	if !ok {
		return in, fmt.Errorf("calc %s: unknown main power device %s", row.ID, main.DeviceID)
	}
	in.MainPower = SourceRef{Topic: topic, Key: main.Key}

	if len(row.PDUGroups) == 0 {
		return in, fmt.Errorf("calc %s: pdu_groups is required", row.ID)
	}
	var groups []pduGroupJSON
	if err := json.Unmarshal(row.PDUGroups, &groups); err != nil {
		return in, fmt.Errorf("calc %s: failed to parse pdu_groups: %w", row.ID, err)
	}
	for _, g := range groups {
		topic, ok := resolve(g.DeviceID)
		if !ok {
			return in, fmt.Errorf("calc %s: unknown pdu device %s in group %q", row.ID, g.DeviceID, g.Name)
		}
		group := PDUGroup{Name: g.Name}
		for _, key := range g.Keys {
			group.Sources = append(group.Sources, SourceRef{Topic: topic, Key: key})
		}
		in.Groups = append(in.Groups, group)
	}

	return in, nil
}

func checkFinite(id string, values ...float64) error {
	for _, v := range values {
		if math.IsInf(v, 0) || math.IsNaN(v) {
			return fmt.Errorf("calc %s: %w", id, ErrNonFinite)
		}
	}
	return nil
}

// round2 按十进制表示四舍五入到两位小数（1.005 -> 1.01）
func round2(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}
