package evaluator

import (
	"context"
	"time"

	"owl-telemetry/internal/metrics"
	"owl-telemetry/internal/models"
	"owl-telemetry/internal/payload"
	"owl-telemetry/internal/sink"

	"go.uber.org/zap"
)

// EventSink 状态跳变的副作用（落库 + 通知）
type EventSink interface {
	AlarmRaised(ctx context.Context, t sink.Transition) error
	AlarmCleared(ctx context.Context, t sink.Transition) error
}

// AlarmState 单条规则的内存状态
// THRESHOLD/DIRECT 使用 Active；BIT_VALUE 使用 Bits（bit_position -> 是否报警）
type AlarmState struct {
	Active bool
	Bits   map[int]bool
}

// AlarmEvaluator 报警评估器（边沿触发）
// 只在报警标志翻转时调用 sink，状态不持久化，冷启动时全部视为未报警
type AlarmEvaluator struct {
	sink   EventSink
	logger *zap.Logger

	rulesByTopic map[string][]models.AlarmRule
	states       map[string]*AlarmState
}

// NewAlarmEvaluator 创建评估器
func NewAlarmEvaluator(eventSink EventSink, logger *zap.Logger) *AlarmEvaluator {
	return &AlarmEvaluator{
		sink:         eventSink,
		logger:       logger,
		rulesByTopic: make(map[string][]models.AlarmRule),
		states:       make(map[string]*AlarmState),
	}
}

// SetRules 替换 topic -> 规则索引，并清理已删除规则（及已删除位）的状态
func (e *AlarmEvaluator) SetRules(rulesByTopic map[string][]models.AlarmRule) {
	if rulesByTopic == nil {
		rulesByTopic = make(map[string][]models.AlarmRule)
	}

	live := make(map[string]models.AlarmRule)
	for _, rules := range rulesByTopic {
		for _, r := range rules {
			live[r.ID] = r
		}
	}

	for id, state := range e.states {
		rule, ok := live[id]
		if !ok {
			delete(e.states, id)
			continue
		}
		if state.Bits == nil {
			continue
		}
		positions := make(map[int]bool, len(rule.BitRules))
		for _, b := range rule.BitRules {
			positions[b.BitPosition] = true
		}
		for pos := range state.Bits {
			if !positions[pos] {
				delete(state.Bits, pos)
			}
		}
	}

	e.rulesByTopic = rulesByTopic
}

// State 查询规则当前状态
func (e *AlarmEvaluator) State(ruleID string) (AlarmState, bool) {
	s, ok := e.states[ruleID]
	if !ok {
		return AlarmState{}, false
	}
	out := AlarmState{Active: s.Active}
	if s.Bits != nil {
		out.Bits = make(map[int]bool, len(s.Bits))
		for k, v := range s.Bits {
			out.Bits[k] = v
		}
	}
	return out, true
}

// Handle 评估一条已解码消息涉及的所有规则
// 单条规则的问题（缺字段、类型不符）只跳过该规则
func (e *AlarmEvaluator) Handle(ctx context.Context, topic string, p *payload.Payload, now time.Time) {
	for _, rule := range e.rulesByTopic[topic] {
		raw, ok := p.Lookup(rule.FieldKey)
		if !ok {
			e.logger.Warn("Field key missing from payload",
				zap.String("rule_id", rule.ID),
				zap.String("topic", topic),
				zap.String("field_key", rule.FieldKey),
			)
			continue
		}

		switch rule.KeyType {
		case models.KeyTypeThreshold:
			v, ok := payload.Number(raw)
			if !ok {
				e.logger.Warn("Non-numeric value for threshold rule",
					zap.String("rule_id", rule.ID),
					zap.String("value", payload.Format(raw)),
				)
				continue
			}
			e.evaluate(ctx, rule, ThresholdActive(rule, v), raw, now)

		case models.KeyTypeDirect:
			e.evaluate(ctx, rule, DirectActive(raw), raw, now)

		case models.KeyTypeBitValue:
			v, ok := payload.Integer(raw)
			if !ok {
				e.logger.Warn("Non-integer value for bit rule",
					zap.String("rule_id", rule.ID),
					zap.String("value", payload.Format(raw)),
				)
				continue
			}
			e.evaluateBits(ctx, rule, v, raw, now)

		default:
			e.logger.Warn("Unsupported key type",
				zap.String("rule_id", rule.ID),
				zap.String("key_type", string(rule.KeyType)),
			)
		}
	}
}

func (e *AlarmEvaluator) state(ruleID string) *AlarmState {
	s, ok := e.states[ruleID]
	if !ok {
		s = &AlarmState{}
		e.states[ruleID] = s
	}
	return s
}

func (e *AlarmEvaluator) evaluate(ctx context.Context, rule models.AlarmRule, active bool, raw interface{}, now time.Time) {
	s := e.state(rule.ID)
	if s.Active == active {
		return
	}
	s.Active = active
	e.emit(ctx, sink.Transition{Rule: rule, Value: payload.Format(raw), At: now}, active)
}

// evaluateBits 每一位独立跳变
func (e *AlarmEvaluator) evaluateBits(ctx context.Context, rule models.AlarmRule, value int64, raw interface{}, now time.Time) {
	s := e.state(rule.ID)
	if s.Bits == nil {
		s.Bits = make(map[int]bool, len(rule.BitRules))
	}

	for i := range rule.BitRules {
		bit := rule.BitRules[i]
		active := BitActive(value, bit.BitPosition)
		if s.Bits[bit.BitPosition] == active {
			continue
		}
		s.Bits[bit.BitPosition] = active
		e.emit(ctx, sink.Transition{Rule: rule, Bit: &bit, Value: payload.Format(raw), At: now}, active)
	}
}

// emit 状态已先行更新，sink 失败只记录日志
func (e *AlarmEvaluator) emit(ctx context.Context, t sink.Transition, rising bool) {
	var err error
	if rising {
		metrics.AlarmTransitionsTotal.WithLabelValues(string(sink.EdgeRising)).Inc()
		err = e.sink.AlarmRaised(ctx, t)
	} else {
		metrics.AlarmTransitionsTotal.WithLabelValues(string(sink.EdgeFalling)).Inc()
		err = e.sink.AlarmCleared(ctx, t)
	}
	if err != nil {
		e.logger.Error("Failed to record alarm transition",
			zap.String("rule_id", t.Rule.ID),
			zap.String("name", t.DisplayName()),
			zap.Bool("rising", rising),
			zap.Error(err),
		)
	}
}
