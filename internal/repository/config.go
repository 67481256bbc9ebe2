package repository

import (
	"context"
	"database/sql"
	"fmt"

	"owl-telemetry/internal/models"

	"go.uber.org/zap"
)

// ConfigRepository 规则/派生指标配置仓库（只读，仅在刷新周期内调用）
type ConfigRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewConfigRepository 创建配置仓库
func NewConfigRepository(db *sql.DB, logger *zap.Logger) *ConfigRepository {
	return &ConfigRepository{
		db:     db,
		logger: logger,
	}
}

// LoadDevices 加载所有已配置 topic 的设备
func (r *ConfigRepository) LoadDevices(ctx context.Context) ([]models.Device, error) {
	query := `
		SELECT id, name, topic
		FROM devices
		WHERE topic IS NOT NULL AND topic <> ''
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var devices []models.Device
	for rows.Next() {
		var d models.Device
		if err := rows.Scan(&d.ID, &d.Name, &d.Topic); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate devices: %w", err)
	}

	return devices, nil
}

// LoadAlarmRules 加载启用的报警规则及其位规则
func (r *ConfigRepository) LoadAlarmRules(ctx context.Context) ([]models.AlarmRule, error) {
	query := `
		SELECT
			r.id,
			r.device_id,
			r.field_key,
			r.key_type,
			r.min_value,
			r.max_value,
			r.max_only,
			r.name
		FROM alarm_rules r
		WHERE r.enabled = TRUE
		ORDER BY r.id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query alarm rules: %w", err)
	}
	defer rows.Close()

	var rules []models.AlarmRule
	index := make(map[string]int)
	for rows.Next() {
		var rule models.AlarmRule
		var keyType string
		var minValue, maxValue sql.NullFloat64
		if err := rows.Scan(
			&rule.ID,
			&rule.DeviceID,
			&rule.FieldKey,
			&keyType,
			&minValue,
			&maxValue,
			&rule.MaxOnly,
			&rule.Name,
		); err != nil {
			return nil, fmt.Errorf("failed to scan alarm rule: %w", err)
		}
		rule.KeyType = models.KeyType(keyType)
		if minValue.Valid {
			rule.MinValue = &minValue.Float64
		}
		if maxValue.Valid {
			rule.MaxValue = &maxValue.Float64
		}
		index[rule.ID] = len(rules)
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alarm rules: %w", err)
	}
	if len(rules) == 0 {
		return rules, nil
	}

	bits, err := r.loadBitRules(ctx)
	if err != nil {
		return nil, err
	}
	for _, bit := range bits {
		i, ok := index[bit.RuleID]
		if !ok {
			continue
		}
		rules[i].BitRules = append(rules[i].BitRules, bit)
	}

	return rules, nil
}

// loadBitRules 加载启用规则下的位规则（按 rule_id, bit_position 排序）
func (r *ConfigRepository) loadBitRules(ctx context.Context) ([]models.BitRule, error) {
	query := `
		SELECT b.id, b.rule_id, b.bit_position, b.name
		FROM alarm_bit_rules b
		JOIN alarm_rules r ON r.id = b.rule_id
		WHERE r.enabled = TRUE
		ORDER BY b.rule_id, b.bit_position
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query bit rules: %w", err)
	}
	defer rows.Close()

	var bits []models.BitRule
	for rows.Next() {
		var b models.BitRule
		if err := rows.Scan(&b.ID, &b.RuleID, &b.BitPosition, &b.Name); err != nil {
			return nil, fmt.Errorf("failed to scan bit rule: %w", err)
		}
		bits = append(bits, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate bit rules: %w", err)
	}

	return bits, nil
}

// LoadCalcConfigs 加载启用的派生指标配置（JSON 列不在此解析）
func (r *ConfigRepository) LoadCalcConfigs(ctx context.Context) ([]models.CalcConfigRow, error) {
	query := `
		SELECT
			id,
			kind,
			name,
			publish_topic,
			source_device_id,
			source_key,
			COALESCE(rupiah_rate, 0),
			COALESCE(dollar_rate, 0),
			main_power,
			pdu_groups
		FROM calc_configs
		WHERE enabled = TRUE
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query calc configs: %w", err)
	}
	defer rows.Close()

	var configs []models.CalcConfigRow
	for rows.Next() {
		var row models.CalcConfigRow
		var kind string
		var sourceDeviceID, sourceKey sql.NullString
		if err := rows.Scan(
			&row.ID,
			&kind,
			&row.Name,
			&row.PublishTopic,
			&sourceDeviceID,
			&sourceKey,
			&row.RupiahRate,
			&row.DollarRate,
			&row.MainPower,
			&row.PDUGroups,
		); err != nil {
			return nil, fmt.Errorf("failed to scan calc config: %w", err)
		}
		row.Kind = models.CalcKind(kind)
		if sourceDeviceID.Valid {
			row.SourceDeviceID = &sourceDeviceID.String
		}
		if sourceKey.Valid {
			row.SourceKey = &sourceKey.String
		}
		configs = append(configs, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate calc configs: %w", err)
	}

	return configs, nil
}
