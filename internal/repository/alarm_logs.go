package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"owl-telemetry/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNoOpenAlarm 没有可关闭的 ACTIVE 记录
var ErrNoOpenAlarm = errors.New("no open alarm log entry")

// AlarmLogRepository 报警日志仓库
type AlarmLogRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlarmLogRepository 创建报警日志仓库
func NewAlarmLogRepository(db *sql.DB, logger *zap.Logger) *AlarmLogRepository {
	return &AlarmLogRepository{
		db:     db,
		logger: logger,
	}
}

// FindOpen 查找 (rule, bit) 最近一条未关闭的 ACTIVE 记录，不存在时返回 nil
func (r *AlarmLogRepository) FindOpen(ctx context.Context, ruleID string, bitRuleID *string) (*models.AlarmLogEntry, error) {
	if ruleID == "" {
		return nil, fmt.Errorf("rule_id is required")
	}

	query := `
		SELECT id, rule_id, bit_rule_id, status, triggering_value, triggered_at, cleared_at
		FROM alarm_logs
		WHERE rule_id = $1
		  AND bit_rule_id IS NOT DISTINCT FROM $2::text
		  AND status = 'ACTIVE'
		  AND cleared_at IS NULL
		ORDER BY triggered_at DESC
		LIMIT 1
	`

	var entry models.AlarmLogEntry
	var bitID sql.NullString
	var status string
	var clearedAt sql.NullTime
	err := r.db.QueryRowContext(ctx, query, ruleID, bitRuleID).Scan(
		&entry.ID,
		&entry.RuleID,
		&bitID,
		&status,
		&entry.TriggeringValue,
		&entry.Timestamp,
		&clearedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query open alarm log: %w", err)
	}

	entry.Status = models.AlarmStatus(status)
	if bitID.Valid {
		entry.BitRuleID = &bitID.String
	}
	if clearedAt.Valid {
		entry.ClearedAt = &clearedAt.Time
	}

	return &entry, nil
}

// Create 写入一条 ACTIVE 记录（ID 为空时自动生成）
func (r *AlarmLogRepository) Create(ctx context.Context, entry *models.AlarmLogEntry) error {
	if entry == nil {
		return fmt.Errorf("entry is required")
	}
	if entry.RuleID == "" {
		return fmt.Errorf("rule_id is required")
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Status == "" {
		entry.Status = models.AlarmStatusActive
	}

	query := `
		INSERT INTO alarm_logs (
			id,
			rule_id,
			bit_rule_id,
			status,
			triggering_value,
			triggered_at,
			cleared_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.ExecContext(ctx, query,
		entry.ID,
		entry.RuleID,
		entry.BitRuleID,
		string(entry.Status),
		entry.TriggeringValue,
		entry.Timestamp,
		entry.ClearedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create alarm log: %w", err)
	}

	return nil
}

// CloseLatestOpen 将最近一条未关闭记录更新为 CLEARED，返回该记录 ID
func (r *AlarmLogRepository) CloseLatestOpen(ctx context.Context, ruleID string, bitRuleID *string, clearedAt time.Time) (string, error) {
	if ruleID == "" {
		return "", fmt.Errorf("rule_id is required")
	}

	query := `
		UPDATE alarm_logs
		SET status = 'CLEARED',
		    cleared_at = $3
		WHERE id = (
			SELECT id
			FROM alarm_logs
			WHERE rule_id = $1
			  AND bit_rule_id IS NOT DISTINCT FROM $2::text
			  AND status = 'ACTIVE'
			  AND cleared_at IS NULL
			ORDER BY triggered_at DESC
			LIMIT 1
		)
		RETURNING id
	`

	var id string
	err := r.db.QueryRowContext(ctx, query, ruleID, bitRuleID, clearedAt).Scan(&id)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", ErrNoOpenAlarm
		}
		return "", fmt.Errorf("failed to close alarm log: %w", err)
	}

	return id, nil
}
