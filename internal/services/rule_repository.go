package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/boothsbychristy-ops/arcana-event-os-sub001/internal/automation"
	"github.com/boothsbychristy-ops/arcana-event-os-sub001/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RuleRepository 自动化规则与执行记录的持久化，实现引擎的 RuleStore/LogStore
type RuleRepository struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewRuleRepository(db *gorm.DB, logger *logrus.Logger) *RuleRepository {
	if logger == nil {
		logger = logrus.New()
	}
	return &RuleRepository{db: db, logger: logger}
}

var (
	_ automation.RuleStore = (*RuleRepository)(nil)
	_ automation.LogStore  = (*RuleRepository)(nil)
)

// ListEnabled 返回启用的规则，可按触发类型过滤
func (r *RuleRepository) ListEnabled(ctx context.Context, types []automation.TriggerType) ([]models.AutomationRule, error) {
	q := r.db.WithContext(ctx).Where("enabled = ?", true)
	if len(types) > 0 {
		names := make([]string, len(types))
		for i, t := range types {
			names[i] = string(t)
		}
		q = q.Where("trigger_type IN ?", names)
	}
	var rules []models.AutomationRule
	if err := q.Order("created_at ASC").Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("list enabled rules: %w", err)
	}
	return rules, nil
}

// GetRule 按 ID 读取规则
func (r *RuleRepository) GetRule(ctx context.Context, id string) (*models.AutomationRule, error) {
	var rule models.AutomationRule
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&rule).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", automation.ErrRuleNotFound, id)
		}
		return nil, fmt.Errorf("load rule %s: %w", id, err)
	}
	return &rule, nil
}

// MarkRun 条件更新 last_run_at，只允许向前推进
func (r *RuleRepository) MarkRun(ctx context.Context, id string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.AutomationRule{}).
		Where("id = ? AND (last_run_at IS NULL OR last_run_at < ?)", id, at).
		UpdateColumn("last_run_at", at)
	if res.Error != nil {
		return false, fmt.Errorf("mark rule %s run: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Disable 停用规则，不修改 updated_at 以保留编辑时间
func (r *RuleRepository) Disable(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Model(&models.AutomationRule{}).
		Where("id = ?", id).
		UpdateColumn("enabled", false)
	if res.Error != nil {
		return fmt.Errorf("disable rule %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", automation.ErrRuleNotFound, id)
	}
	r.logger.Warnf("automation rule %s disabled", id)
	return nil
}

// AppendLog 追加一条执行记录
func (r *RuleRepository) AppendLog(ctx context.Context, entry *models.ExecutionLog) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("append execution log: %w", err)
	}
	return nil
}

// LogQuery 执行记录查询条件
type LogQuery struct {
	RuleID   string `form:"rule_id"`
	Status   string `form:"status"`
	Page     int    `form:"page,default=1"`
	PageSize int    `form:"page_size,default=20"`
}

// ListLogs 分页查询执行记录，按执行时间倒序
func (r *RuleRepository) ListLogs(ctx context.Context, req LogQuery) ([]models.ExecutionLog, int64, error) {
	if req.Page <= 0 {
		req.Page = 1
	}
	if req.PageSize <= 0 || req.PageSize > 200 {
		req.PageSize = 20
	}

	q := r.db.WithContext(ctx).Model(&models.ExecutionLog{})
	if req.RuleID != "" {
		q = q.Where("rule_id = ?", req.RuleID)
	}
	if req.Status != "" {
		q = q.Where("status = ?", req.Status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count execution logs: %w", err)
	}
	var logs []models.ExecutionLog
	if err := q.Order("executed_at DESC").
		Offset((req.Page - 1) * req.PageSize).
		Limit(req.PageSize).
		Find(&logs).Error; err != nil {
		return nil, 0, fmt.Errorf("list execution logs: %w", err)
	}
	return logs, total, nil
}
