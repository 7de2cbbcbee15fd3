package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/boothsbychristy-ops/arcana-event-os-sub001/internal/automation"
	"github.com/boothsbychristy-ops/arcana-event-os-sub001/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrEngineUnavailable 引擎未启动时无法立即执行规则
var ErrEngineUnavailable = errors.New("automation engine is not running")

// RuleRunner 规则的立即执行与缓存失效，由 automation.Dispatcher 实现
type RuleRunner interface {
	RunNow(ctx context.Context, id string, values map[string]interface{}, actor automation.Actor) (*models.ExecutionLog, error)
	OnRuleChanged(id string)
}

// AutomationService 自动化规则的管理入口：保存前完整校验，变更后通知引擎
type AutomationService struct {
	db       *gorm.DB
	logger   *logrus.Logger
	registry *automation.Registry
	repo     *RuleRepository
	runner   RuleRunner
}

func NewAutomationService(db *gorm.DB, logger *logrus.Logger, registry *automation.Registry, runner RuleRunner) *AutomationService {
	if logger == nil {
		logger = logrus.New()
	}
	return &AutomationService{
		db:       db,
		logger:   logger,
		registry: registry,
		repo:     NewRuleRepository(db, logger),
		runner:   runner,
	}
}

// RuleRequest 创建或整体更新规则的请求
type RuleRequest struct {
	Name             string          `json:"name"`
	Description      string          `json:"description"`
	TriggerType      string          `json:"trigger_type"`
	EntityKind       string          `json:"entity_kind"`
	TriggerField     string          `json:"trigger_field"`
	CronSpec         string          `json:"cron_spec"`
	TriggerCondition json.RawMessage `json:"trigger_condition"`
	// Delay 支持 "90m"、"2d"、"1w" 等写法；DelaySeconds 为数值形式
	Delay           string          `json:"delay"`
	DelaySeconds    *int64          `json:"delay_seconds"`
	ActionKind      string          `json:"action_kind"`
	ActionConfig    json.RawMessage `json:"action_config"`
	DeliveryChannel string          `json:"delivery_channel"`
	Enabled         *bool           `json:"enabled"`
}

// RuleListRequest 规则列表请求
type RuleListRequest struct {
	Page        int    `form:"page,default=1"`
	PageSize    int    `form:"page_size,default=20"`
	TriggerType string `form:"trigger_type"`
	EntityKind  string `form:"entity_kind"`
	Enabled     *bool  `form:"enabled"`
	Search      string `form:"search"`
}

// CreateRule 校验并保存新规则
func (s *AutomationService) CreateRule(ctx context.Context, req *RuleRequest) (*models.AutomationRule, error) {
	rule := &models.AutomationRule{Enabled: true}
	if err := s.apply(ctx, rule, req); err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Create(rule).Error; err != nil {
		return nil, fmt.Errorf("failed to create rule: %w", err)
	}
	s.logger.WithFields(logrus.Fields{"rule_id": rule.ID, "trigger": rule.TriggerType, "action": rule.ActionKind}).
		Infof("Created automation rule %q", rule.Name)
	return rule, nil
}

// UpdateRule 整体替换规则定义，保留 ID、创建时间与最近执行时间
func (s *AutomationService) UpdateRule(ctx context.Context, id string, req *RuleRequest) (*models.AutomationRule, error) {
	rule, err := s.repo.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Enabled == nil {
		enabled := rule.Enabled
		req.Enabled = &enabled
	}
	if err := s.apply(ctx, rule, req); err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Save(rule).Error; err != nil {
		return nil, fmt.Errorf("failed to update rule: %w", err)
	}
	s.changed(rule.ID)
	s.logger.WithField("rule_id", rule.ID).Infof("Updated automation rule %q", rule.Name)
	return rule, nil
}

// apply 将请求写入规则并编译校验，所有问题一次性返回
func (s *AutomationService) apply(ctx context.Context, rule *models.AutomationRule, req *RuleRequest) error {
	verr := &automation.ValidationError{}

	rule.Name = strings.TrimSpace(req.Name)
	rule.Description = req.Description
	rule.TriggerType = req.TriggerType
	rule.EntityKind = req.EntityKind
	rule.TriggerField = req.TriggerField
	rule.CronSpec = strings.TrimSpace(req.CronSpec)
	rule.TriggerCondition = datatypes.JSON(req.TriggerCondition)
	rule.ActionKind = req.ActionKind
	rule.ActionConfig = datatypes.JSON(req.ActionConfig)
	if len(rule.ActionConfig) == 0 {
		rule.ActionConfig = datatypes.JSON(`{}`)
	}
	rule.DeliveryChannel = req.DeliveryChannel
	if rule.DeliveryChannel == "" {
		rule.DeliveryChannel = string(automation.ChannelInApp)
	}
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}

	switch {
	case req.Delay != "":
		d, err := automation.ParseDuration(req.Delay)
		if err != nil {
			verr.Add("delay", "%v", err)
		} else if d%time.Second != 0 {
			verr.Add("delay", "must be a whole number of seconds")
		} else {
			rule.DelaySeconds = int64(d / time.Second)
		}
	case req.DelaySeconds != nil:
		rule.DelaySeconds = *req.DelaySeconds
	default:
		rule.DelaySeconds = 0
	}

	if rule.Name != "" {
		taken, err := s.nameTaken(ctx, rule.Name, rule.ID)
		if err != nil {
			return err
		}
		if taken {
			verr.Add("name", "a rule named %q already exists", rule.Name)
		}
	}

	compiled, err := automation.Compile(s.registry, rule)
	if err != nil {
		verr.Merge("", err)
		return verr
	}
	if err := verr.OrNil(); err != nil {
		return err
	}

	// 以规范化形式保存：snake_case 字段名，推断出的实体类型
	rule.EntityKind = string(compiled.EntityKind)
	rule.TriggerField = compiled.TriggerField
	if cond, err := automation.ParseCondition(req.TriggerCondition, compiled.EntityKind); err == nil && cond != nil {
		rule.TriggerCondition = datatypes.JSON(cond.JSON())
	} else {
		rule.TriggerCondition = nil
	}
	return nil
}

func (s *AutomationService) nameTaken(ctx context.Context, name, selfID string) (bool, error) {
	var count int64
	q := s.db.WithContext(ctx).Model(&models.AutomationRule{}).Where("name = ?", name)
	if selfID != "" {
		q = q.Where("id <> ?", selfID)
	}
	if err := q.Count(&count).Error; err != nil {
		return false, fmt.Errorf("check rule name: %w", err)
	}
	return count > 0, nil
}

// GetRule 获取规则
func (s *AutomationService) GetRule(ctx context.Context, id string) (*models.AutomationRule, error) {
	return s.repo.GetRule(ctx, id)
}

// ListRules 分页列出规则
func (s *AutomationService) ListRules(ctx context.Context, req *RuleListRequest) ([]models.AutomationRule, int64, error) {
	if req.Page <= 0 {
		req.Page = 1
	}
	if req.PageSize <= 0 || req.PageSize > 100 {
		req.PageSize = 20
	}

	q := s.db.WithContext(ctx).Model(&models.AutomationRule{})
	if req.TriggerType != "" {
		q = q.Where("trigger_type = ?", req.TriggerType)
	}
	if req.EntityKind != "" {
		q = q.Where("entity_kind = ?", req.EntityKind)
	}
	if req.Enabled != nil {
		q = q.Where("enabled = ?", *req.Enabled)
	}
	if req.Search != "" {
		like := "%" + req.Search + "%"
		q = q.Where("name LIKE ? OR description LIKE ?", like, like)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count rules: %w", err)
	}
	var rules []models.AutomationRule
	if err := q.Order("created_at DESC").
		Offset((req.Page - 1) * req.PageSize).
		Limit(req.PageSize).
		Find(&rules).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list rules: %w", err)
	}
	return rules, total, nil
}

// SetEnabled 启用或停用规则；启用前重新编译，避免启用无法执行的规则
func (s *AutomationService) SetEnabled(ctx context.Context, id string, enabled bool) (*models.AutomationRule, error) {
	rule, err := s.repo.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	if enabled {
		if _, err := automation.Compile(s.registry, rule); err != nil {
			return nil, err
		}
	}
	if rule.Enabled == enabled {
		return rule, nil
	}
	rule.Enabled = enabled
	if err := s.db.WithContext(ctx).Model(rule).Update("enabled", enabled).Error; err != nil {
		return nil, fmt.Errorf("failed to toggle rule: %w", err)
	}
	s.changed(id)
	s.logger.WithField("rule_id", id).Infof("Automation rule enabled=%v", enabled)
	return rule, nil
}

// DeleteRule 删除规则；执行记录保留
func (s *AutomationService) DeleteRule(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.AutomationRule{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete rule: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", automation.ErrRuleNotFound, id)
	}
	s.changed(id)
	s.logger.WithField("rule_id", id).Info("Deleted automation rule")
	return nil
}

// RunRule 以操作员身份立即执行规则，忽略触发条件与延迟
func (s *AutomationService) RunRule(ctx context.Context, id string, values map[string]interface{}, operator string) (*models.ExecutionLog, error) {
	if s.runner == nil {
		return nil, ErrEngineUnavailable
	}
	if _, err := s.repo.GetRule(ctx, id); err != nil {
		return nil, err
	}
	return s.runner.RunNow(ctx, id, values, automation.OperatorActor(operator))
}

// ListLogs 查询执行记录
func (s *AutomationService) ListLogs(ctx context.Context, req LogQuery) ([]models.ExecutionLog, int64, error) {
	return s.repo.ListLogs(ctx, req)
}

// ListActionKinds 已注册的动作类型及其配置 schema
func (s *AutomationService) ListActionKinds() []automation.ActionInfo {
	return s.registry.Describe()
}

func (s *AutomationService) changed(id string) {
	if s.runner != nil {
		s.runner.OnRuleChanged(id)
	}
}
