package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/boothsbychristy-ops/arcana-event-os-sub001/internal/automation"
	"github.com/boothsbychristy-ops/arcana-event-os-sub001/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// EntityStore 基于 GORM 的业务实体访问层，供自动化引擎读写任务、预约等记录
type EntityStore struct {
	db     *gorm.DB
	logger *logrus.Logger
	now    func() time.Time
}

// NewEntityStore 创建实体存储
func NewEntityStore(db *gorm.DB, logger *logrus.Logger) *EntityStore {
	if logger == nil {
		logger = logrus.New()
	}
	return &EntityStore{db: db, logger: logger, now: time.Now}
}

var _ automation.EntityStore = (*EntityStore)(nil)

// kindTable 每种实体的类型化查询
type kindTable interface {
	model() interface{}
	find(tx *gorm.DB) ([]automation.Entity, error)
	first(tx *gorm.DB, id uint) (*automation.Entity, error)
}

type table[T any] struct {
	kind automation.EntityKind
}

func (t table[T]) model() interface{} { return new(T) }

func (t table[T]) find(tx *gorm.DB) ([]automation.Entity, error) {
	var rows []T
	if err := tx.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]automation.Entity, 0, len(rows))
	for i := range rows {
		ent, err := toEntity(t.kind, &rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *ent)
	}
	return out, nil
}

func (t table[T]) first(tx *gorm.DB, id uint) (*automation.Entity, error) {
	var row T
	if err := tx.First(&row, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s %d", automation.ErrEntityNotFound, t.kind, id)
		}
		return nil, err
	}
	return toEntity(t.kind, &row)
}

var tables = map[automation.EntityKind]kindTable{
	automation.EntityTask:     table[models.Task]{kind: automation.EntityTask},
	automation.EntityBooking:  table[models.Booking]{kind: automation.EntityBooking},
	automation.EntityInvoice:  table[models.Invoice]{kind: automation.EntityInvoice},
	automation.EntityProposal: table[models.Proposal]{kind: automation.EntityProposal},
	automation.EntityStaff:    table[models.Staff]{kind: automation.EntityStaff},
	automation.EntityClient:   table[models.Client]{kind: automation.EntityClient},
}

func tableFor(kind automation.EntityKind) (kindTable, error) {
	t, ok := tables[kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown entity kind %q", automation.ErrValidation, kind)
	}
	return t, nil
}

// toEntity 通过 JSON 往返把行转成字段表，去掉关联对象
func toEntity(kind automation.EntityKind, row interface{}) (*automation.Entity, error) {
	raw, err := json.Marshal(row)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	fields := map[string]interface{}{}
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		if !automation.KnownField(kind, k) {
			delete(fields, k)
			continue
		}
		if n, ok := v.(json.Number); ok {
			if i, err := n.Int64(); err == nil {
				fields[k] = i
			} else if f, err := n.Float64(); err == nil {
				fields[k] = f
			}
		}
	}
	id, _ := fields["id"].(int64)
	return &automation.Entity{Kind: kind, ID: uint(id), Fields: fields}, nil
}

// FindEntitiesMatching 按粗筛条件查询实体，完整条件由引擎在内存中判断
func (s *EntityStore) FindEntitiesMatching(ctx context.Context, kind automation.EntityKind, f automation.Filter) ([]automation.Entity, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	q := s.db.WithContext(ctx).Model(t.model())
	if len(f.StatusIn) > 0 {
		q = q.Where("status IN ?", f.StatusIn)
	}
	if len(f.StatusNotIn) > 0 {
		q = q.Where("status NOT IN ?", f.StatusNotIn)
	}
	for _, col := range f.NotNull {
		if !automation.KnownField(kind, col) {
			return nil, fmt.Errorf("%w: unknown %s field %q", automation.ErrValidation, kind, col)
		}
		q = q.Where(col + " IS NOT NULL")
	}
	for col, at := range f.Before {
		if !automation.KnownField(kind, col) {
			return nil, fmt.Errorf("%w: unknown %s field %q", automation.ErrValidation, kind, col)
		}
		q = q.Where(col+" < ?", at)
	}
	for col, at := range f.After {
		if !automation.KnownField(kind, col) {
			return nil, fmt.Errorf("%w: unknown %s field %q", automation.ErrValidation, kind, col)
		}
		q = q.Where(col+" > ?", at)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	ents, err := t.find(q.Order("id ASC"))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", kind, err)
	}
	return ents, nil
}

// GetEntity 按 ID 读取实体
func (s *EntityStore) GetEntity(ctx context.Context, kind automation.EntityKind, id uint) (*automation.Entity, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	ent, err := t.first(s.db.WithContext(ctx), id)
	if err != nil {
		if errors.Is(err, automation.ErrEntityNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load %s %d: %w", kind, id, err)
	}
	return ent, nil
}

var readOnlyFields = map[string]bool{"id": true, "created_at": true, "updated_at": true}

// UpdateEntity 在事务中比较并写入变化的字段；无变化时不写库
func (s *EntityStore) UpdateEntity(ctx context.Context, kind automation.EntityKind, id uint, patch automation.Patch) (automation.UpdateResult, error) {
	t, err := tableFor(kind)
	if err != nil {
		return automation.UpdateResult{}, err
	}
	for k := range patch {
		if !automation.KnownField(kind, k) || readOnlyFields[k] {
			return automation.UpdateResult{}, fmt.Errorf("%w: field %q is not writable on %s", automation.ErrValidation, k, kind)
		}
	}

	var result automation.UpdateResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := t.first(tx, id)
		if err != nil {
			return err
		}
		result.Before = current.Fields

		changed := map[string]interface{}{}
		for k, v := range patch {
			if !automation.ValuesEqual(current.Fields[k], v) {
				changed[k] = v
			}
		}
		if len(changed) == 0 {
			return nil
		}
		s.applyDerived(kind, current.Fields, changed)

		res := tx.Model(t.model()).Where("id = ?", id).Updates(changed)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s %d", automation.ErrEntityNotFound, kind, id)
		}
		result.Changed = true
		return nil
	})
	if err != nil {
		if errors.Is(err, automation.ErrEntityNotFound) {
			return automation.UpdateResult{}, err
		}
		return automation.UpdateResult{}, fmt.Errorf("update %s %d: %w", kind, id, err)
	}

	if result.Changed {
		s.logger.WithFields(logrus.Fields{"kind": kind, "id": id, "patch": patch}).Debug("entity updated")
	}
	return result, nil
}

// applyDerived 维护随状态变化的派生字段
func (s *EntityStore) applyDerived(kind automation.EntityKind, before, changed map[string]interface{}) {
	status, ok := changed["status"].(string)
	if !ok {
		return
	}
	switch kind {
	case automation.EntityTask:
		if status == "done" && before["completed_at"] == nil {
			changed["completed_at"] = s.now()
		} else if status != "done" {
			changed["completed_at"] = nil
		}
	case automation.EntityInvoice:
		if status == "paid" && before["paid_at"] == nil {
			changed["paid_at"] = s.now()
		}
	}
}

// InsertRelated 在父任务下逐条创建子任务，每条单独报告结果
func (s *EntityStore) InsertRelated(ctx context.Context, kind automation.EntityKind, parentID uint, records []map[string]interface{}) ([]automation.InsertResult, error) {
	if kind != automation.EntityTask {
		return nil, fmt.Errorf("%w: related records are only supported for tasks, not %s", automation.ErrValidation, kind)
	}

	var parent models.Task
	if err := s.db.WithContext(ctx).First(&parent, parentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: task %d", automation.ErrEntityNotFound, parentID)
		}
		return nil, fmt.Errorf("load task %d: %w", parentID, err)
	}

	results := make([]automation.InsertResult, 0, len(records))
	for i, rec := range records {
		child, err := childTask(&parent, rec)
		if err == nil {
			err = s.db.WithContext(ctx).Create(child).Error
		}
		if err != nil {
			s.logger.WithFields(logrus.Fields{"parent_id": parentID, "index": i}).Warnf("create subtask failed: %v", err)
			results = append(results, automation.InsertResult{Index: i, Err: err})
			continue
		}
		results = append(results, automation.InsertResult{Index: i, ID: child.ID})
	}
	return results, nil
}

// childTask 子任务继承父任务的看板、客户、负责人、优先级与截止时间
func childTask(parent *models.Task, rec map[string]interface{}) (*models.Task, error) {
	title, _ := rec["title"].(string)
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fmt.Errorf("title is required")
	}
	if len(title) > 200 {
		return nil, fmt.Errorf("title exceeds 200 characters")
	}
	parentID := parent.ID
	child := &models.Task{
		Title:      title,
		ParentID:   &parentID,
		BoardID:    parent.BoardID,
		ClientID:   parent.ClientID,
		AssigneeID: parent.AssigneeID,
		Status:     "todo",
		Priority:   parent.Priority,
		DueAt:      parent.DueAt,
	}
	if d, ok := rec["description"].(string); ok {
		child.Description = d
	}
	return child, nil
}
