package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/boothsbychristy-ops/arcana-event-os-sub001/internal/automation"
	"github.com/boothsbychristy-ops/arcana-event-os-sub001/internal/mail"
	"github.com/boothsbychristy-ops/arcana-event-os-sub001/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Pusher 实时推送通道，由 NotificationHub 实现
type Pusher interface {
	SendToStaff(staffID uint, msgType string, data interface{})
}

// NotificationService 按投递渠道发送站内通知与邮件
type NotificationService struct {
	db     *gorm.DB
	logger *logrus.Logger
	pusher Pusher
	sender mail.Sender
}

func NewNotificationService(db *gorm.DB, logger *logrus.Logger, pusher Pusher, sender mail.Sender) *NotificationService {
	if logger == nil {
		logger = logrus.New()
	}
	return &NotificationService{db: db, logger: logger, pusher: pusher, sender: sender}
}

var _ automation.Notifier = (*NotificationService)(nil)

// Notify 站内渠道写入通知表并推送，邮件渠道发送到员工邮箱；两个渠道互不影响
func (s *NotificationService) Notify(ctx context.Context, n automation.Notice) error {
	var staff models.Staff
	if err := s.db.WithContext(ctx).First(&staff, n.RecipientID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: staff %d", automation.ErrEntityNotFound, n.RecipientID)
		}
		return fmt.Errorf("load staff %d: %w", n.RecipientID, err)
	}

	channel := n.Channel
	if channel == "" {
		channel = automation.ChannelInApp
	}

	var errs []error
	if channel.InApp() {
		if err := s.inApp(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	if channel.Email() {
		if err := s.email(ctx, &staff, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *NotificationService) inApp(ctx context.Context, n automation.Notice) error {
	row := &models.Notification{
		RecipientID: n.RecipientID,
		RuleID:      n.RuleID,
		Title:       n.Title,
		Body:        n.Body,
		EntityKind:  string(n.EntityKind),
		EntityID:    n.EntityID,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("save notification: %w", err)
	}
	if s.pusher != nil {
		s.pusher.SendToStaff(n.RecipientID, "notification", row)
	}
	return nil
}

func (s *NotificationService) email(ctx context.Context, staff *models.Staff, n automation.Notice) error {
	if staff.Email == "" {
		return fmt.Errorf("%w: staff %d has no email address", automation.ErrMissingField, staff.ID)
	}
	if s.sender == nil {
		return fmt.Errorf("email delivery is not configured")
	}
	if err := s.sender.Send(ctx, staff.Email, n.Title, n.Body); err != nil {
		return fmt.Errorf("%w: %v", automation.ErrTransientIO, err)
	}
	return nil
}

// ListForStaff 员工的通知列表，unreadOnly 时只返回未读
func (s *NotificationService) ListForStaff(ctx context.Context, staffID uint, unreadOnly bool, limit int) ([]models.Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Where("recipient_id = ?", staffID)
	if unreadOnly {
		q = q.Where("read_at IS NULL")
	}
	var rows []models.Notification
	if err := q.Order("created_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return rows, nil
}

// MarkRead 标记通知为已读
func (s *NotificationService) MarkRead(ctx context.Context, staffID, id uint) error {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("id = ? AND recipient_id = ? AND read_at IS NULL", id, staffID).
		Update("read_at", &now)
	if res.Error != nil {
		return fmt.Errorf("mark notification read: %w", res.Error)
	}
	return nil
}
