package cli

import (
	"fmt"
	"time"

	"github.com/boothsbychristy-ops/arcana-event-os-sub001/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var seedData bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		return migrate(db, log, seedData)
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&seedData, "seed", false, "insert sample staff, tasks and automation rules")
	rootCmd.AddCommand(migrateCmd)
}

var extraIndexes = []string{
	"CREATE INDEX IF NOT EXISTS idx_tasks_status_due ON tasks(status, due_at)",
	"CREATE INDEX IF NOT EXISTS idx_bookings_status_starts ON bookings(status, starts_at)",
	"CREATE INDEX IF NOT EXISTS idx_invoices_status_due ON invoices(status, due_at)",
	"CREATE INDEX IF NOT EXISTS idx_automation_execution_logs_rule_executed ON automation_execution_logs(rule_id, executed_at)",
	"CREATE INDEX IF NOT EXISTS idx_notifications_recipient_read ON notifications(recipient_id, read_at)",
}

func migrate(db *gorm.DB, log *logrus.Logger, seed bool) error {
	log.Info("Starting database migration...")
	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	log.Info("Creating additional indexes...")
	for _, stmt := range extraIndexes {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	if seed {
		log.Info("Seeding default data...")
		if err := seedDefaultData(db, log); err != nil {
			return err
		}
	}
	log.Info("Migration process completed!")
	return nil
}

// seedDefaultData 幂等地插入示例数据
func seedDefaultData(db *gorm.DB, log *logrus.Logger) error {
	owner := models.Staff{Name: "Studio Owner", Email: "owner@arcana.local", Role: "owner", Status: "active"}
	if err := db.Where("email = ?", owner.Email).FirstOrCreate(&owner).Error; err != nil {
		return fmt.Errorf("seed staff: %w", err)
	}

	var task models.Task
	if err := db.Where("title = ?", "Confirm venue walkthrough").First(&task).Error; err != nil {
		due := time.Now().Add(48 * time.Hour)
		task = models.Task{Title: "Confirm venue walkthrough", AssigneeID: &owner.ID, Status: "todo", Priority: "normal", DueAt: &due}
		if err := db.Create(&task).Error; err != nil {
			return fmt.Errorf("seed task: %w", err)
		}
		log.Info("Created sample task")
	}

	rules := []models.AutomationRule{
		{
			Name:             "Overdue task reminder",
			Description:      "Notify the assignee when a task is a day past due",
			TriggerType:      "task-overdue",
			EntityKind:       "task",
			TriggerCondition: datatypes.JSON(`{"all":[{"field":"due_at","direction":"overdue-by","threshold":"1d"}]}`),
			ActionKind:       "notify",
			ActionConfig:     datatypes.JSON(`{"title":"Overdue: {{.entity.title}}","recipient":"assignee"}`),
			DeliveryChannel:  "in-app",
			Enabled:          true,
		},
		{
			Name:            "Weekly owner digest",
			Description:     "Monday morning reminder for the studio owner",
			TriggerType:     "interval-cron",
			CronSpec:        "0 9 * * MON",
			ActionKind:      "notify",
			ActionConfig:    datatypes.JSON(fmt.Sprintf(`{"title":"Weekly review","recipient":"staff","recipient_id":%d}`, owner.ID)),
			DeliveryChannel: "both",
			Enabled:         false,
		},
	}
	for i := range rules {
		r := rules[i]
		if err := db.Where("name = ?", r.Name).FirstOrCreate(&r).Error; err != nil {
			return fmt.Errorf("seed rule %q: %w", r.Name, err)
		}
	}
	log.Infof("Seeded %d automation rules", len(rules))
	return nil
}
