package commands

import (
	"appointments/di"
	"appointments/scheduler"
)

type MigrateCommand struct{}

func (t *MigrateCommand) Main() {
	logger := di.Zap()
	if err := scheduler.Migrate(di.Gorm()); err != nil {
		logger.Fatalf("migrate: %v", err)
	}
	logger.Infof("tasks and executions tables are up to date")
}
