package commands

import (
	"github.com/mix-go/xcli/flag"

	"appointments/di"
	"appointments/scheduler"
	"appointments/web"
)

type WebCommand struct{}

func (t *WebCommand) Main() {
	cfg := di.Config()
	addr := flag.Match("addr").String(cfg.Web.Addr)
	logger := di.Zap()
	db := di.Gorm()

	loc, err := cfg.Scheduler.Location()
	if err != nil {
		logger.Fatalf("%v", err)
	}
	server := web.NewAdminServer(scheduler.NewGormStore(db), scheduler.NewEvaluator(loc, 0), logger)
	if err := server.Start(addr); err != nil {
		logger.Fatalf("admin server exited: %v", err)
	}
}
