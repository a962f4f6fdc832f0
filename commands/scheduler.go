package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/mix-go/xcli/flag"
	"golang.org/x/time/rate"

	"appointments/di"
	"appointments/notify"
	"appointments/scheduler"
)

type SchedulerCommand struct{}

func (t *SchedulerCommand) Main() {
	cfg := di.Config()
	logger := di.Zap()
	defer logger.Sync()
	db := di.Gorm()

	clock := scheduler.SystemClock()
	store := scheduler.NewGormStore(db)
	store.Clock = clock
	loc, err := cfg.Scheduler.Location()
	if err != nil {
		logger.Fatalf("%v", err)
	}
	eval := scheduler.NewEvaluator(loc, cfg.Scheduler.MaxSlotsPerWindow)
	cache := scheduler.NewTaskCache(store, eval, logger, cfg.Scheduler.RefreshInterval)

	baseURL := flag.Match("base").String(cfg.Gateway.BaseURL)
	if baseURL == "" {
		logger.Fatalf("GATEWAY_BASE_URL must be set via config, env or --base option")
	}
	limit := rate.Inf
	if cfg.Gateway.RatePerSec > 0 {
		limit = rate.Limit(cfg.Gateway.RatePerSec)
	}
	burst := cfg.Gateway.Burst
	if burst <= 0 {
		burst = 1
	}
	client := &http.Client{Timeout: cfg.Gateway.Timeout}
	gateway := notify.NewHTTPGateway(baseURL, cfg.Gateway.Token, client, rate.NewLimiter(limit, burst), logger)

	dispatcher := scheduler.NewDispatcher(store, gateway, clock, scheduler.DispatchConfig{
		DefaultTimeout:    cfg.Dispatch.DefaultTimeout,
		BackoffBase:       cfg.Dispatch.BackoffBase,
		BackoffMax:        cfg.Dispatch.BackoffMax,
		CASRetries:        cfg.Dispatch.CASRetries,
		AlertTimeout:      cfg.Dispatch.AlertTimeout,
		MonitorRecipients: cfg.Monitoring.Recipients,
	}, logger)

	var claimer scheduler.Claimer
	if rdb := di.Redis(); rdb != nil {
		claimer = scheduler.NewRedisClaimer(rdb, "", cfg.Redis.ClaimTTL, logger)
		logger.Infof("sharing slot claims through redis %s", cfg.Redis.Addr)
	}

	sched := scheduler.NewScheduler(cache, store, eval, dispatcher, claimer, clock, scheduler.Options{
		TickInterval:  cfg.Scheduler.TickInterval,
		CatchUpMaxAge: cfg.Scheduler.CatchUpMaxAge,
		Workers:       cfg.Scheduler.Workers,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := sched.Start(ctx); err != nil {
		logger.Fatalf("start scheduler: %v", err)
	}
	<-ctx.Done()
	logger.Infof("shutdown requested, waiting for in-flight dispatches")
	sched.Stop()
}
