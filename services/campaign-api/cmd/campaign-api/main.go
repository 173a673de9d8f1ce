package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mutter0815/MassSender/internal/autocampaign"
	"github.com/Mutter0815/MassSender/internal/dispatch"
	"github.com/Mutter0815/MassSender/internal/gateway"
	"github.com/Mutter0815/MassSender/internal/monitor"
	"github.com/Mutter0815/MassSender/internal/notify"
	"github.com/Mutter0815/MassSender/internal/queue"
	"github.com/Mutter0815/MassSender/internal/recovery"
	"github.com/Mutter0815/MassSender/internal/rotation"
	"github.com/Mutter0815/MassSender/internal/scheduler"
	"github.com/Mutter0815/MassSender/internal/store"
	"github.com/Mutter0815/MassSender/pkg/config"
	"github.com/Mutter0815/MassSender/pkg/db"
	"github.com/Mutter0815/MassSender/pkg/kv"
	"github.com/Mutter0815/MassSender/pkg/logx"
	"github.com/Mutter0815/MassSender/pkg/rmq"
	"github.com/Mutter0815/MassSender/services/campaign-api/server"
)

func main() {
	config.MustLoadAPI()
	cfg := config.API

	logx.Init("campaign-api")
	defer logx.Sync()

	sqlDB, err := db.Open(cfg.DBDSN)
	if err != nil {
		logx.L().Fatalw("db_open_error", "error", err)
	}
	defer func() {
		if err := sqlDB.Close(); err != nil {
			logx.L().Warnw("db_close_error", "error", err)
		} else {
			logx.L().Infow("db_closed")
		}
	}()

	st := store.New(sqlDB)
	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
	if err := st.Migrate(migrateCtx); err != nil {
		cancelMigrate()
		logx.L().Fatalw("db_migrate_error", "error", err)
	}
	cancelMigrate()

	pub, err := rmq.NewPublisher(cfg.RMQURL)
	if err != nil {
		logx.L().Fatalw("rmq_init_error", "error", err)
	}
	defer func() {
		if err := pub.Close(); err != nil {
			logx.L().Warnw("rmq_publisher_close_error", "error", err)
		} else {
			logx.L().Infow("rmq_publisher_closed")
		}
	}()

	events, err := rmq.NewFanout(cfg.RMQURL, cfg.EventsExchange)
	if err != nil {
		logx.L().Fatalw("rmq_events_init_error", "error", err)
	}
	defer events.Close()

	rdb := kv.New(cfg.RedisAddr, cfg.RedisPassword, "masssender")
	defer rdb.Close()

	gw := gateway.New(gateway.Config{
		BaseURL: cfg.Gateway.URL,
		APIKey:  cfg.Gateway.APIKey,
		Timeout: cfg.Gateway.Timeout,
		RPS:     cfg.Gateway.RPS,
	})

	// Every event, local or from workers, reaches websocket clients through
	// the exchange, so the hub is fed only by the relay.
	hub := notify.NewHub()
	defer hub.Close()
	notifier := notify.New(notify.NewAMQPSink(events))

	rootCtx, stopRoot := context.WithCancel(context.Background())
	defer stopRoot()

	deliveries, err := events.Subscribe()
	if err != nil {
		logx.L().Fatalw("rmq_events_subscribe_error", "error", err)
	}
	go notify.Relay(rootCtx, deliveries, hub)

	rot := rotation.New(st, rotation.Config{JobLimit: cfg.Engine.JobLimit, RestDuration: cfg.Engine.RestDuration})
	disp := dispatch.New(st, queue.New(pub, rdb, cfg.Queue), rot, notifier, dispatch.Options{Retention: cfg.Engine.JobRetention})
	redist := recovery.NewRedistributor(st, rot, disp, notifier)
	rec := recovery.NewService(st, rot, disp, notifier)
	mon := monitor.New(st, gw, rot, redist, notifier)
	auto := autocampaign.New(st, rot, disp, notifier, autocampaign.Config{
		MaxPool: cfg.Engine.AutoMaxPool,
		Delay:   cfg.Engine.AutoDelay,
	})

	sched := scheduler.New()
	must := func(err error) {
		if err != nil {
			logx.L().Fatalw("scheduler_add_error", "error", err)
		}
	}
	must(sched.Add("monitor", cfg.Engine.MonitorInterval, mon.Tick))
	must(sched.Add("recovery", cfg.Engine.RecoveryInterval, func(ctx context.Context) error {
		_, err := rec.RecoverFailedCampaigns(ctx)
		return err
	}))
	if cfg.Engine.AutoCampaign {
		must(sched.Add("auto_campaign", cfg.Engine.AutoInterval, func(ctx context.Context) error {
			_, err := auto.RunOnce(ctx)
			return err
		}))
	}

	// Campaigns left on dead sessions by a previous run are picked up before
	// the first monitor tick.
	go func() {
		res, err := rec.RecoverFailedCampaigns(rootCtx)
		if err != nil {
			logx.L().Errorw("startup_recovery_error", "error", err)
			return
		}
		logx.L().Infow("startup_recovery_done", "ok", res.OK, "stuck", res.Stuck, "reason", res.Reason)
	}()
	sched.Start()

	h := &server.Handlers{
		Store:    st,
		Sender:   disp,
		Recovery: rec,
		Redist:   redist,
		Auto:     auto,
		Sessions: rot,
		Gateway:  gw,
		Notifier: notifier,
		Hub:      hub,
	}
	srv := server.NewHTTPServer(":"+cfg.Port, h)

	go func() {
		logx.L().Infow("api_listen_start", "addr", ":"+cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logx.L().Fatalw("http_server_error", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	logx.L().Infow("signal_received", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logx.L().Errorw("server_shutdown_error", "error", err)
	} else {
		logx.L().Infow("server_shutdown_success")
	}
	if err := sched.Stop(ctx); err != nil {
		logx.L().Warnw("scheduler_stop_error", "error", err)
	}
	stopRoot()

	logx.L().Infow("campaign-api stopped gracefully")
}
