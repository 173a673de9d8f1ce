package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mutter0815/MassSender/internal/gateway"
	"github.com/Mutter0815/MassSender/internal/notify"
	"github.com/Mutter0815/MassSender/internal/queue"
	"github.com/Mutter0815/MassSender/internal/rotation"
	"github.com/Mutter0815/MassSender/internal/store"
	"github.com/Mutter0815/MassSender/pkg/config"
	"github.com/Mutter0815/MassSender/pkg/db"
	"github.com/Mutter0815/MassSender/pkg/kv"
	"github.com/Mutter0815/MassSender/pkg/logx"
	"github.com/Mutter0815/MassSender/pkg/metrics"
	"github.com/Mutter0815/MassSender/pkg/rmq"
	"github.com/Mutter0815/MassSender/services/sender-worker/worker"
)

func main() {
	config.MustLoadWorker()
	cfg := config.Worker
	logx.Init("sender-worker")
	defer logx.Sync()

	sqlDB, err := db.Open(cfg.DBDSN)
	if err != nil {
		log.Fatal("db open:", err)
	}
	defer sqlDB.Close()
	st := store.New(sqlDB)

	cons, err := rmq.NewConsumer(cfg.RMQURL, 1)
	if err != nil {
		log.Fatal("rmq consumer:", err)
	}
	defer cons.Close()

	pub, err := rmq.NewPublisher(cfg.RMQURL)
	if err != nil {
		log.Fatal("rmq publisher:", err)
	}
	defer pub.Close()

	events, err := rmq.NewFanout(cfg.RMQURL, cfg.EventsExchange)
	if err != nil {
		log.Fatal("rmq events:", err)
	}
	defer events.Close()

	rdb := kv.New(cfg.RedisAddr, cfg.RedisPassword, "masssender")
	defer rdb.Close()
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx); err != nil {
		cancel()
		log.Fatal("redis:", err)
	}
	cancel()

	w := worker.New(worker.Deps{
		Store: st,
		Gateway: gateway.New(gateway.Config{
			BaseURL: cfg.Gateway.URL,
			APIKey:  cfg.Gateway.APIKey,
			Timeout: cfg.Gateway.Timeout,
			RPS:     cfg.Gateway.RPS,
		}),
		Rotation: rotation.New(st, rotation.Config{JobLimit: cfg.Engine.JobLimit, RestDuration: cfg.Engine.RestDuration}),
		Slots:    rdb,
		Claims:   queue.New(pub, rdb, cfg.Queue),
		Source:   cons,
		Notifier: notify.New(notify.NewAMQPSink(events)),
	}, worker.Config{
		GlobalConcurrency: cfg.Engine.GlobalConcurrency,
		SlotTTL:           cfg.Engine.SlotTTL,
		QueueRefresh:      cfg.QueueRefresh,
	})

	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: metrics.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logx.L().Errorw("metrics_server_error", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = metricsSrv.Shutdown(shutdownCtx)
}
