package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/FelipeReat/sistemadecrm-sub001/internal/config"
	"github.com/FelipeReat/sistemadecrm-sub001/internal/emitter"
	"github.com/FelipeReat/sistemadecrm-sub001/internal/hub"
	"github.com/FelipeReat/sistemadecrm-sub001/internal/listener"
	"github.com/FelipeReat/sistemadecrm-sub001/internal/logger"
	"github.com/FelipeReat/sistemadecrm-sub001/internal/model"
	"github.com/FelipeReat/sistemadecrm-sub001/internal/repo"
	"github.com/FelipeReat/sistemadecrm-sub001/internal/service"
	httptransport "github.com/FelipeReat/sistemadecrm-sub001/internal/transport/http"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	// 1. load config
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(&model.Opportunity{}, &model.OutboxEvent{}); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. change trigger on opportunities
	if err := emitter.Install(gdb, cfg.Realtime.Channel); err != nil {
		log.Fatalf("install change trigger: %v", err)
	}

	// 5. redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	// 6. kafka writer
	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}

	// 7. repo & service
	notifier := emitter.NewPgNotifier(gdb)
	repository := repo.NewRepository(gdb, rdb, kw, notifier, cfg.Realtime.Channel, log)
	svc := service.NewOpportunityService(repository, log)

	// 8. fan-out hub + change listener
	h := hub.New(log, cfg.Realtime.SendQueueSize)
	go h.Run(ctx)

	lst := listener.New(listener.Config{
		DSN:            cfg.Postgres.DSN,
		Channel:        cfg.Realtime.Channel,
		ConnectTimeout: cfg.Realtime.ConnectTimeout,
		BackoffBase:    cfg.Realtime.BackoffBase,
	}, h, log)
	go lst.Run(ctx)

	// 9. gin router
	router := httptransport.NewRouter(svc, h, cfg.RateLimit, log)

	// 10. serve
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: router}
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()
	log.Infof("crm-server listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("listen: %v", err)
	}
}
