// cmd/fulfillment-service/main.go
package main

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"orderflow/internal/idempotency"
	"orderflow/internal/inventory"
	"orderflow/internal/order/application"
	"orderflow/internal/order/infrastructure"
	"orderflow/internal/order/infrastructure/adapter"
	"orderflow/internal/order/interfaces"
	"orderflow/internal/payment"
	"orderflow/internal/pkg/bootstrap"
	"orderflow/internal/pkg/config"
	"orderflow/internal/pkg/httpclient"
	"orderflow/internal/pkg/logger"
	"orderflow/internal/pkg/mq"
	"orderflow/internal/pkg/zklock"
	"orderflow/internal/policy"
	"orderflow/internal/reservation"
	"orderflow/internal/sweeper"
)

const serviceName = "fulfillment-service"

// zkProductLocker 把 ZooKeeper 锁适配成协调器需要的 try-lock 接口。
// 锁只包裹单条库存语句，拿不到就立刻失败，绝不排队等待。
type zkProductLocker struct {
	client *zklock.Client
}

func (z *zkProductLocker) Acquire(productID string) (func(), error) {
	lock, err := z.client.NewProductLock(productID)
	if err != nil {
		return nil, err
	}
	if err := lock.TryLock(); err != nil {
		return nil, err
	}
	return func() {
		if err := lock.Unlock(); err != nil {
			logger.Logger().Error().Err(err).Str("product_id", productID).Msg("release product lock")
		}
	}, nil
}

// main 是组装根：创建并组装所有依赖项，然后启动应用。
func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Logger().Fatal().Err(err).Msg("load config")
	}

	// --- 存储 ---
	db, err := gorm.Open(mysql.Open(cfg.Infra.MySQL.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		logger.Logger().Fatal().Err(err).Msg("connect mysql")
	}

	ledger := inventory.NewGormLedger(db)
	resRepo := reservation.NewGormRepository(db)
	payRepo := payment.NewGormRepository(db)
	orderRepo := infrastructure.NewGormOrderRepository(db)
	for _, migrate := range []func() error{
		ledger.AutoMigrate, resRepo.AutoMigrate, payRepo.AutoMigrate, orderRepo.AutoMigrate,
	} {
		if err := migrate(); err != nil {
			logger.Logger().Fatal().Err(err).Msg("auto migrate")
		}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Infra.Redis.Addr,
		Password: cfg.Infra.Redis.Password,
		DB:       cfg.Infra.Redis.DB,
	})
	idem := idempotency.NewRedisStore(rdb, idempotency.DefaultTTL)

	// --- 预占协调器 ---
	tracer := otel.Tracer(serviceName)
	var coordOpts []reservation.Option
	var zkClient *zklock.Client
	if cfg.Infra.Zookeeper.Enabled && len(cfg.App.HotProducts) > 0 {
		zkClient, err = zklock.Connect(cfg.Infra.Zookeeper.Servers, 5*time.Second)
		if err != nil {
			logger.Logger().Fatal().Err(err).Msg("connect zookeeper")
		}
		coordOpts = append(coordOpts, reservation.WithHotProducts(&zkProductLocker{client: zkClient}, cfg.App.HotProducts))
	}
	coord := reservation.NewCoordinator(
		ledger, resRepo, idem, tracer,
		cfg.App.ReserveMaxAttempts, cfg.App.ReserveBackoff, cfg.App.HoldTTL,
		coordOpts...,
	)

	// --- 外部协作方 ---
	httpClient := httpclient.NewClient(tracer)
	catalog := adapter.NewCatalogHTTPAdapter(httpClient, cfg.Infra.Catalog.BaseURL)
	cart := adapter.NewCartHTTPAdapter(httpClient, cfg.Infra.Cart.BaseURL)
	provider := payment.NewHTTPProvider(httpClient, cfg.Infra.PaymentProvider.BaseURL)
	payAdapter := payment.NewAdapter(payRepo, provider, cfg.App.WebhookSecret, tracer)

	eventWriter := mq.NewKafkaWriter(cfg.Infra.Kafka.Brokers, cfg.Infra.Kafka.OrderEventsTopic)
	publisher := adapter.NewOrderEventKafkaAdapter(eventWriter)

	restockPolicy, err := policy.Compile(cfg.App.RefundRestockPolicy)
	if err != nil {
		logger.Logger().Fatal().Err(err).Msg("compile restock policy")
	}

	// --- 应用服务与驱动适配器 ---
	svc := application.NewService(
		orderRepo, catalog, cart, coord, payAdapter,
		publisher, ledger, idem, restockPolicy, tracer,
	)
	handler := interfaces.NewOrderHandler(svc, payAdapter)

	fulfillmentReader := mq.NewKafkaReader(
		cfg.Infra.Kafka.Brokers, cfg.Infra.Kafka.FulfillmentTopic, cfg.Infra.Kafka.ConsumerGroup,
	)
	consumer := infrastructure.NewFulfillmentConsumer(fulfillmentReader, svc)
	sw := sweeper.NewSweeper(coord, cfg.App.SweepInterval, tracer)

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        cfg.App.HTTPPort,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			handler.RegisterRoutes(appCtx.Mux)
		},
		Runners: []func(ctx context.Context){
			consumer.Start,
			sw.Run,
		},
		OnShutdown: []func(ctx context.Context){
			func(context.Context) { consumer.Stop() },
			func(context.Context) { _ = publisher.Close() },
			func(context.Context) { _ = rdb.Close() },
			func(context.Context) {
				if zkClient != nil {
					zkClient.Close()
				}
			},
		},
	})
}
