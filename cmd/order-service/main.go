// cmd/order-service/main.go
package main

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"trafficflow/internal/pkg/bootstrap"
	"trafficflow/internal/pkg/httpclient"
	"trafficflow/internal/pkg/logger"
	"trafficflow/internal/pkg/mq"
	"trafficflow/internal/pkg/redis"
	"trafficflow/internal/pkg/workerpool"
	"trafficflow/internal/service/order/application"
	"trafficflow/internal/service/order/application/saga"
	"trafficflow/internal/service/order/domain"
	"trafficflow/internal/service/order/fraud"
	"trafficflow/internal/service/order/infrastructure"
	"trafficflow/internal/service/order/infrastructure/adapter"
	"trafficflow/internal/service/order/interfaces"
	"trafficflow/internal/service/order/statemachine"
)

const serviceName = "order-service"

// main 函数是应用的"组装根" (Composition Root)
// 它的核心职责是：创建并组装所有依赖项，然后启动应用。
func main() {
	cfg, err := bootstrap.Init(bootstrap.ConfigPath("configs/order-service.yaml"))
	if err != nil {
		logger.L().Fatal().Err(err).Msg("failed to load config")
	}
	logger.Init(serviceName, cfg.App.Log)
	tracer := otel.Tracer(serviceName)

	// 1. 存储
	db, err := infrastructure.NewMySQL(cfg.Infra.MySQL.DSN)
	if err != nil {
		logger.L().Fatal().Err(err).Msg("failed to connect to mysql")
	}
	if cfg.Infra.MySQL.AutoMigrate {
		if err := infrastructure.AutoMigrate(db); err != nil {
			logger.L().Fatal().Err(err).Msg("failed to migrate schema")
		}
	}
	orders := infrastructure.NewGormOrderRepository(db)
	campaigns := infrastructure.NewGormCampaignRepository(db)
	clips := infrastructure.NewGormClipRepository(db)
	coefficients := infrastructure.NewGormCoefficientRepository(db)
	if err := seedCoefficients(context.Background(), coefficients, cfg.Order.Coefficients); err != nil {
		logger.L().Fatal().Err(err).Msg("failed to seed coefficients")
	}

	// 2. 欺诈计数: Redis 不可用时退化为进程内计数
	var counters fraud.CounterStore
	redisClient, err := redis.NewClient(cfg.Infra.Redis.Addrs)
	if err == nil {
		counters, err = adapter.NewRedisCounterAdapter(redisClient)
	}
	if err != nil {
		logger.L().Warn().Err(err).Msg("redis unavailable, fraud counters are local to this instance")
		counters = fraud.NewMemoryCounterStore()
	}
	gate, err := fraud.NewGate(counters, cfg.Fraud, tracer)
	if err != nil {
		logger.L().Fatal().Err(err).Msg("failed to build fraud gate")
	}
	bootstrap.OnReload(func(c *bootstrap.Config) {
		if err := gate.Reload(c.Fraud); err != nil {
			logger.L().Error().Err(err).Msg("fraud config reload rejected")
		}
	})

	// 3. 消息
	brokers := strings.Split(cfg.Infra.Kafka.Brokers, ",")
	kc := cfg.Infra.Kafka
	createdWriter := mq.NewKafkaWriter(brokers, kc.OrderCreatedTopic)
	statusWriter := mq.NewKafkaWriter(brokers, kc.StatusChangedTopic)
	interventionWriter := mq.NewKafkaWriter(brokers, kc.InterventionTopic)
	dltWriter := mq.NewKafkaWriter(brokers, kc.DLTTopic)
	events := infrastructure.NewOrderEventProducer(createdWriter, statusWriter, interventionWriter)
	notifier := adapter.NewNotificationKafkaAdapter(mq.NewKafkaWriter(brokers, kc.NotificationTopic))

	// 4. 外部能力
	httpClient := httpclient.NewClient(tracer)
	caps := cfg.Capabilities
	baseline := adapter.NewBaselineHTTPAdapter(httpClient, caps.BaselineURL)
	clipService := adapter.NewClipHTTPAdapter(httpClient, caps.ClipURL)
	provisioner := adapter.NewCampaignHTTPAdapter(httpClient, caps.CampaignURL)
	refunds := adapter.NewRefundHTTPAdapter(httpClient, caps.RefundURL)
	users := adapter.NewUserDirectoryHTTPAdapter(httpClient, caps.UserURL)

	// 5. 应用层
	oc := cfg.Order
	effects := application.NewEffectExecutor(orders, campaigns, provisioner, refunds, notifier, events, oc.RefundTimeout)
	transitions := application.NewTransitions(statemachine.New(), orders, effects)

	defaultCoefficient, err := domain.NewConversionCoefficient(0,
		decimal.NewFromFloat(oc.DefaultCoefficient.WithClip),
		decimal.NewFromFloat(oc.DefaultCoefficient.WithoutClip))
	if err != nil {
		logger.L().Fatal().Err(err).Msg("invalid default coefficient")
	}
	orch := application.NewOrchestrator(application.OrchestratorDeps{
		Orders:       orders,
		Campaigns:    campaigns,
		Clips:        clips,
		Coefficients: coefficients,
		Baseline:     baseline,
		ClipService:  clipService,
		Provisioner:  provisioner,
	}, transitions, effects, saga.Settings{
		DefaultCoefficient: defaultCoefficient,
		BaselineTimeout:    oc.BaselineTimeout,
		ClipTimeout:        oc.ClipTimeout,
		ProvisionTimeout:   oc.ProvisionTimeout,
	}, oc.ProcessingTimeout, tracer)

	pool := workerpool.New(workerpool.Options{
		Workers:     oc.Workers,
		QueueSize:   oc.QueueSize,
		MaxAttempts: oc.MaxAttempts,
		RetryDelay:  oc.RetryDelay,
		Retryable:   application.Retryable,
	}, orch.Handle, orch.GiveUp)

	recovery := application.NewRecovery(orders, pool, transitions, effects, application.RecoveryOptions{
		Interval:   oc.Recovery.Interval,
		StaleAfter: oc.Recovery.StaleAfter,
		BatchSize:  oc.Recovery.BatchSize,
	})
	svc := application.NewOrderService(orders, campaigns, clips, gate, users, events, transitions, tracer, oc.MaxRetries)

	// 6. 消费者
	failureHandler := mq.NewFailureHandler(dltWriter)
	createdConsumer := interfaces.NewOrderCreatedConsumer(
		mq.NewKafkaReader(brokers, kc.OrderCreatedTopic, kc.ConsumerGroup), pool, failureHandler)
	dltConsumer := interfaces.NewDltConsumerAdapter(
		mq.NewKafkaReader(brokers, kc.DLTTopic, kc.ConsumerGroup+"-dlt"))

	background := []func(ctx context.Context) error{pool.Run, createdConsumer.Start, dltConsumer.Start}
	if oc.Recovery.Enabled {
		background = append(background, recovery.Run)
	}

	err = bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			interfaces.NewOrderHandler(svc).RegisterRoutes(appCtx.Mux)
		},
		Background: background,
		Shutdown: []func(ctx context.Context){
			func(context.Context) {
				if redisClient != nil {
					redisClient.Close()
				}
				if sqlDB, err := db.DB(); err == nil {
					sqlDB.Close()
				}
			},
			func(context.Context) {
				events.Close()
				notifier.Close()
				dltWriter.Close()
			},
			createdConsumer.Stop,
			dltConsumer.Stop,
		},
	})
	if err != nil {
		logger.L().Fatal().Err(err).Msg("order service exited with error")
	}
}

// seedCoefficients 写入配置中的服务系数
func seedCoefficients(ctx context.Context, repo domain.CoefficientRepository, seeds []bootstrap.CoefficientSeed) error {
	for _, s := range seeds {
		c, err := domain.NewConversionCoefficient(s.ServiceID,
			decimal.NewFromFloat(s.WithClip), decimal.NewFromFloat(s.WithoutClip))
		if err != nil {
			return err
		}
		if err := repo.Save(ctx, &c); err != nil {
			return err
		}
	}
	return nil
}
