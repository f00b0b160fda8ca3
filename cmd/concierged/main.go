package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"ConciergeFlow/internal/api"
	"ConciergeFlow/internal/audit"
	"ConciergeFlow/internal/config"
	"ConciergeFlow/internal/idempotency"
	"ConciergeFlow/internal/observability/metrics"
	"ConciergeFlow/internal/plan"
	"ConciergeFlow/internal/protocol"
	"ConciergeFlow/internal/provider"
	"ConciergeFlow/internal/rails"
	"ConciergeFlow/internal/runner"
	"ConciergeFlow/internal/settlement"
	"ConciergeFlow/internal/storage/mysql"
	"ConciergeFlow/internal/support"
	"ConciergeFlow/internal/task"
	"ConciergeFlow/pkg/logger"
)

// main 是礼宾守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("concierged 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("CONCIERGE_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "concierge.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	var (
		taskStore   task.Store
		orderStore  task.OrderStore
		settleStore settlement.Store
	)
	switch cfg.Storage.Driver {
	case "", "memory":
		taskStore = task.NewMemoryStore()
		orderStore = task.NewMemoryOrderStore()
		settleStore = settlement.NewMemoryStore()
	case "mysql":
		db, err := mysql.Open(ctx, mysql.Config{
			DSN:             cfg.Storage.MySQL.DSN,
			MaxOpenConns:    cfg.Storage.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MySQL.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.MySQL.ConnMaxLifetimeMin) * time.Minute,
		})
		if err != nil {
			return err
		}
		defer db.Close()
		if err := mysql.Migrate(ctx, db); err != nil {
			return err
		}
		taskStore = task.NewMySQLStore(db)
		orderStore = task.NewMySQLOrderStore(db)
		settleStore = settlement.NewMySQLStore(db)
	default:
		return fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
	defer func() {
		_ = taskStore.Close()
		_ = settleStore.Close()
	}()

	var taskQueue task.Queue
	idemStore := idempotency.Store(idempotency.NewMemoryStore(cfg.Idempotency.TTL()))
	switch cfg.TaskQueue.Driver {
	case "", "memory":
		taskQueue = task.NewMemoryQueue(1024)
	case "redis":
		queue, err := task.NewRedisQueue(task.RedisQueueConfig{
			Address:  cfg.TaskQueue.Redis.Address,
			Password: cfg.TaskQueue.Redis.Password,
			DB:       cfg.TaskQueue.Redis.DB,
			Queue:    cfg.TaskQueue.Redis.Queue,
		})
		if err != nil {
			return err
		}
		taskQueue = queue
		// 幂等键与队列共用同一个 Redis 实例。
		idemStore = idempotency.NewRedisStore(queue.Client(), cfg.Idempotency.TTL())
	case "rabbitmq":
		queue, err := task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:      cfg.TaskQueue.RabbitMQ.URL,
			Queue:    cfg.TaskQueue.RabbitMQ.Queue,
			Prefetch: cfg.TaskQueue.RabbitMQ.Prefetch,
			Durable:  cfg.TaskQueue.RabbitMQ.Durable,
		})
		if err != nil {
			return err
		}
		taskQueue = queue
	default:
		return fmt.Errorf("未知的队列驱动: %s", cfg.TaskQueue.Driver)
	}
	defer func() {
		if err := taskQueue.Close(); err != nil {
			log.Printf("关闭任务队列失败: %v", err)
		}
	}()

	contracts := protocol.NewContractRegistry()
	if cfg.Providers.ContractsPath != "" {
		contracts, err = protocol.LoadContractFile(cfg.Providers.ContractsPath)
		if err != nil {
			return err
		}
	}

	providers := provider.NewRegistry()
	providers.Register("dining", provider.NewRateLimited(
		provider.NewSimulator("dining-sim", "sim_dining"),
		cfg.Providers.RateLimitQPS, cfg.Providers.RateBurst,
	))
	providers.Register("mobility", provider.NewRateLimited(
		provider.NewSimulator("mobility-sim", "sim_mobility"),
		cfg.Providers.RateLimitQPS, cfg.Providers.RateBurst,
	))

	auditor := audit.NewSlogSink()
	railChecker := rails.NewStaticChecker(cfg.Rails.Disabled, cfg.Rails.Uncertified)

	executor := runner.New(providers, railChecker, contracts, runner.Policy{
		StrictSLA:              cfg.Policy.StrictSLA,
		SimulateBreaches:       cfg.Policy.SimulateBreaches,
		BreachPct:              cfg.Policy.BreachPct,
		ForcedFallbackPct:      cfg.Policy.ForcedFallbackPct,
		HandoffEnabled:         cfg.Policy.HandoffEnabled,
		CallTimeout:            cfg.Policy.CallTimeout(),
		SkipStatusWhenFlexible: cfg.Policy.SkipStatusWhenFlexible,
	}, runner.WithAuditSink(auditor))

	ledger := settlement.NewLedger(settleStore, cfg.Settlement.FeeRate, cfg.Settlement.SkewPct,
		settlement.WithAuditSink(auditor))

	compiler := plan.NewCompiler(plan.WithDefaultCategory(plan.IntentCategory(cfg.Policy.DefaultCategory)))
	taskService := task.NewService(taskStore, taskQueue, compiler, auditor)
	defer taskService.Close()

	processor := task.NewProcessor(executor, taskStore, orderStore, taskQueue,
		task.WithWorkerCount(cfg.TaskQueue.Workers),
		task.WithSettlementBooker(&ledgerBooker{ledger: ledger}),
		task.WithSupportDesk(support.NewDeskIssuer(0)),
		task.WithAuditSink(auditor),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()

	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("任务处理器异常退出: %v", err)
		}
	}()

	if cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("指标服务异常退出: %v", err)
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, taskService,
		api.WithOrderStore(orderStore),
		api.WithLedger(ledger),
		api.WithIdempotencyStore(idemStore),
	)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// ledgerBooker 把结算台账适配成处理器需要的登记接口。
type ledgerBooker struct {
	ledger *settlement.Ledger
}

func (b *ledgerBooker) BookOrder(ctx context.Context, order *task.Order) error {
	input := settlement.BookInput{
		OrderID:  order.ID,
		TaskID:   order.TaskID,
		Category: string(order.Category),
		Currency: order.Pricing.Currency,
		Gross:    order.Pricing.Gross,
		Net:      order.Pricing.Net,
		Markup:   order.Pricing.Markup,
	}
	if order.Refund != nil {
		input.Refund = order.Refund.Amount
	}
	_, err := b.ledger.Book(ctx, input)
	return err
}
