package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-redis/redis/v8"

	"procodus.dev/fleet-control/internal/alerting"
	"procodus.dev/fleet-control/internal/broker"
	"procodus.dev/fleet-control/internal/commands"
	"procodus.dev/fleet-control/internal/fleet"
	"procodus.dev/fleet-control/internal/pipeline"
	"procodus.dev/fleet-control/internal/presence"
	"procodus.dev/fleet-control/internal/realtime"
	"procodus.dev/fleet-control/internal/router"
	"procodus.dev/fleet-control/internal/store"
	"procodus.dev/fleet-control/internal/tasks"
	"procodus.dev/fleet-control/pkg/mq"
)

type role int

const (
	roleBackend role = iota
	roleWorker
)

func (r role) String() string {
	if r == roleWorker {
		return "worker"
	}
	return "backend"
}

// components is the object graph of one process. Every handle is created
// here and passed down; nothing is process-global.
type components struct {
	logger     *slog.Logger
	store      store.Store
	redis      *redis.Client
	mq         *mq.Client
	broker     *broker.Client
	dispatcher *tasks.Dispatcher
	router     *router.Router
	commands   *commands.Service
	alerts     *alerting.Service
}

func buildComponents(ctx context.Context, cfg *ServerConfig, r role) (_ *components, err error) {
	c := &components{logger: cfg.Logger}
	defer func() {
		if err != nil {
			_ = c.close()
		}
	}()
	m := cfg.Metrics

	if err := c.openStore(cfg); err != nil {
		return nil, err
	}

	var (
		sink    realtime.Sink     = realtime.NewLogSink(cfg.Logger)
		results tasks.ResultStore = tasks.NewMemoryResults(cfg.Dispatch.ResultTTL)
	)
	if cfg.Redis.Addr != "" {
		c.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := c.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis %s: %w", cfg.Redis.Addr, err)
		}
		redisSink, err := realtime.NewRedisSink(&realtime.RedisSinkConfig{Client: c.redis})
		if err != nil {
			return nil, err
		}
		sink = redisSink
		if results, err = tasks.NewRedisResults(c.redis, cfg.Dispatch.ResultTTL); err != nil {
			return nil, err
		}
		cfg.Logger.Info("redis connected", "addr", cfg.Redis.Addr)
	} else if r == roleWorker || cfg.Dispatch.Mode == DispatchAMQP {
		cfg.Logger.Warn("redis not configured; task results are only visible to the process that ran the job")
	}

	var forwarder tasks.Forwarder
	if r == roleWorker || cfg.Dispatch.Mode == DispatchAMQP {
		if c.mq, err = mq.New(&mq.Config{
			Logger:   cfg.Logger,
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.RabbitMQ.QueueName,
			Prefetch: cfg.Dispatch.Workers,
			Durable:  true,
		}); err != nil {
			return nil, fmt.Errorf("failed to create rabbitmq client: %w", err)
		}
		if m != nil {
			c.mq.SetMetrics(m.Transport)
		}
		if r == roleBackend {
			if forwarder, err = tasks.NewAMQPForwarder(c.mq); err != nil {
				return nil, err
			}
		}
	}

	if c.dispatcher, err = tasks.NewDispatcher(&tasks.Config{
		Logger:         cfg.Logger,
		Results:        results,
		Forwarder:      forwarder,
		Classify:       pipeline.Classify,
		Overflow:       tasks.OverflowPolicy(cfg.Dispatch.Overflow),
		Workers:        cfg.Dispatch.Workers,
		QueueSize:      cfg.Dispatch.QueueSize,
		EnqueueTimeout: cfg.Dispatch.EnqueueTimeout,
		HardLimit:      cfg.Dispatch.HardLimit,
		SoftLimit:      cfg.Dispatch.SoftLimit,
	}); err != nil {
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}

	brokerCfg := &broker.ClientConfig{
		Logger:   cfg.Logger,
		Broker:   cfg.MQTT.Broker,
		ClientID: cfg.MQTT.ClientID,
		Username: cfg.MQTT.Username,
		Password: cfg.MQTT.Password,
		QoS:      cfg.MQTT.QoS,
	}
	if r == roleBackend {
		if c.router, err = router.NewRouter(&router.Config{Logger: cfg.Logger, Enqueuer: c.dispatcher}); err != nil {
			return nil, err
		}
		brokerCfg.Handler = c.router.HandleMessage
		brokerCfg.Filters = broker.SubscriptionFilters()
	} else if brokerCfg.ClientID != "" {
		// Workers only publish; a distinct id keeps them from evicting the backend session.
		brokerCfg.ClientID += "-worker"
	}
	if c.broker, err = broker.NewClient(brokerCfg); err != nil {
		return nil, fmt.Errorf("failed to create mqtt client: %w", err)
	}

	tracker, err := presence.NewTracker(&presence.Config{
		Logger:       cfg.Logger,
		Store:        c.store,
		Sink:         sink,
		OfflineAfter: cfg.offlineAfter(),
	})
	if err != nil {
		return nil, err
	}
	if c.commands, err = commands.NewService(&commands.Config{
		Logger:       cfg.Logger,
		Store:        c.store,
		Publisher:    c.broker,
		Sink:         sink,
		SharedBulkID: cfg.BulkSharedID,
	}); err != nil {
		return nil, err
	}
	if c.alerts, err = alerting.NewService(&alerting.Config{
		Logger:            cfg.Logger,
		Store:             c.store,
		Sink:              sink,
		Enqueuer:          c.dispatcher,
		SuppressionWindow: cfg.SuppressionWindow,
	}); err != nil {
		return nil, err
	}
	sweeper, err := fleet.NewSweeper(&fleet.Config{
		Logger:      cfg.Logger,
		Store:       c.store,
		Enqueuer:    c.dispatcher,
		Broadcaster: c.commands,
	})
	if err != nil {
		return nil, err
	}
	pipelineCfg := &pipeline.Config{
		Logger:          cfg.Logger,
		Store:           c.store,
		Sink:            sink,
		Presence:        tracker,
		Alerts:          c.alerts,
		Commands:        c.commands,
		Fleet:           sweeper,
		AnalyticsWindow: cfg.AnalyticsWindow,
	}
	if cfg.AnalyticsInterval > 0 {
		pipelineCfg.Enqueuer = c.dispatcher
		pipelineCfg.AnalyticsInterval = cfg.AnalyticsInterval
	}
	p, err := pipeline.New(pipelineCfg)
	if err != nil {
		return nil, err
	}
	p.Register(c.dispatcher)

	if m != nil {
		c.dispatcher.SetMetrics(m.Tasks)
		c.broker.SetMetrics(m.Broker)
		tracker.SetMetrics(m.Presence)
		c.commands.SetMetrics(m.Commands)
		c.alerts.SetMetrics(m.Alerts)
		if c.router != nil {
			c.router.SetMetrics(m.Router)
		}
	}

	cfg.Logger.Info("components ready",
		"role", r.String(),
		"store", storeDriver(cfg),
		"dispatch", dispatchMode(cfg, r),
		"redis", c.redis != nil,
	)
	return c, nil
}

func (c *components) openStore(cfg *ServerConfig) error {
	if cfg.Store.Driver == StoreMemory {
		c.logger.Warn("using the in-memory store; data is lost on exit")
		c.store = store.NewMemoryStore()
		return nil
	}

	dbCfg := cfg.Store.DB
	dbCfg.Logger = cfg.Logger
	db, err := store.NewDB(&dbCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	gs, err := store.NewGormStore(db, cfg.Logger)
	if err != nil {
		return errors.Join(err, store.CloseDB(db, cfg.Logger))
	}
	if cfg.Metrics != nil {
		gs.SetMetrics(cfg.Metrics.Store)
	}
	c.store = gs
	return nil
}

// close releases handles in reverse order of creation. The dispatcher and
// broker are stopped by the owning process before close.
func (c *components) close() error {
	var errs []error
	if c.mq != nil {
		if err := c.mq.Close(); err != nil && !errors.Is(err, mq.ErrAlreadyClosed) {
			errs = append(errs, fmt.Errorf("rabbitmq close error: %w", err))
		}
	}
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database close error: %w", err))
		}
	}
	return errors.Join(errs...)
}

func storeDriver(cfg *ServerConfig) string {
	if cfg.Store.Driver == "" {
		return StorePostgres
	}
	return cfg.Store.Driver
}

func dispatchMode(cfg *ServerConfig, r role) string {
	if r == roleWorker || cfg.Dispatch.Mode == "" {
		return DispatchLocal
	}
	return cfg.Dispatch.Mode
}
