package app

import (
	"context"
	"time"

	"github.com/dunghkt213/click2buy-sub000/internal/cache"
	"github.com/dunghkt213/click2buy-sub000/internal/checkout"
	"github.com/dunghkt213/click2buy-sub000/internal/config"
	"github.com/dunghkt213/click2buy-sub000/internal/messaging"
	"github.com/dunghkt213/click2buy-sub000/internal/pricing"
	"github.com/dunghkt213/click2buy-sub000/internal/publisher"
	"github.com/dunghkt213/click2buy-sub000/internal/repository"
	"github.com/dunghkt213/click2buy-sub000/internal/reservation"
	"github.com/dunghkt213/click2buy-sub000/internal/service"
	"github.com/dunghkt213/click2buy-sub000/internal/stock"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

// App owns the wired cart pipeline and its backing connections. Carts and
// Checkout are the entry points a transport layer calls into.
type App struct {
	Carts    *service.CartService
	Checkout *checkout.Orchestrator

	mongoClient *mongo.Client
	redisClient *redis.Client
	store       *checkout.Store
	broker      *messaging.KafkaClient

	stockListener   *stock.Listener
	outcomeListener *checkout.OutcomeListener
	outboxPoller    *publisher.OutboxPoller

	logger *zap.Logger
}

// New connects every backing store and wires the pipeline. On error it tears
// down whatever it had already opened.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{logger: logger}

	mongoDB, err := repository.Dial(ctx, repository.MongoConfig{
		URI:            cfg.MongoURI,
		Database:       cfg.MongoDBName,
		ConnectTimeout: cfg.MongoConnectWait,
		SelectTimeout:  cfg.MongoSelectionWait,
		MaxPoolSize:    uint64(cfg.MongoMaxPoolSize),
	})
	if err != nil {
		return nil, err
	}
	a.mongoClient = mongoDB.Client()
	repo := repository.NewMongoRepository(mongoDB)
	if err := repo.CreateIndexes(ctx); err != nil {
		a.Close()
		return nil, err
	}
	logger.Info("connected to MongoDB", zap.String("database", cfg.MongoDBName))

	a.redisClient = redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	})
	if err := a.redisClient.Ping(ctx).Err(); err != nil {
		a.Close()
		return nil, err
	}
	cartCache := cache.NewRedisCache(a.redisClient)
	logger.Info("connected to Redis", zap.String("addr", cfg.RedisAddr))

	creds := &checkout.Credentials{
		Host:              cfg.DBHost,
		Port:              cfg.DBPort,
		User:              cfg.DBUser,
		Password:          cfg.DBPassword,
		DBName:            cfg.DBName,
		MigrationsDirPath: cfg.MigrationsPath,
	}
	a.store, err = checkout.NewStore(creds)
	if err != nil {
		a.Close()
		return nil, err
	}
	if err := a.store.RunMigrations(creds); err != nil {
		a.Close()
		return nil, err
	}
	logger.Info("database migrations completed")

	a.broker = messaging.NewKafkaClient(cfg.KafkaBrokers...)
	if err := a.broker.Connect(ctx); err != nil {
		a.Close()
		return nil, err
	}
	logger.Info("connected to Kafka", zap.Strings("brokers", cfg.KafkaBrokers))

	intents := reservation.NewPublisher(a.broker, logger)
	a.Carts = service.NewCartService(repo, cartCache, intents, logger)

	pricer := pricing.NewEngine(pricing.Config{
		FreeShippingThreshold: cfg.FreeShippingThreshold,
		DefaultShippingFee:    cfg.StandardShippingFee,
		MethodShippingFees: map[string]int64{
			"express": cfg.ExpressShippingFee,
		},
	})
	a.Checkout = checkout.NewOrchestrator(a.Carts, pricer, a.store, cfg.OutcomeTimeout, logger)

	a.stockListener = stock.NewListener(
		a.broker.NewConsumer(config.TopicStockUpdated, config.StockConsumerGroup),
		repo, cartCache, logger)
	a.outcomeListener = checkout.NewOutcomeListener(
		a.broker.NewConsumer(config.TopicOrderOutcome, config.OutcomeConsumerGroup),
		a.store, a.Carts, logger)
	a.outboxPoller = publisher.NewOutboxPoller(
		a.store, a.broker, a.Carts,
		cfg.OutboxTick, cfg.RecoveryTick, cfg.OutboxBatchSize, logger)

	return a, nil
}

// Run starts the background consumers and the outbox poller. It blocks until
// ctx is cancelled.
func (a *App) Run(ctx context.Context) {
	go a.stockListener.Run(ctx)
	go a.outcomeListener.Run(ctx)
	go a.outboxPoller.Run(ctx)
	a.logger.Info("cart service started")
	<-ctx.Done()
}

// Close releases every connection New managed to open. Safe to call on a
// partially constructed App.
func (a *App) Close() {
	if a.broker != nil {
		if err := a.broker.Close(); err != nil {
			a.logger.Warn("failed to close kafka client", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("failed to close checkout store", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("failed to close redis client", zap.Error(err))
		}
	}
	if a.mongoClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.mongoClient.Disconnect(ctx); err != nil {
			a.logger.Warn("failed to disconnect mongodb client", zap.Error(err))
		}
	}
}
