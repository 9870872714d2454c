package container

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/lyzr/bpmn-engine/bpmn"
	"github.com/lyzr/bpmn-engine/cmd/engine/repository"
	"github.com/lyzr/bpmn-engine/common/config"
	"github.com/lyzr/bpmn-engine/common/db"
	"github.com/lyzr/bpmn-engine/common/logger"
	rediscommon "github.com/lyzr/bpmn-engine/common/redis"
	"github.com/lyzr/bpmn-engine/engine"
	"github.com/lyzr/bpmn-engine/engine/connector"
)

// Container holds all initialized components and services (singleton pattern)
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	DB    *db.DB              // nil when STORAGE_TYPE=memory
	Redis *rediscommon.Client // nil when REDIS_ENABLED=false

	Store    engine.Store
	Parser   *bpmn.Parser
	Registry *engine.Registry
}

// NewContainer initializes all components once: config, logger, storage,
// redis, the model registry, and the loaded models.
func NewContainer(ctx context.Context, serviceName string) (*Container, error) {
	cfg, err := config.Load(serviceName)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat)
	log.Info("initializing service", "service", serviceName, "environment", cfg.Service.Environment)

	c := &Container{
		Config: cfg,
		Logger: log,
	}

	// Storage: Postgres in production, memory for development.
	switch getEnv("STORAGE_TYPE", "postgres") {
	case "memory":
		log.Warn("using in-memory storage, instances will not survive restarts")
		c.Store = engine.NewMemoryStore()
	default:
		database, err := db.New(ctx, cfg, log)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := database.Migrate(ctx); err != nil {
			database.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		c.DB = database
		c.Store = repository.NewStore(database)
	}

	// Lifecycle publishing over Redis is optional.
	var lifecycle engine.LifecyclePublisher = engine.NopLifecyclePublisher{}
	if getEnv("REDIS_ENABLED", "true") == "true" {
		raw := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr(),
			Password: cfg.Redis.Password,
			DB:       0,
		})
		c.Redis = rediscommon.NewClient(raw, log)
		lifecycle = engine.NewRedisLifecyclePublisher(c.Redis, cfg.Redis.StateTTL, log)
	}

	c.Parser = bpmn.NewParser(cfg.Engine.SystemVars, cfg.Engine.Datasources)
	c.Registry = engine.NewRegistry(&engine.RegistryOpts{
		Store:      c.Store,
		Lifecycle:  lifecycle,
		Connector:  connector.NewRunner(log),
		SystemVars: cfg.Engine.SystemVars,
		Logger:     log,
	})

	if err := c.Registry.LoadDir(cfg.Engine.ModelsDir, c.Parser); err != nil {
		return nil, fmt.Errorf("failed to load models: %w", err)
	}
	if len(c.Registry.Models()) == 0 {
		log.Warn("no models loaded", "dir", cfg.Engine.ModelsDir)
	}

	// Replay outstanding instances back into the scheduler.
	if err := c.Registry.Recover(ctx); err != nil {
		return nil, fmt.Errorf("failed to recover instances: %w", err)
	}

	return c, nil
}

// Shutdown stops running instances and closes connections.
func (c *Container) Shutdown(ctx context.Context) {
	c.Registry.Shutdown(ctx)
	if c.DB != nil {
		c.DB.Close()
	}
	if c.Redis != nil {
		if err := c.Redis.GetUnderlying().Close(); err != nil {
			c.Logger.Warn("failed to close redis client", "error", err)
		}
	}
}

// getEnv gets an environment variable or returns a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
