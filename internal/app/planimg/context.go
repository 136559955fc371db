package planimg

import (
	"context"

	"github.com/KazanExpress/planimg/internal/pkg/config"
	"github.com/KazanExpress/planimg/internal/pkg/derivation"
	"github.com/KazanExpress/planimg/internal/pkg/links"
	"github.com/KazanExpress/planimg/internal/pkg/storage"
	"github.com/KazanExpress/planimg/internal/pkg/transformations"
	redis2 "github.com/go-redis/redis"
	"github.com/gocraft/work"
	"github.com/gomodule/redigo/redis"
	"github.com/rs/zerolog/log"
)

// JobEnqueuer - puts jobs to the derivation queue, *work.Enqueuer in production
type JobEnqueuer interface {
	Enqueue(jobName string, args map[string]interface{}) (*work.Job, error)
}

type AppContext struct {
	DB           *storage.DB
	Blobs        storage.BlobStore
	Config       *config.Config
	Engine       *derivation.Engine
	Resolver     *links.Resolver
	ImageService *ImageService
	Pool         *work.WorkerPool
	Enqueuer     JobEnqueuer
	Janitor      *Janitor
}

// NewAppContext opens database, blob store and resizer described in config
func NewAppContext(ctx context.Context, cfg *config.Config) (*AppContext, error) {
	db, err := storage.Open(cfg)
	if err != nil {
		return nil, err
	}

	blobs, err := storage.NewBlobStore(ctx, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}

	resizer, err := transformations.NewResizer(cfg.Resizer, cfg.JPEGQuality)
	if err != nil {
		db.Close()
		return nil, err
	}

	return NewAppContextWith(cfg, db, blobs, resizer), nil
}

// NewAppContextWith wires services around already opened dependencies
func NewAppContextWith(cfg *config.Config, db *storage.DB, blobs storage.BlobStore, resizer transformations.Resizer) *AppContext {
	appCtx := &AppContext{
		Config: cfg,
		DB:     db,
		Blobs:  blobs,
	}
	appCtx.Engine = derivation.NewEngine(db, blobs, resizer, cfg.BaseURL)
	appCtx.Resolver = links.NewResolver(db, blobs)
	appCtx.ImageService = NewImageService(appCtx)
	appCtx.Janitor = NewJanitor(db, cfg.ExpiredLinkRetention)
	return appCtx
}

func (appCtx *AppContext) newRedisClient() *redis2.Client {
	return redis2.NewClient(&redis2.Options{
		Addr:     appCtx.Config.RedisURL,
		Password: "", // no password set
		DB:       0,  // use default DB
	})
}

// PingRedis checks that the job queue backend is reachable
func (appCtx *AppContext) PingRedis() error {
	client := appCtx.newRedisClient()
	defer client.Close()
	return client.Ping().Err()
}

// DropRedis removes every queued job
func (appCtx *AppContext) DropRedis() error {
	client := appCtx.newRedisClient()
	defer client.Close()

	err := client.FlushAll().Err()
	if err != nil {
		log.Warn().Err(err).Msg("failed to drop redis")
	}
	return err
}

// WithWork starts derivation worker pool and enqueuer on redis
func (appCtx *AppContext) WithWork() *AppContext {
	var redisPool = &redis.Pool{
		MaxActive: 5,
		MaxIdle:   5,
		Wait:      true,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", appCtx.Config.RedisURL)
		},
	}

	appCtx.Pool = InitPool(appCtx, redisPool)
	appCtx.Enqueuer = work.NewEnqueuer(DerivationNamespace, redisPool)
	return appCtx
}

// Close stops workers and the janitor and releases database
func (appCtx *AppContext) Close() error {
	if appCtx.Pool != nil {
		appCtx.Pool.Stop()
	}
	if appCtx.Janitor != nil {
		appCtx.Janitor.Stop()
	}
	if closer, ok := appCtx.Blobs.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close blob store")
		}
	}
	return appCtx.DB.Close()
}
