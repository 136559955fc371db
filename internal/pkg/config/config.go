package config

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/namsral/flag"
	"github.com/rs/zerolog/log"
)

// Config - application configs
type Config struct {
	PlansPath string `ignored:"true"`
	InitDB    bool   `ignored:"true"`

	AppAddress     string `envconfig:"APP_ADDRESS" default:":8000"`
	MetricsAddress string `envconfig:"METRICS_ADDRESS" default:":8001"`
	// BaseURL is prepended to every link uri
	BaseURL string `envconfig:"BASE_URL" default:"http://localhost:8000"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"console"`

	// DatabaseDriver is either sqlite3 or postgres
	DatabaseDriver   string `envconfig:"DATABASE_DRIVER" default:"sqlite3"`
	DataSourceName   string `envconfig:"DATA_SOURCE_NAME" default:"planimg.db"`
	PostgresUser     string `envconfig:"POSTGRES_USER" default:"postgres"`
	PostgresPassword string `envconfig:"POSTGRES_PASSWORD" default:""`
	PostgresAddress  string `envconfig:"POSTGRES_ADDRESS" default:"127.0.0.1:5432"`
	PostgresDatabase string `envconfig:"POSTGRES_DATABASE" default:"postgres"`
	PostgresSSLMode  string `envconfig:"POSTGRES_SSL_MODE" default:"disable"`

	// BlobBackend is one of fs, s3, gcs
	BlobBackend       string `envconfig:"BLOB_BACKEND" default:"fs"`
	MediaRoot         string `envconfig:"MEDIA_ROOT" default:"media"`
	S3Endpoint        string `envconfig:"S3_ENDPOINT" default:""`
	S3Region          string `envconfig:"S3_REGION" default:"us-east-1"`
	S3Bucket          string `envconfig:"S3_BUCKET" default:"planimg"`
	S3AccessKeyID     string `envconfig:"S3_ACCESS_KEY_ID" default:""`
	S3SecretAccessKey string `envconfig:"S3_SECRET_ACCESS_KEY" default:""`
	GCSBucket         string `envconfig:"GCS_BUCKET" default:"planimg"`

	// Resizer is vips (libvips through bimg) or gift (pure go)
	Resizer     string `envconfig:"RESIZER" default:"vips"`
	JPEGQuality int    `envconfig:"JPEG_QUALITY" default:"85"`
	// MaxImageSize maximum image size in bytes, default is 5MB
	MaxImageSize int64 `envconfig:"MAX_IMAGE_SIZE" default:"5242880"`

	RedisURL                  string `envconfig:"REDIS_URL" default:":6379"`
	DerivationAsync           bool   `envconfig:"DERIVATION_ASYNC" default:"false"`
	DerivationPoolConcurrency uint   `envconfig:"DERIVATION_POOL_CONCURRENCY" default:"4"`
	DerivationJobMaxFails     uint   `envconfig:"DERIVATION_JOB_MAX_FAILS" default:"3"`
	// DerivationStaleAfter - claim of a derivation older than this is treated as abandoned
	DerivationStaleAfter time.Duration `envconfig:"DERIVATION_STALE_AFTER" default:"10m"`
	ExpiredLinkRetention time.Duration `envconfig:"EXPIRED_LINK_RETENTION" default:"0"`
	JanitorSchedule      string        `envconfig:"JANITOR_SCHEDULE" default:"@every 1h"`

	JWTSecret string        `envconfig:"JWT_SECRET" default:""`
	TokenTTL  time.Duration `envconfig:"TOKEN_TTL" default:"720h"`

	CORSAllowOrigin  string `envconfig:"CORS_ALLOW_ORIGIN" default:"*"`
	CORSAllowHeaders string `envconfig:"CORS_ALLOW_HEADERS" default:"Authorization,Content-Type"`

	ThrottlerQueueLength int64         `envconfig:"THROTTLER_QUEUE_LENGTH" default:"10"`
	ThrottlerTimeout     time.Duration `envconfig:"THROTTLER_TIMEOUT" default:"15s"`

	GracefulShutdownTimeout time.Duration `default:"10s" split_words:"true"`
}

// Init parses command line flags and reads configs from env file and environment
func Init() *Config {

	envPath := flag.String("env", ".env", "path to file with environment variables")
	plansPath := flag.String("plans-path", "ensure-plans.yaml", "path to file containing YAML plans to ensure")
	initDB := flag.Bool("initdb", true, "if true then non-existing database tables will be created")

	flag.Parse()

	conf := InitFrom(*envPath)
	conf.InitDB = *initDB
	conf.PlansPath = *plansPath
	return conf
}

// InitFrom - initializes configs from env file
func InitFrom(envPath string) *Config {

	App := &Config{}

	err := godotenv.Load(envPath)
	if err != nil {
		log.Info().Err(err).Msg("failed to read env file, using real env variables")
	}

	err = envconfig.Process("planimg", App)
	if err != nil {
		panic(err)
	}

	return App
}

// PostgresDSN builds connection string from postgres settings
func (c *Config) PostgresDSN() string {
	return "postgres://" + c.PostgresUser + ":" + c.PostgresPassword + "@" +
		c.PostgresAddress + "/" + c.PostgresDatabase + "?sslmode=" + c.PostgresSSLMode
}
