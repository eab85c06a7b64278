package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type DatabaseConfig struct {
	Driver  string
	Migrate bool
}

type PostgresConfig struct {
	DSN              string
	MaxOpen          int
	MaxIdle          int
	ConnMaxLifetime  time.Duration
	StatementTimeout time.Duration
	AppName          string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type StorageConfig struct {
	Driver          string
	Endpoint        string
	AccessKey       string
	SecretKey       string
	BucketOriginals string
	BucketVariants  string
	UseSSL          bool
	Region          string
}

type SecurityConfig struct {
	OperatorSecret string
	ResourceSecret string
}

type NotifyConfig struct {
	NATSURL string
	Subject string
}

type CacheConfig struct {
	PostKeys  []string
	StatusTTL time.Duration
	StatusMax int
}

type MetricsConfig struct {
	Addr string
}

type LoggingConfig struct {
	Level string
}

type AppConfig struct {
	Environment      string
	HTTP             HTTPConfig
	Database         DatabaseConfig
	Postgres         PostgresConfig
	Redis            RedisConfig
	Storage          StorageConfig
	Queue            QueueConfig
	Lanes            LanesConfig
	Pipeline         PipelineConfig
	Ingest           IngestConfig
	Transform        TransformConfig
	Reaper           ReaperConfig
	Notify           NotifyConfig
	Cache            CacheConfig
	Security         SecurityConfig
	Metrics          MetricsConfig
	Logging          LoggingConfig
	AllowCORSOrigins []string
}

func Load() (*AppConfig, error) {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("../config")

	v.SetEnvPrefix("IMAGEBOARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *AppConfig) Validate() error {
	var errs []error
	if c.Pipeline.MaxAttempts < 1 {
		errs = append(errs, errors.New("pipeline.maxattempts must be >= 1"))
	}
	if c.Pipeline.SoftTimeLimit <= 0 || c.Pipeline.HardTimeLimit < c.Pipeline.SoftTimeLimit {
		errs = append(errs, errors.New("pipeline time limits must satisfy 0 < soft <= hard"))
	}
	if c.Pipeline.RetryBase <= 0 || c.Pipeline.RetryMax < c.Pipeline.RetryBase {
		errs = append(errs, errors.New("pipeline retry delays must satisfy 0 < base <= max"))
	}
	for _, lane := range []struct {
		name    string
		workers int
	}{{"image", c.Lanes.Image}, {"video", c.Lanes.Video}, {"default", c.Lanes.Default}} {
		if lane.workers < 1 {
			errs = append(errs, fmt.Errorf("lanes.%s must be >= 1", lane.name))
		}
	}
	if c.Transform.ThumbWidth <= 0 || c.Transform.ThumbHeight <= 0 {
		errs = append(errs, errors.New("transform thumbnail size must be positive"))
	}
	if c.Transform.MaxDimension <= 0 {
		errs = append(errs, errors.New("transform.maxdimension must be positive"))
	}
	if c.Transform.JPEGQuality < 1 || c.Transform.JPEGQuality > 100 {
		errs = append(errs, errors.New("transform.jpegquality must be within 1..100"))
	}
	if c.Ingest.MaxBytes <= 0 {
		errs = append(errs, errors.New("ingest.maxbytes must be positive"))
	}
	if c.Queue.VisibilityTimeout < c.Pipeline.HardTimeLimit {
		errs = append(errs, errors.New("queue.visibilitytimeout must not be shorter than pipeline.hardtimelimit"))
	}
	if c.Reaper.GracePeriod <= 0 {
		errs = append(errs, errors.New("reaper.graceperiod must be positive"))
	}
	if c.Postgres.StatementTimeout < 0 {
		errs = append(errs, errors.New("postgres.statementtimeout must not be negative"))
	}
	if c.Reaper.StaleLockTimeout < c.Pipeline.HardTimeLimit {
		errs = append(errs, errors.New("reaper.stalelocktimeout must not be shorter than pipeline.hardtimelimit"))
	}
	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.readtimeout", "10s")
	v.SetDefault("http.writetimeout", "30s")
	v.SetDefault("http.idletimeout", "60s")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.migrate", true)

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.maxopen", 30)
	v.SetDefault("postgres.maxidle", 5)
	v.SetDefault("postgres.connmaxlifetime", "30m")
	v.SetDefault("postgres.statementtimeout", "15s")
	v.SetDefault("postgres.appname", "imageboard")

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("storage.driver", "minio")
	v.SetDefault("storage.endpoint", "127.0.0.1:9000")
	v.SetDefault("storage.accesskey", "")
	v.SetDefault("storage.secretkey", "")
	v.SetDefault("storage.bucketoriginals", "imageboard-originals")
	v.SetDefault("storage.bucketvariants", "imageboard-variants")
	v.SetDefault("storage.usessl", false)
	v.SetDefault("storage.region", "us-east-1")

	v.SetDefault("notify.natsurl", "")
	v.SetDefault("notify.subject", "media.file.processed")

	v.SetDefault("cache.postkeys", []string{"imageboard:post:%d", "imageboard:post:%d:files"})
	v.SetDefault("cache.statusttl", "10m")
	v.SetDefault("cache.statusmax", 10000)

	v.SetDefault("security.operatorsecret", "")
	v.SetDefault("security.resourcesecret", "")

	v.SetDefault("metrics.addr", ":9100")
	v.SetDefault("logging.level", "info")
	v.SetDefault("allowcorsorigins", []string{})

	setPipelineDefaults(v)
}

func defaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "worker-1"
	}
	return host
}
