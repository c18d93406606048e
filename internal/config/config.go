package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Jobs      JobsConfig
	Worker    WorkerConfig
}

type ServerConfig struct {
	Port string
	Env  string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type AuthConfig struct {
	// JWTSecret enables bearer-token auth on the API when non-empty.
	JWTSecret string
}

type RateLimitConfig struct {
	SubmitPerHour int
}

type JobsConfig struct {
	DefaultPageSize           int
	MaxPageSize               int
	DefaultMaxConcurrentTasks int
	MaxConcurrentTasksLimit   int
	// Concurrency bounds how many jobs process at once; excess submissions
	// queue rather than reject.
	Concurrency int
	// CancelTimeout bounds how long Cancel waits for worker acknowledgment
	// before force-marking the job.
	CancelTimeout        time.Duration
	SubscriberBuffer     int
	SnapshotTTL          time.Duration
	DefaultFileExtension string
}

type WorkerConfig struct {
	OutputDir       string
	WorkDir         string
	FFmpegPath      string
	DownloadTimeout time.Duration
	// JobTimeout bounds total processing time for a single job.
	JobTimeout time.Duration
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Defaults
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("auth.jwt_secret", "")
	viper.SetDefault("ratelimit.submit_per_hour", 30)
	viper.SetDefault("jobs.default_page_size", 10)
	viper.SetDefault("jobs.max_page_size", 100)
	viper.SetDefault("jobs.default_max_concurrent_tasks", 4)
	viper.SetDefault("jobs.max_concurrent_tasks_limit", 10)
	viper.SetDefault("jobs.concurrency", 10)
	viper.SetDefault("jobs.cancel_timeout", "5s")
	viper.SetDefault("jobs.subscriber_buffer", 256)
	viper.SetDefault("jobs.snapshot_ttl", "24h")
	viper.SetDefault("jobs.default_file_extension", "mp3")
	viper.SetDefault("worker.output_dir", "output")
	viper.SetDefault("worker.work_dir", "data")
	viper.SetDefault("worker.ffmpeg_path", "ffmpeg")
	viper.SetDefault("worker.download_timeout", "30m")
	viper.SetDefault("worker.job_timeout", "45m")

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port: viper.GetString("server.port"),
			Env:  viper.GetString("server.env"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Auth: AuthConfig{
			JWTSecret: viper.GetString("auth.jwt_secret"),
		},
		RateLimit: RateLimitConfig{
			SubmitPerHour: viper.GetInt("ratelimit.submit_per_hour"),
		},
		Jobs: JobsConfig{
			DefaultPageSize:           viper.GetInt("jobs.default_page_size"),
			MaxPageSize:               viper.GetInt("jobs.max_page_size"),
			DefaultMaxConcurrentTasks: viper.GetInt("jobs.default_max_concurrent_tasks"),
			MaxConcurrentTasksLimit:   viper.GetInt("jobs.max_concurrent_tasks_limit"),
			Concurrency:               viper.GetInt("jobs.concurrency"),
			CancelTimeout:             viper.GetDuration("jobs.cancel_timeout"),
			SubscriberBuffer:          viper.GetInt("jobs.subscriber_buffer"),
			SnapshotTTL:               viper.GetDuration("jobs.snapshot_ttl"),
			DefaultFileExtension:      viper.GetString("jobs.default_file_extension"),
		},
		Worker: WorkerConfig{
			OutputDir:       viper.GetString("worker.output_dir"),
			WorkDir:         viper.GetString("worker.work_dir"),
			FFmpegPath:      viper.GetString("worker.ffmpeg_path"),
			DownloadTimeout: viper.GetDuration("worker.download_timeout"),
			JobTimeout:      viper.GetDuration("worker.job_timeout"),
		},
	}

	return cfg, nil
}
