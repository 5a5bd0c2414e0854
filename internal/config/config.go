package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DatabaseURL    string
	HTTPListenAddr string
	LogLevel       string
	ServiceName    string

	// FastDeploy job runner.
	FastDeployBaseURL      string
	FastDeployServiceToken string
	PollIntervalSeconds    int

	// Object storage. Driver "mc" shells out to the MinIO client CLI,
	// "s3" talks to the S3 API directly.
	StorageDriver string
	MCPath        string
	MCAlias       string
	S3Endpoint    string
	S3AccessKey   string
	S3SecretKey   string
	S3Region      string

	// CacheDir holds singleton lock files for the batch commands.
	CacheDir string

	SchedulerConcurrency int

	// DisableRowLocks selects the best-effort fallback for storage setups
	// where SELECT ... FOR UPDATE NOWAIT is unavailable (e.g. pgbouncer in
	// statement pooling mode). The per-kind uniqueness constraints still
	// hold; the backup-vs-restore cross check is then not fully race-free.
	DisableRowLocks bool
}

func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:            getEnv("DATABASE_URL", ""),
		HTTPListenAddr:         getEnv("HTTP_LISTEN_ADDR", ":8040"),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		ServiceName:            getEnv("SERVICE_NAME", "echoport"),
		FastDeployBaseURL:      getEnv("FASTDEPLOY_BASE_URL", ""),
		FastDeployServiceToken: getEnv("FASTDEPLOY_SERVICE_TOKEN", ""),
		PollIntervalSeconds:    getEnvInt("FASTDEPLOY_POLL_INTERVAL", 5),
		StorageDriver:          getEnv("STORAGE_DRIVER", "mc"),
		MCPath:                 getEnv("MINIO_MC_PATH", "/usr/local/bin/mc"),
		MCAlias:                getEnv("MINIO_ALIAS", "minio"),
		S3Endpoint:             getEnv("S3_ENDPOINT", ""),
		S3AccessKey:            getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:            getEnv("S3_SECRET_KEY", ""),
		S3Region:               getEnv("S3_REGION", "us-east-1"),
		CacheDir:               getEnv("ECHOPORT_CACHE_DIR", ""),
		SchedulerConcurrency:   getEnvInt("SCHEDULER_CONCURRENCY", 1),
		DisableRowLocks:        getEnvBool("DISABLE_ROW_LOCKS", false),
	}

	return cfg, nil
}

// Validate checks that the fields required by the given component are set.
func (c *Config) Validate(component string) error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%s: DATABASE_URL is required", component)
	}

	switch component {
	case "api", "scheduler":
		if c.FastDeployBaseURL == "" {
			return fmt.Errorf("%s: FASTDEPLOY_BASE_URL is required", component)
		}
		if c.FastDeployServiceToken == "" {
			return fmt.Errorf("%s: FASTDEPLOY_SERVICE_TOKEN is required", component)
		}
	case "cleanup":
		if c.StorageDriver != "mc" && c.StorageDriver != "s3" {
			return fmt.Errorf("cleanup: unknown STORAGE_DRIVER %q", c.StorageDriver)
		}
		if c.StorageDriver == "s3" && c.S3Endpoint == "" {
			return fmt.Errorf("cleanup: S3_ENDPOINT is required for the s3 driver")
		}
	}

	if c.PollIntervalSeconds <= 0 {
		return fmt.Errorf("%s: FASTDEPLOY_POLL_INTERVAL must be positive", component)
	}

	return nil
}

// PollInterval returns the job poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
