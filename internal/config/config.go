package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"
)

// Config holds the tunables of the engine core. Values come from an
// optional YAML file (CONFIG_FILE) overlaid with environment variables.
type Config struct {
	Name        string      `yaml:"name" json:"name" env:"ENGINE_NAME"`
	JobExecutor JobExecutor `yaml:"jobExecutor" json:"jobExecutor"`
	Deployment  Deployment  `yaml:"deployment" json:"deployment"`
	Command     Command     `yaml:"command" json:"command"`
}

type JobExecutor struct {
	// Workers is the size of the fixed worker pool executing acquired jobs.
	Workers int `yaml:"workers" json:"workers" env:"JOB_EXECUTOR_WORKERS" env-default:"4"`
	// AcquireInterval is the delay between acquisition passes.
	AcquireInterval time.Duration `yaml:"acquireInterval" json:"acquireInterval" env:"JOB_EXECUTOR_ACQUIRE_INTERVAL" env-default:"100ms"`
	// LockDuration is how long an acquired job stays locked for its owner.
	LockDuration time.Duration `yaml:"lockDuration" json:"lockDuration" env:"JOB_EXECUTOR_LOCK_DURATION" env-default:"5m"`
	// MaxJobsPerAcquisition caps the batch claimed in one pass.
	MaxJobsPerAcquisition int `yaml:"maxJobsPerAcquisition" json:"maxJobsPerAcquisition" env:"JOB_EXECUTOR_MAX_JOBS" env-default:"10"`
	// RetryBackoff is the delay before a failed job becomes due again.
	RetryBackoff time.Duration `yaml:"retryBackoff" json:"retryBackoff" env:"JOB_EXECUTOR_RETRY_BACKOFF" env-default:"10s"`
	// DefaultRetries is the retry budget of a freshly created job.
	DefaultRetries int `yaml:"defaultRetries" json:"defaultRetries" env:"JOB_EXECUTOR_DEFAULT_RETRIES" env-default:"3"`
}

type Deployment struct {
	// CacheCapacity bounds the definition cache; 0 keeps it unbounded.
	CacheCapacity int `yaml:"cacheCapacity" json:"cacheCapacity" env:"DEPLOYMENT_CACHE_CAPACITY" env-default:"0"`
}

type Command struct {
	// OptimisticLockRetries bounds the command chain's retry budget on
	// storage write conflicts.
	OptimisticLockRetries int `yaml:"optimisticLockRetries" json:"optimisticLockRetries" env:"COMMAND_OPTIMISTIC_LOCK_RETRIES" env-default:"3"`
}

// String renders the effective configuration as YAML, for startup
// logging.
func (c Config) String() string {
	raw, err := yaml.Marshal(c)
	if err != nil {
		type plain Config
		return fmt.Sprintf("%+v", plain(c))
	}
	return string(raw)
}

func Default() Config {
	c := Config{}
	if err := cleanenv.ReadEnv(&c); err != nil {
		panic(fmt.Sprintf("failed to read engine config defaults: %s", err))
	}
	return c
}

func InitConfig() Config {
	c := Config{}
	confFile := os.Getenv("CONFIG_FILE")
	if confFile == "" {
		return Default()
	}
	if _, err := os.Stat(confFile); errors.Is(err, os.ErrNotExist) {
		panic(fmt.Sprintf("config file %s does not exist", confFile))
	}
	if err := cleanenv.ReadConfig(confFile, &c); err != nil {
		panic(fmt.Sprintf("failed to read config file %s: %s", confFile, err))
	}
	return c
}
