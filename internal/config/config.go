package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/ilyakaznacheev/cleanenv"
)

const (
	StorageDriverInMemory = "inmemory"
	StorageDriverBolt     = "bolt"
)

type Config struct {
	Name        string      `yaml:"name" json:"name" env:"ZENPVM_NAME" env-default:"zenpvm"` // used for OTEL as an application identifier
	Storage     Storage     `yaml:"storage" json:"storage"`
	Engine      Engine      `yaml:"engine" json:"engine"`
	JobExecutor JobExecutor `yaml:"jobExecutor" json:"jobExecutor"`
	Tracing     Tracing     `yaml:"tracing" json:"tracing"`
}

type Storage struct {
	// Driver is one of inmemory or bolt
	Driver      string        `yaml:"driver" json:"driver" env:"STORAGE_DRIVER" env-default:"bolt"`
	Path        string        `yaml:"path" json:"path" env:"STORAGE_PATH" env-default:"zenpvm.db"`
	OpenTimeout time.Duration `yaml:"openTimeout" json:"openTimeout" env:"STORAGE_OPEN_TIMEOUT" env-default:"5s"`
}

type Engine struct {
	DefinitionCacheSize int           `yaml:"definitionCacheSize" json:"definitionCacheSize" env:"ENGINE_DEFINITION_CACHE_SIZE" env-default:"200"`
	DefinitionCacheTTL  time.Duration `yaml:"definitionCacheTTL" json:"definitionCacheTTL" env:"ENGINE_DEFINITION_CACHE_TTL" env-default:"24h"`
	// NodeId seeds key generation, nodes sharing one storage need distinct ids
	NodeId     string `yaml:"nodeId" json:"nodeId" env:"ENGINE_NODE_ID"`
	JobRetries int    `yaml:"jobRetries" json:"jobRetries" env:"ENGINE_JOB_RETRIES" env-default:"3"`
}

type JobExecutor struct {
	PollInterval  time.Duration `yaml:"pollInterval" json:"pollInterval" env:"JOB_EXECUTOR_POLL_INTERVAL" env-default:"1s"`
	BatchSize     int           `yaml:"batchSize" json:"batchSize" env:"JOB_EXECUTOR_BATCH_SIZE" env-default:"32"`
	MaxConcurrent int           `yaml:"maxConcurrent" json:"maxConcurrent" env:"JOB_EXECUTOR_MAX_CONCURRENT" env-default:"4"`
	MaxRetries    int           `yaml:"maxRetries" json:"maxRetries" env:"JOB_EXECUTOR_MAX_RETRIES" env-default:"5"`
	BackoffMin    time.Duration `yaml:"backoffMin" json:"backoffMin" env:"JOB_EXECUTOR_BACKOFF_MIN" env-default:"20ms"`
	BackoffMax    time.Duration `yaml:"backoffMax" json:"backoffMax" env:"JOB_EXECUTOR_BACKOFF_MAX" env-default:"1s"`
	// Exclusivity is one of none, instance or hierarchy
	Exclusivity string `yaml:"exclusivity" json:"exclusivity" env:"JOB_EXECUTOR_EXCLUSIVITY" env-default:"instance"`
}

type Tracing struct {
	Enabled  bool   `yaml:"enabled" json:"enabled" env:"OTEL_ENABLED"`
	Endpoint string `yaml:"endpoint" json:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT" env-default:"localhost:4318"`
	Name     string `yaml:"name" json:"name" env:"OTEL_SERVICE_NAME"`
}

func (c Config) defaults() Config {
	if c.Engine.NodeId == "" {
		c.Engine.NodeId = uuid.NewString()
	}
	if c.Tracing.Name == "" {
		c.Tracing.Name = c.Name
	}
	return c
}

func (c Config) validate() error {
	switch c.Storage.Driver {
	case StorageDriverInMemory, StorageDriverBolt:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	switch c.JobExecutor.Exclusivity {
	case "none", "instance", "hierarchy":
	default:
		return fmt.Errorf("unknown job exclusivity %q", c.JobExecutor.Exclusivity)
	}
	return nil
}

func InitConfig() Config {
	c, err := LoadConfig(os.Getenv("CONFIG_FILE"))
	if err != nil {
		fmt.Printf("Error occurred while reading the configuration: %s\n", err)
		panic(err)
	}
	return c
}

// LoadConfig reads fileName, or ./conf.yaml when fileName is empty. Without
// a configuration file the values come from the environment.
func LoadConfig(fileName string) (Config, error) {
	c := Config{}
	if fileName == "" {
		wd, err := os.Getwd()
		if err != nil {
			return c, err
		}
		fileName = fmt.Sprintf("%s/conf.yaml", wd)
	}
	var err error
	if _, perr := os.Stat(fileName); errors.Is(perr, os.ErrNotExist) {
		err = cleanenv.ReadEnv(&c)
		fmt.Printf("Configuration file %s not found. Reading config from ENV.\n", fileName)
	} else {
		err = cleanenv.ReadConfig(fileName, &c)
	}
	if err != nil {
		return c, err
	}
	c = c.defaults()
	return c, c.validate()
}
