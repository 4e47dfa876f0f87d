package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the service
type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"logLevel"`
	Server      struct {
		Port int `mapstructure:"port"` // health, readiness and metrics
	} `mapstructure:"server"`
	API  APIConfig `mapstructure:"api"`
	NATS struct {
		URL                 string             `mapstructure:"url"`
		Events              ConsumerNatsConfig `mapstructure:"events"`
		PublishSubject      string             `mapstructure:"publishSubject"` // base subject for stage-changed events we emit
		DLQStream           string             `mapstructure:"dlqStream"`
		DLQSubject          string             `mapstructure:"dlqSubject"`
		DLQWorkers          int                `mapstructure:"dlqWorkers"`
		DLQBaseDelayMinutes int                `mapstructure:"dlqBaseDelayMinutes"`
		DLQMaxDelayMinutes  int                `mapstructure:"dlqMaxDelayMinutes"`
		DLQMaxAgeDays       int                `mapstructure:"dlqMaxAgeDays"`
		DLQMaxDeliver       int                `mapstructure:"dlqMaxDeliver"`
		DLQAckWait          time.Duration      `mapstructure:"dlqAckWait"`
		DLQMaxAckPending    int                `mapstructure:"dlqMaxAckPending"`
	} `mapstructure:"nats"`
	Database struct {
		PostgresDSN         string `mapstructure:"postgresDSN"`
		PostgresAutoMigrate bool   `mapstructure:"postgresAutoMigrate"`
	} `mapstructure:"database"`
	Company struct {
		ID string `mapstructure:"id"`
	} `mapstructure:"company"`
	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"metrics"`
	WorkerPools struct {
		Automation WorkerPoolConfig `mapstructure:"automation"`
	} `mapstructure:"workerPools"`
	Automation AutomationConfig `mapstructure:"automation"`
	FlowRunner FlowRunnerConfig `mapstructure:"flowRunner"`
}

// APIConfig configures the REST server.
type APIConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
	BodyLimit    int           `mapstructure:"bodyLimit"` // bytes
}

// WorkerPoolConfig sizes an ants pool.
type WorkerPoolConfig struct {
	PoolSize   int           `mapstructure:"poolSize"`
	QueueSize  int           `mapstructure:"queueSize"` // max blocking submitters
	ExpiryTime time.Duration `mapstructure:"expiryTime"`
}

// AutomationConfig tunes the engine and its sweep.
type AutomationConfig struct {
	SweepEnabled        bool          `mapstructure:"sweepEnabled"`
	SweepInterval       time.Duration `mapstructure:"sweepInterval"`
	SweepBatchSize      int           `mapstructure:"sweepBatchSize"`
	FlowCallTimeout     time.Duration `mapstructure:"flowCallTimeout"`
	MoveCallTimeout     time.Duration `mapstructure:"moveCallTimeout"`
	NoTargetLogInterval time.Duration `mapstructure:"noTargetLogInterval"`
	BulkStartMax        int           `mapstructure:"bulkStartMax"`
	PendingGrace        time.Duration `mapstructure:"pendingGrace"`
	ReplyMatchScope     string        `mapstructure:"replyMatchScope"` // current_stage | all_open
}

// Reply match scopes.
const (
	ReplyScopeCurrentStage = "current_stage"
	ReplyScopeAllOpen      = "all_open"
)

// FlowRunnerConfig points at the conversational flow runner.
type FlowRunnerConfig struct {
	BaseURL string        `mapstructure:"baseURL"`
	APIKey  string        `mapstructure:"apiKey"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ConsumerNatsConfig holds configuration specific to a NATS consumer
type ConsumerNatsConfig struct {
	MaxAge       int64         `mapstructure:"maxAge"` // days
	Stream       string        `mapstructure:"stream"`
	Consumer     string        `mapstructure:"consumer"` // durable name
	QueueGroup   string        `mapstructure:"group"`
	SubjectList  []string      `mapstructure:"subjectList"`
	MaxDeliver   int           `mapstructure:"maxDeliver"`
	NakBaseDelay time.Duration `mapstructure:"nakBaseDelay"`
	NakMaxDelay  time.Duration `mapstructure:"nakMaxDelay"`
}

// LoadConfig reads configuration from file or environment variables
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("environment", "development")
	v.SetDefault("logLevel", "info")
	v.SetDefault("server.port", 8080)
	v.SetDefault("metrics.enabled", true)

	v.SetDefault("api.port", 3000)
	v.SetDefault("api.readTimeout", 15*time.Second)
	v.SetDefault("api.writeTimeout", 15*time.Second)
	v.SetDefault("api.bodyLimit", 1<<20)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.events.stream", "crm_automation_events")
	v.SetDefault("nats.events.consumer", "crm-automation-engine")
	v.SetDefault("nats.events.group", "crm-automation")
	v.SetDefault("nats.events.subjectList", []string{"v1.deals.stage_changed", "v1.messages.upsert"})
	v.SetDefault("nats.events.maxAge", 7)
	v.SetDefault("nats.events.maxDeliver", 5)
	v.SetDefault("nats.events.nakBaseDelay", time.Second)
	v.SetDefault("nats.events.nakMaxDelay", 30*time.Second)
	v.SetDefault("nats.publishSubject", "v1.deals.stage_changed")
	v.SetDefault("nats.dlqStream", "crm_automation_dlq")
	v.SetDefault("nats.dlqSubject", "v1.dlq")
	v.SetDefault("nats.dlqWorkers", 8)
	v.SetDefault("nats.dlqBaseDelayMinutes", 1)
	v.SetDefault("nats.dlqMaxDelayMinutes", 15)
	v.SetDefault("nats.dlqMaxAgeDays", 7)
	v.SetDefault("nats.dlqMaxDeliver", 10)
	v.SetDefault("nats.dlqAckWait", 30*time.Second)
	v.SetDefault("nats.dlqMaxAckPending", 1000)

	v.SetDefault("database.postgresAutoMigrate", true)

	v.SetDefault("workerPools.automation.poolSize", 16)
	v.SetDefault("workerPools.automation.queueSize", 1000)
	v.SetDefault("workerPools.automation.expiryTime", time.Minute)

	v.SetDefault("automation.sweepEnabled", true)
	v.SetDefault("automation.sweepInterval", time.Minute)
	v.SetDefault("automation.sweepBatchSize", 200)
	v.SetDefault("automation.flowCallTimeout", 10*time.Second)
	v.SetDefault("automation.moveCallTimeout", 10*time.Second)
	v.SetDefault("automation.noTargetLogInterval", 24*time.Hour)
	v.SetDefault("automation.bulkStartMax", 500)
	v.SetDefault("automation.pendingGrace", 2*time.Minute)
	v.SetDefault("automation.replyMatchScope", ReplyScopeCurrentStage)

	v.SetDefault("flowRunner.baseURL", "http://localhost:8090")
	v.SetDefault("flowRunner.timeout", 10*time.Second)

	v.SetConfigName("default")
	v.SetConfigType("yaml")

	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./internal/config")
	v.AddConfigPath("$HOME/.daisi-crm-automation")
	v.AddConfigPath("/etc/daisi-crm-automation")

	if err := v.ReadInConfig(); err != nil {
		// missing file is fine, env vars and defaults still apply
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, Config{})

	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		v.Set("database.postgresDSN", dsn)
	}
	if lgLevel := os.Getenv("LOG_LEVEL"); lgLevel != "" {
		v.Set("logLevel", lgLevel)
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		v.Set("nats.url", url)
	}
	if company := os.Getenv("COMPANY_ID"); company != "" {
		v.Set("company.id", company)
	}
	if flowURL := os.Getenv("FLOW_RUNNER_URL"); flowURL != "" {
		v.Set("flowRunner.baseURL", flowURL)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.Automation.SweepInterval <= 0 {
		return fmt.Errorf("automation.sweepInterval must be positive")
	}
	if c.Automation.SweepBatchSize <= 0 {
		return fmt.Errorf("automation.sweepBatchSize must be positive")
	}
	switch c.Automation.ReplyMatchScope {
	case ReplyScopeCurrentStage, ReplyScopeAllOpen:
	default:
		return fmt.Errorf("automation.replyMatchScope must be %q or %q", ReplyScopeCurrentStage, ReplyScopeAllOpen)
	}
	if c.WorkerPools.Automation.PoolSize <= 0 {
		return fmt.Errorf("workerPools.automation.poolSize must be positive")
	}
	return nil
}

// bindEnvs recursively binds environment variables to config struct fields
func bindEnvs(v *viper.Viper, cfg interface{}, parts ...string) {
	ifv := reflect.ValueOf(cfg)
	ift := reflect.TypeOf(cfg)
	for i := 0; i < ift.NumField(); i++ {
		fieldVal := ifv.Field(i)
		fieldType := ift.Field(i)

		tag := fieldType.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}

		path := append(append([]string{}, parts...), tag)
		key := strings.Join(path, ".")

		if fieldType.Type.Kind() == reflect.Struct {
			bindEnvs(v, fieldVal.Interface(), path...)
			continue
		}

		_ = v.BindEnv(key)
	}
}
