package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Engine EngineConfig `mapstructure:"engine"`
	Ledger LedgerConfig `mapstructure:"ledger"`
	Store  StoreConfig  `mapstructure:"store"`
	Feed   FeedConfig   `mapstructure:"feed"`
	Log    LogConfig    `mapstructure:"log"`
}

type EngineConfig struct {
	SettleDelay  time.Duration `mapstructure:"settle_delay"`
	BacklogDelay time.Duration `mapstructure:"backlog_delay"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
}

type LedgerConfig struct {
	URL              string        `mapstructure:"url"`
	Identity         string        `mapstructure:"identity"`
	SubmitTimeout    time.Duration `mapstructure:"submit_timeout"`
	ResponseTimeout  time.Duration `mapstructure:"response_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`

	ReconnectMaxInterval time.Duration `mapstructure:"reconnect_max_interval"`
}

type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type FeedConfig struct {
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
}

type RabbitMQConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	URL                  string        `mapstructure:"url"`
	Exchange             string        `mapstructure:"exchange"`
	Queue                string        `mapstructure:"queue"`
	RoutingKeys          []string      `mapstructure:"routing_keys"`
	ConsumerTag          string        `mapstructure:"consumer_tag"`
	PrefetchCount        int           `mapstructure:"prefetch_count"`
	Workers              int           `mapstructure:"workers"`
	DeliveryQueue        int           `mapstructure:"delivery_queue"`
	ReconnectMaxInterval time.Duration `mapstructure:"reconnect_max_interval"`
	Username             string        `mapstructure:"username"`
	Password             string        `mapstructure:"password"`
	TLS                  TLSConfig     `mapstructure:"tls"`
}

type KafkaConfig struct {
	Enabled        bool      `mapstructure:"enabled"`
	Brokers        []string  `mapstructure:"brokers"`
	Topics         []string  `mapstructure:"topics"`
	GroupID        string    `mapstructure:"group_id"`
	ClientID       string    `mapstructure:"client_id"`
	WorkerCount    int       `mapstructure:"worker_count"`
	MaxPollRecords int       `mapstructure:"max_poll_records"`
	QueueCapacity  int       `mapstructure:"queue_capacity"`
	TLS            TLSConfig `mapstructure:"tls"`
}

type TLSConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
	ServerName         string `mapstructure:"server_name"`
	CAFile             string `mapstructure:"ca_file"`
	CertFile           string `mapstructure:"cert_file"`
	KeyFile            string `mapstructure:"key_file"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("civicsync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.settle_delay", "250ms")
	v.SetDefault("engine.backlog_delay", "0s")
	v.SetDefault("engine.drain_timeout", "30s")
	v.SetDefault("ledger.identity", "civicsync")
	v.SetDefault("ledger.submit_timeout", "15s")
	v.SetDefault("ledger.response_timeout", "10s")
	v.SetDefault("ledger.handshake_timeout", "10s")
	v.SetDefault("ledger.reconnect_max_interval", "30s")
	v.SetDefault("store.path", "civicsync.db")
	v.SetDefault("log.level", "info")
}

func (c Config) Validate() error {
	if c.Ledger.URL == "" {
		return fmt.Errorf("ledger.url is required")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if !c.Feed.RabbitMQ.Enabled && !c.Feed.Kafka.Enabled {
		return fmt.Errorf("at least one feed adapter must be enabled")
	}
	if c.Engine.DrainTimeout <= 0 {
		return fmt.Errorf("engine.drain_timeout must be positive")
	}
	return nil
}
