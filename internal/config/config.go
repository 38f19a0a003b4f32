// Package config loads graphhostd settings from a YAML or TOML file with
// GRAPHHOST_ environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"graphhost/internal/host"
	"graphhost/internal/ingest/kafka"
	natsingest "graphhost/internal/ingest/nats"
	"graphhost/internal/ingest/rabbitmq"
	"graphhost/internal/logging"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Ingest  IngestConfig  `mapstructure:"ingest"`
	Feature FeatureConfig `mapstructure:"feature"`
}

type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	MaxQueuedFrames int           `mapstructure:"max_queued_frames"`
	OverflowPolicy  string        `mapstructure:"overflow_policy"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
	Path    string `mapstructure:"path"`
}

type IngestConfig struct {
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
	NATS     NATSConfig     `mapstructure:"nats"`
}

type TLSConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
	ServerName         string `mapstructure:"server_name"`
	CAFile             string `mapstructure:"ca_file"`
	CertFile           string `mapstructure:"cert_file"`
	KeyFile            string `mapstructure:"key_file"`
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
	ParseMode      string    `mapstructure:"parse_mode"`
	TLS            TLSConfig `mapstructure:"tls"`
}

type RabbitMQConfig struct {
	Enabled       bool      `mapstructure:"enabled"`
	URL           string    `mapstructure:"url"`
	Endpoints     []string  `mapstructure:"endpoints"`
	Exchange      string    `mapstructure:"exchange"`
	Queue         string    `mapstructure:"queue"`
	RoutingKeys   []string  `mapstructure:"routing_keys"`
	ConsumerTag   string    `mapstructure:"consumer_tag"`
	PrefetchCount int       `mapstructure:"prefetch_count"`
	ManualAck     bool      `mapstructure:"manual_ack"`
	ParseMode     string    `mapstructure:"parse_mode"`
	Workers       int       `mapstructure:"workers"`
	DeliveryQueue int       `mapstructure:"delivery_queue"`
	Username      string    `mapstructure:"username"`
	Password      string    `mapstructure:"password"`
	TLS           TLSConfig `mapstructure:"tls"`
}

type NATSConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	Subjects      []string      `mapstructure:"subjects"`
	QueueGroup    string        `mapstructure:"queue_group"`
	ClientName    string        `mapstructure:"client_name"`
	ParseMode     string        `mapstructure:"parse_mode"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	Token         string        `mapstructure:"token"`
	TLS           TLSConfig     `mapstructure:"tls"`
}

type FeatureConfig struct {
	AllowMultipleBridges bool `mapstructure:"allow_multiple_bridges"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("graphhost")
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
	v.SetDefault("server.address", host.DefaultAddress)
	v.SetDefault("server.write_timeout", 50*time.Millisecond)
	v.SetDefault("server.max_queued_frames", 0)
	v.SetDefault("server.overflow_policy", string(host.OverflowDropOldest))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logging.FormatJSON)
	v.SetDefault("metrics.address", ":9464")
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("ingest.kafka.group_id", "graphhost")
	v.SetDefault("ingest.kafka.parse_mode", "json_envelope")
	v.SetDefault("ingest.rabbitmq.exchange", "graphhost.samples")
	v.SetDefault("ingest.rabbitmq.queue", "graphhost.ingest")
	v.SetDefault("ingest.rabbitmq.manual_ack", true)
	v.SetDefault("ingest.rabbitmq.prefetch_count", 64)
	v.SetDefault("ingest.rabbitmq.workers", 4)
	v.SetDefault("ingest.rabbitmq.delivery_queue", 256)
	v.SetDefault("ingest.rabbitmq.parse_mode", "json_envelope")
	v.SetDefault("ingest.nats.parse_mode", "json_envelope")
	v.SetDefault("feature.allow_multiple_bridges", true)
}

func (c Config) Validate() error {
	if err := c.HostConfig().Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := logging.Validate(c.Log.Level, c.Log.Format); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return fmt.Errorf("metrics.address is required when metrics are enabled")
	}
	if err := c.Ingest.Kafka.Adapter().Validate(); err != nil {
		return err
	}
	if err := c.Ingest.RabbitMQ.Adapter().Validate(); err != nil {
		return err
	}
	if err := c.Ingest.NATS.Adapter().Validate(); err != nil {
		return err
	}
	if !c.Feature.AllowMultipleBridges && c.EnabledBridges() > 1 {
		return fmt.Errorf("multiple bridges enabled while feature.allow_multiple_bridges=false")
	}
	return nil
}

func (c Config) EnabledBridges() int {
	n := 0
	for _, on := range []bool{c.Ingest.Kafka.Enabled, c.Ingest.RabbitMQ.Enabled, c.Ingest.NATS.Enabled} {
		if on {
			n++
		}
	}
	return n
}

func (c Config) HostConfig() host.Config {
	return host.Config{
		Address:         c.Server.Address,
		WriteTimeout:    c.Server.WriteTimeout,
		MaxQueuedFrames: c.Server.MaxQueuedFrames,
		OverflowPolicy:  host.OverflowPolicy(c.Server.OverflowPolicy),
	}
}

func (k KafkaConfig) Adapter() kafka.Config {
	return kafka.Config{
		Enabled:        k.Enabled,
		Brokers:        k.Brokers,
		Topics:         k.Topics,
		GroupID:        k.GroupID,
		ClientID:       k.ClientID,
		WorkerCount:    k.WorkerCount,
		MaxPollRecords: k.MaxPollRecords,
		QueueCapacity:  k.QueueCapacity,
		ParseMode:      k.ParseMode,
		TLS:            kafka.TLSConfig{Enabled: k.TLS.Enabled, InsecureSkipVerify: k.TLS.InsecureSkipVerify},
	}
}

func (r RabbitMQConfig) Adapter() rabbitmq.Config {
	return rabbitmq.Config{
		Enabled:       r.Enabled,
		URL:           r.URL,
		Endpoints:     r.Endpoints,
		Exchange:      r.Exchange,
		Queue:         r.Queue,
		RoutingKeys:   r.RoutingKeys,
		ConsumerTag:   r.ConsumerTag,
		PrefetchCount: r.PrefetchCount,
		ManualAck:     r.ManualAck,
		ParseMode:     r.ParseMode,
		Workers:       r.Workers,
		DeliveryQueue: r.DeliveryQueue,
		Auth:          rabbitmq.AuthConfig{Username: r.Username, Password: r.Password},
		TLS: rabbitmq.TLSConfig{
			Enabled:            r.TLS.Enabled,
			InsecureSkipVerify: r.TLS.InsecureSkipVerify,
			ServerName:         r.TLS.ServerName,
			CAFile:             r.TLS.CAFile,
			CertFile:           r.TLS.CertFile,
			KeyFile:            r.TLS.KeyFile,
		},
	}
}

func (n NATSConfig) Adapter() natsingest.Config {
	return natsingest.Config{
		Enabled:       n.Enabled,
		URL:           n.URL,
		Subjects:      n.Subjects,
		QueueGroup:    n.QueueGroup,
		ClientName:    n.ClientName,
		ParseMode:     n.ParseMode,
		MaxReconnects: n.MaxReconnects,
		ReconnectWait: n.ReconnectWait,
		Auth:          natsingest.AuthConfig{Username: n.Username, Password: n.Password, Token: n.Token},
		TLS:           natsingest.TLSConfig{Enabled: n.TLS.Enabled, CertFile: n.TLS.CertFile, KeyFile: n.TLS.KeyFile, CAFile: n.TLS.CAFile},
	}
}
