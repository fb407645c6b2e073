package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Store      StoreConfig      `mapstructure:"store"`
	MySQL      MySQLConfig      `mapstructure:"mysql"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Etcd       EtcdConfig       `mapstructure:"etcd"`
	Transport  TransportConfig  `mapstructure:"transport"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Drain      DrainConfig      `mapstructure:"drain"`
	Rate       RateConfig       `mapstructure:"rate"`
	Warmup     WarmupConfig     `mapstructure:"warmup"`
	Controller ControllerConfig `mapstructure:"controller"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Window     WindowConfig     `mapstructure:"window"`
}

type ServerConfig struct {
	Environment string `mapstructure:"environment"`
	Port        string `mapstructure:"port"`
}

type StoreConfig struct {
	Kind string `mapstructure:"kind"` // memory | mysql | redis
}

type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type EtcdConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type TransportConfig struct {
	URL     string        `mapstructure:"url"`
	Secret  string        `mapstructure:"secret"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type AuthConfig struct {
	SigningKey string `mapstructure:"signing_key"`
}

type DrainConfig struct {
	BatchSize     int           `mapstructure:"batch_size"`
	Concurrency   int           `mapstructure:"concurrency"`
	IdleSleep     time.Duration `mapstructure:"idle_sleep"`
	InflightHold  time.Duration `mapstructure:"inflight_hold"`
	StatsInterval time.Duration `mapstructure:"stats_interval"`
}

type RateConfig struct {
	Initial              int     `mapstructure:"initial"`
	Min                  int     `mapstructure:"min"`
	Max                  int     `mapstructure:"max"`
	AdditiveStep         int     `mapstructure:"additive_step"`
	MultiplicativeFactor float64 `mapstructure:"multiplicative_factor"`
}

type WarmupConfig struct {
	Rate     int           `mapstructure:"rate"`
	Duration time.Duration `mapstructure:"duration"`
}

type ControllerConfig struct {
	RampInterval     time.Duration `mapstructure:"ramp_interval"`
	ErrorThreshold   float64       `mapstructure:"error_threshold"`
	LatencyThreshold time.Duration `mapstructure:"latency_threshold"`
}

type BreakerConfig struct {
	FailureThreshold  int           `mapstructure:"failure_threshold"`
	OpenDuration      time.Duration `mapstructure:"open_duration"`
	HalfOpenDuration  time.Duration `mapstructure:"half_open_duration"`
	HalfOpenProbeRate int           `mapstructure:"half_open_probe_rate"`
}

type RetryConfig struct {
	Max        int           `mapstructure:"max"`
	BackoffCap time.Duration `mapstructure:"backoff_cap"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	Jitter     time.Duration `mapstructure:"jitter"`
	JitterType string        `mapstructure:"jitter_type"` // random | full | decorrelated
}

type WindowConfig struct {
	Duration time.Duration `mapstructure:"duration"`
}

func setDefaults() {
	viper.SetDefault("server.environment", "dev")
	viper.SetDefault("server.port", ":8080")
	viper.SetDefault("store.kind", "mysql")
	viper.SetDefault("etcd.enabled", false)
	viper.SetDefault("etcd.dial_timeout", 5*time.Second)
	viper.SetDefault("transport.timeout", 10*time.Second)

	viper.SetDefault("drain.batch_size", 200)
	viper.SetDefault("drain.concurrency", 6)
	viper.SetDefault("drain.idle_sleep", 300*time.Millisecond)
	viper.SetDefault("drain.inflight_hold", 5*time.Second)
	viper.SetDefault("drain.stats_interval", 5*time.Second)

	viper.SetDefault("rate.initial", 5)
	viper.SetDefault("rate.min", 1)
	viper.SetDefault("rate.max", 100)
	viper.SetDefault("rate.additive_step", 1)
	viper.SetDefault("rate.multiplicative_factor", 0.5)

	viper.SetDefault("warmup.rate", 1)
	viper.SetDefault("warmup.duration", 60*time.Second)

	viper.SetDefault("controller.ramp_interval", 30*time.Second)
	viper.SetDefault("controller.error_threshold", 0.05)
	viper.SetDefault("controller.latency_threshold", 400*time.Millisecond)

	viper.SetDefault("breaker.failure_threshold", 10)
	viper.SetDefault("breaker.open_duration", 30*time.Second)
	viper.SetDefault("breaker.half_open_duration", 10*time.Second)
	viper.SetDefault("breaker.half_open_probe_rate", 3)

	viper.SetDefault("retry.max", 8)
	viper.SetDefault("retry.backoff_cap", 300*time.Second)
	viper.SetDefault("retry.base_delay", time.Second)
	viper.SetDefault("retry.jitter", time.Second)
	viper.SetDefault("retry.jitter_type", "random")

	viper.SetDefault("window.duration", 30*time.Second)
}

func Load() *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix("HERD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		panic(err)
	}

	return &cfg
}
