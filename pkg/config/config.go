package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Configuration struct {
	ListenAddr string
	Database   struct {
		User     string
		Password string
		Host     string
		DB       string
		SSLMode  string
	}
	Redis struct {
		Addr     string
		Password string
		DB       int
	}
	Mqtt     MqttSettings
	Pipeline PipelineSettings
}

type MqttSettings struct {
	// Broker is the network server's MQTT broker address, e.g.
	// tcp://chirpstack:1883. Ignored when Embedded is set.
	Broker   string
	ClientID string
	Username string
	Password string
	// Embedded starts an in-process broker instead of connecting out.
	// Intended for development and integration tests.
	Embedded     bool
	EmbeddedAddr string
	// ApplicationID is the network server application the displays and
	// sensors are provisioned under.
	ApplicationID string
	// DownlinkFPort is the port the display firmware listens on.
	DownlinkFPort int
}

type PipelineSettings struct {
	DispatchWorkers     int
	DispatchInterval    time.Duration
	VerificationTimeout time.Duration
	MaxAttempts         int
	RetryBaseDelay      time.Duration
	RetrySweepInterval  time.Duration

	JanitorInterval   time.Duration
	JanitorStaleAfter time.Duration
	// JanitorAction is what happens to stale entries pinned to an offline
	// gateway: "deadletter" or "requeue".
	JanitorAction string

	GatewayOfflineAfter  time.Duration
	HealthCacheTTL       time.Duration
	GatewayRatePerMinute int
	TenantRatePerMinute  int

	UnknownHold       time.Duration
	VerifiedHashTTL   time.Duration
	DeadLetterMaxSize int
	CommandTTL        time.Duration
}

// Load reads the configuration from the given file (or the default search
// path when empty), with DISPLAYD_* environment overrides.
func Load(path string) (*Configuration, error) {
	v := viper.New()

	v.SetDefault("listenaddr", ":8080")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.db", "displayd")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.clientid", "displayd")
	v.SetDefault("mqtt.embeddedaddr", ":1883")
	v.SetDefault("mqtt.downlinkfport", 10)
	v.SetDefault("pipeline.dispatchworkers", 4)
	v.SetDefault("pipeline.dispatchinterval", 1*time.Second)
	v.SetDefault("pipeline.verificationtimeout", 15*time.Second)
	v.SetDefault("pipeline.maxattempts", 3)
	v.SetDefault("pipeline.retrybasedelay", 30*time.Second)
	v.SetDefault("pipeline.retrysweepinterval", 5*time.Second)
	v.SetDefault("pipeline.janitorinterval", 5*time.Minute)
	v.SetDefault("pipeline.janitorstaleafter", 10*time.Minute)
	v.SetDefault("pipeline.janitoraction", "deadletter")
	v.SetDefault("pipeline.gatewayofflineafter", 5*time.Minute)
	v.SetDefault("pipeline.healthcachettl", 30*time.Second)
	v.SetDefault("pipeline.gatewayrateperminute", 30)
	v.SetDefault("pipeline.tenantrateperminute", 10)
	v.SetDefault("pipeline.unknownhold", 60*time.Second)
	v.SetDefault("pipeline.verifiedhashttl", 1*time.Hour)
	v.SetDefault("pipeline.deadlettermaxsize", 1000)
	v.SetDefault("pipeline.commandttl", 24*time.Hour)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("displayd")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/displayd")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("DISPLAYD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Missing config file is fine, defaults plus env cover it.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Configuration
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if cfg.Pipeline.JanitorAction != "deadletter" && cfg.Pipeline.JanitorAction != "requeue" {
		return nil, fmt.Errorf("invalid janitor action %q", cfg.Pipeline.JanitorAction)
	}

	return &cfg, nil
}

// PostgresDSN builds the lib/pq connection string.
func (c *Configuration) PostgresDSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host, c.Database.User, c.Database.Password, c.Database.DB, c.Database.SSLMode)
}
