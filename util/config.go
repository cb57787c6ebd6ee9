package util

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

const Name = "agora"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host                string
		HttpPort            int           `yaml:"httpPort"`
		SslDomain           string        `yaml:"sslDomain"`
		DbPath              string        `yaml:"dbPath"`
		LogLevel            string        `yaml:"logLevel"`
		FetchBudget         int           `yaml:"fetchBudget"`
		ActorCacheTTL       time.Duration `yaml:"actorCacheTTL"`
		DeliveryWorkers     int           `yaml:"deliveryWorkers"`
		DeliveryInterval    time.Duration `yaml:"deliveryInterval"`
		MaxDeliveryAttempts int           `yaml:"maxDeliveryAttempts"`
		AutoAcceptFollows   bool          `yaml:"autoAcceptFollows"`
		MaxBodyBytes        int64         `yaml:"maxBodyBytes"`
		InboxRateLimit      float64       `yaml:"inboxRateLimit"`
		InboxBurst          int           `yaml:"inboxBurst"`
		SlurFilter          string        `yaml:"slurFilter"`
	}
}

func ReadConf() (*AppConfig, error) {
	c := &AppConfig{}

	// Try to resolve config file path (local first, then user dir)
	configPath := ResolveFilePath(ConfigFileName)

	buf, err := os.ReadFile(configPath)
	if err != nil {
		log.Info("config file not found, using embedded defaults", "path", configPath)
		buf = embeddedConfig

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			if writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644); writeErr != nil {
				log.Warn("could not write default config", "path", userConfigPath, "err", writeErr)
			} else {
				log.Info("created default config file", "path", userConfigPath)
			}
		}
	}

	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	c.applyEnv()
	c.applyDefaults()
	return c, nil
}

func (c *AppConfig) applyEnv() {
	if v := os.Getenv("AGORA_HOST"); v != "" {
		c.Conf.Host = v
	}
	envInt("AGORA_HTTPPORT", &c.Conf.HttpPort)
	if v := os.Getenv("AGORA_SSLDOMAIN"); v != "" {
		c.Conf.SslDomain = v
	}
	if v := os.Getenv("AGORA_DBPATH"); v != "" {
		c.Conf.DbPath = v
	}
	if v := os.Getenv("AGORA_LOG_LEVEL"); v != "" {
		c.Conf.LogLevel = v
	}
	envInt("AGORA_FETCH_BUDGET", &c.Conf.FetchBudget)
	envDuration("AGORA_ACTOR_CACHE_TTL", &c.Conf.ActorCacheTTL)
	envInt("AGORA_DELIVERY_WORKERS", &c.Conf.DeliveryWorkers)
	envDuration("AGORA_DELIVERY_INTERVAL", &c.Conf.DeliveryInterval)
	envInt("AGORA_MAX_DELIVERY_ATTEMPTS", &c.Conf.MaxDeliveryAttempts)
	if v := os.Getenv("AGORA_AUTO_ACCEPT_FOLLOWS"); v != "" {
		c.Conf.AutoAcceptFollows = v == "true"
	}
	if v := os.Getenv("AGORA_MAX_BODY_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			log.Warn("ignoring invalid env value", "key", "AGORA_MAX_BODY_BYTES", "err", err)
		} else {
			c.Conf.MaxBodyBytes = n
		}
	}
	if v := os.Getenv("AGORA_INBOX_RATE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			log.Warn("ignoring invalid env value", "key", "AGORA_INBOX_RATE_LIMIT", "err", err)
		} else {
			c.Conf.InboxRateLimit = f
		}
	}
	envInt("AGORA_INBOX_BURST", &c.Conf.InboxBurst)
	if v := os.Getenv("AGORA_SLUR_FILTER"); v != "" {
		c.Conf.SlurFilter = v
	}
}

// applyDefaults fills zero values so a partial config file still yields a
// usable node.
func (c *AppConfig) applyDefaults() {
	if c.Conf.Host == "" {
		c.Conf.Host = "127.0.0.1"
	}
	if c.Conf.HttpPort == 0 {
		c.Conf.HttpPort = 9999
	}
	if c.Conf.SslDomain == "" {
		c.Conf.SslDomain = "localhost"
	}
	if c.Conf.DbPath == "" {
		c.Conf.DbPath = "agora.db"
	}
	if c.Conf.LogLevel == "" {
		c.Conf.LogLevel = "info"
	}
	if c.Conf.FetchBudget <= 0 {
		c.Conf.FetchBudget = 25
	}
	if c.Conf.ActorCacheTTL <= 0 {
		c.Conf.ActorCacheTTL = 24 * time.Hour
	}
	if c.Conf.DeliveryWorkers <= 0 {
		c.Conf.DeliveryWorkers = 4
	}
	if c.Conf.DeliveryInterval <= 0 {
		c.Conf.DeliveryInterval = 10 * time.Second
	}
	if c.Conf.MaxDeliveryAttempts <= 0 {
		c.Conf.MaxDeliveryAttempts = 10
	}
	if c.Conf.MaxBodyBytes <= 0 {
		c.Conf.MaxBodyBytes = 1 << 20
	}
	if c.Conf.InboxRateLimit <= 0 {
		c.Conf.InboxRateLimit = 5
	}
	if c.Conf.InboxBurst <= 0 {
		c.Conf.InboxBurst = 10
	}
}

// ConfigureLogging applies the configured level to the default logger.
func (c *AppConfig) ConfigureLogging() {
	level, err := log.ParseLevel(c.Conf.LogLevel)
	if err != nil {
		log.Warn("unknown log level, falling back to info", "level", c.Conf.LogLevel)
		level = log.InfoLevel
	}
	log.SetLevel(level)
}

func envInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn("ignoring invalid env value", "key", key, "err", err)
		return
	}
	*dst = n
}

func envDuration(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn("ignoring invalid env value", "key", key, "err", err)
		return
	}
	*dst = d
}
