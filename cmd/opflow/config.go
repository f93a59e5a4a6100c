package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config holds all opflow configuration.
// Priority: CLI flags > env vars > settings.json > defaults.
type Config struct {
	DBDriver                      string   `json:"db_driver"`
	DBURL                         string   `json:"db_url"`
	BusProvider                   string   `json:"bus_provider"`
	KafkaBrokers                  []string `json:"kafka_brokers"`
	KafkaConsumerGroup            string   `json:"kafka_consumer_group"`
	LogLevel                      string   `json:"log_level"`
	LogFormat                     string   `json:"log_format"`
	PoolSize                      int      `json:"pool_size"`
	NotifyMaxAttempts             int      `json:"notify_max_attempts"`
	TimeoutSweep                  string   `json:"timeout_sweep"`
	PostponementSweep             string   `json:"postponement_sweep"`
	RetentionLimit                int      `json:"retention_limit"`
	RestartFailedAtExecutionLimit bool     `json:"restart_failed_at_execution_limit"`
	DefinitionsDir                string   `json:"definitions_dir"`
	OTELEnabled                   bool     `json:"otel_enabled"`
}

const (
	driverLibSQL   = "libsql"
	driverPostgres = "postgres"
	driverMemory   = "memory"

	busGoChannel = "gochannel"
	busKafka     = "kafka"
)

func defaultConfig() Config {
	return Config{
		DBDriver:           driverLibSQL,
		DBURL:              filepath.Join(opflowDir(), "opflow.db"),
		BusProvider:        busGoChannel,
		KafkaConsumerGroup: "opflow",
		LogLevel:           "info",
		LogFormat:          "text",
		PoolSize:           4,
		NotifyMaxAttempts:  3,
		TimeoutSweep:       "@every 30s",
		PostponementSweep:  "@every 1m",
	}
}

func opflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".opflow"
	}
	return filepath.Join(home, ".opflow")
}

func settingsPath() string {
	return filepath.Join(opflowDir(), "settings.json")
}

func loadConfig() (Config, error) {
	return loadConfigFrom(settingsPath(), os.Getenv)
}

// loadConfigFrom layers the settings file at path (ignored if missing) and
// the OPFLOW_* variables read through getenv over the defaults.
func loadConfigFrom(path string, getenv func(string) string) (Config, error) {
	cfg := defaultConfig()

	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	flag := func(key string, dst *bool) {
		if v := getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	str("OPFLOW_DB_DRIVER", &cfg.DBDriver)
	str("OPFLOW_DB_URL", &cfg.DBURL)
	str("OPFLOW_BUS_PROVIDER", &cfg.BusProvider)
	if v := getenv("OPFLOW_KAFKA_BROKERS"); v != "" {
		cfg.KafkaBrokers = splitList(v)
	}
	str("OPFLOW_KAFKA_CONSUMER_GROUP", &cfg.KafkaConsumerGroup)
	str("OPFLOW_LOG_LEVEL", &cfg.LogLevel)
	str("OPFLOW_LOG_FORMAT", &cfg.LogFormat)
	num("OPFLOW_POOL_SIZE", &cfg.PoolSize)
	num("OPFLOW_NOTIFY_MAX_ATTEMPTS", &cfg.NotifyMaxAttempts)
	str("OPFLOW_TIMEOUT_SWEEP", &cfg.TimeoutSweep)
	str("OPFLOW_POSTPONEMENT_SWEEP", &cfg.PostponementSweep)
	num("OPFLOW_RETENTION_LIMIT", &cfg.RetentionLimit)
	flag("OPFLOW_RESTART_FAILED_AT_EXECUTION_LIMIT", &cfg.RestartFailedAtExecutionLimit)
	str("OPFLOW_DEFINITIONS_DIR", &cfg.DefinitionsDir)
	flag("OPFLOW_OTEL_ENABLED", &cfg.OTELEnabled)

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.DBDriver {
	case driverLibSQL, driverPostgres, driverMemory:
	default:
		return fmt.Errorf("unknown db_driver %q", c.DBDriver)
	}
	switch c.BusProvider {
	case busGoChannel:
	case busKafka:
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("bus_provider kafka requires kafka_brokers")
		}
	default:
		return fmt.Errorf("unknown bus_provider %q", c.BusProvider)
	}
	if c.RetentionLimit < 0 {
		return fmt.Errorf("retention_limit must not be negative")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	Changed         []string // every changed key
	RestartNeeded   []string // keys that only take effect after a restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	restart := func(key string, changed bool) {
		if changed {
			d.Changed = append(d.Changed, key)
			d.RestartNeeded = append(d.RestartNeeded, key)
		}
	}

	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
		d.Changed = append(d.Changed, "log_level")
	}
	restart("db_driver", old.DBDriver != new.DBDriver)
	restart("db_url", old.DBURL != new.DBURL)
	restart("bus_provider", old.BusProvider != new.BusProvider)
	restart("kafka_brokers", strings.Join(old.KafkaBrokers, ",") != strings.Join(new.KafkaBrokers, ","))
	restart("kafka_consumer_group", old.KafkaConsumerGroup != new.KafkaConsumerGroup)
	restart("log_format", old.LogFormat != new.LogFormat)
	restart("pool_size", old.PoolSize != new.PoolSize)
	restart("notify_max_attempts", old.NotifyMaxAttempts != new.NotifyMaxAttempts)
	restart("timeout_sweep", old.TimeoutSweep != new.TimeoutSweep)
	restart("postponement_sweep", old.PostponementSweep != new.PostponementSweep)
	restart("retention_limit", old.RetentionLimit != new.RetentionLimit)
	restart("restart_failed_at_execution_limit", old.RestartFailedAtExecutionLimit != new.RestartFailedAtExecutionLimit)
	restart("definitions_dir", old.DefinitionsDir != new.DefinitionsDir)
	restart("otel_enabled", old.OTELEnabled != new.OTELEnabled)
	return d
}
