// Package config resolves settings from flags, JUNO_LC_* environment
// variables and an optional config file, in that order of precedence.
package config

import (
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "JUNO_LC"

type Config struct {
	Network string

	DBDriver string
	DBDSN    string
	DBSchema string
	DBPath   string

	CacheDriver string
	CachePath   string

	MinConfirmations    int64
	CheckpointRetention int64
	CheckpointInterval  int64
	CacheRetention      int64
	ReorgStep           int64
	ScanBatch           int64
	Workers             int
	PollInterval        time.Duration

	ListenAddr string
	APIToken   string

	ZMQEndpoint string
	ZMQTopic    string

	BrokerDriver       string
	BrokerURL          string
	BrokerTopic        string
	BrokerPollInterval time.Duration
	BrokerBatchSize    int

	ProverBinary string
	SpendParams  string
	OutputParams string

	LogLevel    string
	LogFormat   string
	LogFile     string
	LogRotateKB int64
	LogMaxRolls int
}

// Register adds every setting as a flag on fs and returns a viper instance
// bound to those flags and the environment.
func Register(fs *pflag.FlagSet) *viper.Viper {
	fs.String("config", "", "Config file (yaml, toml or json)")
	fs.String("network", "regtest", "Network (mainnet, testnet, regtest)")

	fs.String("db-driver", "sqlite", "Data store driver (sqlite, postgres, mysql, rocksdb)")
	fs.String("db-dsn", "", "Data store DSN for postgres/mysql")
	fs.String("db-schema", "", "Postgres schema for the wallet tables (optional)")
	fs.String("db-path", "juno-lightclient.sqlite", "Data store path for sqlite/rocksdb")

	fs.String("cache-driver", "rocksdb", "Block cache driver (rocksdb, sqlite)")
	fs.String("cache-path", "juno-lightclient-cache", "Block cache path")

	fs.Int64("min-confirmations", 10, "Confirmations before a note is spendable")
	fs.Int64("checkpoint-retention", 100, "Recent tree states kept in full")
	fs.Int64("checkpoint-interval", 1000, "Older tree states kept at multiples of this height")
	fs.Int64("cache-retention", 1000, "Scanned blocks kept in the cache for rewinds (0 keeps all)")
	fs.Int64("reorg-step", 10, "Extra blocks to rewind on a repeated discontinuity")
	fs.Int64("scan-batch", 0, "Blocks scanned per pass (0 means no limit)")
	fs.Int("workers", 0, "Parallel trial decryptions (0 means GOMAXPROCS)")
	fs.Duration("poll-interval", 2*time.Second, "Cache poll interval when no block feed is configured")

	fs.String("listen", "127.0.0.1:8080", "HTTP listen address")
	fs.String("api-token", "", "Bearer token required by the HTTP API (optional)")

	fs.String("zmq-endpoint", "", "Optional ZMTP endpoint publishing compact blocks (tcp://host:port)")
	fs.String("zmq-topic", "compactblock", "ZMTP topic of the block feed")

	fs.String("broker-driver", "none", "Message broker driver (none, kafka, nats, rabbitmq)")
	fs.String("broker-url", "", "Message broker URL")
	fs.String("broker-topic", "juno.lightclient.events", "Message broker topic/subject/queue name")
	fs.Duration("broker-poll-interval", 500*time.Millisecond, "Event outbox poll interval")
	fs.Int("broker-batch-size", 100, "Event outbox batch size")

	fs.String("prover", "", "External prover binary")
	fs.String("spend-params", "", "Spend proving parameters file")
	fs.String("output-params", "", "Output proving parameters file")

	fs.String("log-level", "info", "Log level")
	fs.String("log-format", "text", "Log format (text, json)")
	fs.String("log-file", "", "Also log to this file, rotated by size")
	fs.Int64("log-rotate-kb", 10*1024, "Rotate the log file after this many KiB")
	fs.Int("log-max-rolls", 3, "Rotated log files to keep")

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindPFlags(fs)
	return v
}

// Load reads the config file, if one is named, and resolves every setting.
func Load(v *viper.Viper) (Config, error) {
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return Config{}, errors.Wrap(err, "reading config file")
			}
		}
	}

	cfg := Config{
		Network: v.GetString("network"),

		DBDriver: v.GetString("db-driver"),
		DBDSN:    v.GetString("db-dsn"),
		DBSchema: v.GetString("db-schema"),
		DBPath:   v.GetString("db-path"),

		CacheDriver: v.GetString("cache-driver"),
		CachePath:   v.GetString("cache-path"),

		MinConfirmations:    v.GetInt64("min-confirmations"),
		CheckpointRetention: v.GetInt64("checkpoint-retention"),
		CheckpointInterval:  v.GetInt64("checkpoint-interval"),
		CacheRetention:      v.GetInt64("cache-retention"),
		ReorgStep:           v.GetInt64("reorg-step"),
		ScanBatch:           v.GetInt64("scan-batch"),
		Workers:             v.GetInt("workers"),
		PollInterval:        v.GetDuration("poll-interval"),

		ListenAddr: v.GetString("listen"),
		APIToken:   v.GetString("api-token"),

		ZMQEndpoint: v.GetString("zmq-endpoint"),
		ZMQTopic:    v.GetString("zmq-topic"),

		BrokerDriver:       v.GetString("broker-driver"),
		BrokerURL:          v.GetString("broker-url"),
		BrokerTopic:        v.GetString("broker-topic"),
		BrokerPollInterval: v.GetDuration("broker-poll-interval"),
		BrokerBatchSize:    v.GetInt("broker-batch-size"),

		ProverBinary: v.GetString("prover"),
		SpendParams:  v.GetString("spend-params"),
		OutputParams: v.GetString("output-params"),

		LogLevel:    v.GetString("log-level"),
		LogFormat:   v.GetString("log-format"),
		LogFile:     v.GetString("log-file"),
		LogRotateKB: v.GetInt64("log-rotate-kb"),
		LogMaxRolls: v.GetInt("log-max-rolls"),
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.MinConfirmations <= 0 {
		return fmt.Errorf("config: min-confirmations must be positive, got %d", c.MinConfirmations)
	}
	if c.CheckpointRetention < 0 || c.CheckpointInterval < 0 || c.CacheRetention < 0 {
		return errors.New("config: retention settings must not be negative")
	}
	if c.ReorgStep <= 0 {
		return fmt.Errorf("config: reorg-step must be positive, got %d", c.ReorgStep)
	}
	return nil
}
