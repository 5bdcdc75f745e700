package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/zeromicro/go-zero/core/conf"
	"github.com/zeromicro/go-zero/core/service"

	exchangepkg "perparb/pkg/exchange"
	strategypkg "perparb/pkg/strategy"
)

// PostgresConf mirrors goctl style database settings while allowing pool tuning.
type PostgresConf struct {
	DSN string `json:",optional"`
	// MaxOpen defaults to the evaluation concurrency cap plus headroom; zero
	// means derive it at wiring time.
	MaxOpen int `json:",default=0,optional"`
	MaxIdle int `json:",default=4"`
}

// Config is the application configuration for the strategy binaries.
type Config struct {
	service.ServiceConf

	// Env indicates the running environment: test | dev | prod.
	Env string `json:",default=dev"`

	// MetricsListenAddr serves the Prometheus registry; empty disables it.
	MetricsListenAddr string `json:",default=:9102,optional"`

	// JournalDir is where lifecycle events are written; empty disables the journal.
	JournalDir string `json:",optional"`

	Postgres PostgresConf `json:",optional"`

	Exchange Section[exchangepkg.Config] `json:",optional"`
	Strategy Section[strategypkg.Config] `json:",optional"`

	mainPath string
}

// IsTestEnv reports whether the config targets the test environment.
func (c *Config) IsTestEnv() bool {
	return strings.EqualFold(strings.TrimSpace(c.Env), "test")
}

// MainPath returns the path the config was loaded from.
func (c *Config) MainPath() string { return c.mainPath }

// Load reads the main application config and parses the referenced exchange
// and strategy sub-configs.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := conf.Load(path, &cfg, conf.UseEnv()); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	cfg.mainPath = path

	base := filepath.Dir(path)
	if err := cfg.Exchange.load(base, exchangepkg.LoadConfig); err != nil {
		return nil, err
	}
	if err := cfg.Strategy.load(base, strategypkg.LoadConfig); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MustLoad loads the configuration or panics.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
