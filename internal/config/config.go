// Package config loads engine configuration from compiled-in defaults, an
// optional YAML file, and environment variable overrides, in that order.
package config

import (
	"os"
	"strconv"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable named in the wire surface.
type Config struct {
	DBDir            string `yaml:"db_dir"`
	PageSize         int    `yaml:"page_size"`
	CacheCapacity    int    `yaml:"cache_capacity"`
	MaxVarCharSize   int    `yaml:"max_varchar_size"`
	MaxTableNameSize int    `yaml:"max_table_name_size"`
	MaxColNameSize   int    `yaml:"max_col_name_size"`
	MaxUsernameSize  int    `yaml:"max_username_size"`
	ThreadMaxNum     int    `yaml:"thread_maxnum"`
	CheckpointCron   string `yaml:"checkpoint_cron"`
}

// Defaults returns the engine's compiled-in configuration.
func Defaults() Config {
	return Config{
		DBDir:            "./data",
		PageSize:         4096,
		CacheCapacity:    1024,
		MaxVarCharSize:   1 << 16,
		MaxTableNameSize: 64,
		MaxColNameSize:   64,
		MaxUsernameSize:  64,
		ThreadMaxNum:     0,
		CheckpointCron:   "@every 5m",
	}
}

// Load builds a Config by layering an optional YAML file over the defaults,
// then applying environment variable overrides. path may be empty, in which
// case only defaults + environment are used.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, errors.Wrapf(err, "reading config file %s", path)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "parsing config file %s", path)
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DB_DIR"); v != "" {
		cfg.DBDir = v
	}
	setIntEnv("PAGE_SIZE", &cfg.PageSize)
	setIntEnv("CACHE_CAPACITY", &cfg.CacheCapacity)
	setIntEnv("MAX_VARCHAR_SIZE", &cfg.MaxVarCharSize)
	setIntEnv("MAX_TABLE_NAME_SIZE", &cfg.MaxTableNameSize)
	setIntEnv("MAX_COL_NAME_SIZE", &cfg.MaxColNameSize)
	setIntEnv("MAX_USERNAME_SIZE", &cfg.MaxUsernameSize)
	setIntEnv("THREAD_MAXNUM", &cfg.ThreadMaxNum)
	if v := os.Getenv("CHECKPOINT_CRON"); v != "" {
		cfg.CheckpointCron = v
	}
}

func setIntEnv(name string, dst *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}
