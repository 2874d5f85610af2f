// SPDX-License-Identifier: Apache-2.0

// Package config loads the daemon configuration from a file and PERP_
// environment variables.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"perun.network/perun-perp-backend/chain"
)

// EnvPrefix prefixes every environment override, for example
// PERP_PRICE_FEED_INTERVAL=30s.
const EnvPrefix = "PERP"

var ErrInvalidConfig = errors.New("invalid config")

type (
	// Config is the configuration of the daemon.
	Config struct {
		Listen         string         `mapstructure:"listen"`
		PeerURL        string         `mapstructure:"peer_url"`
		PeerTimeout    time.Duration  `mapstructure:"peer_timeout"`
		StateDir       string         `mapstructure:"state_dir"`
		RoundTimeout   time.Duration  `mapstructure:"round_timeout"`
		SettleInterval time.Duration  `mapstructure:"settle_interval"`
		Log            Log            `mapstructure:"log"`
		PriceFeed      PriceFeed      `mapstructure:"price_feed"`
		Chains         []chain.Config `mapstructure:"chains"`
	}

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	}

	// PriceFeed configures the price poller. An empty URL disables it.
	PriceFeed struct {
		URL      string        `mapstructure:"url"`
		Asset    string        `mapstructure:"asset"`
		Interval time.Duration `mapstructure:"interval"`
	}
)

var defaults = map[string]any{
	"listen":              ":3031",
	"peer_url":            "http://localhost:3031",
	"peer_timeout":        30 * time.Second,
	"state_dir":           "state",
	"round_timeout":       30 * time.Second,
	"settle_interval":     time.Duration(0),
	"log.level":           "info",
	"log.format":          "text",
	"price_feed.url":      "",
	"price_feed.asset":    "bitcoin",
	"price_feed.interval": 60 * time.Second,
}

// Load reads the file at path, if any, and applies the environment on top
// of it.
func Load(path string) (Config, error) {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "reading %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "decoding config")
	}
	return cfg, cfg.Validate()
}

// Validate checks the values Load cannot check by type.
func (c Config) Validate() error {
	if c.Listen == "" {
		return errors.WithMessage(ErrInvalidConfig, "empty listen address")
	}
	if c.RoundTimeout <= 0 {
		return errors.WithMessagef(ErrInvalidConfig, "round timeout %v", c.RoundTimeout)
	}
	if c.SettleInterval < 0 {
		return errors.WithMessagef(ErrInvalidConfig, "settle interval %v", c.SettleInterval)
	}
	if _, err := c.Log.ParseLevel(); err != nil {
		return err
	}
	if _, err := c.Log.Formatter(); err != nil {
		return err
	}
	names := make(map[string]bool, len(c.Chains))
	for _, ch := range c.Chains {
		n := strings.ToLower(ch.Name)
		if n == "" || ch.Kind == "" {
			return errors.WithMessagef(ErrInvalidConfig, "chain %q needs name and kind", ch.Name)
		}
		if names[n] {
			return errors.WithMessagef(ErrInvalidConfig, "duplicate chain %q", ch.Name)
		}
		names[n] = true
	}
	return nil
}

// ParseLevel returns the logrus level of l.
func (l Log) ParseLevel() (logrus.Level, error) {
	lvl, err := logrus.ParseLevel(l.Level)
	return lvl, errors.WithMessage(err, "log level")
}

// Formatter returns the logrus formatter named by l.Format.
func (l Log) Formatter() (logrus.Formatter, error) {
	switch strings.ToLower(l.Format) {
	case "", "text":
		return &logrus.TextFormatter{FullTimestamp: true}, nil
	case "json":
		return &logrus.JSONFormatter{}, nil
	default:
		return nil, errors.WithMessagef(ErrInvalidConfig, "log format %q", l.Format)
	}
}
