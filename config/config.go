// Package config loads process settings for the replog binaries from
// defaults, an optional config file, REPLOG_* environment variables and
// bound command line flags, in increasing order of precedence.
package config

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const EnvPrefix = "REPLOG"

const (
	BackendMemory = "memory"
	BackendGit    = "git"
)

// Config holds the settings shared by the server and the client.
type Config struct {
	Actor       string `mapstructure:"actor"`
	Backend     string `mapstructure:"backend"`
	RepoPath    string `mapstructure:"repo-path"`
	LogName     string `mapstructure:"log-name"`
	ListenAddr  string `mapstructure:"listen-addr"`
	HubAddr     string `mapstructure:"hub-addr"`
	MetricsAddr string `mapstructure:"metrics-addr"`
	LogLevel    string `mapstructure:"log-level"`
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("actor", "hub")
	v.SetDefault("backend", BackendMemory)
	v.SetDefault("repo-path", "replog.git")
	v.SetDefault("log-name", "replog")
	v.SetDefault("listen-addr", ":50051")
	v.SetDefault("hub-addr", "localhost:50051")
	v.SetDefault("metrics-addr", ":9100")
	v.SetDefault("log-level", "info")
}

// Load reads path into v when it is not empty and returns the resulting
// settings. Flags bound to v before the call take precedence.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if c.Actor == "" {
		return errors.New("actor must not be empty")
	}
	switch c.Backend {
	case BackendMemory:
	case BackendGit:
		if c.RepoPath == "" {
			return errors.New("git backend needs repo-path")
		}
	default:
		return errors.Errorf("unknown backend %q", c.Backend)
	}
	return nil
}
