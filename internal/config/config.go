// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the YAML configuration file.
package config

import (
	"os"
	"path/filepath"
	"time"

	"marmstrong/maillink/internal/homedir"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// IMAPConfig identifies one account's mail server.
type IMAPConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     string `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	TLS      bool   `mapstructure:"tls" yaml:"tls"`
}

// FormulaConfig holds the fitted constants of the timestamp formula.
// They model an undocumented provider scheme and may need re-fitting
// over time, so they live in configuration.
type FormulaConfig struct {
	Base   float64 `mapstructure:"base" yaml:"base"`
	Factor float64 `mapstructure:"factor" yaml:"factor"`
}

// WebLinkConfig configures web URL calculation for one account.
type WebLinkConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Strategy is "global" (chronological ranking against the
	// baseline) or "formula" (timestamp formula).  One account
	// must stick to one strategy; their stored IDs do not mix.
	Strategy string `mapstructure:"strategy" yaml:"strategy"`

	URLPrefix string `mapstructure:"url_prefix" yaml:"url_prefix"`

	// Baseline is the one trusted anchor message.
	BaselineFolder string    `mapstructure:"baseline_folder" yaml:"baseline_folder"`
	BaselineUID    uint32    `mapstructure:"baseline_uid" yaml:"baseline_uid"`
	BaselineID     int64     `mapstructure:"baseline_id" yaml:"baseline_id"`
	BaselineDate   time.Time `mapstructure:"baseline_date" yaml:"baseline_date"`

	// FolderIDs maps decoded folder names to the web interface's
	// numeric folder IDs.
	FolderIDs map[string]int64 `mapstructure:"folder_ids" yaml:"folder_ids"`

	Formula FormulaConfig `mapstructure:"formula" yaml:"formula"`

	// CookiesFile is a Netscape cookies.txt export holding the web
	// session; empty disables web API reconciliation.
	CookiesFile string `mapstructure:"cookies_file" yaml:"cookies_file"`

	// MatchWindowSec widens or narrows the reconciler's timestamp
	// match window, in seconds.
	MatchWindowSec int `mapstructure:"match_window_sec" yaml:"match_window_sec"`

	// CountPerFolder is how many provider-side messages the
	// reconciler fetches per folder.
	CountPerFolder int `mapstructure:"count_per_folder" yaml:"count_per_folder"`
}

// AccountConfig is one configured mail account.
type AccountConfig struct {
	Name    string        `mapstructure:"name" yaml:"name"`
	IMAP    IMAPConfig    `mapstructure:"imap" yaml:"imap"`
	WebLink WebLinkConfig `mapstructure:"weblink" yaml:"weblink"`
}

// Config is the top-level configuration.
type Config struct {
	// CachePath locates the SQLite cache; parent directories are
	// created on first use.
	CachePath string          `mapstructure:"cache_path" yaml:"cache_path"`
	Accounts  []AccountConfig `mapstructure:"accounts" yaml:"accounts"`
}

// DefaultPath returns ~/.config/maillink/config.yaml.
func DefaultPath() string {
	return filepath.Join(homedir.Get(), ".config", "maillink", "config.yaml")
}

func defaultConfig() *Config {
	return &Config{
		CachePath: filepath.Join(homedir.Get(), ".cache", "maillink", "cache.db"),
	}
}

// Load reads the configuration at path, falling back to defaults when
// the file does not exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("cache_path", filepath.Join(homedir.Get(), ".cache", "maillink", "cache.db"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return defaultConfig(), nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return defaultConfig(), nil
		}
		return nil, errors.Wrapf(err, "unable to read config %q", path)
	}

	cfg := defaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrapf(err, "unable to parse config %q", path)
	}
	cfg.CachePath = homedir.Expand(cfg.CachePath)

	for i := range cfg.Accounts {
		applyAccountDefaults(&cfg.Accounts[i])
	}
	return cfg, nil
}

func applyAccountDefaults(a *AccountConfig) {
	if a.IMAP.Port == "" {
		if a.IMAP.TLS {
			a.IMAP.Port = "993"
		} else {
			a.IMAP.Port = "143"
		}
	}
	if a.Name == "" {
		a.Name = a.IMAP.Username
	}
	w := &a.WebLink
	if w.Strategy == "" {
		w.Strategy = "global"
	}
	if w.MatchWindowSec == 0 {
		w.MatchWindowSec = 120
	}
	if w.CountPerFolder == 0 {
		w.CountPerFolder = 50
	}
	if w.CookiesFile != "" {
		w.CookiesFile = homedir.Expand(w.CookiesFile)
	}
}

// Account returns the named account, or the only one when name is
// empty and exactly one account is configured.
func (c *Config) Account(name string) (*AccountConfig, error) {
	if name == "" {
		if len(c.Accounts) == 1 {
			return &c.Accounts[0], nil
		}
		return nil, errors.New("multiple accounts configured; pick one with -account")
	}
	for i := range c.Accounts {
		if c.Accounts[i].Name == name {
			return &c.Accounts[i], nil
		}
	}
	return nil, errors.Errorf("no account named %q", name)
}

// MatchWindow returns the reconciler's timestamp window.
func (w *WebLinkConfig) MatchWindow() time.Duration {
	return time.Duration(w.MatchWindowSec) * time.Second
}
