// Package config loads the agent configuration: defaults, then an optional
// YAML file, then MONITOR_* environment variables. Command line flags are
// applied by the caller before Validate.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/host"
	"gopkg.in/yaml.v3"

	"github.com/jaewooli/connwatch/capturer"
	"github.com/jaewooli/connwatch/logger"
)

const (
	DefaultServerURL       = "http://localhost:3000"
	DefaultRefreshInterval = 10 * time.Second
	DefaultReportTimeout   = 5 * time.Second
	DefaultRegisterTimeout = 15 * time.Second
)

type Config struct {
	ServerURL  string `yaml:"server_url"`
	Token      string `yaml:"token"`
	DeviceName string `yaml:"device_name"`
	// Interval is the refresh interval in whole seconds.
	Interval int `yaml:"interval"`

	Source          string        `yaml:"source"` // auto | tool | native
	ReportTimeout   time.Duration `yaml:"report_timeout"`
	RegisterTimeout time.Duration `yaml:"register_timeout"`

	MetricsAddr string `yaml:"metrics_addr"`
	SummaryFile string `yaml:"summary_file"`

	Log logger.Config `yaml:"log"`
}

func (c Config) RefreshInterval() time.Duration {
	return time.Duration(c.Interval) * time.Second
}

func Default() Config {
	return Config{
		ServerURL:       DefaultServerURL,
		Interval:        int(DefaultRefreshInterval / time.Second),
		Source:          capturer.SourceAuto,
		ReportTimeout:   DefaultReportTimeout,
		RegisterTimeout: DefaultRegisterTimeout,
		Log:             logger.DefaultConfig(),
	}
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Token) == "" {
		errs = append(errs, errors.New("auth token is required"))
	}
	if c.Interval <= 0 {
		errs = append(errs, fmt.Errorf("interval must be > 0, got %d", c.Interval))
	}
	if u, err := url.Parse(c.ServerURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("server url %q must be an absolute http(s) url", c.ServerURL))
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		errs = append(errs, errors.New("device name is empty"))
	}
	if !capturer.ValidSource(c.Source) {
		errs = append(errs, fmt.Errorf("unknown source %q (want auto, tool or native)", c.Source))
	}
	if c.ReportTimeout < 0 || c.RegisterTimeout < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	return errors.Join(errs...)
}

type Loader struct {
	config     []string
	configFile string

	Getenv     func(string) string
	HostnameFn func() string
}

func NewLoader() *Loader {
	return &Loader{
		Getenv:     os.Getenv,
		HostnameFn: DefaultDeviceName,
	}
}

func (l *Loader) SetConfig(configs ...string) {
	l.config = configs
}

func (l *Loader) SetConfigFile(path string) {
	l.configFile = path
}

func (l *Loader) Load() (Config, error) {
	cfg := Default()

	raw, err := l.rawConfig()
	if err != nil {
		return cfg, err
	}
	if raw = strings.TrimSpace(raw); raw != "" {
		if err := yaml.Unmarshal([]byte(raw), &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := l.applyEnv(&cfg); err != nil {
		return cfg, err
	}

	if cfg.DeviceName == "" && l.HostnameFn != nil {
		cfg.DeviceName = l.HostnameFn()
	}
	return cfg, nil
}

func (l *Loader) rawConfig() (string, error) {
	switch {
	case len(l.config) > 0:
		return strings.Join(l.config, "\n"), nil
	case l.configFile != "":
		data, err := os.ReadFile(l.configFile)
		if err != nil {
			return "", fmt.Errorf("read config file %q: %w", l.configFile, err)
		}
		return string(data), nil
	}
	return "", nil
}

func (l *Loader) applyEnv(cfg *Config) error {
	getenv := l.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	setString := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	setString("MONITOR_SERVER_URL", &cfg.ServerURL)
	setString("MONITOR_AUTH_TOKEN", &cfg.Token)
	setString("MONITOR_DEVICE_NAME", &cfg.DeviceName)
	setString("MONITOR_SOURCE", &cfg.Source)
	setString("MONITOR_METRICS_ADDR", &cfg.MetricsAddr)
	setString("MONITOR_SUMMARY_FILE", &cfg.SummaryFile)
	setString("LOG_LEVEL", &cfg.Log.Level)

	if v := strings.TrimSpace(getenv("MONITOR_REFRESH_INTERVAL")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MONITOR_REFRESH_INTERVAL: %w", err)
		}
		cfg.Interval = n
	}
	if v := strings.ToLower(strings.TrimSpace(getenv("DEBUG"))); v != "" {
		cfg.Log.Debug = v == "true" || v == "1" || v == "yes" || v == "on"
	}
	return nil
}

// DefaultDeviceName is the host name, as gopsutil reports it.
func DefaultDeviceName() string {
	if info, err := host.Info(); err == nil && info.Hostname != "" {
		return info.Hostname
	}
	if name, err := os.Hostname(); err == nil && name != "" {
		return name
	}
	return "unknown-device"
}
