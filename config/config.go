/*
Package config loads ledgerd configuration.

LOAD ORDER (later wins):
  1. Defaults()
  2. YAML file (path passed to Load; empty = skip)
  3. .env file in the working directory, if present (never overrides real
     environment variables)
  4. LEDGER_* environment variables

EXAMPLE:
  server:
    port: 8080
  database:
    path: ledger.db
  redis:
    enabled: true
    addr: localhost:6379
  timezone: Asia/Kolkata
  fees:
    default_percentage: "0.03"
    lookup_timeout: 2s
  scheduler:
    enabled: true
    interval: 15m
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/incentive-ledger/fees"
	"github.com/warp/incentive-ledger/generic"
	"github.com/warp/incentive-ledger/incentive"
)

const envPrefix = "LEDGER_"

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Log        LogConfig        `yaml:"log"`
	Timezone   string           `yaml:"timezone"`
	Program    string           `yaml:"program"` // slab/fee/settings document; empty = built-in default
	Fees       FeesConfig       `yaml:"fees"`
	Incentives IncentivesConfig `yaml:"incentives"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Notify     NotifyConfig     `yaml:"notify"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins"`
}

func (s ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

type DatabaseConfig struct {
	Path string `yaml:"path"` // ":memory:" runs without persistence
}

type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type FeesConfig struct {
	DefaultPercentage string        `yaml:"default_percentage"` // fraction, "0.03" = 3%
	LookupTimeout     time.Duration `yaml:"lookup_timeout"`
}

type IncentivesConfig struct {
	DailyDrawThreshold   int64  `yaml:"daily_draw_threshold"`
	MonthlyDrawThreshold int64  `yaml:"monthly_draw_threshold"`
	ReferralThreshold    int64  `yaml:"referral_threshold"`
	ReferralBonus        string `yaml:"referral_bonus"`
	DailyDrawPrize       string `yaml:"daily_draw_prize"`
	MonthlyDrawPrize     string `yaml:"monthly_draw_prize"`
}

type SchedulerConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

type NotifyConfig struct {
	QueueSize int    `yaml:"queue_size"`
	Redis     bool   `yaml:"redis"` // publish on Redis in addition to the log sink
	Channel   string `yaml:"channel"`
}

func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			CORSOrigins:     []string{"*"},
		},
		Database: DatabaseConfig{Path: "ledger.db"},
		Redis: RedisConfig{
			Addr:    "localhost:6379",
			LockTTL: 10 * time.Second,
		},
		Log: LogConfig{Level: "info"},
		Fees: FeesConfig{
			DefaultPercentage: "0.03",
			LookupTimeout:     2 * time.Second,
		},
		Incentives: IncentivesConfig{
			DailyDrawThreshold:   100,
			MonthlyDrawThreshold: 10000,
			ReferralThreshold:    100,
			ReferralBonus:        "100",
			DailyDrawPrize:       "500",
			MonthlyDrawPrize:     "10000",
		},
		Scheduler: SchedulerConfig{Interval: 15 * time.Minute},
		Notify: NotifyConfig{
			QueueSize: 256,
			Channel:   "ledger:notifications",
		},
	}
}

// Load builds the configuration. A missing file at an explicit path is an
// error; a missing .env is not.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

type envVar struct {
	name string
	set  func(c *Config, v string) error
}

var envVars = []envVar{
	{"SERVER_HOST", func(c *Config, v string) error { c.Server.Host = v; return nil }},
	{"SERVER_PORT", func(c *Config, v string) error { return setInt(&c.Server.Port, v) }},
	{"SERVER_CORS_ORIGINS", func(c *Config, v string) error { c.Server.CORSOrigins = splitList(v); return nil }},
	{"DATABASE_PATH", func(c *Config, v string) error { c.Database.Path = v; return nil }},
	{"REDIS_ENABLED", func(c *Config, v string) error { return setBool(&c.Redis.Enabled, v) }},
	{"REDIS_ADDR", func(c *Config, v string) error { c.Redis.Addr = v; return nil }},
	{"REDIS_PASSWORD", func(c *Config, v string) error { c.Redis.Password = v; return nil }},
	{"REDIS_DB", func(c *Config, v string) error { return setInt(&c.Redis.DB, v) }},
	{"LOG_LEVEL", func(c *Config, v string) error { c.Log.Level = v; return nil }},
	{"LOG_PRETTY", func(c *Config, v string) error { return setBool(&c.Log.Pretty, v) }},
	{"TIMEZONE", func(c *Config, v string) error { c.Timezone = v; return nil }},
	{"PROGRAM", func(c *Config, v string) error { c.Program = v; return nil }},
	{"FEES_DEFAULT_PERCENTAGE", func(c *Config, v string) error { c.Fees.DefaultPercentage = v; return nil }},
	{"FEES_LOOKUP_TIMEOUT", func(c *Config, v string) error { return setDuration(&c.Fees.LookupTimeout, v) }},
	{"SCHEDULER_ENABLED", func(c *Config, v string) error { return setBool(&c.Scheduler.Enabled, v) }},
	{"SCHEDULER_INTERVAL", func(c *Config, v string) error { return setDuration(&c.Scheduler.Interval, v) }},
	{"NOTIFY_REDIS", func(c *Config, v string) error { return setBool(&c.Notify.Redis, v) }},
	{"NOTIFY_CHANNEL", func(c *Config, v string) error { c.Notify.Channel = v; return nil }},
}

func applyEnv(cfg *Config) error {
	for _, ev := range envVars {
		v, ok := os.LookupEnv(envPrefix + ev.name)
		if !ok {
			continue
		}
		if err := ev.set(cfg, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, ev.name, err)
		}
	}
	return nil
}

func setInt(dst *int, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setBool(dst *bool, v string) error {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, v string) error {
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// =============================================================================
// VALIDATION AND CONVERSION
// =============================================================================

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required when redis is enabled"))
	}
	if c.Notify.Redis && !c.Redis.Enabled {
		errs = append(errs, errors.New("notify.redis needs redis.enabled"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.FeeConfig(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.IncentiveConfig(); err != nil {
		errs = append(errs, err)
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		errs = append(errs, errors.New("scheduler.interval must be positive"))
	}
	return errors.Join(errs...)
}

// Location is the server timezone; empty means the host's local zone.
func (c Config) Location() (*time.Location, error) {
	return generic.LoadLocation(c.Timezone, time.Local)
}

func (c Config) FeeConfig() (fees.Config, error) {
	pct, err := decimal.NewFromString(c.Fees.DefaultPercentage)
	if err != nil {
		return fees.Config{}, fmt.Errorf("fees.default_percentage %q: %w", c.Fees.DefaultPercentage, err)
	}
	if pct.IsNegative() || pct.GreaterThan(decimal.NewFromInt(1)) {
		return fees.Config{}, fmt.Errorf("fees.default_percentage %s must be a fraction between 0 and 1", pct)
	}
	return fees.Config{DefaultPercentage: pct, LookupTimeout: c.Fees.LookupTimeout}, nil
}

func (c Config) IncentiveConfig() (incentive.Config, error) {
	loc, err := c.Location()
	if err != nil {
		return incentive.Config{}, err
	}
	out := incentive.Config{
		Location:             loc,
		DailyDrawThreshold:   c.Incentives.DailyDrawThreshold,
		MonthlyDrawThreshold: c.Incentives.MonthlyDrawThreshold,
		ReferralThreshold:    c.Incentives.ReferralThreshold,
	}
	amounts := []struct {
		field string
		raw   string
		dst   *generic.Amount
	}{
		{"incentives.referral_bonus", c.Incentives.ReferralBonus, &out.ReferralBonus},
		{"incentives.daily_draw_prize", c.Incentives.DailyDrawPrize, &out.DailyDrawPrize},
		{"incentives.monthly_draw_prize", c.Incentives.MonthlyDrawPrize, &out.MonthlyDrawPrize},
	}
	for _, a := range amounts {
		v, err := generic.ParseAmount(a.raw)
		if err != nil {
			return incentive.Config{}, fmt.Errorf("%s %q: %w", a.field, a.raw, err)
		}
		if v.IsNegative() {
			return incentive.Config{}, fmt.Errorf("%s must not be negative", a.field)
		}
		*a.dst = v
	}
	if out.DailyDrawThreshold < 0 || out.MonthlyDrawThreshold < 0 || out.ReferralThreshold < 0 {
		return incentive.Config{}, errors.New("incentives thresholds must not be negative")
	}
	return out, nil
}
