// Package config loads sessiond configuration from defaults, an optional
// YAML file, SESSIOND_* environment variables and runtime overrides, in
// increasing order of precedence.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/appidentity"
	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	identityassets "github.com/3leaps/sessiond/internal/assets/identity"
)

var registerIdentity sync.Once

// ResolveIdentity returns the application identity. A .fulmen/app.yaml found
// by gofulmen discovery wins over the embedded one, and an identity injected
// with appidentity.WithIdentity wins over both.
func ResolveIdentity(ctx context.Context) (*appidentity.Identity, error) {
	registerIdentity.Do(func() {
		_ = appidentity.RegisterEmbeddedIdentityYAML(identityassets.AppYAML)
	})
	id, err := appidentity.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve app identity: %w", err)
	}
	return id, nil
}

type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Health    HealthConfig    `mapstructure:"health" yaml:"health"`
	Jobs      JobsConfig      `mapstructure:"jobs" yaml:"jobs"`
	Broadcast BroadcastConfig `mapstructure:"broadcast" yaml:"broadcast"`
	Session   SessionConfig   `mapstructure:"session" yaml:"session"`
	DataDir   string          `mapstructure:"data_dir" yaml:"data_dir"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level" yaml:"level"`
	Profile string `mapstructure:"profile" yaml:"profile"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

type JobsConfig struct {
	Store            StoreConfig `mapstructure:"store" yaml:"store"`
	UpdatesPerSecond float64     `mapstructure:"updates_per_second" yaml:"updates_per_second"`
	SystemUser       string      `mapstructure:"system_user" yaml:"system_user"`
	// RetainFor is the default age for jobs gc.
	RetainFor time.Duration `mapstructure:"retain_for" yaml:"retain_for"`
}

// Store drivers.
const (
	StoreDriverSQLite = "sqlite"
	StoreDriverFile   = "file"
)

type StoreConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"`
	// Path is the database file (sqlite) or the record directory (file).
	Path      string `mapstructure:"path" yaml:"path"`
	URL       string `mapstructure:"url" yaml:"url,omitempty"`
	AuthToken string `mapstructure:"auth_token" yaml:"auth_token,omitempty"`
}

type BroadcastConfig struct {
	Redis RedisConfig `mapstructure:"redis" yaml:"redis"`
}

type RedisConfig struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr          string `mapstructure:"addr" yaml:"addr"`
	Password      string `mapstructure:"password" yaml:"password,omitempty"`
	DB            int    `mapstructure:"db" yaml:"db"`
	ChannelPrefix string `mapstructure:"channel_prefix" yaml:"channel_prefix"`
}

type SessionConfig struct {
	InstanceName           string        `mapstructure:"instance_name" yaml:"instance_name"`
	DiagnosticsDir         string        `mapstructure:"diagnostics_dir" yaml:"diagnostics_dir"`
	ReattachPath           string        `mapstructure:"reattach_path" yaml:"reattach_path"`
	// DaemonPath is the daemon executable of the local engine install.
	DaemonPath             string        `mapstructure:"daemon_path" yaml:"daemon_path"`
	EngineVersion          string        `mapstructure:"engine_version" yaml:"engine_version"`
	APIPort                int           `mapstructure:"api_port" yaml:"api_port"`
	HighPriorityLive       bool          `mapstructure:"high_priority_live" yaml:"high_priority_live"`
	LowPriorityDeployments bool          `mapstructure:"low_priority_deployments" yaml:"low_priority_deployments"`
	CheckPager             bool          `mapstructure:"check_pager" yaml:"check_pager"`
	PagerProcessName       string        `mapstructure:"pager_process_name" yaml:"pager_process_name"`
	StopGrace              time.Duration `mapstructure:"stop_grace" yaml:"stop_grace"`
	// TrustCommand registers a deployment before a launch that needs a
	// firewall or trust exception. The DMB path is appended as the last
	// argument. Empty skips the step.
	TrustCommand string `mapstructure:"trust_command" yaml:"trust_command"`
	// LogRetention is the default age for logs gc.
	LogRetention time.Duration `mapstructure:"log_retention" yaml:"log_retention"`
}

// EnvSpec maps one environment variable to a config key.
type EnvSpec struct {
	Name string
	Path string
}

var envKeys = []struct {
	suffix string
	path   string
}{
	{"HOST", "server.host"},
	{"PORT", "server.port"},
	{"READ_TIMEOUT", "server.read_timeout"},
	{"WRITE_TIMEOUT", "server.write_timeout"},
	{"IDLE_TIMEOUT", "server.idle_timeout"},
	{"SHUTDOWN_TIMEOUT", "server.shutdown_timeout"},
	{"LOG_LEVEL", "logging.level"},
	{"LOG_PROFILE", "logging.profile"},
	{"HEALTH_ENABLED", "health.enabled"},
	{"DATA_DIR", "data_dir"},
	{"JOBS_STORE_DRIVER", "jobs.store.driver"},
	{"JOBS_STORE_PATH", "jobs.store.path"},
	{"JOBS_STORE_URL", "jobs.store.url"},
	{"JOBS_STORE_AUTH_TOKEN", "jobs.store.auth_token"},
	{"JOBS_UPDATES_PER_SECOND", "jobs.updates_per_second"},
	{"REDIS_ENABLED", "broadcast.redis.enabled"},
	{"REDIS_ADDR", "broadcast.redis.addr"},
	{"REDIS_PASSWORD", "broadcast.redis.password"},
	{"REDIS_DB", "broadcast.redis.db"},
	{"INSTANCE_NAME", "session.instance_name"},
	{"DIAGNOSTICS_DIR", "session.diagnostics_dir"},
	{"REATTACH_PATH", "session.reattach_path"},
	{"DAEMON_PATH", "session.daemon_path"},
	{"ENGINE_VERSION", "session.engine_version"},
	{"TRUST_COMMAND", "session.trust_command"},
}

var (
	configMu    sync.RWMutex
	appIdentity *appidentity.Identity
	appConfig   *Config
)

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("health.enabled", true)

	v.SetDefault("data_dir", "")
	v.SetDefault("jobs.store.driver", StoreDriverSQLite)
	v.SetDefault("jobs.store.path", "")
	v.SetDefault("jobs.store.url", "")
	v.SetDefault("jobs.store.auth_token", "")
	v.SetDefault("jobs.updates_per_second", 4.0)
	v.SetDefault("jobs.system_user", "sessiond")
	v.SetDefault("jobs.retain_for", "168h")

	v.SetDefault("broadcast.redis.enabled", false)
	v.SetDefault("broadcast.redis.addr", "localhost:6379")
	v.SetDefault("broadcast.redis.password", "")
	v.SetDefault("broadcast.redis.db", 0)
	v.SetDefault("broadcast.redis.channel_prefix", "sessiond:jobs")

	v.SetDefault("session.instance_name", "default")
	v.SetDefault("session.diagnostics_dir", "")
	v.SetDefault("session.reattach_path", "")
	v.SetDefault("session.daemon_path", "")
	v.SetDefault("session.engine_version", "515.1640")
	v.SetDefault("session.api_port", 0)
	v.SetDefault("session.high_priority_live", false)
	v.SetDefault("session.low_priority_deployments", true)
	v.SetDefault("session.check_pager", false)
	v.SetDefault("session.pager_process_name", "byond")
	v.SetDefault("session.stop_grace", "10s")
	v.SetDefault("session.trust_command", "")
	v.SetDefault("session.log_retention", "720h")
}

// Load builds the effective configuration. Later overrides win over earlier
// ones and over every other source.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id, err := ResolveIdentity(ctx)
	if err != nil {
		return nil, err
	}
	configMu.Lock()
	appIdentity = id
	configMu.Unlock()

	v := viper.New()
	SetDefaults(v)

	if err := readConfigFile(v, id); err != nil {
		return nil, err
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	applyDerivedDefaults(&cfg, id)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the configuration from the last successful Load.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Validate rejects configurations serve cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Jobs.Store.Driver {
	case StoreDriverSQLite, StoreDriverFile:
	default:
		errs = append(errs, fmt.Errorf("jobs.store.driver %q: expected %s or %s", c.Jobs.Store.Driver, StoreDriverSQLite, StoreDriverFile))
	}
	if c.Jobs.UpdatesPerSecond <= 0 {
		errs = append(errs, fmt.Errorf("jobs.updates_per_second must be > 0"))
	}
	if c.Session.APIPort < 0 || c.Session.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("session.api_port %d out of range", c.Session.APIPort))
	}
	if c.Broadcast.Redis.Enabled && strings.TrimSpace(c.Broadcast.Redis.Addr) == "" {
		errs = append(errs, fmt.Errorf("broadcast.redis.addr is required when redis is enabled"))
	}
	return errors.Join(errs...)
}

// Redacted returns a copy with secrets masked, for display.
func (c Config) Redacted() Config {
	if c.Jobs.Store.AuthToken != "" {
		c.Jobs.Store.AuthToken = "****"
	}
	if c.Broadcast.Redis.Password != "" {
		c.Broadcast.Redis.Password = "****"
	}
	return c
}

func applyDerivedDefaults(cfg *Config, id *appidentity.Identity) {
	cfg.Logging.Profile = strings.ToUpper(strings.TrimSpace(cfg.Logging.Profile))

	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = gfconfig.GetAppDataDir(id.ConfigName)
	}
	if cfg.Jobs.Store.Path == "" {
		if cfg.Jobs.Store.Driver == StoreDriverFile {
			cfg.Jobs.Store.Path = filepath.Join(cfg.DataDir, "jobs")
		} else {
			cfg.Jobs.Store.Path = filepath.Join(cfg.DataDir, "jobs.db")
		}
	}
	if cfg.Session.DiagnosticsDir == "" {
		cfg.Session.DiagnosticsDir = filepath.Join(cfg.DataDir, "diagnostics")
	}
	if cfg.Session.APIPort == 0 {
		cfg.Session.APIPort = cfg.Server.Port
	}
	if cfg.Session.ReattachPath == "" {
		cfg.Session.ReattachPath = filepath.Join(cfg.DataDir, "reattach", cfg.Session.InstanceName+".json")
	}
}

// readConfigFile reads <PREFIX>CONFIG when set, otherwise the first file
// found on the gofulmen app config search path.
func readConfigFile(v *viper.Viper, id *appidentity.Identity) error {
	path := strings.TrimSpace(os.Getenv(id.EnvVar("CONFIG")))
	if path == "" {
		for _, candidate := range getUserConfigPaths() {
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				path = candidate
				break
			}
		}
	}
	if path == "" {
		return nil
	}

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

// getUserConfigPaths lists the config files searched, most preferred first.
func getUserConfigPaths() []string {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []string{}
	}
	return gfconfig.GetAppConfigPaths(id.ConfigName)
}

func getEnvSpecs() []EnvSpec {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []EnvSpec{}
	}

	specs := make([]EnvSpec, 0, len(envKeys))
	for _, k := range envKeys {
		specs = append(specs, EnvSpec{Name: id.EnvVar(k.suffix), Path: k.path})
	}
	return specs
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}
