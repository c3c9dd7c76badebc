package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fulmenhq/gofulmen/appidentity"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate keeps a developer's own config file and data dir out of the test.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("SESSIOND_DATA_DIR", filepath.Join(dir, "data"))
	t.Setenv("SESSIOND_CONFIG", "")
	return dir
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadDefaults", func(t *testing.T) {
		dir := isolate(t)

		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)
		assert.True(t, cfg.Health.Enabled)

		assert.Equal(t, StoreDriverSQLite, cfg.Jobs.Store.Driver)
		assert.Equal(t, filepath.Join(dir, "data", "jobs.db"), cfg.Jobs.Store.Path)
		assert.Equal(t, 4.0, cfg.Jobs.UpdatesPerSecond)
		assert.Equal(t, "sessiond", cfg.Jobs.SystemUser)
		assert.Equal(t, 168*time.Hour, cfg.Jobs.RetainFor)

		assert.False(t, cfg.Broadcast.Redis.Enabled)
		assert.Equal(t, "sessiond:jobs", cfg.Broadcast.Redis.ChannelPrefix)

		assert.Equal(t, "default", cfg.Session.InstanceName)
		assert.Equal(t, filepath.Join(dir, "data", "reattach", "default.json"), cfg.Session.ReattachPath)
		assert.Equal(t, 10*time.Second, cfg.Session.StopGrace)
		assert.Equal(t, 8080, cfg.Session.APIPort, "daemons call back on the HTTP port")
		assert.Equal(t, "515.1640", cfg.Session.EngineVersion)
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		isolate(t)
		overrides := map[string]any{
			"server": map[string]any{
				"port": 9000,
				"host": "0.0.0.0",
			},
			"logging": map[string]any{
				"level": "debug",
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		isolate(t)
		t.Setenv("SESSIOND_PORT", "3000")
		t.Setenv("SESSIOND_LOG_LEVEL", "warn")
		t.Setenv("SESSIOND_REDIS_ENABLED", "true")
		t.Setenv("SESSIOND_REDIS_ADDR", "redis:6379")
		t.Setenv("SESSIOND_JOBS_STORE_DRIVER", "file")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.True(t, cfg.Broadcast.Redis.Enabled)
		assert.Equal(t, "redis:6379", cfg.Broadcast.Redis.Addr)
		assert.Equal(t, StoreDriverFile, cfg.Jobs.Store.Driver)
		assert.Equal(t, "jobs", filepath.Base(cfg.Jobs.Store.Path))
	})

	t.Run("ConfigPrecedence", func(t *testing.T) {
		isolate(t)
		t.Setenv("SESSIOND_PORT", "4000")

		cfg, err := Load(ctx, map[string]any{"server": map[string]any{"port": 5000}})
		require.NoError(t, err)
		assert.Equal(t, 5000, cfg.Server.Port)
	})

	t.Run("ConfigFile", func(t *testing.T) {
		dir := isolate(t)
		path := filepath.Join(dir, "custom.yaml")
		require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 7777\nsession:\n  instance_name: staging\n"), 0o644))
		t.Setenv("SESSIOND_CONFIG", path)
		t.Setenv("SESSIOND_PORT", "7778")

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 7778, cfg.Server.Port, "env beats file")
		assert.Equal(t, "staging", cfg.Session.InstanceName)
		assert.Equal(t, "staging.json", filepath.Base(cfg.Session.ReattachPath))
	})

	t.Run("DiscoveredConfigFile", func(t *testing.T) {
		dir := isolate(t)
		appDir := filepath.Join(dir, "config", "sessiond")
		require.NoError(t, os.MkdirAll(appDir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(appDir, "config.yaml"), []byte("server:\n  port: 6001\n"), 0o644))

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 6001, cfg.Server.Port)
	})

	t.Run("InjectedIdentity", func(t *testing.T) {
		isolate(t)
		t.Setenv("STAGED_PORT", "6100")
		t.Setenv("SESSIOND_PORT", "6200")
		id := appidentity.NewFixture(func(id *appidentity.Identity) {
			id.BinaryName = "staged"
			id.EnvPrefix = "STAGED_"
			id.ConfigName = "staged"
		})

		cfg, err := Load(appidentity.WithIdentity(ctx, id))
		require.NoError(t, err)
		assert.Equal(t, 6100, cfg.Server.Port)
		assert.Contains(t, getUserConfigPaths()[0], filepath.Join("staged", "config.yaml"))
	})

	t.Run("InvalidDriver", func(t *testing.T) {
		isolate(t)
		_, err := Load(ctx, map[string]any{"jobs": map[string]any{"store": map[string]any{"driver": "postgres"}}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "jobs.store.driver")
	})
}

func TestGetConfig(t *testing.T) {
	isolate(t)
	cfg, err := Load(context.Background())
	require.NoError(t, err)

	retrieved := GetConfig()
	require.NotNil(t, retrieved)
	assert.Equal(t, cfg.Server.Port, retrieved.Server.Port)
}

func TestResolveIdentityUsesEmbedded(t *testing.T) {
	id, err := ResolveIdentity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sessiond", id.BinaryName)
	assert.Equal(t, "SESSIOND_", id.EnvPrefix)
	assert.Equal(t, "SESSIOND_PORT", id.EnvVar("PORT"))
}

func TestEnvSpecs(t *testing.T) {
	isolate(t)
	_, err := Load(context.Background())
	require.NoError(t, err)

	specs := getEnvSpecs()
	require.NotEmpty(t, specs)

	names := make(map[string]bool)
	for _, spec := range specs {
		names[spec.Name] = true
		assert.Contains(t, spec.Name, "SESSIOND_")
		assert.NotEmpty(t, spec.Path, "env var %s should have a path", spec.Name)
	}
	assert.True(t, names["SESSIOND_LOG_LEVEL"])
	assert.True(t, names["SESSIOND_PORT"])
	assert.True(t, names["SESSIOND_HOST"])
	assert.True(t, names["SESSIOND_JOBS_STORE_URL"])
}

func TestDurationParsing(t *testing.T) {
	isolate(t)
	t.Setenv("SESSIOND_READ_TIMEOUT", "45s")
	t.Setenv("SESSIOND_SHUTDOWN_TIMEOUT", "5m")

	cfg, err := Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Server.ShutdownTimeout)
}

// resetAppIdentity resets package state for isolated tests.
func resetAppIdentity() {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = nil
	appConfig = nil
}

func TestNilIdentity(t *testing.T) {
	resetAppIdentity()
	defer func() {
		isolate(t)
		_, _ = Load(context.Background())
	}()

	assert.Empty(t, getUserConfigPaths())
	assert.Empty(t, getEnvSpecs())
	assert.Nil(t, GetConfig())
}

func TestSetDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	assert.Equal(t, "localhost", v.GetString("server.host"))
	assert.Equal(t, 8080, v.GetInt("server.port"))
	assert.Equal(t, "structured", v.GetString("logging.profile"))
	assert.Equal(t, "sqlite", v.GetString("jobs.store.driver"))
	assert.Equal(t, 4.0, v.GetFloat64("jobs.updates_per_second"))
}

func TestRedacted(t *testing.T) {
	cfg := Config{}
	cfg.Jobs.Store.AuthToken = "secret"
	cfg.Broadcast.Redis.Password = "hunter2"

	r := cfg.Redacted()
	assert.Equal(t, "****", r.Jobs.Store.AuthToken)
	assert.Equal(t, "****", r.Broadcast.Redis.Password)
	assert.Equal(t, "secret", cfg.Jobs.Store.AuthToken)
}

func TestFlatten(t *testing.T) {
	got := flatten("", map[string]any{
		"a": 1,
		"b": map[string]any{"c": "x", "d": map[string]any{"e": true}},
	})
	assert.Equal(t, map[string]any{"a": 1, "b.c": "x", "b.d.e": true}, got)
}
