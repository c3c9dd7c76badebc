package cmd

import (
	"errors"
	"fmt"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestSetVersionInfo(t *testing.T) {
	origVersion := versionInfo.Version
	origCommit := versionInfo.Commit
	origBuildDate := versionInfo.BuildDate
	defer func() {
		SetVersionInfo(origVersion, origCommit, origBuildDate)
	}()

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{"set all values", "1.0.0", "abc123", "2024-01-15"},
		{"set dev version", "dev", "HEAD", "unknown"},
		{"set empty values", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)

			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)
		})
	}
}

func TestGetAppIdentity(t *testing.T) {
	t.Run("returns nil before init", func(t *testing.T) {
		orig := appIdentity
		appIdentity = nil
		defer func() { appIdentity = orig }()

		assert.Nil(t, GetAppIdentity())
	})

	t.Run("returns identity after load", func(t *testing.T) {
		withTestConfig(t)
		id := GetAppIdentity()
		if assert.NotNil(t, id) {
			assert.Equal(t, "sessiond", id.BinaryName)
			assert.Equal(t, "SESSIOND_", id.EnvPrefix)
		}
	})
}

func TestSetDefaults(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	setDefaults()

	assert.Equal(t, "localhost", viper.GetString("server.host"))
	assert.Equal(t, 8080, viper.GetInt("server.port"))
	assert.Equal(t, "30s", viper.GetString("server.read_timeout"))
	assert.Equal(t, "10s", viper.GetString("server.shutdown_timeout"))
	assert.Equal(t, "info", viper.GetString("logging.level"))
	assert.Equal(t, "structured", viper.GetString("logging.profile"))
	assert.True(t, viper.GetBool("health.enabled"))
	assert.Equal(t, "sqlite", viper.GetString("jobs.store.driver"))
	assert.False(t, viper.GetBool("broadcast.redis.enabled"))
	assert.Equal(t, "default", viper.GetString("session.instance_name"))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(errors.New("plain")))

	err := exitError(foundry.ExitInvalidArgument, "Invalid --limit", errors.New("must be >= 0"))
	assert.Equal(t, foundry.ExitInvalidArgument, ExitCode(err))
	assert.Equal(t, foundry.ExitInvalidArgument, ExitCode(fmt.Errorf("wrapped: %w", err)))
	assert.EqualError(t, err, "Invalid --limit: must be >= 0")

	inner := errors.New("disk")
	assert.ErrorIs(t, exitError(foundry.ExitFileWriteError, "write", inner), inner)
}

func TestLoadRuntimeAppliesLogFlags(t *testing.T) {
	isolateConfig(t)
	logLevelFlag, logProfileFlag = "debug", "console"
	defer func() { logLevelFlag, logProfileFlag = "", "" }()

	assert.NoError(t, loadRuntime(rootCmd, nil))
	assert.Equal(t, "debug", appConfig.Logging.Level)
	assert.Equal(t, "CONSOLE", appConfig.Logging.Profile)

	logLevelFlag = "loud"
	err := loadRuntime(rootCmd, nil)
	assert.Error(t, err)
	assert.Equal(t, foundry.ExitInvalidArgument, ExitCode(err))
}
