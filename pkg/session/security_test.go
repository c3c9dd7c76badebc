package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnforceSecurityFloor(t *testing.T) {
	tests := []struct {
		requested SecurityLevel
		floor     SecurityLevel
		want      SecurityLevel
	}{
		{SecurityUltrasafe, SecurityUltrasafe, SecurityUltrasafe},
		{SecurityUltrasafe, SecuritySafe, SecuritySafe},
		{SecurityUltrasafe, SecurityTrusted, SecurityTrusted},
		{SecuritySafe, SecurityUltrasafe, SecuritySafe},
		{SecuritySafe, SecurityTrusted, SecurityTrusted},
		{SecurityTrusted, SecurityUltrasafe, SecurityTrusted},
		{SecurityTrusted, SecuritySafe, SecurityTrusted},
	}
	for _, tt := range tests {
		t.Run(tt.requested.Word()+"/"+tt.floor.Word(), func(t *testing.T) {
			got := EnforceSecurityFloor(tt.requested, tt.floor)
			assert.Equal(t, tt.want, got)
			assert.False(t, tt.requested.MorePrivilegedThan(got), "floor must never relax the request")
		})
	}
}

func TestParseWords(t *testing.T) {
	l, err := ParseSecurityLevel(" Safe ")
	require.NoError(t, err)
	assert.Equal(t, SecuritySafe, l)

	_, err = ParseSecurityLevel("paranoid")
	assert.Error(t, err)

	v, err := ParseVisibility("invisible")
	require.NoError(t, err)
	assert.Equal(t, VisibilityInvisible, v)
	assert.Equal(t, "private", VisibilityPrivate.String())
}

func TestCapabilitiesFor(t *testing.T) {
	old := EngineVersion{Major: 514, Build: 1589}
	cli := EngineVersion{Major: 515, Build: 1598}
	threads := EngineVersion{Major: 515, Build: 1609}
	next := EngineVersion{Major: 516, Build: 1}

	assert.Equal(t, Capabilities{SupportsCLI: true}, CapabilitiesFor(old, "linux"))
	assert.Equal(t, Capabilities{}, CapabilitiesFor(old, "windows"))
	assert.Equal(t, Capabilities{SupportsCLI: true}, CapabilitiesFor(cli, "windows"))
	assert.Equal(t, Capabilities{SupportsCLI: true, SupportsMapThreads: true}, CapabilitiesFor(threads, "windows"))
	assert.Equal(t, Capabilities{SupportsCLI: true, SupportsMapThreads: true}, CapabilitiesFor(next, "windows"))
}

func TestParseEngineVersion(t *testing.T) {
	v, err := ParseEngineVersion("515.1609")
	require.NoError(t, err)
	assert.Equal(t, MapThreadsVersion, v)
	assert.Equal(t, "515.1609", v.String())

	for _, bad := range []string{"", "515", "515.x", "a.1"} {
		_, err := ParseEngineVersion(bad)
		assert.Error(t, err, bad)
	}
}

func TestBuildArguments(t *testing.T) {
	base := Arguments{
		DmbName:    "world.dmb",
		Port:       1337,
		Security:   SecuritySafe,
		Visibility: VisibilityPublic,
		Params:     "a=1",
	}
	assert.Equal(t, []string{
		"world.dmb", "-port", "1337", "-ports", "1-65535",
		"-close", "-verbose", "-safe", "-public",
		"-params", "a=1",
	}, BuildArguments(base))

	full := base
	full.AllowWebClient = true
	full.Security = SecurityTrusted
	full.Visibility = VisibilityInvisible
	full.LogSelfPath = "/logs/dd.log"
	full.Profile = true
	full.MapThreads = 4
	assert.Equal(t, []string{
		"world.dmb", "-port", "1337", "-ports", "1-65535", "-webclient",
		"-close", "-verbose", "-trusted", "-invisible",
		"-logself", "-log", "/logs/dd.log",
		"-profile",
		"-map-threads", "4",
		"-params", "a=1",
	}, BuildArguments(full))
}

func TestEncodeParams(t *testing.T) {
	got := EncodeParams("k+y/=", 5000, "")
	assert.Equal(t, "host_api_version=5.10.0&host_port=5000&host_key=k%2By%2F%3D", got)

	got = EncodeParams("key", 5000, "&extra=1")
	assert.Equal(t, "host_api_version=5.10.0&host_port=5000&host_key=key&extra=1", got)
}

func TestReattachRecord_RuntimeInformationSetOnce(t *testing.T) {
	rec := &ReattachRecord{ProcessID: 42}

	_, ok := rec.RuntimeInformation()
	assert.False(t, ok)

	require.NoError(t, rec.SetRuntimeInformation(RuntimeInformation{InstanceName: "first"}))
	err := rec.SetRuntimeInformation(RuntimeInformation{InstanceName: "second"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRuntimeInformationSet))

	info, ok := rec.RuntimeInformation()
	require.True(t, ok)
	assert.Equal(t, "first", info.InstanceName)
}

func TestRecordStore(t *testing.T) {
	ctx := context.Background()
	s := NewRecordStore(filepath.Join(t.TempDir(), "nested", "reattach.json"))

	_, err := s.Load(ctx)
	assert.ErrorIs(t, err, ErrNoRecord)

	rec := &ReattachRecord{
		AccessIdentifier:    "secret",
		ProcessID:           4242,
		Port:                1337,
		RebootState:         RebootRestart,
		LaunchSecurityLevel: SecurityUltrasafe,
		LaunchVisibility:    VisibilityPrivate,
		TopicRequestTimeout: 5 * time.Second,
		Dmb: Artifact{
			Directory:     "/game/A",
			DmbName:       "world.dmb",
			CompileJobID:  "cj-1",
			EngineVersion: EngineVersion{Major: 515, Build: 1620},
		},
	}
	require.NoError(t, rec.SetRuntimeInformation(RuntimeInformation{InstanceName: "main"}))
	require.NoError(t, s.Save(ctx, rec))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, rec.ProcessID, got.ProcessID)
	assert.Equal(t, rec.Dmb, got.Dmb)
	assert.Equal(t, RebootRestart, got.RebootState)
	assert.Equal(t, 5*time.Second, got.TopicRequestTimeout)
	assert.Nil(t, got.InitialDmb)

	_, ok := got.RuntimeInformation()
	assert.False(t, ok, "runtime information must be rebuilt, not loaded")

	require.NoError(t, s.Clear(ctx))
	require.NoError(t, s.Clear(ctx))
	_, err = s.Load(ctx)
	assert.ErrorIs(t, err, ErrNoRecord)
}

func TestRecordStoreRejectsInvalidRecord(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reattach.json")
	s := NewRecordStore(path)

	require.NoError(t, os.WriteFile(path, []byte(`{"access_identifier":"k","process_id":0,"port":70000}`), 0o600))
	_, err := s.Load(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidRecord)

	var violations RecordViolations
	require.ErrorAs(t, err, &violations)
	assert.NotEmpty(t, violations)

	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))
	_, err = s.Load(ctx)
	assert.Error(t, err)
}
