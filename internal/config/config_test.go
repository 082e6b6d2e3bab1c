package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stagehand.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadRoster(t *testing.T) {
	path := writeConfig(t, `
runtime_dir: /run/stagehand
stop_grace_seconds: 3
workers:
  - name: audio_engine
    command: /usr/local/bin/audio-engine
    args: ["--rate", "48000"]
    auto_start: true
  - name: lyrics_fetcher
    command: /usr/local/bin/lyrics-fetcher
    env:
      API_KEY: secret
    auto_start: false
`)
	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/run/stagehand", c.RuntimeDir)
	assert.Equal(t, "/run/stagehand/registry.json", c.RegistryPath)
	assert.Equal(t, 3*time.Second, c.StopGrace())
	require.Len(t, c.Workers, 2)

	ae := c.Spec("audio_engine")
	require.NotNil(t, ae)
	assert.True(t, ae.AutoStart)
	assert.Equal(t, []string{"--rate", "48000"}, ae.Args)

	lf := c.Spec("lyrics_fetcher")
	require.NotNil(t, lf)
	assert.False(t, lf.AutoStart)
	assert.Equal(t, "secret", lf.Env["API_KEY"])

	assert.Nil(t, c.Spec("nope"))
}

func TestDefaults(t *testing.T) {
	c := Default()
	assert.NotEmpty(t, c.RuntimeDir)
	assert.Equal(t, filepath.Join(c.RuntimeDir, "registry.json"), c.RegistryPath)
	assert.Equal(t, 5*time.Second, c.StopGrace())
}

func TestDerivedAddrs(t *testing.T) {
	c := &Config{RuntimeDir: "/run/stagehand"}
	assert.Equal(t, "unix:///run/stagehand/audio_engine.sock", c.CommandAddr("audio_engine"))
	assert.Equal(t, "unix:///run/stagehand/audio_engine.tele.sock", c.TelemetryAddr("audio_engine"))
	assert.Equal(t, "unix:///run/stagehand/supervisor.sock", c.SupervisorAddr())
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "missing name",
			body: "workers:\n  - command: /bin/true\n",
			want: "name is required",
		},
		{
			name: "bad charset",
			body: "workers:\n  - name: \"bad name\"\n    command: /bin/true\n",
			want: "must match",
		},
		{
			name: "duplicate",
			body: "workers:\n  - name: w\n    command: /bin/true\n  - name: w\n    command: /bin/true\n",
			want: "duplicate name",
		},
		{
			name: "missing command",
			body: "workers:\n  - name: w\n",
			want: "command is required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
