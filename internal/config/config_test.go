package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shopcap.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "file", cfg.Queue.Provider)
	assert.Equal(t, 2, cfg.Queue.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Recycler.CooldownMin)
	assert.Equal(t, 5*time.Second, cfg.Recycler.CooldownMax)
	assert.Equal(t, 20*time.Second, cfg.Dispatch.PerTaskTimeout)
	assert.False(t, cfg.Circuit.SoftMode)
	assert.NotEmpty(t, cfg.Filters.Endpoints)
}

func TestLoad_ProfileDefaultsApplied(t *testing.T) {
	path := writeConfigFile(t, `
limiter:
  default_rps: 0.5
  default_burst: 2
profiles:
  - name: br-account-1
    proxy_url: socks5://127.0.0.1:1080
  - name: br-account-2
    rps_limit: 2.0
    pages_per_session: 10
    max_concurrency: 3
    inactivity_timeout: 8s
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Profiles, 2)

	first := cfg.Profiles[0]
	assert.Equal(t, 0.5, first.RPSLimit)
	assert.Equal(t, 2, first.Burst)
	assert.Equal(t, 25, first.PagesPerSession)
	assert.Equal(t, 1, first.MaxConcurrency)
	assert.Equal(t, 60*time.Second, first.InactivityTimeout)

	second := cfg.Profiles[1]
	assert.Equal(t, 2.0, second.RPSLimit)
	assert.Equal(t, 10, second.PagesPerSession)
	assert.Equal(t, 3, second.MaxConcurrency)
	assert.Equal(t, 8*time.Second, second.InactivityTimeout)
}

func TestValidate_Failures(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "duplicate profile",
			yaml: "profiles:\n  - name: a\n  - name: a\n",
			want: "duplicate profile",
		},
		{
			name: "bad proxy scheme",
			yaml: "profiles:\n  - name: a\n    proxy_url: 127.0.0.1:1080\n",
			want: "no recognized scheme",
		},
		{
			name: "postgres without dsn",
			yaml: "queue:\n  provider: postgres\n",
			want: "queue.dsn is required",
		},
		{
			name: "unknown queue provider",
			yaml: "queue:\n  provider: sqlite\n",
			want: "unknown queue provider",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfigFile(t, tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestProfile_Lookup(t *testing.T) {
	cfg, err := Load(writeConfigFile(t, "profiles:\n  - name: br-account-1\n"))
	require.NoError(t, err)

	p, err := cfg.Profile("br-account-1")
	require.NoError(t, err)
	assert.Equal(t, "br-account-1", p.Name)

	_, err = cfg.Profile("missing")
	require.Error(t, err)
}

func TestCheckEnvironment(t *testing.T) {
	cfg, err := Load(writeConfigFile(t, `
target:
  domain: shopee.sg
profiles:
  - name: sg-account
    locale: pt-BR
    timezone: Asia/Singapore
`))
	require.NoError(t, err)

	issues := cfg.CheckEnvironment()
	require.Len(t, issues, 1)
	assert.Equal(t, "sg-account", issues[0].Profile)
	assert.Contains(t, issues[0].Message, "en-SG")
}
