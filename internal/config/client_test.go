package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/gaspardpetit/clipsync/internal/identity"
)

func TestResolvePaths(t *testing.T) {
	tests := []struct {
		name        string
		goos        string
		home        string
		programData string
		wantConfig  string
		wantLogDir  string
	}{
		{
			name:       "linux",
			goos:       "linux",
			home:       "/home/user",
			wantConfig: "/home/user/.config/clipsync/client.yaml",
			wantLogDir: "",
		},
		{
			name:       "linux without home",
			goos:       "linux",
			wantConfig: "/etc/clipsync/client.yaml",
		},
		{
			name:       "darwin",
			goos:       "darwin",
			home:       "/Users/test",
			wantConfig: "/Users/test/Library/Application Support/clipsync/client.yaml",
			wantLogDir: "/Users/test/Library/Logs/clipsync",
		},
		{
			name:        "windows",
			goos:        "windows",
			programData: "C:\\ProgramData",
			wantConfig:  "C:/ProgramData/clipsync/client.yaml",
			wantLogDir:  "C:/ProgramData/clipsync/Logs",
		},
		{
			name:       "windows default ProgramData",
			goos:       "windows",
			wantConfig: "C:/ProgramData/clipsync/client.yaml",
			wantLogDir: "C:/ProgramData/clipsync/Logs",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, log := resolvePaths(tt.goos, tt.home, tt.programData)
			cfg = strings.ReplaceAll(cfg, "\\", "/")
			log = strings.ReplaceAll(log, "\\", "/")
			if cfg != tt.wantConfig {
				t.Errorf("config path: got %q want %q", cfg, tt.wantConfig)
			}
			if log != tt.wantLogDir {
				t.Errorf("log dir: got %q want %q", log, tt.wantLogDir)
			}
		})
	}
}

func load(t *testing.T, args ...string) ClientConfig {
	t.Helper()
	cfg := Defaults()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.BindFlags(fs)
	require.NoError(t, fs.Parse(args))
	require.NoError(t, cfg.Load(fs))
	return cfg
}

func TestPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.yaml")
	yml := `
server: file.example:4000
account: file-account
ping_interval: 5s
reconnect:
  interval: 7s
  max_attempts: 4
cache:
  max_entries: 9
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))
	t.Setenv("CLIPSYNC_CONFIG_FILE", path)
	t.Setenv("CLIPSYNC_SERVER", "env.example:4000")
	t.Setenv("CLIPSYNC_ACCOUNT", "env-account")
	t.Setenv("CLIPSYNC_SECRET", "env-secret")
	t.Setenv("CLIPSYNC_CACHE_TTL", "1h")

	cfg := load(t, "--account", "flag-account", "--auto-sync=false")

	require.Equal(t, "file.example:4000", cfg.Server)
	require.Equal(t, "flag-account", cfg.Account)
	require.Equal(t, "env-secret", cfg.Secret)
	require.Equal(t, 5*time.Second, cfg.PingInterval)
	require.Equal(t, 7*time.Second, cfg.Reconnect.Interval)
	require.Equal(t, 4, cfg.Reconnect.MaxAttempts)
	require.Equal(t, 9, cfg.Cache.MaxEntries)
	require.Equal(t, time.Hour, cfg.Cache.TTL)
	require.Equal(t, "memory", cfg.Cache.Backend)
	require.False(t, cfg.AutoSync)
	require.Equal(t, path, cfg.ConfigFile)
	require.NoError(t, cfg.Validate())
}

func TestMissingFileIsIgnored(t *testing.T) {
	t.Setenv("CLIPSYNC_CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	cfg := load(t, "--server", "relay:4000")
	require.Equal(t, "relay:4000", cfg.Server)
	require.ErrorIs(t, cfg.Validate(), ErrMissingAccount)
}

func TestMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unterminated"), 0o600))
	cfg := Defaults()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.BindFlags(fs)
	require.NoError(t, fs.Parse([]string{"--config", path}))
	require.Error(t, cfg.Load(fs))
}

func TestIDs(t *testing.T) {
	cfg := ClientConfig{Account: "alice", Device: "laptop", Secret: "s3cret"}
	user, device, secret := cfg.IDs()
	require.Equal(t, identity.Hash63("alice"), user)
	require.Equal(t, identity.Hash63("laptop"), device)
	require.Equal(t, identity.Hash63("s3cret"), secret)

	cfg.UserID, cfg.SecretID = 11, 33
	user, _, secret = cfg.IDs()
	require.Equal(t, uint64(11), user)
	require.Equal(t, uint64(33), secret)
}

func TestValidateCache(t *testing.T) {
	cfg := ClientConfig{Account: "a", Secret: "s", Cache: CacheConfig{Backend: "redis"}}
	require.Error(t, cfg.Validate())
	cfg.Cache.RedisURL = "redis://localhost:6379"
	require.NoError(t, cfg.Validate())
	cfg.Cache.Backend = "disk"
	require.Error(t, cfg.Validate())
}

func TestNamespaceDefaultsToDevice(t *testing.T) {
	require.Equal(t, "laptop", ClientConfig{Device: "Laptop"}.Namespace())
	require.Equal(t, "shared", ClientConfig{Device: "Laptop", Cache: CacheConfig{Namespace: "shared"}}.Namespace())
}

func TestStatusOriginsFlagWinsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.yaml")
	yml := "status_origins:\n  - http://file.example\n"
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	cfg := load(t, "--config", path)
	require.Equal(t, []string{"http://file.example"}, cfg.StatusOrigins)

	cfg = load(t, "--config", path, "--status-origins", "http://a.example,http://b.example")
	require.Equal(t, []string{"http://a.example", "http://b.example"}, cfg.StatusOrigins)
}
