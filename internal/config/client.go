// Package config loads the client configuration. Values come from built-in
// defaults, then CLIPSYNC_* environment variables, then the YAML config
// file, then flags given explicitly on the command line.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/gaspardpetit/clipsync/internal/identity"
	"github.com/gaspardpetit/clipsync/internal/reconnect"
)

const envPrefix = "CLIPSYNC_"

var ErrMissingAccount = errors.New("config: account and secret are required")

// CacheConfig selects where published content is kept.
type CacheConfig struct {
	// Backend is "memory" or "redis".
	Backend    string        `yaml:"backend"`
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
	RedisURL   string        `yaml:"redis_url"`
	Namespace  string        `yaml:"namespace"`
}

// ClientConfig holds configuration for the clipboard client.
type ClientConfig struct {
	// Server is the relay host:port. When empty the relay is found through mDNS.
	Server           string        `yaml:"server"`
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout"`

	// Account, Device and Secret are phrases hashed into the wire ids.
	Account string `yaml:"account"`
	Device  string `yaml:"device"`
	Secret  string `yaml:"secret"`
	// UserID, DeviceID and SecretID override the phrases when non-zero.
	UserID   uint64 `yaml:"user_id"`
	DeviceID uint64 `yaml:"device_id"`
	SecretID uint64 `yaml:"secret_id"`

	DialTimeout  time.Duration    `yaml:"dial_timeout"`
	WriteTimeout time.Duration    `yaml:"write_timeout"`
	AuthTimeout  time.Duration    `yaml:"auth_timeout"`
	PingInterval time.Duration    `yaml:"ping_interval"`
	Reconnect    reconnect.Policy `yaml:"reconnect"`

	Cache CacheConfig `yaml:"cache"`

	AutoSync   bool   `yaml:"auto_sync"`
	RecentSize int    `yaml:"recent_size"`
	StatusAddr string `yaml:"status_addr"`
	// StatusOrigins are browser origins allowed to call the status server.
	StatusOrigins []string `yaml:"status_origins"`

	ConfigFile string `yaml:"-"`
	LogDir     string `yaml:"log_dir"`
	LogLevel   string `yaml:"log_level"`
}

// Defaults returns the built-in configuration, before env and flags.
func Defaults() ClientConfig {
	cfgPath, logDir := defaultPaths()
	return ClientConfig{
		DiscoveryTimeout: 5 * time.Second,
		Device:           identity.DefaultDeviceName(),
		DialTimeout:      10 * time.Second,
		WriteTimeout:     30 * time.Second,
		PingInterval:     3 * time.Second,
		Reconnect:        reconnect.Default(),
		Cache:            CacheConfig{Backend: "memory", TTL: 24 * time.Hour, MaxEntries: 256},
		AutoSync:         true,
		RecentSize:       5,
		ConfigFile:       cfgPath,
		LogDir:           logDir,
		LogLevel:         "info",
	}
}

// BindFlags applies environment overrides to c and registers a flag for
// each setting on fs, using the current values as flag defaults.
func (c *ClientConfig) BindFlags(fs *pflag.FlagSet) {
	c.applyEnv()

	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "client config file path")
	fs.StringVarP(&c.Server, "server", "s", c.Server, "relay address host:port; discovered over mDNS when empty")
	fs.DurationVar(&c.DiscoveryTimeout, "discovery-timeout", c.DiscoveryTimeout, "how long to browse for a relay")
	fs.StringVarP(&c.Account, "account", "a", c.Account, "account name shared by all devices of a user")
	fs.StringVarP(&c.Device, "device", "d", c.Device, "device name")
	fs.StringVar(&c.Secret, "secret", c.Secret, "account secret")
	fs.Uint64Var(&c.UserID, "user-id", c.UserID, "numeric user id; overrides --account")
	fs.Uint64Var(&c.DeviceID, "device-id", c.DeviceID, "numeric device id; overrides --device")
	fs.Uint64Var(&c.SecretID, "secret-id", c.SecretID, "numeric secret; overrides --secret")
	fs.DurationVar(&c.DialTimeout, "dial-timeout", c.DialTimeout, "TCP connect timeout")
	fs.DurationVar(&c.WriteTimeout, "write-timeout", c.WriteTimeout, "timeout for a single write to the relay")
	fs.DurationVar(&c.AuthTimeout, "auth-timeout", c.AuthTimeout, "timeout for authentication during reconnect (0 waits)")
	fs.DurationVar(&c.PingInterval, "ping-interval", c.PingInterval, "keepalive interval (negative disables)")
	fs.DurationVar(&c.Reconnect.Interval, "reconnect-interval", c.Reconnect.Interval, "delay before reconnecting")
	fs.Float64Var(&c.Reconnect.Multiplier, "reconnect-multiplier", c.Reconnect.Multiplier, "growth factor of the reconnect delay (<=1 keeps it constant)")
	fs.DurationVar(&c.Reconnect.MaxInterval, "reconnect-max-interval", c.Reconnect.MaxInterval, "upper bound of a growing reconnect delay")
	fs.Float64Var(&c.Reconnect.Jitter, "reconnect-jitter", c.Reconnect.Jitter, "randomization factor of the reconnect delay")
	fs.IntVar(&c.Reconnect.MaxAttempts, "reconnect-max-attempts", c.Reconnect.MaxAttempts, "give up after that many failed attempts (0 retries forever)")
	fs.StringVar(&c.Cache.Backend, "cache", c.Cache.Backend, "content cache backend (memory, redis)")
	fs.DurationVar(&c.Cache.TTL, "cache-ttl", c.Cache.TTL, "how long published content can be pulled (0 keeps it)")
	fs.IntVar(&c.Cache.MaxEntries, "cache-max-entries", c.Cache.MaxEntries, "published contents kept in memory (0 is unbounded)")
	fs.StringVar(&c.Cache.RedisURL, "redis-url", c.Cache.RedisURL, "redis URL for the redis cache backend")
	fs.StringVar(&c.Cache.Namespace, "cache-namespace", c.Cache.Namespace, "redis key namespace; defaults to the device name")
	fs.BoolVar(&c.AutoSync, "auto-sync", c.AutoSync, "pull announced content automatically")
	fs.IntVar(&c.RecentSize, "recent", c.RecentSize, "recent descriptions remembered for echo suppression")
	fs.StringVar(&c.StatusAddr, "status-addr", c.StatusAddr, "local status HTTP listen address (enables /status, /metrics, /events)")
	fs.StringSliceVar(&c.StatusOrigins, "status-origins", c.StatusOrigins, "browser origins allowed by the status server (comma separated)")
	fs.StringVar(&c.LogDir, "log-dir", c.LogDir, "directory for log files (console only when empty)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
}

func (c *ClientConfig) applyEnv() {
	c.ConfigFile = getEnv("CONFIG_FILE", c.ConfigFile)
	c.Server = getEnv("SERVER", c.Server)
	c.DiscoveryTimeout = envDuration("DISCOVERY_TIMEOUT", c.DiscoveryTimeout)
	c.Account = getEnv("ACCOUNT", c.Account)
	c.Device = getEnv("DEVICE", c.Device)
	c.Secret = getEnv("SECRET", c.Secret)
	c.UserID = envUint("USER_ID", c.UserID)
	c.DeviceID = envUint("DEVICE_ID", c.DeviceID)
	c.SecretID = envUint("SECRET_ID", c.SecretID)
	c.DialTimeout = envDuration("DIAL_TIMEOUT", c.DialTimeout)
	c.WriteTimeout = envDuration("WRITE_TIMEOUT", c.WriteTimeout)
	c.AuthTimeout = envDuration("AUTH_TIMEOUT", c.AuthTimeout)
	c.PingInterval = envDuration("PING_INTERVAL", c.PingInterval)
	c.Reconnect.Interval = envDuration("RECONNECT_INTERVAL", c.Reconnect.Interval)
	c.Reconnect.MaxAttempts = envInt("RECONNECT_MAX_ATTEMPTS", c.Reconnect.MaxAttempts)
	c.Cache.Backend = getEnv("CACHE", c.Cache.Backend)
	c.Cache.TTL = envDuration("CACHE_TTL", c.Cache.TTL)
	c.Cache.MaxEntries = envInt("CACHE_MAX_ENTRIES", c.Cache.MaxEntries)
	c.Cache.RedisURL = getEnv("REDIS_URL", c.Cache.RedisURL)
	c.Cache.Namespace = getEnv("CACHE_NAMESPACE", c.Cache.Namespace)
	if b, err := strconv.ParseBool(getEnv("AUTO_SYNC", strconv.FormatBool(c.AutoSync))); err == nil {
		c.AutoSync = b
	}
	c.RecentSize = envInt("RECENT", c.RecentSize)
	c.StatusAddr = getEnv("STATUS_ADDR", c.StatusAddr)
	if v := getEnv("STATUS_ORIGINS", ""); v != "" {
		c.StatusOrigins = strings.Split(v, ",")
	}
	c.LogDir = getEnv("LOG_DIR", c.LogDir)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
}

// Load reads the config file, if any, then re-applies the flags that were
// set explicitly so they win over the file. fs must already be parsed.
func (c *ClientConfig) Load(fs *pflag.FlagSet) error {
	type setFlag struct {
		name, value string
		slice       []string
	}
	var explicit []setFlag
	if fs != nil {
		fs.Visit(func(f *pflag.Flag) {
			sf := setFlag{name: f.Name, value: f.Value.String()}
			if sv, ok := f.Value.(pflag.SliceValue); ok {
				sf.slice = sv.GetSlice()
			}
			explicit = append(explicit, sf)
		})
	}

	if c.ConfigFile != "" {
		if err := c.LoadFile(c.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config %s: %w", c.ConfigFile, err)
		}
	}

	for _, f := range explicit {
		if f.slice != nil {
			if err := fs.Lookup(f.name).Value.(pflag.SliceValue).Replace(f.slice); err != nil {
				return fmt.Errorf("flag --%s: %w", f.name, err)
			}
			continue
		}
		if err := fs.Set(f.name, f.value); err != nil {
			return fmt.Errorf("flag --%s: %w", f.name, err)
		}
	}
	return nil
}

// LoadFile populates the config from a YAML file. Fields already set remain
// unless overwritten by corresponding entries in the file.
func (c *ClientConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

// Validate checks that the client can authenticate.
func (c ClientConfig) Validate() error {
	if (c.Account == "" && c.UserID == 0) || (c.Secret == "" && c.SecretID == 0) {
		return ErrMissingAccount
	}
	switch c.Cache.Backend {
	case "", "memory":
	case "redis":
		if c.Cache.RedisURL == "" {
			return errors.New("config: redis cache needs --redis-url")
		}
	default:
		return fmt.Errorf("config: unknown cache backend %q", c.Cache.Backend)
	}
	return nil
}

// IDs returns the user, device and secret ids sent when authenticating.
func (c ClientConfig) IDs() (user, device, secret uint64) {
	return pick(c.UserID, c.Account), pick(c.DeviceID, c.Device), pick(c.SecretID, c.Secret)
}

// Namespace is the cache namespace, defaulting to the device name.
func (c ClientConfig) Namespace() string {
	if c.Cache.Namespace != "" {
		return c.Cache.Namespace
	}
	return strings.ToLower(c.Device)
}

func pick(id uint64, phrase string) uint64 {
	if id != 0 {
		return id
	}
	return identity.Hash63(phrase)
}

func getEnv(k, d string) string {
	if v := env(envPrefix + k); v != "" {
		return v
	}
	return d
}

func envDuration(k string, d time.Duration) time.Duration {
	if v, err := time.ParseDuration(getEnv(k, "")); err == nil {
		return v
	}
	return d
}

func envInt(k string, d int) int {
	if v, err := strconv.Atoi(getEnv(k, "")); err == nil {
		return v
	}
	return d
}

func envUint(k string, d uint64) uint64 {
	if v, err := strconv.ParseUint(getEnv(k, ""), 10, 64); err == nil {
		return v
	}
	return d
}

var env = os.Getenv
