package client

import (
	"context"

	"github.com/gaspardpetit/clipsync/internal/config"
	"github.com/gaspardpetit/clipsync/internal/content"
	"github.com/gaspardpetit/clipsync/internal/discovery"
	"github.com/gaspardpetit/clipsync/internal/logx"
	"github.com/gaspardpetit/clipsync/internal/session"
)

// FromConfig builds a client from loaded configuration, opening the
// configured content cache. The relay is looked up through mDNS when no
// server address is configured.
func FromConfig(ctx context.Context, cc config.ClientConfig) (*Client, error) {
	if err := cc.Validate(); err != nil {
		return nil, err
	}
	store, err := OpenStore(ctx, cc)
	if err != nil {
		return nil, err
	}
	user, device, secret := cc.IDs()
	scfg := session.Config{
		Address:      cc.Server,
		Credentials:  session.Credentials{UserID: user, DeviceID: device, Secret: secret},
		DialTimeout:  cc.DialTimeout,
		WriteTimeout: cc.WriteTimeout,
		AuthTimeout:  cc.AuthTimeout,
		PingInterval: cc.PingInterval,
		Reconnect:    cc.Reconnect,
		Store:        store,
	}
	if cc.Server == "" {
		scfg.Resolve = discovery.Resolver(cc.DiscoveryTimeout)
	}
	logx.Log.Info().Str("device", cc.Device).Uint64("user_id", user).Uint64("device_id", device).Str("cache", cc.Cache.Backend).Msg("client configured")
	return New(Config{Session: scfg, AutoSync: cc.AutoSync, RecentSize: cc.RecentSize, Device: cc.Device}), nil
}

// OpenStore opens the content cache selected by cc.
func OpenStore(ctx context.Context, cc config.ClientConfig) (content.Store, error) {
	if cc.Cache.Backend == "redis" {
		return content.NewRedisStore(ctx, cc.Cache.RedisURL, cc.Namespace(), cc.Cache.TTL)
	}
	return content.NewMemoryStore(cc.Cache.TTL, cc.Cache.MaxEntries), nil
}
