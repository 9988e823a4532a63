package platform

import (
	"lookout/internal/collect"
	"lookout/internal/config"
	"lookout/internal/logging"
)

// NewRegistry builds the adapters for every platform with credentials set.
// Telegram has no HTTP adapter and is never registered.
func NewRegistry(cfg config.Config) *collect.Registry {
	reg := collect.NewRegistry()
	c := cfg.Credentials
	if c.TwitterBearerToken != "" {
		reg.Register(NewTwitter(c.TwitterBearerToken, cfg.API))
	}
	if c.VKToken != "" {
		reg.Register(NewVKontakte(c.VKToken, cfg.API))
	}
	if c.YouTubeKey != "" {
		reg.Register(NewYouTube(c.YouTubeKey, cfg.API))
	}
	if c.CrowdTangleToken != "" {
		reg.Register(NewFacebook(c.CrowdTangleToken, cfg.API))
	}
	logging.Debug("platform_registry", map[string]any{"platforms": reg.Platforms()})
	return reg
}
