package config

import (
	"github.com/caarlos0/env/v11"
)

// FromEnv overlays COURIER_* environment variables onto cfg.
func FromEnv(cfg *Config) error {
	return env.ParseWithOptions(cfg, env.Options{Prefix: "COURIER_"})
}
