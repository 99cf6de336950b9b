package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is loaded from environment variables. The timer defaults are the
// engine's fixed windows; overriding them is for tests and staging only.
type Config struct {
	Port        string `env:"PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL"`

	TeamSelectWindow time.Duration `env:"TEAM_SELECT_WINDOW" envDefault:"40s"`
	MoveWindow       time.Duration `env:"MOVE_WINDOW" envDefault:"31s"`
	TimeLimit        time.Duration `env:"BATTLE_TIME_LIMIT" envDefault:"10m"`

	InviteTTL           time.Duration `env:"INVITE_TTL" envDefault:"30s"`
	InviteSweepInterval time.Duration `env:"INVITE_SWEEP_INTERVAL" envDefault:"1m"`
}

func Parse() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return c, nil
}
