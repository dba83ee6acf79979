package main

import (
	"strings"
	"time"
	"unicode/utf8"
)

type Config struct {
	LogLevel        string        `env:"LOG_LEVEL,default=INFO"`
	HTTPAddr        string        `env:"HTTP_ADDR,default=:8080"`
	GRPCAddr        string        `env:"GRPC_ADDR,default=:9090"`
	JWTSecret       string        `env:"JWT_SECRET,required=true"`
	AllowedOrigins  string        `env:"ALLOWED_ORIGINS"`
	RestartInterval time.Duration `env:"RESTART_INTERVAL,default=200ms"`
	MonitorInterval time.Duration `env:"MONITOR_INTERVAL,default=10s"`

	LedgerDriver   string `env:"LEDGER_DRIVER,default=badger"`
	BadgerFilepath string `env:"BADGER_FILEPATH"`
	PostgresDSN    string `env:"POSTGRES_DSN"`

	MailboxSize   int           `env:"MAILBOX_SIZE,default=64"`
	SinkTimeout   time.Duration `env:"SINK_TIMEOUT,default=2s"`
	TypingTTL     time.Duration `env:"TYPING_TTL,default=8s"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL,default=1s"`
	IdleTimeout   time.Duration `env:"SESSION_IDLE_TIMEOUT,default=10m"`

	ModerationEnabled     bool   `env:"MODERATION_ENABLED,default=true"`
	ModerationReplacement string `env:"MODERATION_CHARACTER_REPLACEMENT,default=*"`

	ActivityTransport string        `env:"ACTIVITY_TRANSPORT,default=archive"`
	ActivityWindow    time.Duration `env:"ACTIVITY_WINDOW,default=1m"`
	ActivityQueueSize int           `env:"ACTIVITY_QUEUE_SIZE,default=1024"`
	ActivityTimeout   time.Duration `env:"ACTIVITY_TIMEOUT,default=5s"`
	LimitActivities   *int          `env:"LIMIT_ACTIVITIES"`
}

func (c Config) origins() []string {
	if c.AllowedOrigins == "" {
		return nil
	}
	return strings.Split(c.AllowedOrigins, ",")
}

func (c Config) replacement() rune {
	r, _ := utf8.DecodeRuneInString(c.ModerationReplacement)
	if r == utf8.RuneError {
		return '*'
	}
	return r
}
