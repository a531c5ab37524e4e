package core

import (
	"time"
)

type Config struct {
	Twitch  TwitchConfig
	Spotify SpotifyConfig
	Server  ServerConfig
	Log     LogConfig
	App     AppConfig
}

type TwitchConfig struct {
	BotUsername   string
	BotOAuthToken string // "oauth:..." chat token
	Channel       string // lowercase channel login
	ReplyEnabled  bool

	ClientID      string
	ClientSecret  string
	BroadcasterID string // resolved via /helix/users when empty
	SongRewardID  string
	AccessToken   string // broadcaster token with channel:manage:redemptions
	RefreshToken  string
}

type SpotifyConfig struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	SearchMarket string
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

type AppConfig struct {
	MaxPending          int
	PendingTTL          time.Duration
	SweepInterval       time.Duration
	DeferPollInterval   time.Duration
	ApproveAllDelay     time.Duration
	RefundDelay         time.Duration
	MaxDeferredAttempts int
	RecentCacheTTL      time.Duration
	CommandsPerMinute   int
}

func DefaultConfig() *Config {
	return &Config{
		Twitch: TwitchConfig{
			ReplyEnabled: true,
		},
		Spotify: SpotifyConfig{
			SearchMarket: "SE",
		},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		App: AppConfig{
			MaxPending:          50,
			PendingTTL:          15 * time.Minute,
			SweepInterval:       60 * time.Second,
			DeferPollInterval:   5 * time.Second,
			ApproveAllDelay:     600 * time.Millisecond,
			RefundDelay:         150 * time.Millisecond,
			MaxDeferredAttempts: 5,
			RecentCacheTTL:      time.Hour,
			CommandsPerMinute:   10,
		},
	}
}
