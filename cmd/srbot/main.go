// Package main provides the srbot CLI application entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"srbot/internal/core"
	"srbot/internal/flood"
	httpserver "srbot/internal/http"
	"srbot/internal/spotify"
	"srbot/internal/store"
	"srbot/internal/twitch"
)

var (
	cfgFile string
	config  *core.Config
	logger  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "srbot",
	Short: "srbot - Twitch song-request moderation bot",
	Long: `srbot listens to a Twitch channel for song-request redemptions, holds
them for moderator approval and queues approved tracks on Spotify, refunding
channel points for denied or expired requests.`,
	RunE: runBot,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .env)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("twitch-bot-username", "", "Twitch chat bot login")
	rootCmd.PersistentFlags().String("twitch-bot-oauth-token", "", "Twitch chat oauth token (oauth:...)")
	rootCmd.PersistentFlags().String("twitch-channel", "", "Twitch channel to join")
	rootCmd.PersistentFlags().String("twitch-client-id", "", "Twitch application client ID")
	rootCmd.PersistentFlags().String("twitch-client-secret", "", "Twitch application client secret")
	rootCmd.PersistentFlags().String("twitch-broadcaster-id", "", "broadcaster user id (resolved automatically when empty)")
	rootCmd.PersistentFlags().String("twitch-song-reward-id", "", "custom reward id used for song requests")
	rootCmd.PersistentFlags().String("twitch-access-token", "", "broadcaster Helix access token")
	rootCmd.PersistentFlags().String("twitch-refresh-token", "", "broadcaster Helix refresh token")
	rootCmd.PersistentFlags().Bool("twitch-reply-enabled", true, "send chat replies")
	rootCmd.PersistentFlags().String("spotify-client-id", "", "Spotify client ID")
	rootCmd.PersistentFlags().String("spotify-client-secret", "", "Spotify client secret")
	rootCmd.PersistentFlags().String("spotify-refresh-token", "", "Spotify refresh token")
	rootCmd.PersistentFlags().String("spotify-search-market", "SE", "Spotify search market")
	rootCmd.PersistentFlags().Int("server-port", 8080, "HTTP server port")
	rootCmd.PersistentFlags().Int("max-pending", 50, "maximum pending requests before the oldest is evicted")
	rootCmd.PersistentFlags().Duration("pending-ttl", 15*time.Minute, "how long a request may wait for moderation")

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bind flags: %v\n", err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName(".env")
		viper.SetConfigType("env")
	}

	viper.SetEnvPrefix("SRBOT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
			os.Exit(1)
		}
	}

	config = buildConfig()
	logger = buildLogger(config.Log.Level)
}

func buildConfig() *core.Config {
	cfg := core.DefaultConfig()

	cfg.Twitch.BotUsername = viper.GetString("twitch-bot-username")
	cfg.Twitch.BotOAuthToken = viper.GetString("twitch-bot-oauth-token")
	cfg.Twitch.Channel = strings.ToLower(viper.GetString("twitch-channel"))
	cfg.Twitch.ReplyEnabled = viper.GetBool("twitch-reply-enabled")
	cfg.Twitch.ClientID = viper.GetString("twitch-client-id")
	cfg.Twitch.ClientSecret = viper.GetString("twitch-client-secret")
	cfg.Twitch.BroadcasterID = viper.GetString("twitch-broadcaster-id")
	cfg.Twitch.SongRewardID = viper.GetString("twitch-song-reward-id")
	cfg.Twitch.AccessToken = viper.GetString("twitch-access-token")
	cfg.Twitch.RefreshToken = viper.GetString("twitch-refresh-token")

	cfg.Spotify.ClientID = viper.GetString("spotify-client-id")
	cfg.Spotify.ClientSecret = viper.GetString("spotify-client-secret")
	cfg.Spotify.RefreshToken = viper.GetString("spotify-refresh-token")
	if market := viper.GetString("spotify-search-market"); market != "" {
		cfg.Spotify.SearchMarket = market
	}

	if host := viper.GetString("server-host"); host != "" {
		cfg.Server.Host = host
	}
	if port := viper.GetInt("server-port"); port != 0 {
		cfg.Server.Port = port
	}

	cfg.Log.Level = viper.GetString("log-level")

	if n := viper.GetInt("max-pending"); n > 0 {
		cfg.App.MaxPending = n
	}
	if d := viper.GetDuration("pending-ttl"); d > 0 {
		cfg.App.PendingTTL = d
	}

	return cfg
}

func buildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch strings.ToLower(level) {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	builtLogger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("Failed to build logger: %v", err))
	}

	return builtLogger
}

func runBot(_ *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("Starting srbot",
		zap.String("channel", config.Twitch.Channel),
		zap.String("reward_id", config.Twitch.SongRewardID))

	if err := validateConfig(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	pending := store.NewPendingStore(config.App.MaxPending)
	recent := store.NewRecentStore(50, 0.001)
	deferredQueue := core.NewDeferredQueue()

	spotifyClient := spotify.NewClient(ctx, &config.Spotify, logger.Named("spotify"))
	resolver := spotify.NewResolver(spotifyClient, recent, config.App.RecentCacheTTL, logger.Named("resolver"))

	var rewards core.Rewards
	if config.Twitch.RefreshToken != "" || config.Twitch.AccessToken != "" {
		creds := twitch.NewCredentialManager(&config.Twitch, logger.Named("token"))
		rewards = twitch.NewHelixClient(&config.Twitch, creds, logger.Named("helix"))
	} else {
		logger.Warn("No Helix credentials configured, refunds and fulfilments are disabled")
	}

	gate := flood.New(config.App.CommandsPerMinute)
	defer gate.Stop()

	chatClient := twitch.NewChatClient(&config.Twitch, gate, logger.Named("chat"))

	httpServer := httpserver.NewServer(&config.Server, logger.Named("http"))
	spotifyClient.SetRetryHook(httpServer.RecordDispatchRetry)

	moderator := core.NewModerator(
		&config.App,
		pending,
		deferredQueue,
		resolver,
		spotifyClient,
		rewards,
		chatClient,
		httpServer,
		logger.Named("moderator"),
	)
	chatClient.SetModerator(moderator)

	sweeper := core.NewSweeper(&config.App, pending, rewards, chatClient, httpServer, logger.Named("sweeper"))
	poller := core.NewDeferredPoller(&config.App, deferredQueue, spotifyClient, rewards, chatClient, httpServer, logger.Named("deferred"))

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return httpServer.Start(gCtx)
	})

	g.Go(func() error {
		return chatClient.Run(gCtx)
	})

	g.Go(func() error {
		err := sweeper.Run(gCtx)
		if err == context.Canceled {
			return nil
		}
		return err
	})

	g.Go(func() error {
		err := poller.Run(gCtx)
		if err == context.Canceled {
			return nil
		}
		return err
	})

	g.Go(func() error {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-gCtx.Done():
				return nil
			case <-ticker.C:
				httpServer.SetQueueSizes(pending.Len(), deferredQueue.Len(), deferredQueue.DeadLen())
			}
		}
	})

	logger.Info("srbot started successfully",
		zap.String("http_addr", fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port)))

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("srbot stopped with error", zap.Error(err))
		return err
	}

	logger.Info("srbot stopped gracefully")
	return nil
}

func validateConfig() error {
	if config.Twitch.BotUsername == "" {
		return fmt.Errorf("twitch bot username is required")
	}

	if config.Twitch.BotOAuthToken == "" {
		return fmt.Errorf("twitch bot oauth token is required")
	}

	if config.Twitch.Channel == "" {
		return fmt.Errorf("twitch channel is required")
	}

	if config.Spotify.ClientID == "" {
		return fmt.Errorf("spotify client ID is required")
	}

	if config.Spotify.ClientSecret == "" {
		return fmt.Errorf("spotify client secret is required")
	}

	if config.Spotify.RefreshToken == "" {
		return fmt.Errorf("spotify refresh token is required")
	}

	if config.Twitch.SongRewardID == "" {
		logger.Warn("No song reward id configured, every custom reward redemption will be treated as a song request")
	}

	return nil
}
