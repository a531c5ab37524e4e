package twitch

import (
	"context"
	"strings"
	"time"

	twitchirc "github.com/gempir/go-twitch-irc/v4"
	"go.uber.org/zap"

	"srbot/internal/core"
	"srbot/internal/flood"
)

const (
	sendBuffer = 64
	sendPacing = 400 * time.Millisecond
)

// ChatClient joins the configured channel, turns reward redemptions and
// moderation commands into engine calls, and delivers the engine's replies.
// Outbound messages go through a buffered queue with pacing, so the engine
// never blocks on chat delivery.
type ChatClient struct {
	cfg    *core.TwitchConfig
	client *twitchirc.Client
	gate   *flood.Gate
	logger *zap.Logger

	engine *core.Moderator
	sendCh chan string
}

func NewChatClient(cfg *core.TwitchConfig, gate *flood.Gate, logger *zap.Logger) *ChatClient {
	return &ChatClient{
		cfg:    cfg,
		client: twitchirc.NewClient(cfg.BotUsername, cfg.BotOAuthToken),
		gate:   gate,
		logger: logger,
		sendCh: make(chan string, sendBuffer),
	}
}

// SetModerator wires the engine in after construction. The engine needs the
// chat client as its notifier, so the two are connected in two steps.
func (c *ChatClient) SetModerator(m *core.Moderator) {
	c.engine = m
}

// Say queues a chat message for delivery. Messages are dropped when the
// queue is full or replies are disabled.
func (c *ChatClient) Say(text string) {
	if !c.cfg.ReplyEnabled {
		return
	}
	select {
	case c.sendCh <- text:
	default:
		c.logger.Warn("Chat send queue full, dropping message")
	}
}

// Run connects to chat and blocks until the context is cancelled or the
// connection fails.
func (c *ChatClient) Run(ctx context.Context) error {
	c.client.OnPrivateMessage(c.onMessage)
	c.client.Join(c.cfg.Channel)

	go c.sendLoop(ctx)
	go func() {
		<-ctx.Done()
		c.client.Disconnect()
	}()

	c.logger.Info("Connecting to chat", zap.String("channel", c.cfg.Channel))
	err := c.client.Connect()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (c *ChatClient) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-c.sendCh:
			c.client.Say(c.cfg.Channel, text)
			// pacing between messages keeps multi-chunk replies in order
			// without tripping the IRC flood limits
			select {
			case <-ctx.Done():
				return
			case <-time.After(sendPacing):
			}
		}
	}
}

// onMessage runs on the IRC client's read loop. Handling is offloaded to a
// goroutine so a slow upstream call inside one command cannot stall intake
// of the messages behind it.
func (c *ChatClient) onMessage(msg twitchirc.PrivateMessage) {
	go c.handleMessage(msg)
}

func (c *ChatClient) handleMessage(msg twitchirc.PrivateMessage) {
	if c.engine == nil {
		return
	}

	if rewardID := msg.Tags["custom-reward-id"]; rewardID != "" {
		if c.cfg.SongRewardID == "" || rewardID == c.cfg.SongRewardID {
			c.engine.HandleRedemption(
				strings.ToLower(msg.User.Name),
				displayName(msg),
				strings.TrimSpace(msg.Message),
				&core.RedemptionRef{RewardID: rewardID},
			)
		}
		return
	}

	text := strings.TrimSpace(msg.Message)
	if !strings.HasPrefix(text, "!sr") {
		return
	}
	cmd, arg := splitCommand(text)
	c.dispatch(msg, cmd, arg)
}

func (c *ChatClient) dispatch(msg twitchirc.PrivateMessage, cmd, arg string) {
	login := strings.ToLower(msg.User.Name)
	ctx := context.Background()

	switch cmd {
	case "!srapprove":
		if !isModerator(msg) {
			return
		}
		switch {
		case strings.EqualFold(arg, "all"):
			c.engine.ApproveAll(ctx)
		case arg == "":
			c.engine.Approve(ctx, "1")
		default:
			c.engine.Approve(ctx, arg)
		}

	case "!srdeny":
		if !isModerator(msg) {
			return
		}
		if arg == "" {
			c.Say("Usage: !srdeny <position|@user>")
			return
		}
		c.engine.Deny(ctx, arg)

	case "!srclear":
		if !isModerator(msg) {
			return
		}
		c.engine.Clear(ctx)

	case "!srlist":
		if !isModerator(msg) {
			return
		}
		c.engine.List()

	case "!srrequest":
		if !isModerator(msg) {
			return
		}
		if arg == "" {
			c.Say("Usage: !srrequest <song or link>")
			return
		}
		c.engine.HandleFreeRequest(login, displayName(msg), arg)

	case "!srqueue":
		if c.gate.Allow(login) {
			c.engine.Queue()
		}

	case "!srstatus":
		if c.gate.Allow(login) {
			c.engine.Status()
		}

	case "!srmy", "!srmine":
		if c.gate.Allow(login) {
			c.engine.My(login, displayName(msg))
		}
	}
}

func splitCommand(text string) (cmd, arg string) {
	parts := strings.SplitN(text, " ", 2)
	cmd = strings.ToLower(parts[0])
	if len(parts) == 2 {
		arg = strings.TrimSpace(parts[1])
	}
	return cmd, arg
}

func isModerator(msg twitchirc.PrivateMessage) bool {
	return msg.User.Badges["moderator"] > 0 || msg.User.Badges["broadcaster"] > 0
}

func displayName(msg twitchirc.PrivateMessage) string {
	if msg.User.DisplayName != "" {
		return msg.User.DisplayName
	}
	return msg.User.Name
}
