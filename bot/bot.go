// Package bot adapts the Discord gateway to the presence engine: it translates
// voice state updates into presence events, answers slash commands, and cleans
// up after departing members.
package bot

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/hearthbot/hearth/presence"
	"github.com/hearthbot/hearth/rewards"
)

// Bot owns the gateway session and routes its events.
type Bot struct {
	session *discordgo.Session
	tracker *presence.Tracker
	rewards *rewards.Engine
}

// New builds the bot around an existing tracker and reward engine. The session
// stays closed until Start.
func New(token string, tracker *presence.Tracker, engine *rewards.Engine) (*Bot, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildMessages

	// The state cache must track voice states for connectivity snapshots.
	session.StateEnabled = true
	session.State.TrackVoice = true

	b := &Bot{session: session, tracker: tracker, rewards: engine}
	session.AddHandler(b.handleReady)
	session.AddHandler(b.handleVoiceState)
	session.AddHandler(b.handleInteraction)
	session.AddHandler(b.handleMemberRemove)
	session.AddHandler(b.handleMessage)
	return b, nil
}

// Start opens the gateway connection and registers slash commands.
func (b *Bot) Start(ctx context.Context) error {
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("open discord connection: %w", err)
	}
	if err := b.registerCommands(); err != nil {
		b.session.Close()
		return fmt.Errorf("register commands: %w", err)
	}
	slog.Info("discord gateway connected",
		slog.String("user", b.session.State.User.Username),
		slog.String("component", "bot"))
	return nil
}

// Stop closes the gateway connection.
func (b *Bot) Stop() error {
	return b.session.Close()
}

// Connectivity exposes the gateway's voice state cache to the presence engine.
func (b *Bot) Connectivity() presence.ConnectivitySource {
	return &stateConnectivity{state: b.session.State}
}

func (b *Bot) handleReady(_ *discordgo.Session, r *discordgo.Ready) {
	slog.Info("gateway ready",
		slog.Int("guilds", len(r.Guilds)),
		slog.String("component", "bot"))
}
