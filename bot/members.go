package bot

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"

	"github.com/hearthbot/hearth/telemetry"
)

// handleMemberRemove drops a departing member's tracked time and XP. Any open
// session closes with it, so a user who leaves the guild mid-call does not
// linger in the active set.
func (b *Bot) handleMemberRemove(_ *discordgo.Session, m *discordgo.GuildMemberRemove) {
	if m.User == nil || m.User.Bot {
		return
	}
	ctx := telemetry.WithCorrelation(context.Background(), uuid.NewString())
	if err := b.tracker.ResetUser(ctx, m.User.ID, m.GuildID); err != nil {
		slog.Error("departure cleanup failed",
			slog.String("user", m.User.ID), slog.String("guild", m.GuildID),
			slog.Any("err", err), slog.String("component", "bot"))
		return
	}
	if err := b.rewards.ResetUser(ctx, m.User.ID, m.GuildID); err != nil {
		slog.Error("departure XP cleanup failed",
			slog.String("user", m.User.ID), slog.String("guild", m.GuildID),
			slog.Any("err", err), slog.String("component", "bot"))
	}
	slog.Info("departed member cleaned up",
		slog.String("user", m.User.ID), slog.String("guild", m.GuildID),
		slog.String("component", "bot"))
}

// handleMessage grants chat XP and announces level-ups.
func (b *Bot) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.GuildID == "" {
		return
	}
	ctx := telemetry.WithCorrelation(context.Background(), uuid.NewString())
	leveled, level, err := b.rewards.Message(ctx, m.Author.ID, m.GuildID)
	if err != nil {
		slog.Error("message grant failed",
			slog.String("user", m.Author.ID), slog.String("guild", m.GuildID),
			slog.Any("err", err), slog.String("component", "bot"))
		return
	}
	if leveled {
		msg := fmt.Sprintf("%s reached level %d! 🎉", mention(m.Author.ID), level)
		if _, err := s.ChannelMessageSend(m.ChannelID, msg); err != nil {
			slog.Warn("level-up announcement failed", slog.Any("err", err),
				slog.String("component", "bot"))
		}
	}
}
