package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"

	"github.com/hearthbot/hearth/telemetry"
)

func commandDefinitions() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        "voicetime",
			Description: "Voice presence tracking",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "user",
					Description: "Show a user's accumulated voice time",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionUser,
							Name:        "member",
							Description: "Member to look up (defaults to you)",
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "ranking",
					Description: "Show the guild voice time leaderboard",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionInteger,
							Name:        "limit",
							Description: "Number of entries (default 10)",
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "active",
					Description: "Show who is in voice right now",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "stats",
					Description: "Show guild-wide voice statistics",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "reset",
					Description: "Reset a user's tracked time (admin only)",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionUser,
							Name:        "member",
							Description: "Member to reset",
							Required:    true,
						},
						{
							Type:        discordgo.ApplicationCommandOptionBoolean,
							Name:        "confirm",
							Description: "Confirm the reset, it cannot be undone",
							Required:    true,
						},
					},
				},
			},
		},
	}
}

// registerCommands bulk-overwrites the global command set, which also removes
// anything stale from a previous deploy.
func (b *Bot) registerCommands() error {
	appID := b.session.State.User.ID
	_, err := b.session.ApplicationCommandBulkOverwrite(appID, "", commandDefinitions())
	if err != nil {
		return err
	}
	slog.Info("slash commands registered", slog.String("component", "bot"))
	return nil
}

func (b *Bot) handleInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	data := i.ApplicationCommandData()
	if data.Name != "voicetime" || len(data.Options) == 0 {
		return
	}

	ctx := telemetry.WithCorrelation(context.Background(), uuid.NewString())
	sub := data.Options[0]
	log := telemetry.LoggerWithCorr(ctx).With(
		slog.String("command", "voicetime "+sub.Name),
		slog.String("guild", i.GuildID),
		slog.String("component", "bot"))

	var err error
	switch sub.Name {
	case "user":
		err = b.cmdUser(ctx, s, i, sub)
	case "ranking":
		err = b.cmdRanking(ctx, s, i, sub)
	case "active":
		err = b.cmdActive(s, i)
	case "stats":
		err = b.cmdStats(ctx, s, i)
	case "reset":
		err = b.cmdReset(ctx, s, i, sub)
	default:
		return
	}
	if err != nil {
		log.Error("command failed", slog.Any("err", err))
		b.replyError(s, i)
	}
}

func (b *Bot) cmdUser(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate, sub *discordgo.ApplicationCommandInteractionDataOption) error {
	userID := interactionUserID(i)
	for _, opt := range sub.Options {
		if opt.Name == "member" {
			userID = opt.UserValue(nil).ID
		}
	}

	sum, found, err := b.tracker.Summary(ctx, userID, i.GuildID)
	if err != nil {
		return err
	}
	if !found {
		return b.reply(s, i, fmt.Sprintf("%s has no tracked voice time yet.", mention(userID)))
	}

	embed := &discordgo.MessageEmbed{
		Title:       "Voice time",
		Description: mention(userID),
		Color:       embedColor,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Total", Value: formatDuration(sum.Effective), Inline: true},
			{Name: "Sessions", Value: fmt.Sprintf("%d", sum.Sessions), Inline: true},
			{Name: "Rank", Value: fmt.Sprintf("#%d", sum.Rank), Inline: true},
		},
	}
	if sum.Online {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name: "In voice for", Value: formatDuration(time.Since(sum.Since)), Inline: true,
		})
	}
	if xp, level, ok, err := b.rewards.Standing(ctx, userID, i.GuildID); err == nil && ok {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name: "Level", Value: fmt.Sprintf("%d (%d XP)", level, xp), Inline: true,
		})
	}
	return b.replyEmbed(s, i, embed)
}

func (b *Bot) cmdRanking(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate, sub *discordgo.ApplicationCommandInteractionDataOption) error {
	limit := 10
	for _, opt := range sub.Options {
		if opt.Name == "limit" {
			if n := int(opt.IntValue()); n > 0 && n <= 25 {
				limit = n
			}
		}
	}

	board, err := b.tracker.Leaderboard(ctx, i.GuildID, limit)
	if err != nil {
		return err
	}
	if len(board) == 0 {
		return b.reply(s, i, "Nobody has tracked voice time yet.")
	}

	var lines []string
	for n, entry := range board {
		marker := ""
		if entry.Online {
			marker = " 🔊"
		}
		lines = append(lines, fmt.Sprintf("%s %s — %s%s",
			medal(n+1), mention(entry.UserID), formatDuration(entry.Effective), marker))
	}
	return b.replyEmbed(s, i, &discordgo.MessageEmbed{
		Title:       "Voice time leaderboard",
		Description: strings.Join(lines, "\n"),
		Color:       embedColor,
	})
}

func (b *Bot) cmdActive(s *discordgo.Session, i *discordgo.InteractionCreate) error {
	active := b.tracker.ActiveSessions(i.GuildID)
	if len(active) == 0 {
		return b.reply(s, i, "Nobody is in voice right now.")
	}

	now := time.Now().UTC()
	var lines []string
	for _, a := range active {
		lines = append(lines, fmt.Sprintf("%s — %s", mention(a.UserID), formatDuration(now.Sub(a.Start))))
	}
	return b.replyEmbed(s, i, &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("In voice now (%d)", len(active)),
		Description: strings.Join(lines, "\n"),
		Color:       embedColor,
	})
}

func (b *Bot) cmdStats(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate) error {
	stats, err := b.tracker.GuildStats(ctx, i.GuildID)
	if err != nil {
		return err
	}
	if stats.Users == 0 {
		return b.reply(s, i, "No voice activity tracked yet.")
	}

	return b.replyEmbed(s, i, &discordgo.MessageEmbed{
		Title: "Guild voice statistics",
		Color: embedColor,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Tracked users", Value: fmt.Sprintf("%d", stats.Users), Inline: true},
			{Name: "In voice now", Value: fmt.Sprintf("%d", stats.Online), Inline: true},
			{Name: "Active in the last 24h", Value: fmt.Sprintf("%d", stats.ActiveToday), Inline: true},
			{Name: "Combined time", Value: formatDuration(stats.Total), Inline: true},
			{Name: "Average per user", Value: formatDuration(stats.Average), Inline: true},
			{Name: "Longest", Value: formatDuration(stats.Max), Inline: true},
		},
	})
}

func (b *Bot) cmdReset(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate, sub *discordgo.ApplicationCommandInteractionDataOption) error {
	if i.Member == nil || i.Member.Permissions&discordgo.PermissionAdministrator == 0 {
		return b.replyEphemeral(s, i, "You need administrator permission to reset tracked time.")
	}

	var userID string
	var confirmed bool
	for _, opt := range sub.Options {
		switch opt.Name {
		case "member":
			userID = opt.UserValue(nil).ID
		case "confirm":
			confirmed = opt.BoolValue()
		}
	}
	if userID == "" {
		return b.replyEphemeral(s, i, "Pick a member to reset.")
	}
	if !confirmed {
		return b.replyEphemeral(s, i, "Pass confirm:true to reset, this cannot be undone.")
	}

	if err := b.tracker.ResetUser(ctx, userID, i.GuildID); err != nil {
		return err
	}
	if err := b.rewards.ResetUser(ctx, userID, i.GuildID); err != nil {
		return err
	}
	slog.Warn("tracked time reset",
		slog.String("user", userID), slog.String("guild", i.GuildID),
		slog.String("by", interactionUserID(i)), slog.String("component", "bot"))
	return b.reply(s, i, fmt.Sprintf("Tracked voice time for %s has been reset.", mention(userID)))
}

func interactionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

const embedColor = 0x5865f2

func (b *Bot) replyEmbed(s *discordgo.Session, i *discordgo.InteractionCreate, embed *discordgo.MessageEmbed) error {
	return s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Embeds: []*discordgo.MessageEmbed{embed}},
	})
}

func (b *Bot) reply(s *discordgo.Session, i *discordgo.InteractionCreate, content string) error {
	return s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Content: content},
	})
}

func (b *Bot) replyEphemeral(s *discordgo.Session, i *discordgo.InteractionCreate, content string) error {
	return s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
}

func (b *Bot) replyError(s *discordgo.Session, i *discordgo.InteractionCreate) {
	_ = b.replyEphemeral(s, i, "Something went wrong, try again in a moment.")
}
