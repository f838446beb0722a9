package bot

import (
	"context"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"

	"github.com/hearthbot/hearth/presence"
	"github.com/hearthbot/hearth/telemetry"
)

// handleVoiceState translates a gateway voice update into a presence event.
// BeforeUpdate carries the cached previous state, which is how a Leave (new
// channel empty) and a Move (both set, different) are told apart from a Join.
func (b *Bot) handleVoiceState(_ *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
	if vs.Member != nil && vs.Member.User != nil && vs.Member.User.Bot {
		return
	}

	var oldChannel string
	if vs.BeforeUpdate != nil {
		oldChannel = vs.BeforeUpdate.ChannelID
	}

	ev := presence.Event{
		UserID:     vs.UserID,
		GuildID:    vs.GuildID,
		OldChannel: oldChannel,
		NewChannel: vs.ChannelID,
		Timestamp:  time.Now().UTC(),
	}
	ctx := telemetry.WithCorrelation(context.Background(), uuid.NewString())
	b.tracker.HandleEvent(ctx, ev)
}

// stateConnectivity answers connectivity snapshots from the session's state
// cache, so reconciliation and the sweep need no REST round trips.
type stateConnectivity struct {
	state *discordgo.State
}

func (c *stateConnectivity) ConnectedUsers(_ context.Context, guildID string) (map[string]struct{}, error) {
	guild, err := c.state.Guild(guildID)
	if err != nil {
		return nil, err
	}
	c.state.RLock()
	defer c.state.RUnlock()
	out := make(map[string]struct{}, len(guild.VoiceStates))
	for _, vs := range guild.VoiceStates {
		if vs.ChannelID != "" {
			out[vs.UserID] = struct{}{}
		}
	}
	return out, nil
}
