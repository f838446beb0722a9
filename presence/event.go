// Package presence is the voice presence-duration tracking engine: it turns
// raw voice channel transitions into durable accumulated-time records, keeps
// the in-process view of open sessions, reconciles persisted state against
// live connectivity across restarts, and answers ranking queries.
package presence

import "time"

// Event is one raw voice transition as seen by the gateway adapter. Channel
// ids are empty when the user was/is not in any voice channel of the guild.
type Event struct {
	UserID     string
	GuildID    string
	OldChannel string
	NewChannel string
	Timestamp  time.Time
}

// EventKind classifies a transition.
type EventKind int

const (
	// KindNone covers transitions that do not affect presence accounting:
	// mute/deafen flips (same channel on both sides) and empty updates.
	KindNone EventKind = iota
	KindJoin
	KindLeave
	KindMove
)

// Kind classifies the event per the old/new channel pair.
func (e Event) Kind() EventKind {
	switch {
	case e.OldChannel == "" && e.NewChannel != "":
		return KindJoin
	case e.OldChannel != "" && e.NewChannel == "":
		return KindLeave
	case e.OldChannel != "" && e.NewChannel != "" && e.OldChannel != e.NewChannel:
		return KindMove
	default:
		return KindNone
	}
}

func (k EventKind) String() string {
	switch k {
	case KindJoin:
		return "join"
	case KindLeave:
		return "leave"
	case KindMove:
		return "move"
	default:
		return "none"
	}
}
