package rolecall

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
)

// ErrMalformedEvent is wrapped by every [MalformedEventError]. Raw reaction
// payloads missing required identifiers are dropped and logged by the
// caller - they're not expected to self-correct, so they're never retried.
var ErrMalformedEvent = errors.New("malformed reaction event")

// MalformedEventError indicates a raw reaction payload was missing a
// required field, naming the field.
type MalformedEventError struct {
	Field string
}

func (e MalformedEventError) Error() string {
	return fmt.Sprintf("%s: missing %s", ErrMalformedEvent.Error(), e.Field)
}

func (MalformedEventError) Unwrap() error {
	return ErrMalformedEvent
}

// ReactionEvent is a normalized reaction add/remove event. It's constructed
// once per incoming gateway payload, evaluated, and discarded - it is never
// mutated after construction.
//
// GuildID is empty for reactions in direct messages.
type ReactionEvent struct {
	ActorID   string   `json:"actor_id"`
	GuildID   string   `json:"guild_id,omitempty"`
	ChannelID string   `json:"channel_id"`
	MessageID string   `json:"message_id"`
	Emoji     EmojiRef `json:"emoji"`
	Added     bool     `json:"added"`
}

func (e ReactionEvent) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("actor_id", e.ActorID),
		slog.String("channel_id", e.ChannelID),
		slog.String("message_id", e.MessageID),
		slog.Any("emoji", e.Emoji),
		slog.Bool("added", e.Added),
	}
	if e.GuildID != "" {
		attrs = append(attrs, slog.String("guild_id", e.GuildID))
	}
	return slog.GroupValue(attrs...)
}

// NormalizeReactionAdd converts a raw MessageReactionAdd payload into a
// ReactionEvent.
func NormalizeReactionAdd(r *discordgo.MessageReactionAdd) (ReactionEvent, error) {
	if r == nil {
		return ReactionEvent{}, MalformedEventError{Field: "payload"}
	}
	return normalizeReaction(r.MessageReaction, true)
}

// NormalizeReactionRemove converts a raw MessageReactionRemove payload into
// a ReactionEvent.
func NormalizeReactionRemove(r *discordgo.MessageReactionRemove) (ReactionEvent, error) {
	if r == nil {
		return ReactionEvent{}, MalformedEventError{Field: "payload"}
	}
	return normalizeReaction(r.MessageReaction, false)
}

// normalizeReaction is the shared add/remove path. It's a pure
// transformation: no session state, no I/O.
func normalizeReaction(
	r *discordgo.MessageReaction,
	added bool,
) (ReactionEvent, error) {
	if r == nil {
		return ReactionEvent{}, MalformedEventError{Field: "payload"}
	}
	if r.UserID == "" {
		return ReactionEvent{}, MalformedEventError{Field: "actor id"}
	}
	if r.ChannelID == "" {
		return ReactionEvent{}, MalformedEventError{Field: "channel id"}
	}
	if r.MessageID == "" {
		return ReactionEvent{}, MalformedEventError{Field: "message id"}
	}
	emoji, err := EmojiRefFromDiscord(r.Emoji)
	if err != nil {
		return ReactionEvent{}, MalformedEventError{Field: "emoji"}
	}
	return ReactionEvent{
		ActorID:   r.UserID,
		GuildID:   r.GuildID,
		ChannelID: r.ChannelID,
		MessageID: r.MessageID,
		Emoji:     emoji,
		Added:     added,
	}, nil
}
