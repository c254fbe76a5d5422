package rolecall

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// EmojiKind discriminates the two emoji variants Discord delivers in
// reaction payloads: plain unicode emoji, and guild custom emoji.
type EmojiKind string

const (
	EmojiKindUnicode EmojiKind = "unicode"
	EmojiKindCustom  EmojiKind = "custom"

	// emojiKeyCustomPrefix marks the storage/lookup key of a custom emoji.
	// Unicode emoji are keyed by their raw code points, which can never
	// collide with this prefix.
	emojiKeyCustomPrefix = "custom:"
)

var ErrInvalidEmoji = errors.New("invalid emoji")

// EmojiRef is the resolved identity of an emoji seen in a reaction event.
//
// Identity is established exactly once, when the raw payload is normalized:
// unicode emoji are identified by their code points, custom emoji by their
// numeric ID. Display names never participate in equality - two custom
// emoji named ":wave:" on different guilds are different emoji, and a
// renamed custom emoji is still the same one.
//
// Fields:
//   - Kind: which variant this is.
//   - CodePoints: the unicode emoji itself (unicode variant only).
//   - CustomID: the custom emoji snowflake (custom variant only).
//   - Name: display name, informational only. Never compared.
//   - Accessible: whether the bot can use the custom emoji (false when the
//     bot isn't a member of the owning guild).
type EmojiRef struct {
	Kind       EmojiKind `json:"kind"`
	CodePoints string    `json:"code_points,omitempty"`
	CustomID   string    `json:"custom_id,omitempty"`
	Name       string    `json:"name,omitempty"`
	Accessible bool      `json:"accessible,omitempty"`
}

// UnicodeEmoji returns an EmojiRef for a plain unicode emoji.
func UnicodeEmoji(codePoints string) EmojiRef {
	return EmojiRef{Kind: EmojiKindUnicode, CodePoints: codePoints}
}

// CustomEmoji returns an EmojiRef for a guild custom emoji.
func CustomEmoji(id string, name string, accessible bool) EmojiRef {
	return EmojiRef{
		Kind:       EmojiKindCustom,
		CustomID:   id,
		Name:       name,
		Accessible: accessible,
	}
}

// EmojiRefFromDiscord resolves a [discordgo.Emoji] from a raw reaction
// payload into an EmojiRef. Raw payloads carry a partial emoji object:
// custom emoji always have an ID, unicode emoji never do.
func EmojiRefFromDiscord(e discordgo.Emoji) (EmojiRef, error) {
	if e.ID != "" {
		// Discord omits `available` for emoji the bot can't see, so a raw
		// custom emoji with Available=false and no name is one the bot
		// can't access.
		accessible := e.Available || e.Name != ""
		return CustomEmoji(e.ID, e.Name, accessible), nil
	}
	if e.Name == "" {
		return EmojiRef{}, fmt.Errorf("%w: no id or code points", ErrInvalidEmoji)
	}
	return UnicodeEmoji(e.Name), nil
}

// IsZero reports whether e is the zero EmojiRef.
func (e EmojiRef) IsZero() bool {
	return e.Kind == ""
}

// Key returns the canonical identity key used for rule lookups and
// database storage. Custom emoji keys are prefixed so they can't collide
// with unicode code points.
func (e EmojiRef) Key() string {
	if e.Kind == EmojiKindCustom {
		return emojiKeyCustomPrefix + e.CustomID
	}
	return e.CodePoints
}

// Equal reports whether two refs identify the same emoji. Unicode emoji
// compare by code points, custom emoji by ID. Name is ignored.
func (e EmojiRef) Equal(other EmojiRef) bool {
	if e.Kind != other.Kind {
		return false
	}
	if e.Kind == EmojiKindCustom {
		return e.CustomID == other.CustomID
	}
	return e.CodePoints == other.CodePoints
}

// APIName returns the emoji identifier in the `name:id` format the Discord
// REST API expects for reaction endpoints.
func (e EmojiRef) APIName() string {
	if e.Kind == EmojiKindCustom {
		return e.displayName() + ":" + e.CustomID
	}
	return e.CodePoints
}

// MessageFormat returns the emoji as it renders inside message content.
func (e EmojiRef) MessageFormat() string {
	if e.Kind == EmojiKindCustom {
		return fmt.Sprintf("<:%s:%s>", e.displayName(), e.CustomID)
	}
	return e.CodePoints
}

// displayName returns the custom emoji's name, or a placeholder when it
// isn't known. Refs loaded from storage carry only the ID, and Discord
// resolves `<:name:id>` mentions and `name:id` API params by ID, so any
// non-empty name renders correctly.
func (e EmojiRef) displayName() string {
	if e.Name != "" {
		return e.Name
	}
	return "emoji"
}

func (e EmojiRef) String() string {
	return e.Key()
}

// ParseEmojiRef parses a canonical key (see [EmojiRef.Key]) or a
// `name:id` custom emoji form back into an EmojiRef.
func ParseEmojiRef(s string) (EmojiRef, error) {
	if s == "" {
		return EmojiRef{}, fmt.Errorf("%w: empty", ErrInvalidEmoji)
	}
	if id, found := strings.CutPrefix(s, emojiKeyCustomPrefix); found {
		if id == "" {
			return EmojiRef{}, fmt.Errorf("%w: empty custom emoji id", ErrInvalidEmoji)
		}
		return CustomEmoji(id, "", true), nil
	}
	if name, id, found := strings.Cut(s, ":"); found && isSnowflake(id) {
		return CustomEmoji(id, name, true), nil
	}
	return UnicodeEmoji(s), nil
}

// Value implements driver.Valuer, storing the canonical key.
func (e EmojiRef) Value() (driver.Value, error) {
	if e.IsZero() {
		return nil, fmt.Errorf("%w: zero EmojiRef", ErrInvalidEmoji)
	}
	return e.Key(), nil
}

// Scan implements sql.Scanner.
func (e *EmojiRef) Scan(value any) error {
	var s string
	switch v := value.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("%w: cannot scan %T", ErrInvalidEmoji, value)
	}
	ref, err := ParseEmojiRef(s)
	if err != nil {
		return err
	}
	*e = ref
	return nil
}

// GormDataType implements the gorm.GormDataTypeInterface interface.
func (EmojiRef) GormDataType() string {
	return "string"
}

func (e EmojiRef) LogValue() slog.Value {
	if e.Kind == EmojiKindCustom {
		return slog.GroupValue(
			slog.String("kind", string(e.Kind)),
			slog.String("id", e.CustomID),
			slog.String("name", e.Name),
		)
	}
	return slog.GroupValue(
		slog.String("kind", string(e.Kind)),
		slog.String("code_points", e.CodePoints),
	)
}

// isSnowflake reports whether s looks like a Discord snowflake ID.
func isSnowflake(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
