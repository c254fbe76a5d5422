package rolecall

import (
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmojiRefEqual(t *testing.T) {
	t.Run("unicode compares by code points", func(t *testing.T) {
		a := UnicodeEmoji("🎮")
		b := UnicodeEmoji("🎮")
		c := UnicodeEmoji("🚀")
		assert.True(t, a.Equal(b))
		assert.False(t, a.Equal(c))
	})

	t.Run("custom compares by id, never by name", func(t *testing.T) {
		a := CustomEmoji("1060778008039919616", "wave", true)
		renamed := CustomEmoji("1060778008039919616", "hello", false)
		otherGuild := CustomEmoji("1060778008039919999", "wave", true)

		assert.True(t, a.Equal(renamed))
		assert.False(t, a.Equal(otherGuild))
	})

	t.Run("kinds never compare equal", func(t *testing.T) {
		unicode := UnicodeEmoji("wave")
		custom := CustomEmoji("wave", "wave", true)
		assert.False(t, unicode.Equal(custom))
	})
}

func TestEmojiRefKey(t *testing.T) {
	assert.Equal(t, "🎮", UnicodeEmoji("🎮").Key())
	assert.Equal(
		t,
		"custom:1060778008039919616",
		CustomEmoji("1060778008039919616", "wave", true).Key(),
	)
}

func TestEmojiRefAPIName(t *testing.T) {
	assert.Equal(t, "🎮", UnicodeEmoji("🎮").APIName())
	assert.Equal(
		t,
		"wave:1060778008039919616",
		CustomEmoji("1060778008039919616", "wave", true).APIName(),
	)
}

func TestEmojiRefMessageFormat(t *testing.T) {
	assert.Equal(t, "🎮", UnicodeEmoji("🎮").MessageFormat())
	assert.Equal(
		t,
		"<:wave:1060778008039919616>",
		CustomEmoji("1060778008039919616", "wave", true).MessageFormat(),
	)
}

// Custom triggers loaded from storage only carry the ID. The mention and
// API formats still need a name, so a placeholder stands in.
func TestEmojiRefFormatsWithoutName(t *testing.T) {
	var stored EmojiRef
	require.NoError(t, stored.Scan("custom:1060778008039919616"))
	assert.Empty(t, stored.Name)
	assert.Equal(t, "<:emoji:1060778008039919616>", stored.MessageFormat())
	assert.Equal(t, "emoji:1060778008039919616", stored.APIName())
	assert.NotContains(t, stored.MessageFormat(), "<::")
}

func TestParseEmojiRef(t *testing.T) {
	t.Run("unicode", func(t *testing.T) {
		ref, err := ParseEmojiRef("🎮")
		require.NoError(t, err)
		assert.Equal(t, EmojiKindUnicode, ref.Kind)
		assert.Equal(t, "🎮", ref.CodePoints)
	})

	t.Run("canonical custom key", func(t *testing.T) {
		ref, err := ParseEmojiRef("custom:1060778008039919616")
		require.NoError(t, err)
		assert.Equal(t, EmojiKindCustom, ref.Kind)
		assert.Equal(t, "1060778008039919616", ref.CustomID)
	})

	t.Run("name:id form", func(t *testing.T) {
		ref, err := ParseEmojiRef("wave:1060778008039919616")
		require.NoError(t, err)
		assert.Equal(t, EmojiKindCustom, ref.Kind)
		assert.Equal(t, "1060778008039919616", ref.CustomID)
		assert.Equal(t, "wave", ref.Name)
	})

	t.Run("name with non-numeric suffix is unicode", func(t *testing.T) {
		ref, err := ParseEmojiRef("face:palm")
		require.NoError(t, err)
		assert.Equal(t, EmojiKindUnicode, ref.Kind)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := ParseEmojiRef("")
		require.ErrorIs(t, err, ErrInvalidEmoji)
	})

	t.Run("empty custom id", func(t *testing.T) {
		_, err := ParseEmojiRef("custom:")
		require.ErrorIs(t, err, ErrInvalidEmoji)
	})
}

func TestEmojiRefFromDiscord(t *testing.T) {
	t.Run("custom", func(t *testing.T) {
		ref, err := EmojiRefFromDiscord(
			discordgo.Emoji{ID: "1060778008039919616", Name: "wave"},
		)
		require.NoError(t, err)
		assert.Equal(t, EmojiKindCustom, ref.Kind)
		assert.Equal(t, "1060778008039919616", ref.CustomID)
		assert.True(t, ref.Accessible)
	})

	t.Run("inaccessible custom", func(t *testing.T) {
		ref, err := EmojiRefFromDiscord(
			discordgo.Emoji{ID: "1060778008039919616"},
		)
		require.NoError(t, err)
		assert.Equal(t, EmojiKindCustom, ref.Kind)
		assert.False(t, ref.Accessible)
	})

	t.Run("unicode", func(t *testing.T) {
		ref, err := EmojiRefFromDiscord(discordgo.Emoji{Name: "🎮"})
		require.NoError(t, err)
		assert.Equal(t, EmojiKindUnicode, ref.Kind)
		assert.Equal(t, "🎮", ref.CodePoints)
	})

	t.Run("empty payload", func(t *testing.T) {
		_, err := EmojiRefFromDiscord(discordgo.Emoji{})
		require.ErrorIs(t, err, ErrInvalidEmoji)
	})
}

func TestEmojiRefValueScan(t *testing.T) {
	original := CustomEmoji("1060778008039919616", "wave", true)
	value, err := original.Value()
	require.NoError(t, err)

	var scanned EmojiRef
	require.NoError(t, scanned.Scan(value))
	assert.True(t, original.Equal(scanned))

	var fromBytes EmojiRef
	require.NoError(t, fromBytes.Scan([]byte("🎮")))
	assert.True(t, UnicodeEmoji("🎮").Equal(fromBytes))

	_, err = EmojiRef{}.Value()
	require.ErrorIs(t, err, ErrInvalidEmoji)

	var bad EmojiRef
	require.Error(t, bad.Scan(42))
}
