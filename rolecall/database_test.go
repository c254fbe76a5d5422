package rolecall

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func testDB(t testing.TB) *gorm.DB {
	t.Helper()
	dbPath := filepath.Join(
		t.TempDir(),
		fmt.Sprintf("%s.sqlite3", t.Name()),
	)
	db, err := CreateDB(context.Background(), dbTypeSQLite, dbPath)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)
	return db
}

func TestCreateDBMigrates(t *testing.T) {
	db := testDB(t)
	mg := db.Migrator()
	assert.True(t, mg.HasTable(&ReactionRule{}))
	assert.True(t, mg.HasTable(&ActionLog{}))
	assert.True(t, mg.HasTable(&BotState{}))
}

func TestGetBotStateEmpty(t *testing.T) {
	db := testDB(t)
	state, err := getBotState(context.Background(), db)
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestCreateReactionRuleAssignsPosition(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	writeDB := NewDatabase(db, nil, false)

	first := &ReactionRule{
		GuildID:    testGuildID,
		Trigger:    UnicodeEmoji("🎮"),
		ActionKind: ActionGrantRole,
		RoleID:     testRoleID,
	}
	require.NoError(t, createReactionRule(ctx, writeDB, first))
	assert.Equal(t, 1, first.Position)

	second := &ReactionRule{
		GuildID:    testGuildID,
		Trigger:    UnicodeEmoji("🚀"),
		ActionKind: ActionDenyReaction,
	}
	require.NoError(t, createReactionRule(ctx, writeDB, second))
	assert.Equal(t, 2, second.Position)

	// positions are per guild
	otherGuild := &ReactionRule{
		GuildID:    "1060778008000009999",
		Trigger:    UnicodeEmoji("🎮"),
		ActionKind: ActionGrantRole,
		RoleID:     testRoleID,
	}
	require.NoError(t, createReactionRule(ctx, writeDB, otherGuild))
	assert.Equal(t, 1, otherGuild.Position)

	// explicit positions are kept
	explicit := &ReactionRule{
		GuildID:    testGuildID,
		Trigger:    UnicodeEmoji("👋"),
		ActionKind: ActionAcknowledge,
		Template:   "hi {user}",
		Position:   10,
	}
	require.NoError(t, createReactionRule(ctx, writeDB, explicit))
	assert.Equal(t, 10, explicit.Position)
}

func TestGetReactionRulesFiltersByGuild(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	writeDB := NewDatabase(db, nil, false)

	for _, guildID := range []string{testGuildID, testGuildID, "1060778008000009999"} {
		rule := &ReactionRule{
			GuildID:    guildID,
			Trigger:    UnicodeEmoji("🎮"),
			ActionKind: ActionGrantRole,
			RoleID:     testRoleID,
		}
		require.NoError(t, createReactionRule(ctx, writeDB, rule))
	}

	rules, err := getReactionRules(ctx, db, testGuildID)
	require.NoError(t, err)
	assert.Len(t, rules, 2)

	all, err := getReactionRules(ctx, db, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestDeleteReactionRule(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	writeDB := NewDatabase(db, nil, false)

	rule := &ReactionRule{
		GuildID:    testGuildID,
		Trigger:    UnicodeEmoji("🎮"),
		ActionKind: ActionGrantRole,
		RoleID:     testRoleID,
	}
	require.NoError(t, createReactionRule(ctx, writeDB, rule))

	found, err := getReactionRule(ctx, db, rule.ID)
	require.NoError(t, err)
	require.NotNil(t, found)

	require.NoError(t, deleteReactionRule(ctx, writeDB, rule))

	found, err = getReactionRule(ctx, db, rule.ID)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestLoadRuleTable(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	writeDB := NewDatabase(db, nil, false)

	rules := []*ReactionRule{
		{
			GuildID:    testGuildID,
			Trigger:    UnicodeEmoji("🎮"),
			ActionKind: ActionGrantRole,
			RoleID:     testRoleID,
		},
		{
			GuildID:    testGuildID,
			Trigger:    UnicodeEmoji("🎮"),
			MessageID:  testMessageID,
			ActionKind: ActionDenyReaction,
			Reason:     "reserved",
		},
		{
			GuildID:    testGuildID,
			Trigger:    UnicodeEmoji("🚀"),
			ActionKind: ActionAcknowledge,
			Template:   "hi {user}",
			Disabled:   true,
		},
	}
	for _, rule := range rules {
		require.NoError(t, createReactionRule(ctx, writeDB, rule))
	}

	table, err := loadRuleTable(ctx, db, true)
	require.NoError(t, err)

	// disabled rules are excluded from the compiled table
	assert.Equal(t, 2, table.Len())
	_, ok := table.Lookup(UnicodeEmoji("🚀"), testMessageID)
	assert.False(t, ok)

	rule, ok := table.Lookup(UnicodeEmoji("🎮"), testMessageID)
	require.True(t, ok)
	assert.Equal(t, ActionDenyReaction, rule.Action.Kind)

	rule, ok = table.Lookup(UnicodeEmoji("🎮"), "1060797825417470000")
	require.True(t, ok)
	assert.Equal(t, ActionGrantRole, rule.Action.Kind)
}

// loadRuleTable still rejects a stored conflict, as a safety net for rows
// written outside createReactionRule.
func TestLoadRuleTableConflict(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	writeDB := NewDatabase(db, nil, false)

	require.NoError(
		t, createReactionRule(
			ctx, writeDB, &ReactionRule{
				GuildID:    testGuildID,
				Trigger:    UnicodeEmoji("🎮"),
				ActionKind: ActionGrantRole,
				RoleID:     testRoleID,
			},
		),
	)
	_, err := writeDB.Create(
		ctx, &ReactionRule{
			GuildID:    testGuildID,
			Trigger:    UnicodeEmoji("🎮"),
			ActionKind: ActionRevokeRole,
			RoleID:     testRoleID,
			Position:   2,
		},
	)
	require.NoError(t, err)

	_, err = loadRuleTable(ctx, db, true)
	var conflict ConflictingRuleError
	require.ErrorAs(t, err, &conflict)
}

// A rule that conflicts with an already-stored rule never reaches the
// database - a persisted conflict would fail every reload until the row
// was deleted by hand.
func TestCreateReactionRuleRejectsConflict(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	writeDB := NewDatabase(db, nil, false)

	require.NoError(
		t, createReactionRule(
			ctx, writeDB, &ReactionRule{
				GuildID:    testGuildID,
				Trigger:    UnicodeEmoji("✅"),
				MessageID:  testMessageID,
				ActionKind: ActionGrantRole,
				RoleID:     testRoleID,
			},
		),
	)

	err := createReactionRule(
		ctx, writeDB, &ReactionRule{
			GuildID:    testGuildID,
			Trigger:    UnicodeEmoji("✅"),
			MessageID:  testMessageID,
			ActionKind: ActionRevokeRole,
			RoleID:     "1060778008039919617",
		},
	)
	var conflict ConflictingRuleError
	require.ErrorAs(t, err, &conflict)

	// the conflicting row was never stored, so the set still compiles
	rules, err := getReactionRules(ctx, db, testGuildID)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	table, err := loadRuleTable(ctx, db, true)
	require.NoError(t, err)
	assert.Equal(t, 1, table.Len())
}

// Disabled rules don't participate in the compiled table, so they may
// contradict an enabled rule.
func TestCreateReactionRuleAllowsDisabledConflict(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	writeDB := NewDatabase(db, nil, false)

	require.NoError(
		t, createReactionRule(
			ctx, writeDB, &ReactionRule{
				GuildID:    testGuildID,
				Trigger:    UnicodeEmoji("✅"),
				ActionKind: ActionGrantRole,
				RoleID:     testRoleID,
			},
		),
	)
	require.NoError(
		t, createReactionRule(
			ctx, writeDB, &ReactionRule{
				GuildID:    testGuildID,
				Trigger:    UnicodeEmoji("✅"),
				ActionKind: ActionRevokeRole,
				RoleID:     testRoleID,
				Disabled:   true,
			},
		),
	)

	table, err := loadRuleTable(ctx, db, true)
	require.NoError(t, err)
	assert.Equal(t, 1, table.Len())
}

func TestReactionRuleTriggerRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	writeDB := NewDatabase(db, nil, false)

	rule := &ReactionRule{
		GuildID:    testGuildID,
		Trigger:    CustomEmoji("1060778008039910000", "wave", true),
		ActionKind: ActionGrantRole,
		RoleID:     testRoleID,
	}
	require.NoError(t, createReactionRule(ctx, writeDB, rule))

	loaded, err := getReactionRule(ctx, db, rule.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, EmojiKindCustom, loaded.Trigger.Kind)
	assert.True(t, rule.Trigger.Equal(loaded.Trigger))
}

func TestReactionRuleSummary(t *testing.T) {
	rule := ReactionRule{
		ModelUintID: ModelUintID{ID: 7},
		Trigger:     UnicodeEmoji("🎮"),
		ActionKind:  ActionGrantRole,
		RoleID:      testRoleID,
		Sticky:      true,
		MessageID:   testMessageID,
	}
	summary := rule.summary()
	assert.Contains(t, summary, "`7`")
	assert.Contains(t, summary, "🎮")
	assert.Contains(t, summary, "grants <@&"+testRoleID+">")
	assert.Contains(t, summary, "(sticky)")
	assert.Contains(t, summary, testMessageID)

	wildcard := ReactionRule{
		ModelUintID: ModelUintID{ID: 8},
		Trigger:     UnicodeEmoji("🚀"),
		ActionKind:  ActionDenyReaction,
		Disabled:    true,
	}
	summary = wildcard.summary()
	assert.Contains(t, summary, "removes the reaction")
	assert.Contains(t, summary, "on any message")
	assert.Contains(t, summary, "[disabled]")
}
