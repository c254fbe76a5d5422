package rolecall

import (
	"context"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipelineTestRoleCall returns a fully initialized bot with a stored
// grant rule for 🎮 on the test message, compiled into the active table,
// executing against the mock session.
func pipelineTestRoleCall(t *testing.T) (*RoleCall, *mockDiscordSession) {
	t.Helper()
	r := newTestRoleCall(t)
	setTestAdminCredentials(t, r, "admin", "passw0rd")
	mock := r.discord.session.(*mockDiscordSession)
	r.executor = NewActionExecutor(mock, testExecutorConfig(), "", testLogger(t))

	ctx := context.Background()
	require.NoError(
		t, createReactionRule(
			ctx, r.writeDB, &ReactionRule{
				GuildID:    testGuildID,
				Trigger:    UnicodeEmoji("🎮"),
				MessageID:  testMessageID,
				ActionKind: ActionGrantRole,
				RoleID:     testRoleID,
			},
		),
	)
	require.NoError(t, r.refreshRuleTable(ctx))
	return r, mock
}

// Gateway payload in, role change and audit row out.
func TestReactionEventPipeline(t *testing.T) {
	r, mock := pipelineTestRoleCall(t)
	ctx := context.Background()

	event, err := NormalizeReactionAdd(
		&discordgo.MessageReactionAdd{MessageReaction: testReactionPayload()},
	)
	require.NoError(t, err)
	r.handleReactionEvent(ctx, event)

	mock.mu.Lock()
	adds := append([]mockRoleChange{}, mock.roleAdds...)
	mock.mu.Unlock()
	require.Len(t, adds, 1)
	assert.Equal(
		t,
		mockRoleChange{
			GuildID: testGuildID,
			UserID:  testActorID,
			RoleID:  testRoleID,
		},
		adds[0],
	)

	var entries []ActionLog
	require.NoError(t, r.db.Find(&entries).Error)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Success)
	assert.Equal(t, ActionGrantRole, entries[0].ActionKind)
	assert.Equal(t, testActorID, entries[0].ActorID)
	assert.Equal(t, testMessageID, entries[0].MessageID)
	assert.Equal(t, "🎮", entries[0].Emoji)
	assert.True(t, entries[0].Added)

	assert.Equal(t, int64(1), r.eventsEvaluated.Load())
	assert.Equal(t, int64(1), r.actionsExecuted.Load())
	assert.Equal(t, int64(0), r.actionsFailed.Load())
}

// Removing the reaction revokes the granted role.
func TestReactionEventPipelineRemove(t *testing.T) {
	r, mock := pipelineTestRoleCall(t)
	ctx := context.Background()

	event, err := NormalizeReactionRemove(
		&discordgo.MessageReactionRemove{MessageReaction: testReactionPayload()},
	)
	require.NoError(t, err)
	r.handleReactionEvent(ctx, event)

	mock.mu.Lock()
	removes := append([]mockRoleChange{}, mock.roleRemoves...)
	mock.mu.Unlock()
	require.Len(t, removes, 1)
	assert.Equal(
		t,
		mockRoleChange{
			GuildID: testGuildID,
			UserID:  testActorID,
			RoleID:  testRoleID,
		},
		removes[0],
	)
}

// A failed execution still writes an audit row, marked unsuccessful.
func TestReactionEventPipelineRecordsFailure(t *testing.T) {
	r, mock := pipelineTestRoleCall(t)
	ctx := context.Background()
	mock.roleAddFunc = func(string, string, string) error {
		return restError(0, discordgo.ErrCodeMissingAccess)
	}

	event, err := NormalizeReactionAdd(
		&discordgo.MessageReactionAdd{MessageReaction: testReactionPayload()},
	)
	require.NoError(t, err)
	r.handleReactionEvent(ctx, event)

	var entries []ActionLog
	require.NoError(t, r.db.Find(&entries).Error)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Success)
	assert.NotEmpty(t, entries[0].Error)
	assert.Equal(t, int64(1), r.actionsFailed.Load())
}

// Events seen while paused, or before the admin setup has completed, are
// dropped without evaluation.
func TestReactionEventsDroppedWhilePaused(t *testing.T) {
	r, mock := pipelineTestRoleCall(t)
	ctx := context.Background()

	event, err := NormalizeReactionAdd(
		&discordgo.MessageReactionAdd{MessageReaction: testReactionPayload()},
	)
	require.NoError(t, err)

	r.paused.Store(true)
	r.handleReactionEvent(ctx, event)

	r.paused.Store(false)
	r.pendingSetup.Store(true)
	r.handleReactionEvent(ctx, event)

	mock.mu.Lock()
	addCount := len(mock.roleAdds)
	mock.mu.Unlock()
	assert.Zero(t, addCount)
	assert.Equal(t, int64(0), r.eventsEvaluated.Load())

	var entries []ActionLog
	require.NoError(t, r.db.Find(&entries).Error)
	assert.Empty(t, entries)
}

// Malformed gateway payloads are dropped at dispatch, never evaluated.
func TestDispatchReactionDropsMalformedEvents(t *testing.T) {
	r, mock := pipelineTestRoleCall(t)

	payload := testReactionPayload()
	payload.UserID = ""
	event, err := NormalizeReactionAdd(
		&discordgo.MessageReactionAdd{MessageReaction: payload},
	)
	require.ErrorIs(t, err, ErrMalformedEvent)

	r.discord.dispatchReaction(event, err)

	mock.mu.Lock()
	addCount := len(mock.roleAdds)
	mock.mu.Unlock()
	assert.Zero(t, addCount)
	assert.Equal(t, int64(0), r.eventsEvaluated.Load())
}
