package rolecall

import (
	"log/slog"
	"net/http"
	"os"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockChannelMessage struct {
	ChannelID string
	Content   string
}

type mockRoleChange struct {
	GuildID string
	UserID  string
	RoleID  string
}

type mockReactionRemove struct {
	ChannelID string
	MessageID string
	EmojiID   string
	UserID    string
}

// mockDiscordSession is a mock implementation of the DiscordSessionHandler
// interface. It records calls instead of performing actual operations, and
// the *Func fields can be set to inject errors.
type mockDiscordSession struct {
	logger *slog.Logger
	selfID string

	mu               sync.Mutex
	sentMessages     []mockChannelMessage
	roleAdds         []mockRoleChange
	roleRemoves      []mockRoleChange
	removedReactions []mockReactionRemove

	roleAddFunc          func(guildID string, userID string, roleID string) error
	roleRemoveFunc       func(guildID string, userID string, roleID string) error
	reactionRemoveFunc   func(channelID string, messageID string, emojiID string, userID string) error
	messageSendFunc      func(channelID string, content string) (*discordgo.Message, error)
	channelMessageFunc   func(channelID string, messageID string) (*discordgo.Message, error)
	messageReactionsFunc func(channelID string, messageID string, emojiID string) ([]*discordgo.User, error)
}

func newMockDiscordSession() *mockDiscordSession {
	return &mockDiscordSession{
		logger: slog.New(
			tint.NewHandler(
				os.Stdout, &tint.Options{
					Level:     slog.LevelDebug,
					AddSource: true,
				},
			),
		).With(loggerNameKey, "discord_session_handler"),
		selfID: "99",
	}
}

func (d *mockDiscordSession) Open() error {
	d.logger.Info("opened session")
	return nil
}

func (d *mockDiscordSession) Close() error {
	d.logger.Info("closed session")
	return nil
}

func (d *mockDiscordSession) AddHandler(_ any) func() {
	d.logger.Info("added handler")
	return func() {
		d.logger.Info("mock-removed handler function")
	}
}

func (d *mockDiscordSession) SelfID() string {
	return d.selfID
}

func (d *mockDiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	d.logger.Info(
		"saw message send",
		"channel_id", channelID,
		"content", message,
	)
	if d.messageSendFunc != nil {
		msg, err := d.messageSendFunc(channelID, message)
		if err != nil {
			return msg, err
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sentMessages = append(
		d.sentMessages,
		mockChannelMessage{ChannelID: channelID, Content: message},
	)
	return &discordgo.Message{ChannelID: channelID, Content: message}, nil
}

func (d *mockDiscordSession) ChannelMessage(
	channelID string,
	messageID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	if d.channelMessageFunc != nil {
		return d.channelMessageFunc(channelID, messageID)
	}
	return &discordgo.Message{ID: messageID, ChannelID: channelID}, nil
}

func (d *mockDiscordSession) GuildMemberRoleAdd(
	guildID string,
	userID string,
	roleID string,
	_ ...discordgo.RequestOption,
) error {
	if d.roleAddFunc != nil {
		if err := d.roleAddFunc(guildID, userID, roleID); err != nil {
			return err
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roleAdds = append(
		d.roleAdds,
		mockRoleChange{GuildID: guildID, UserID: userID, RoleID: roleID},
	)
	return nil
}

func (d *mockDiscordSession) GuildMemberRoleRemove(
	guildID string,
	userID string,
	roleID string,
	_ ...discordgo.RequestOption,
) error {
	if d.roleRemoveFunc != nil {
		if err := d.roleRemoveFunc(guildID, userID, roleID); err != nil {
			return err
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roleRemoves = append(
		d.roleRemoves,
		mockRoleChange{GuildID: guildID, UserID: userID, RoleID: roleID},
	)
	return nil
}

func (d *mockDiscordSession) MessageReactionRemove(
	channelID string,
	messageID string,
	emojiID string,
	userID string,
	_ ...discordgo.RequestOption,
) error {
	if d.reactionRemoveFunc != nil {
		if err := d.reactionRemoveFunc(channelID, messageID, emojiID, userID); err != nil {
			return err
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removedReactions = append(
		d.removedReactions,
		mockReactionRemove{
			ChannelID: channelID,
			MessageID: messageID,
			EmojiID:   emojiID,
			UserID:    userID,
		},
	)
	return nil
}

func (d *mockDiscordSession) MessageReactions(
	channelID string,
	messageID string,
	emojiID string,
	_ int,
	_ string,
	_ string,
	_ ...discordgo.RequestOption,
) ([]*discordgo.User, error) {
	if d.messageReactionsFunc != nil {
		return d.messageReactionsFunc(channelID, messageID, emojiID)
	}
	return nil, nil
}

func (d *mockDiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	d.logger.Info(
		"overwrite application commands",
		"app_id", appID,
		"guild_id", guildID,
		"commands", commands,
	)
	cmds := make([]*discordgo.ApplicationCommand, len(commands))
	for i, c := range commands {
		cmds[i] = &discordgo.ApplicationCommand{
			Name:        c.Name,
			Description: c.Description,
		}
	}
	return cmds, nil
}

func (d *mockDiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	d.logger.Info(
		"mock responding to interaction",
		"interaction", interaction,
		"response", resp,
	)
	return nil
}

func (d *mockDiscordSession) UpdateCustomStatus(status string) error {
	d.logger.Info("updating custom status", "status", status)
	return nil
}

func (d *mockDiscordSession) UpdateStatusComplex(data discordgo.UpdateStatusData) error {
	d.logger.Info("updating complex status", "data", data)
	return nil
}

func (d *mockDiscordSession) SetHTTPClient(_ *http.Client) {}

func (d *mockDiscordSession) SetIdentify(_ discordgo.Identify) {}

func (d *mockDiscordSession) SetLogLevel(lvl slog.Level) error {
	d.logger.Info("set log level", "level", lvl)
	return nil
}

var _ DiscordSessionHandler = (*mockDiscordSession)(nil)

func TestAppCommandRoleCall(t *testing.T) {
	d := &Discord{config: &DiscordConfig{}}
	cmd := d.appCommandRoleCall()

	assert.Equal(t, DiscordSlashCommandRoleCall, cmd.Name)
	require.NotNil(t, cmd.DefaultMemberPermissions)
	assert.Equal(
		t,
		int64(discordgo.PermissionManageRoles),
		*cmd.DefaultMemberPermissions,
	)

	subcommands := map[string]*discordgo.ApplicationCommandOption{}
	for _, opt := range cmd.Options {
		assert.Equal(t, discordgo.ApplicationCommandOptionSubCommand, opt.Type)
		subcommands[opt.Name] = opt
	}
	require.Contains(t, subcommands, subcommandList)
	require.Contains(t, subcommands, subcommandAdd)
	require.Contains(t, subcommands, subcommandRemove)

	addOptions := map[string]*discordgo.ApplicationCommandOption{}
	for _, opt := range subcommands[subcommandAdd].Options {
		addOptions[opt.Name] = opt
	}
	require.Contains(t, addOptions, optionEmoji)
	assert.True(t, addOptions[optionEmoji].Required)
	require.Contains(t, addOptions, optionAction)
	assert.True(t, addOptions[optionAction].Required)
	assert.Len(t, addOptions[optionAction].Choices, 4)
	assert.False(t, addOptions[optionRole].Required)
	assert.False(t, addOptions[optionMessageID].Required)
}

func TestRegisterCommands(t *testing.T) {
	session := newMockDiscordSession()
	d := &Discord{
		session: session,
		config: &DiscordConfig{
			ApplicationID: "app-id",
			GuildID:       "guild-id",
		},
		logger: session.logger,
	}

	cmds, err := d.registerCommands()
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, DiscordSlashCommandRoleCall, cmds[0].Name)
}
