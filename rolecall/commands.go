package rolecall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	subcommandList   = "list"
	subcommandAdd    = "add"
	subcommandRemove = "remove"

	optionEmoji     = "emoji"
	optionRole      = "role"
	optionMessageID = "message_id"
	optionAction    = "action"
	optionSticky    = "sticky"
	optionTemplate  = "template"
	optionRuleID    = "rule_id"

	// discordInteractionTimeout is the window Discord allows for the
	// initial interaction response
	discordInteractionTimeout = 3 * time.Second

	// reactionListPageSize caps how many reactors are fetched per rule
	// when listing rules
	reactionListPageSize = 100
)

// appCommandRoleCall returns the definition of the `/rolecall` slash
// command and its subcommands
func (d *Discord) appCommandRoleCall() *discordgo.ApplicationCommand {
	manageRoles := int64(discordgo.PermissionManageRoles)
	return &discordgo.ApplicationCommand{
		Name:                     DiscordSlashCommandRoleCall,
		Description:              "Manage reaction rules for this server",
		DefaultMemberPermissions: &manageRoles,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        subcommandList,
				Description: "List the active reaction rules",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        subcommandAdd,
				Description: "Add a reaction rule",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        optionEmoji,
						Description: "Emoji that triggers the rule (unicode or name:id)",
						Required:    true,
					},
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        optionAction,
						Description: "What to do when the emoji is used",
						Required:    true,
						Choices: []*discordgo.ApplicationCommandOptionChoice{
							{Name: "Grant role", Value: string(ActionGrantRole)},
							{Name: "Revoke role", Value: string(ActionRevokeRole)},
							{Name: "Remove reaction", Value: string(ActionDenyReaction)},
							{Name: "Acknowledge", Value: string(ActionAcknowledge)},
						},
					},
					{
						Type:        discordgo.ApplicationCommandOptionRole,
						Name:        optionRole,
						Description: "Role to grant or revoke",
					},
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        optionMessageID,
						Description: "Limit the rule to one message (omit for any message)",
					},
					{
						Type:        discordgo.ApplicationCommandOptionBoolean,
						Name:        optionSticky,
						Description: "Keep the role when the reaction is removed",
					},
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        optionTemplate,
						Description: "Message template for acknowledge rules",
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        subcommandRemove,
				Description: "Remove a reaction rule by ID",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionInteger,
						Name:        optionRuleID,
						Description: "Rule ID as shown by /rolecall list",
						Required:    true,
					},
				},
			},
		},
	}
}

// handlerInteractionCreate returns the gateway handler for
// InteractionCreate events
func (d *Discord) handlerInteractionCreate() func(
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
) {
	return func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		d.logger.Debug("interaction received", interactionLogAttrs(*i)...)
		if i.Type != discordgo.InteractionApplicationCommand {
			return
		}
		data := i.ApplicationCommandData()
		if data.Name != DiscordSlashCommandRoleCall {
			return
		}
		go d.rc.handleRoleCallCommand(i)
	}
}

// handleRoleCallCommand dispatches `/rolecall` subcommands. The initial
// response must land within the Discord interaction window, so database
// writes use that same deadline.
func (r *RoleCall) handleRoleCallCommand(i *discordgo.InteractionCreate) {
	ctx, cancel := context.WithTimeout(context.Background(), discordInteractionTimeout)
	defer cancel()

	logger := r.logger.With(loggerNameKey, "command")
	user := getDiscordUser(i)
	if user != nil {
		logger = logger.With(slog.Group("user", "id", user.ID, "username", user.Username))
	}
	ctx = WithLogger(ctx, logger)

	data := i.ApplicationCommandData()
	if len(data.Options) == 0 {
		r.interactionReply(ctx, i, "Missing subcommand")
		return
	}
	sub := data.Options[0]

	var reply string
	var err error
	switch sub.Name {
	case subcommandList:
		reply, err = r.commandListRules(ctx, i)
	case subcommandAdd:
		reply, err = r.commandAddRule(ctx, i, sub.Options)
	case subcommandRemove:
		reply, err = r.commandRemoveRule(ctx, i, sub.Options)
	default:
		reply = fmt.Sprintf("Unknown subcommand: %s", sub.Name)
	}
	if err != nil {
		logger.Error(
			"command failed",
			"subcommand", sub.Name,
			tint.Err(err),
		)
		reply = "Something went wrong, check the bot logs"
	}
	r.interactionReply(ctx, i, reply)
}

// interactionReply sends an ephemeral interaction response
func (r *RoleCall) interactionReply(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	content string,
) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	err := r.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: content,
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		},
	)
	if err != nil {
		logger.Error("error responding to interaction", tint.Err(err))
	}
}

func (r *RoleCall) commandListRules(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) (string, error) {
	rules, err := getReactionRules(ctx, r.db, i.GuildID)
	if err != nil {
		return "", err
	}
	if len(rules) == 0 {
		return "No reaction rules configured for this server.", nil
	}
	lines := make([]string, 0, len(rules)+1)
	lines = append(lines, "Reaction rules:")
	for _, rule := range rules {
		line := rule.summary()
		if rule.MessageID != "" {
			if count, ok := r.scopedMessageReactionCount(i.ChannelID, rule); ok {
				line = fmt.Sprintf("%s (%d reacted)", line, count)
			}
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n"), nil
}

// scopedMessageReactionCount fetches how many users currently react with
// the rule's trigger on its scoped message. The message is resolved in
// the channel the command came from; scoped messages living elsewhere
// are skipped rather than guessed at.
func (r *RoleCall) scopedMessageReactionCount(
	channelID string,
	rule ReactionRule,
) (int, bool) {
	if channelID == "" || r.discord == nil || r.discord.session == nil {
		return 0, false
	}
	msg, err := r.discord.session.ChannelMessage(channelID, rule.MessageID)
	if err != nil || msg == nil {
		return 0, false
	}
	users, err := r.discord.session.MessageReactions(
		msg.ChannelID,
		msg.ID,
		rule.Trigger.APIName(),
		reactionListPageSize,
		"",
		"",
	)
	if err != nil {
		return 0, false
	}
	return len(users), true
}

func (r *RoleCall) commandAddRule(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	options []*discordgo.ApplicationCommandInteractionDataOption,
) (string, error) {
	opts := discordInteractionOptions(options)

	emojiOpt, ok := opts[optionEmoji]
	if !ok {
		return "Missing emoji", nil
	}
	emoji, err := ParseEmojiRef(emojiOpt.StringValue())
	if err != nil {
		return fmt.Sprintf(
			"Couldn't parse %q as an emoji. Use the emoji itself, or `name:id` for custom emoji.",
			emojiOpt.StringValue(),
		), nil
	}

	actionOpt, ok := opts[optionAction]
	if !ok {
		return "Missing action", nil
	}
	actionKind := ActionKind(actionOpt.StringValue())

	rule := &ReactionRule{
		GuildID:    i.GuildID,
		Trigger:    emoji,
		ActionKind: actionKind,
	}
	if msgOpt, ok := opts[optionMessageID]; ok {
		messageID := strings.TrimSpace(msgOpt.StringValue())
		if messageID != "" && !isSnowflake(messageID) {
			return fmt.Sprintf("%q doesn't look like a message ID.", messageID), nil
		}
		rule.MessageID = messageID
	}
	if roleOpt, ok := opts[optionRole]; ok {
		rule.RoleID = roleOpt.RoleValue(nil, "").ID
	}
	if stickyOpt, ok := opts[optionSticky]; ok {
		rule.Sticky = stickyOpt.BoolValue()
	}
	if templateOpt, ok := opts[optionTemplate]; ok {
		rule.Template = templateOpt.StringValue()
	}

	switch actionKind {
	case ActionGrantRole, ActionRevokeRole:
		if rule.RoleID == "" {
			return "Role rules need the `role` option.", nil
		}
	case ActionAcknowledge:
		if rule.Template == "" {
			return "Acknowledge rules need the `template` option.", nil
		}
	case ActionDenyReaction:
		// no extra options
	default:
		return fmt.Sprintf("Unknown action: %s", actionKind), nil
	}

	if err = createReactionRule(ctx, r.writeDB, rule); err != nil {
		var conflict ConflictingRuleError
		if errors.As(err, &conflict) {
			return fmt.Sprintf(
				"That rule conflicts with an existing one: %s",
				conflict.Error(),
			), nil
		}
		if errors.Is(err, ErrInvalidRule) {
			return fmt.Sprintf("Invalid rule: %s", err.Error()), nil
		}
		return "", err
	}
	if err = r.refreshRuleTable(ctx); err != nil {
		// conflicts are rejected before the insert, so this is a
		// transient failure and the next reload will catch up
		if logger, ok := ContextLogger(ctx); ok {
			logger.Error("rule table refresh failed", tint.Err(err))
		}
	}
	return fmt.Sprintf("Added rule `%d`: %s", rule.ID, rule.summary()), nil
}

func (r *RoleCall) commandRemoveRule(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	options []*discordgo.ApplicationCommandInteractionDataOption,
) (string, error) {
	opts := discordInteractionOptions(options)
	idOpt, ok := opts[optionRuleID]
	if !ok {
		return "Missing rule ID", nil
	}
	ruleID := uint(idOpt.IntValue())

	rule, err := getReactionRule(ctx, r.db, ruleID)
	if err != nil {
		return "", err
	}
	if rule == nil || rule.GuildID != i.GuildID {
		return fmt.Sprintf(
			"No rule `%s` on this server.",
			strconv.FormatUint(uint64(ruleID), 10),
		), nil
	}
	if err = deleteReactionRule(ctx, r.writeDB, rule); err != nil {
		return "", err
	}
	if err = r.refreshRuleTable(ctx); err != nil {
		if logger, ok := ContextLogger(ctx); ok {
			logger.Error("rule table refresh failed", tint.Err(err))
		}
	}
	return fmt.Sprintf("Removed rule `%d` (%s)", rule.ID, rule.summary()), nil
}
