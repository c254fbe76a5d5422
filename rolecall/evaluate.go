package rolecall

// Evaluate decides which action, if any, applies to a normalized reaction
// event. It never performs the action itself - deciding and executing are
// kept separate so the decision logic is testable without a live gateway
// connection.
//
// The decision procedure:
//  1. Events from the bot's own user ID produce nothing. The bot's own
//     reaction maintenance must not feed back into the evaluator.
//  2. Events without a guild context produce nothing when the table is
//     guild-scoped (reaction roles mean nothing in a DM).
//  3. The table is consulted for the (emoji, message) pair; no rule, no
//     action.
//  4. Reaction additions resolve to the rule's configured action.
//     Reaction removals resolve to the symmetric revoke for grant_role
//     rules (unless the rule is sticky), the symmetric grant for
//     revoke_role rules, and nothing otherwise.
//
// Evaluate reads only the immutable table, so any number of events may be
// evaluated concurrently without locking.
func Evaluate(
	event ReactionEvent,
	table *RuleTable,
	selfID string,
) (ActionDescriptor, bool) {
	if table == nil {
		return ActionDescriptor{}, false
	}
	if selfID != "" && event.ActorID == selfID {
		return ActionDescriptor{}, false
	}
	if event.GuildID == "" && table.GuildScoped() {
		return ActionDescriptor{}, false
	}

	rule, ok := table.Lookup(event.Emoji, event.MessageID)
	if !ok {
		return ActionDescriptor{}, false
	}

	if event.Added {
		return rule.Action, true
	}

	switch rule.Action.Kind {
	case ActionGrantRole:
		if rule.Sticky {
			return ActionDescriptor{}, false
		}
		return RevokeRole(rule.Action.RoleID), true
	case ActionRevokeRole:
		if rule.Sticky {
			return ActionDescriptor{}, false
		}
		return GrantRole(rule.Action.RoleID), true
	default:
		// deny/acknowledge have no remove-side behavior
		return ActionDescriptor{}, false
	}
}
