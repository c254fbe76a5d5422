package rolecall

import (
	"errors"
	"fmt"
	"log/slog"
)

// ActionKind identifies what a matched rule does.
type ActionKind string

const (
	// ActionGrantRole grants a role to the reacting member.
	ActionGrantRole ActionKind = "grant_role"

	// ActionRevokeRole removes a role from the reacting member.
	ActionRevokeRole ActionKind = "revoke_role"

	// ActionDenyReaction removes the reaction itself. Used to keep
	// unsanctioned emoji off monitored messages.
	ActionDenyReaction ActionKind = "deny_reaction"

	// ActionAcknowledge replies in-channel using the rule's template.
	ActionAcknowledge ActionKind = "acknowledge"
)

var (
	ErrInvalidRule = errors.New("invalid rule")

	validActionKinds = map[ActionKind]bool{
		ActionGrantRole:    true,
		ActionRevokeRole:   true,
		ActionDenyReaction: true,
		ActionAcknowledge:  true,
	}
)

// ActionDescriptor describes the action a matched rule resolves to.
// Exactly one payload field is meaningful, selected by Kind.
type ActionDescriptor struct {
	Kind ActionKind `json:"kind"`

	// RoleID is the role to grant or revoke (grant_role/revoke_role).
	RoleID string `json:"role_id,omitempty"`

	// Reason is logged and reported when a reaction is denied.
	Reason string `json:"reason,omitempty"`

	// Template is the message sent for acknowledge actions.
	Template string `json:"template,omitempty"`
}

// GrantRole returns a descriptor that grants the given role.
func GrantRole(roleID string) ActionDescriptor {
	return ActionDescriptor{Kind: ActionGrantRole, RoleID: roleID}
}

// RevokeRole returns a descriptor that revokes the given role.
func RevokeRole(roleID string) ActionDescriptor {
	return ActionDescriptor{Kind: ActionRevokeRole, RoleID: roleID}
}

// DenyReaction returns a descriptor that removes the triggering reaction.
func DenyReaction(reason string) ActionDescriptor {
	return ActionDescriptor{Kind: ActionDenyReaction, Reason: reason}
}

// Acknowledge returns a descriptor that replies with the given template.
func Acknowledge(template string) ActionDescriptor {
	return ActionDescriptor{Kind: ActionAcknowledge, Template: template}
}

func (a ActionDescriptor) equal(other ActionDescriptor) bool {
	return a == other
}

func (a ActionDescriptor) LogValue() slog.Value {
	attrs := []slog.Attr{slog.String("kind", string(a.Kind))}
	if a.RoleID != "" {
		attrs = append(attrs, slog.String("role_id", a.RoleID))
	}
	if a.Reason != "" {
		attrs = append(attrs, slog.String("reason", a.Reason))
	}
	return slog.GroupValue(attrs...)
}

func (a ActionDescriptor) validate() error {
	if !validActionKinds[a.Kind] {
		return fmt.Errorf("%w: unknown action kind %q", ErrInvalidRule, a.Kind)
	}
	switch a.Kind {
	case ActionGrantRole, ActionRevokeRole:
		if a.RoleID == "" {
			return fmt.Errorf("%w: %s requires a role id", ErrInvalidRule, a.Kind)
		}
	case ActionAcknowledge:
		if a.Template == "" {
			return fmt.Errorf("%w: acknowledge requires a template", ErrInvalidRule)
		}
	}
	return nil
}

// Rule maps a trigger emoji, optionally scoped to specific messages, to an
// action.
//
// An empty Scope means the rule applies to any monitored message
// (a "wildcard" rule). A non-empty Scope limits the rule to the listed
// message IDs.
type Rule struct {
	Trigger EmojiRef         `json:"trigger"`
	Scope   []string         `json:"scope,omitempty"`
	Action  ActionDescriptor `json:"action"`

	// Sticky disables remove-side symmetry for grant_role rules: the role
	// stays when the reaction is removed.
	Sticky bool `json:"sticky,omitempty"`
}

// scopedTo reports whether the rule applies to the given message ID.
func (r Rule) scopedTo(messageID string) bool {
	if len(r.Scope) == 0 {
		return true
	}
	for _, id := range r.Scope {
		if id == messageID {
			return true
		}
	}
	return false
}

// wildcard reports whether the rule applies to all monitored messages.
func (r Rule) wildcard() bool {
	return len(r.Scope) == 0
}

// ConflictingRuleError is returned by NewRuleTable when two rules share a
// (trigger, scope) pair but resolve to different actions. Ambiguous
// configuration is rejected at load time rather than resolved at runtime.
type ConflictingRuleError struct {
	Emoji EmojiRef

	// MessageID is the overlapping scope entry; empty when both rules
	// are wildcards.
	MessageID string

	// First and Second are the positions of the colliding rules, in
	// configuration order.
	First  int
	Second int
}

func (e ConflictingRuleError) Error() string {
	scope := e.MessageID
	if scope == "" {
		scope = "(wildcard)"
	}
	return fmt.Sprintf(
		"conflicting rules for emoji %s on %s: rule %d and rule %d "+
			"resolve to different actions",
		e.Emoji, scope, e.First, e.Second,
	)
}

// RuleTable is an immutable, validated set of rules. It's built once (at
// startup, or when the rule store changes) and only ever swapped wholesale,
// so concurrent lookups need no synchronization.
type RuleTable struct {
	rules   []Rule
	byEmoji map[string][]int

	// guildScoped marks the table as applying only inside guilds. Events
	// without a guild context evaluate to nothing against such a table.
	guildScoped bool
}

// RuleTableOption customizes table construction.
type RuleTableOption func(*RuleTable)

// GuildScopedRules marks the table as guild-only. This is the default.
func GuildScopedRules(guildScoped bool) RuleTableOption {
	return func(t *RuleTable) {
		t.guildScoped = guildScoped
	}
}

// NewRuleTable validates the given rules and compiles them into a lookup
// table. Rule order is preserved: when multiple rules of equal specificity
// match an event, the earliest wins.
//
// Returns [ConflictingRuleError] if two rules share a (trigger, scope) pair
// but disagree on the action, or a validation error for malformed rules.
func NewRuleTable(rules []Rule, opts ...RuleTableOption) (*RuleTable, error) {
	t := &RuleTable{
		rules:       make([]Rule, len(rules)),
		byEmoji:     make(map[string][]int),
		guildScoped: true,
	}
	copy(t.rules, rules)

	for _, opt := range opts {
		opt(t)
	}

	for i, rule := range t.rules {
		if rule.Trigger.IsZero() {
			return nil, fmt.Errorf("%w: rule %d has no trigger emoji", ErrInvalidRule, i)
		}
		if err := rule.Action.validate(); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		key := rule.Trigger.Key()
		if err := t.checkConflicts(key, i, rule); err != nil {
			return nil, err
		}
		t.byEmoji[key] = append(t.byEmoji[key], i)
	}

	return t, nil
}

// checkConflicts compares the candidate rule against previously accepted
// rules with the same trigger. Two rules collide when their scopes overlap
// exactly (a shared scope entry, or both wildcards) and their actions
// differ. Identical duplicates are tolerated; the first occurrence wins
// lookups anyway.
func (t *RuleTable) checkConflicts(key string, idx int, rule Rule) error {
	for _, prior := range t.byEmoji[key] {
		existing := t.rules[prior]
		if existing.Action.equal(rule.Action) && existing.Sticky == rule.Sticky {
			continue
		}
		if existing.wildcard() && rule.wildcard() {
			return ConflictingRuleError{
				Emoji:  rule.Trigger,
				First:  prior,
				Second: idx,
			}
		}
		for _, msgID := range rule.Scope {
			if !existing.wildcard() && existing.scopedTo(msgID) {
				return ConflictingRuleError{
					Emoji:     rule.Trigger,
					MessageID: msgID,
					First:     prior,
					Second:    idx,
				}
			}
		}
	}
	return nil
}

// Lookup returns the most specific rule matching the given emoji and
// message: a rule scoped to the exact message ID beats a wildcard rule for
// the same emoji. Among multiple scoped matches, the first in configuration
// order wins.
func (t *RuleTable) Lookup(emoji EmojiRef, messageID string) (Rule, bool) {
	indexes := t.byEmoji[emoji.Key()]

	var wildcardMatch *Rule
	for _, i := range indexes {
		rule := t.rules[i]
		if rule.wildcard() {
			if wildcardMatch == nil {
				r := rule
				wildcardMatch = &r
			}
			continue
		}
		if rule.scopedTo(messageID) {
			return rule, true
		}
	}
	if wildcardMatch != nil {
		return *wildcardMatch, true
	}
	return Rule{}, false
}

// GuildScoped reports whether the table applies only inside guilds.
func (t *RuleTable) GuildScoped() bool {
	return t.guildScoped
}

// Len returns the number of rules in the table.
func (t *RuleTable) Len() int {
	return len(t.rules)
}

// Rules returns a copy of the table's rules, in configuration order.
func (t *RuleTable) Rules() []Rule {
	rules := make([]Rule, len(t.rules))
	copy(rules, t.rules)
	return rules
}
