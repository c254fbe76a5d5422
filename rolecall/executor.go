package rolecall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

var (
	// ErrMissingGuild indicates a role action was decided for an event
	// without a guild context. Evaluate shouldn't produce this; it guards
	// against direct misuse of the executor.
	ErrMissingGuild = errors.New("action requires a guild context")

	// ErrActionNotRetryable wraps provider failures that retrying can't
	// fix (missing permissions, unknown role). These are reported to the
	// operator channel instead.
	ErrActionNotRetryable = errors.New("action failed permanently")
)

// ActionExecutor performs the provider calls a decided action requires.
//
// The executor is the only component that talks to Discord's REST API for
// reaction handling, and the only place rate limiting, retries and
// idempotency tolerance live. Each event's action executes independently -
// a slow or retrying action never blocks evaluation of other events.
//
// Executor calls are idempotent from the rule engine's perspective:
// "already applied" responses from Discord (granting a role the member
// already holds, removing a reaction that's already gone) are successes,
// not errors.
type ActionExecutor struct {
	session           DiscordSessionHandler
	logger            *slog.Logger
	limiter           *rate.Limiter
	cfg               ExecutorConfig
	operatorChannelID string
}

// NewActionExecutor creates an executor bound to the given session.
func NewActionExecutor(
	session DiscordSessionHandler,
	cfg ExecutorConfig,
	operatorChannelID string,
	logger *slog.Logger,
) *ActionExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.MaxRequestsPerSecond <= 0 {
		cfg.MaxRequestsPerSecond = DefaultExecutorMaxRequestsPerSecond
	}
	return &ActionExecutor{
		session:           session,
		logger:            logger.With(loggerNameKey, "executor"),
		limiter:           rate.NewLimiter(rate.Limit(cfg.MaxRequestsPerSecond), 1),
		cfg:               cfg,
		operatorChannelID: operatorChannelID,
	}
}

// SetRateLimit adjusts the executor's request rate at runtime.
func (e *ActionExecutor) SetRateLimit(requestsPerSecond float64) {
	e.limiter.SetLimit(rate.Limit(requestsPerSecond))
}

// Execute performs the given action for the given event. It blocks until
// the action completes, fails permanently, or ctx is canceled - callers
// should run it in its own goroutine.
func (e *ActionExecutor) Execute(
	ctx context.Context,
	action ActionDescriptor,
	event ReactionEvent,
) error {
	logger := e.logger.With("action", action, "event", event)

	var err error
	switch action.Kind {
	case ActionGrantRole:
		if event.GuildID == "" {
			return ErrMissingGuild
		}
		err = e.call(ctx, logger, func() error {
			return e.session.GuildMemberRoleAdd(
				event.GuildID, event.ActorID, action.RoleID,
			)
		})
	case ActionRevokeRole:
		if event.GuildID == "" {
			return ErrMissingGuild
		}
		err = e.call(ctx, logger, func() error {
			return e.session.GuildMemberRoleRemove(
				event.GuildID, event.ActorID, action.RoleID,
			)
		})
	case ActionDenyReaction:
		err = e.call(ctx, logger, func() error {
			return e.session.MessageReactionRemove(
				event.ChannelID,
				event.MessageID,
				event.Emoji.APIName(),
				event.ActorID,
			)
		})
	case ActionAcknowledge:
		err = e.call(ctx, logger, func() error {
			_, sendErr := e.session.ChannelMessageSend(
				event.ChannelID,
				renderTemplate(action.Template, event),
			)
			return sendErr
		})
	default:
		return fmt.Errorf("unknown action kind: %q", action.Kind)
	}

	if err != nil {
		logger.ErrorContext(ctx, "action failed", tint.Err(err))
		if errors.Is(err, ErrActionNotRetryable) {
			e.reportToOperator(ctx, action, event, err)
		}
		return err
	}

	logger.InfoContext(ctx, "action executed")
	return nil
}

// call runs fn under the rate limiter, retrying transient failures with
// linear backoff up to the configured attempt count.
func (e *ActionExecutor) call(
	ctx context.Context,
	logger *slog.Logger,
	fn func() error,
) error {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}

		switch classifyRESTError(err) {
		case restOutcomeAlreadyApplied:
			// the provider state already matches the desired state
			logger.DebugContext(ctx, "action already applied", tint.Err(err))
			return nil
		case restOutcomePermanent:
			return fmt.Errorf("%w: %w", ErrActionNotRetryable, err)
		}

		lastErr = err
		if attempt == e.cfg.MaxAttempts {
			break
		}
		backoff := e.cfg.RetryBackoff * time.Duration(attempt)
		logger.WarnContext(
			ctx,
			"transient action failure, retrying",
			tint.Err(err),
			"attempt", attempt,
			"backoff", backoff,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf(
		"action failed after %d attempts: %w", e.cfg.MaxAttempts, lastErr,
	)
}

type restOutcome int

const (
	restOutcomeTransient restOutcome = iota
	restOutcomeAlreadyApplied
	restOutcomePermanent
)

// classifyRESTError maps a discordgo REST error to a retry decision.
//
// Rate limits and server errors are transient. Permission and access
// failures won't fix themselves and are reported to an operator instead of
// retried. Unknown message/emoji/member responses mean the thing the
// action would change is already gone, so the action is vacuously done.
func classifyRESTError(err error) restOutcome {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return restOutcomeTransient
	}

	if restErr.Message != nil {
		switch restErr.Message.Code {
		case discordgo.ErrCodeUnknownMessage,
			discordgo.ErrCodeUnknownEmoji,
			discordgo.ErrCodeUnknownMember:
			return restOutcomeAlreadyApplied
		case discordgo.ErrCodeMissingPermissions,
			discordgo.ErrCodeMissingAccess,
			discordgo.ErrCodeUnknownRole:
			return restOutcomePermanent
		}
	}

	if restErr.Response != nil {
		switch {
		case restErr.Response.StatusCode == http.StatusTooManyRequests:
			return restOutcomeTransient
		case restErr.Response.StatusCode >= http.StatusInternalServerError:
			return restOutcomeTransient
		case restErr.Response.StatusCode == http.StatusForbidden:
			return restOutcomePermanent
		}
	}

	return restOutcomeTransient
}

// reportToOperator sends a non-retryable failure to the configured
// operator channel, if one is set. Failures here are logged and dropped -
// there's nowhere further to escalate.
func (e *ActionExecutor) reportToOperator(
	ctx context.Context,
	action ActionDescriptor,
	event ReactionEvent,
	execErr error,
) {
	if e.operatorChannelID == "" {
		return
	}
	msg := fmt.Sprintf(
		"⚠️ couldn't %s for reaction %s on message %s: %s",
		strings.ReplaceAll(string(action.Kind), "_", " "),
		event.Emoji.MessageFormat(),
		event.MessageID,
		truncate(execErr.Error(), 500),
	)
	if _, err := e.session.ChannelMessageSend(e.operatorChannelID, msg); err != nil {
		e.logger.ErrorContext(
			ctx,
			"unable to report failure to operator channel",
			tint.Err(err),
			"operator_channel_id", e.operatorChannelID,
		)
	}
}

// renderTemplate substitutes event placeholders into an acknowledge
// template. Supported placeholders: {user}, {emoji}, {message_id}.
func renderTemplate(template string, event ReactionEvent) string {
	r := strings.NewReplacer(
		"{user}", "<@"+event.ActorID+">",
		"{emoji}", event.Emoji.MessageFormat(),
		"{message_id}", event.MessageID,
	)
	return r.Replace(template)
}
