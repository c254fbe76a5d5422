package rolecall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
)

// DBNotifier propagates rule and state changes between bot instances
// sharing a database. The postgres implementation uses LISTEN/NOTIFY;
// SQLite only supports a single instance, so its implementation
// signals the local process directly.
type DBNotifier interface {
	RulesChannelName() string

	// ReloadRules signals bot instances to recompile their rule table
	// from the database
	ReloadRules(context.Context) bool

	BotStateChannelName() string

	// ReloadBotState signals bot instances to reload the persisted
	// bot state (pause flag, custom status, admin credentials)
	ReloadBotState(context.Context) bool

	StopChannelName() string

	// Stop sends a shutdown signal to all bot instances
	Stop(context.Context) bool

	// ID returns the identifier for this notifier. DBNotifier instances
	// should use this ID to filter out their own notifications.
	ID() string

	Listen(ctx context.Context, channel string) error
}

func newDBNotifier(r *RoleCall) (DBNotifier, error) {
	notifyID, err := generateRandomHexString(16)
	if err != nil {
		return nil, err
	}
	log := r.logger.With(loggerNameKey, "db_notifier")
	var notifier DBNotifier
	switch r.config.DatabaseType {
	case dbTypeSQLite:
		notifier = &sqliteNotifier{
			logger:         log,
			r:              r,
			sqliteNotifyID: notifyID,
		}
	case dbTypePostgres:
		notifier = &postgresNotifier{
			r:          r,
			logger:     log,
			pgNotifyID: notifyID,
		}
	default:
		return nil, errors.New("invalid database type")
	}
	return notifier, nil
}

type sqliteNotifier struct {
	logger         *slog.Logger
	r              *RoleCall
	sqliteNotifyID string
}

func (s *sqliteNotifier) ID() string {
	return s.sqliteNotifyID
}

func (s *sqliteNotifier) Listen(_ context.Context, channel string) error {
	s.logger.Debug("listener called", "channel", channel)
	return nil
}

func (sqliteNotifier) RulesChannelName() string {
	return ""
}

func (s *sqliteNotifier) ReloadRules(ctx context.Context) bool {
	s.logger.Info("got rule reload notification")
	select {
	case s.r.triggerRuleReloadCh <- true:
	//
	case <-ctx.Done():
		s.logger.Warn("timeout sending rule reload signal")
		return false
	}
	return true
}

func (sqliteNotifier) BotStateChannelName() string {
	return ""
}

func (s *sqliteNotifier) ReloadBotState(ctx context.Context) bool {
	s.logger.Info("got bot state reload notification")
	select {
	case s.r.triggerBotStateRefreshCh <- true:
	//
	case <-ctx.Done():
		s.logger.Warn("timeout sending bot state reload signal")
		return false
	}
	return true
}

func (sqliteNotifier) StopChannelName() string {
	return ""
}

func (s *sqliteNotifier) Stop(ctx context.Context) bool {
	s.logger.Info("notifying stop signal")
	select {
	case s.r.signalStop <- struct{}{}:
	//
	case <-ctx.Done():
		s.logger.Warn("timeout sending stop signal")
		return false
	}
	return true
}

type postgresNotifier struct {
	r          *RoleCall
	logger     *slog.Logger
	pgNotifyID string
}

func (p *postgresNotifier) ID() string {
	return p.pgNotifyID
}

func (postgresNotifier) RulesChannelName() string {
	return postgresNotifyChannelRulesUpdated
}

func (postgresNotifier) BotStateChannelName() string {
	return postgresNotifyChannelBotStateUpdated
}

func (postgresNotifier) StopChannelName() string {
	return postgresNotifyChannelStop
}

func (p *postgresNotifier) ReloadRules(ctx context.Context) bool {
	return p.notify(ctx, p.RulesChannelName())
}

func (p *postgresNotifier) ReloadBotState(ctx context.Context) bool {
	return p.notify(ctx, p.BotStateChannelName())
}

func (p *postgresNotifier) Stop(ctx context.Context) bool {
	return p.notify(ctx, p.StopChannelName())
}

func (p *postgresNotifier) notify(ctx context.Context, channel string) bool {
	notifyErr := p.r.writeDB.DB().WithContext(ctx).Exec(
		"SELECT pg_notify(?, ?)",
		channel,
		notificationPayload(p.ID(), ""),
	).Error
	if notifyErr != nil {
		p.logger.ErrorContext(
			ctx,
			"Error sending NOTIFY",
			"channel", channel,
			tint.Err(notifyErr),
		)
		return false
	}
	p.logger.Info("sent NOTIFY", "channel", channel, "pg_notify_id", p.ID())
	return true
}

// Listen blocks, listening on the given postgres channel and forwarding
// notifications from other instances to the local signal channels.
func (p *postgresNotifier) Listen(ctx context.Context, channel string) error {
	p.logger.Info("starting db listener", "channel", channel)

	config, err := pgxpool.ParseConfig(p.r.config.Database)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error parsing database config", tint.Err(err))
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error creating connection pool", tint.Err(err))
		return err
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error acquiring connection", tint.Err(err))
		return err
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, fmt.Sprintf("LISTEN %s", channel))
	if err != nil {
		p.logger.ErrorContext(ctx, "Error setting up listener", tint.Err(err))
		return err
	}
	logger := p.logger.With("channel", channel)
	logger.InfoContext(ctx, "Started listening on channel")

	for ctx.Err() == nil {
		notification, e := conn.Conn().WaitForNotification(ctx)
		if e != nil {
			if ctx.Err() != nil {
				break
			}
			logger.ErrorContext(ctx, "Error waiting for notification", tint.Err(e))
			time.Sleep(5 * time.Second)
			continue
		}
		notifierID, _ := parseNotificationPayload(notification.Payload)
		if notifierID == p.ID() {
			logger.Info(
				"Received notification from self, ignoring",
				"payload", notification.Payload,
			)
			continue
		}

		switch channel {
		case p.RulesChannelName():
			logger.InfoContext(ctx, "Received notification to reload rules")
			select {
			case p.r.triggerRuleReloadCh <- true:
				logger.Info("sent rule reload signal from postgres listener")
			case <-time.After(dbNotifierSendTimeout):
				logger.Warn("timed out sending rule reload signal")
			}
		case p.BotStateChannelName():
			logger.InfoContext(ctx, "Received notification to reload bot state")
			select {
			case p.r.triggerBotStateRefreshCh <- true:
				logger.Info("sent bot state reload signal from postgres listener")
			case <-time.After(dbNotifierSendTimeout):
				logger.Warn("timed out sending bot state reload signal")
			}
		case p.StopChannelName():
			logger.InfoContext(ctx, "received stop signal via NOTIFY")
			select {
			case p.r.signalStop <- struct{}{}:
				logger.Info("forwarded stop signal")
			case <-time.After(dbNotifierSendTimeout):
				logger.Warn("timed out forwarding stop signal")
			}
		default:
			logger.Warn("unknown channel", "payload", notification.Payload)
		}
	}
	return ctx.Err()
}

// notificationPayload joins a notifier ID and an optional value with a
// record separator
func notificationPayload(notifierID string, value string) string {
	if value == "" {
		return notifierID
	}
	return strings.Join([]string{notifierID, value}, recordSeparator)
}

func parseNotificationPayload(payload string) (notifierID string, value string) {
	parts := strings.SplitN(payload, recordSeparator, 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return payload, ""
}
