package rolecall

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/rolecall-bot/rolecall/rolecall.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	defaultLogWriter io.Writer = os.Stdout
)

const (
	columnBotStateAdminUsername = "admin_username"
	columnBotStateAdminPassword = "admin_password"
	columnBotStatePaused        = "paused"
	columnBotStateCustomStatus  = "custom_status"
	columnReactionRuleDisabled  = "disabled"
	columnReactionRulePosition  = "position"
)

// RoleCall is the main application struct for the RoleCall bot. It
// watches reaction add/remove events on the Discord gateway, evaluates
// them against an immutable compiled rule table, and executes the
// resulting actions (granting and revoking roles, removing reactions,
// sending acknowledgements).
//
// Fields:
//
//   - config: Pointer to the main configuration struct.
//
//   - db: Pointer to a read-only GORM connection. This is from an
//     overabundance of caution for using SQLite.
//
//   - writeDB: gorm.DB wrapper for write/update/delete operations.
//     The only difference between this and [RoleCall.db] is that, when
//     using sqlite, a mutex is used.
//
//   - ruleTable: The compiled rule table. Swapped atomically on reload,
//     never mutated in place.
//
//   - botState: Persisted mutable state (admin credentials, pause flag,
//     custom status), guarded by stateMu.
//
//   - pendingSetup: Atomic boolean indicating if initial admin setup is
//     pending. While pending, the bot serves the API but does not
//     process reaction events.
//
//   - paused: While paused, reaction events are dropped, not queued.
type RoleCall struct {
	notifier DBNotifier
	config   *Config

	db      *gorm.DB
	writeDB DBI

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger *slog.Logger

	// Handler to use for the above
	logHandler slog.Handler

	// Handles discord integration, sessions
	discord *Discord

	// Executes rule actions against the Discord REST API
	executor *ActionExecutor

	// Provides the admin API
	api *API

	ruleTable atomic.Pointer[RuleTable]

	botState *BotState
	stateMu  sync.RWMutex

	// signalStop enables an explicit stop signal to be sent to the bot,
	// such as by the `/api/quit` endpoint
	signalStop chan struct{}

	// signalReady has a value sent on it when Run finishes initializing:
	// database, bot state, rule table, API, discord session and handlers
	signalReady chan struct{}

	// A signal is sent on this channel when the
	// [RoleCall.shutdown] function finishes
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	paused       atomic.Bool
	pendingSetup atomic.Bool

	// The time Run was called
	startedAt time.Time

	eventsEvaluated atomic.Int64
	actionsExecuted atomic.Int64
	actionsFailed   atomic.Int64

	triggerRuleReloadCh      chan bool
	triggerBotStateRefreshCh chan bool
}

// New creates a new RoleCall instance from the given config, wiring up
// loggers, the Discord component, and the admin API. The database
// connection is deferred until [RoleCall.Run].
func New(config *Config) (*RoleCall, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	r := &RoleCall{
		config:                   config,
		signalReady:              make(chan struct{}, 1),
		eventShutdown:            make(chan struct{}, 1),
		triggerRuleReloadCh:      make(chan bool, 1),
		triggerBotStateRefreshCh: make(chan bool, 1),
	}

	r.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     r.config.LogLevel,
			AddSource: true,
		},
	)

	r.logger = slog.New(r.logHandler)
	slog.SetDefault(r.logger)

	r.config.Discord.httpClient = r.config.HTTPClient

	disc, err := newDiscord(r.config.Discord)
	if err != nil {
		errs = append(errs, err)
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     r.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	if disc != nil {
		disc.logger = slog.New(
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     r.config.Discord.LogLevel,
					AddSource: true,
				},
			),
		).With(loggerNameKey, "discord")
		r.discord = disc
		disc.rc = r
	}

	api, err := newAPI(r, config.API)
	errs = append(errs, err)
	r.api = api

	return r, errors.Join(errs...)
}

func (r *RoleCall) ValidateConfig() error {
	return structValidator.Struct(r.config)
}

// RuleTable returns the current compiled rule table. The table is
// immutable - reloads swap in a fresh table rather than mutating it.
func (r *RoleCall) RuleTable() *RuleTable {
	return r.ruleTable.Load()
}

// BotState returns a copy of the current persisted bot state.
func (r *RoleCall) BotState() BotState {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	if r.botState == nil {
		return BotState{}
	}
	return *r.botState
}

// RegisterSlashCommands registers the bot's slash commands with Discord.
func (r *RoleCall) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return r.discord.registerCommands(options...)
}

// Run starts the bot and blocks until the given context is canceled or
// a stop signal is received, then shuts down gracefully.
func (r *RoleCall) Run(ctx context.Context) error {
	// prevents concurrent runs
	r.runMu.Lock()
	defer r.runMu.Unlock()

	r.signalStop = make(chan struct{}, 1)
	r.startedAt = time.Now()
	logger := r.logger

	if err := r.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", r.config))
	if r.signalReady == nil {
		r.signalReady = make(chan struct{}, 1)
	}

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-r.signalStop:
			r.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			r.logger.Warn("context canceled, sending stop signal")
			r.signalStop <- struct{}{}
			return
		}
	}()

	go func() {
		httpErr := r.api.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			r.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, r.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- r.initRun(startCtx, ctx)
	}()

	runtimeWG := &sync.WaitGroup{}

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			if r.api != nil && r.api.listener != nil {
				go func() {
					if e := r.api.listener.Close(); e != nil {
						logger.ErrorContext(ctx, "error closing listener", tint.Err(e))
					}
				}()
			}
			return err
		}
		logger.WarnContext(ctx, "init complete")
	}

	if setupErr := r.waitOnSetup(ctx, logger, runtimeWG); setupErr != nil {
		return setupErr
	}

	if discErr := r.initDiscordSession(ctx); discErr != nil {
		r.logger.ErrorContext(ctx, "error creating discord session", tint.Err(discErr))
		return discErr
	}

	if err := r.discordInit(ctx, logger); err != nil {
		return err
	}

	r.startRuleReloader(ctx, runtimeWG)
	r.startBotStateRefresher(ctx, runtimeWG)

	listeners, listenerCtx := errgroup.WithContext(ctx)
	for _, channel := range []string{
		r.notifier.RulesChannelName(),
		r.notifier.BotStateChannelName(),
		r.notifier.StopChannelName(),
	} {
		channel := channel
		listeners.Go(
			func() error {
				return r.notifier.Listen(listenerCtx, channel)
			},
		)
	}
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		if e := listeners.Wait(); e != nil && !errors.Is(e, context.Canceled) {
			r.logger.ErrorContext(ctx, "notifier listener failed", tint.Err(e))
		}
	}()

	r.signalReady <- struct{}{}
	r.logger.InfoContext(ctx, "sent ready signal")

	// block until something cancels the main runtime context - generally
	// from an interrupt, or the `/api/quit` endpoint
	<-ctx.Done()

	return r.shutdown(ctx, runtimeWG)
}

// initRun initializes the database, loads or creates the persisted bot
// state, and compiles the initial rule table.
func (r *RoleCall) initRun(startCtx context.Context, ctx context.Context) error {
	r.logger.Debug("initializing DB...")
	if err := r.initDB(startCtx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	r.logger.Debug("finished initializing DB")

	notifier, err := newDBNotifier(r)
	if err != nil {
		return fmt.Errorf("error creating db notifier: %w", err)
	}
	r.notifier = notifier

	// load or create the DB state - this tells the bot whether it should
	// start in a 'paused' state (to avoid a potential scenario where we
	// want to keep it paused, but it crashes and restarts active)
	state, err := getBotState(startCtx, r.db)
	if err != nil {
		return fmt.Errorf("error getting bot state: %w", err)
	}
	if state == nil {
		r.pendingSetup.Store(true)
		state = &BotState{CustomStatus: r.config.Discord.CustomStatus}
		if _, createErr := r.writeDB.Create(startCtx, state); createErr != nil {
			return fmt.Errorf("error creating bot state: %w", createErr)
		}
	}
	if state.AdminUsername == "" || state.AdminPassword == "" {
		r.pendingSetup.Store(true)
	}
	r.paused.Store(state.Paused)
	r.stateMu.Lock()
	r.botState = state
	r.stateMu.Unlock()

	if err = r.refreshRuleTable(startCtx); err != nil {
		return fmt.Errorf("error compiling rule table: %w", err)
	}
	r.logger.InfoContext(
		ctx,
		"compiled rule table",
		"rule_count", r.RuleTable().Len(),
	)

	return nil
}

// initDB opens the database connection, applies SQLite pragmas when
// relevant, and runs migrations.
func (r *RoleCall) initDB(ctx context.Context) error {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = r.logger
	}

	handler := tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     r.config.DatabaseLogLevel,
			AddSource: true,
		},
	)

	gormLogger := newGORMLogger(handler, r.config.DatabaseSlowThreshold)
	db, err := getDB(r.config.DatabaseType, r.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}

	r.db = db
	r.writeDB = NewDatabase(db, nil, r.config.DatabaseType == dbTypePostgres)

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("error getting database connection: %w", err)
	}

	if r.config.DatabaseType == dbTypeSQLite {
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		for _, p := range sqliteExecPragma {
			if pragmaErr := db.WithContext(ctx).Exec(p).Error; pragmaErr != nil {
				return pragmaErr
			}
		}
	}

	logger.Debug("migrating database...")
	if err = migrateDB(ctx, db); err != nil {
		logger.Error("error migrating database", tint.Err(err))
		return err
	}
	logger.Debug("finished migrating database")
	return nil
}

// waitOnSetup blocks until admin credentials have been set via the API,
// if the initial setup is still pending.
func (r *RoleCall) waitOnSetup(
	ctx context.Context,
	logger *slog.Logger,
	runtimeWG *sync.WaitGroup,
) error {
	if !r.pendingSetup.Load() {
		return nil
	}

	logger.WarnContext(
		ctx,
		fmt.Sprintf(
			"pending initial setup at: %s%s",
			r.api.listener.Addr().String(),
			apiPathSetup,
		),
	)
	pendingStateCh := make(chan struct{}, 1)
	go func() {
		for ctx.Err() == nil {
			logger.InfoContext(ctx, "checking if admin credentials exist yet")
			state, stateErr := getBotState(ctx, r.db)
			if stateErr != nil {
				logger.ErrorContext(ctx, "error getting bot state", tint.Err(stateErr))
			}
			if state != nil && state.AdminUsername != "" && state.AdminPassword != "" {
				r.stateMu.Lock()
				r.botState = state
				r.stateMu.Unlock()
				pendingStateCh <- struct{}{}
				return
			}
			time.Sleep(5 * time.Second)
		}
	}()

	select {
	case <-ctx.Done():
		logger.WarnContext(ctx, "context cancelled waiting on setup, exiting")
		return r.shutdown(ctx, runtimeWG)
	case <-pendingStateCh:
		r.pendingSetup.Store(false)
	}

	return nil
}

// initDiscordSession creates the session, sets the identify payload,
// and registers gateway handlers. The executor is created here since it
// needs the live session.
func (r *RoleCall) initDiscordSession(ctx context.Context) error {
	logger := r.logger.With(loggerNameKey, "discord_session")

	if r.discord.session == nil {
		disc, discErr := r.discord.newSession()
		if discErr != nil {
			return fmt.Errorf("error creating discord session: %w", discErr)
		}
		r.discord.session = disc
	}

	logger.DebugContext(ctx, "configuring discord session")

	if len(r.discord.discordgoRemoveHandlerFuncs) > 0 {
		for _, h := range r.discord.discordgoRemoveHandlerFuncs {
			h()
		}
	}

	identify := discordgo.Identify{Intents: r.config.Discord.GatewayIntents}
	if r.paused.Load() {
		identify.Presence = discordgo.GatewayStatusUpdate{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		}
	} else {
		identify.Presence = discordgo.GatewayStatusUpdate{
			Status: r.BotState().CustomStatus,
		}
	}
	r.discord.session.SetIdentify(identify)

	r.discord.discordgoRemoveHandlerFuncs = []func(){
		r.discord.session.AddHandler(r.discord.handlerConnect()),
		r.discord.session.AddHandler(r.discord.handlerDisconnect()),
		r.discord.session.AddHandler(r.discord.handlerReady()),
		r.discord.session.AddHandler(r.discord.handlerReactionAdd()),
		r.discord.session.AddHandler(r.discord.handlerReactionRemove()),
		r.discord.session.AddHandler(r.discord.handlerInteractionCreate()),
	}

	if r.executor == nil {
		r.executor = NewActionExecutor(
			r.discord.session,
			*r.config.Executor,
			r.config.Discord.NotificationChannelID,
			r.logger,
		)
	}

	return nil
}

// discordInit opens the discord websocket connection and registers the
// slash commands.
func (r *RoleCall) discordInit(ctx context.Context, logger *slog.Logger) error {
	if err := r.discord.session.Open(); err != nil {
		return fmt.Errorf("error opening discord connection: %w", err)
	}
	if _, err := r.discord.registerCommands(); err != nil {
		return fmt.Errorf("error registering commands: %w", err)
	}
	logger.InfoContext(ctx, "discord session ready")
	return nil
}

// startRuleReloader starts a goroutine that recompiles the rule table
// whenever a reload is triggered, and on the configured interval.
func (r *RoleCall) startRuleReloader(ctx context.Context, runtimeWG *sync.WaitGroup) {
	interval := r.config.RuleReloadInterval
	if interval <= 0 {
		interval = DefaultRuleReloadInterval
	}
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.refreshRuleTable(ctx); err != nil {
					r.logger.ErrorContext(ctx, "rule reload failed", tint.Err(err))
				}
			case <-r.triggerRuleReloadCh:
				if err := r.refreshRuleTable(ctx); err != nil {
					r.logger.ErrorContext(ctx, "rule reload failed", tint.Err(err))
				}
			}
		}
	}()
}

// startBotStateRefresher starts a goroutine that reloads the persisted
// bot state when signaled (from another instance via the notifier).
func (r *RoleCall) startBotStateRefresher(ctx context.Context, runtimeWG *sync.WaitGroup) {
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.triggerBotStateRefreshCh:
				r.refreshBotState(ctx)
			}
		}
	}()
}

// refreshRuleTable recompiles the rule table from the database and swaps
// it in atomically. Events being evaluated concurrently keep using the
// table they started with.
func (r *RoleCall) refreshRuleTable(ctx context.Context) error {
	table, err := loadRuleTable(ctx, r.db, r.config.Discord.GuildOnly)
	if err != nil {
		return err
	}
	previous := r.ruleTable.Swap(table)
	prevLen := 0
	if previous != nil {
		prevLen = previous.Len()
	}
	r.logger.InfoContext(
		ctx,
		"rule table reloaded",
		"rule_count", table.Len(),
		"previous_rule_count", prevLen,
	)
	return nil
}

// refreshBotState reloads the persisted bot state from the database and
// applies the pause flag and custom status.
func (r *RoleCall) refreshBotState(ctx context.Context) {
	state, err := getBotState(ctx, r.db)
	if err != nil || state == nil {
		r.logger.ErrorContext(ctx, "error refreshing bot state", tint.Err(err))
		return
	}
	r.stateMu.Lock()
	previous := r.botState
	r.botState = state
	r.stateMu.Unlock()

	r.paused.Store(state.Paused)
	if previous == nil || previous.CustomStatus != state.CustomStatus {
		if e := r.discord.updateCustomStatus(state.CustomStatus); e != nil {
			r.logger.ErrorContext(ctx, "error updating custom status", tint.Err(e))
		}
	}
}

// dispatchReactionEvent starts evaluation and execution of a normalized
// reaction event on its own goroutine, so unrelated events are never
// serialized behind one slow action.
func (r *RoleCall) dispatchReactionEvent(event ReactionEvent) {
	go r.handleReactionEvent(context.Background(), event)
}

func (r *RoleCall) handleReactionEvent(ctx context.Context, event ReactionEvent) {
	logger := r.logger.With(reactionEventLogAttrs(event)...)

	if r.paused.Load() || r.pendingSetup.Load() {
		logger.Debug("paused, dropping reaction event")
		return
	}

	r.eventsEvaluated.Add(1)
	action, ok := Evaluate(event, r.RuleTable(), r.discord.session.SelfID())
	if !ok {
		logger.Debug("no action for reaction event")
		return
	}

	logger = logger.With("action", action)
	logger.InfoContext(ctx, "executing action")

	execErr := r.executor.Execute(ctx, action, event)

	entry := &ActionLog{
		GuildID:    event.GuildID,
		ChannelID:  event.ChannelID,
		MessageID:  event.MessageID,
		ActorID:    event.ActorID,
		Emoji:      event.Emoji.Key(),
		Added:      event.Added,
		ActionKind: action.Kind,
		RoleID:     action.RoleID,
		Success:    execErr == nil,
	}
	if execErr != nil {
		r.actionsFailed.Add(1)
		entry.Error = execErr.Error()
		logger.ErrorContext(ctx, "action failed", tint.Err(execErr))
	} else {
		r.actionsExecuted.Add(1)
	}
	if _, err := r.writeDB.Create(ctx, entry); err != nil {
		logger.ErrorContext(ctx, "error writing action log", tint.Err(err))
	}
}

// Pause 'pauses' the bot. While paused, reaction events are dropped
// without evaluation. It returns false if the bot was already paused.
func (r *RoleCall) Pause(ctx context.Context) bool {
	prev := r.paused.Swap(true)
	if prev {
		return false
	}

	if err := r.discord.updateStatusComplex(
		discordgo.UpdateStatusData{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		},
	); err != nil {
		r.logger.ErrorContext(ctx, "unable to update afk status", tint.Err(err))
	}

	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if r.botState != nil && !r.botState.Paused {
		if _, err := r.writeDB.Updates(
			ctx,
			r.botState,
			map[string]any{columnBotStatePaused: true},
		); err != nil {
			r.logger.ErrorContext(ctx, "unable to set paused in db", tint.Err(err))
		}
		r.botState.Paused = true
	}
	r.notifier.ReloadBotState(ctx)
	return true
}

// Resume resumes event processing. It returns a bool indicating whether
// the bot was paused at the time the function was called.
func (r *RoleCall) Resume(ctx context.Context) bool {
	prev := r.paused.Swap(false)
	if !prev {
		return false
	}

	if err := r.discord.updateCustomStatus(r.BotState().CustomStatus); err != nil {
		r.logger.ErrorContext(ctx, "unable to update status", tint.Err(err))
	}

	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if r.botState != nil && r.botState.Paused {
		if _, err := r.writeDB.Updates(
			ctx,
			r.botState,
			map[string]any{columnBotStatePaused: false},
		); err != nil {
			r.logger.ErrorContext(ctx, "unable to clear paused in db", tint.Err(err))
		}
		r.botState.Paused = false
	}
	r.notifier.ReloadBotState(ctx)
	return true
}

// shutdown closes the discord session, stops the API server, and waits
// for in-flight work, up to the configured shutdown timeout.
func (r *RoleCall) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	r.logger.WarnContext(ctx, "shutting down")
	defer func() {
		if r.eventShutdown != nil {
			go func() {
				r.eventShutdown <- struct{}{}
			}()
		}
	}()

	shutdownStart := time.Now()
	shutdownTimeout := r.config.ShutdownTimeout
	if shutdownTimeout.Seconds() == 0 {
		r.logger.Warn("immediate shutdown")
		if r.discord.session != nil {
			_ = r.discord.session.Close()
		}
		_ = r.api.httpServer.Close()
		return nil
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)

	r.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", shutdownTimeout,
		"shutdown_started", shutdownStart,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(
		context.Background(),
		shutdownDeadline,
	)
	defer closeCancel()

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		if r.discord.session != nil {
			if closeErr := r.discord.session.Close(); closeErr != nil {
				r.logger.Error("error closing discord session", tint.Err(closeErr))
			}
		}

		runtimeWG.Wait()
		r.logger.InfoContext(
			ctx,
			"finished handling in-flight work",
			"shutdown_duration", time.Since(shutdownStart),
		)

		if httpErr := r.api.httpServer.Shutdown(closeCtx); httpErr != nil {
			r.logger.Error("error shutting down api server", tint.Err(httpErr))
		}
		gracefulShutdownCh <- struct{}{}
	}()

	select {
	case <-gracefulShutdownCh:
		r.logger.Info("graceful shutdown complete")
		return nil
	case <-closeCtx.Done():
		r.logger.Warn("shutdown deadline exceeded, closing connections")
		_ = r.api.httpServer.Close()
		return fmt.Errorf("shutdown deadline exceeded")
	}
}
