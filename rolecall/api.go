package rolecall

import (
	"context"
	cryprand "crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

const (
	apiPrefix               = "/api"
	apiPathLogin            = "/api/login"
	apiPathLogout           = "/api/logout"
	apiHealthCheck          = "/api/health"
	apiPathSetup            = "/api/setup"
	apiPathSetupStatus      = "/api/setup/status"
	apiPathLoggedIn         = "/logged_in"
	apiPathRules            = "/rules"
	apiPathRuleDetail       = "/rules/:id"
	apiPathReloadRules      = "/rules/reload"
	apiPathActionLog        = "/action_log"
	apiPathPause            = "/pause"
	apiPathResume           = "/resume"
	apiPathQuit             = "/quit"
	apiPathRegisterCommands = "/discord/register_commands"

	pprofPrefix = "/debug/pprof"
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "username"
)

var structValidator = validator.New()

//nolint:gochecknoinits // gotta register the tag name before any validation
func init() {
	structValidator.SetTagName("binding")
}

// API is the admin HTTP server. It exposes rule management, the action
// log, and pause/resume controls behind a session cookie login.
//
// Fields:
//   - config: Configuration for the API server.
//   - httpServer: The underlying HTTP server.
//   - listener: Network listener for the HTTP server.
//   - engine: Gin engine for routing HTTP requests.
//   - store: CookieStore for session management.
//   - loginRequestLimiter: Rate limiter for login requests.
//   - requestMetrics: Per-route request counters.
//   - logger: Logger for API-related events.
//   - handlers: API request handlers.
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	requestMetrics      map[string]int
	requestMetricsMu    sync.Mutex
	logger              *slog.Logger

	handlers *APIHandlers
}

// newAPI initializes and returns a new instance of the API struct.
//
// This sets up the logger, configures the Gin engine, initializes the
// APIHandlers, sets up the session store, configures TLS, and registers
// middleware and routes.
func newAPI(r *RoleCall, config *APIConfig) (*API, error) {
	setupLogger := slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	)

	engine := gin.New()

	api := &API{
		config:              config,
		engine:              engine,
		requestMetrics:      map[string]int{},
		loginRequestLimiter: rate.NewLimiter(rate.Limit(1), 1),
	}
	apiHandlers := NewAPIHandlers(r)
	api.handlers = apiHandlers
	api.store = apiHandlers.store
	_ = engine.Use(sessions.Sessions(sessionVarName, apiHandlers.store))

	tlsCfg, e := tlsConfig(
		config.SSL.Cert,
		config.SSL.Key,
		config.SSL.TLSMinVersion,
	)
	if e != nil {
		return nil, fmt.Errorf("error loading SSL certs: %w", e)
	}

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           engine,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	api.httpServer = httpServer
	api.logger = setupLogger.With(loggerNameKey, "api")

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && api.config.Development {
		corsConfig.AllowOrigins = []string{"*"}
	}

	if !config.Development {
		engine.Use(gin.Recovery())
	}
	engine.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		metricMiddleware(api),
		cors.New(corsConfig),
	)

	engine.POST(apiPathLogin, apiHandlers.loginHandler)
	engine.GET(apiHealthCheck, apiHandlers.healthCheck)
	engine.POST(apiPathLogout, apiHandlers.logoutHandler)
	engine.POST(apiPathSetup, apiHandlers.adminSetup)
	engine.GET(apiPathSetupStatus, apiHandlers.setupStatus)

	if config.Development {
		ginPprof.Register(engine, pprofPrefix)
	}

	engine.NoRoute(
		func(c *gin.Context) {
			c.AbortWithStatus(http.StatusNotFound)
		},
	)

	protected := engine.Group(apiPrefix)
	protected.Use(authMiddleware(r))

	protected.GET(apiPathLoggedIn, apiHandlers.loggedIn)
	protected.GET(apiPathRules, apiHandlers.getRules)
	protected.POST(apiPathRules, apiHandlers.createRule)
	protected.PATCH(apiPathRuleDetail, apiHandlers.updateRule)
	protected.DELETE(apiPathRuleDetail, apiHandlers.deleteRule)
	protected.POST(apiPathReloadRules, apiHandlers.reloadRules)
	protected.GET(apiPathActionLog, apiHandlers.getActionLog)
	protected.POST(apiPathPause, apiHandlers.botPause)
	protected.POST(apiPathResume, apiHandlers.botResume)
	protected.POST(apiPathQuit, apiHandlers.botQuit)
	protected.POST(apiPathRegisterCommands, apiHandlers.discordRegisterCommands)

	return api, nil
}

func (a *API) Serve(ctx context.Context) error {
	if a.listener != nil {
		return a.httpServer.Serve(a.listener)
	}
	listenCfg := &net.ListenConfig{}
	ln, e := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
	if e != nil {
		return e
	}
	ln = tls.NewListener(ln, a.httpServer.TLSConfig)
	a.listener = ln
	return a.httpServer.Serve(a.listener)
}

func (a *API) getSessionUsername(c *gin.Context) (string, error) {
	session, err := a.store.Get(c.Request, sessionVarName)
	if err != nil {
		return "", err
	}
	username, ok := session.Values[sessionVarField]
	if !ok {
		return "", errors.New("username not found in session")
	}
	s, e := username.(string)
	if !e {
		return "", errors.New("username not a string")
	}
	return s, nil
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// APIHandlers contains the handlers for the various API endpoints.
type APIHandlers struct {
	r      *RoleCall
	logger *slog.Logger
	store  CookieStore
}

// NewAPIHandlers initializes and returns a new instance of APIHandlers.
//
// It sets up the logger, derives a secret key for session management,
// and configures the session store.
func NewAPIHandlers(r *RoleCall) *APIHandlers {
	logger := r.logger.With(loggerNameKey, "api")

	var secretKey []byte
	switch sk := r.config.API.Secret; {
	case sk == "":
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	default:
		secretKey = derive64ByteKey(sk)
	}

	store := NewCookieStore(secretKey)
	sameSite := http.SameSiteStrictMode
	if r.config.API.Development {
		sameSite = http.SameSiteNoneMode
	}
	store.Options(
		sessions.Options{
			HttpOnly: true,
			Secure:   true,
			MaxAge:   int(r.config.API.SessionMaxAge.Seconds()),
			SameSite: sameSite,
		},
	)
	return &APIHandlers{r: r, logger: logger, store: store}
}

// setupStatus reports whether the initial admin setup is still pending
func (h *APIHandlers) setupStatus(c *gin.Context) {
	c.JSON(http.StatusOK, setupResponse{Required: h.r.pendingSetup.Load()})
}

// adminSetup handles the initial admin credential setup. It only
// succeeds while no admin credentials exist.
func (h *APIHandlers) adminSetup(c *gin.Context) {
	h.r.stateMu.Lock()
	defer h.r.stateMu.Unlock()

	if !h.r.pendingSetup.Load() {
		c.JSON(http.StatusForbidden, httpError{Error: "Forbidden"})
		return
	}

	logger := ginContextLogger(c)
	logger.Info("first time admin setup")
	var setup adminSetupPayload

	if e := c.ShouldBindJSON(&setup); e != nil {
		logger.Error("bad payload", tint.Err(e))
		c.JSON(http.StatusBadRequest, gin.H{"error": e.Error()})
		return
	}

	password, err := HashPassword(setup.Password)
	if err != nil {
		logger.Error("error hashing password", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "error setting admin credentials"},
		)
		return
	}

	state := h.r.botState
	if _, err = h.r.writeDB.Updates(
		c.Request.Context(), state, map[string]any{
			columnBotStateAdminUsername: setup.Username,
			columnBotStateAdminPassword: password,
		},
	); err != nil {
		logger.Error("error updating admin credentials", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "error updating admin credentials"},
		)
		return
	}
	state.AdminUsername = setup.Username
	state.AdminPassword = password
	h.r.pendingSetup.Store(false)
	c.JSON(http.StatusCreated, gin.H{"message": "admin credentials set"})
}

// loginHandler validates the login payload against the stored admin
// credentials and creates a new session on success. Login attempts
// are rate limited.
func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := h.logger
	if logger == nil {
		logger = slog.Default()
	}
	if !h.r.api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	state := h.r.BotState()
	if state.AdminUsername == "" || state.AdminPassword == "" {
		logger.Warn("admin username and password not set")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	if login.Username != state.AdminUsername {
		logger.Warn("admin username incorrect")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	valid, err := VerifyPassword(state.AdminPassword, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "Internal Server Error"},
		)
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	session, err := h.r.api.store.New(c.Request, sessionVarName)
	if err != nil {
		logger.Error("error creating session", tint.Err(err))

		sess, _ := h.store.Get(c.Request, sessionVarName)
		if sess != nil {
			sess.Values[sessionVarField] = ""
			_ = sess.Save(c.Request, c.Writer)
		}
		ginReplyError(c, "internal server error")
		return
	}
	if session == nil {
		logger.Error("didn't get session!?")
		ginReplyError(c, "internal server error")
		return
	}
	sameSite := http.SameSiteStrictMode
	if h.r.api.config.Development {
		sameSite = http.SameSiteNoneMode
	}
	session.Options = &gsessions.Options{
		MaxAge:   int(h.r.api.config.SessionMaxAge.Seconds()),
		SameSite: sameSite,
		HttpOnly: true,
		Secure:   true,
	}
	session.Values[sessionVarField] = login.Username
	err = session.Save(c.Request, c.Writer)
	if err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

// healthCheck reports the bot's pause state, rule count, and Discord
// gateway connection status.
func (h *APIHandlers) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, healthCheckResponse{
			Paused:                  h.r.paused.Load(),
			RuleCount:               h.r.RuleTable().Len(),
			DiscordGatewayConnected: h.r.discord.connected.Load(),
		},
	)
}

func (h *APIHandlers) logoutHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	session, err := h.store.Get(c.Request, sessionVarName)
	if err != nil {
		logger.Error("error getting session", tint.Err(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	session.Values[sessionVarField] = ""
	err = session.Save(c.Request, c.Writer)
	if err != nil {
		logger.Error("error saving cookie", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

func (h *APIHandlers) loggedIn(c *gin.Context) {
	username, err := h.r.api.getSessionUsername(c)
	if err != nil {
		ginContextLogger(c).Warn(
			"error getting session username",
			tint.Err(err),
		)
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, loggedInResponse{Username: username})
}

// getRules lists the stored reaction rules, optionally filtered by the
// `guild_id` query parameter.
func (h *APIHandlers) getRules(c *gin.Context) {
	rules, err := getReactionRules(
		c.Request.Context(),
		h.r.db,
		c.Query("guild_id"),
	)
	if err != nil {
		ginContextLogger(c).Error("error loading rules", tint.Err(err))
		ginReplyError(c, "error loading rules")
		return
	}
	c.JSON(http.StatusOK, rules)
}

// createRule stores a new reaction rule and recompiles the rule table
func (h *APIHandlers) createRule(c *gin.Context) {
	logger := ginContextLogger(c)

	var payload ruleCreatePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	trigger, err := ParseEmojiRef(payload.Trigger)
	if err != nil {
		c.JSON(
			http.StatusBadRequest,
			gin.H{"error": fmt.Sprintf("invalid trigger: %s", err.Error())},
		)
		return
	}
	rule := &ReactionRule{
		GuildID:    payload.GuildID,
		Trigger:    trigger,
		MessageID:  payload.MessageID,
		ActionKind: payload.ActionKind,
		RoleID:     payload.RoleID,
		Reason:     payload.Reason,
		Template:   payload.Template,
		Sticky:     payload.Sticky,
		Position:   payload.Position,
	}
	if err = createReactionRule(c.Request.Context(), h.r.writeDB, rule); err != nil {
		var conflict ConflictingRuleError
		switch {
		case errors.As(err, &conflict):
			c.JSON(http.StatusConflict, gin.H{"error": conflict.Error()})
		case errors.Is(err, ErrInvalidRule):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			logger.Error("error creating rule", tint.Err(err))
			ginReplyError(c, "error creating rule")
		}
		return
	}
	if err = h.r.refreshRuleTable(c.Request.Context()); err != nil {
		// a concurrent write slipped in between the trial compile and
		// the insert - roll the insert back rather than leave a rule
		// set that can't compile
		logger.Error("rule created, but table refresh failed", tint.Err(err))
		if delErr := deleteReactionRule(
			c.Request.Context(), h.r.writeDB, rule,
		); delErr != nil {
			logger.Error("error rolling back rule", tint.Err(delErr))
		} else if refreshErr := h.r.refreshRuleTable(
			c.Request.Context(),
		); refreshErr != nil {
			logger.Error(
				"error refreshing rule table after rollback",
				tint.Err(refreshErr),
			)
		}
		c.JSON(
			http.StatusConflict,
			gin.H{
				"error": fmt.Sprintf(
					"rule rejected, the rule set would no longer compile: %s",
					err.Error(),
				),
			},
		)
		return
	}
	h.r.notifier.ReloadRules(c.Request.Context())
	c.JSON(http.StatusCreated, rule)
}

// updateRule applies partial updates to a rule (currently the disabled
// flag and position), then recompiles the rule table.
func (h *APIHandlers) updateRule(c *gin.Context) {
	logger := ginContextLogger(c)
	rule, ok := h.ruleFromPath(c)
	if !ok {
		return
	}

	var payload ruleUpdatePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	updates := map[string]any{}
	if payload.Disabled != nil {
		updates[columnReactionRuleDisabled] = *payload.Disabled
	}
	if payload.Position != nil {
		updates[columnReactionRulePosition] = *payload.Position
	}
	if len(updates) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no updates provided"})
		return
	}
	revert := map[string]any{
		columnReactionRuleDisabled: rule.Disabled,
		columnReactionRulePosition: rule.Position,
	}
	if _, err := h.r.writeDB.Updates(c.Request.Context(), rule, updates); err != nil {
		logger.Error("error updating rule", tint.Err(err))
		ginReplyError(c, "error updating rule")
		return
	}
	if err := h.r.refreshRuleTable(c.Request.Context()); err != nil {
		// re-enabling a rule can reintroduce a conflict - revert so the
		// stored set stays compilable
		logger.Error("rule updated, but table refresh failed", tint.Err(err))
		if _, revertErr := h.r.writeDB.Updates(
			c.Request.Context(), rule, revert,
		); revertErr != nil {
			logger.Error("error reverting rule update", tint.Err(revertErr))
		} else if refreshErr := h.r.refreshRuleTable(
			c.Request.Context(),
		); refreshErr != nil {
			logger.Error(
				"error refreshing rule table after revert",
				tint.Err(refreshErr),
			)
		}
		c.JSON(
			http.StatusConflict,
			gin.H{
				"error": fmt.Sprintf(
					"update rejected, the rule set would no longer compile: %s",
					err.Error(),
				),
			},
		)
		return
	}
	h.r.notifier.ReloadRules(c.Request.Context())
	c.JSON(http.StatusOK, rule)
}

func (h *APIHandlers) deleteRule(c *gin.Context) {
	logger := ginContextLogger(c)
	rule, ok := h.ruleFromPath(c)
	if !ok {
		return
	}
	if err := deleteReactionRule(c.Request.Context(), h.r.writeDB, rule); err != nil {
		logger.Error("error deleting rule", tint.Err(err))
		ginReplyError(c, "error deleting rule")
		return
	}
	if err := h.r.refreshRuleTable(c.Request.Context()); err != nil {
		logger.Error("rule deleted, but table refresh failed", tint.Err(err))
	}
	h.r.notifier.ReloadRules(c.Request.Context())
	ginReplyMessage(c, "rule deleted")
}

func (h *APIHandlers) ruleFromPath(c *gin.Context) (*ReactionRule, bool) {
	var params struct {
		ID uint `uri:"id" binding:"required"`
	}
	if err := c.ShouldBindUri(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	rule, err := getReactionRule(c.Request.Context(), h.r.db, params.ID)
	if err != nil {
		ginContextLogger(c).Error("error loading rule", tint.Err(err))
		ginReplyError(c, "error loading rule")
		return nil, false
	}
	if rule == nil {
		c.JSON(http.StatusNotFound, httpError{Error: "rule not found"})
		return nil, false
	}
	return rule, true
}

// reloadRules recompiles the rule table from the database
func (h *APIHandlers) reloadRules(c *gin.Context) {
	if err := h.r.refreshRuleTable(c.Request.Context()); err != nil {
		ginContextLogger(c).Error("error reloading rules", tint.Err(err))
		ginReplyError(c, err.Error())
		return
	}
	h.r.notifier.ReloadRules(c.Request.Context())
	ginReplyMessage(
		c,
		fmt.Sprintf("reloaded %d rules", h.r.RuleTable().Len()),
	)
}

// getActionLog lists executed actions, most recent first
func (h *APIHandlers) getActionLog(c *gin.Context) {
	limit := 100
	var entries []ActionLog
	q := h.r.db.WithContext(c.Request.Context()).Order("id desc").Limit(limit)
	if guildID := c.Query("guild_id"); guildID != "" {
		q = q.Where("guild_id = ?", guildID)
	}
	if actorID := c.Query("actor_id"); actorID != "" {
		q = q.Where("actor_id = ?", actorID)
	}
	if err := q.Find(&entries).Error; err != nil {
		ginContextLogger(c).Error("error loading action log", tint.Err(err))
		ginReplyError(c, "error loading action log")
		return
	}
	c.JSON(http.StatusOK, entries)
}

// botPause stops the bot from executing actions for reaction events.
// Events seen while paused are dropped, not queued.
func (h *APIHandlers) botPause(c *gin.Context) {
	if h.r.Pause(c.Request.Context()) {
		ginReplyMessage(c, "paused")
		return
	}
	ginReplyMessage(c, "already paused")
}

func (h *APIHandlers) botResume(c *gin.Context) {
	if h.r.Resume(c.Request.Context()) {
		ginReplyMessage(c, "resumed")
		return
	}
	ginReplyMessage(c, "already running")
}

// botQuit triggers a graceful shutdown
func (h *APIHandlers) botQuit(c *gin.Context) {
	logger := ginContextLogger(c)
	logger.Warn("shutdown requested via api")
	ginReplyMessage(c, "shutting down")
	go h.r.notifier.Stop(context.Background())
}

// discordRegisterCommands re-registers the slash commands with Discord
func (h *APIHandlers) discordRegisterCommands(c *gin.Context) {
	log := ginContextLogger(c)
	log.Info("registering commands")

	createdCommands, err := h.r.discord.registerCommands()
	if err != nil {
		log.Error("error registering commands", tint.Err(err))
		ginReplyError(c, "error registering commands")
		return
	}
	c.JSON(http.StatusCreated, createdCommands)
}

// loggedInResponse represents the response returned when a user is
// successfully logged in.
type loggedInResponse struct {
	Username string `json:"username"`
}

// healthCheckResponse represents the response structure for the health
// check endpoint.
type healthCheckResponse struct {
	Paused                  bool `json:"paused"`
	RuleCount               int  `json:"rule_count"`
	DiscordGatewayConnected bool `json:"discord_gateway_connected"`
}

// httpReply represents a standard HTTP response message.
type httpReply struct {
	Message string `json:"message"`
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

// userLogin represents the payload for user login requests.
type userLogin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// adminSetupPayload represents the payload for the initial admin setup.
type adminSetupPayload struct {
	Username        string `json:"username" binding:"required"`
	Password        string `json:"password" binding:"required,eqfield=ConfirmPassword"`
	ConfirmPassword string `json:"confirm_password" binding:"required"`
}

// setupResponse is the response struct for the 'setup status' endpoint.
// If admin credentials haven't been set yet, Required is true.
type setupResponse struct {
	Required bool `json:"required"`
}

// ruleCreatePayload is the request body for creating a reaction rule
type ruleCreatePayload struct {
	GuildID    string     `json:"guild_id" binding:"required"`
	Trigger    string     `json:"trigger" binding:"required"`
	MessageID  string     `json:"message_id"`
	ActionKind ActionKind `json:"action_kind" binding:"required,oneof=grant_role revoke_role deny_reaction acknowledge"`
	RoleID     string     `json:"role_id"`
	Reason     string     `json:"reason"`
	Template   string     `json:"template"`
	Sticky     bool       `json:"sticky"`
	Position   int        `json:"position"`
}

// ruleUpdatePayload is the request body for partial rule updates
type ruleUpdatePayload struct {
	Disabled *bool `json:"disabled"`
	Position *int  `json:"position"`
}

// authMiddleware returns a Gin middleware function for authentication.
//
// It retrieves the session from the request and checks if the user is
// authenticated. If the bot is pending setup (no admin credentials have
// been set), it also returns HTTP 401.
func authMiddleware(r *RoleCall) gin.HandlerFunc {
	return func(c *gin.Context) {
		store := r.api.store
		logger := r.logger
		if logger == nil {
			logger = slog.Default()
		}
		if r.pendingSetup.Load() {
			logger.Warn("admin username and password not set")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		session, err := store.Get(c.Request, sessionVarName)
		if err != nil {
			logger.Error("error getting session", tint.Err(err))
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		if session == nil {
			logger.Error("session is nil")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		username, ok := session.Values[sessionVarField]
		if !ok || username == "" {
			logger.Warn(
				"username not found in session",
				"headers",
				c.Request.Header,
			)
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		c.Next()
	}
}

// requestIDMiddleware assigns a unique request ID to each incoming
// request, set in the Gin context under "X-Request-ID".
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		if requestID, exists := c.Get(xRequestIDHeader); exists {
			c.Header(xRequestIDHeader, requestID.(string))
		}
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	var requestLogger *slog.Logger
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		requestLogger, ok = logger.(*slog.Logger)
		if ok {
			return requestLogger
		}
	}
	requestLogger = slog.Default()
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	raw := c.Request.URL.RawQuery
	if raw != "" {
		path = path + "?" + raw
	}

	requestLogger = requestLogger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
			"referer", c.Request.Referer(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware returns a Gin middleware function for logging
// HTTP requests.
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		} else {
			requestLogger.Info(
				fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
				"duration", latency,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		}
	}
}

// metricMiddleware tracks per-route request counts
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Next()

		a.requestMetricsMu.Lock()
		defer a.requestMetricsMu.Unlock()

		key := fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		_, ok := a.requestMetrics[key]
		if !ok {
			a.requestMetrics[key] = 1
			return
		}
		a.requestMetrics[key]++
	}
}

// ginReplyMessage sends a JSON response with a message, with HTTP
// status code 200, via the gin context.
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError sends a JSON response with an error message, with HTTP
// status code 500, via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

// generateSelfSignedCert generates a self-signed TLS certificate and
// private key, valid from the current time for 1 year.
func generateSelfSignedCert(
	certFile string,
	keyFile string,
) (tls.Certificate, error) {
	// Generate a private key
	priv, err := rsa.GenerateKey(cryprand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	certTemplate := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"RoleCall"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour), // Valid for 1 year
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	derBytes, err := x509.CreateCertificate(
		cryprand.Reader,
		&certTemplate,
		&certTemplate,
		&priv.PublicKey,
		priv,
	)
	if err != nil {
		return tls.Certificate{}, err
	}

	certOut, err := os.Create(certFile)
	if err != nil {
		return tls.Certificate{}, err
	}
	defer func() {
		_ = certOut.Close()
	}()

	if err = pem.Encode(
		certOut,
		&pem.Block{Type: "CERTIFICATE", Bytes: derBytes},
	); err != nil {
		return tls.Certificate{}, err
	}

	keyOut, err := os.Create(keyFile)
	if err != nil {
		return tls.Certificate{}, err
	}
	defer func() {
		_ = keyOut.Close()
	}()

	privBytes := x509.MarshalPKCS1PrivateKey(priv)
	if err = pem.Encode(
		keyOut,
		&pem.Block{Type: "RSA PRIVATE KEY", Bytes: privBytes},
	); err != nil {
		return tls.Certificate{}, err
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return tls.Certificate{}, err
	}

	return cert, nil
}
