package rolecall

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"

	postgresNotifyChannelRulesUpdated    = "rolecall_rules_updated"
	postgresNotifyChannelBotStateUpdated = "rolecall_bot_state_updated"
	postgresNotifyChannelStop            = "rolecall_stop"

	recordSeparator = string(rune(30))
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout    = 30 * time.Second
	dbNotifierSendTimeout = 15 * time.Second
)

// ModelUnixTime is an embeddable model with Unix timestamps for
// creation, update, and deletion.
type ModelUnixTime struct {
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64          `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// ReactionRule is the stored form of a reaction rule. Rows are compiled
// into an immutable [RuleTable] on startup and whenever the rules change.
//
// Fields:
//   - GuildID: Guild the rule belongs to.
//   - Trigger: Emoji that activates the rule, stored in its canonical
//     string form (code points, or "custom:" followed by the emoji ID).
//   - MessageID: Message the rule is scoped to. Empty means the rule
//     applies to every monitored message.
//   - ActionKind: What to do when the rule matches.
//   - RoleID: Role to grant or revoke, for role actions.
//   - Reason: Free-form note logged when a reaction is denied.
//   - Template: Message template for acknowledge actions.
//   - Sticky: Grant-role rules keep the role when the reaction is removed.
//   - Position: Evaluation order. Lower positions win ties.
//   - Disabled: Excluded from the compiled table, but kept in the DB.
type ReactionRule struct {
	ModelUintID
	ModelUnixTime
	GuildID    string     `gorm:"index" json:"guild_id" binding:"required"`
	Trigger    EmojiRef   `gorm:"type:string;index" json:"trigger" binding:"required"`
	MessageID  string     `json:"message_id,omitempty"`
	ActionKind ActionKind `json:"action_kind" binding:"required,oneof=grant_role revoke_role deny_reaction acknowledge"`
	RoleID     string     `json:"role_id,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	Template   string     `json:"template,omitempty"`
	Sticky     bool       `json:"sticky"`
	Position   int        `gorm:"index" json:"position"`
	Disabled   bool       `json:"disabled"`
}

func (r ReactionRule) LogValue() slog.Value {
	return structToSlogValue(r)
}

// rule converts the stored row into its compiled form
func (r ReactionRule) rule() Rule {
	action := ActionDescriptor{
		Kind:     r.ActionKind,
		RoleID:   r.RoleID,
		Reason:   r.Reason,
		Template: r.Template,
	}
	rule := Rule{
		Trigger: r.Trigger,
		Action:  action,
		Sticky:  r.Sticky,
	}
	if r.MessageID != "" {
		rule.Scope = []string{r.MessageID}
	}
	return rule
}

// summary returns a one-line description used by `/rolecall list`
// and command replies
func (r ReactionRule) summary() string {
	var b strings.Builder
	_, _ = fmt.Fprintf(&b, "`%d` %s ", r.ID, r.Trigger.MessageFormat())
	switch r.ActionKind {
	case ActionGrantRole:
		_, _ = fmt.Fprintf(&b, "grants <@&%s>", r.RoleID)
		if r.Sticky {
			b.WriteString(" (sticky)")
		}
	case ActionRevokeRole:
		_, _ = fmt.Fprintf(&b, "revokes <@&%s>", r.RoleID)
	case ActionDenyReaction:
		b.WriteString("removes the reaction")
	case ActionAcknowledge:
		b.WriteString("sends a reply")
	default:
		_, _ = fmt.Fprintf(&b, "%s", r.ActionKind)
	}
	if r.MessageID != "" {
		_, _ = fmt.Fprintf(&b, " on message `%s`", r.MessageID)
	} else {
		b.WriteString(" on any message")
	}
	if r.Disabled {
		b.WriteString(" [disabled]")
	}
	return b.String()
}

// ActionLog records the outcome of each executed action, for auditing
// and for the admin API.
type ActionLog struct {
	ModelUintID
	ModelUnixTime
	GuildID    string     `gorm:"index" json:"guild_id"`
	ChannelID  string     `json:"channel_id"`
	MessageID  string     `gorm:"index" json:"message_id"`
	ActorID    string     `gorm:"index" json:"actor_id"`
	Emoji      string     `json:"emoji"`
	Added      bool       `json:"added"`
	ActionKind ActionKind `json:"action_kind"`
	RoleID     string     `json:"role_id,omitempty"`
	RuleID     uint       `json:"rule_id,omitempty"`
	Success    bool       `json:"success"`
	Error      string     `json:"error,omitempty"`
}

func (ActionLog) TableName() string {
	return "action_log"
}

// BotState holds mutable bot state that survives restarts: the admin
// credentials, pause flag, and custom status. A single row is created
// on first startup.
type BotState struct {
	ModelUintID
	ModelUnixTime
	AdminUsername string `json:"admin_username" log:"[redacted]"`
	AdminPassword string `json:"-" log:"[redacted]"`
	Paused        bool   `json:"paused"`
	CustomStatus  string `json:"custom_status"`
}

func (b BotState) LogValue() slog.Value {
	return structToSlogValue(b)
}

// DBI provides write access to the database. SQLite only supports a
// single writer, so writes are funneled through a mutex unless
// concurrent writes are enabled (postgres).
type DBI interface {
	DB() *gorm.DB

	Lock()

	Unlock()

	Create(ctx context.Context, value any, omit ...string) (
		rowsAffected int64,
		err error,
	)

	Save(ctx context.Context, value any, omit ...string) (
		rowsAffected int64,
		err error,
	)

	Updates(ctx context.Context, model any, values any) (
		rowsAffected int64,
		err error,
	)

	Delete(ctx context.Context, value any) (rowsAffected int64, err error)

	Transaction(
		ctx context.Context,
		fc func(tx *gorm.DB) error,
		opts ...*sql.TxOptions,
	) error
}

type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

// NewDatabase initializes a new database instance.
func NewDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) DBI {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) Lock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Lock()
}

func (d *database) Unlock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Unlock()
}

func (d *database) Create(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	_, ok := ctx.Deadline()
	if !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}
	db := d.db.WithContext(ctx)

	if len(omit) > 0 {
		rv := db.Omit(omit...).Create(value)
		return rv.RowsAffected, rv.Error
	}
	rv := db.Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Save(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	_, ok := ctx.Deadline()
	if !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}
	if len(omit) > 0 {
		rv := d.db.WithContext(ctx).Omit(omit...).Save(value)
		return rv.RowsAffected, rv.Error
	}
	rv := d.db.WithContext(ctx).Save(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Updates(ctx context.Context, model, values any) (
	rowsAffected int64,
	err error,
) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	_, ok := ctx.Deadline()
	if !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}
	rv := d.db.WithContext(ctx).Model(model).Updates(values)
	return rv.RowsAffected, rv.Error
}

func (d *database) Delete(ctx context.Context, value any) (
	rowsAffected int64,
	err error,
) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	_, ok := ctx.Deadline()
	if !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}
	rv := d.db.WithContext(ctx).Delete(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Transaction(
	ctx context.Context,
	fc func(tx *gorm.DB) error,
	opts ...*sql.TxOptions,
) error {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	_, ok := ctx.Deadline()
	if !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}
	return d.db.WithContext(ctx).Transaction(fc, opts...)
}

// CreateDB initializes and returns a GORM database connection based on the
// specified database type, and performs auto-migration.
//
// Parameters:
//   - ctx: The context for the database operations.
//   - databaseType: The type of the database, must be 'sqlite' or 'postgres'.
//   - database: The database connection string, or SQLite file path.
func CreateDB(ctx context.Context, databaseType string, database string) (
	*gorm.DB,
	error,
) {
	handler := tint.NewHandler(
		os.Stdout,
		&tint.Options{
			Level:     slog.LevelWarn,
			AddSource: true,
		},
	)

	gormLogger := newGORMLogger(handler, 500*time.Millisecond)
	dbLogger := slog.New(handler)

	dbLogger.InfoContext(
		ctx,
		"Initializing database",
		"database_type", databaseType,
		"database", database,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}
	if err = migrateDB(ctx, db); err != nil {
		return db, err
	}
	return db, nil
}

// getDB initializes and returns a GORM database connection based on the
// specified database type.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(
			sqlite.Open(database),
			&gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	case dbTypePostgres:
		return gorm.Open(
			postgres.Open(database), &gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

func migrateDB(ctx context.Context, db *gorm.DB) error {
	txn := db.WithContext(ctx).Begin()

	mg := txn.Migrator()
	err := mg.AutoMigrate(
		&ReactionRule{},
		&ActionLog{},
		&BotState{},
	)
	if err != nil {
		return fmt.Errorf("error migrating database: %w", err)
	}

	if commitErr := txn.Commit().Error; commitErr != nil {
		return fmt.Errorf("error committing transaction: %w", commitErr)
	}
	return nil
}

// getBotState loads the singleton [BotState] row, if one exists
func getBotState(ctx context.Context, db *gorm.DB) (*BotState, error) {
	var state BotState
	err := db.WithContext(ctx).Order("id").First(&state).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &state, nil
}

// getReactionRules returns the guild's rules in evaluation order. An
// empty guild ID returns every rule.
func getReactionRules(
	ctx context.Context,
	db *gorm.DB,
	guildID string,
) ([]ReactionRule, error) {
	var rules []ReactionRule
	q := db.WithContext(ctx).Order("position, id")
	if guildID != "" {
		q = q.Where("guild_id = ?", guildID)
	}
	if err := q.Find(&rules).Error; err != nil {
		return nil, err
	}
	return rules, nil
}

func getReactionRule(ctx context.Context, db *gorm.DB, id uint) (
	*ReactionRule,
	error,
) {
	var rule ReactionRule
	err := db.WithContext(ctx).Where("id = ?", id).First(&rule).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rule, nil
}

// createReactionRule persists a new rule. The prospective rule set is
// compiled first - a rule that conflicts with an existing one is rejected
// here, since a stored conflict would fail every reload until the row is
// deleted by hand.
func createReactionRule(ctx context.Context, db DBI, rule *ReactionRule) error {
	if rule.Position == 0 {
		var maxPosition sql.NullInt64
		err := db.DB().WithContext(ctx).Model(&ReactionRule{}).
			Where("guild_id = ?", rule.GuildID).
			Select("max(position)").Scan(&maxPosition).Error
		if err != nil {
			return err
		}
		rule.Position = int(maxPosition.Int64) + 1
	}
	if !rule.Disabled {
		var enabled []ReactionRule
		err := db.DB().WithContext(ctx).
			Where("disabled = ?", false).
			Order("position, id").
			Find(&enabled).Error
		if err != nil {
			return err
		}
		candidates := make([]Rule, 0, len(enabled)+1)
		for _, existing := range enabled {
			candidates = append(candidates, existing.rule())
		}
		candidates = append(candidates, rule.rule())
		if _, err = NewRuleTable(candidates); err != nil {
			return err
		}
	}
	_, err := db.Create(ctx, rule)
	return err
}

func deleteReactionRule(ctx context.Context, db DBI, rule *ReactionRule) error {
	_, err := db.Delete(ctx, rule)
	return err
}

// loadRuleTable compiles the enabled rules into an immutable [RuleTable].
// Evaluation order follows each rule's position, then creation order.
func loadRuleTable(
	ctx context.Context,
	db *gorm.DB,
	guildScoped bool,
) (*RuleTable, error) {
	var stored []ReactionRule
	err := db.WithContext(ctx).
		Where("disabled = ?", false).
		Order("position, id").
		Find(&stored).Error
	if err != nil {
		return nil, err
	}
	rules := make([]Rule, 0, len(stored))
	for _, r := range stored {
		rules = append(rules, r.rule())
	}
	return NewRuleTable(rules, GuildScopedRules(guildScoped))
}
