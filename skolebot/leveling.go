package skolebot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"
)

const msgLevelUp = "🎉 Tillykke <@%s>, du er nu level %d!"

// RequiredPoints returns the running point total needed to leave the
// given level: base for level 0, doubling with each level after that.
func RequiredPoints(base int64, level int) int64 {
	if level <= 0 {
		return base
	}
	if level >= 62 || base > math.MaxInt64>>level {
		return math.MaxInt64
	}
	return base << level
}

// LevelResult describes what a single message did to a member's record.
type LevelResult struct {
	Record LevelRecord

	// Awarded is false when the message fell within the cooldown
	Awarded bool

	// LeveledUp is true when Record.Level was increased by this message
	LeveledUp bool
}

// LevelEngine applies the points and level rules. Callers must not
// award the same member concurrently; the bot routes each member's
// messages through a single worker.
type LevelEngine struct {
	store   RecordStore[LevelRecord]
	config  *LevelingConfig
	metrics *metrics
	logger  *slog.Logger
}

func newLevelEngine(
	store RecordStore[LevelRecord],
	config *LevelingConfig,
	m *metrics,
	logger *slog.Logger,
) *LevelEngine {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = newMetrics()
	}
	return &LevelEngine{
		store:   store,
		config:  config,
		metrics: m,
		logger:  logger.With(loggerNameKey, "leveling"),
	}
}

// Award counts a qualifying message sent at the given time. Messages
// inside the cooldown window change nothing and write nothing. Every
// awarded message is persisted.
func (e *LevelEngine) Award(
	ctx context.Context,
	userID string,
	at time.Time,
) (LevelResult, error) {
	rec, exists, err := e.store.Get(ctx, userID)
	if err != nil {
		return LevelResult{}, fmt.Errorf("error loading level record: %w", err)
	}
	rec.UserID = userID

	if exists {
		last := time.UnixMilli(rec.LastMessageAt)
		if at.Sub(last) < e.config.Cooldown {
			return LevelResult{Record: rec}, nil
		}
	}

	rec.Points += e.config.PointsPerMessage
	rec.LastMessageAt = at.UnixMilli()

	result := LevelResult{Awarded: true}
	if rec.Points >= RequiredPoints(e.config.BasePoints, rec.Level) {
		rec.Level++
		result.LeveledUp = true
	}
	result.Record = rec

	if err = e.store.Upsert(ctx, userID, rec); err != nil {
		return result, fmt.Errorf("error saving level record: %w", err)
	}
	e.metrics.pointsAwarded.Add(float64(e.config.PointsPerMessage))
	if result.LeveledUp {
		e.metrics.levelUps.Inc()
	}
	return result, nil
}

// levelRolePattern builds a pattern matching any role name produced by
// the given format, e.g. "Level %d" gives `^Level \d+$`.
func levelRolePattern(format string) *regexp.Regexp {
	parts := strings.Split(format, "%d")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.MustCompile("^" + strings.Join(parts, `\d+`) + "$")
}

// RoleDirectory caches guild role IDs by name. A miss refreshes the
// cache from the guild, then creates the role if it still doesn't exist.
type RoleDirectory struct {
	discord DiscordSessionHandler
	guildID string
	mu      sync.Mutex
	byName  map[string]string
	byID    map[string]string
	logger  *slog.Logger
}

func newRoleDirectory(
	discord DiscordSessionHandler,
	guildID string,
	logger *slog.Logger,
) *RoleDirectory {
	if logger == nil {
		logger = slog.Default()
	}
	return &RoleDirectory{
		discord: discord,
		guildID: guildID,
		byName:  map[string]string{},
		byID:    map[string]string{},
		logger:  logger.With(loggerNameKey, "role_directory"),
	}
}

// refresh reloads all guild roles. Caller must hold mu.
func (r *RoleDirectory) refresh() error {
	roles, err := r.discord.GuildRoles(r.guildID)
	if err != nil {
		return err
	}
	r.byName = make(map[string]string, len(roles))
	r.byID = make(map[string]string, len(roles))
	for _, role := range roles {
		if role == nil {
			continue
		}
		r.byName[role.Name] = role.ID
		r.byID[role.ID] = role.Name
	}
	return nil
}

// Ensure returns the ID of the role with the given name, creating it
// if needed.
func (r *RoleDirectory) Ensure(name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byName[name]; ok {
		return id, nil
	}
	if err := r.refresh(); err != nil {
		return "", fmt.Errorf("error listing roles: %w", err)
	}
	if id, ok := r.byName[name]; ok {
		return id, nil
	}

	hoist := false
	mentionable := false
	role, err := r.discord.GuildRoleCreate(
		r.guildID,
		&discordgo.RoleParams{
			Name:        name,
			Hoist:       &hoist,
			Mentionable: &mentionable,
		},
	)
	if err != nil {
		return "", fmt.Errorf("error creating role %q: %w", name, err)
	}
	r.byName[role.Name] = role.ID
	r.byID[role.ID] = role.Name
	r.logger.Info("created role", "name", role.Name, "role_id", role.ID)
	return role.ID, nil
}

// Name returns the cached name for a role ID, refreshing once on a miss.
func (r *RoleDirectory) Name(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name, ok := r.byID[id]; ok {
		return name, true
	}
	if err := r.refresh(); err != nil {
		r.logger.Warn("error listing roles", tint.Err(err))
		return "", false
	}
	name, ok := r.byID[id]
	return name, ok
}

// Invalidate drops a cached name, so the next Ensure looks it up again
func (r *RoleDirectory) Invalidate(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byName[name]; ok {
		delete(r.byID, id)
	}
	delete(r.byName, name)
}

func isUnknownRole(err error) bool {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Message != nil {
		return restErr.Message.Code == discordgo.ErrCodeUnknownRole
	}
	return false
}

// Leveling connects the engine to discord: it awards points for guild
// messages, keeps level roles in sync and announces level-ups.
type Leveling struct {
	engine      *LevelEngine
	roles       *RoleDirectory
	discord     DiscordSessionHandler
	config      *LevelingConfig
	rolePattern *regexp.Regexp
	announce    *rate.Limiter
	logger      *slog.Logger
}

func newLeveling(
	discord DiscordSessionHandler,
	store RecordStore[LevelRecord],
	config *Config,
	m *metrics,
	logger *slog.Logger,
) *Leveling {
	engine := newLevelEngine(store, config.Leveling, m, logger)
	return &Leveling{
		engine:      engine,
		roles:       newRoleDirectory(discord, config.Discord.GuildID, logger),
		discord:     discord,
		config:      config.Leveling,
		rolePattern: levelRolePattern(config.Leveling.RoleNameFormat),
		announce: rate.NewLimiter(
			rate.Limit(config.Leveling.AnnouncementsPerSecond),
			1,
		),
		logger: engine.logger,
	}
}

// qualifies returns true for messages which can earn points
func qualifies(m *discordgo.MessageCreate) bool {
	return m != nil && m.Message != nil && m.Author != nil && !m.Author.Bot && m.GuildID != ""
}

// HandleMessage awards points for a guild message, and on level-up
// syncs the member's level role and posts a congratulation.
func (l *Leveling) HandleMessage(ctx context.Context, m *discordgo.MessageCreate) error {
	if !qualifies(m) {
		return nil
	}
	at := m.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	logger := contextLoggerOr(ctx, l.logger).With("user_id", m.Author.ID)

	result, err := l.engine.Award(ctx, m.Author.ID, at)
	if err != nil {
		logger.Error("error awarding points", tint.Err(err))
		return err
	}
	if !result.LeveledUp {
		return nil
	}
	logger.Info("level up", "record", result.Record)

	if syncErr := l.syncLevelRole(m.GuildID, m.Author.ID, result.Record.Level); syncErr != nil {
		logger.Warn("unable to sync level role", tint.Err(syncErr))
	}

	if waitErr := l.announce.Wait(ctx); waitErr != nil {
		logger.Warn("skipping level-up announcement", tint.Err(waitErr))
		return nil
	}
	if _, sendErr := l.discord.ChannelMessageSend(
		m.ChannelID,
		fmt.Sprintf(msgLevelUp, m.Author.ID, result.Record.Level),
	); sendErr != nil {
		logger.Warn("unable to announce level up", tint.Err(sendErr))
	}
	return nil
}

// syncLevelRole makes the role for the given level the only level role
// the member holds.
func (l *Leveling) syncLevelRole(guildID, userID string, level int) error {
	roleName := fmt.Sprintf(l.config.RoleNameFormat, level)
	roleID, err := l.roles.Ensure(roleName)
	if err != nil {
		return err
	}

	member, err := l.discord.GuildMember(guildID, userID)
	if err != nil {
		return fmt.Errorf("error getting member: %w", err)
	}

	held := false
	for _, id := range member.Roles {
		if id == roleID {
			held = true
			continue
		}
		name, ok := l.roles.Name(id)
		if !ok || !l.rolePattern.MatchString(name) {
			continue
		}
		if removeErr := l.discord.GuildMemberRoleRemove(guildID, userID, id); removeErr != nil {
			l.logger.Warn(
				"unable to remove old level role",
				"user_id", userID,
				"role", name,
				tint.Err(removeErr),
			)
		}
	}
	if held {
		return nil
	}

	err = l.discord.GuildMemberRoleAdd(guildID, userID, roleID)
	if err != nil && isUnknownRole(err) {
		// cached ID is gone, look it up (or create it) again
		l.roles.Invalidate(roleName)
		roleID, err = l.roles.Ensure(roleName)
		if err != nil {
			return err
		}
		err = l.discord.GuildMemberRoleAdd(guildID, userID, roleID)
	}
	return err
}
