package skolebot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	msgWelcome          = "Velkommen! Du skal besvare nogle spørgsmål for at få adgang."
	msgRoleQuestion     = `Er du **lærer** eller **elev**? Svar kun "lærer" eller "elev".`
	msgInvalidRole      = `Svar skal være "lærer" eller "elev".`
	msgNameQuestion     = `Hvad er dit navn? Skriv "anonym" hvis du vil skjule det.`
	msgStudentNumber    = "Indtast dit elevnummer (5 cifre)."
	msgAgeQuestion      = `Hvor gammel er du? Eller skriv "anonym".`
	msgStudentNumberLen = "Elevnummer skal være præcis 5 cifre."
	msgStudentNumberBad = "Ugyldigt elevnummer."
	msgStudentApproved  = "Du er automatisk godkendt som elev. Velkommen!"
	msgTeacherPending   = "Tak for dine svar! En lærer skal godkende dig."

	// firstStudentYear is the two-digit year of the oldest valid
	// student number prefix
	firstStudentYear = 20

	answerName          = "name"
	answerStudentNumber = "elevnummer"
	answerAge           = "age"
)

var (
	ErrAlreadyApplied    = errors.New("member has already applied")
	ErrSessionInProgress = errors.New("onboarding already in progress for member")
	ErrDMUnavailable     = errors.New("unable to direct message member")

	studentNumberPattern = regexp.MustCompile(`^\d{5}$`)
)

// SessionState is the position of a Session in the questionnaire.
type SessionState int

const (
	StateAwaitingRole SessionState = iota
	StateAwaitingAnswer
	StateComplete
	StateAbandoned
)

func (s SessionState) String() string {
	switch s {
	case StateAwaitingRole:
		return "awaiting_role"
	case StateAwaitingAnswer:
		return "awaiting_answer"
	case StateComplete:
		return "complete"
	case StateAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Terminal returns true for states which accept no further input
func (s SessionState) Terminal() bool {
	return s == StateComplete || s == StateAbandoned
}

type question struct {
	Key    string
	Prompt string

	// validate returns an error reply for invalid answers, or an
	// empty string
	validate func(answer string, now time.Time) string
}

var (
	studentQuestions = []question{
		{Key: answerName, Prompt: msgNameQuestion},
		{Key: answerStudentNumber, Prompt: msgStudentNumber, validate: validateStudentNumber},
		{Key: answerAge, Prompt: msgAgeQuestion},
	}
	teacherQuestions = []question{
		{Key: answerName, Prompt: msgNameQuestion},
		{Key: answerAge, Prompt: msgAgeQuestion},
	}
)

func questionsFor(role Role) []question {
	switch role {
	case RoleStudent:
		return studentQuestions
	case RoleTeacher:
		return teacherQuestions
	default:
		return nil
	}
}

// validateStudentNumber checks that a student number is five digits, and
// that the first two (the year the student started) fall between 2020 and
// the current year.
func validateStudentNumber(answer string, now time.Time) string {
	if !studentNumberPattern.MatchString(answer) {
		return msgStudentNumberLen
	}
	year, err := strconv.Atoi(answer[:2])
	if err != nil {
		return msgStudentNumberLen
	}
	if year < firstStudentYear || year > now.Year()%100 {
		return msgStudentNumberBad
	}
	return ""
}

// Session is one member's progress through the questionnaire. Sessions
// are values; Advance returns the next one.
type Session struct {
	ID        uuid.UUID
	MemberID  string
	MemberTag string
	GuildID   string

	// ChannelID is the DM channel the questionnaire runs in
	ChannelID string

	Role  Role
	Step  int
	State SessionState

	// Answers holds accepted answers, in question order
	Answers []string

	StartedAt time.Time
}

// Transition is the outcome of a single Advance.
type Transition struct {
	// Reply is sent back to the member, if set
	Reply string

	// Record is set when the questionnaire completed
	Record *ApplicationRecord
}

func NewSession(memberID, memberTag, guildID, channelID string, now time.Time) Session {
	return Session{
		ID:        uuid.New(),
		MemberID:  memberID,
		MemberTag: memberTag,
		GuildID:   guildID,
		ChannelID: channelID,
		State:     StateAwaitingRole,
		StartedAt: now,
	}
}

func (s Session) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", s.ID.String()),
		slog.String("member_id", s.MemberID),
		slog.String("role", s.Role.String()),
		slog.Int("step", s.Step),
		slog.String("state", s.State.String()),
	)
}

// Advance applies one answer. Invalid answers leave the session where it
// was, with a reply describing the problem. Input is ignored once the
// session is in a terminal state.
func (s Session) Advance(input string, now time.Time) (Session, Transition) {
	input = strings.TrimSpace(input)
	next := s
	next.Answers = append([]string(nil), s.Answers...)

	switch s.State {
	case StateAwaitingRole:
		role, ok := ParseRole(input)
		if !ok {
			return s, Transition{Reply: msgInvalidRole}
		}
		next.Role = role
		next.State = StateAwaitingAnswer
		next.Step = 0
		return next, Transition{Reply: questionsFor(role)[0].Prompt}
	case StateAwaitingAnswer:
		questions := questionsFor(s.Role)
		if s.Step < 0 || s.Step >= len(questions) {
			return s, Transition{}
		}
		q := questions[s.Step]
		if q.validate != nil {
			if reply := q.validate(input, now); reply != "" {
				return s, Transition{Reply: reply}
			}
		}
		next.Answers = append(next.Answers, input)
		next.Step++
		if next.Step < len(questions) {
			return next, Transition{Reply: questions[next.Step].Prompt}
		}
		next.State = StateComplete
		rec := next.record(now)
		return next, Transition{Record: &rec}
	default:
		return s, Transition{}
	}
}

func (s Session) answer(key string) (string, bool) {
	for i, q := range questionsFor(s.Role) {
		if q.Key == key && i < len(s.Answers) {
			return s.Answers[i], true
		}
	}
	return "", false
}

func (s Session) record(now time.Time) ApplicationRecord {
	rec := ApplicationRecord{
		UserID:    s.MemberID,
		Role:      s.Role,
		Timestamp: now.UnixMilli(),
	}
	rec.Name, _ = s.answer(answerName)
	rec.Age, _ = s.answer(answerAge)
	if n, ok := s.answer(answerStudentNumber); ok {
		rec.StudentNumber = &n
	}
	return rec
}

// activeSession is a registered Session, with the timer which abandons it.
type activeSession struct {
	mu      sync.Mutex
	session Session
	timer   *time.Timer
}

// Onboarding runs questionnaires over DM, one per member at a time.
type Onboarding struct {
	discord  DiscordSessionHandler
	store    RecordStore[ApplicationRecord]
	config   *DiscordConfig
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *metrics
	now      func() time.Time
	mu       sync.Mutex
	sessions map[string]*activeSession
}

func newOnboarding(
	discord DiscordSessionHandler,
	store RecordStore[ApplicationRecord],
	config *Config,
	m *metrics,
	logger *slog.Logger,
) *Onboarding {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = newMetrics()
	}
	return &Onboarding{
		discord:  discord,
		store:    store,
		config:   config.Discord,
		timeout:  config.Onboarding.Timeout,
		logger:   logger.With(loggerNameKey, "onboarding"),
		metrics:  m,
		now:      time.Now,
		sessions: map[string]*activeSession{},
	}
}

// Active returns a copy of the member's current session, if there is one
func (o *Onboarding) Active(memberID string) (Session, bool) {
	o.mu.Lock()
	as := o.sessions[memberID]
	o.mu.Unlock()
	if as == nil {
		return Session{}, false
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.session, true
}

// Start opens a DM with the member and asks the first question.
// Returns ErrAlreadyApplied if the member has a record, and
// ErrSessionInProgress if they're already answering. If the DM can't
// be opened or the first message can't be sent, nothing is registered
// and ErrDMUnavailable is returned.
func (o *Onboarding) Start(
	ctx context.Context,
	user *discordgo.User,
	guildID string,
) error {
	if user == nil {
		return errors.New("nil user")
	}
	logger := contextLoggerOr(ctx, o.logger).With("member_id", user.ID)

	_, exists, err := o.store.Get(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("error checking application: %w", err)
	}
	if exists {
		return ErrAlreadyApplied
	}

	o.mu.Lock()
	if _, inProgress := o.sessions[user.ID]; inProgress {
		o.mu.Unlock()
		return ErrSessionInProgress
	}
	// placeholder so a concurrent Start sees the session while the DM
	// is opened
	as := &activeSession{}
	as.mu.Lock()
	o.sessions[user.ID] = as
	o.mu.Unlock()

	release := func() {
		o.unregister(user.ID, as)
		as.mu.Unlock()
	}

	channel, err := o.discord.UserChannelCreate(user.ID)
	if err != nil {
		release()
		logger.Warn("unable to open DM", tint.Err(err))
		return fmt.Errorf("%w: %w", ErrDMUnavailable, err)
	}
	for _, msg := range []string{msgWelcome, msgRoleQuestion} {
		if _, err = o.discord.ChannelMessageSend(channel.ID, msg); err != nil {
			release()
			logger.Warn("unable to send DM", tint.Err(err))
			return fmt.Errorf("%w: %w", ErrDMUnavailable, err)
		}
	}

	session := NewSession(user.ID, userTag(user), guildID, channel.ID, o.now())
	as.session = session
	sessionID := session.ID
	as.timer = time.AfterFunc(
		o.timeout, func() {
			o.abandon(user.ID, sessionID)
		},
	)
	as.mu.Unlock()

	o.metrics.onboardingStarted.Inc()
	logger.Info("onboarding started", "session", session)
	return nil
}

// abandon discards the member's session if it's still the given one.
func (o *Onboarding) abandon(memberID string, sessionID uuid.UUID) {
	o.mu.Lock()
	as := o.sessions[memberID]
	o.mu.Unlock()
	if as == nil {
		return
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.session.ID != sessionID || as.session.State.Terminal() {
		return
	}
	o.abandonLocked(as)
}

// abandonLocked marks the session abandoned and unregisters it.
// Caller must hold as.mu.
func (o *Onboarding) abandonLocked(as *activeSession) {
	as.session.State = StateAbandoned
	if as.timer != nil {
		as.timer.Stop()
	}
	o.unregister(as.session.MemberID, as)
	o.metrics.onboardingAbandoned.Inc()
	o.logger.Info("onboarding abandoned", "session", as.session)
}

// unregister removes the member's session from the table, if it's
// still as. Lock order is always as.mu before o.mu.
func (o *Onboarding) unregister(memberID string, as *activeSession) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sessions[memberID] == as {
		delete(o.sessions, memberID)
	}
}

// HandleDirectMessage feeds a DM into the author's session. handled is
// false if the message doesn't belong to an active session.
func (o *Onboarding) HandleDirectMessage(
	ctx context.Context,
	m *discordgo.MessageCreate,
) (handled bool, err error) {
	if m == nil || m.Author == nil || m.Author.Bot {
		return false, nil
	}
	o.mu.Lock()
	as := o.sessions[m.Author.ID]
	o.mu.Unlock()
	if as == nil {
		return false, nil
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	current := as.session
	if current.MemberID != m.Author.ID || current.ChannelID != m.ChannelID || current.State.Terminal() {
		return false, nil
	}

	now := o.now()
	if now.Sub(current.StartedAt) >= o.timeout {
		o.abandonLocked(as)
		return false, nil
	}

	next, transition := current.Advance(m.Content, now)
	as.session = next
	logger := contextLoggerOr(ctx, o.logger).With("session", next)

	if transition.Reply != "" {
		if _, sendErr := o.discord.ChannelMessageSend(
			next.ChannelID,
			transition.Reply,
		); sendErr != nil {
			logger.Warn("unable to send reply", tint.Err(sendErr))
		}
	}

	if transition.Record == nil {
		return true, nil
	}

	if as.timer != nil {
		as.timer.Stop()
	}
	o.unregister(next.MemberID, as)

	return true, o.complete(ctx, next, *transition.Record, logger)
}

// complete persists the record, then notifies reviewers and the member.
// Discord calls after the record is saved are best effort.
func (o *Onboarding) complete(
	ctx context.Context,
	session Session,
	record ApplicationRecord,
	logger *slog.Logger,
) error {
	if err := o.store.Upsert(ctx, record.UserID, record); err != nil {
		logger.Error("error saving application", tint.Err(err))
		return fmt.Errorf("error saving application: %w", err)
	}
	o.metrics.onboardingCompleted.WithLabelValues(record.Role.String()).Inc()
	logger.Info("onboarding completed", "application", record)

	switch record.Role {
	case RoleStudent:
		o.send(logger, o.config.ReviewChannelID, studentNotice(session.MemberTag, record))
		if err := o.discord.GuildMemberRoleRemove(
			session.GuildID,
			session.MemberID,
			o.config.PendingRoleID,
		); err != nil {
			logger.Warn("unable to remove pending role", tint.Err(err))
		}
		if err := o.discord.GuildMemberRoleAdd(
			session.GuildID,
			session.MemberID,
			o.config.MemberRoleID,
		); err != nil {
			logger.Warn("unable to add member role", tint.Err(err))
		}
		o.send(logger, session.ChannelID, &discordgo.MessageSend{Content: msgStudentApproved})
	case RoleTeacher:
		o.send(logger, o.config.ReviewChannelID, teacherNotice(session.MemberTag, record))
		o.send(logger, session.ChannelID, &discordgo.MessageSend{Content: msgTeacherPending})
	}
	return nil
}

func (o *Onboarding) send(logger *slog.Logger, channelID string, msg *discordgo.MessageSend) {
	if channelID == "" {
		return
	}
	if _, err := o.discord.ChannelMessageSendComplex(channelID, msg); err != nil {
		logger.Warn("unable to send message", "channel_id", channelID, tint.Err(err))
	}
}

// Stop cancels all session timers and discards all sessions
func (o *Onboarding) Stop() {
	o.mu.Lock()
	sessions := o.sessions
	o.sessions = map[string]*activeSession{}
	o.mu.Unlock()

	for _, as := range sessions {
		as.mu.Lock()
		if as.timer != nil {
			as.timer.Stop()
		}
		if !as.session.State.Terminal() {
			as.session.State = StateAbandoned
		}
		as.mu.Unlock()
	}
}

func applicationFields(record ApplicationRecord, studentNumber string) []*discordgo.MessageEmbedField {
	return []*discordgo.MessageEmbedField{
		{Name: "Navn", Value: truncate(record.Name, embedFieldMaxLength)},
		{Name: "Elevnummer", Value: studentNumber},
		{Name: "Alder", Value: truncate(record.Age, embedFieldMaxLength)},
	}
}

func studentNotice(tag string, record ApplicationRecord) *discordgo.MessageSend {
	since := "Ukendt"
	if year, ok := record.StartYear(); ok {
		since = "Har gået på skolen siden " + year
	}
	return &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{
			{
				Title:  fmt.Sprintf("✅ Ny elev: %s (Auto-godkendt)", tag),
				Fields: applicationFields(record, since),
				Color:  0x2ecc71,
			},
		},
	}
}

func teacherNotice(tag string, record ApplicationRecord) *discordgo.MessageSend {
	return &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{
			{
				Title:  fmt.Sprintf("⚠️ Ny lærer-ansøgning: %s (Manual Review)", tag),
				Fields: applicationFields(record, "Ingen"),
				Color:  0xf1c40f,
			},
		},
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{
				Components: []discordgo.MessageComponent{
					discordgo.Button{
						Label:    "Godkend",
						Style:    discordgo.SuccessButton,
						CustomID: encodeCustomID(reviewActionApprove, record.UserID),
					},
					discordgo.Button{
						Label:    "Afvis",
						Style:    discordgo.DangerButton,
						CustomID: encodeCustomID(reviewActionDeny, record.UserID),
					},
				},
			},
		},
	}
}
