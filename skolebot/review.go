package skolebot

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
)

const (
	reviewActionApprove = "approve"
	reviewActionDeny    = "deny"

	msgNotPermitted     = "Du har ikke tilladelse til at gøre dette."
	msgMemberNotFound   = "Bruger ikke fundet."
	msgApplicationOK    = "Din ansøgning er godkendt!"
	msgApplicationDeny  = "Din ansøgning blev afvist."
	kickReasonDenied    = "Ansøgning afvist."
	msgReviewApproved   = "Godkendte %s"
	msgReviewDenied     = "Afviste %s"
	msgReviewKickFailed = "Kunne ikke fjerne %s fra serveren. Ansøgningen er ikke slettet."
)

// Review handles the approve/deny buttons posted with teacher
// applications. Repeating an action repeats its side effects.
type Review struct {
	discord DiscordSessionHandler
	store   RecordStore[ApplicationRecord]
	config  *DiscordConfig
	metrics *metrics
	logger  *slog.Logger
}

func newReview(
	discord DiscordSessionHandler,
	store RecordStore[ApplicationRecord],
	config *DiscordConfig,
	m *metrics,
	logger *slog.Logger,
) *Review {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = newMetrics()
	}
	return &Review{
		discord: discord,
		store:   store,
		config:  config,
		metrics: m,
		logger:  logger.With(loggerNameKey, "review"),
	}
}

func isAdministrator(m *discordgo.Member) bool {
	return m != nil && m.Permissions&discordgo.PermissionAdministrator != 0
}

// HandleComponent handles a button press with an approve/deny custom ID.
// handled is false for custom IDs this doesn't recognize.
func (r *Review) HandleComponent(
	ctx context.Context,
	h InteractionHandler,
) (handled bool) {
	i := h.GetInteraction()
	action, memberID, ok := decodeCustomID(i.MessageComponentData().CustomID)
	if !ok || (action != reviewActionApprove && action != reviewActionDeny) {
		return false
	}
	logger := h.Logger().With(
		"action", action,
		"member_id", memberID,
	)
	if reviewer := getDiscordUser(i); reviewer != nil {
		logger = logger.With("reviewer_id", reviewer.ID)
	}

	if !isAdministrator(i.Member) {
		logger.Warn("review attempted without permission")
		r.metrics.reviewDecisions.WithLabelValues(action, "forbidden").Inc()
		r.respond(ctx, h, msgNotPermitted)
		return true
	}

	guildID := i.GuildID
	if guildID == "" {
		guildID = r.config.GuildID
	}
	member, err := r.discord.GuildMember(guildID, memberID)
	if err != nil || member == nil || member.User == nil {
		logger.Warn("member not found", tint.Err(err))
		r.metrics.reviewDecisions.WithLabelValues(action, "not_found").Inc()
		r.respond(ctx, h, msgMemberNotFound)
		return true
	}
	tag := userTag(member.User)

	switch action {
	case reviewActionApprove:
		r.approve(ctx, logger, guildID, member)
		r.metrics.reviewDecisions.WithLabelValues(action, "ok").Inc()
		r.respond(ctx, h, fmt.Sprintf(msgReviewApproved, tag))
	case reviewActionDeny:
		if r.deny(ctx, logger, guildID, member) {
			r.metrics.reviewDecisions.WithLabelValues(action, "ok").Inc()
			r.respond(ctx, h, fmt.Sprintf(msgReviewDenied, tag))
		} else {
			r.metrics.reviewDecisions.WithLabelValues(action, "kick_failed").Inc()
			r.respond(ctx, h, fmt.Sprintf(msgReviewKickFailed, tag))
		}
	}
	return true
}

// approve swaps the pending role for the member role, and lets the
// member know. The application record is left as is.
func (r *Review) approve(
	_ context.Context,
	logger *slog.Logger,
	guildID string,
	member *discordgo.Member,
) {
	userID := member.User.ID
	if err := r.discord.GuildMemberRoleRemove(guildID, userID, r.config.PendingRoleID); err != nil {
		logger.Warn("unable to remove pending role", tint.Err(err))
	}
	if err := r.discord.GuildMemberRoleAdd(guildID, userID, r.config.MemberRoleID); err != nil {
		logger.Warn("unable to add member role", tint.Err(err))
	}
	r.directMessage(logger, userID, msgApplicationOK)
	logger.Info("application approved")
}

// deny tells the member, then kicks them. The record is only deleted if
// the kick went through, so a failed kick can be retried.
func (r *Review) deny(
	ctx context.Context,
	logger *slog.Logger,
	guildID string,
	member *discordgo.Member,
) (kicked bool) {
	userID := member.User.ID
	r.directMessage(logger, userID, msgApplicationDeny)

	if err := r.discord.GuildMemberDeleteWithReason(guildID, userID, kickReasonDenied); err != nil {
		logger.Error("unable to remove denied member", tint.Err(err))
		return false
	}
	if err := r.store.Delete(ctx, userID); err != nil {
		logger.Error("error deleting application", tint.Err(err))
	}
	logger.Info("application denied")
	return true
}

func (r *Review) directMessage(logger *slog.Logger, userID string, content string) {
	channel, err := r.discord.UserChannelCreate(userID)
	if err != nil {
		logger.Warn("unable to open DM", tint.Err(err))
		return
	}
	if _, err = r.discord.ChannelMessageSend(channel.ID, content); err != nil {
		logger.Warn("unable to send DM", tint.Err(err))
	}
}

func (r *Review) respond(ctx context.Context, h InteractionHandler, content string) {
	_ = h.Respond(ctx, ephemeralResponse(content))
}

func ephemeralResponse(content string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	}
}
