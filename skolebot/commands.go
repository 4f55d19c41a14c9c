package skolebot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"time"
)

const (
	CommandApply       = "apply"
	CommandInfo        = "info"
	CommandLeaderboard = "leaderboard"
	CommandBotInfo     = "bot-info"

	infoUserOption = "bruger"

	msgAlreadyApplied    = "Du har allerede udfyldt adgangsprocessen."
	msgApplyStarting     = "Starter din ansøgning… tjek dine DM's!"
	msgApplyInProgress   = "Din ansøgning er allerede i gang. Tjek dine DM's!"
	msgNoData            = "Ingen data fundet for denne bruger."
	msgCommandFailed     = "Noget gik galt. Prøv igen senere."
	msgHiddenStudentNum  = "Skjult"
	msgNoStudentNumber   = "Ingen"
	msgUnknownCommand    = "Ukendt kommando."
	msgUnknownComponent  = "Denne knap virker ikke længere."
	botInfoTitle         = "Om skolebotten"
	botInfoDescriptionFm = "Jeg hjælper med adgang til serveren og holder styr på levels.\n\n" +
		"**Adgang:** Nye medlemmer får en DM med nogle spørgsmål. Elever godkendes automatisk, " +
		"lærere godkendes af en administrator. Brug `/apply` hvis du ikke fik en DM.\n\n" +
		"**Levels:** Du får %d point per besked (højst én gang hvert %s). " +
		"For at nå level N+1 skal du have %d × 2^N point i alt, så level 1 kræver %d og level 2 kræver %d.\n\n" +
		"**Kommandoer:** `/apply`, `/info`, `/leaderboard`, `/bot-info`"
)

func appCommandApply() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        CommandApply,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Start ansøgnings-/adgangsprocessen",
	}
}

func appCommandInfo() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        CommandInfo,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Viser info om en bruger",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionUser,
				Name:        infoUserOption,
				Description: "Vælg en bruger",
				Required:    true,
			},
		},
	}
}

func appCommandLeaderboard() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        CommandLeaderboard,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Viser de brugere med flest point",
	}
}

func appCommandBotInfo() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        CommandBotInfo,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Viser hvad botten kan",
	}
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint, for the configured guild
func registerCommands(
	session DiscordSessionHandler,
	config *DiscordConfig,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	commands := []*discordgo.ApplicationCommand{
		appCommandApply(),
		appCommandInfo(),
		appCommandLeaderboard(),
		appCommandBotInfo(),
	}
	return session.ApplicationCommandBulkOverwrite(
		config.ApplicationID,
		config.GuildID,
		commands,
		options...,
	)
}

func messageResponse(content string, embeds ...*discordgo.MessageEmbed) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Embeds:  embeds,
		},
	}
}

// commandApply starts onboarding for the member who used the command.
// The reply is sent before the first DM, so the member sees it first.
func (b *Bot) commandApply(ctx context.Context, h InteractionHandler) {
	i := h.GetInteraction()
	logger := h.Logger()
	u := getDiscordUser(i)
	if u == nil {
		_ = h.Respond(ctx, ephemeralResponse(msgCommandFailed))
		return
	}

	_, exists, err := b.stores.Applications.Get(ctx, u.ID)
	switch {
	case err != nil:
		logger.Error("error checking application", tint.Err(err))
		_ = h.Respond(ctx, ephemeralResponse(msgCommandFailed))
		return
	case exists:
		_ = h.Respond(ctx, ephemeralResponse(msgAlreadyApplied))
		return
	}
	if _, inProgress := b.onboarding.Active(u.ID); inProgress {
		_ = h.Respond(ctx, ephemeralResponse(msgApplyInProgress))
		return
	}

	_ = h.Respond(ctx, ephemeralResponse(msgApplyStarting))

	guildID := i.GuildID
	if guildID == "" {
		guildID = b.config.Discord.GuildID
	}
	if startErr := b.onboarding.Start(ctx, u, guildID); startErr != nil {
		switch {
		case errors.Is(startErr, ErrAlreadyApplied), errors.Is(startErr, ErrSessionInProgress):
			logger.Info("onboarding not started", tint.Err(startErr))
		default:
			logger.Warn("unable to start onboarding", tint.Err(startErr))
		}
	}
}

// commandInfo shows the stored application for the given user
func (b *Bot) commandInfo(ctx context.Context, h InteractionHandler) {
	i := h.GetInteraction()
	logger := h.Logger()
	opt, ok := discordInteractionOptions(i)[infoUserOption]
	if !ok || opt == nil {
		_ = h.Respond(ctx, ephemeralResponse(msgNoData))
		return
	}
	user := opt.UserValue(nil)
	if user == nil || user.ID == "" {
		_ = h.Respond(ctx, ephemeralResponse(msgNoData))
		return
	}
	if resolved := i.ApplicationCommandData().Resolved; resolved != nil {
		if u, found := resolved.Users[user.ID]; found && u != nil {
			user = u
		}
	}

	record, found, err := b.stores.Applications.Get(ctx, user.ID)
	if err != nil {
		logger.Error("error loading application", tint.Err(err))
		_ = h.Respond(ctx, ephemeralResponse(msgCommandFailed))
		return
	}
	if !found {
		_ = h.Respond(ctx, ephemeralResponse(msgNoData))
		return
	}

	tag := userTag(user)
	if tag == "" {
		tag = user.ID
	}
	_ = h.Respond(ctx, messageResponse("", infoEmbed(tag, record)))
}

func infoEmbed(tag string, record ApplicationRecord) *discordgo.MessageEmbed {
	studentNumber := msgNoStudentNumber
	if record.Role == RoleStudent {
		studentNumber = msgHiddenStudentNum
	}
	return &discordgo.MessageEmbed{
		Title: fmt.Sprintf("Info om %s", tag),
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Rolle", Value: record.Role.String()},
			{Name: "Navn", Value: truncate(record.Name, embedFieldMaxLength)},
			{Name: "Elevnummer", Value: studentNumber},
			{Name: "Alder", Value: truncate(record.Age, embedFieldMaxLength)},
		},
		Timestamp: record.CompletedAt().Format(time.RFC3339),
	}
}

func (b *Bot) commandLeaderboard(ctx context.Context, h InteractionHandler) {
	logger := h.Logger()
	entries, err := Leaderboard(ctx, b.stores.Levels, b.config.Leveling.LeaderboardSize)
	if err != nil {
		logger.Error("error building leaderboard", tint.Err(err))
		_ = h.Respond(ctx, ephemeralResponse(msgCommandFailed))
		return
	}
	resp := messageResponse(formatLeaderboard(entries))
	// rank lines mention users, but shouldn't ping them
	resp.Data.AllowedMentions = &discordgo.MessageAllowedMentions{}
	_ = h.Respond(ctx, resp)
}

func botInfoEmbed(config *LevelingConfig) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title: botInfoTitle,
		Description: fmt.Sprintf(
			botInfoDescriptionFm,
			config.PointsPerMessage,
			config.Cooldown,
			config.BasePoints,
			RequiredPoints(config.BasePoints, 0),
			RequiredPoints(config.BasePoints, 1),
		),
	}
}

func (b *Bot) commandBotInfo(ctx context.Context, h InteractionHandler) {
	_ = h.Respond(ctx, messageResponse("", botInfoEmbed(b.config.Leveling)))
}
