package skolebot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"runtime/debug"
)

// InteractionHandler responds to a single Discord interaction.
type InteractionHandler interface {
	// Respond sends the initial response to the interaction
	Respond(ctx context.Context, resp *discordgo.InteractionResponse) error

	// GetInteraction returns the original InteractionCreate event.
	GetInteraction() *discordgo.InteractionCreate

	// Logger returns the logger associated with this handler.
	Logger() *slog.Logger
}

// GatewayHandler implements [InteractionHandler] for interactions
// received via the discord websocket gateway.
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
}

func newGatewayHandler(
	session DiscordSessionHandler,
	i *discordgo.InteractionCreate,
	logger *slog.Logger,
) GatewayHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return GatewayHandler{
		session:     session,
		interaction: i,
		logger: logger.With(
			slog.Group("interaction", interactionLogAttrs(*i)...),
		),
	}
}

func (w GatewayHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	err := w.session.InteractionRespond(w.interaction.Interaction, response)
	if err != nil {
		w.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	} else {
		w.logger.DebugContext(ctx, "responded to interaction")
	}
	return err
}

func (w GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return w.interaction
}

func (w GatewayHandler) Logger() *slog.Logger {
	return w.logger
}

// interactionName returns the command name or component custom ID
// action, for logging and metrics
func interactionName(i *discordgo.InteractionCreate) string {
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		return i.ApplicationCommandData().Name
	case discordgo.InteractionMessageComponent:
		action, _, ok := decodeCustomID(i.MessageComponentData().CustomID)
		if !ok {
			return "component"
		}
		return action
	default:
		return i.Type.String()
	}
}

// handleInteraction routes slash commands and button presses
func (b *Bot) handleInteraction(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	logger := handler.Logger()
	if u := getDiscordUser(i); u != nil {
		logger = logger.With("user_id", u.ID)
	}
	ctx = WithLogger(ctx, logger)

	defer func() {
		if rc := recover(); rc != nil {
			logPanic(ctx, logger, rc)
		}
	}()

	name := interactionName(i)
	b.metrics.interactions.WithLabelValues(name).Inc()
	logger.InfoContext(ctx, "got interaction", "name", name)

	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		switch name {
		case CommandApply:
			b.commandApply(ctx, handler)
		case CommandInfo:
			b.commandInfo(ctx, handler)
		case CommandLeaderboard:
			b.commandLeaderboard(ctx, handler)
		case CommandBotInfo:
			b.commandBotInfo(ctx, handler)
		default:
			logger.WarnContext(ctx, "unknown command")
			_ = handler.Respond(ctx, ephemeralResponse(msgUnknownCommand))
		}
	case discordgo.InteractionMessageComponent:
		if !b.review.HandleComponent(ctx, handler) {
			logger.WarnContext(
				ctx,
				"unknown component",
				"custom_id", i.MessageComponentData().CustomID,
			)
			_ = handler.Respond(ctx, ephemeralResponse(msgUnknownComponent))
		}
	default:
		logger.WarnContext(ctx, "unhandled interaction type")
	}
}

func logPanic(ctx context.Context, logger *slog.Logger, rc any) {
	stackTrace := string(debug.Stack())
	var err error
	switch v := rc.(type) {
	case error:
		err = v
	case string:
		err = errors.New(v)
	default:
		err = fmt.Errorf("%v", v)
	}
	logger.ErrorContext(
		ctx,
		"recovered from panic",
		tint.Err(err),
		"stack_trace", stackTrace,
	)
}
