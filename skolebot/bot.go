package skolebot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const shutdownAnnouncementInterval = 10 * time.Second

var (
	// When building, set these like:
	// -ldflags "-X github.com/LaugeSvan/DenFrieDigiSkole/skolebot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// Bot connects the onboarding, review and leveling components to a
// discord gateway session, and serves the admin API.
type Bot struct {
	config *Config
	logger *slog.Logger

	discord    *Discord
	stores     *Stores
	onboarding *Onboarding
	review     *Review
	leveling   *Leveling
	workers    *userWorkerPool
	metrics    *metrics
	api        *API

	// runMu prevents concurrent runs
	runMu     sync.Mutex
	startedAt time.Time

	// signalReady receives a value once the gateway session is open
	// and commands have been registered
	signalReady chan struct{}

	// signalStop can be sent to trigger a graceful shutdown
	signalStop chan struct{}

	// eventShutdown receives a value when shutdown completes
	eventShutdown chan struct{}

	// getInteractionHandlerFunc builds the handler used to respond to
	// each interaction
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler
}

// New configures loggers and creates a Bot. Stores and the discord
// session are opened by Run.
func New(config *Config) (*Bot, error) {
	if config == nil {
		return nil, errors.New("nil config")
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &Bot{
		config:        config,
		signalReady:   make(chan struct{}, 1),
		signalStop:    make(chan struct{}, 1),
		eventShutdown: make(chan struct{}, 1),
		metrics:       newMetrics(),
	}

	b.logger = slog.New(newLogHandler(logWriter, config.LogLevel))
	slog.SetDefault(b.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(logWriter, config.Discord.DiscordGoLogLevel).WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
		),
	)

	config.Discord.httpClient = config.HTTPClient
	b.discord = newDiscord(
		config.Discord,
		slog.New(newLogHandler(logWriter, config.Discord.LogLevel)).With(
			loggerNameKey, "discord",
		),
	)

	api, err := newAPI(b, config.API)
	if err != nil {
		return nil, fmt.Errorf("error creating api: %w", err)
	}
	b.api = api
	return b, nil
}

// Run opens the stores and the gateway session, and handles events
// until ctx is canceled or a stop signal is received, then shuts down.
func (b *Bot) Run(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.startedAt = time.Now()
	logger := b.logger

	if err := b.config.Validate(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	// the 'runtime' context. canceling it starts a graceful shutdown.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-b.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			logger.Warn("context canceled")
		}
	}()

	runtimeWG := &sync.WaitGroup{}

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- b.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out: %w", startCtx.Err())
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			_ = b.stores.Close()
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	if b.config.API.Enabled {
		if err := b.api.Listen(); err != nil {
			_ = b.stores.Close()
			return err
		}
		go func() {
			httpErr := b.api.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			}
		}()
	}

	b.initDiscordSession(ctx, runtimeWG)

	if err := b.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error opening discord session", tint.Err(err))
		_ = b.shutdown(ctx, runtimeWG)
		return fmt.Errorf("error opening discord session: %w", err)
	}

	if _, err := b.RegisterCommands(); err != nil {
		logger.ErrorContext(ctx, "error registering commands", tint.Err(err))
	}

	b.signalReady <- struct{}{}
	logger.InfoContext(ctx, "sent ready signal")

	<-ctx.Done()
	return b.shutdown(ctx, runtimeWG)
}

// Stop signals a running bot to shut down
func (b *Bot) Stop() {
	select {
	case b.signalStop <- struct{}{}:
	default:
	}
}

// initRun opens the stores and the discord session, if they haven't
// already been set, then creates the components using them.
func (b *Bot) initRun(ctx context.Context) error {
	if b.stores == nil {
		stores, err := OpenStores(ctx, b.config, b.logger)
		if err != nil {
			return err
		}
		b.stores = stores
	}
	if b.discord.session == nil {
		session, err := b.discord.newSession()
		if err != nil {
			return err
		}
		b.discord.session = session
	}
	b.initComponents()
	return nil
}

func (b *Bot) initComponents() {
	session := b.discord.session
	b.onboarding = newOnboarding(session, b.stores.Applications, b.config, b.metrics, b.logger)
	b.review = newReview(session, b.stores.Applications, b.config.Discord, b.metrics, b.logger)
	b.leveling = newLeveling(session, b.stores.Levels, b.config, b.metrics, b.logger)
	b.workers = newUserWorkerPool(
		b.config.Leveling.WorkerIdleTimeout,
		b.handleUserMessage,
		b.logger,
	)
	if b.getInteractionHandlerFunc == nil {
		b.getInteractionHandlerFunc = func(
			_ context.Context,
			i *discordgo.InteractionCreate,
		) InteractionHandler {
			return newGatewayHandler(b.discord.session, i, b.logger)
		}
	}
}

// initDiscordSession adds the bot's gateway event handlers, replacing
// any added by a previous run.
func (b *Bot) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) {
	ctx = WithLogger(ctx, b.logger.With(loggerNameKey, "discord_session"))

	for _, h := range b.discord.discordgoRemoveHandlerFuncs {
		h()
	}

	session := b.discord.session
	b.discord.discordgoRemoveHandlerFuncs = []func(){
		session.AddHandler(b.discord.handlerConnect()),
		session.AddHandler(b.discord.handlerDisconnect()),
		session.AddHandler(b.discord.handlerReady()),
		session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				handler := b.getInteractionHandlerFunc(ctx, i)
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					b.handleInteraction(ctx, handler)
				}()
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.GuildMemberAdd) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					b.handleMemberJoin(ctx, m)
				}()
			},
		),
		session.AddHandler(
			// dispatched inline, so each member's messages keep their
			// gateway order
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				b.handleMessageCreate(ctx, m)
			},
		),
	}
}

// handleMemberJoin gives a new member the pending role and starts
// their questionnaire. Bots, other guilds and members who already
// applied are ignored.
func (b *Bot) handleMemberJoin(ctx context.Context, m *discordgo.GuildMemberAdd) {
	if m == nil || m.Member == nil || m.User == nil || m.User.Bot {
		return
	}
	if m.GuildID != b.config.Discord.GuildID {
		return
	}
	logger := b.logger.With(slog.Group("member", memberLogAttrs(m.Member)...))
	ctx = WithLogger(ctx, logger)

	_, exists, err := b.stores.Applications.Get(ctx, m.User.ID)
	if err != nil {
		logger.ErrorContext(ctx, "error checking application", tint.Err(err))
		return
	}
	if exists {
		logger.InfoContext(ctx, "member already applied, skipping onboarding")
		return
	}

	if roleErr := b.discord.session.GuildMemberRoleAdd(
		m.GuildID,
		m.User.ID,
		b.config.Discord.PendingRoleID,
	); roleErr != nil {
		logger.WarnContext(ctx, "unable to add pending role", tint.Err(roleErr))
	}

	if startErr := b.onboarding.Start(ctx, m.User, m.GuildID); startErr != nil {
		logger.WarnContext(ctx, "unable to start onboarding", tint.Err(startErr))
	}
}

// handleMessageCreate queues DMs and, with leveling enabled, guild
// messages on the author's worker. Bot messages are dropped.
func (b *Bot) handleMessageCreate(ctx context.Context, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil || m.Author.Bot {
		return
	}
	if m.GuildID != "" && !b.config.Leveling.Enabled {
		return
	}
	if err := b.workers.Dispatch(ctx, m); err != nil {
		b.logger.WarnContext(
			ctx,
			"unable to dispatch message",
			"user_id", m.Author.ID,
			tint.Err(err),
		)
	}
}

// handleUserMessage runs on the author's worker. DMs go to onboarding,
// guild messages to leveling.
func (b *Bot) handleUserMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if m.GuildID == "" {
		if _, err := b.onboarding.HandleDirectMessage(ctx, m); err != nil {
			contextLoggerOr(ctx, b.logger).ErrorContext(
				ctx,
				"error handling direct message",
				tint.Err(err),
			)
		}
		return
	}
	_ = b.leveling.HandleMessage(ctx, m)
}

// RegisterCommands overwrites the guild's slash commands with the bot's
func (b *Bot) RegisterCommands() ([]*discordgo.ApplicationCommand, error) {
	if b.discord.session == nil {
		return nil, errors.New("discord session not initialized")
	}
	cmds, err := registerCommands(b.discord.session, b.config.Discord)
	if err != nil {
		return nil, fmt.Errorf("error registering commands: %w", err)
	}
	b.logger.Info("registered commands", "count", len(cmds))
	return cmds, nil
}

// shutdown stops the API, waits for in-flight handlers and workers,
// then closes the session and the stores. Anything still running at
// the shutdown deadline is abandoned.
func (b *Bot) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	b.logger.WarnContext(ctx, "shutting down")
	defer func() {
		select {
		case b.eventShutdown <- struct{}{}:
		default:
		}
	}()

	shutdownStart := time.Now()
	shutdownDeadline := shutdownStart.Add(b.config.ShutdownTimeout)
	b.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", b.config.ShutdownTimeout,
		"shutdown_started", shutdownStart,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	for _, h := range b.discord.discordgoRemoveHandlerFuncs {
		h()
	}
	b.discord.discordgoRemoveHandlerFuncs = nil

	if b.onboarding != nil {
		b.onboarding.Stop()
	}

	g, gctx := errgroup.WithContext(closeCtx)
	if b.api != nil && b.config.API.Enabled {
		g.Go(
			func() error {
				return b.api.Shutdown(gctx)
			},
		)
	}
	if b.workers != nil {
		g.Go(
			func() error {
				return b.workers.Stop(gctx)
			},
		)
	}
	g.Go(
		func() error {
			done := make(chan struct{})
			go func() {
				runtimeWG.Wait()
				close(done)
			}()
			ticker := time.NewTicker(shutdownAnnouncementInterval)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					b.logger.InfoContext(
						ctx,
						"finished handling in-flight events",
						"runtime_stop_duration", time.Since(shutdownStart),
					)
					return nil
				case <-ticker.C:
					b.logger.WarnContext(
						ctx,
						"waiting on in-flight events",
						"shutdown_deadline", shutdownDeadline,
					)
				case <-gctx.Done():
					return fmt.Errorf("in-flight events did not finish: %w", gctx.Err())
				}
			}
		},
	)
	stopErr := g.Wait()
	if stopErr != nil {
		b.logger.ErrorContext(ctx, "graceful shutdown incomplete", tint.Err(stopErr))
	}

	var errs []error
	if stopErr != nil {
		errs = append(errs, stopErr)
	}
	if b.discord.session != nil {
		if err := b.discord.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing discord session: %w", err))
		}
	}
	if err := b.stores.Close(); err != nil {
		errs = append(errs, fmt.Errorf("error closing stores: %w", err))
	}
	b.logger.InfoContext(ctx, "shutdown complete", "duration", time.Since(shutdownStart))
	return errors.Join(errs...)
}
