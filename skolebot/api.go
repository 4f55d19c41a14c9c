package skolebot

import (
	"cmp"
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"
)

const (
	pprofPrefix              = "/debug"
	apiPrefix                = "/api"
	apiHealthCheck           = "/healthz"
	apiMetrics               = "/metrics"
	apiPathApplications      = "/applications"
	apiPathApplication       = "/applications/:id"
	apiPathLevel             = "/levels/:id"
	apiPathLeaderboard       = "/leaderboard"
	apiPathRegisterCommands  = "/discord/register_commands"
	apiPathQuit              = "/quit"
	defaultApplicationsLimit = 25
)

const (
	xRequestIDHeader = "X-Request-ID"
	bearerPrefix     = "Bearer "
)

var (
	structValidator = validator.New()
)

var (
	Ascending  Sort = "asc"
	Descending Sort = "desc"
)

// API is the admin HTTP server. Routes under /api require the
// configured bearer token.
type API struct {
	bot                *Bot
	config             *APIConfig
	httpServer         *http.Server
	listener           net.Listener
	engine             *gin.Engine
	authFailureLimiter *rate.Limiter
	logger             *slog.Logger
}

func newAPI(b *Bot, config *APIConfig) (*API, error) {
	r := gin.New()

	api := &API{
		bot:                b,
		config:             config,
		engine:             r,
		authFailureLimiter: rate.NewLimiter(rate.Limit(1), 3),
		logger: slog.New(newLogHandler(logWriter, config.LogLevel)).With(
			loggerNameKey, "api",
		),
	}

	var tlsCfg *tls.Config
	if config.SSL.Cert != "" && config.SSL.Key != "" {
		var err error
		tlsCfg, err = tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		if config.Development {
			corsConfig.AllowOrigins = []string{"*"}
		} else {
			corsConfig.AllowOrigins = []string{"http://" + config.Listen}
		}
	}

	r.Use(gin.Recovery())
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		metricMiddleware(b.metrics),
		cors.New(corsConfig),
	)

	r.GET(apiHealthCheck, api.healthCheck)
	r.GET(
		apiMetrics,
		gin.WrapH(promhttp.HandlerFor(b.metrics.registry, promhttp.HandlerOpts{})),
	)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(api))

	protected.GET(apiPathApplications, api.getApplications)
	protected.GET(apiPathApplication, api.getApplication)
	protected.DELETE(apiPathApplication, api.deleteApplication)
	protected.GET(apiPathLevel, api.getLevel)
	protected.GET(apiPathLeaderboard, api.getLeaderboard)
	protected.POST(apiPathRegisterCommands, api.discordRegisterCommands)
	protected.POST(apiPathQuit, api.botQuit)

	return api, nil
}

// Listen opens the listener Serve will use, so address errors surface
// before the bot connects to discord
func (a *API) Listen() error {
	if a.listener != nil {
		return nil
	}
	network := a.config.ListenNetwork
	if network == "" {
		network = defaultListenNetwork
	}
	ln, err := net.Listen(network, a.config.Listen)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
	}
	if a.httpServer.TLSConfig != nil {
		ln = tls.NewListener(ln, a.httpServer.TLSConfig)
	}
	a.listener = ln
	a.logger.Info("api listening", "addr", ln.Addr().String(), "tls", a.httpServer.TLSConfig != nil)
	return nil
}

func (a *API) Serve(_ context.Context) error {
	if err := a.Listen(); err != nil {
		return err
	}
	return a.httpServer.Serve(a.listener)
}

func (a *API) Shutdown(ctx context.Context) error {
	err := a.httpServer.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		_ = a.httpServer.Close()
	}
	return err
}

// stores returns the bot's stores, or replies 503 if they haven't been
// opened yet
func (a *API) stores(c *gin.Context) (*Stores, bool) {
	if a.bot.stores == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, httpError{Error: "not ready"})
		return nil, false
	}
	return a.bot.stores, true
}

func (a *API) healthCheck(c *gin.Context) {
	resp := healthCheckResponse{
		DiscordGatewayConnected: a.bot.discord.connected.Load(),
		StoreType:               a.bot.config.Store.Type,
	}
	if !a.bot.startedAt.IsZero() {
		resp.Uptime = time.Since(a.bot.startedAt).Round(time.Second).String()
	}
	if a.bot.workers != nil {
		resp.MessageWorkers = a.bot.workers.Len()
	}
	c.JSON(http.StatusOK, resp)
}

// getApplications lists application records, ordered by completion time
func (a *API) getApplications(c *gin.Context) {
	var query GetApplicationsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid query"})
		return
	}
	if query.Limit == 0 {
		query.Limit = defaultApplicationsLimit
	}
	stores, ok := a.stores(c)
	if !ok {
		return
	}

	log := ginContextLogger(c)
	records, err := stores.Applications.LoadAll(c.Request.Context())
	if err != nil {
		log.Error("error loading applications", tint.Err(err))
		ginReplyError(c, "error loading applications")
		return
	}

	apps := make([]apiApplication, 0, len(records))
	for id, rec := range records {
		if query.Role != "" && rec.Role != query.Role {
			continue
		}
		apps = append(apps, apiApplication{UserID: id, ApplicationRecord: rec})
	}
	slices.SortFunc(
		apps, func(x, y apiApplication) int {
			if query.Order == Descending {
				x, y = y, x
			}
			if n := cmp.Compare(x.Timestamp, y.Timestamp); n != 0 {
				return n
			}
			return strings.Compare(x.UserID, y.UserID)
		},
	)

	if query.Offset >= len(apps) {
		apps = apps[:0]
	} else {
		apps = apps[query.Offset:]
	}
	if len(apps) > query.Limit {
		apps = apps[:query.Limit]
	}
	c.JSON(http.StatusOK, apps)
}

func (a *API) getApplication(c *gin.Context) {
	stores, ok := a.stores(c)
	if !ok {
		return
	}
	userID := c.Param("id")
	rec, err := LookupRecord(c.Request.Context(), stores.Applications, userID)
	switch {
	case errors.Is(err, ErrRecordNotFound):
		c.JSON(http.StatusNotFound, httpError{Error: "application not found"})
	case err != nil:
		ginContextLogger(c).Error("error loading application", tint.Err(err))
		ginReplyError(c, "error loading application")
	default:
		c.JSON(http.StatusOK, apiApplication{UserID: userID, ApplicationRecord: rec})
	}
}

// deleteApplication removes a member's record, so they can apply again
func (a *API) deleteApplication(c *gin.Context) {
	stores, ok := a.stores(c)
	if !ok {
		return
	}
	log := ginContextLogger(c)
	userID := c.Param("id")
	ctx := c.Request.Context()

	_, err := LookupRecord(ctx, stores.Applications, userID)
	switch {
	case errors.Is(err, ErrRecordNotFound):
		c.JSON(http.StatusNotFound, httpError{Error: "application not found"})
		return
	case err != nil:
		log.Error("error loading application", tint.Err(err))
		ginReplyError(c, "error loading application")
		return
	}
	if err = stores.Applications.Delete(ctx, userID); err != nil {
		log.Error("error deleting application", tint.Err(err))
		ginReplyError(c, "error deleting application")
		return
	}
	log.Info("deleted application", "user_id", userID)
	ginReplyMessage(c, "application deleted")
}

func (a *API) getLevel(c *gin.Context) {
	stores, ok := a.stores(c)
	if !ok {
		return
	}
	userID := c.Param("id")
	rec, err := LookupRecord(c.Request.Context(), stores.Levels, userID)
	switch {
	case errors.Is(err, ErrRecordNotFound):
		c.JSON(http.StatusNotFound, httpError{Error: "level not found"})
		return
	case err != nil:
		ginContextLogger(c).Error("error loading level", tint.Err(err))
		ginReplyError(c, "error loading level")
		return
	}
	c.JSON(
		http.StatusOK, apiLevel{
			UserID:         userID,
			LevelRecord:    rec,
			NextLevelAt:    RequiredPoints(a.bot.config.Leveling.BasePoints, rec.Level),
			LastMessageUTC: time.UnixMilli(rec.LastMessageAt).UTC(),
		},
	)
}

func (a *API) getLeaderboard(c *gin.Context) {
	limit := a.bot.config.Leveling.LeaderboardSize
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			c.JSON(http.StatusBadRequest, httpError{Error: "limit must be between 1 and 100"})
			return
		}
		limit = n
	}
	stores, ok := a.stores(c)
	if !ok {
		return
	}
	entries, err := Leaderboard(c.Request.Context(), stores.Levels, limit)
	if err != nil {
		ginContextLogger(c).Error("error building leaderboard", tint.Err(err))
		ginReplyError(c, "error building leaderboard")
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (a *API) discordRegisterCommands(c *gin.Context) {
	log := ginContextLogger(c)
	log.Info("registering commands")

	createdCommands, err := a.bot.RegisterCommands()
	if err != nil {
		log.Error("error registering commands", tint.Err(err))
		ginReplyError(c, "error registering commands")
		return
	}
	c.JSON(http.StatusCreated, createdCommands)
}

func (a *API) botQuit(c *gin.Context) {
	ginContextLogger(c).Warn("quit requested")
	a.bot.Stop()
	c.JSON(http.StatusAccepted, httpReply{Message: "shutting down"})
}

// Pagination represents the pagination parameters for API requests.
type Pagination struct {
	Limit  int  `form:"limit" binding:"omitempty,min=1,max=100"`
	Order  Sort `form:"order" binding:"omitempty,oneof=asc desc"`
	Offset int  `form:"offset" binding:"omitempty,min=0"`
}

// GetApplicationsQuery filters and pages the application list
type GetApplicationsQuery struct {
	Pagination
	Role Role `form:"role" binding:"omitempty,oneof=elev lærer"`
}

// Sort represents the sorting order for queries.
type Sort string

type apiApplication struct {
	UserID string `json:"user_id"`
	ApplicationRecord
}

type apiLevel struct {
	UserID string `json:"user_id"`
	LevelRecord
	NextLevelAt    int64     `json:"next_level_at"`
	LastMessageUTC time.Time `json:"last_message_utc"`
}

type healthCheckResponse struct {
	DiscordGatewayConnected bool   `json:"discord_gateway_connected"`
	StoreType               string `json:"store_type"`
	Uptime                  string `json:"uptime,omitempty"`
	MessageWorkers          int    `json:"message_workers"`
}

// httpReply represents a standard HTTP response message.
type httpReply struct {
	Message string `json:"message"`
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

// authMiddleware requires 'Authorization: Bearer <token>' matching the
// configured API token. Failed attempts are rate limited, and answered
// with 429 once the limit is exceeded.
func authMiddleware(a *API) gin.HandlerFunc {
	expected := []byte(a.config.Token)
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, hasPrefix := strings.CutPrefix(header, bearerPrefix)
		if hasPrefix && len(expected) > 0 &&
			subtle.ConstantTimeCompare([]byte(token), expected) == 1 {
			c.Next()
			return
		}

		log := ginContextLogger(c)
		if !a.authFailureLimiter.Allow() {
			log.Warn("auth failure rate limit exceeded")
			c.AbortWithStatusJSON(
				http.StatusTooManyRequests,
				httpError{Error: "too many requests"},
			)
			return
		}
		log.Warn("unauthorized request")
		c.AbortWithStatusJSON(
			http.StatusUnauthorized,
			httpError{Error: "unauthorized"},
		)
	}
}

// requestIDMiddleware assigns a random request ID to each request, and
// returns it in the X-Request-ID header
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, isLogger := logger.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	return setGinContextLogger(c, slog.Default())
}

func setGinContextLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}
	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request once it's finished, with its
// duration and response status
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := setGinContextLogger(c, base)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs,
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// metricMiddleware counts requests by route and response status
func metricMiddleware(m *metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.apiRequests.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

// ginReplyMessage sends a JSON response with a message,
// with HTTP status code 200, via the gin context.
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError sends a JSON response with a message,
// with HTTP status code 500, via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
}
