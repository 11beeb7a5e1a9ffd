package shardkeeper

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	pprofPrefix            = "/debug"
	apiPrefix              = "/api"
	apiHealthCheck         = "/healthz"
	apiPathStatus          = "/status"
	apiPathRecluster       = "/recluster"
	apiPathMaintenance     = "/maintenance"
	apiPathStopCluster     = "/clusters/:id/stop"
	apiPathGuildMembers    = "/guilds/:id/members"
	apiPathGatewayBot      = "/gateway/bot"
	apiPathGenerations     = "/generations"
	apiPathGenerationEvent = "/generations/:id/events"
	apiPathMetrics         = "/metrics"
)

const (
	SecretHeader     = "X-Shardkeeper-Secret"
	xRequestIDHeader = "X-Request-ID"
)

var (
	structValidator = validator.New()
)

// API is the control channel server. Every route under /api requires the
// shared secret in the X-Shardkeeper-Secret header.
type API struct {
	config         *APIConfig
	httpServer     *http.Server
	listener       net.Listener
	engine         *gin.Engine
	requestLimiter *rate.Limiter

	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex
	logger           *slog.Logger

	handlers *APIHandlers
}

// APIHandlers holds the dependencies of the API's request handlers
type APIHandlers struct {
	manager  *ClusterManager
	probe    *SessionLimitProbe
	store    Store
	notifier Notifier
	logger   *slog.Logger

	mu sync.RWMutex
	// ctx is the server's run context. Background operations started
	// by a request (a recluster) run under it, not under the request.
	ctx context.Context
}

func (h *APIHandlers) runContext() context.Context {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.ctx == nil {
		return context.Background()
	}
	return h.ctx
}

func (h *APIHandlers) setRunContext(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ctx = ctx
}

func newAPI(
	config *APIConfig,
	manager *ClusterManager,
	probe *SessionLimitProbe,
	store Store,
	notifier Notifier,
) (*API, error) {
	setupLogger := componentLogger(defaultLogWriter, "api", config.LogLevel)

	r := gin.New()

	api := &API{
		config:         config,
		engine:         r,
		requestMetrics: map[string]int{},
		requestLimiter: rate.NewLimiter(rate.Limit(config.RateLimit), config.RateBurst),
		logger:         setupLogger,
	}
	apiHandlers := &APIHandlers{
		manager:  manager,
		probe:    probe,
		store:    store,
		notifier: notifier,
		logger:   setupLogger,
	}
	api.handlers = apiHandlers

	var tlsCfg *tls.Config
	if config.SSL.Cert != "" || config.SSL.Key != "" {
		var e error
		tlsCfg, e = tlsConfig(
			config.SSL.Cert,
			config.SSL.Key,
			config.SSL.TLSMinVersion,
		)
		if e != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", e)
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

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(setupLogger),
		metricMiddleware(api),
		cors.New(corsConfig),
	)

	r.GET(apiHealthCheck, apiHandlers.healthCheck)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	r.NoRoute(
		func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusNotFound, httpError{Error: "not found"})
		},
	)

	protected := r.Group(apiPrefix)
	protected.Use(secretMiddleware(config.Secret, setupLogger))

	protected.GET(apiPathStatus, apiHandlers.getStatus)
	protected.GET(apiPathGatewayBot, apiHandlers.getGatewayBot)
	protected.GET(apiPathGenerations, apiHandlers.getGenerations)
	protected.GET(apiPathGenerationEvent, apiHandlers.getGenerationEvents)
	protected.GET(apiPathMetrics, api.getMetrics)

	mutating := protected.Group("")
	mutating.Use(rateLimitMiddleware(api.requestLimiter))
	mutating.POST(apiPathRecluster, apiHandlers.recluster)
	mutating.POST(apiPathMaintenance, apiHandlers.setMaintenance)
	mutating.POST(apiPathStopCluster, apiHandlers.stopCluster)
	mutating.POST(apiPathGuildMembers, apiHandlers.requestGuildMembers)

	return api, nil
}

// Listen binds the configured address. Serve calls it if it hasn't been
// called already.
func (a *API) Listen(ctx context.Context) error {
	if a.listener != nil {
		return nil
	}
	listenCfg := &net.ListenConfig{}
	ln, e := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
	if e != nil {
		return fmt.Errorf("error listening on %s: %w", a.config.Listen, e)
	}
	if a.httpServer.TLSConfig != nil {
		ln = tls.NewListener(ln, a.httpServer.TLSConfig)
	}
	a.listener = ln
	return nil
}

// Serve serves the API until the server is shut down
func (a *API) Serve(ctx context.Context) error {
	a.handlers.setRunContext(ctx)
	if err := a.Listen(ctx); err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "api listening", "addr", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

// healthCheckResponse is the unauthenticated health summary
type healthCheckResponse struct {
	Ready        bool   `json:"ready"`
	Maintenance  bool   `json:"maintenance"`
	GenerationID string `json:"generation_id,omitempty"`
}

// httpReply represents a standard HTTP response message.
//
// Fields:
//   - Message: The message content of the HTTP response.
type httpReply struct {
	Message string `json:"message"`
}

// httpError represents an error message returned to the client
//
// Fields:
//   - Error: The message content of the HTTP response.
type httpError struct {
	Error string `json:"error"`
}

type maintenancePayload struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

type reclusterPayload struct {
	// All also asks every other instance sharing the database to recluster
	All bool `json:"all"`
}

type stopClusterPayload struct {
	Code int `json:"code" binding:"min=0,max=4999"`

	// GenerationID targets a generation running on another instance
	GenerationID string `json:"generation_id"`
}

type guildMembersPayload struct {
	Query string `json:"query" binding:"max=100"`
	Limit int    `json:"limit" binding:"min=0,max=100"`
}

type guildMembersResponse struct {
	GuildID string `json:"guild_id"`
	ShardID int    `json:"shard_id"`
}

// healthCheck reports readiness without authentication.
//
// Responses:
//   - 200 OK: the live generation is ready
//   - 503 Service Unavailable: no generation is ready
func (h *APIHandlers) healthCheck(c *gin.Context) {
	status := h.manager.Status()
	code := http.StatusOK
	if !status.Ready {
		code = http.StatusServiceUnavailable
	}
	c.JSON(
		code,
		healthCheckResponse{
			Ready:        status.Ready,
			Maintenance:  status.Maintenance,
			GenerationID: status.GenerationID,
		},
	)
}

func (h *APIHandlers) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.manager.Status())
}

// recluster starts a recluster in the background.
//
// Responses:
//   - 202 Accepted: the recluster started
//   - 409 Conflict: a recluster is already running
//   - 503 Service Unavailable: nothing is running yet
func (h *APIHandlers) recluster(c *gin.Context) {
	logger := ginContextLogger(c)
	var payload reclusterPayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
			return
		}
	}

	ctx := h.runContext()
	done, err := h.manager.BeginRecluster(ctx)
	switch {
	case errors.Is(err, ErrReclusterInProgress):
		c.AbortWithStatusJSON(http.StatusConflict, httpError{Error: err.Error()})
		return
	case errors.Is(err, ErrNotStarted):
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, httpError{Error: err.Error()})
		return
	case err != nil:
		ginReplyError(c, err.Error())
		return
	}
	go func() {
		if e := <-done; e != nil {
			logger.ErrorContext(ctx, "recluster failed", tint.Err(e))
		}
	}()

	if payload.All && h.notifier != nil {
		if e := h.notifier.Publish(c.Request.Context(), ControlMessage{Command: ControlRecluster}); e != nil {
			logger.ErrorContext(c.Request.Context(), "error broadcasting recluster", tint.Err(e))
		}
	}
	c.JSON(http.StatusAccepted, httpReply{Message: "recluster started"})
}

// setMaintenance toggles maintenance mode here and on every other
// instance sharing the database.
func (h *APIHandlers) setMaintenance(c *gin.Context) {
	logger := ginContextLogger(c)
	var payload maintenancePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	ctx := c.Request.Context()
	h.manager.SetMaintenance(ctx, *payload.Enabled)
	if h.notifier != nil {
		if e := h.notifier.Publish(
			ctx,
			ControlMessage{Command: ControlMaintenance, Enabled: *payload.Enabled},
		); e != nil {
			logger.ErrorContext(ctx, "error broadcasting maintenance", tint.Err(e))
		}
	}
	ginReplyMessage(c, fmt.Sprintf("maintenance=%t", *payload.Enabled))
}

// stopCluster stops one cluster of the live generation. When the payload
// names another instance's generation, the request is broadcast instead.
func (h *APIHandlers) stopCluster(c *gin.Context) {
	clusterID, err := strconv.Atoi(c.Param("id"))
	if err != nil || clusterID < 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: "invalid cluster id"})
		return
	}
	var payload stopClusterPayload
	if c.Request.ContentLength > 0 {
		if err = c.ShouldBindJSON(&payload); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
			return
		}
	}
	code := payload.Code
	if code == 0 {
		code = StopCodeRequested
	}
	ctx := c.Request.Context()

	if payload.GenerationID != "" {
		live, ok := h.manager.Live()
		if !ok || live.ID != payload.GenerationID {
			if h.notifier == nil {
				c.AbortWithStatusJSON(http.StatusNotFound, httpError{Error: ErrStaleGeneration.Error()})
				return
			}
			if err = h.notifier.Publish(
				ctx,
				ControlMessage{
					Command:      ControlStopCluster,
					GenerationID: payload.GenerationID,
					ClusterID:    clusterID,
					Code:         code,
				},
			); err != nil {
				ginReplyError(c, err.Error())
				return
			}
			c.JSON(http.StatusAccepted, httpReply{Message: "stop broadcast"})
			return
		}
	}

	err = h.manager.Stop(ctx, clusterID, code)
	switch {
	case errors.Is(err, ErrUnknownCluster):
		c.AbortWithStatusJSON(http.StatusNotFound, httpError{Error: err.Error()})
	case errors.Is(err, ErrNotStarted):
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, httpError{Error: err.Error()})
	case err != nil:
		ginReplyError(c, err.Error())
	default:
		ginReplyMessage(c, fmt.Sprintf("cluster %d stopped", clusterID))
	}
}

// requestGuildMembers sends a Request Guild Members command through the
// shard owning the guild
func (h *APIHandlers) requestGuildMembers(c *gin.Context) {
	guildID := c.Param("id")
	if _, err := strconv.ParseUint(guildID, 10, 64); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: "invalid guild id"})
		return
	}
	var payload guildMembersPayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
			return
		}
	}

	shardID, err := h.manager.RequestGuildMembers(
		c.Request.Context(),
		guildID,
		payload.Query,
		payload.Limit,
	)
	switch {
	case errors.Is(err, ErrNotStarted):
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, httpError{Error: err.Error()})
	case errors.Is(err, ErrUnknownShard):
		c.AbortWithStatusJSON(http.StatusNotFound, httpError{Error: err.Error()})
	case errors.Is(err, ErrShardNotReady):
		c.AbortWithStatusJSON(http.StatusConflict, httpError{Error: err.Error()})
	case err != nil:
		ginReplyError(c, err.Error())
	default:
		c.JSON(http.StatusAccepted, guildMembersResponse{GuildID: guildID, ShardID: shardID})
	}
}

func (h *APIHandlers) getGatewayBot(c *gin.Context) {
	limit, err := h.probe.Fetch(c.Request.Context())
	if err != nil {
		ginContextLogger(c).ErrorContext(c.Request.Context(), "error fetching gateway bot", tint.Err(err))
		c.AbortWithStatusJSON(http.StatusBadGateway, httpError{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, limit)
}

type listQuery struct {
	Limit int `form:"limit" binding:"min=0,max=1000"`
}

func (h *APIHandlers) getGenerations(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if h.store == nil {
		c.JSON(http.StatusOK, []GenerationRecord{})
		return
	}
	recs, err := h.store.ListGenerations(c.Request.Context(), q.Limit)
	if err != nil {
		ginReplyError(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, recs)
}

func (h *APIHandlers) getGenerationEvents(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if h.store == nil {
		c.JSON(http.StatusOK, []LifecycleEvent{})
		return
	}
	events, err := h.store.ListEvents(c.Request.Context(), c.Param("id"), q.Limit)
	if err != nil {
		ginReplyError(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, events)
}

func (a *API) getMetrics(c *gin.Context) {
	a.requestMetricsMu.Lock()
	metrics := make(map[string]int, len(a.requestMetrics))
	for k, v := range a.requestMetrics {
		metrics[k] = v
	}
	a.requestMetricsMu.Unlock()
	c.JSON(http.StatusOK, metrics)
}

// secretMiddleware rejects requests without the shared secret. Rejected
// requests never reach a handler.
func secretMiddleware(secret string, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !secretsEqual(secret, c.GetHeader(SecretHeader)) {
			logger.Warn(
				"unauthorized request",
				"path", c.Request.URL.Path,
				"remote_ip", c.RemoteIP(),
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

func rateLimitMiddleware(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(
				http.StatusTooManyRequests,
				httpError{Error: "rate limit exceeded"},
			)
			return
		}
		c.Next()
	}
}

// requestIDMiddleware generates a Gin middleware function that assigns a
// unique request ID to each incoming request.
//
// It generates a random hexadecimal string and sets it in the Gin context
// under the key "X-Request-ID".
// This ID can be used for tracking and logging purposes.
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
	var requestLogger *slog.Logger
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		requestLogger, ok = logger.(*slog.Logger)
		if ok {
			return requestLogger
		}
	}
	requestLogger = contextLoggerOr(c.Request.Context(), slog.Default())
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
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware returns a Gin middleware function for logging HTTP requests.
//
// It logs the request method, path, remote address, user agent, and the duration
// of the request. If there are any errors, it logs them as well.
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Request = c.Request.WithContext(WithLogger(c.Request.Context(), base))
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

// metricMiddleware returns a Gin middleware function for tracking API request
// metrics.
//
// It increments the request count for each unique combination of HTTP
// method and route.
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		a.requestMetricsMu.Lock()
		defer a.requestMetricsMu.Unlock()
		a.requestMetrics[fmt.Sprintf("%s %s", c.Request.Method, route)]++
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
	structValidator.RegisterStructValidation(validateOrchestratorConfig, OrchestratorConfig{})
}
