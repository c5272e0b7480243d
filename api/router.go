package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"llm-chat-relay/db"
	"llm-chat-relay/llm"
	"llm-chat-relay/service"
	"llm-chat-relay/utils"
)

const shutdownTimeout = 10 * time.Second

// Deps are the components the HTTP layer serves. Conversations and Database
// are nil when persistence is disabled.
type Deps struct {
	Chat          *service.ChatService
	Conversations *service.ConversationService
	Providers     *llm.Registry
	Database      *db.DB
	Logger        *utils.Logger

	RetentionDays  int
	RateLimit      RateLimiterOptions
	AllowedOrigins []string
	TrustedProxies []string

	// Registerer receives the HTTP metrics; Gatherer backs /metrics. Either
	// may be nil.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer

	Now func() time.Time
}

// Server is the relay's HTTP front end.
type Server struct {
	engine  *gin.Engine
	limiter *RateLimiter
	logger  *utils.Logger
}

// NewServer builds the gin engine with middleware and routes.
func NewServer(deps Deps) *Server {
	if deps.Now == nil {
		deps.Now = time.Now
	}

	engine := gin.New()
	// The rate limiter keys on ClientIP, so forwarding headers only count
	// from configured proxies.
	if err := engine.SetTrustedProxies(deps.TrustedProxies); err != nil {
		deps.Logger.LogError(err, "invalid trusted proxies, ignoring forwarding headers", "proxies", deps.TrustedProxies)
		_ = engine.SetTrustedProxies(nil)
	}
	engine.Use(RequestLogger(deps.Logger))
	engine.Use(ErrorHandler(deps.Logger))
	engine.Use(RecoveryWithLogger(deps.Logger))
	if deps.Registerer != nil {
		engine.Use(NewHTTPMetrics(deps.Registerer).Middleware())
	}
	engine.Use(CORS(deps.AllowedOrigins))

	limiter := NewRateLimiter(deps.Logger, deps.RateLimit)

	h := &Handler{
		chat:          deps.Chat,
		conversations: deps.Conversations,
		providers:     deps.Providers,
		database:      deps.Database,
		retentionDays: deps.RetentionDays,
		now:           deps.Now,
		started:       time.Now(),
		logger:        deps.Logger,
	}

	engine.GET("/health", h.Health)
	if deps.Gatherer != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := engine.Group("/api/v1", limiter.Middleware())
	v1.GET("/health", h.Health)
	v1.GET("/providers", h.ListProviders)
	v1.POST("/chat", h.Chat)

	stored := v1.Group("", h.requirePersistence)
	{
		stored.POST("/conversations", h.CreateConversation)
		stored.GET("/conversations", h.ListConversations)
		stored.GET("/conversations/:id", h.GetConversation)
		stored.PATCH("/conversations/:id", h.UpdateConversationTitle)
		stored.DELETE("/conversations/:id", h.DeleteConversation)
		stored.GET("/conversations/:id/messages", h.GetMessages)
		stored.POST("/conversations/:id/messages", h.SaveMessage)
		stored.POST("/conversations/:id/branch", h.BranchConversation)
		stored.GET("/conversations/:id/export", h.ExportConversation)

		stored.GET("/messages/:id", h.GetMessage)
		stored.DELETE("/messages/:id", h.DeleteMessage)

		stored.GET("/search", h.Search)
		stored.GET("/stats", h.Stats)

		stored.POST("/maintenance/cleanup", h.Cleanup)
		stored.POST("/maintenance/vacuum", h.Vacuum)
	}

	return &Server{engine: engine, limiter: limiter, logger: deps.Logger}
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string, cfg utils.ServerConfig) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  cfg.ReadTimeout.Duration,
		WriteTimeout: cfg.WriteTimeout.Duration,
	}

	cleanupCtx, stopCleanup := context.WithCancel(ctx)
	defer stopCleanup()
	utils.SafeGo(s.logger, "rate limiter cleanup", func() { s.limiter.Cleanup(cleanupCtx) })

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
