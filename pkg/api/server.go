// Package api is the REST surface: event ingestion, epic management,
// search, push subscriptions, and the admin/operations endpoints.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/voxlog/voxlog/pkg/cleanup"
	"github.com/voxlog/voxlog/pkg/config"
	"github.com/voxlog/voxlog/pkg/database"
	"github.com/voxlog/voxlog/pkg/llm"
	"github.com/voxlog/voxlog/pkg/queue"
	"github.com/voxlog/voxlog/pkg/services"
	"github.com/voxlog/voxlog/pkg/version"
)

// Server wires the service layer to HTTP handlers.
type Server struct {
	config      *config.Config
	db          *database.Client
	events      *services.EventService
	epics       *services.EpicService
	projections *services.ProjectionService
	runs        *services.RunService
	search      *services.SearchService
	subs        *services.PushSubscriptionService
	queue       *queue.Queue
	pool        *queue.Pool
	llm         *llm.Supervisor
	sweeper     *cleanup.SweepWorker
}

// Deps carries everything the server needs. All fields are required except
// LLM and Sweeper, which may be nil in tests.
type Deps struct {
	Config      *config.Config
	DB          *database.Client
	Events      *services.EventService
	Epics       *services.EpicService
	Projections *services.ProjectionService
	Runs        *services.RunService
	Search      *services.SearchService
	Subs        *services.PushSubscriptionService
	Queue       *queue.Queue
	Pool        *queue.Pool
	LLM         *llm.Supervisor
	Sweeper     *cleanup.SweepWorker
}

// NewServer creates the API server.
func NewServer(d Deps) *Server {
	return &Server{
		config:      d.Config,
		db:          d.DB,
		events:      d.Events,
		epics:       d.Epics,
		projections: d.Projections,
		runs:        d.Runs,
		search:      d.Search,
		subs:        d.Subs,
		queue:       d.Queue,
		pool:        d.Pool,
		llm:         d.LLM,
		sweeper:     d.Sweeper,
	}
}

// Handler builds the gin engine with all routes registered.
func (s *Server) Handler() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), securityHeaders())

	r.GET("/health", s.healthHandler)

	api := r.Group("/api")
	{
		api.POST("/events", s.createEventHandler)
		api.GET("/events", s.listEventsHandler)
		api.GET("/events/:id", s.getEventHandler)
		api.POST("/events/:id/epic", s.reprocessEventHandler)

		api.POST("/epics", s.createEpicHandler)
		api.GET("/epics", s.listEpicsHandler)
		api.GET("/epics/:id", s.getEpicHandler)
		api.POST("/epics/:id/archive", s.archiveEpicHandler)
		api.POST("/epics/:id/aliases", s.addAliasHandler)

		api.GET("/search", s.searchHandler)

		api.GET("/push/vapid-key", s.vapidKeyHandler)
		api.POST("/push/subscriptions", s.subscribeHandler)
		api.DELETE("/push/subscriptions", s.unsubscribeHandler)
	}

	admin := r.Group("/api/admin")
	{
		admin.GET("/stats", s.statsHandler)
		admin.GET("/queue", s.queueStatsHandler)
		admin.GET("/queue/jobs", s.listJobsHandler)
		admin.POST("/queue/jobs/:id/cancel", s.cancelJobHandler)
		admin.GET("/queue/dead-letters", s.listDeadLettersHandler)
		admin.POST("/queue/dead-letters/:id/retry", s.retryDeadLetterHandler)
		admin.POST("/queue/purge", s.purgeJobsHandler)

		admin.GET("/transcripts/expiring", s.expiringTranscriptsHandler)
		admin.POST("/transcripts/purge", s.purgeTranscriptsHandler)

		admin.GET("/models", s.whisperModelsHandler)
		admin.POST("/models/download", s.downloadWhisperModelHandler)
		admin.DELETE("/models/:size", s.deleteWhisperModelHandler)
		admin.GET("/models/llm", s.llmModelsHandler)
		admin.POST("/models/llm/download", s.llmDownloadModelHandler)
		admin.DELETE("/models/llm/:file", s.llmDeleteModelHandler)

		admin.GET("/llm/status", s.llmStatusHandler)
		admin.POST("/llm/start", s.llmStartHandler)
		admin.POST("/llm/stop", s.llmStopHandler)
		admin.POST("/llm/restart", s.llmRestartHandler)
	}

	return r
}

// healthHandler reports overall service health: database plus runner.
func (s *Server) healthHandler(c *gin.Context) {
	dbHealth, err := s.db.Health(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"version":  version.Full(),
			"database": dbHealth,
			"error":    err.Error(),
		})
		return
	}

	resp := gin.H{
		"status":   "healthy",
		"version":  version.Full(),
		"database": dbHealth,
	}
	if s.pool != nil {
		if poolHealth, err := s.pool.Health(c.Request.Context()); err == nil {
			resp["runner"] = poolHealth
		}
	}
	if s.llm != nil {
		resp["llm"] = s.llm.Status()
	}
	c.JSON(http.StatusOK, resp)
}
