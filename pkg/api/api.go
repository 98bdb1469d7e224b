// Package api is the operator HTTP surface: job submission and
// inspection, conflict and schedule management, quality rules and
// alerts, and the health and metrics endpoints.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/countygov/syncbridge/pkg/config"
	"github.com/countygov/syncbridge/pkg/load"
	"github.com/countygov/syncbridge/pkg/model"
	"github.com/countygov/syncbridge/pkg/store"
	"github.com/countygov/syncbridge/pkg/syncerrors"
)

// JobRunner accepts and cancels sync jobs. Satisfied by the
// orchestrator.
type JobRunner interface {
	Submit(ctx context.Context, job *model.SyncJob) error
	Cancel(ctx context.Context, jobID string) (bool, error)
}

// RuleEvaluator runs one quality rule on demand. Satisfied by the
// quality engine.
type RuleEvaluator interface {
	EvaluateRule(ctx context.Context, ruleID string) ([]model.QualityIssue, error)
}

// AlertTester fires a test notification for an alert policy.
type AlertTester interface {
	Test(ctx context.Context, alertID string) error
}

// Acknowledger marks in-app notifications read.
type Acknowledger interface {
	Acknowledge(ctx context.Context, id string) error
}

// Prober checks one dependency for the readiness endpoint.
type Prober func(ctx context.Context) error

// Server carries the handler dependencies.
type Server struct {
	cfg     *config.Config
	store   *store.Store
	jobs    JobRunner
	target  load.Target
	quality RuleEvaluator
	alerts  AlertTester
	notify  Acknowledger
	probes  map[string]Prober
	log     *zap.Logger

	readyMu      sync.Mutex
	readyAt      time.Time
	readyErr     map[string]string
	readyTTL     time.Duration
	probeTimeout time.Duration
}

// Deps wires the server. Quality, Alerts, and Notify may be nil; their
// routes then answer 503.
type Deps struct {
	Cfg     *config.Config
	Store   *store.Store
	Jobs    JobRunner
	Target  load.Target
	Quality RuleEvaluator
	Alerts  AlertTester
	Notify  Acknowledger
	Probes  map[string]Prober // name -> dependency check for readiness
	Log     *zap.Logger
}

func New(deps Deps) *Server {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	return &Server{
		cfg:          deps.Cfg,
		store:        deps.Store,
		jobs:         deps.Jobs,
		target:       deps.Target,
		quality:      deps.Quality,
		alerts:       deps.Alerts,
		notify:       deps.Notify,
		probes:       deps.Probes,
		log:          deps.Log.Named("api"),
		readyTTL:     5 * time.Second,
		probeTimeout: 2 * time.Second,
	}
}

// Router builds the gin engine with every route attached.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	sy := r.Group("/sync")
	{
		sy.POST("/jobs", s.submitJob)
		sy.GET("/jobs", s.listJobs)
		sy.GET("/jobs/:id", s.getJob)
		sy.POST("/jobs/:id/cancel", s.cancelJob)
		sy.GET("/jobs/:id/logs", s.jobLogs)

		sy.GET("/conflicts", s.listConflicts)
		sy.POST("/conflicts/:id/resolve", s.resolveConflict)

		sy.GET("/mappings", s.listMappings)
		sy.GET("/mappings/:data_type/:name", s.getMapping)
		sy.PUT("/mappings/:data_type/:name", s.putMapping)
		sy.DELETE("/mappings/:data_type/:name", s.deleteMapping)

		sy.GET("/schedules", s.listSchedules)
		sy.GET("/schedules/:name", s.getSchedule)
		sy.PUT("/schedules/:name", s.putSchedule)
		sy.POST("/schedules/:name/pause", s.pauseSchedule(false))
		sy.POST("/schedules/:name/resume", s.pauseSchedule(true))
	}

	quality := r.Group("/quality")
	{
		quality.GET("/rules", s.listRules)
		quality.PUT("/rules", s.putRule)
		quality.POST("/rules/:id/evaluate", s.evaluateRule)

		quality.GET("/issues", s.listIssues)
		quality.POST("/issues/:id/resolve", s.resolveIssue)
		quality.GET("/anomalies", s.listAnomalies)

		quality.GET("/alerts", s.listAlerts)
		quality.PUT("/alerts", s.putAlert)
		quality.POST("/alerts/:id/test", s.testAlert)
	}

	r.GET("/notifications", s.listNotifications)
	r.POST("/notifications/:id/ack", s.ackNotification)

	admin := r.Group("/admin")
	{
		admin.GET("/tables", s.listTableConfigs)
		admin.GET("/tables/:table", s.getTableConfig)
		admin.PUT("/tables/:table", s.putTableConfig)
		admin.GET("/tables/:table/fields", s.listFieldConfigs)
		admin.PUT("/tables/:table/fields", s.putFieldConfig)
		admin.POST("/retention/sweep", s.retentionSweep)
	}

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/health/live", s.healthLive)
	r.GET("/health/ready", s.healthReady)
	return r
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}

func (s *Server) healthLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "up"})
}

// healthReady probes every dependency, memoizing the verdict briefly so
// aggressive orchestration probes do not hammer the databases.
func (s *Server) healthReady(c *gin.Context) {
	s.readyMu.Lock()
	if time.Since(s.readyAt) > s.readyTTL {
		s.readyErr = map[string]string{}
		for name, probe := range s.probes {
			ctx, cancel := context.WithTimeout(c.Request.Context(), s.probeTimeout)
			if err := probe(ctx); err != nil {
				s.readyErr[name] = err.Error()
			}
			cancel()
		}
		s.readyAt = time.Now()
	}
	failures := s.readyErr
	s.readyMu.Unlock()

	if len(failures) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "down", "failures": failures})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// fail writes an error response with a status derived from the error
// kind.
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch syncerrors.KindOf(err) {
	case syncerrors.KindNotFound:
		status = http.StatusNotFound
	case syncerrors.KindConflict, syncerrors.KindExists:
		status = http.StatusConflict
	case syncerrors.KindConfig, syncerrors.KindData:
		status = http.StatusBadRequest
	case syncerrors.KindTransient:
		status = http.StatusServiceUnavailable
	}
	if status >= 500 {
		s.log.Warn("request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}
