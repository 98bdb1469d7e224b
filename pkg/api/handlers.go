package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"

	"github.com/countygov/syncbridge/pkg/config"
	"github.com/countygov/syncbridge/pkg/model"
	"github.com/countygov/syncbridge/pkg/schedule"
	"github.com/countygov/syncbridge/pkg/store"
	"github.com/countygov/syncbridge/pkg/syncerrors"
)

type submitJobRequest struct {
	DataType    string `json:"data_type" binding:"required"`
	Direction   string `json:"direction" binding:"required"`
	MappingName string `json:"mapping_name"`
	DryRun      bool   `json:"dry_run"`
}

func (s *Server) submitJob(c *gin.Context) {
	var req submitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "body requires data_type and direction")
		return
	}
	job := &model.SyncJob{
		DataType:    req.DataType,
		Direction:   model.Direction(req.Direction),
		MappingName: req.MappingName,
		DryRun:      req.DryRun,
	}
	if err := s.jobs.Submit(c.Request.Context(), job); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

func (s *Server) listJobs(c *gin.Context) {
	q := store.JobQuery{
		Status: model.JobStatus(c.Query("status")),
		Limit:  intQuery(c, "limit", 100),
	}
	if since := c.Query("since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			badRequest(c, "since must be RFC3339")
			return
		}
		q.Since = ts
	}
	jobs, err := s.store.ListJobs(c.Request.Context(), q)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (s *Server) getJob(c *gin.Context) {
	job, err := s.store.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) cancelJob(c *gin.Context) {
	accepted, err := s.jobs.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if !accepted {
		c.JSON(http.StatusConflict, gin.H{"error": "job is not cancellable"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancel requested"})
}

func (s *Server) jobLogs(c *gin.Context) {
	jobID := c.Param("id")
	if _, err := s.store.GetJob(c.Request.Context(), jobID); err != nil {
		s.fail(c, err)
		return
	}
	q := store.LogQuery{
		Level:  model.LogLevel(c.Query("level")),
		Offset: intQuery(c, "offset", 0),
		Limit:  intQuery(c, "limit", 500),
	}
	if since := c.Query("since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			badRequest(c, "since must be RFC3339")
			return
		}
		q.Since = ts
	}
	logs, err := s.store.Logs(c.Request.Context(), jobID, q)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

func (s *Server) listConflicts(c *gin.Context) {
	status := c.DefaultQuery("status", string(model.ResolutionPending))
	conflicts, err := s.store.ListConflicts(c.Request.Context(),
		model.ConflictResolution(status), c.Query("table"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": conflicts})
}

type resolveConflictRequest struct {
	Resolution string               `json:"resolution" binding:"required"`
	ResolverID string               `json:"resolver_id"`
	Overrides  map[string]interface{} `json:"overrides"`
}

// resolveConflict records the operator's decision and, when the source
// version (or a merge of it) wins, applies that row to the target.
func (s *Server) resolveConflict(c *gin.Context) {
	var req resolveConflictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "body requires resolution")
		return
	}
	ctx := c.Request.Context()
	conflict, err := s.store.GetConflict(ctx, c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}

	resolution := model.ConflictResolution(req.Resolution)
	switch resolution {
	case model.ResolutionSourceWins, model.ResolutionMerged:
		if err := s.applyConflictRow(ctx, conflict, req.Overrides); err != nil {
			s.fail(c, err)
			return
		}
	case model.ResolutionTargetWins:
		// target already holds the winning row
	default:
		badRequest(c, "resolution must be source-wins, target-wins, or merged")
		return
	}

	if err := s.store.ResolveConflict(ctx, conflict.ID, resolution, req.ResolverID); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resolved", "resolution": resolution})
}

// applyConflictRow writes the source version of a conflicted row, with
// any operator overrides, to the target.
func (s *Server) applyConflictRow(ctx context.Context, conflict *model.SyncConflict,
	overrides map[string]interface{}) error {
	if s.target == nil {
		return syncerrors.New(syncerrors.KindConfig, "api",
			"no target configured, resolution cannot be applied")
	}
	table, ok := s.tableByName(conflict.Table)
	if !ok {
		return syncerrors.Newf(syncerrors.KindConfig, "api",
			"table %q is not configured", conflict.Table)
	}

	var row model.Row
	if err := json.Unmarshal([]byte(conflict.RemoteVersion), &row); err != nil {
		return syncerrors.Wrap(err, syncerrors.KindIntegrity, "api",
			"decode conflict source version")
	}
	for k, v := range overrides {
		row[k] = v
	}

	pk := make(model.Row, len(table.PKColumns))
	for _, col := range table.PKColumns {
		pk[col] = row[col]
	}
	rec := model.ChangeRecord{
		Table:  conflict.Table,
		Key:    conflict.PK,
		PK:     pk,
		Op:     model.OpUpdate,
		NewRow: row,
	}
	return s.target.ApplyBatch(ctx, conflict.Table, table.PKColumns, []model.ChangeRecord{rec})
}

func (s *Server) tableByName(name string) (*config.TableSync, bool) {
	for i := range s.cfg.Tables {
		if s.cfg.Tables[i].Name == name {
			return &s.cfg.Tables[i], true
		}
	}
	return nil, false
}

func (s *Server) listMappings(c *gin.Context) {
	mappings, err := s.store.ListMappings(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mappings": mappings})
}

func (s *Server) getMapping(c *gin.Context) {
	fields, err := s.store.GetMapping(c.Request.Context(),
		c.Param("data_type"), c.Param("name"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fields": fields})
}

type putMappingRequest struct {
	Fields    map[string]string `json:"fields" binding:"required"`
	Overwrite bool              `json:"overwrite"`
}

func (s *Server) putMapping(c *gin.Context) {
	var req putMappingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "body requires fields")
		return
	}
	err := s.store.CreateMapping(c.Request.Context(),
		c.Param("data_type"), c.Param("name"), req.Fields, req.Overwrite)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stored"})
}

func (s *Server) deleteMapping(c *gin.Context) {
	err := s.store.DeleteMapping(c.Request.Context(),
		c.Param("data_type"), c.Param("name"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (s *Server) listSchedules(c *gin.Context) {
	schedules, err := s.store.ListSchedules(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": schedules})
}

func (s *Server) getSchedule(c *gin.Context) {
	sched, err := s.store.GetSchedule(c.Request.Context(), c.Param("name"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sched)
}

type putScheduleRequest struct {
	DataType  string `json:"data_type" binding:"required"`
	Direction string `json:"direction" binding:"required"`
	Spec      string `json:"spec" binding:"required"`
	Enabled   *bool  `json:"enabled"`
}

func (s *Server) putSchedule(c *gin.Context) {
	var req putScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "body requires data_type, direction, and spec")
		return
	}
	if _, err := schedule.ParseSpec(req.Spec); err != nil {
		s.fail(c, err)
		return
	}
	dir := model.Direction(req.Direction)
	if !dir.Valid() {
		badRequest(c, "direction must be up or down")
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	sched := &model.SyncSchedule{
		Name:      c.Param("name"),
		DataType:  req.DataType,
		Direction: dir,
		Spec:      req.Spec,
		Enabled:   enabled,
	}
	if err := s.store.PutSchedule(c.Request.Context(), sched); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sched)
}

func (s *Server) pauseSchedule(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		err := s.store.SetScheduleEnabled(c.Request.Context(), c.Param("name"), enabled)
		if err != nil {
			s.fail(c, err)
			return
		}
		state := "paused"
		if enabled {
			state = "resumed"
		}
		c.JSON(http.StatusOK, gin.H{"status": state})
	}
}

func (s *Server) listRules(c *gin.Context) {
	rules, err := s.store.ListRules(c.Request.Context(), c.Query("table"), false)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules})
}

func (s *Server) putRule(c *gin.Context) {
	var rule model.QualityRule
	if err := c.ShouldBindJSON(&rule); err != nil {
		badRequest(c, "malformed rule")
		return
	}
	if rule.Name == "" || rule.Table == "" || rule.CheckType == "" {
		badRequest(c, "rule requires name, table, and check_type")
		return
	}
	if rule.Schedule != "" {
		if _, err := schedule.ParseSpec(rule.Schedule); err != nil {
			s.fail(c, err)
			return
		}
	}
	if err := s.store.PutRule(c.Request.Context(), &rule); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (s *Server) evaluateRule(c *gin.Context) {
	if s.quality == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "quality engine not running"})
		return
	}
	issues, err := s.quality.EvaluateRule(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"issues": issues})
}

func (s *Server) listIssues(c *gin.Context) {
	issues, err := s.store.ListIssues(c.Request.Context(),
		model.Severity(c.Query("severity")),
		model.IssueStatus(c.Query("status")),
		intQuery(c, "limit", 200))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"issues": issues})
}

func (s *Server) resolveIssue(c *gin.Context) {
	err := s.store.SetIssueStatus(c.Request.Context(), c.Param("id"), model.IssueResolved)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resolved"})
}

func (s *Server) listAnomalies(c *gin.Context) {
	anomalies, err := s.store.ListAnomalies(c.Request.Context(),
		model.IssueStatus(c.Query("status")), intQuery(c, "limit", 200))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"anomalies": anomalies})
}

func (s *Server) listAlerts(c *gin.Context) {
	alerts, err := s.store.ListAlerts(c.Request.Context(), false)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

func (s *Server) putAlert(c *gin.Context) {
	var alert model.QualityAlert
	if err := c.ShouldBindJSON(&alert); err != nil {
		badRequest(c, "malformed alert")
		return
	}
	if alert.Name == "" {
		badRequest(c, "alert requires name")
		return
	}
	if err := s.store.PutAlert(c.Request.Context(), &alert); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, alert)
}

func (s *Server) testAlert(c *gin.Context) {
	if s.alerts == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "alert manager not running"})
		return
	}
	if err := s.alerts.Test(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "fired"})
}

func (s *Server) listNotifications(c *gin.Context) {
	notifications, err := s.store.ListNotifications(c.Request.Context(),
		model.NotificationStatus(c.Query("status")), intQuery(c, "limit", 200))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": notifications})
}

func (s *Server) ackNotification(c *gin.Context) {
	if s.notify == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "dispatcher not running"})
		return
	}
	if err := s.notify.Acknowledge(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "read"})
}

func (s *Server) listTableConfigs(c *gin.Context) {
	tables, err := s.store.ListTableConfigurations(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tables": tables})
}

func (s *Server) getTableConfig(c *gin.Context) {
	tc, err := s.store.GetTableConfiguration(c.Request.Context(), c.Param("table"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tc)
}

func (s *Server) putTableConfig(c *gin.Context) {
	var tc model.TableConfiguration
	if err := c.ShouldBindJSON(&tc); err != nil {
		badRequest(c, "malformed table configuration")
		return
	}
	tc.Table = c.Param("table")
	if err := s.store.PutTableConfiguration(c.Request.Context(), &tc); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tc)
}

func (s *Server) listFieldConfigs(c *gin.Context) {
	fields, err := s.store.FieldConfigurations(c.Request.Context(), c.Param("table"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fields": fields})
}

func (s *Server) putFieldConfig(c *gin.Context) {
	var fc model.FieldConfiguration
	if err := c.ShouldBindJSON(&fc); err != nil {
		badRequest(c, "malformed field configuration")
		return
	}
	if fc.Field == "" {
		badRequest(c, "field configuration requires field")
		return
	}
	fc.Table = c.Param("table")
	if err := s.store.PutFieldConfiguration(c.Request.Context(), &fc); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, fc)
}

func (s *Server) retentionSweep(c *gin.Context) {
	logAge := time.Duration(s.cfg.Retention.SyncLogDays) * 24 * time.Hour
	notifAge := time.Duration(s.cfg.Retention.NotificationDays) * 24 * time.Hour
	purged, err := s.store.RetentionSweep(c.Request.Context(), logAge, notifAge)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purged": purged})
}

func intQuery(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
