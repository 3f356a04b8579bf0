package handler

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"earnedvalue/internal/model"
	"earnedvalue/internal/report"
	"earnedvalue/internal/service"
	"earnedvalue/pkg/logger"
)

// ContextUserKey is where the auth middleware stores the token subject.
const ContextUserKey = "user_id"

type ProgressHandler struct {
	svc    *service.ProgressService
	logger *zap.Logger
}

func NewProgressHandler(svc *service.ProgressService, logger *zap.Logger) *ProgressHandler {
	return &ProgressHandler{svc: svc, logger: logger}
}

func (h *ProgressHandler) log(c *gin.Context) *zap.Logger {
	return logger.WithTrace(c.Request.Context(), h.logger)
}

// actingUser prefers the authenticated subject over the body field.
func actingUser(c *gin.Context, bodyUser string) string {
	if v, ok := c.Get(ContextUserKey); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return bodyUser
}

type recordMilestoneRequest struct {
	Milestone string   `json:"milestone" binding:"required"`
	Value     *float64 `json:"value" binding:"required"`
	UserID    string   `json:"user_id"`
}

// RecordMilestone POST /components/:id/milestones
func (h *ProgressHandler) RecordMilestone(c *gin.Context) {
	log := h.log(c).With(zap.String("component_id", c.Param("id")))
	var req recordMilestoneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, log, "RecordMilestone", "invalid body: "+err.Error())
		return
	}

	component, event, err := h.svc.RecordMilestoneUpdate(c.Request.Context(), c.Param("id"), req.Milestone, *req.Value, actingUser(c, req.UserID))
	if err != nil {
		writeError(c, log, "RecordMilestone", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"component": component, "event": event})
}

// GetComponent GET /components/:id
func (h *ProgressHandler) GetComponent(c *gin.Context) {
	component, err := h.svc.GetComponent(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.log(c), "GetComponent", err)
		return
	}
	c.JSON(http.StatusOK, component)
}

type createComponentRequest struct {
	WorkItemType string            `json:"work_item_type" binding:"required"`
	Identity     string            `json:"identity" binding:"required"`
	BudgetHours  float64           `json:"budget_hours"`
	DrawingID    string            `json:"drawing_id"`
	Attributes   map[string]string `json:"attributes"`
}

// CreateComponent POST /projects/:project_id/components
func (h *ProgressHandler) CreateComponent(c *gin.Context) {
	log := h.log(c)
	var req createComponentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, log, "CreateComponent", "invalid body: "+err.Error())
		return
	}
	component, err := h.svc.CreateComponent(c.Request.Context(), service.CreateComponentInput{
		ProjectID:    c.Param("project_id"),
		WorkItemType: req.WorkItemType,
		Identity:     req.Identity,
		BudgetHours:  req.BudgetHours,
		DrawingID:    req.DrawingID,
		Attributes:   req.Attributes,
	})
	if err != nil {
		writeError(c, log, "CreateComponent", err)
		return
	}
	c.JSON(http.StatusCreated, component)
}

type attributeRequest struct {
	Value string `json:"value"`
}

// SetComponentAttribute PUT /components/:id/attributes/:attr
func (h *ProgressHandler) SetComponentAttribute(c *gin.Context) {
	var req attributeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.log(c), "SetComponentAttribute", "invalid body: "+err.Error())
		return
	}
	component, err := h.svc.SetComponentAttribute(c.Request.Context(), c.Param("id"), c.Param("attr"), req.Value)
	if err != nil {
		writeError(c, h.log(c), "SetComponentAttribute", err)
		return
	}
	c.JSON(http.StatusOK, component)
}

type flagsRequest struct {
	Blocked     *bool `json:"blocked"`
	NeedsReview *bool `json:"needs_review"`
}

// SetComponentFlags PUT /components/:id/flags
func (h *ProgressHandler) SetComponentFlags(c *gin.Context) {
	var req flagsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.log(c), "SetComponentFlags", "invalid body: "+err.Error())
		return
	}
	component, err := h.svc.SetComponentFlags(c.Request.Context(), c.Param("id"), req.Blocked, req.NeedsReview)
	if err != nil {
		writeError(c, h.log(c), "SetComponentFlags", err)
		return
	}
	c.JSON(http.StatusOK, component)
}

// RetireComponent POST /components/:id/retire
func (h *ProgressHandler) RetireComponent(c *gin.Context) {
	component, err := h.svc.RetireComponent(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.log(c), "RetireComponent", err)
		return
	}
	h.log(c).Info("Component retired", zap.String("component_id", component.ID))
	c.JSON(http.StatusOK, component)
}

type createDrawingRequest struct {
	Number     string            `json:"number" binding:"required"`
	Attributes map[string]string `json:"attributes"`
}

// CreateDrawing POST /projects/:project_id/drawings
func (h *ProgressHandler) CreateDrawing(c *gin.Context) {
	var req createDrawingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.log(c), "CreateDrawing", "invalid body: "+err.Error())
		return
	}
	d, err := h.svc.CreateDrawing(c.Request.Context(), c.Param("project_id"), req.Number, req.Attributes)
	if err != nil {
		writeError(c, h.log(c), "CreateDrawing", err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

// SetDrawingAttribute PUT /drawings/:id/attributes/:attr
func (h *ProgressHandler) SetDrawingAttribute(c *gin.Context) {
	var req attributeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.log(c), "SetDrawingAttribute", "invalid body: "+err.Error())
		return
	}
	d, err := h.svc.SetDrawingAttribute(c.Request.Context(), c.Param("id"), c.Param("attr"), req.Value)
	if err != nil {
		writeError(c, h.log(c), "SetDrawingAttribute", err)
		return
	}
	c.JSON(http.StatusOK, d)
}

type createGroupingRequest struct {
	Attribute string `json:"attribute" binding:"required"`
	Name      string `json:"name" binding:"required"`
}

// CreateGrouping POST /projects/:project_id/groupings
func (h *ProgressHandler) CreateGrouping(c *gin.Context) {
	var req createGroupingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.log(c), "CreateGrouping", "invalid body: "+err.Error())
		return
	}
	g, err := h.svc.CreateGrouping(c.Request.Context(), c.Param("project_id"), req.Attribute, req.Name)
	if err != nil {
		writeError(c, h.log(c), "CreateGrouping", err)
		return
	}
	c.JSON(http.StatusCreated, g)
}

// ListGroupingComponents GET /groupings/:id/components?project_id=
func (h *ProgressHandler) ListGroupingComponents(c *gin.Context) {
	components, err := h.svc.ListComponentsByGrouping(c.Request.Context(), c.Param("id"), c.Query("project_id"))
	if err != nil {
		writeError(c, h.log(c), "ListGroupingComponents", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"components": components, "count": len(components)})
}

// GetAggregation GET /aggregations/:scope/:key
func (h *ProgressHandler) GetAggregation(c *gin.Context) {
	record, err := h.svc.GetAggregation(c.Request.Context(), model.Scope(c.Param("scope")), c.Param("key"))
	if errors.Is(err, model.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not yet aggregated"})
		return
	}
	if err != nil {
		writeError(c, h.log(c), "GetAggregation", err)
		return
	}
	c.JSON(http.StatusOK, record)
}

// GetDelta GET /projects/:project_id/delta?dimension=&start=&end=
func (h *ProgressHandler) GetDelta(c *gin.Context) {
	log := h.log(c)
	start, err := parseTime(c.Query("start"))
	if err != nil {
		badRequest(c, log, "GetDelta", "invalid start: "+err.Error())
		return
	}
	end, err := parseTime(c.Query("end"))
	if err != nil {
		badRequest(c, log, "GetDelta", "invalid end: "+err.Error())
		return
	}

	dimension := report.Dimension(c.DefaultQuery("dimension", string(report.DimensionProject)))
	r, err := h.svc.GetDelta(c.Request.Context(), dimension, c.Param("project_id"), start, end)
	if err != nil {
		writeError(c, log, "GetDelta", err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// parseTime accepts RFC 3339 timestamps or plain dates (UTC midnight).
func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, fmt.Errorf("required")
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, v)
}

// GetTemplate GET /projects/:project_id/templates/:type
func (h *ProgressHandler) GetTemplate(c *gin.Context) {
	t, err := h.svc.GetTemplate(c.Request.Context(), c.Param("project_id"), c.Param("type"))
	if err != nil {
		writeError(c, h.log(c), "GetTemplate", err)
		return
	}
	c.JSON(http.StatusOK, t)
}

type templateRequest struct {
	Milestones []model.MilestoneDef `json:"milestones" binding:"required"`
}

// SetTemplateOverride PUT /projects/:project_id/templates/:type
func (h *ProgressHandler) SetTemplateOverride(c *gin.Context) {
	var req templateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.log(c), "SetTemplateOverride", "invalid body: "+err.Error())
		return
	}
	t, job, err := h.svc.SetTemplateOverride(c.Request.Context(), c.Param("project_id"), c.Param("type"), req.Milestones)
	if err != nil {
		writeError(c, h.log(c), "SetTemplateOverride", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"template": t, "recompute_job": job})
}

// GetRecomputeJob GET /recompute-jobs/:id
func (h *ProgressHandler) GetRecomputeJob(c *gin.Context) {
	job, err := h.svc.GetRecomputeJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.log(c), "GetRecomputeJob", err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// ResumeRecomputeJob POST /recompute-jobs/:id/resume
func (h *ProgressHandler) ResumeRecomputeJob(c *gin.Context) {
	job, err := h.svc.ResumeRecomputeJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.log(c), "ResumeRecomputeJob", err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}
