package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"earnedvalue/internal/aggregate"
	"earnedvalue/internal/model"
	"earnedvalue/internal/recompute"
	"earnedvalue/internal/recorder"
	"earnedvalue/internal/report"
	"earnedvalue/internal/repository/memory"
	"earnedvalue/internal/service"
	"earnedvalue/internal/template"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestEngine(t *testing.T) *gin.Engine {
	t.Helper()
	store := memory.NewStore()
	log := zap.NewNop()
	templates := template.NewResolver(store, log)
	if _, err := templates.SetDefault(context.Background(), "spool", []model.MilestoneDef{
		{Name: "Receive", Weight: 10, Category: model.CategoryReceiving},
		{Name: "Install", Weight: 80, Category: model.CategoryInstallation},
		{Name: "Test", Weight: 10, Category: model.CategoryTesting},
	}); err != nil {
		t.Fatal(err)
	}
	dirty := aggregate.NewMemoryDirtyTracker()
	rec := recorder.New(store, templates, log, recorder.WithDirtyMarker(dirty))
	runner := recompute.NewRunner(store, rec, templates, dirty, log)
	svc := service.NewProgressService(store, templates, rec, report.NewEngine(store, templates, log), runner, dirty, log)
	h := NewProgressHandler(svc, log)

	r := gin.New()
	r.POST("/components/:id/milestones", h.RecordMilestone)
	r.GET("/components/:id", h.GetComponent)
	r.PUT("/components/:id/flags", h.SetComponentFlags)
	r.POST("/components/:id/retire", h.RetireComponent)
	r.POST("/projects/:project_id/components", h.CreateComponent)
	r.POST("/projects/:project_id/drawings", h.CreateDrawing)
	r.POST("/projects/:project_id/groupings", h.CreateGrouping)
	r.GET("/projects/:project_id/delta", h.GetDelta)
	r.PUT("/projects/:project_id/templates/:type", h.SetTemplateOverride)
	r.GET("/groupings/:id/components", h.ListGroupingComponents)
	r.GET("/aggregations/:scope/:key", h.GetAggregation)
	return r
}

func do(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return out
}

func createSpool(t *testing.T, r http.Handler, identity string) model.ResolvedComponent {
	t.Helper()
	w := do(t, r, http.MethodPost, "/projects/p1/components", gin.H{
		"work_item_type": "spool", "identity": identity, "budget_hours": 10,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create component: %d %s", w.Code, w.Body.String())
	}
	return decode[model.ResolvedComponent](t, w)
}

func TestRecordMilestone(t *testing.T) {
	r := newTestEngine(t)
	c := createSpool(t, r, "SP-1")

	w := do(t, r, http.MethodPost, "/components/"+c.ID+"/milestones", gin.H{"milestone": "Install", "value": 100, "user_id": "u1"})
	if w.Code != http.StatusOK {
		t.Fatalf("record: %d %s", w.Code, w.Body.String())
	}
	out := decode[struct {
		Component model.ResolvedComponent `json:"component"`
		Event     model.MilestoneEvent    `json:"event"`
	}](t, w)
	if out.Component.PercentComplete != 80 {
		t.Errorf("percent = %v, want 80", out.Component.PercentComplete)
	}
	if out.Event.Delta != 8 || out.Event.UserID != "u1" || out.Event.Category != model.CategoryInstallation {
		t.Errorf("event = %+v", out.Event)
	}

	w = do(t, r, http.MethodGet, "/components/"+c.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: %d", w.Code)
	}
	if got := decode[model.ResolvedComponent](t, w); got.Milestones["Install"] != 100 || got.Version != out.Component.Version {
		t.Errorf("stored component = %+v", got.Component)
	}
}

func TestRecordMilestoneErrors(t *testing.T) {
	r := newTestEngine(t)
	c := createSpool(t, r, "SP-1")
	path := "/components/" + c.ID + "/milestones"

	tests := []struct {
		name string
		path string
		body any
		want int
	}{
		{"missing value", path, gin.H{"milestone": "Install", "user_id": "u1"}, http.StatusBadRequest},
		{"out of range", path, gin.H{"milestone": "Install", "value": 150, "user_id": "u1"}, http.StatusBadRequest},
		{"discrete partial", path, gin.H{"milestone": "Receive", "value": 50, "user_id": "u1"}, http.StatusBadRequest},
		{"unknown milestone", path, gin.H{"milestone": "Paint", "value": 100, "user_id": "u1"}, http.StatusBadRequest},
		{"no acting user", path, gin.H{"milestone": "Install", "value": 100}, http.StatusBadRequest},
		{"unknown component", "/components/nope/milestones", gin.H{"milestone": "Install", "value": 100, "user_id": "u1"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, r, http.MethodPost, tt.path, tt.body)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
			if decode[gin.H](t, w)["error"] == nil {
				t.Error("error reason missing from body")
			}
		})
	}

	w := do(t, r, http.MethodGet, "/components/"+c.ID, nil)
	if got := decode[model.ResolvedComponent](t, w); got.PercentComplete != 0 || got.Version != c.Version {
		t.Errorf("rejected writes changed state: %+v", got.Component)
	}
}

func TestCreateComponentWithoutTemplate(t *testing.T) {
	r := newTestEngine(t)
	w := do(t, r, http.MethodPost, "/projects/p1/components", gin.H{"work_item_type": "valve", "identity": "V-1", "budget_hours": 2})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422 (%s)", w.Code, w.Body.String())
	}
}

func TestSetTemplateOverride(t *testing.T) {
	r := newTestEngine(t)

	w := do(t, r, http.MethodPut, "/projects/p1/templates/spool", gin.H{"milestones": []gin.H{
		{"name": "Receive", "weight": 50, "category": "receiving"},
		{"name": "Install", "weight": 40, "category": "installation", "partial": true},
	}})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad weights status = %d, want 400", w.Code)
	}

	w = do(t, r, http.MethodPut, "/projects/p1/templates/spool", gin.H{"milestones": []gin.H{
		{"name": "Receive", "weight": 30, "category": "receiving"},
		{"name": "Install", "weight": 70, "category": "installation", "partial": true},
	}})
	if w.Code != http.StatusOK {
		t.Fatalf("override status = %d (%s)", w.Code, w.Body.String())
	}
	out := decode[struct {
		Template model.Template     `json:"template"`
		Job      model.RecomputeJob `json:"recompute_job"`
	}](t, w)
	if out.Template.ProjectID != "p1" || out.Job.ID == "" || out.Job.Status != model.RecomputePending {
		t.Errorf("override response = %+v", out)
	}
}

func TestGetDelta(t *testing.T) {
	r := newTestEngine(t)
	c := createSpool(t, r, "SP-1")
	do(t, r, http.MethodPost, "/components/"+c.ID+"/milestones", gin.H{"milestone": "Install", "value": 100, "user_id": "u1"})

	w := do(t, r, http.MethodGet, "/projects/p1/delta?dimension=project&start=2000-01-01&end=2100-01-01", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delta status = %d (%s)", w.Code, w.Body.String())
	}
	rep := decode[report.DeltaReport](t, w)
	if len(rep.Rows) != 1 || rep.Rows[0].TotalDelta != 8 || rep.Events != 1 {
		t.Errorf("delta report = %+v", rep)
	}

	for _, q := range []string{
		"?start=2000-01-01",
		"?start=yesterday&end=2100-01-01",
		"?dimension=color&start=2000-01-01&end=2100-01-01",
		"?start=2100-01-01&end=2000-01-01",
	} {
		if w := do(t, r, http.MethodGet, "/projects/p1/delta"+q, nil); w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, w.Code)
		}
	}
}

func TestGetAggregationBeforeRefresh(t *testing.T) {
	r := newTestEngine(t)
	if w := do(t, r, http.MethodGet, "/aggregations/project/p1", nil); w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if w := do(t, r, http.MethodGet, "/aggregations/galaxy/p1", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("unknown scope status = %d, want 400", w.Code)
	}
}

func TestListGroupingComponents(t *testing.T) {
	r := newTestEngine(t)
	w := do(t, r, http.MethodPost, "/projects/p1/groupings", gin.H{"attribute": "area", "name": "North"})
	if w.Code != http.StatusCreated {
		t.Fatalf("grouping: %d %s", w.Code, w.Body.String())
	}
	g := decode[model.Grouping](t, w)
	w = do(t, r, http.MethodPost, "/projects/p1/drawings", gin.H{"number": "ISO-1", "attributes": gin.H{"area": g.ID}})
	if w.Code != http.StatusCreated {
		t.Fatalf("drawing: %d %s", w.Code, w.Body.String())
	}
	d := decode[model.Drawing](t, w)
	do(t, r, http.MethodPost, "/projects/p1/components", gin.H{"work_item_type": "spool", "identity": "SP-1", "budget_hours": 1, "drawing_id": d.ID})
	do(t, r, http.MethodPost, "/projects/p1/components", gin.H{"work_item_type": "spool", "identity": "SP-2", "budget_hours": 1})

	w = do(t, r, http.MethodGet, fmt.Sprintf("/groupings/%s/components?project_id=p1", g.ID), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: %d %s", w.Code, w.Body.String())
	}
	if out := decode[struct {
		Count int `json:"count"`
	}](t, w); out.Count != 1 {
		t.Errorf("members = %d, want 1", out.Count)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", model.ErrInvalidMilestoneValue), http.StatusBadRequest},
		{model.ErrTemplateIntegrity, http.StatusBadRequest},
		{model.ErrConfiguration, http.StatusUnprocessableEntity},
		{model.ErrConcurrentModification, http.StatusConflict},
		{model.ErrNotFound, http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
