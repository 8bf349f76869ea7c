package simulation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/patientflow/internal/platform/auth"
	"github.com/ehr/patientflow/internal/sim"
)

// asUser injects an authenticated caller the way the JWT middleware does.
func asUser(id string, roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := context.WithValue(c.Request().Context(), auth.UserIDKey, id)
			ctx = context.WithValue(ctx, auth.UserRolesKey, roles)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func newTestServer(roles ...string) (*echo.Echo, *Service) {
	svc, _, _, _ := newTestService()
	e := echo.New()
	api := e.Group("/api/v1", asUser("user-1", roles...))
	NewHandler(svc).RegisterRoutes(api)
	return e, svc
}

func do(e *echo.Echo, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestCreateRun_Handler(t *testing.T) {
	e, _ := newTestServer(auth.RolePlanner)

	rec := do(e, http.MethodPost, "/api/v1/runs", `{"horizon_hours": 24, "seed": 3}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var run Run
	if err := json.Unmarshal(rec.Body.Bytes(), &run); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if run.Status != StatusCompleted || run.Seed != 3 || run.HorizonHours != 24 {
		t.Errorf("unexpected run %s seed=%d horizon=%g", run.Status, run.Seed, run.HorizonHours)
	}
	if run.CreatedBy != "user-1" {
		t.Errorf("expected created_by user-1, got %s", run.CreatedBy)
	}
	if run.Results == nil || len(run.Results.Departments) != sim.NumDepartments {
		t.Error("expected results with every department")
	}
	if loc := rec.Header().Get("Location"); loc != "/api/v1/runs/"+run.ID.String() {
		t.Errorf("expected Location header for the run, got %q", loc)
	}
}

func TestCreateRun_HandlerBadRequest(t *testing.T) {
	e, _ := newTestServer(auth.RolePlanner)

	tests := []struct {
		name string
		body string
	}{
		{"malformed body", `{"seed":`},
		{"negative horizon", `{"horizon_hours": -5}`},
		{"invalid parameters", `{"parameters": {"laboratory_capacity": 0}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(e, http.MethodPost, "/api/v1/runs", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestCreateRun_ViewerForbidden(t *testing.T) {
	e, _ := newTestServer(auth.RoleViewer)

	rec := do(e, http.MethodPost, "/api/v1/runs", `{}`)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
	rec = do(e, http.MethodGet, "/api/v1/runs", "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected viewer to list runs, got %d", rec.Code)
	}
}

func TestCreateBatch_Handler(t *testing.T) {
	e, _ := newTestServer(auth.RolePlanner)

	rec := do(e, http.MethodPost, "/api/v1/runs/batch", `{"count": 2, "seed": 40, "horizon_hours": 12}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp BatchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Runs) != 2 || resp.Runs[0].Seed != 40 || resp.Runs[1].Seed != 41 {
		t.Fatalf("expected runs with seeds 40 and 41, got %+v", resp.Runs)
	}

	rec = do(e, http.MethodGet, "/api/v1/runs?batch_id="+resp.BatchID.String(), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var runs []*Run
	json.Unmarshal(rec.Body.Bytes(), &runs)
	if len(runs) != 2 {
		t.Errorf("expected 2 runs in the batch, got %d", len(runs))
	}

	rec = do(e, http.MethodPost, "/api/v1/runs/batch", `{"count": 50}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for oversized batch, got %d", rec.Code)
	}
}

func TestGetRun_Handler(t *testing.T) {
	e, svc := newTestServer(auth.RoleAdmin)
	run, err := svc.CreateRun(context.Background(), RunRequest{}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec := do(e, http.MethodGet, "/api/v1/runs/"+run.ID.String(), "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	rec = do(e, http.MethodGet, "/api/v1/runs/"+uuid.New().String(), "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}

	rec = do(e, http.MethodGet, "/api/v1/runs/not-a-uuid", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestListRuns_HandlerPagination(t *testing.T) {
	e, svc := newTestServer(auth.RoleViewer)
	for i := 0; i < 3; i++ {
		seed := int64(i)
		if _, err := svc.CreateRun(context.Background(), RunRequest{Seed: &seed, HorizonHours: float64Ptr(6)}, ""); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	rec := do(e, http.MethodGet, "/api/v1/runs?limit=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var page struct {
		Data    []*Run `json:"data"`
		Total   int    `json:"total"`
		HasMore bool   `json:"has_more"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if page.Total != 3 || len(page.Data) != 2 || !page.HasMore {
		t.Errorf("expected 2 of 3 with more, got %d of %d (has_more=%v)", len(page.Data), page.Total, page.HasMore)
	}
	if link := rec.Header().Get("Link"); !strings.Contains(link, `rel="next"`) {
		t.Errorf("expected next link, got %q", link)
	}

	rec = do(e, http.MethodGet, "/api/v1/runs?batch_id=nope", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid batch_id, got %d", rec.Code)
	}
}

func TestDeleteRun_Handler(t *testing.T) {
	e, svc := newTestServer(auth.RolePlanner)
	run, err := svc.CreateRun(context.Background(), RunRequest{HorizonHours: float64Ptr(6)}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec := do(e, http.MethodDelete, "/api/v1/runs/"+run.ID.String(), "")
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	rec = do(e, http.MethodDelete, "/api/v1/runs/"+run.ID.String(), "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 on second delete, got %d", rec.Code)
	}
}

func TestDefaultParameters_Handler(t *testing.T) {
	e, _ := newTestServer(auth.RoleViewer)

	rec := do(e, http.MethodGet, "/api/v1/parameters/default", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var p sim.Parameters
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if p != sim.DefaultParameters() {
		t.Error("expected the default parameter set")
	}
}

func TestHTTPError_Mapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ErrInvalidRequest, http.StatusBadRequest},
		{sim.ErrInvalidParameters, http.StatusBadRequest},
		{ErrNotFound, http.StatusNotFound},
		{sim.ErrTimelineExhausted, http.StatusUnprocessableEntity},
		{context.Canceled, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		he, ok := httpError(tt.err).(*echo.HTTPError)
		if !ok {
			t.Fatalf("expected *echo.HTTPError for %v", tt.err)
		}
		if he.Code != tt.want {
			t.Errorf("%v: expected %d, got %d", tt.err, tt.want, he.Code)
		}
	}
}

func TestOperations_MatchRoutes(t *testing.T) {
	e := echo.New()
	h := NewHandler(nil)
	h.RegisterRoutes(e.Group("/api/v1"))

	registered := make(map[string]bool)
	for _, r := range e.Routes() {
		registered[r.Method+" "+r.Path] = true
	}
	for _, op := range h.Operations("/api/v1") {
		if !registered[op.Method+" "+op.Path] {
			t.Errorf("documented route %s %s is not registered", op.Method, op.Path)
		}
	}
}
