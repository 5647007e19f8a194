package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	approvalsgorm "github.com/kpiflow/kpiflow/internal/repo/gorm/approvals"
	changereqgorm "github.com/kpiflow/kpiflow/internal/repo/gorm/changereq"
	hierarchygorm "github.com/kpiflow/kpiflow/internal/repo/gorm/hierarchy"
	notifgorm "github.com/kpiflow/kpiflow/internal/repo/gorm/notifications"
	perfgorm "github.com/kpiflow/kpiflow/internal/repo/gorm/perf"
	proxyloggorm "github.com/kpiflow/kpiflow/internal/repo/gorm/proxylog"
	usersgorm "github.com/kpiflow/kpiflow/internal/repo/gorm/users"
)

type testEnv struct {
	s      *Server
	tokens map[string]string // username -> bearer token
	ids    map[string]string // username -> user id
}

func setupServer(t *testing.T) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	for _, fn := range []func(*gorm.DB) error{
		usersgorm.AutoMigrate, hierarchygorm.AutoMigrate, perfgorm.AutoMigrate,
		approvalsgorm.AutoMigrate, changereqgorm.AutoMigrate, notifgorm.AutoMigrate,
		proxyloggorm.AutoMigrate,
	} {
		if err := fn(db); err != nil {
			t.Fatalf("migrate: %v", err)
		}
	}
	s, err := NewServer(db, Config{TokenSecret: "test"})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	env := &testEnv{s: s, tokens: map[string]string{}, ids: map[string]string{}}
	urepo := usersgorm.New(db)
	ctx := context.Background()
	seed := []struct{ username, role string }{
		{"staff1", usersgorm.RoleStaff},
		{"lm1", usersgorm.RoleManager},
		{"hod1", usersgorm.RoleHOD},
		{"bod1", usersgorm.RoleBOD},
		{"admin1", usersgorm.RoleAdmin},
	}
	for _, u := range seed {
		acc := &usersgorm.UserAccount{Username: u.username, Email: u.username + "@example.com", DisplayName: u.username, Role: u.role, Active: true}
		if err := urepo.Create(ctx, acc); err != nil {
			t.Fatalf("create %s: %v", u.username, err)
		}
		if err := urepo.SetPassword(ctx, acc.ID, "pw-"+u.username); err != nil {
			t.Fatalf("set password: %v", err)
		}
		tok, err := s.tokens.Sign(acc.ID, []string{u.role}, 0)
		if err != nil {
			t.Fatalf("sign token: %v", err)
		}
		env.tokens[u.username] = tok
		env.ids[u.username] = acc.ID
	}
	if err := hierarchygorm.New(db).Upsert(ctx, &hierarchygorm.ApprovalHierarchy{
		UserID:           env.ids["staff1"],
		Level1ApproverID: env.ids["lm1"],
		Level2ApproverID: env.ids["hod1"],
		Level3ApproverID: env.ids["bod1"],
		Active:           true,
	}); err != nil {
		t.Fatalf("upsert hierarchy: %v", err)
	}
	return env
}

// do performs one request as a seeded user and decodes the JSON body.
func (e *testEnv) do(t *testing.T, method, path, as string, body any, wantStatus int) map[string]any {
	t.Helper()
	var buf *bytes.Buffer
	if body != nil {
		b, _ := json.Marshal(body)
		buf = bytes.NewBuffer(b)
	} else {
		buf = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, path, buf)
	if as != "" {
		req.Header.Set("Authorization", "Bearer "+e.tokens[as])
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.s.ginEngine().ServeHTTP(w, req)
	if w.Code != wantStatus {
		t.Fatalf("%s %s as %s: expected %d, got %d: %s", method, path, as, wantStatus, w.Code, w.Body.String())
	}
	out := map[string]any{}
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}
	return out
}

// createSet posts a valid 4-KPI set and returns the first id.
func (e *testEnv) createSet(t *testing.T) string {
	t.Helper()
	out := e.do(t, http.MethodPost, "/api/kpis", "staff1", map[string]any{
		"cycle_id": "2026-H1",
		"kpis": []map[string]any{
			{"title": "Renewal rate", "weight": 30, "target": "95%"},
			{"title": "New accounts", "weight": 30, "target": "12"},
			{"title": "CSAT", "weight": 25, "target": "4.5"},
			{"title": "Training hours", "weight": 15, "target": "24"},
		},
	}, http.StatusCreated)
	ids, _ := out["ids"].([]any)
	if len(ids) != 4 {
		t.Fatalf("expected 4 ids, got %v", out)
	}
	return ids[0].(string)
}

func TestLoginFlow(t *testing.T) {
	env := setupServer(t)
	out := env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"username": "staff1", "password": "pw-staff1"}, http.StatusOK)
	if out["token"] == "" || out["token"] == nil {
		t.Fatalf("no token in login response: %v", out)
	}
	env.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"username": "staff1", "password": "wrong"}, http.StatusUnauthorized)
	// token from login works against /api/auth/me
	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+out["token"].(string))
	w := httptest.NewRecorder()
	env.s.ginEngine().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("me: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestKpiSetValidationOverHTTP(t *testing.T) {
	env := setupServer(t)
	// weights sum to 90 -> 400
	out := env.do(t, http.MethodPost, "/api/kpis", "staff1", map[string]any{
		"cycle_id": "2026-H1",
		"kpis": []map[string]any{
			{"title": "a", "weight": 30}, {"title": "b", "weight": 30}, {"title": "c", "weight": 30},
		},
	}, http.StatusBadRequest)
	if out["code"] != "validation" {
		t.Fatalf("expected validation error, got %v", out)
	}
	// unauthenticated -> 401
	env.do(t, http.MethodGet, "/api/kpis", "", nil, http.StatusUnauthorized)
}

func TestApprovalFlowOverHTTP(t *testing.T) {
	env := setupServer(t)
	id := env.createSet(t)

	out := env.do(t, http.MethodPost, "/api/kpis/"+id+"/submit", "staff1", nil, http.StatusOK)
	if out["new_status"] != "PENDING_LM" {
		t.Fatalf("submit: %v", out)
	}

	// staff cannot approve (role lacks approval:decide)
	env.do(t, http.MethodPost, "/api/kpis/"+id+"/approve", "staff1", map[string]string{"comment": "x"}, http.StatusForbidden)
	// hod has the permission but no pending row at level 1
	env.do(t, http.MethodPost, "/api/kpis/"+id+"/approve", "hod1", nil, http.StatusForbidden)

	// lm's queue shows the item
	q := env.do(t, http.MethodGet, "/api/approvals/pending", "lm1", nil, http.StatusOK)
	if arr, _ := q["approvals"].([]any); len(arr) != 1 {
		t.Fatalf("lm queue: %v", q)
	}

	out = env.do(t, http.MethodPost, "/api/kpis/"+id+"/approve", "lm1", map[string]string{"comment": "fine"}, http.StatusOK)
	if out["new_status"] != "PENDING_HOD" {
		t.Fatalf("lm approve: %v", out)
	}
	out = env.do(t, http.MethodPost, "/api/kpis/"+id+"/approve", "hod1", nil, http.StatusOK)
	if out["new_status"] != "PENDING_BOD" {
		t.Fatalf("hod approve: %v", out)
	}
	out = env.do(t, http.MethodPost, "/api/kpis/"+id+"/approve", "bod1", nil, http.StatusOK)
	if out["new_status"] != "APPROVED" {
		t.Fatalf("bod approve: %v", out)
	}

	// a decided chain cannot be approved again
	env.do(t, http.MethodPost, "/api/kpis/"+id+"/approve", "bod1", nil, http.StatusForbidden)
}

func TestRejectWithoutReasonOverHTTP(t *testing.T) {
	env := setupServer(t)
	id := env.createSet(t)
	env.do(t, http.MethodPost, "/api/kpis/"+id+"/submit", "staff1", nil, http.StatusOK)

	out := env.do(t, http.MethodPost, "/api/kpis/"+id+"/reject", "lm1", map[string]string{}, http.StatusBadRequest)
	if out["code"] != "validation" {
		t.Fatalf("expected validation, got %v", out)
	}
	env.do(t, http.MethodPost, "/api/kpis/"+id+"/reject", "lm1", map[string]string{"reason": "too vague"}, http.StatusOK)

	// owner sees the rejection in the notification inbox
	n := env.do(t, http.MethodGet, "/api/notifications/unread_count", "staff1", nil, http.StatusOK)
	if cnt, _ := n["unread"].(float64); cnt == 0 {
		t.Fatalf("owner has no unread notifications: %v", n)
	}
}

func TestDraftEditAndDeleteOverHTTP(t *testing.T) {
	env := setupServer(t)
	id := env.createSet(t)

	env.do(t, http.MethodPut, "/api/kpis/"+id, "staff1", map[string]any{"title": "Renewal rate v2"}, http.StatusOK)
	// another user cannot edit
	env.do(t, http.MethodPut, "/api/kpis/"+id, "lm1", map[string]any{"title": "x"}, http.StatusForbidden)

	env.do(t, http.MethodPost, "/api/kpis/"+id+"/submit", "staff1", nil, http.StatusOK)
	// no edits or deletes while pending
	env.do(t, http.MethodPut, "/api/kpis/"+id, "staff1", map[string]any{"title": "y"}, http.StatusBadRequest)
	env.do(t, http.MethodDelete, "/api/kpis/"+id, "staff1", nil, http.StatusBadRequest)
}

func TestActualLifecycleOverHTTP(t *testing.T) {
	env := setupServer(t)
	kpiID := env.createSet(t)

	out := env.do(t, http.MethodPost, "/api/actuals", "staff1", map[string]any{
		"kpi_id": kpiID, "period": "2026-Q1", "actual_value": "96%", "percentage": 101.0,
	}, http.StatusCreated)
	actID, _ := out["id"].(string)
	if actID == "" {
		t.Fatalf("no actual id: %v", out)
	}

	// duplicate open actual for the same period conflicts
	env.do(t, http.MethodPost, "/api/actuals", "staff1", map[string]any{
		"kpi_id": kpiID, "period": "2026-Q1", "actual_value": "97%",
	}, http.StatusConflict)

	env.do(t, http.MethodPost, "/api/actuals/"+actID+"/submit", "staff1", nil, http.StatusOK)
	env.do(t, http.MethodPost, "/api/actuals/"+actID+"/approve", "lm1", nil, http.StatusOK)
	env.do(t, http.MethodPost, "/api/actuals/"+actID+"/reject", "hod1", map[string]string{"reason": "evidence missing"}, http.StatusOK)

	got := env.do(t, http.MethodGet, "/api/actuals/"+actID, "staff1", nil, http.StatusOK)
	actual, _ := got["actual"].(map[string]any)
	if actual["Status"] != "REJECTED" {
		t.Fatalf("actual after reject: %v", got)
	}
}

func TestAdminProxyOverHTTP(t *testing.T) {
	env := setupServer(t)
	id := env.createSet(t)
	env.do(t, http.MethodPost, "/api/kpis/"+id+"/submit", "staff1", nil, http.StatusOK)

	// non-admin denied by rbac before the engine runs
	env.do(t, http.MethodPost, "/api/admin/proxy/approve", "lm1", map[string]any{
		"entity_type": "KPI", "entity_id": id, "level": 1, "reason": "r",
	}, http.StatusForbidden)

	// reason required
	out := env.do(t, http.MethodPost, "/api/admin/proxy/approve", "admin1", map[string]any{
		"entity_type": "KPI", "entity_id": id, "level": 1,
	}, http.StatusBadRequest)
	if out["code"] != "validation" {
		t.Fatalf("expected validation, got %v", out)
	}

	out = env.do(t, http.MethodPost, "/api/admin/proxy/approve", "admin1", map[string]any{
		"entity_type": "KPI", "entity_id": id, "level": 1, "reason": "lm on leave",
	}, http.StatusOK)
	if out["success"] != true {
		t.Fatalf("proxy approve: %v", out)
	}

	// reassign level 2 to bod by email
	env.do(t, http.MethodPost, "/api/admin/proxy/reassign", "admin1", map[string]any{
		"entity_type": "KPI", "entity_id": id, "level": 2, "new_approver": "bod1@example.com", "reason": "hod out",
	}, http.StatusOK)
	// unknown email -> 404
	env.do(t, http.MethodPost, "/api/admin/proxy/reassign", "admin1", map[string]any{
		"entity_type": "KPI", "entity_id": id, "level": 2, "new_approver": "ghost@example.com", "reason": "x",
	}, http.StatusNotFound)

	env.do(t, http.MethodPost, "/api/kpis/"+id+"/approve", "bod1", nil, http.StatusOK)

	// action trail is queryable
	acts := env.do(t, http.MethodGet, "/api/admin/proxy/actions?entity_type=KPI&entity_id="+id, "admin1", nil, http.StatusOK)
	if arr, _ := acts["actions"].([]any); len(arr) != 2 {
		t.Fatalf("expected 2 proxy actions, got %v", acts)
	}
}

func TestReturnToStaffAndChangeRequestOverHTTP(t *testing.T) {
	env := setupServer(t)
	id := env.createSet(t)
	env.do(t, http.MethodPost, "/api/kpis/"+id+"/submit", "staff1", nil, http.StatusOK)

	env.do(t, http.MethodPost, "/api/admin/proxy/return-to-staff", "admin1", map[string]any{
		"entity_type": "KPI", "entity_id": id, "reason": "rework targets",
	}, http.StatusOK)

	// resubmit restarts at level 1
	out := env.do(t, http.MethodPost, "/api/kpis/"+id+"/submit", "staff1", nil, http.StatusOK)
	if out["approval_level"] != float64(1) {
		t.Fatalf("resubmit level: %v", out)
	}

	// drive to APPROVED, then issue and resolve a change request
	for _, u := range []string{"lm1", "hod1", "bod1"} {
		env.do(t, http.MethodPost, "/api/kpis/"+id+"/approve", u, nil, http.StatusOK)
	}
	env.do(t, http.MethodPost, "/api/admin/proxy/change-request", "admin1", map[string]any{
		"kpi_id": id, "staff_user_id": env.ids["staff1"], "change_type": "TARGET_ADJUSTMENT", "reason": "targets moved",
	}, http.StatusOK)

	creq := &changereqgorm.ChangeRequest{}
	if err := env.s.db.Where("kpi_definition_id = ?", id).First(creq).Error; err != nil {
		t.Fatalf("load change request: %v", err)
	}
	// only the owner resolves
	env.do(t, http.MethodPost, "/api/change-requests/"+creq.ID+"/resolve", "lm1", map[string]string{"comment": "x"}, http.StatusForbidden)
	env.do(t, http.MethodPost, "/api/change-requests/"+creq.ID+"/resolve", "staff1", map[string]string{"comment": "updated"}, http.StatusNoContent)

	k := &perfgorm.KpiDefinition{}
	if err := env.s.db.Where("id = ?", id).First(k).Error; err != nil {
		t.Fatalf("load kpi: %v", err)
	}
	if k.Status != perfgorm.StatusApproved {
		t.Fatalf("kpi after resolve = %s, want APPROVED", k.Status)
	}
}

func TestHierarchyAdminOverHTTP(t *testing.T) {
	env := setupServer(t)
	// staff cannot manage hierarchies
	env.do(t, http.MethodGet, "/api/admin/hierarchies", "staff1", nil, http.StatusForbidden)

	env.do(t, http.MethodPut, "/api/admin/hierarchies", "admin1", map[string]any{
		"user_id":            env.ids["lm1"],
		"level1_approver_id": env.ids["hod1"],
		"level2_approver_id": env.ids["bod1"],
	}, http.StatusOK)
	// unknown approver id rejected
	env.do(t, http.MethodPut, "/api/admin/hierarchies", "admin1", map[string]any{
		"user_id":            env.ids["lm1"],
		"level1_approver_id": "nope",
	}, http.StatusBadRequest)

	out := env.do(t, http.MethodGet, "/api/admin/hierarchies", "admin1", nil, http.StatusOK)
	if arr, _ := out["hierarchies"].([]any); len(arr) != 2 {
		t.Fatalf("expected 2 hierarchies, got %v", out)
	}
}

func TestHealthz(t *testing.T) {
	env := setupServer(t)
	env.do(t, http.MethodGet, "/healthz", "", nil, http.StatusOK)
}
