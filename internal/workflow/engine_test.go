package workflow

import (
	"context"
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

// fixture bundles the engine plus seeded actors for workflow tests.
type fixture struct {
	db     *gorm.DB
	eng    *Engine
	staff  *usersgorm.UserAccount
	lm     *usersgorm.UserAccount
	hod    *usersgorm.UserAccount
	bod    *usersgorm.UserAccount
	admin  *usersgorm.UserAccount
	perf   *perfgorm.Repo
	apprs  *approvalsgorm.Repo
	hier   *hierarchygorm.Repo
	notifs *notifgorm.Repo
	creqs  *changereqgorm.Repo
	proxy  *proxyloggorm.Repo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	for name, fn := range map[string]func(*gorm.DB) error{
		"users":     usersgorm.AutoMigrate,
		"hierarchy": hierarchygorm.AutoMigrate,
		"perf":      perfgorm.AutoMigrate,
		"approvals": approvalsgorm.AutoMigrate,
		"changereq": changereqgorm.AutoMigrate,
		"notifs":    notifgorm.AutoMigrate,
		"proxylog":  proxyloggorm.AutoMigrate,
	} {
		if err := fn(db); err != nil {
			t.Fatalf("migrate %s: %v", name, err)
		}
	}
	f := &fixture{
		db:     db,
		eng:    NewEngine(db, Options{}),
		perf:   perfgorm.New(db),
		apprs:  approvalsgorm.New(db),
		hier:   hierarchygorm.New(db),
		notifs: notifgorm.New(db),
		creqs:  changereqgorm.New(db),
		proxy:  proxyloggorm.New(db),
	}
	urepo := usersgorm.New(db)
	mk := func(username, email, role string) *usersgorm.UserAccount {
		u := &usersgorm.UserAccount{Username: username, Email: email, DisplayName: username, Role: role, Active: true}
		if err := urepo.Create(context.Background(), u); err != nil {
			t.Fatalf("create user %s: %v", username, err)
		}
		return u
	}
	f.staff = mk("staff1", "staff1@example.com", usersgorm.RoleStaff)
	f.lm = mk("lm1", "lm1@example.com", usersgorm.RoleManager)
	f.hod = mk("hod1", "hod1@example.com", usersgorm.RoleHOD)
	f.bod = mk("bod1", "bod1@example.com", usersgorm.RoleBOD)
	f.admin = mk("admin1", "admin1@example.com", usersgorm.RoleAdmin)
	return f
}

// chain configures the staff member's approval hierarchy. Empty ids
// leave a level unconfigured.
func (f *fixture) chain(t *testing.T, l1, l2, l3 string) {
	t.Helper()
	if err := f.hier.Upsert(context.Background(), &hierarchygorm.ApprovalHierarchy{
		UserID: f.staff.ID, Level1ApproverID: l1, Level2ApproverID: l2, Level3ApproverID: l3, Active: true,
	}); err != nil {
		t.Fatalf("upsert hierarchy: %v", err)
	}
}

func (f *fixture) fullChain(t *testing.T) {
	t.Helper()
	f.chain(t, f.lm.ID, f.hod.ID, f.bod.ID)
}

func (f *fixture) newKpi(t *testing.T) *perfgorm.KpiDefinition {
	t.Helper()
	k := &perfgorm.KpiDefinition{OwnerID: f.staff.ID, CycleID: "2026-H1", Title: "Increase renewals", Weight: 25, Target: "95%", Unit: "%"}
	if err := f.db.Create(k).Error; err != nil {
		t.Fatalf("create kpi: %v", err)
	}
	return k
}

func (f *fixture) kpiStatus(t *testing.T, id string) perfgorm.Status {
	t.Helper()
	k, err := f.perf.GetKpi(context.Background(), id)
	if err != nil {
		t.Fatalf("get kpi: %v", err)
	}
	return k.Status
}

func (f *fixture) pendingCount(t *testing.T, kind, id string) int64 {
	t.Helper()
	n, err := f.apprs.CountPending(context.Background(), kind, id)
	if err != nil {
		t.Fatalf("count pending: %v", err)
	}
	return n
}

func wantKind(t *testing.T, err error, k Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", k)
	}
	if got := KindOf(err); got != k {
		t.Fatalf("expected %s error, got %s: %v", k, got, err)
	}
}

func TestSubmitOpensChainAtLevelOne(t *testing.T) {
	f := newFixture(t)
	f.fullChain(t)
	k := f.newKpi(t)
	ctx := context.Background()

	res, err := f.eng.Submit(ctx, approvalsgorm.EntityKPI, k.ID, f.staff.ID)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.NewStatus != perfgorm.StatusPendingLM || res.ApprovalLevel != 1 {
		t.Fatalf("unexpected submit result: %+v", res)
	}
	if got := f.kpiStatus(t, k.ID); got != perfgorm.StatusPendingLM {
		t.Fatalf("status = %s, want PENDING_LM", got)
	}
	ap, err := f.apprs.PendingFor(ctx, approvalsgorm.EntityKPI, k.ID, f.lm.ID)
	if err != nil {
		t.Fatalf("pending for lm: %v", err)
	}
	if ap.Level != 1 {
		t.Fatalf("level = %d, want 1", ap.Level)
	}
	if n := f.pendingCount(t, approvalsgorm.EntityKPI, k.ID); n != 1 {
		t.Fatalf("pending rows = %d, want 1", n)
	}
}

func TestSubmitGuards(t *testing.T) {
	f := newFixture(t)
	f.fullChain(t)
	k := f.newKpi(t)
	ctx := context.Background()

	// not the owner
	_, err := f.eng.Submit(ctx, approvalsgorm.EntityKPI, k.ID, f.lm.ID)
	wantKind(t, err, KindUnauthorized)

	// double submit
	if _, err := f.eng.Submit(ctx, approvalsgorm.EntityKPI, k.ID, f.staff.ID); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err = f.eng.Submit(ctx, approvalsgorm.EntityKPI, k.ID, f.staff.ID)
	wantKind(t, err, KindInvalidState)
}

func TestSubmitWithoutHierarchyFails(t *testing.T) {
	f := newFixture(t)
	k := f.newKpi(t)
	_, err := f.eng.Submit(context.Background(), approvalsgorm.EntityKPI, k.ID, f.staff.ID)
	wantKind(t, err, KindValidation)
	if got := f.kpiStatus(t, k.ID); got != perfgorm.StatusDraft {
		t.Fatalf("status = %s, want DRAFT untouched", got)
	}
}

func TestThreeLevelApprovalChain(t *testing.T) {
	f := newFixture(t)
	f.fullChain(t)
	k := f.newKpi(t)
	ctx := context.Background()

	if _, err := f.eng.Submit(ctx, approvalsgorm.EntityKPI, k.ID, f.staff.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}

	steps := []struct {
		approver   *usersgorm.UserAccount
		wantStatus perfgorm.Status
		wantNext   int
	}{
		{f.lm, perfgorm.StatusPendingHOD, 2},
		{f.hod, perfgorm.StatusPendingBOD, 3},
		{f.bod, perfgorm.StatusApproved, 0},
	}
	for _, s := range steps {
		res, err := f.eng.Approve(ctx, approvalsgorm.EntityKPI, k.ID, s.approver.ID, "ok")
		if err != nil {
			t.Fatalf("approve by %s: %v", s.approver.Username, err)
		}
		if res.NewStatus != s.wantStatus || res.NextLevel != s.wantNext {
			t.Fatalf("approve by %s: got %+v, want status %s next %d", s.approver.Username, res, s.wantStatus, s.wantNext)
		}
		if got := f.kpiStatus(t, k.ID); got != s.wantStatus {
			t.Fatalf("status after %s = %s, want %s", s.approver.Username, got, s.wantStatus)
		}
		// at most one pending row at any point
		if n := f.pendingCount(t, approvalsgorm.EntityKPI, k.ID); n > 1 {
			t.Fatalf("pending rows = %d after %s, want <= 1", n, s.approver.Username)
		}
	}
	if n := f.pendingCount(t, approvalsgorm.EntityKPI, k.ID); n != 0 {
		t.Fatalf("pending rows after finalize = %d, want 0", n)
	}
}

func TestTwoLevelChainFinalizesAtLastConfiguredLevel(t *testing.T) {
	f := newFixture(t)
	f.chain(t, f.lm.ID, f.hod.ID, "") // level 3 unconfigured
	k := f.newKpi(t)
	ctx := context.Background()

	if _, err := f.eng.Submit(ctx, approvalsgorm.EntityKPI, k.ID, f.staff.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := f.eng.Approve(ctx, approvalsgorm.EntityKPI, k.ID, f.lm.ID, ""); err != nil {
		t.Fatalf("lm approve: %v", err)
	}
	res, err := f.eng.Approve(ctx, approvalsgorm.EntityKPI, k.ID, f.hod.ID, "")
	if err != nil {
		t.Fatalf("hod approve: %v", err)
	}
	if res.NewStatus != perfgorm.StatusApproved || res.NextLevel != 0 {
		t.Fatalf("two-level chain should finalize at level 2, got %+v", res)
	}
}

func TestApproveRequiresMatchingPendingApproval(t *testing.T) {
	f := newFixture(t)
	f.fullChain(t)
	k := f.newKpi(t)
	ctx := context.Background()

	if _, err := f.eng.Submit(ctx, approvalsgorm.EntityKPI, k.ID, f.staff.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	// hod has no pending approval until lm approves
	_, err := f.eng.Approve(ctx, approvalsgorm.EntityKPI, k.ID, f.hod.ID, "")
	wantKind(t, err, KindUnauthorized)
	// the owner is not an approver either
	_, err = f.eng.Approve(ctx, approvalsgorm.EntityKPI, k.ID, f.staff.ID, "")
	wantKind(t, err, KindUnauthorized)
}

func TestRejectAtLevelTwoCancelsChain(t *testing.T) {
	f := newFixture(t)
	f.fullChain(t)
	k := f.newKpi(t)
	ctx := context.Background()

	if _, err := f.eng.Submit(ctx, approvalsgorm.EntityKPI, k.ID, f.staff.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := f.eng.Approve(ctx, approvalsgorm.EntityKPI, k.ID, f.lm.ID, ""); err != nil {
		t.Fatalf("lm approve: %v", err)
	}

	// reason is mandatory
	_, err := f.eng.Reject(ctx, approvalsgorm.EntityKPI, k.ID, f.hod.ID, "  ")
	wantKind(t, err, KindValidation)

	res, err := f.eng.Reject(ctx, approvalsgorm.EntityKPI, k.ID, f.hod.ID, "targets unrealistic")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if res.RejectedAtLevel != 2 {
		t.Fatalf("rejected at level %d, want 2", res.RejectedAtLevel)
	}
	if got := f.kpiStatus(t, k.ID); got != perfgorm.StatusRejected {
		t.Fatalf("status = %s, want REJECTED", got)
	}
	if n := f.pendingCount(t, approvalsgorm.EntityKPI, k.ID); n != 0 {
		t.Fatalf("pending rows after reject = %d, want 0", n)
	}
	kk, _ := f.perf.GetKpi(ctx, k.ID)
	if kk.RejectionReason != "targets unrealistic" || kk.RejectedBy != f.hod.ID {
		t.Fatalf("rejection provenance not recorded: %+v", kk)
	}
	// the owner was told, with HIGH priority
	recs, _, err := f.notifs.List(ctx, f.staff.ID, true, 50, 0)
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	found := false
	for _, r := range recs {
		if r.Priority == notifgorm.PriorityHigh {
			found = true
		}
	}
	if !found {
		t.Fatalf("owner got no high-priority rejection notice")
	}
}

func TestResubmitAfterRejectionRestartsAtLevelOne(t *testing.T) {
	f := newFixture(t)
	f.fullChain(t)
	k := f.newKpi(t)
	ctx := context.Background()

	if _, err := f.eng.Submit(ctx, approvalsgorm.EntityKPI, k.ID, f.staff.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := f.eng.Approve(ctx, approvalsgorm.EntityKPI, k.ID, f.lm.ID, ""); err != nil {
		t.Fatalf("lm approve: %v", err)
	}
	if _, err := f.eng.Reject(ctx, approvalsgorm.EntityKPI, k.ID, f.hod.ID, "redo"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	res, err := f.eng.Submit(ctx, approvalsgorm.EntityKPI, k.ID, f.staff.ID)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if res.ApprovalLevel != 1 || res.NewStatus != perfgorm.StatusPendingLM {
		t.Fatalf("resubmit should restart at level 1, got %+v", res)
	}
	// full history retained: 1 approved + 1 rejected + 1 new pending
	hist, err := f.apprs.ListForEntity(ctx, approvalsgorm.EntityKPI, k.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("history rows = %d, want 3", len(hist))
	}
}

func TestStaleDecisionConflicts(t *testing.T) {
	f := newFixture(t)
	f.fullChain(t)
	k := f.newKpi(t)
	ctx := context.Background()

	if _, err := f.eng.Submit(ctx, approvalsgorm.EntityKPI, k.ID, f.staff.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	ap, err := f.apprs.PendingFor(ctx, approvalsgorm.EntityKPI, k.ID, f.lm.ID)
	if err != nil {
		t.Fatalf("pending for lm: %v", err)
	}
	// first decision wins
	if _, err := f.eng.Approve(ctx, approvalsgorm.EntityKPI, k.ID, f.lm.ID, ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	// a second writer holding the stale row loses at the CAS
	err = f.apprs.Decide(ctx, ap.ID, approvalsgorm.Decision{Status: approvalsgorm.StatusRejected, DecidedBy: f.lm.ID})
	if err != approvalsgorm.ErrNotPending {
		t.Fatalf("stale decide: got %v, want ErrNotPending", err)
	}
}

func TestActualFollowsSameChain(t *testing.T) {
	f := newFixture(t)
	f.fullChain(t)
	k := f.newKpi(t)
	ctx := context.Background()

	a := &perfgorm.KpiActual{KpiDefinitionID: k.ID, Period: "2026-Q1", ActualValue: "97%", Percentage: 102}
	if err := f.perf.CreateActual(ctx, a); err != nil {
		t.Fatalf("create actual: %v", err)
	}
	if _, err := f.eng.Submit(ctx, approvalsgorm.EntityActual, a.ID, f.staff.ID); err != nil {
		t.Fatalf("submit actual: %v", err)
	}
	for _, u := range []*usersgorm.UserAccount{f.lm, f.hod, f.bod} {
		if _, err := f.eng.Approve(ctx, approvalsgorm.EntityActual, a.ID, u.ID, ""); err != nil {
			t.Fatalf("approve actual by %s: %v", u.Username, err)
		}
	}
	got, err := f.perf.GetActual(ctx, a.ID)
	if err != nil {
		t.Fatalf("get actual: %v", err)
	}
	if got.Status != perfgorm.StatusApproved {
		t.Fatalf("actual status = %s, want APPROVED", got.Status)
	}
}

func TestOneOpenActualPerPeriod(t *testing.T) {
	f := newFixture(t)
	f.fullChain(t)
	k := f.newKpi(t)
	ctx := context.Background()

	a1 := &perfgorm.KpiActual{KpiDefinitionID: k.ID, Period: "2026-Q1", ActualValue: "90%"}
	if err := f.perf.CreateActual(ctx, a1); err != nil {
		t.Fatalf("create first actual: %v", err)
	}
	a2 := &perfgorm.KpiActual{KpiDefinitionID: k.ID, Period: "2026-Q1", ActualValue: "91%"}
	if err := f.perf.CreateActual(ctx, a2); err != perfgorm.ErrOpenActualExists {
		t.Fatalf("second open actual: got %v, want ErrOpenActualExists", err)
	}
	// a different period is fine
	a3 := &perfgorm.KpiActual{KpiDefinitionID: k.ID, Period: "2026-Q2", ActualValue: "88%"}
	if err := f.perf.CreateActual(ctx, a3); err != nil {
		t.Fatalf("different period: %v", err)
	}
	// after rejection the slot reopens
	if _, err := f.eng.Submit(ctx, approvalsgorm.EntityActual, a1.ID, f.staff.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := f.eng.Reject(ctx, approvalsgorm.EntityActual, a1.ID, f.lm.ID, "wrong evidence"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	a4 := &perfgorm.KpiActual{KpiDefinitionID: k.ID, Period: "2026-Q1", ActualValue: "92%"}
	if err := f.perf.CreateActual(ctx, a4); err != nil {
		t.Fatalf("replacement after rejection: %v", err)
	}
}

func TestKpiSetWeightValidation(t *testing.T) {
	mkDefs := func(weights ...int) []*perfgorm.KpiDefinition {
		defs := make([]*perfgorm.KpiDefinition, 0, len(weights))
		for _, w := range weights {
			defs = append(defs, &perfgorm.KpiDefinition{Title: "kpi", Weight: w, CycleID: "c", OwnerID: "o", Target: "t"})
		}
		return defs
	}
	cases := []struct {
		name    string
		weights []int
		ok      bool
	}{
		{"valid four", []int{25, 25, 25, 25}, true},
		{"valid uneven", []int{40, 30, 20, 10}, true},
		{"too few", []int{50, 50}, false},
		{"too many", []int{20, 20, 20, 20, 10, 10}, false},
		{"weight too small", []int{4, 32, 32, 32}, false},
		{"weight too large", []int{41, 20, 20, 19}, false},
		{"total off", []int{30, 30, 30}, false},
	}
	for _, c := range cases {
		err := perfgorm.ValidateSet(mkDefs(c.weights...))
		if c.ok && err != nil {
			t.Errorf("%s: unexpected error %v", c.name, err)
		}
		if !c.ok && err == nil {
			t.Errorf("%s: expected validation error", c.name)
		}
	}
}

func TestArchiveLifecycle(t *testing.T) {
	f := newFixture(t)
	f.chain(t, f.lm.ID, "", "")
	k := f.newKpi(t)
	ctx := context.Background()

	// only APPROVED can be archived
	err := f.eng.Archive(ctx, k.ID, f.admin.ID)
	wantKind(t, err, KindInvalidState)

	if _, err := f.eng.Submit(ctx, approvalsgorm.EntityKPI, k.ID, f.staff.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := f.eng.Approve(ctx, approvalsgorm.EntityKPI, k.ID, f.lm.ID, ""); err != nil {
		t.Fatalf("approve: %v", err)
	}

	// admin only
	err = f.eng.Archive(ctx, k.ID, f.staff.ID)
	wantKind(t, err, KindUnauthorized)

	if err := f.eng.Archive(ctx, k.ID, f.admin.ID); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if got := f.kpiStatus(t, k.ID); got != perfgorm.StatusArchived {
		t.Fatalf("status = %s, want ARCHIVED", got)
	}
	// archived entities are frozen for the owner
	_, err = f.eng.Submit(ctx, approvalsgorm.EntityKPI, k.ID, f.staff.ID)
	wantKind(t, err, KindInvalidState)

	if err := f.eng.Unarchive(ctx, k.ID, f.admin.ID); err != nil {
		t.Fatalf("unarchive: %v", err)
	}
	if got := f.kpiStatus(t, k.ID); got != perfgorm.StatusApproved {
		t.Fatalf("status = %s, want APPROVED", got)
	}
}

// approveAll drives a KPI to APPROVED through the full chain.
func (f *fixture) approveAll(t *testing.T, k *perfgorm.KpiDefinition) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.eng.Submit(ctx, approvalsgorm.EntityKPI, k.ID, f.staff.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	for _, u := range []*usersgorm.UserAccount{f.lm, f.hod, f.bod} {
		if _, err := f.eng.Approve(ctx, approvalsgorm.EntityKPI, k.ID, u.ID, ""); err != nil {
			t.Fatalf("approve by %s: %v", u.Username, err)
		}
	}
}

func TestChangeRequestRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.fullChain(t)
	k := f.newKpi(t)
	ctx := context.Background()
	f.approveAll(t, k)

	res, err := f.eng.ProxyIssueChangeRequest(ctx, k.ID, f.staff.ID, f.admin.ID, "TARGET_ADJUSTMENT", "mid-cycle target change")
	if err != nil {
		t.Fatalf("issue change request: %v", err)
	}
	if !res.Success {
		t.Fatalf("issue change request: %+v", res)
	}
	if got := f.kpiStatus(t, k.ID); got != perfgorm.StatusChangeRequested {
		t.Fatalf("status = %s, want CHANGE_REQUESTED", got)
	}
	cr, err := f.creqs.PendingForKpi(ctx, k.ID)
	if err != nil {
		t.Fatalf("pending change request: %v", err)
	}

	// only the owner may resolve
	err = f.eng.ResolveChangeRequest(ctx, cr.ID, f.lm.ID, "done")
	wantKind(t, err, KindUnauthorized)

	if err := f.eng.ResolveChangeRequest(ctx, cr.ID, f.staff.ID, "target updated"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := f.kpiStatus(t, k.ID); got != perfgorm.StatusApproved {
		t.Fatalf("status = %s, want APPROVED after resolution", got)
	}
	// resolving twice conflicts with the completed state
	err = f.eng.ResolveChangeRequest(ctx, cr.ID, f.staff.ID, "again")
	wantKind(t, err, KindInvalidState)
}
