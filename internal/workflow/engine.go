package workflow

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/kpiflow/kpiflow/internal/audit/chain"
	approvalsgorm "github.com/kpiflow/kpiflow/internal/repo/gorm/approvals"
	changereqgorm "github.com/kpiflow/kpiflow/internal/repo/gorm/changereq"
	hierarchygorm "github.com/kpiflow/kpiflow/internal/repo/gorm/hierarchy"
	notifgorm "github.com/kpiflow/kpiflow/internal/repo/gorm/notifications"
	perfgorm "github.com/kpiflow/kpiflow/internal/repo/gorm/perf"
	proxyloggorm "github.com/kpiflow/kpiflow/internal/repo/gorm/proxylog"
	usersgorm "github.com/kpiflow/kpiflow/internal/repo/gorm/users"
	"github.com/kpiflow/kpiflow/internal/telemetry"
)

const maxLevel = 3

// Engine owns the KPI/Actual state machines: submit, approve, reject,
// archive, change requests, plus the admin proxy overrides in proxy.go.
// All collaborators are injected; the engine holds no ambient state and
// reads nothing back from notifications.
type Engine struct {
	db      *gorm.DB
	perf    *perfgorm.Repo
	apprs   *approvalsgorm.Repo
	hier    *hierarchygorm.Repo
	users   *usersgorm.Repo
	creqs   *changereqgorm.Repo
	proxies *proxyloggorm.Repo
	notify  *Notifier
	audit   *chain.Writer               // optional
	metrics *telemetry.WorkflowMetrics  // optional
}

type Options struct {
	Audit   *chain.Writer
	Metrics *telemetry.WorkflowMetrics
}

func NewEngine(db *gorm.DB, opts Options) *Engine {
	users := usersgorm.New(db)
	notifs := NewNotifier(notifgorm.New(db), users)
	return &Engine{
		db:      db,
		perf:    perfgorm.New(db),
		apprs:   approvalsgorm.New(db),
		hier:    hierarchygorm.New(db),
		users:   users,
		creqs:   changereqgorm.New(db),
		proxies: proxyloggorm.New(db),
		notify:  notifs,
		audit:   opts.Audit,
		metrics: opts.Metrics,
	}
}

// entity is the engine's uniform view over definitions and actuals.
type entity struct {
	Kind    string
	ID      string
	OwnerID string
	Title   string
	Status  perfgorm.Status
}

// NormalizeKind validates an entity-type string from the outside world.
func NormalizeKind(s string) (string, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case approvalsgorm.EntityKPI:
		return approvalsgorm.EntityKPI, nil
	case approvalsgorm.EntityActual:
		return approvalsgorm.EntityActual, nil
	}
	return "", E(KindValidation, "unknown entity type %q", s)
}

func (e *Engine) loadEntity(ctx context.Context, kind, id string) (*entity, error) {
	switch kind {
	case approvalsgorm.EntityKPI:
		k, err := e.perf.GetKpi(ctx, id)
		if err != nil {
			return nil, notFoundOr(err, "KPI %s not found", id)
		}
		return &entity{Kind: kind, ID: k.ID, OwnerID: k.OwnerID, Title: k.Title, Status: k.Status}, nil
	case approvalsgorm.EntityActual:
		a, err := e.perf.GetActual(ctx, id)
		if err != nil {
			return nil, notFoundOr(err, "actual %s not found", id)
		}
		// ownership follows the parent definition
		k, err := e.perf.GetKpi(ctx, a.KpiDefinitionID)
		if err != nil {
			return nil, notFoundOr(err, "KPI %s not found", a.KpiDefinitionID)
		}
		return &entity{Kind: kind, ID: a.ID, OwnerID: k.OwnerID, Title: k.Title + " (" + a.Period + ")", Status: a.Status}, nil
	}
	return nil, E(KindValidation, "unknown entity type %q", kind)
}

func notFoundOr(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return E(KindNotFound, format, args...)
	}
	return err
}

type SubmitResult struct {
	NewStatus     perfgorm.Status `json:"new_status"`
	ApprovalLevel int             `json:"approval_level"`
}

// Submit opens an approval chain at level 1. Allowed from DRAFT and
// REJECTED, and from CHANGE_REQUESTED after a return-to-staff, so the
// chain restarts from level 1 rather than the level it was parked at.
// A CHANGE_REQUESTED definition with an open change request is not
// submittable: its lifecycle completes through ResolveChangeRequest,
// and resubmitting would strand the request PENDING forever.
func (e *Engine) Submit(ctx context.Context, kind, id, callerID string) (*SubmitResult, error) {
	if callerID == "" {
		return nil, E(KindUnauthenticated, "no caller identity")
	}
	ent, err := e.loadEntity(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if ent.OwnerID != callerID {
		return nil, E(KindUnauthorized, "only the owner may submit")
	}
	if !ent.Status.Editable() {
		return nil, E(KindInvalidState, "cannot submit from status %s", ent.Status)
	}
	if kind == approvalsgorm.EntityKPI && ent.Status == perfgorm.StatusChangeRequested {
		if _, err := e.creqs.PendingForKpi(ctx, id); err == nil {
			return nil, E(KindInvalidState, "a pending change request must be resolved before resubmitting")
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	h, err := e.hier.ResolveForUser(ctx, ent.OwnerID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if h == nil || h.Level1ApproverID == "" {
		return nil, E(KindValidation, "no level-1 approver configured for submitter")
	}
	now := time.Now().UTC()
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := e.perf.WithTx(tx).MarkSubmitted(ctx, kind, id, perfgorm.SubmissionOutcome{SubmittedAt: now, Level: 1}); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return E(KindConflict, "entity was submitted concurrently")
			}
			return err
		}
		return e.apprs.WithTx(tx).Create(ctx, &approvalsgorm.Approval{
			EntityID:   id,
			EntityType: kind,
			Level:      1,
			ApproverID: h.Level1ApproverID,
			Status:     approvalsgorm.StatusPending,
		})
	})
	if err != nil {
		return nil, err
	}
	e.notify.ApprovalRequested(ctx, h.Level1ApproverID, callerID, kind, id, ent.Title, 1)
	e.metrics.CountSubmitted(ctx, kind)
	return &SubmitResult{NewStatus: perfgorm.StatusPendingLM, ApprovalLevel: 1}, nil
}

type ApproveResult struct {
	PreviousStatus perfgorm.Status `json:"previous_status"`
	NewStatus      perfgorm.Status `json:"new_status"`
	CurrentLevel   int             `json:"current_level"`
	NextLevel      int             `json:"next_level"` // 0 when the chain finished
}

// Approve records the caller's decision at whatever level their PENDING
// approval sits. The level comes from the approval row, never from the
// entity status, so decisions stay correct if the two ever diverge.
func (e *Engine) Approve(ctx context.Context, kind, id, callerID, comment string) (*ApproveResult, error) {
	if callerID == "" {
		return nil, E(KindUnauthenticated, "no caller identity")
	}
	ent, err := e.loadEntity(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	ap, err := e.apprs.PendingFor(ctx, kind, id, callerID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, E(KindUnauthorized, "no pending approval for caller")
		}
		return nil, err
	}
	res, err := e.decideApprove(ctx, ent, ap, callerID, comment, nil)
	if err != nil {
		return nil, err
	}
	e.metrics.CountApproved(ctx, kind, ap.Level, false)
	return res, nil
}

// decideApprove finishes one approval row and advances the chain: next
// configured level gets a fresh PENDING row, or the entity finalizes as
// APPROVED when no higher level is configured. Shared by the normal and
// proxy paths so both follow one finalization rule; ov carries the
// proxy provenance into the decision write itself.
func (e *Engine) decideApprove(ctx context.Context, ent *entity, ap *approvalsgorm.Approval, deciderID, comment string, ov *approvalsgorm.Override) (*ApproveResult, error) {
	h, err := e.hier.ResolveForUser(ctx, ent.OwnerID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	next, nextApprover := 0, ""
	if h != nil {
		for l := ap.Level + 1; l <= maxLevel; l++ {
			if a := h.ApproverAt(l); a != "" {
				next, nextApprover = l, a
				break
			}
		}
	}
	now := time.Now().UTC()
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := e.apprs.WithTx(tx).Decide(ctx, ap.ID, approvalsgorm.Decision{
			Status: approvalsgorm.StatusApproved, Comment: comment, DecidedBy: deciderID, DecidedAt: now, Override: ov,
		}); err != nil {
			if errors.Is(err, approvalsgorm.ErrNotPending) {
				e.metrics.CountConflict(ctx, ent.Kind)
				return E(KindConflict, "approval already decided")
			}
			return err
		}
		if next > 0 {
			if err := e.apprs.WithTx(tx).Create(ctx, &approvalsgorm.Approval{
				EntityID:   ent.ID,
				EntityType: ent.Kind,
				Level:      next,
				ApproverID: nextApprover,
				Status:     approvalsgorm.StatusPending,
			}); err != nil {
				return err
			}
			return e.perf.WithTx(tx).MoveToPending(ctx, ent.Kind, ent.ID, next)
		}
		return e.perf.WithTx(tx).MarkApproved(ctx, ent.Kind, ent.ID, perfgorm.ApprovalOutcome{ApprovedAt: now, ApprovedBy: deciderID})
	})
	if err != nil {
		return nil, err
	}
	newStatus := perfgorm.StatusApproved
	if next > 0 {
		newStatus = perfgorm.PendingStatusForLevel(next)
		e.notify.ApprovalRequested(ctx, nextApprover, deciderID, ent.Kind, ent.ID, ent.Title, next)
	} else {
		e.notify.Approved(ctx, ent.OwnerID, deciderID, ent.Kind, ent.ID, ent.Title)
	}
	return &ApproveResult{PreviousStatus: ent.Status, NewStatus: newStatus, CurrentLevel: ap.Level, NextLevel: next}, nil
}

type RejectResult struct {
	RejectedAtLevel int `json:"rejected_at_level"`
}

// Reject is terminal for the submission cycle: the caller's row is
// rejected and every other PENDING row for the entity is cancelled.
func (e *Engine) Reject(ctx context.Context, kind, id, callerID, reason string) (*RejectResult, error) {
	if callerID == "" {
		return nil, E(KindUnauthenticated, "no caller identity")
	}
	if strings.TrimSpace(reason) == "" {
		return nil, E(KindValidation, "rejection reason is required")
	}
	ent, err := e.loadEntity(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	ap, err := e.apprs.PendingFor(ctx, kind, id, callerID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, E(KindUnauthorized, "no pending approval for caller")
		}
		return nil, err
	}
	if err := e.decideReject(ctx, ent, ap, callerID, reason, reason, nil); err != nil {
		return nil, err
	}
	e.metrics.CountRejected(ctx, kind, ap.Level, false)
	return &RejectResult{RejectedAtLevel: ap.Level}, nil
}

// decideReject records the rejection, cancels all other PENDING rows
// (all-or-nothing), and stamps the entity. Shared with the proxy path.
func (e *Engine) decideReject(ctx context.Context, ent *entity, ap *approvalsgorm.Approval, deciderID, comment, reason string, ov *approvalsgorm.Override) error {
	now := time.Now().UTC()
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := e.apprs.WithTx(tx).Decide(ctx, ap.ID, approvalsgorm.Decision{
			Status: approvalsgorm.StatusRejected, Comment: comment, DecidedBy: deciderID, DecidedAt: now, Override: ov,
		}); err != nil {
			if errors.Is(err, approvalsgorm.ErrNotPending) {
				e.metrics.CountConflict(ctx, ent.Kind)
				return E(KindConflict, "approval already decided")
			}
			return err
		}
		// safety net: only one row is ever PENDING, but cancel any
		// stragglers from inconsistent data in the same transaction
		if _, err := e.apprs.WithTx(tx).CancelAllPending(ctx, ent.Kind, ent.ID, "cancelled after rejection"); err != nil {
			return err
		}
		return e.perf.WithTx(tx).MarkRejected(ctx, ent.Kind, ent.ID, perfgorm.RejectionOutcome{
			Reason: reason, RejectedBy: deciderID, RejectedAt: now,
		})
	})
	if err != nil {
		return err
	}
	e.notify.Rejected(ctx, ent.OwnerID, deciderID, ent.Kind, ent.ID, ent.Title, reason)
	return nil
}

// requireAdmin resolves the caller and insists on the ADMIN role.
func (e *Engine) requireAdmin(ctx context.Context, callerID string) (*usersgorm.UserAccount, error) {
	if callerID == "" {
		return nil, E(KindUnauthenticated, "no caller identity")
	}
	u, err := e.users.Get(ctx, callerID)
	if err != nil {
		return nil, notFoundOr(err, "caller %s not found", callerID)
	}
	if u.Role != usersgorm.RoleAdmin {
		return nil, E(KindUnauthorized, "admin role required")
	}
	return u, nil
}

// Archive locks an APPROVED definition. Admin only.
func (e *Engine) Archive(ctx context.Context, kpiID, callerID string) error {
	admin, err := e.requireAdmin(ctx, callerID)
	if err != nil {
		return err
	}
	k, err := e.perf.GetKpi(ctx, kpiID)
	if err != nil {
		return notFoundOr(err, "KPI %s not found", kpiID)
	}
	if err := e.perf.MarkArchived(ctx, kpiID, time.Now().UTC()); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return E(KindInvalidState, "cannot archive from status %s", k.Status)
		}
		return err
	}
	e.auditLog("kpi.archive", admin.ID, kpiID, nil)
	return nil
}

// Unarchive returns an ARCHIVED definition to APPROVED. Admin only.
func (e *Engine) Unarchive(ctx context.Context, kpiID, callerID string) error {
	admin, err := e.requireAdmin(ctx, callerID)
	if err != nil {
		return err
	}
	k, err := e.perf.GetKpi(ctx, kpiID)
	if err != nil {
		return notFoundOr(err, "KPI %s not found", kpiID)
	}
	if err := e.perf.MarkUnarchived(ctx, kpiID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return E(KindInvalidState, "cannot unarchive from status %s", k.Status)
		}
		return err
	}
	e.auditLog("kpi.unarchive", admin.ID, kpiID, nil)
	return nil
}

// ResolveChangeRequest lets the KPI owner close a pending change
// request, returning the definition to APPROVED.
func (e *Engine) ResolveChangeRequest(ctx context.Context, changeRequestID, callerID, comment string) error {
	if callerID == "" {
		return E(KindUnauthenticated, "no caller identity")
	}
	cr, err := e.creqs.Get(ctx, changeRequestID)
	if err != nil {
		return notFoundOr(err, "change request %s not found", changeRequestID)
	}
	if cr.Status != changereqgorm.StatusPending {
		return E(KindInvalidState, "change request is %s, not PENDING", cr.Status)
	}
	k, err := e.perf.GetKpi(ctx, cr.KpiDefinitionID)
	if err != nil {
		return notFoundOr(err, "KPI %s not found", cr.KpiDefinitionID)
	}
	if k.OwnerID != callerID {
		return E(KindUnauthorized, "only the KPI owner may resolve a change request")
	}
	now := time.Now().UTC()
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := e.creqs.WithTx(tx).Complete(ctx, cr.ID, changereqgorm.Resolution{ResolvedBy: callerID, ResolvedAt: now, Comment: comment}); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return E(KindConflict, "change request resolved concurrently")
			}
			return err
		}
		if err := e.perf.WithTx(tx).RestoreApproved(ctx, k.ID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return E(KindInvalidState, "KPI is %s, not CHANGE_REQUESTED", k.Status)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.notify.ChangeResolved(ctx, cr.RequesterID, callerID, k.ID, k.Title)
	return nil
}

// auditLog is a non-critical effect: failures are logged by the chain
// writer's caller, never propagated into the transition result.
func (e *Engine) auditLog(kind, actor, target string, meta map[string]string) {
	if e.audit == nil {
		return
	}
	_ = e.audit.Log(kind, actor, target, meta)
}
